// Package streamer implements the per-room child process: it terminates the
// upstream streaming protocol on one side, per-peer transports on the other,
// and forwards media and input between them. It owns no room state; the
// broker feeds it peers and input over IPC.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/couchbridge/server/internal/domain"
	"github.com/couchbridge/server/internal/ipc"
	"github.com/couchbridge/server/internal/transport"
	"github.com/couchbridge/server/internal/upstream"
)

type State int

const (
	StateIdle State = iota
	StateInitializing
	StateNegotiating
	StateStreaming
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateTerminating:
		return "terminating"
	}

	return "unknown"
}

var errProtocol = errors.New("ipc protocol violation")

const (
	defaultVideoBufferSize = 512 * 1024
	defaultAudioBufferSize = 4 * 1024
)

type peer struct {
	id         domain.PeerID
	slot       *domain.PlayerSlot
	role       domain.RoomRole
	videoQueue int
	audioQueue int

	transport transport.Transport
	// pending holds a transport still negotiating, so trickled signals can
	// reach it before it is attached.
	pending   transport.Transport
	channels  map[domain.ChannelID]transport.Channel
	connected bool
}

func (p *peer) channel(id domain.ChannelID) transport.Channel {
	if p.channels == nil {
		return nil
	}

	return p.channels[id]
}

type Session struct {
	client upstream.Client
	sender *ipc.Sender
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	cfg       ipc.InitPayload
	peers     map[domain.PeerID]*peer
	guestsKBM bool

	stream    upstream.Stream
	input     *inputWorker
	videoRing *mediaRing
	audioRing *mediaRing
	stats     *statsCollector

	videoSetup upstream.VideoSetup
	audioSetup domain.AudioSetup

	terminated bool
	exitCode   int
	done       chan struct{}
}

func NewSession(client upstream.Client, sender *ipc.Sender, logger *slog.Logger) *Session {
	return &Session{
		client: client,
		sender: sender,
		logger: logger,
		state:  StateIdle,
		peers:  make(map[domain.PeerID]*peer),
		done:   make(chan struct{}),
	}
}

// Run drives the session until the parent closes the pipe, sends Stop, or a
// fatal error occurs. The returned code is the process exit code.
func (s *Session) Run(ctx context.Context, receiver *ipc.Receiver) int {
	s.debugLog("Completed Stage: Launch Streamer", nil)

	for {
		msg, err := receiver.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				s.logger.Warn("ipc receive failed", "error", err)
			}
			s.terminate(0, ipc.ExitClean)
			break
		}

		if done := s.handle(msg); done {
			break
		}
	}

	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.exitCode
}

func (s *Session) handle(msg *ipc.Message) (done bool) {
	var err error

	switch msg.Type {
	case ipc.MsgInit:
		err = s.handleInit(msg)
	case ipc.MsgPeerConnected:
		err = s.handlePeerConnected(msg)
	case ipc.MsgPeerRoleChanged:
		err = s.handlePeerRoleChanged(msg)
	case ipc.MsgPeerDisconnected:
		err = s.handlePeerDisconnected(msg)
	case ipc.MsgSetTransport:
		err = s.handleSetTransport(msg)
	case ipc.MsgWebRtcSignal:
		err = s.handleWebRtcSignal(msg)
	case ipc.MsgStartStream:
		err = s.handleStartStream(msg)
	case ipc.MsgInput:
		err = s.handleInput(msg)
	case ipc.MsgTransportData:
		err = s.handleTransportData(msg)
	case ipc.MsgUpdatePermissions:
		err = s.handleUpdatePermissions(msg)
	case ipc.MsgStop:
		s.terminate(0, ipc.ExitClean)
		return true
	default:
		s.logger.Warn("unknown ipc message", "type", msg.Type)
	}

	if errors.Is(err, errProtocol) {
		// an out-of-order parent is unrecoverable; crash cleanly and let
		// the broker treat it as room closure
		s.logger.Error("fatal protocol error", "error", err)
		s.debugLog(err.Error(), ptr(domain.LogFatal))
		s.terminate(0, ipc.ExitProtocolError)
		return true
	}
	if err != nil {
		s.logger.Warn("failed to handle ipc message", "type", msg.Type, "error", err)
	}

	return false
}

func ptr[T any](v T) *T { return &v }

func (s *Session) handleInit(msg *ipc.Message) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: init in state %s", errProtocol, state)
	}
	s.state = StateInitializing
	s.mu.Unlock()

	var cfg ipc.InitPayload
	if err := msg.DecodePayload(&cfg); err != nil {
		return fmt.Errorf("%w: bad init payload: %v", errProtocol, err)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.state = StateNegotiating
	s.mu.Unlock()

	s.debugLog("Waiting for transport to negotiate", nil)
	s.send(ipc.MsgSetup, nil, &domain.SetupPayload{IceServers: cfg.WebRtc.IceServers})

	return nil
}

func (s *Session) handlePeerConnected(msg *ipc.Message) error {
	if msg.PeerID == nil {
		return fmt.Errorf("%w: peer_connected without peer id", errProtocol)
	}

	var payload ipc.PeerConnectedPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.peers[*msg.PeerID] = &peer{
		id:         *msg.PeerID,
		slot:       payload.Slot,
		role:       payload.Role,
		videoQueue: payload.VideoFrameQueue,
		audioQueue: payload.AudioSampleQueue,
	}

	s.logger.Info("peer connected", "peer_id", *msg.PeerID, "role", payload.Role)

	return nil
}

func (s *Session) handlePeerRoleChanged(msg *ipc.Message) error {
	if msg.PeerID == nil {
		return fmt.Errorf("%w: peer_role_changed without peer id", errProtocol)
	}

	var payload ipc.PeerRoleChangedPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[*msg.PeerID]
	if !ok {
		return fmt.Errorf("unknown peer %d", *msg.PeerID)
	}

	p.slot = payload.Slot
	p.role = payload.Role

	return nil
}

func (s *Session) handlePeerDisconnected(msg *ipc.Message) error {
	if msg.PeerID == nil {
		return fmt.Errorf("%w: peer_disconnected without peer id", errProtocol)
	}

	s.mu.Lock()
	p, ok := s.peers[*msg.PeerID]
	delete(s.peers, *msg.PeerID)
	s.mu.Unlock()

	if ok && p.transport != nil {
		p.transport.Close()
	}

	s.logger.Info("peer disconnected", "peer_id", *msg.PeerID)

	return nil
}

func (s *Session) handleSetTransport(msg *ipc.Message) error {
	if msg.PeerID == nil {
		return fmt.Errorf("%w: set_transport without peer id", errProtocol)
	}
	peerID := *msg.PeerID

	var payload ipc.SetTransportPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateNegotiating && s.state != StateStreaming {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: set_transport in state %s", errProtocol, state)
	}

	p, ok := s.peers[peerID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown peer %d", peerID)
	}

	// A guest requesting WebRTC before the host's own negotiation is done is
	// rejected: the media planes are not configured yet, so its peer
	// connection would negotiate against a moving target.
	if !p.role.IsHost() && payload.Transport != domain.TransportWebSocket && !s.hostConnectedLocked() {
		s.mu.Unlock()
		s.sendToPeer(peerID, ipc.MsgDebugLog, &domain.DebugLogPayload{
			Message: "transport negotiation rejected: host transport is not up yet",
			Type:    ptr(domain.LogFatal),
		})
		return nil
	}

	videoQueue, audioQueue := p.videoQueue, p.audioQueue
	isHost := p.role.IsHost()
	s.mu.Unlock()

	specs := transport.DefaultSpecs(videoQueue, audioQueue)

	dialWebRTC := func() (transport.Transport, error) {
		cfg := s.webRTCConfig()
		t, err := transport.NewWebRTC(cfg, specs, s.signalFunc(peerID), s.logger)
		if err != nil {
			return nil, err
		}

		s.setPending(peerID, t)
		if err := t.StartNegotiation(); err != nil {
			s.setPending(peerID, nil)
			t.Close()
			return nil, err
		}

		return t, nil
	}

	dialWebSocket := func() (transport.Transport, error) {
		return transport.NewWebSocket(specs, s.mediaSink(peerID), s.logger), nil
	}

	timeout := time.Duration(s.cfg.NegotiationTimeoutMS) * time.Millisecond

	go func() {
		ctx := context.Background()

		t, err := transport.Negotiate(ctx, payload.Transport, timeout, dialWebRTC, dialWebSocket)
		s.setPending(peerID, nil)
		if err != nil {
			s.logger.Warn("transport negotiation failed", "peer_id", peerID, "error", err)
			s.sendToPeer(peerID, ipc.MsgDebugLog, &domain.DebugLogPayload{
				Message: fmt.Sprintf("transport negotiation failed: %v", err),
				Type:    ptr(domain.LogFatal),
			})
			// without the host's transport there is no session to run
			if isHost {
				s.terminate(0, ipc.ExitTransportFailed)
			}
			return
		}

		s.attachTransport(peerID, t)
	}()

	return nil
}

func (s *Session) hostConnectedLocked() bool {
	for _, p := range s.peers {
		if p.role.IsHost() {
			return p.connected
		}
	}

	return false
}

func (s *Session) setPending(peerID domain.PeerID, t transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.peers[peerID]; ok {
		p.pending = t
	}
}

func (s *Session) webRTCConfig() *transport.WebRTCConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &transport.WebRTCConfig{
		ICEServers:           s.cfg.WebRtc.IceServers,
		PortRangeMin:         s.cfg.WebRtc.PortRangeMin,
		PortRangeMax:         s.cfg.WebRtc.PortRangeMax,
		NAT1To1IPs:           s.cfg.WebRtc.Nat1To1IPs,
		NAT1To1CandidateType: s.cfg.WebRtc.Nat1To1Type,
		NetworkTypes:         s.cfg.WebRtc.NetworkTypes,
		IncludeLoopback:      true,
	}
}

func (s *Session) signalFunc(peerID domain.PeerID) transport.SignalFunc {
	return func(msg domain.SignalingMessage) {
		s.sendToPeer(peerID, ipc.MsgWebRtcSignal, &msg)
	}
}

func (s *Session) mediaSink(peerID domain.PeerID) transport.FrameSink {
	return func(channel domain.ChannelID, payload []byte, keyframe bool) error {
		s.sendToPeer(peerID, ipc.MsgMediaOut, &ipc.MediaOutPayload{
			Channel:  channel,
			Data:     payload,
			Keyframe: keyframe,
		})
		return nil
	}
}

// attachTransport installs a connected transport on the peer, opens its
// channels and starts watching its lifecycle.
func (s *Session) attachTransport(peerID domain.PeerID, t transport.Transport) {
	channels := make(map[domain.ChannelID]transport.Channel, domain.ChannelCount)
	for _, id := range []domain.ChannelID{
		domain.ChannelControl, domain.ChannelVideo, domain.ChannelAudio,
		domain.ChannelInput, domain.ChannelStats,
	} {
		ch, err := t.Open(id)
		if err != nil {
			s.logger.Warn("failed to open channel", "peer_id", peerID, "channel", id, "error", err)
			t.Close()
			return
		}
		channels[id] = ch
	}

	channels[domain.ChannelInput].OnReceive(func(p []byte) {
		s.onInputFrame(peerID, p)
	})

	s.mu.Lock()
	p, ok := s.peers[peerID]
	if !ok {
		s.mu.Unlock()
		t.Close()
		return
	}

	old := p.transport
	p.transport = t
	p.channels = channels
	p.connected = true

	streaming := s.state == StateStreaming
	videoSetup := s.videoSetup
	audioSetup := s.audioSetup
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	// late joiner: the stream is already up, bind its media planes now
	if streaming {
		if err := t.SetupVideo(videoSetup.Format, videoSetup.FPS); err != nil {
			s.logger.Warn("failed to setup video", "peer_id", peerID, "error", err)
		}
		if err := t.SetupAudio(audioSetup); err != nil {
			s.logger.Warn("failed to setup audio", "peer_id", peerID, "error", err)
		}
	}

	s.send(ipc.MsgPeerReady, &peerID, nil)

	go s.watchTransport(peerID, t)
}

func (s *Session) watchTransport(peerID domain.PeerID, t transport.Transport) {
	for event := range t.Events() {
		switch event.Kind {
		case transport.EventFailed:
			s.logger.Info("transport failed", "peer_id", peerID, "error", event.Err)
			s.detachTransport(peerID, t)
			return
		case transport.EventClosed:
			s.detachTransport(peerID, t)
			return
		}
	}
}

func (s *Session) detachTransport(peerID domain.PeerID, t transport.Transport) {
	s.mu.Lock()
	p, ok := s.peers[peerID]
	if ok && p.transport == t {
		p.transport = nil
		p.channels = nil
		p.connected = false
	}
	isHost := ok && p.role.IsHost()
	s.mu.Unlock()

	t.Close()

	// the host's transport dying while streaming ends the session for everyone
	if isHost {
		s.mu.Lock()
		streaming := s.state == StateStreaming
		s.mu.Unlock()
		if streaming {
			s.terminate(0, ipc.ExitClean)
		}
	}
}

func (s *Session) handleWebRtcSignal(msg *ipc.Message) error {
	if msg.PeerID == nil {
		return fmt.Errorf("%w: webrtc_signal without peer id", errProtocol)
	}

	var signal domain.SignalingMessage
	if err := msg.DecodePayload(&signal); err != nil {
		return err
	}

	s.mu.Lock()
	p, ok := s.peers[*msg.PeerID]
	var target transport.Transport
	if ok {
		target = p.pending
		if target == nil {
			target = p.transport
		}
	}
	s.mu.Unlock()

	signaler, ok := target.(transport.Signaler)
	if !ok {
		s.logger.Debug("dropping signal for peer without webrtc transport", "peer_id", *msg.PeerID)
		return nil
	}

	return signaler.HandleSignal(signal)
}

func (s *Session) handleStartStream(msg *ipc.Message) error {
	s.mu.Lock()
	if s.state != StateNegotiating {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start_stream in state %s", errProtocol, state)
	}
	cfg := s.cfg
	s.mu.Unlock()

	var settings domain.StreamSettings
	if err := msg.DecodePayload(&settings); err != nil {
		return fmt.Errorf("%w: bad start_stream payload: %v", errProtocol, err)
	}

	s.debugLog("Starting Stage: Upstream Handshake", nil)

	handshakeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stream, err := s.client.Connect(handshakeCtx, upstream.ConnectConfig{
		HostAddress:   cfg.HostAddress,
		HostPort:      cfg.HostPort,
		ClientCertPEM: cfg.ClientCertPEM,
		ClientKeyPEM:  cfg.ClientKeyPEM,
		ServerCertPEM: cfg.ServerCertPEM,
		AppID:         cfg.AppID,
		Settings:      settings,
		Callbacks:     s.callbacks(),
	})
	if err != nil {
		s.debugLog(fmt.Sprintf("Failed Stage: Upstream Handshake: %v", err), ptr(domain.LogFatalDescription))
		s.terminate(0, ipc.ExitUpstreamFailed)
		return nil
	}

	s.debugLog("Completed Stage: Upstream Handshake", nil)

	videoSetup := stream.VideoSetup()
	audioSetup := stream.AudioSetup()

	videoQueue := cfg.VideoFrameQueue
	if videoQueue <= 0 {
		videoQueue = 3
	}
	audioQueue := cfg.AudioSampleQueue
	if audioQueue <= 0 {
		audioQueue = 20
	}

	s.mu.Lock()
	s.stream = stream
	s.videoSetup = videoSetup
	s.audioSetup = audioSetup
	s.videoRing = newMediaRing(videoQueue, defaultVideoBufferSize)
	s.audioRing = newMediaRing(audioQueue, defaultAudioBufferSize)
	s.input = newInputWorker(stream, s.logger)
	s.stats = newStatsCollector()
	s.state = StateStreaming

	transports := make([]transport.Transport, 0, len(s.peers))
	for _, p := range s.peers {
		if p.transport != nil {
			transports = append(transports, p.transport)
		}
	}
	s.mu.Unlock()

	for _, t := range transports {
		if err := t.SetupVideo(videoSetup.Format, videoSetup.FPS); err != nil {
			s.logger.Warn("failed to setup video", "error", err)
		}
		if err := t.SetupAudio(audioSetup); err != nil {
			s.logger.Warn("failed to setup audio", "error", err)
		}
	}

	go s.forwardVideo()
	go s.forwardAudio()
	go s.publishStats()

	s.send(ipc.MsgConnectionComplete, nil, &domain.ConnectionCompletePayload{
		Capabilities: domain.StreamCapabilities{Touch: stream.Capabilities().Touch},
		Format:       videoSetup.Format,
		Width:        videoSetup.Width,
		Height:       videoSetup.Height,
		FPS:          videoSetup.FPS,
		Audio:        audioSetup,
	})

	return nil
}

func (s *Session) callbacks() upstream.Callbacks {
	return upstream.Callbacks{
		OnVideoFrame: func(frame upstream.VideoFrame) {
			s.mu.Lock()
			ring := s.videoRing
			s.mu.Unlock()
			if ring != nil {
				ring.push(frame.Data, frame.Keyframe, 0, 0)
			}
		},
		OnAudioPacket: func(pkt upstream.AudioPacket) {
			s.mu.Lock()
			ring := s.audioRing
			s.mu.Unlock()
			if ring != nil {
				ring.push(pkt.Data, false, pkt.TimestampUS, pkt.DurationUS)
			}
		},
		OnStatusUpdate: func(status domain.ConnectionStatus) {
			s.send(ipc.MsgConnectionStatus, nil, &domain.ConnectionStatusPayload{Status: status})
		},
		OnRumble: func(controllerNumber uint8, lowFreq, highFreq uint16) {
			s.send(ipc.MsgControllerRumble, nil, &domain.ControllerRumblePayload{
				ControllerNumber:   controllerNumber,
				LowFrequencyMotor:  lowFreq,
				HighFrequencyMotor: highFreq,
			})
		},
		OnTriggerRumble: func(controllerNumber uint8, leftMotor, rightMotor uint16) {
			s.send(ipc.MsgControllerRumble, nil, &domain.ControllerRumblePayload{
				ControllerNumber:  controllerNumber,
				LeftTriggerMotor:  leftMotor,
				RightTriggerMotor: rightMotor,
			})
		},
		OnStageLog: func(message string) {
			s.debugLog(message, nil)
		},
		OnTerminated: func(errorCode int32) {
			s.terminate(errorCode, ipc.ExitClean)
		},
	}
}

func (s *Session) connectedPeers() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.connected {
			peers = append(peers, p)
		}
	}

	return peers
}

func (s *Session) forwardVideo() {
	for {
		item, ok := s.videoRing.next()
		if !ok {
			return
		}

		start := time.Now()
		unit := domain.MediaUnit{Payload: item.buf, Keyframe: item.keyframe}

		for _, p := range s.connectedPeers() {
			ch := p.channel(domain.ChannelVideo)
			if ch == nil {
				continue
			}
			if err := ch.SendUnit(unit); err != nil {
				s.logger.Debug("failed to send video unit", "peer_id", p.id, "error", err)
			}
		}

		s.stats.observeFrame(time.Since(start))
		s.videoRing.recycle(item.buf)
	}
}

func (s *Session) forwardAudio() {
	for {
		item, ok := s.audioRing.next()
		if !ok {
			return
		}

		unit := domain.MediaUnit{
			Payload:     item.buf,
			TimestampUS: item.timestampUS,
			DurationUS:  item.durationUS,
		}

		for _, p := range s.connectedPeers() {
			ch := p.channel(domain.ChannelAudio)
			if ch == nil {
				continue
			}
			if err := ch.SendUnit(unit); err != nil {
				s.logger.Debug("failed to send audio packet", "peer_id", p.id, "error", err)
			}
		}

		s.audioRing.recycle(item.buf)
	}
}

func (s *Session) handleInput(msg *ipc.Message) error {
	if msg.PeerID == nil {
		return fmt.Errorf("%w: input without peer id", errProtocol)
	}

	var payload ipc.InputPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}

	s.submitInput(*msg.PeerID, payload.Event)

	return nil
}

func (s *Session) onInputFrame(peerID domain.PeerID, p []byte) {
	var event domain.InputEvent
	if err := unmarshalInput(p, &event); err != nil {
		s.logger.Debug("dropping malformed input frame", "peer_id", peerID, "error", err)
		return
	}

	s.submitInput(peerID, event)
}

// submitInput authorizes the event against the sender's role and the
// guests-KBM flag, rewrites gamepad targets to the sender's own slot, and
// hands it to the serialising worker.
func (s *Session) submitInput(peerID domain.PeerID, event domain.InputEvent) {
	s.mu.Lock()
	p, ok := s.peers[peerID]
	guestsKBM := s.guestsKBM
	worker := s.input
	stats := s.stats
	s.mu.Unlock()

	if !ok || worker == nil {
		return
	}

	if !p.role.CanInput() {
		if stats != nil {
			stats.observeRejected()
		}
		return
	}

	if event.Kind == domain.InputGamepadState {
		if event.Gamepad == nil || p.slot == nil {
			if stats != nil {
				stats.observeRejected()
			}
			return
		}
		// a participant's gamepad input always maps to its own slot
		event.Gamepad.Slot = p.slot.GamepadSlot()
	} else if event.Kind.IsKeyboardMouse() {
		if !p.role.IsHost() && !guestsKBM {
			if stats != nil {
				stats.observeRejected()
			}
			return
		}
	}

	worker.enqueue(event)
}

func (s *Session) handleTransportData(msg *ipc.Message) error {
	if msg.PeerID == nil {
		return fmt.Errorf("%w: transport_data without peer id", errProtocol)
	}

	var payload ipc.TransportDataPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}

	s.mu.Lock()
	p, ok := s.peers[*msg.PeerID]
	var t transport.Transport
	if ok {
		t = p.transport
	}
	s.mu.Unlock()

	wst, ok := t.(*transport.WebSocketTransport)
	if !ok {
		s.logger.Debug("transport data for peer without websocket transport", "peer_id", *msg.PeerID)
		return nil
	}

	return wst.HandleFrame(payload.Data)
}

func (s *Session) handleUpdatePermissions(msg *ipc.Message) error {
	var payload ipc.UpdatePermissionsPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}

	s.mu.Lock()
	s.guestsKBM = payload.GuestsKeyboardMouse
	s.mu.Unlock()

	s.logger.Info("guests keyboard/mouse updated", "enabled", payload.GuestsKeyboardMouse)

	return nil
}

// terminate releases everything exactly once: the upstream stream first so
// callbacks stop, then the rings, the worker and every peer transport.
func (s *Session) terminate(errorCode int32, exitCode int) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.state = StateTerminating
	s.exitCode = exitCode

	stream := s.stream
	s.stream = nil
	input := s.input
	s.input = nil
	videoRing := s.videoRing
	audioRing := s.audioRing
	transports := make([]transport.Transport, 0, len(s.peers))
	for _, p := range s.peers {
		if p.transport != nil {
			transports = append(transports, p.transport)
		}
	}
	s.mu.Unlock()

	if stream != nil {
		if err := stream.Stop(); err != nil {
			s.logger.Warn("failed to stop upstream stream", "error", err)
		}
	}
	if videoRing != nil {
		videoRing.close()
	}
	if audioRing != nil {
		audioRing.close()
	}
	if input != nil {
		input.close()
	}
	for _, t := range transports {
		t.Close()
	}

	s.send(ipc.MsgConnectionTerminated, nil, &domain.ConnectionTerminatedPayload{ErrorCode: errorCode})

	close(s.done)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) debugLog(message string, ty *domain.LogMessageType) {
	s.send(ipc.MsgDebugLog, nil, &domain.DebugLogPayload{Message: message, Type: ty})
}

func (s *Session) send(msgType string, peerID *domain.PeerID, payload any) {
	msg, err := ipc.NewMessage(msgType, peerID, payload)
	if err != nil {
		s.logger.Warn("failed to build ipc message", "type", msgType, "error", err)
		return
	}

	s.sender.Send(msg)
}

func (s *Session) sendToPeer(peerID domain.PeerID, msgType string, payload any) {
	s.send(msgType, &peerID, payload)
}
