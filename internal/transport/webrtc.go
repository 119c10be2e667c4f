package transport

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/couchbridge/server/internal/domain"
)

type WebRTCConfig struct {
	ICEServers           []domain.IceServer
	PortRangeMin         uint16
	PortRangeMax         uint16
	NAT1To1IPs           []string
	NAT1To1CandidateType string // "host" or "srflx"
	NetworkTypes         []string
	IncludeLoopback      bool
}

// SignalFunc carries offer/answer and trickled ICE candidates towards the
// peer over the control WebSocket side channel.
type SignalFunc func(msg domain.SignalingMessage)

// WebRTCTransport terminates one peer over a pion PeerConnection. Control,
// input and stats ride reliable ordered data channels labelled with the
// numeric channel id. Video and audio prefer RTP tracks; a data channel
// fallback for each is included in the offer and selected when the
// negotiated format cannot be represented on the track.
type WebRTCTransport struct {
	pc     *webrtc.PeerConnection
	signal SignalFunc
	logger *slog.Logger

	mu       sync.Mutex
	channels map[domain.ChannelID]*rtcChannel
	specs    map[domain.ChannelID]ChannelSpec
	closed   bool

	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample
	dataChans  map[domain.ChannelID]*webrtc.DataChannel

	// media sink selection, decided by SetupVideo/SetupAudio
	videoOnTrack   bool
	audioOnTrack   bool
	videoFrameTime time.Duration

	events chan Event
}

func mimeForFormat(format domain.VideoFormat) (string, bool) {
	switch {
	case format.IsH264():
		return webrtc.MimeTypeH264, true
	case format.IsH265():
		return webrtc.MimeTypeH265, true
	case format.IsAV1():
		return webrtc.MimeTypeAV1, true
	}

	return "", false
}

func newMediaAPI(cfg *WebRTCConfig) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}

	videoCodecs := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
			},
			PayloadType: 102,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeH265,
				ClockRate: 90000,
			},
			PayloadType: 116,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeAV1,
				ClockRate: 90000,
			},
			PayloadType: 45,
		},
	}
	for _, codec := range videoCodecs {
		if err := m.RegisterCodec(codec, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	pliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	i.Add(pliFactory)

	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if cfg.PortRangeMin != 0 || cfg.PortRangeMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortRangeMin, cfg.PortRangeMax); err != nil {
			return nil, err
		}
	}
	if len(cfg.NAT1To1IPs) > 0 {
		candidateType := webrtc.ICECandidateTypeHost
		if cfg.NAT1To1CandidateType == "srflx" {
			candidateType = webrtc.ICECandidateTypeSrflx
		}
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, candidateType)
	}
	if len(cfg.NetworkTypes) > 0 {
		networkTypes := make([]webrtc.NetworkType, 0, len(cfg.NetworkTypes))
		for _, s := range cfg.NetworkTypes {
			networkType, err := webrtc.NewNetworkType(s)
			if err != nil {
				return nil, fmt.Errorf("bad network type %q: %w", s, err)
			}
			networkTypes = append(networkTypes, networkType)
		}
		se.SetNetworkTypes(networkTypes)
	}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

func NewWebRTC(cfg *WebRTCConfig, specs []ChannelSpec, signal SignalFunc, logger *slog.Logger) (*WebRTCTransport, error) {
	api, err := newMediaAPI(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build media engine: %w", err)
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &WebRTCTransport{
		pc:        pc,
		signal:    signal,
		logger:    logger,
		channels:  make(map[domain.ChannelID]*rtcChannel),
		specs:     make(map[domain.ChannelID]ChannelSpec, len(specs)),
		dataChans: make(map[domain.ChannelID]*webrtc.DataChannel),
		events:    make(chan Event, 4),
	}
	for _, spec := range specs {
		t.specs[spec.ID] = spec
	}

	if err := t.setupDataChannels(); err != nil {
		pc.Close()
		return nil, err
	}
	if err := t.setupTracks(); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		t.signal(domain.SignalingMessage{IceCandidate: &domain.RtcIceCandidate{
			Candidate:        init.Candidate,
			SdpMid:           init.SDPMid,
			SdpMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state changed", "state", state.String())

		switch state {
		case webrtc.PeerConnectionStateConnected:
			t.emit(Event{Kind: EventConnected})
		case webrtc.PeerConnectionStateFailed:
			t.shutdown(Event{Kind: EventFailed, Err: fmt.Errorf("peer connection failed")})
		case webrtc.PeerConnectionStateClosed:
			t.shutdown(Event{Kind: EventClosed})
		}
	})

	return t, nil
}

func (t *WebRTCTransport) setupDataChannels() error {
	ordered := true
	unordered := false
	var zeroRetransmits uint16 = 0

	inits := map[domain.ChannelID]*webrtc.DataChannelInit{
		domain.ChannelControl: {Ordered: &ordered},
		domain.ChannelInput:   {Ordered: &ordered},
		domain.ChannelStats:   {Ordered: &ordered},
		// media fallbacks, used when the negotiated codec has no RTP track
		domain.ChannelVideo: {Ordered: &unordered},
		domain.ChannelAudio: {Ordered: &unordered, MaxRetransmits: &zeroRetransmits},
	}

	for id, init := range inits {
		dc, err := t.pc.CreateDataChannel(strconv.Itoa(int(id)), init)
		if err != nil {
			return fmt.Errorf("failed to create data channel %d: %w", id, err)
		}

		channelID := id
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			t.mu.Lock()
			ch := t.channels[channelID]
			t.mu.Unlock()

			if ch != nil {
				ch.receive(msg.Data)
			}
		})

		t.dataChans[id] = dc
	}

	return nil
}

func (t *WebRTCTransport) setupTracks() error {
	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", "couchbridge",
	)
	if err != nil {
		return fmt.Errorf("failed to create video track: %w", err)
	}
	if _, err := t.pc.AddTrack(videoTrack); err != nil {
		return fmt.Errorf("failed to add video track: %w", err)
	}
	t.videoTrack = videoTrack

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "couchbridge",
	)
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	if _, err := t.pc.AddTrack(audioTrack); err != nil {
		return fmt.Errorf("failed to add audio track: %w", err)
	}
	t.audioTrack = audioTrack

	return nil
}

// StartNegotiation creates the offer and trickles it to the peer.
func (t *WebRTCTransport) StartNegotiation() error {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	t.signal(domain.SignalingMessage{Description: &domain.RtcSessionDescription{
		Type: domain.SdpOffer,
		SDP:  offer.SDP,
	}})

	return nil
}

// HandleSignal applies an answer or a trickled ICE candidate from the peer.
func (t *WebRTCTransport) HandleSignal(msg domain.SignalingMessage) error {
	if desc := msg.Description; desc != nil {
		sdpType := webrtc.SDPTypeAnswer
		switch desc.Type {
		case domain.SdpOffer:
			sdpType = webrtc.SDPTypeOffer
		case domain.SdpPranswer:
			sdpType = webrtc.SDPTypePranswer
		case domain.SdpRollback:
			sdpType = webrtc.SDPTypeRollback
		}

		if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
			return fmt.Errorf("failed to set remote description: %w", err)
		}

		return nil
	}

	if candidate := msg.IceCandidate; candidate != nil {
		init := webrtc.ICECandidateInit{
			Candidate:        candidate.Candidate,
			SDPMid:           candidate.SdpMid,
			SDPMLineIndex:    candidate.SdpMLineIndex,
			UsernameFragment: candidate.UsernameFragment,
		}
		if err := t.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("failed to add ice candidate: %w", err)
		}
	}

	return nil
}

// SetupVideo selects the video sink for the negotiated format: the RTP track
// when the codec is representable on it, else the fallback data channel.
func (t *WebRTCTransport) SetupVideo(format domain.VideoFormat, fps uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	mime, ok := mimeForFormat(format)
	t.videoOnTrack = ok && mime == webrtc.MimeTypeH264
	if fps == 0 {
		fps = 60
	}
	t.videoFrameTime = time.Second / time.Duration(fps)

	t.logger.Info("video plane configured",
		"format", format, "on_track", t.videoOnTrack, "fps", fps)

	return nil
}

func (t *WebRTCTransport) SetupAudio(setup domain.AudioSetup) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Opus rides the RTP track whenever it negotiated; multistream surround
	// falls back to raw packets on the data channel.
	t.audioOnTrack = setup.Streams <= 1

	t.logger.Info("audio plane configured",
		"streams", setup.Streams, "on_track", t.audioOnTrack)

	return nil
}

func (t *WebRTCTransport) Open(id domain.ChannelID) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrChannelClosed
	}

	if ch, ok := t.channels[id]; ok {
		return ch, nil
	}

	spec, ok := t.specs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}

	ch := &rtcChannel{
		id:    id,
		queue: newOutQueue(spec.QueueDepth, spec.Drop),
		t:     t,
	}
	t.channels[id] = ch

	go ch.run()

	return ch, nil
}

func (t *WebRTCTransport) Events() <-chan Event {
	return t.events
}

// emit delivers a lifecycle event. The lock is held across the send so a
// concurrent shutdown cannot close the channel underneath it.
func (t *WebRTCTransport) emit(event Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	select {
	case t.events <- event:
	default:
		t.logger.Debug("dropping transport event", "kind", event.Kind)
	}
}

func (t *WebRTCTransport) shutdown(event Event) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	channels := make([]*rtcChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		channels = append(channels, ch)
	}
	t.mu.Unlock()

	for _, ch := range channels {
		ch.queue.close()
	}

	t.events <- event
	close(t.events)
}

func (t *WebRTCTransport) Close() error {
	t.shutdown(Event{Kind: EventClosed})

	return t.pc.Close()
}

type rtcChannel struct {
	id    domain.ChannelID
	queue *outQueue
	t     *WebRTCTransport

	recvMu sync.Mutex
	onRecv func(p []byte)
}

func (c *rtcChannel) run() {
	for {
		item, ok := c.queue.pop()
		if !ok {
			return
		}

		if err := c.write(item); err != nil {
			c.t.logger.Warn("failed to write channel item", "channel", c.id, "error", err)
		}
	}
}

func (c *rtcChannel) write(item outItem) error {
	t := c.t

	t.mu.Lock()
	videoOnTrack := t.videoOnTrack
	audioOnTrack := t.audioOnTrack
	frameTime := t.videoFrameTime
	t.mu.Unlock()

	switch {
	case c.id == domain.ChannelVideo && videoOnTrack:
		return t.videoTrack.WriteSample(media.Sample{Data: item.payload, Duration: frameTime})
	case c.id == domain.ChannelAudio && audioOnTrack:
		return t.audioTrack.WriteSample(media.Sample{Data: item.payload, Duration: 20 * time.Millisecond})
	default:
		dc := t.dataChans[c.id]
		if dc == nil {
			return fmt.Errorf("%w: %d", ErrUnknownChannel, c.id)
		}
		return dc.Send(item.payload)
	}
}

func (c *rtcChannel) ID() domain.ChannelID { return c.id }

func (c *rtcChannel) Send(p []byte) error {
	return c.queue.push(p, false, "")
}

func (c *rtcChannel) SendCoalescable(p []byte, key string) error {
	return c.queue.push(p, false, key)
}

func (c *rtcChannel) SendUnit(u domain.MediaUnit) error {
	return c.queue.push(u.Payload, u.Keyframe, "")
}

func (c *rtcChannel) OnReceive(fn func(p []byte)) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	c.onRecv = fn
}

func (c *rtcChannel) receive(p []byte) {
	c.recvMu.Lock()
	fn := c.onRecv
	c.recvMu.Unlock()

	if fn != nil {
		fn(p)
	}
}

func (c *rtcChannel) Close() error {
	c.queue.close()

	return nil
}
