package room

import (
	"context"
	"fmt"

	"github.com/couchbridge/server/internal/domain"
	"github.com/couchbridge/server/internal/ipc"
	"github.com/couchbridge/server/internal/repository/roomtoken"
)

// CreateRoom spawns the streamer child, registers the room and seats the
// creating peer as Host on slot 0.
func (s *service) CreateRoom(ctx context.Context, params *CreateRoomParams) (CreateRoomResponse, error) {
	hostInfo, err := s.hosts.Resolve(ctx, params.HostID, params.AppID)
	if err != nil {
		return CreateRoomResponse{}, fmt.Errorf("failed to resolve host: %w", err)
	}

	roomID, err := s.allocateRoomID(ctx)
	if err != nil {
		return CreateRoomResponse{}, err
	}

	handle, err := s.launcher.Launch(ctx)
	if err != nil {
		s.tokenRepo.ReleaseRoomID(ctx, roomID)
		return CreateRoomResponse{}, fmt.Errorf("failed to launch streamer: %w", err)
	}

	r := newRoom(roomID, params.HostID, params.AppID, hostInfo.AppName, handle, s.logger)

	hostSlot := domain.SlotHost
	queues := s.hostQueues(params.QueueSizes)
	peerID := s.nextPeerID()

	host := &participant{
		peerID:   peerID,
		name:     params.PlayerName,
		identity: params.Identity,
		role:     domain.RoleHost,
		slot:     &hostSlot,
		queues:   queues,
		sender:   params.Sender,
	}
	host.relay = newRelay(queues, params.Sender, s.logger)

	r.mu.Lock()
	r.addParticipantLocked(host)
	info := r.toRoomInfoLocked()
	r.mu.Unlock()

	s.mu.Lock()
	s.rooms[roomID] = r
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "room created",
		"room_id", roomID, "host_id", params.HostID, "app_id", params.AppID)

	s.sendIPC(r, ipc.MsgInit, nil, &ipc.InitPayload{
		HostAddress:          hostInfo.Address,
		HostPort:             hostInfo.Port,
		ClientCertPEM:        hostInfo.ClientCertPEM,
		ClientKeyPEM:         hostInfo.ClientKeyPEM,
		ServerCertPEM:        hostInfo.ServerCertPEM,
		AppID:                params.AppID,
		WebRtc:               s.cfg.WebRtc,
		LogLevel:             s.cfg.LogLevel,
		VideoFrameQueue:      queues.VideoFrames,
		AudioSampleQueue:     queues.AudioSamples,
		NegotiationTimeoutMS: s.cfg.NegotiationTimeoutMS,
	})
	s.sendIPC(r, ipc.MsgPeerConnected, &peerID, &ipc.PeerConnectedPayload{
		Slot:             &hostSlot,
		Role:             domain.RoleHost,
		VideoFrameQueue:  queues.VideoFrames,
		AudioSampleQueue: queues.AudioSamples,
	})

	go s.pumpStreamer(r)

	return CreateRoomResponse{RoomID: roomID, PeerID: peerID, Room: info}, nil
}

func (s *service) hostQueues(requested domain.QueueSizes) domain.QueueSizes {
	if requested.VideoFrames <= 0 {
		requested.VideoFrames = s.cfg.VideoFrameQueue
	}
	if requested.AudioSamples <= 0 {
		requested.AudioSamples = s.cfg.AudioSampleQueue
	}

	return requested
}

func (s *service) guestQueues(requested domain.QueueSizes) domain.QueueSizes {
	if requested.VideoFrames <= 0 {
		requested.VideoFrames = s.cfg.GuestVideoFrameQueue
	}
	if requested.AudioSamples <= 0 {
		requested.AudioSamples = s.cfg.GuestAudioSampleQueue
	}

	return requested
}

// JoinRoom seats a guest on the first free slot 1..3, or as a spectator when
// every slot is taken.
func (s *service) JoinRoom(ctx context.Context, params *JoinRoomParams) (JoinRoomResponse, error) {
	if s.cfg.RequireJoinToken {
		roomID, err := s.tokenRepo.ConsumeJoinToken(ctx, params.AuthToken)
		if err != nil {
			return JoinRoomResponse{}, fmt.Errorf("join token check failed: %w", err)
		}
		if roomID != params.RoomID {
			return JoinRoomResponse{}, roomtoken.ErrTokenNotFound
		}
	}

	r, err := s.getRoom(params.RoomID)
	if err != nil {
		return JoinRoomResponse{}, err
	}

	queues := s.guestQueues(params.QueueSizes)
	peerID := s.nextPeerID()

	p := &participant{
		peerID:   peerID,
		name:     params.PlayerName,
		identity: params.Identity,
		queues:   queues,
		sender:   params.Sender,
	}
	p.relay = newRelay(queues, params.Sender, s.logger)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return JoinRoomResponse{}, domain.ErrRoomNotFound
	}

	if slot := r.nextFreeSlotLocked(); slot != nil {
		p.slot = slot
		p.role = domain.RolePlayer
	} else {
		// all seats taken: the joiner silently becomes a spectator
		p.role = domain.RoleSpectator
	}

	r.addParticipantLocked(p)
	info := r.toRoomInfoLocked()
	iceServers := r.iceServers
	streamState := r.streamState

	r.broadcastLocked(domain.MsgRoomUpdated, &domain.RoomUpdatedPayload{Room: info})
	r.mu.Unlock()

	s.logger.InfoContext(ctx, "peer joined room",
		"room_id", params.RoomID, "peer_id", peerID, "role", p.role)

	s.sendIPC(r, ipc.MsgPeerConnected, &peerID, &ipc.PeerConnectedPayload{
		Slot:             p.slot,
		Role:             p.role,
		VideoFrameQueue:  queues.VideoFrames,
		AudioSampleQueue: queues.AudioSamples,
	})

	return JoinRoomResponse{
		PeerID:      peerID,
		Slot:        p.slot,
		Room:        info,
		IceServers:  iceServers,
		StreamState: streamState,
	}, nil
}

// Disconnect removes a participant. A Host disconnect closes the whole room.
func (s *service) Disconnect(ctx context.Context, params *DisconnectParams) (DisconnectResponse, error) {
	r, err := s.getRoom(params.RoomID)
	if err != nil {
		return DisconnectResponse{}, err
	}

	r.mu.Lock()
	p := r.removeParticipantLocked(params.PeerID)
	if p == nil {
		r.mu.Unlock()
		return DisconnectResponse{}, ErrPeerNotFound
	}

	if p.role.IsHost() {
		r.mu.Unlock()
		s.closeRoom(ctx, r)
		return DisconnectResponse{IsRoomClosed: true}, nil
	}

	if p.slot != nil {
		r.broadcastLocked(domain.MsgPlayerLeft, &domain.PlayerLeftPayload{Slot: *p.slot})
	}
	r.broadcastLocked(domain.MsgRoomUpdated, &domain.RoomUpdatedPayload{Room: r.toRoomInfoLocked()})
	r.mu.Unlock()

	if p.relay != nil {
		p.relay.Close()
	}

	s.sendIPC(r, ipc.MsgPeerDisconnected, &params.PeerID, nil)

	s.logger.InfoContext(ctx, "peer left room", "room_id", params.RoomID, "peer_id", params.PeerID)

	return DisconnectResponse{}, nil
}

// closeRoom tears the room down: every remaining participant gets RoomClosed
// and their transports are shut, then the streamer is told to stop.
func (s *service) closeRoom(ctx context.Context, r *room) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	r.broadcastLocked(domain.MsgRoomClosed, nil)

	participants := make([]*participant, 0, len(r.participants))
	for _, p := range r.participants {
		participants = append(participants, p)
	}
	r.participants = make(map[domain.PeerID]*participant)
	roomID := r.id
	r.mu.Unlock()

	for _, p := range participants {
		if p.relay != nil {
			p.relay.Close()
		}
		p.sender.Close()
	}

	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()

	s.sendIPC(r, ipc.MsgStop, nil, nil)

	if err := s.tokenRepo.ReleaseRoomID(ctx, roomID); err != nil {
		s.logger.Warn("failed to release room id", "room_id", roomID, "error", err)
	}

	s.logger.InfoContext(ctx, "room closed", "room_id", roomID)
}

// RequestPlayerSlot promotes a spectator onto the first free slot. The grant
// is atomic under the room lock.
func (s *service) RequestPlayerSlot(ctx context.Context, params *RequestPlayerSlotParams) (RequestPlayerSlotResponse, error) {
	r, err := s.getRoom(params.RoomID)
	if err != nil {
		return RequestPlayerSlotResponse{}, err
	}

	r.mu.Lock()
	p, ok := r.participants[params.PeerID]
	if !ok {
		r.mu.Unlock()
		return RequestPlayerSlotResponse{}, ErrPeerNotFound
	}
	if !p.role.IsSpectator() {
		r.mu.Unlock()
		return RequestPlayerSlotResponse{}, ErrNotSpectator
	}

	slot := r.nextFreeSlotLocked()
	if slot == nil {
		r.mu.Unlock()
		return RequestPlayerSlotResponse{}, ErrNoFreeSlot
	}

	p.slot = slot
	p.role = domain.RolePlayer
	r.slots[*slot] = true
	r.bumpLocked()

	info := r.toRoomInfoLocked()
	r.broadcastLocked(domain.MsgRoomUpdated, &domain.RoomUpdatedPayload{Room: info})
	r.mu.Unlock()

	s.sendIPC(r, ipc.MsgPeerRoleChanged, &params.PeerID, &ipc.PeerRoleChangedPayload{
		Slot: slot,
		Role: domain.RolePlayer,
	})

	s.logger.InfoContext(ctx, "spectator promoted",
		"room_id", params.RoomID, "peer_id", params.PeerID, "slot", *slot)

	return RequestPlayerSlotResponse{Slot: *slot, Room: info}, nil
}

// ReleasePlayerSlot demotes a Player back to spectator and frees the slot.
func (s *service) ReleasePlayerSlot(ctx context.Context, params *ReleasePlayerSlotParams) error {
	r, err := s.getRoom(params.RoomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	p, ok := r.participants[params.PeerID]
	if !ok {
		r.mu.Unlock()
		return ErrPeerNotFound
	}
	if p.role.IsHost() || p.slot == nil {
		r.mu.Unlock()
		return ErrPermissionDenied
	}

	r.slots[*p.slot] = false
	p.slot = nil
	p.role = domain.RoleSpectator
	r.bumpLocked()

	r.broadcastLocked(domain.MsgRoomUpdated, &domain.RoomUpdatedPayload{Room: r.toRoomInfoLocked()})
	r.mu.Unlock()

	s.sendIPC(r, ipc.MsgPeerRoleChanged, &params.PeerID, &ipc.PeerRoleChangedPayload{
		Slot: nil,
		Role: domain.RoleSpectator,
	})

	return nil
}

// SetGuestsKeyboardMouse is host-only: it flips the shared flag, tells the
// streamer and notifies everyone.
func (s *service) SetGuestsKeyboardMouse(ctx context.Context, params *SetGuestsKBMParams) error {
	r, err := s.getRoom(params.RoomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	p, ok := r.participants[params.PeerID]
	if !ok {
		r.mu.Unlock()
		return ErrPeerNotFound
	}
	if !p.role.IsHost() {
		r.mu.Unlock()
		return ErrPermissionDenied
	}

	r.guestsKBM = params.Enabled
	r.bumpLocked()

	r.broadcastLocked(domain.MsgGuestsKBMEnabled, &domain.GuestsKBMEnabledPayload{Enabled: params.Enabled})
	r.broadcastLocked(domain.MsgRoomUpdated, &domain.RoomUpdatedPayload{Room: r.toRoomInfoLocked()})
	r.mu.Unlock()

	s.sendIPC(r, ipc.MsgUpdatePermissions, nil, &ipc.UpdatePermissionsPayload{
		GuestsKeyboardMouse: params.Enabled,
	})

	return nil
}

func (s *service) SetTransport(ctx context.Context, params *SetTransportParams) error {
	r, err := s.getRoom(params.RoomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	p, ok := r.participants[params.PeerID]
	if !ok {
		r.mu.Unlock()
		return ErrPeerNotFound
	}
	p.transportType = params.Transport
	r.mu.Unlock()

	s.sendIPC(r, ipc.MsgSetTransport, &params.PeerID, &ipc.SetTransportPayload{
		Transport: params.Transport,
	})

	return nil
}

func (s *service) StartStream(ctx context.Context, params *StartStreamParams) error {
	r, err := s.getRoom(params.RoomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	p, ok := r.participants[params.PeerID]
	if !ok {
		r.mu.Unlock()
		return ErrPeerNotFound
	}
	if !p.role.IsHost() {
		r.mu.Unlock()
		return ErrPermissionDenied
	}
	r.mu.Unlock()

	s.sendIPC(r, ipc.MsgStartStream, nil, &params.Settings)

	return nil
}

func (s *service) WebRtcSignal(ctx context.Context, params *WebRtcSignalParams) error {
	r, err := s.getRoom(params.RoomID)
	if err != nil {
		return err
	}

	s.sendIPC(r, ipc.MsgWebRtcSignal, &params.PeerID, &params.Signal)

	return nil
}

// TransportBinary forwards raw framed bytes from a WebSocket peer's binary
// message into the streamer's demultiplexer.
func (s *service) TransportBinary(ctx context.Context, params *TransportBinaryParams) error {
	r, err := s.getRoom(params.RoomID)
	if err != nil {
		return err
	}

	s.sendIPC(r, ipc.MsgTransportData, &params.PeerID, &ipc.TransportDataPayload{Data: params.Data})

	return nil
}

func (s *service) sendIPC(r *room, msgType string, peerID *domain.PeerID, payload any) {
	msg, err := ipc.NewMessage(msgType, peerID, payload)
	if err != nil {
		s.logger.Warn("failed to build ipc message", "type", msgType, "error", err)
		return
	}

	r.streamer.Sender.Send(msg)
}
