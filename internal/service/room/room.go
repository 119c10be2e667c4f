package room

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/couchbridge/server/internal/domain"
	"github.com/couchbridge/server/internal/ipc"
	"github.com/couchbridge/server/internal/protocol/framing"
	"github.com/couchbridge/server/internal/transport"
)

func newUUID() string {
	return uuid.NewString()
}

type participant struct {
	peerID   domain.PeerID
	name     string
	identity string
	role     domain.RoomRole
	slot     *domain.PlayerSlot
	queues   domain.QueueSizes

	transportType domain.TransportType
	sender        PeerSender

	// relay carries media to this peer when its data transport is the
	// signalling socket itself; per-channel queues apply the drop policy
	// without ever blocking the host path.
	relay *transport.WebSocketTransport
}

func (p *participant) toRoomPlayer() *domain.RoomPlayer {
	if p.slot == nil {
		return nil
	}

	return &domain.RoomPlayer{
		Slot:   *p.slot,
		Name:   p.name,
		IsHost: p.role.IsHost(),
	}
}

func (p *participant) toParticipant() domain.RoomParticipant {
	return domain.RoomParticipant{
		Slot:     p.slot,
		Role:     p.role,
		Name:     p.name,
		Identity: p.identity,
	}
}

type room struct {
	mu sync.Mutex

	id      string
	hostID  uint32
	appID   uint32
	appName string

	revision  uint64
	guestsKBM bool
	closed    bool

	participants map[domain.PeerID]*participant
	slots        [domain.MaxPlayers]bool

	streamer *StreamerHandle

	// replayed to late joiners
	iceServers  []domain.IceServer
	streamState *domain.StreamState

	logger *slog.Logger
}

func newRoom(id string, hostID, appID uint32, appName string, streamer *StreamerHandle, logger *slog.Logger) *room {
	return &room{
		id:           id,
		hostID:       hostID,
		appID:        appID,
		appName:      appName,
		participants: make(map[domain.PeerID]*participant),
		streamer:     streamer,
		logger:       logger,
	}
}

// bumpLocked increments the revision after a visible change. Callers hold
// the room lock.
func (r *room) bumpLocked() {
	r.revision++
}

func (r *room) toRoomInfoLocked() domain.RoomInfo {
	info := domain.RoomInfo{
		RoomID:     r.id,
		HostID:     r.hostID,
		AppID:      r.appID,
		AppName:    r.appName,
		MaxPlayers: domain.MaxPlayers,
		Revision:   r.revision,
	}

	for _, p := range r.participants {
		if player := p.toRoomPlayer(); player != nil {
			info.Players = append(info.Players, *player)
		}
		if p.role.IsSpectator() {
			info.SpectatorCount++
		}
		info.Participants = append(info.Participants, p.toParticipant())
	}

	return info
}

// nextFreeSlotLocked scans guest slots in ascending order. Slot 0 is the
// host's and never handed out here.
func (r *room) nextFreeSlotLocked() *domain.PlayerSlot {
	for i := 1; i < domain.MaxPlayers; i++ {
		if !r.slots[i] {
			slot := domain.PlayerSlot(i)
			return &slot
		}
	}

	return nil
}

func (r *room) addParticipantLocked(p *participant) {
	if p.slot != nil {
		r.slots[*p.slot] = true
	}
	r.participants[p.peerID] = p
	r.bumpLocked()
}

func (r *room) removeParticipantLocked(peerID domain.PeerID) *participant {
	p, ok := r.participants[peerID]
	if !ok {
		return nil
	}

	if p.slot != nil {
		r.slots[*p.slot] = false
	}
	delete(r.participants, peerID)
	r.bumpLocked()

	return p
}

// broadcastLocked fans a control message out to every participant.
func (r *room) broadcastLocked(msgType string, payload any) {
	for _, p := range r.participants {
		if err := p.sender.SendMessage(msgType, payload); err != nil {
			r.logger.Warn("failed to send message to peer",
				"room_id", r.id, "peer_id", p.peerID, "error", err)
		}
	}
}

func (r *room) sendToPeerLocked(peerID domain.PeerID, msgType string, payload any) {
	p, ok := r.participants[peerID]
	if !ok {
		return
	}

	if err := p.sender.SendMessage(msgType, payload); err != nil {
		r.logger.Warn("failed to send message to peer",
			"room_id", r.id, "peer_id", peerID, "error", err)
	}
}

// newRelay builds the media relay for a WebSocket-transport peer: bounded
// per-channel queues in front of framed binary writes on the signalling
// socket.
func newRelay(queues domain.QueueSizes, sender PeerSender, logger *slog.Logger) *transport.WebSocketTransport {
	codec := framing.NewCodec(0)
	specs := transport.DefaultSpecs(queues.VideoFrames, queues.AudioSamples)

	sink := func(channel domain.ChannelID, payload []byte, keyframe bool) error {
		frame, err := codec.Encode(nil, channel, payload)
		if err != nil {
			return err
		}

		return sender.SendBinary(frame)
	}

	return transport.NewWebSocket(specs, sink, logger)
}

// relayMediaLocked queues one media unit towards a WebSocket peer.
func (r *room) relayMediaLocked(peerID domain.PeerID, payload *ipc.MediaOutPayload) {
	p, ok := r.participants[peerID]
	if !ok || p.relay == nil {
		return
	}

	ch, err := p.relay.Open(payload.Channel)
	if err != nil {
		r.logger.Debug("failed to open relay channel",
			"room_id", r.id, "peer_id", peerID, "channel", payload.Channel, "error", err)
		return
	}

	unit := domain.MediaUnit{Payload: payload.Data, Keyframe: payload.Keyframe}
	if err := ch.SendUnit(unit); err != nil {
		r.logger.Debug("failed to relay media unit",
			"room_id", r.id, "peer_id", peerID, "error", err)
	}
}
