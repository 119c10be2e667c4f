package room

import (
	"github.com/couchbridge/server/internal/domain"
)

type CreateRoomParams struct {
	HostID     uint32
	AppID      uint32
	PlayerName string
	Identity   string
	QueueSizes domain.QueueSizes
	Sender     PeerSender
}

type CreateRoomResponse struct {
	RoomID string
	PeerID domain.PeerID
	Room   domain.RoomInfo
}

type JoinRoomParams struct {
	RoomID     string
	PlayerName string
	Identity   string
	AuthToken  string
	QueueSizes domain.QueueSizes
	Sender     PeerSender
}

type JoinRoomResponse struct {
	PeerID domain.PeerID
	// Slot is nil when the room's player slots are taken and the joiner
	// became a spectator.
	Slot *domain.PlayerSlot
	Room domain.RoomInfo

	// replayed stream state for late joiners
	IceServers  []domain.IceServer
	StreamState *domain.StreamState
}

type DisconnectParams struct {
	RoomID string
	PeerID domain.PeerID
}

type DisconnectResponse struct {
	IsRoomClosed bool
}

type RequestPlayerSlotParams struct {
	RoomID string
	PeerID domain.PeerID
}

type RequestPlayerSlotResponse struct {
	Slot domain.PlayerSlot
	Room domain.RoomInfo
}

type ReleasePlayerSlotParams struct {
	RoomID string
	PeerID domain.PeerID
}

type SetGuestsKBMParams struct {
	RoomID  string
	PeerID  domain.PeerID
	Enabled bool
}

type SetTransportParams struct {
	RoomID    string
	PeerID    domain.PeerID
	Transport domain.TransportType
}

type StartStreamParams struct {
	RoomID   string
	PeerID   domain.PeerID
	Settings domain.StreamSettings
}

type WebRtcSignalParams struct {
	RoomID string
	PeerID domain.PeerID
	Signal domain.SignalingMessage
}

type InputParams struct {
	RoomID string
	PeerID domain.PeerID
	Event  domain.InputEvent
}

type TransportBinaryParams struct {
	RoomID string
	PeerID domain.PeerID
	Data   []byte
}
