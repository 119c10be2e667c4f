// Package ipc defines the parent-child protocol between the room broker and
// a streamer process: newline-delimited JSON on the child's stdin/stdout,
// stderr reserved for logging.
package ipc

import (
	"encoding/json"

	"github.com/couchbridge/server/internal/domain"
)

// Parent -> streamer message types.
const (
	MsgInit              = "init"
	MsgPeerConnected     = "peer_connected"
	MsgPeerDisconnected  = "peer_disconnected"
	MsgPeerRoleChanged   = "peer_role_changed"
	MsgSetTransport      = "set_transport"
	MsgWebRtcSignal      = "webrtc_signal"
	MsgStartStream       = "start_stream"
	MsgInput             = "input"
	MsgTransportData     = "transport_data"
	MsgUpdatePermissions = "update_permissions"
	MsgStop              = "stop"
)

// Streamer -> parent message types.
const (
	MsgDebugLog             = "debug_log"
	MsgUpdateApp            = "update_app"
	MsgSetup                = "setup"
	MsgConnectionComplete   = "connection_complete"
	MsgConnectionTerminated = "connection_terminated"
	MsgConnectionStatus     = "connection_status"
	MsgControllerRumble     = "controller_rumble"
	MsgMediaOut             = "media_out"
	MsgPeerReady            = "peer_ready"
)

// Streamer process exit codes.
const (
	ExitClean           = 0
	ExitProtocolError   = 1
	ExitUpstreamFailed  = 2
	ExitTransportFailed = 3
)

// Message is the envelope for both directions. PeerID scopes a message to a
// single peer; messages without one apply to the whole session.
type Message struct {
	Type    string          `json:"type"`
	PeerID  *domain.PeerID  `json:"peer_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type WebRtcLogConfig struct {
	IceServers   []domain.IceServer `json:"ice_servers"`
	PortRangeMin uint16             `json:"port_range_min,omitempty"`
	PortRangeMax uint16             `json:"port_range_max,omitempty"`
	Nat1To1Type  string             `json:"nat_1to1_type,omitempty"`
	Nat1To1IPs   []string           `json:"nat_1to1_ips,omitempty"`
	NetworkTypes []string           `json:"network_types,omitempty"`
}

type InitPayload struct {
	HostAddress          string          `json:"host_address"`
	HostPort             uint16          `json:"host_port"`
	ClientCertPEM        string          `json:"client_cert_pem"`
	ClientKeyPEM         string          `json:"client_key_pem"`
	ServerCertPEM        string          `json:"server_cert_pem"`
	AppID                uint32          `json:"app_id"`
	WebRtc               WebRtcLogConfig `json:"webrtc"`
	LogLevel             string          `json:"log_level"`
	VideoFrameQueue      int             `json:"video_frame_queue_size"`
	AudioSampleQueue     int             `json:"audio_sample_queue_size"`
	NegotiationTimeoutMS int             `json:"negotiation_timeout_ms"`
}

type PeerConnectedPayload struct {
	Slot             *domain.PlayerSlot `json:"slot"`
	Role             domain.RoomRole    `json:"role"`
	VideoFrameQueue  int                `json:"video_frame_queue_size"`
	AudioSampleQueue int                `json:"audio_sample_queue_size"`
}

type PeerRoleChangedPayload struct {
	Slot *domain.PlayerSlot `json:"slot"`
	Role domain.RoomRole    `json:"role"`
}

type SetTransportPayload struct {
	Transport domain.TransportType `json:"transport"`
}

type InputPayload struct {
	Event domain.InputEvent `json:"event"`
}

type UpdatePermissionsPayload struct {
	GuestsKeyboardMouse bool `json:"guests_kbm"`
}

type MediaOutPayload struct {
	Channel  domain.ChannelID `json:"channel"`
	Data     []byte           `json:"data"`
	Keyframe bool             `json:"keyframe,omitempty"`
}

// TransportDataPayload carries raw framed bytes from a WebSocket peer's
// binary messages into the streamer's transport demultiplexer.
type TransportDataPayload struct {
	Data []byte `json:"data"`
}

// NewMessage builds an envelope with an encoded payload. A nil payload
// produces a bare envelope.
func NewMessage(msgType string, peerID *domain.PeerID, payload any) (*Message, error) {
	msg := &Message{Type: msgType, PeerID: peerID}

	if payload != nil {
		raw, err := marshalJSON(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}

	return msg, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (m *Message) DecodePayload(out any) error {
	return unmarshalJSON(m.Payload, out)
}
