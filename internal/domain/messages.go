package domain

// Client -> server message types on the signalling WebSocket.
const (
	MsgInit                = "INIT"
	MsgJoinRoom            = "JOIN_ROOM"
	MsgLeaveRoom           = "LEAVE_ROOM"
	MsgSetTransport        = "SET_TRANSPORT"
	MsgWebRtc              = "WEBRTC"
	MsgStartStream         = "START_STREAM"
	MsgSetGuestsKBMEnabled = "SET_GUESTS_KBM_ENABLED"
	MsgRequestPlayerSlot   = "REQUEST_PLAYER_SLOT"
	MsgReleasePlayerSlot   = "RELEASE_PLAYER_SLOT"
	MsgInput               = "INPUT"
)

// Server -> client message types.
const (
	MsgSetup                = "SETUP"
	MsgConnectionComplete   = "CONNECTION_COMPLETE"
	MsgConnectionTerminated = "CONNECTION_TERMINATED"
	MsgConnectionStatus     = "CONNECTION_STATUS"
	MsgRoomCreated          = "ROOM_CREATED"
	MsgRoomJoined           = "ROOM_JOINED"
	MsgRoomUpdated          = "ROOM_UPDATED"
	MsgRoomJoinFailed       = "ROOM_JOIN_FAILED"
	MsgPlayerLeft           = "PLAYER_LEFT"
	MsgRoomClosed           = "ROOM_CLOSED"
	MsgGuestsKBMEnabled     = "GUESTS_KBM_ENABLED"
	MsgUpdateApp            = "UPDATE_APP"
	MsgDebugLog             = "DEBUG_LOG"
	MsgControllerRumble     = "CONTROLLER_RUMBLE"
)

type LogMessageType string

const (
	LogFatal            LogMessageType = "fatal"
	LogFatalDescription LogMessageType = "fatalDescription"
	LogRecover          LogMessageType = "recover"
	LogInformError      LogMessageType = "informError"
)

type ConnectionStatus string

const (
	ConnectionOk   ConnectionStatus = "ok"
	ConnectionPoor ConnectionStatus = "poor"
)

type QueueSizes struct {
	VideoFrames  int `json:"video_frame_queue_size"`
	AudioSamples int `json:"audio_sample_queue_size"`
}

type InitPayload struct {
	HostID     uint32     `json:"host_id"`
	AppID      uint32     `json:"app_id"`
	QueueSizes QueueSizes `json:"queue_sizes"`
}

type JoinRoomPayload struct {
	RoomID     string     `json:"room_id" validate:"required,len=6"`
	PlayerName string     `json:"player_name" validate:"max=32"`
	AuthToken  string     `json:"auth_token"`
	QueueSizes QueueSizes `json:"queue_sizes"`
}

type SetTransportPayload struct {
	Transport TransportType `json:"transport" validate:"required,oneof=auto webrtc websocket"`
}

type SetGuestsKBMPayload struct {
	Enabled bool `json:"enabled"`
}

type SetupPayload struct {
	IceServers []IceServer `json:"ice_servers"`
}

type ConnectionCompletePayload struct {
	Capabilities StreamCapabilities `json:"capabilities"`
	Format       VideoFormat        `json:"format"`
	Width        uint32             `json:"width"`
	Height       uint32             `json:"height"`
	FPS          uint32             `json:"fps"`
	Audio        AudioSetup         `json:"audio"`
}

func (p ConnectionCompletePayload) StreamState() StreamState {
	return StreamState{
		Capabilities: p.Capabilities,
		Format:       p.Format,
		Width:        p.Width,
		Height:       p.Height,
		FPS:          p.FPS,
		Audio:        p.Audio,
	}
}

type ConnectionTerminatedPayload struct {
	ErrorCode int32 `json:"error_code"`
}

type ConnectionStatusPayload struct {
	Status ConnectionStatus `json:"status"`
}

type RoomCreatedPayload struct {
	Room       RoomInfo   `json:"room"`
	PlayerSlot PlayerSlot `json:"player_slot"`
	AuthToken  string     `json:"auth_token"`
}

type RoomJoinedPayload struct {
	Room       RoomInfo    `json:"room"`
	PlayerSlot *PlayerSlot `json:"player_slot"`
}

type RoomUpdatedPayload struct {
	Room RoomInfo `json:"room"`
}

type RoomJoinFailedPayload struct {
	Reason string `json:"reason"`
}

type PlayerLeftPayload struct {
	Slot PlayerSlot `json:"slot"`
}

type GuestsKBMEnabledPayload struct {
	Enabled bool `json:"enabled"`
}

type UpdateAppPayload struct {
	App App `json:"app"`
}

type DebugLogPayload struct {
	Message string          `json:"message"`
	Type    *LogMessageType `json:"ty,omitempty"`
}

type ControllerRumblePayload struct {
	ControllerNumber   uint8  `json:"controller_number"`
	LowFrequencyMotor  uint16 `json:"low_frequency_motor"`
	HighFrequencyMotor uint16 `json:"high_frequency_motor"`
	// Trigger rumble, when supported by the gamepad.
	LeftTriggerMotor  uint16 `json:"left_trigger_motor,omitempty"`
	RightTriggerMotor uint16 `json:"right_trigger_motor,omitempty"`
}

// StatsUpdate is published on the stats channel roughly once per second.
type StatsUpdate struct {
	RttMS          *float64 `json:"rtt_ms,omitempty"`
	RttVarianceMS  *float64 `json:"rtt_variance_ms,omitempty"`
	MinFrameTimeMS *float64 `json:"min_frame_time_ms,omitempty"`
	MaxFrameTimeMS *float64 `json:"max_frame_time_ms,omitempty"`
	AvgFrameTimeMS *float64 `json:"avg_frame_time_ms,omitempty"`
	// Input events dropped by authorization gating since the last update.
	InputRejected uint64 `json:"input_rejected,omitempty"`
}
