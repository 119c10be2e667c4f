// Package upstream defines the contract with the native game-host streaming
// client. The real client is an external collaborator; the streamer consumes
// it through this interface and serialises all input submissions to a single
// goroutine, since a stream handle requires monotonic single-threaded calls.
package upstream

import (
	"context"

	"github.com/couchbridge/server/internal/domain"
)

// VideoFrame is a whole encoded access unit delivered by the client. Data is
// only valid for the duration of the callback; consumers must copy it into
// their own buffers before returning.
type VideoFrame struct {
	Data     []byte
	Keyframe bool
}

// AudioPacket is a single Opus packet with its sample timestamp and duration
// in microseconds. Data has callback lifetime, same as VideoFrame.
type AudioPacket struct {
	Data        []byte
	TimestampUS uint64
	DurationUS  uint32
}

type VideoSetup struct {
	Format domain.VideoFormat
	Width  uint32
	Height uint32
	FPS    uint32
}

type Capabilities struct {
	Touch bool
}

// Callbacks are invoked from the client's own threads and must not block.
type Callbacks struct {
	OnVideoSetup    func(VideoSetup)
	OnAudioSetup    func(domain.AudioSetup)
	OnVideoFrame    func(VideoFrame)
	OnAudioPacket   func(AudioPacket)
	OnStatusUpdate  func(domain.ConnectionStatus)
	OnRumble        func(controllerNumber uint8, lowFreq, highFreq uint16)
	OnTriggerRumble func(controllerNumber uint8, leftMotor, rightMotor uint16)
	OnStageLog      func(message string)
	OnTerminated    func(errorCode int32)
}

type ConnectConfig struct {
	HostAddress   string
	HostPort      uint16
	ClientCertPEM string
	ClientKeyPEM  string
	ServerCertPEM string
	AppID         uint32

	Settings  domain.StreamSettings
	Callbacks Callbacks
}

type Client interface {
	Connect(ctx context.Context, cfg ConnectConfig) (Stream, error)
}

// Stream is a live connection to the game host. Implementations require all
// methods to be called from one goroutine.
type Stream interface {
	Capabilities() Capabilities
	VideoSetup() VideoSetup
	AudioSetup() domain.AudioSetup

	SendKeyboard(scancode uint16, pressed bool, modifiers uint8) error
	SendMouseButton(button int32, pressed bool) error
	SendMousePosition(x, y int32, referenceWidth, referenceHeight uint32) error
	SendMouseMove(deltaX, deltaY int32) error
	SendScroll(deltaX, deltaY int32, highRes bool) error
	SendTouch(pointerID uint32, eventType domain.TouchEventType, x, y, pressure float32) error
	SendControllerState(slot uint8, state domain.ControllerState) error
	SendText(text string) error

	// EstimatedRTT returns the round trip time to the game host and its
	// variance, both in milliseconds.
	EstimatedRTT() (rtt, variance float64, ok bool)

	Stop() error
}
