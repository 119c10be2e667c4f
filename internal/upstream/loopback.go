package upstream

import (
	"context"
	"sync"

	"github.com/couchbridge/server/internal/domain"
)

// LoopbackClient is an in-process Client used by tests and by local smoke
// runs without a game host. Frames are injected with EmitVideoFrame and
// friends; every input submission is recorded.
type LoopbackClient struct {
	mu      sync.Mutex
	streams []*LoopbackStream

	// ConnectErr, when set, fails every Connect call.
	ConnectErr error
}

func NewLoopbackClient() *LoopbackClient {
	return &LoopbackClient{}
}

func (c *LoopbackClient) Connect(_ context.Context, cfg ConnectConfig) (Stream, error) {
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}

	s := &LoopbackStream{
		callbacks: cfg.Callbacks,
		video: VideoSetup{
			Format: domain.FormatH264,
			Width:  cfg.Settings.Width,
			Height: cfg.Settings.Height,
			FPS:    cfg.Settings.FPS,
		},
		audio: domain.StereoAudioSetup(),
	}

	if cb := cfg.Callbacks.OnVideoSetup; cb != nil {
		cb(s.video)
	}
	if cb := cfg.Callbacks.OnAudioSetup; cb != nil {
		cb(s.audio)
	}

	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()

	return s, nil
}

func (c *LoopbackClient) LastStream() *LoopbackStream {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.streams) == 0 {
		return nil
	}

	return c.streams[len(c.streams)-1]
}

// SubmittedInput is one input call recorded by a LoopbackStream.
type SubmittedInput struct {
	Kind  domain.InputKind
	Event domain.InputEvent
}

type LoopbackStream struct {
	mu        sync.Mutex
	callbacks Callbacks
	video     VideoSetup
	audio     domain.AudioSetup
	inputs    []SubmittedInput
	stopped   bool
}

func (s *LoopbackStream) Capabilities() Capabilities    { return Capabilities{Touch: true} }
func (s *LoopbackStream) VideoSetup() VideoSetup        { return s.video }
func (s *LoopbackStream) AudioSetup() domain.AudioSetup { return s.audio }

func (s *LoopbackStream) record(kind domain.InputKind, event domain.InputEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.Kind = kind
	s.inputs = append(s.inputs, SubmittedInput{Kind: kind, Event: event})

	return nil
}

func (s *LoopbackStream) SendKeyboard(scancode uint16, pressed bool, modifiers uint8) error {
	kind := domain.InputKeyUp
	if pressed {
		kind = domain.InputKeyDown
	}

	return s.record(kind, domain.InputEvent{Scancode: scancode, Modifiers: modifiers})
}

func (s *LoopbackStream) SendMouseButton(button int32, pressed bool) error {
	return s.record(domain.InputMouseButton, domain.InputEvent{Button: button, Pressed: pressed})
}

func (s *LoopbackStream) SendMousePosition(x, y int32, refW, refH uint32) error {
	return s.record(domain.InputMousePosition, domain.InputEvent{
		X: x, Y: y, ReferenceWidth: refW, ReferenceHeight: refH,
	})
}

func (s *LoopbackStream) SendMouseMove(deltaX, deltaY int32) error {
	return s.record(domain.InputMouseMove, domain.InputEvent{DeltaX: deltaX, DeltaY: deltaY})
}

func (s *LoopbackStream) SendScroll(deltaX, deltaY int32, highRes bool) error {
	return s.record(domain.InputMouseWheel, domain.InputEvent{
		DeltaX: deltaX, DeltaY: deltaY, HighRes: highRes,
	})
}

func (s *LoopbackStream) SendTouch(pointerID uint32, eventType domain.TouchEventType, x, y, pressure float32) error {
	return s.record(domain.InputTouch, domain.InputEvent{
		PointerID: pointerID, TouchType: eventType, TouchX: x, TouchY: y, Pressure: pressure,
	})
}

func (s *LoopbackStream) SendControllerState(slot uint8, state domain.ControllerState) error {
	state.Slot = slot

	return s.record(domain.InputGamepadState, domain.InputEvent{Gamepad: &state})
}

func (s *LoopbackStream) SendText(text string) error {
	return s.record(domain.InputText, domain.InputEvent{Text: text})
}

func (s *LoopbackStream) EstimatedRTT() (float64, float64, bool) {
	return 12.5, 1.5, true
}

func (s *LoopbackStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true

	return nil
}

func (s *LoopbackStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopped
}

// Inputs returns a copy of everything submitted so far.
func (s *LoopbackStream) Inputs() []SubmittedInput {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SubmittedInput, len(s.inputs))
	copy(out, s.inputs)

	return out
}

// EmitVideoFrame pushes a synthetic access unit through the video callback.
func (s *LoopbackStream) EmitVideoFrame(data []byte, keyframe bool) {
	if cb := s.callbacks.OnVideoFrame; cb != nil {
		cb(VideoFrame{Data: data, Keyframe: keyframe})
	}
}

// EmitAudioPacket pushes a synthetic Opus packet through the audio callback.
func (s *LoopbackStream) EmitAudioPacket(data []byte, timestampUS uint64, durationUS uint32) {
	if cb := s.callbacks.OnAudioPacket; cb != nil {
		cb(AudioPacket{Data: data, TimestampUS: timestampUS, DurationUS: durationUS})
	}
}

// EmitTerminated fires the termination callback with the given error code.
func (s *LoopbackStream) EmitTerminated(code int32) {
	if cb := s.callbacks.OnTerminated; cb != nil {
		cb(code)
	}
}
