package domain

type InputKind string

const (
	InputKeyDown       InputKind = "key_down"
	InputKeyUp         InputKind = "key_up"
	InputMouseButton   InputKind = "mouse_button"
	InputMousePosition InputKind = "mouse_position"
	InputMouseMove     InputKind = "mouse_move"
	InputMouseWheel    InputKind = "mouse_wheel"
	InputTouch         InputKind = "touch"
	InputGamepadState  InputKind = "gamepad_state"
	InputText          InputKind = "text"
)

// IsKeyboardMouse reports whether the event kind is gated by the
// guests-keyboard-mouse flag.
func (k InputKind) IsKeyboardMouse() bool {
	switch k {
	case InputKeyDown, InputKeyUp, InputMouseButton, InputMousePosition,
		InputMouseMove, InputMouseWheel, InputTouch, InputText:
		return true
	}

	return false
}

type TouchEventType uint8

const (
	TouchStart TouchEventType = iota
	TouchMove
	TouchEnd
)

type ControllerState struct {
	// Slot is the target controller number. The broker rewrites it to the
	// sender's own player slot before forwarding.
	Slot         uint8  `json:"slot"`
	Buttons      uint32 `json:"buttons"`
	LeftTrigger  uint8  `json:"left_trigger"`
	RightTrigger uint8  `json:"right_trigger"`
	LeftStickX   int16  `json:"left_stick_x"`
	LeftStickY   int16  `json:"left_stick_y"`
	RightStickX  int16  `json:"right_stick_x"`
	RightStickY  int16  `json:"right_stick_y"`
}

// InputEvent is the tagged union of all input the browser can produce. Only
// the fields of the active Kind are populated.
type InputEvent struct {
	Kind InputKind `json:"kind"`

	// key_down / key_up
	Scancode  uint16 `json:"scancode,omitempty"`
	Modifiers uint8  `json:"modifiers,omitempty"`

	// mouse_button
	Button  int32 `json:"button,omitempty"`
	Pressed bool  `json:"pressed,omitempty"`

	// mouse_position (absolute, stream-space)
	X               int32  `json:"x,omitempty"`
	Y               int32  `json:"y,omitempty"`
	ReferenceWidth  uint32 `json:"reference_width,omitempty"`
	ReferenceHeight uint32 `json:"reference_height,omitempty"`

	// mouse_move (relative) / mouse_wheel
	DeltaX int32 `json:"delta_x,omitempty"`
	DeltaY int32 `json:"delta_y,omitempty"`
	// HighRes selects high resolution wheel deltas.
	HighRes bool `json:"high_res,omitempty"`

	// touch
	PointerID uint32         `json:"pointer_id,omitempty"`
	TouchType TouchEventType `json:"touch_type,omitempty"`
	TouchX    float32        `json:"touch_x,omitempty"`
	TouchY    float32        `json:"touch_y,omitempty"`
	Pressure  float32        `json:"pressure,omitempty"`

	// gamepad_state
	Gamepad *ControllerState `json:"gamepad,omitempty"`

	// text
	Text string `json:"text,omitempty"`
}

// Coalescable reports whether the event carries state that a newer event of
// the same kind supersedes. Text never does. The streamer's input queue does
// not consult it: every event is submitted in arrival order.
func (e InputEvent) Coalescable() bool {
	switch e.Kind {
	case InputGamepadState, InputMousePosition, InputMouseMove:
		return true
	}

	return false
}
