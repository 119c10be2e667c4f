package room

import (
	"context"

	"github.com/couchbridge/server/internal/domain"
	"github.com/couchbridge/server/internal/ipc"
)

// Input gates an event on the sender's role and the guests-KBM flag, rewrites
// gamepad targets to the sender's own slot and forwards it to the streamer.
// Unauthorized events are ignored silently; they never reach the game host.
func (s *service) Input(ctx context.Context, params *InputParams) error {
	r, err := s.getRoom(params.RoomID)
	if err != nil {
		return err
	}

	event := params.Event

	r.mu.Lock()
	p, ok := r.participants[params.PeerID]
	if !ok {
		r.mu.Unlock()
		return ErrPeerNotFound
	}

	if !p.role.CanInput() {
		r.mu.Unlock()
		return nil
	}

	switch {
	case event.Kind == domain.InputGamepadState:
		if event.Gamepad == nil || p.slot == nil {
			r.mu.Unlock()
			return nil
		}
		// a snapshot always targets the sender's own slot, whatever it claims
		event.Gamepad.Slot = p.slot.GamepadSlot()
	case event.Kind.IsKeyboardMouse():
		if !p.role.IsHost() && !r.guestsKBM {
			r.mu.Unlock()
			return nil
		}
	}
	r.mu.Unlock()

	s.sendIPC(r, ipc.MsgInput, &params.PeerID, &ipc.InputPayload{Event: event})

	return nil
}
