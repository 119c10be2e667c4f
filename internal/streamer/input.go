package streamer

import (
	"log/slog"
	"sync/atomic"

	"github.com/couchbridge/server/internal/domain"
	"github.com/couchbridge/server/internal/upstream"
)

// inputWorker owns the stream handle for input submission. The upstream
// client requires monotonic single-threaded calls per handle, so every event
// funnels through one goroutine in arrival order.
type inputWorker struct {
	queue    chan domain.InputEvent
	done     chan struct{}
	logger   *slog.Logger
	rejected atomic.Uint64
}

const inputQueueDepth = 256

func newInputWorker(stream upstream.Stream, logger *slog.Logger) *inputWorker {
	w := &inputWorker{
		queue:  make(chan domain.InputEvent, inputQueueDepth),
		done:   make(chan struct{}),
		logger: logger,
	}

	go w.run(stream)

	return w
}

func (w *inputWorker) run(stream upstream.Stream) {
	defer close(w.done)

	for event := range w.queue {
		if err := w.submit(stream, event); err != nil {
			w.logger.Warn("failed to submit input", "kind", event.Kind, "error", err)
		}
	}
}

func (w *inputWorker) submit(stream upstream.Stream, event domain.InputEvent) error {
	switch event.Kind {
	case domain.InputKeyDown:
		return stream.SendKeyboard(event.Scancode, true, event.Modifiers)
	case domain.InputKeyUp:
		return stream.SendKeyboard(event.Scancode, false, event.Modifiers)
	case domain.InputMouseButton:
		return stream.SendMouseButton(event.Button, event.Pressed)
	case domain.InputMousePosition:
		return stream.SendMousePosition(event.X, event.Y, event.ReferenceWidth, event.ReferenceHeight)
	case domain.InputMouseMove:
		return stream.SendMouseMove(event.DeltaX, event.DeltaY)
	case domain.InputMouseWheel:
		return stream.SendScroll(event.DeltaX, event.DeltaY, event.HighRes)
	case domain.InputTouch:
		return stream.SendTouch(event.PointerID, event.TouchType, event.TouchX, event.TouchY, event.Pressure)
	case domain.InputGamepadState:
		if event.Gamepad == nil {
			return nil
		}
		return stream.SendControllerState(event.Gamepad.Slot, *event.Gamepad)
	case domain.InputText:
		return stream.SendText(event.Text)
	}

	w.logger.Debug("ignoring unknown input kind", "kind", event.Kind)

	return nil
}

// enqueue hands an already-authorized event to the worker. Input is never
// dropped; the queue is deep enough that a full queue means the upstream
// link is dead, in which case blocking briefly is acceptable.
func (w *inputWorker) enqueue(event domain.InputEvent) {
	select {
	case w.queue <- event:
	case <-w.done:
	}
}

func (w *inputWorker) close() {
	close(w.queue)
	<-w.done
}
