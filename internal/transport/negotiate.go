package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbridge/server/internal/domain"
)

// DefaultNegotiationTimeout bounds WebRTC ICE under the auto policy before
// falling back to WebSocket.
const DefaultNegotiationTimeout = 8 * time.Second

var ErrNegotiationFailed = errors.New("transport negotiation failed")

// Dialer produces a candidate transport. The WebRTC dialer starts
// negotiation as a side effect; the WebSocket dialer returns an
// already-connected transport.
type Dialer func() (Transport, error)

// Negotiate resolves the configured transport policy to a connected
// transport. Under auto, WebRTC is attempted first with the given deadline;
// on failure or timeout it is torn down and the WebSocket fallback is used.
// Explicit policies never fall back.
func Negotiate(ctx context.Context, policy domain.TransportType, timeout time.Duration, dialWebRTC, dialWebSocket Dialer) (Transport, error) {
	if timeout <= 0 {
		timeout = DefaultNegotiationTimeout
	}

	switch policy {
	case domain.TransportWebSocket:
		return awaitConnected(ctx, dialWebSocket, timeout)
	case domain.TransportWebRTC:
		return awaitConnected(ctx, dialWebRTC, timeout)
	case domain.TransportAuto:
		t, err := awaitConnected(ctx, dialWebRTC, timeout)
		if err == nil {
			return t, nil
		}

		return awaitConnected(ctx, dialWebSocket, timeout)
	}

	return nil, fmt.Errorf("%w: unknown policy %q", ErrNegotiationFailed, policy)
}

func awaitConnected(ctx context.Context, dial Dialer, timeout time.Duration) (Transport, error) {
	t, err := dial()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case event, ok := <-t.Events():
			if !ok {
				t.Close()
				return nil, fmt.Errorf("%w: transport closed during negotiation", ErrNegotiationFailed)
			}

			switch event.Kind {
			case EventConnected:
				return t, nil
			case EventFailed, EventClosed:
				t.Close()
				if event.Err != nil {
					return nil, fmt.Errorf("%w: %w", ErrNegotiationFailed, event.Err)
				}
				return nil, fmt.Errorf("%w: transport closed during negotiation", ErrNegotiationFailed)
			}
		case <-timer.C:
			t.Close()
			return nil, fmt.Errorf("%w: deadline exceeded", ErrNegotiationFailed)
		case <-ctx.Done():
			t.Close()
			return nil, fmt.Errorf("%w: %w", ErrNegotiationFailed, ctx.Err())
		}
	}
}
