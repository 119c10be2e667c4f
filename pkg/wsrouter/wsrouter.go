package wsrouter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type HandlerFunc[T any] func(ctx context.Context, conn *websocket.Conn, input T) error

type Middleware func(next HandlerFunc[any]) HandlerFunc[any]

type WSRouter struct {
	routes      map[string]HandlerFunc[json.RawMessage]
	middlewares []Middleware
}

func NewWSRouter(middlewares ...Middleware) *WSRouter {
	return &WSRouter{
		routes:      make(map[string]HandlerFunc[json.RawMessage]),
		middlewares: middlewares,
	}
}

func (r *WSRouter) Use(mw Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

// Handle registers a typed handler for a message type. The payload is
// unmarshalled into T before the middleware chain runs.
func Handle[T any](r *WSRouter, messageType string, handler HandlerFunc[T]) {
	wrapped := func(ctx context.Context, conn *websocket.Conn, payload any) error {
		return handler(ctx, conn, payload.(T))
	}

	for i := len(r.middlewares) - 1; i >= 0; i-- {
		wrapped = r.middlewares[i](wrapped)
	}

	r.routes[messageType] = func(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
		var input T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &input); err != nil {
				return fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		return wrapped(ctx, conn, input)
	}
}

func (r *WSRouter) ServeConn(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		if err := r.dispatch(ctx, conn, msg); err != nil {
			return err
		}
	}
}

// HandleMessage routes a single raw text message. Callers that own the read
// loop (e.g. because the connection mixes text and binary frames) use this
// instead of ServeConn.
func (r *WSRouter) HandleMessage(ctx context.Context, conn *websocket.Conn, raw []byte) error {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	return r.dispatch(ctx, conn, msg)
}

func (r *WSRouter) dispatch(ctx context.Context, conn *websocket.Conn, msg message) error {
	handler, exists := r.routes[msg.Type]
	if !exists {
		conn.WriteJSON(map[string]string{"error": "unknown message type"})
		return nil
	}

	ctx = context.WithValue(ctx, messageTypeKey, msg.Type)

	return handler(ctx, conn, msg.Payload)
}
