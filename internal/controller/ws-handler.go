package controller

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/couchbridge/server/internal/domain"
	"github.com/couchbridge/server/internal/service/room"
	"github.com/couchbridge/server/pkg/wsrouter"
)

func (c controller) initWSMux() *wsrouter.WSRouter {
	mux := wsrouter.NewWSRouter()

	wsrouter.Handle(mux, domain.MsgSetTransport, c.handleSetTransport)
	wsrouter.Handle(mux, domain.MsgWebRtc, c.handleWebRtc)
	wsrouter.Handle(mux, domain.MsgStartStream, c.handleStartStream)
	wsrouter.Handle(mux, domain.MsgSetGuestsKBMEnabled, c.handleSetGuestsKBM)
	wsrouter.Handle(mux, domain.MsgRequestPlayerSlot, c.handleRequestPlayerSlot)
	wsrouter.Handle(mux, domain.MsgReleasePlayerSlot, c.handleReleasePlayerSlot)
	wsrouter.Handle(mux, domain.MsgInput, c.handleInput)
	wsrouter.Handle(mux, domain.MsgLeaveRoom, c.handleLeaveRoom)

	return mux
}

func (c controller) handleSetTransport(ctx context.Context, conn *websocket.Conn, input domain.SetTransportPayload) error {
	if validationErrors, ok := c.validate.Validate(&input); !ok {
		c.logger.DebugContext(ctx, "set transport validation failed", "errors", validationErrors)
		return nil
	}

	if err := c.roomService.SetTransport(ctx, &room.SetTransportParams{
		RoomID:    c.getRoomIDFromCtx(ctx),
		PeerID:    c.getPeerIDFromCtx(ctx),
		Transport: input.Transport,
	}); err != nil {
		return fmt.Errorf("failed to set transport: %w", err)
	}

	return nil
}

func (c controller) handleWebRtc(ctx context.Context, conn *websocket.Conn, input domain.SignalingMessage) error {
	if err := c.roomService.WebRtcSignal(ctx, &room.WebRtcSignalParams{
		RoomID: c.getRoomIDFromCtx(ctx),
		PeerID: c.getPeerIDFromCtx(ctx),
		Signal: input,
	}); err != nil {
		return fmt.Errorf("failed to forward webrtc signal: %w", err)
	}

	return nil
}

func (c controller) handleStartStream(ctx context.Context, conn *websocket.Conn, input domain.StreamSettings) error {
	if err := c.roomService.StartStream(ctx, &room.StartStreamParams{
		RoomID:   c.getRoomIDFromCtx(ctx),
		PeerID:   c.getPeerIDFromCtx(ctx),
		Settings: input,
	}); err != nil {
		c.logger.DebugContext(ctx, "failed to start stream", "error", err)
	}

	return nil
}

func (c controller) handleSetGuestsKBM(ctx context.Context, conn *websocket.Conn, input domain.SetGuestsKBMPayload) error {
	if err := c.roomService.SetGuestsKeyboardMouse(ctx, &room.SetGuestsKBMParams{
		RoomID:  c.getRoomIDFromCtx(ctx),
		PeerID:  c.getPeerIDFromCtx(ctx),
		Enabled: input.Enabled,
	}); err != nil {
		c.logger.DebugContext(ctx, "failed to set guests kbm", "error", err)
	}

	return nil
}

func (c controller) handleRequestPlayerSlot(ctx context.Context, conn *websocket.Conn, input EmptyInput) error {
	if _, err := c.roomService.RequestPlayerSlot(ctx, &room.RequestPlayerSlotParams{
		RoomID: c.getRoomIDFromCtx(ctx),
		PeerID: c.getPeerIDFromCtx(ctx),
	}); err != nil {
		c.logger.DebugContext(ctx, "failed to request player slot", "error", err)
	}

	return nil
}

func (c controller) handleReleasePlayerSlot(ctx context.Context, conn *websocket.Conn, input EmptyInput) error {
	if err := c.roomService.ReleasePlayerSlot(ctx, &room.ReleasePlayerSlotParams{
		RoomID: c.getRoomIDFromCtx(ctx),
		PeerID: c.getPeerIDFromCtx(ctx),
	}); err != nil {
		c.logger.DebugContext(ctx, "failed to release player slot", "error", err)
	}

	return nil
}

func (c controller) handleInput(ctx context.Context, conn *websocket.Conn, input domain.InputEvent) error {
	if err := c.roomService.Input(ctx, &room.InputParams{
		RoomID: c.getRoomIDFromCtx(ctx),
		PeerID: c.getPeerIDFromCtx(ctx),
		Event:  input,
	}); err != nil {
		c.logger.DebugContext(ctx, "failed to forward input", "error", err)
	}

	return nil
}

// handleLeaveRoom ends the read loop by reporting an error; the connection's
// deferred disconnect does the rest.
func (c controller) handleLeaveRoom(ctx context.Context, conn *websocket.Conn, input EmptyInput) error {
	return errLeaveRoom
}

type EmptyInput struct{}

var errLeaveRoom = fmt.Errorf("peer left the room")
