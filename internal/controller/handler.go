package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/couchbridge/server/internal/domain"
	"github.com/couchbridge/server/internal/service/room"
)

type Output struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// peerSender serialises writes onto one signalling socket: JSON control
// messages as text frames, framed transport data as binary frames.
type peerSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

const writeWait = 10 * time.Second

func (s *peerSender) SendMessage(msgType string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	return s.conn.WriteJSON(&Output{Type: msgType, Payload: payload})
}

func (s *peerSender) SendBinary(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *peerSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.conn.Close()
}

type firstMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// handleStream is the single signalling endpoint. The first text message
// decides the peer's role: Init creates a room as Host, JoinRoom enters an
// existing one as Guest or Spectator.
func (c controller) handleStream(w http.ResponseWriter, r *http.Request) {
	identity := c.resolveIdentity(r)

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WarnContext(r.Context(), "failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()

	sender := &peerSender{conn: conn}

	messageType, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if messageType != websocket.TextMessage {
		c.logger.DebugContext(r.Context(), "first message was not text")
		return
	}

	var first firstMessage
	if err := json.Unmarshal(raw, &first); err != nil {
		c.logger.DebugContext(r.Context(), "failed to unmarshal first message", "error", err)
		return
	}

	var (
		roomID string
		peerID domain.PeerID
	)

	switch first.Type {
	case domain.MsgInit:
		roomID, peerID, err = c.handleInit(r.Context(), first.Payload, identity, sender)
	case domain.MsgJoinRoom:
		roomID, peerID, err = c.handleJoinRoom(r.Context(), first.Payload, identity, sender)
	default:
		c.logger.DebugContext(r.Context(), "unexpected first message", "type", first.Type)
		return
	}
	if err != nil {
		c.logger.DebugContext(r.Context(), "failed to establish peer", "error", err)
		return
	}

	defer c.disconnect(r.Context(), roomID, peerID)

	ctx := context.WithValue(r.Context(), roomIDCtxKey, roomID)
	ctx = context.WithValue(ctx, peerIDCtxKey, peerID)

	c.readLoop(ctx, conn, roomID, peerID)
}

func (c controller) handleInit(ctx context.Context, raw json.RawMessage, identity string, sender *peerSender) (string, domain.PeerID, error) {
	var input domain.InitPayload
	if err := json.Unmarshal(raw, &input); err != nil {
		return "", 0, err
	}

	createRoomResponse, err := c.roomService.CreateRoom(ctx, &room.CreateRoomParams{
		HostID:     input.HostID,
		AppID:      input.AppID,
		Identity:   identity,
		QueueSizes: input.QueueSizes,
		Sender:     sender,
	})
	if err != nil {
		return "", 0, err
	}

	if err := sender.SendMessage(domain.MsgRoomCreated, &domain.RoomCreatedPayload{
		Room:       createRoomResponse.Room,
		PlayerSlot: domain.SlotHost,
	}); err != nil {
		return "", 0, err
	}

	return createRoomResponse.RoomID, createRoomResponse.PeerID, nil
}

func (c controller) handleJoinRoom(ctx context.Context, raw json.RawMessage, identity string, sender *peerSender) (string, domain.PeerID, error) {
	var input domain.JoinRoomPayload
	if err := json.Unmarshal(raw, &input); err != nil {
		return "", 0, err
	}

	if validationErrors, ok := c.validate.Validate(&input); !ok {
		sender.SendMessage(domain.MsgRoomJoinFailed, &domain.RoomJoinFailedPayload{Reason: "invalid join request"})
		c.logger.DebugContext(ctx, "join validation failed", "errors", validationErrors)
		return "", 0, room.ErrPermissionDenied
	}

	joinRoomResponse, err := c.roomService.JoinRoom(ctx, &room.JoinRoomParams{
		RoomID:     input.RoomID,
		PlayerName: input.PlayerName,
		Identity:   identity,
		AuthToken:  input.AuthToken,
		QueueSizes: input.QueueSizes,
		Sender:     sender,
	})
	if err != nil {
		sender.SendMessage(domain.MsgRoomJoinFailed, &domain.RoomJoinFailedPayload{Reason: err.Error()})
		return "", 0, err
	}

	if err := sender.SendMessage(domain.MsgRoomJoined, &domain.RoomJoinedPayload{
		Room:       joinRoomResponse.Room,
		PlayerSlot: joinRoomResponse.Slot,
	}); err != nil {
		return "", 0, err
	}

	// replay stored stream state so late joiners can negotiate immediately
	if len(joinRoomResponse.IceServers) > 0 {
		sender.SendMessage(domain.MsgSetup, &domain.SetupPayload{IceServers: joinRoomResponse.IceServers})
	}
	if state := joinRoomResponse.StreamState; state != nil {
		sender.SendMessage(domain.MsgConnectionComplete, &domain.ConnectionCompletePayload{
			Capabilities: state.Capabilities,
			Format:       state.Format,
			Width:        state.Width,
			Height:       state.Height,
			FPS:          state.FPS,
			Audio:        state.Audio,
		})
	}

	return input.RoomID, joinRoomResponse.PeerID, nil
}

// readLoop drains the socket: text frames are control messages, binary
// frames are transport data for the streamer.
func (c controller) readLoop(ctx context.Context, conn *websocket.Conn, roomID string, peerID domain.PeerID) {
	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			c.logger.DebugContext(ctx, "websocket closed", "room_id", roomID, "peer_id", peerID, "error", err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if err := c.wsmux.HandleMessage(ctx, conn, raw); err != nil {
				if errors.Is(err, errLeaveRoom) {
					c.logger.DebugContext(ctx, "peer left room", "room_id", roomID, "peer_id", peerID)
				} else {
					c.logger.WarnContext(ctx, "failed to handle message", "error", err)
				}
				return
			}
		case websocket.BinaryMessage:
			if err := c.roomService.TransportBinary(ctx, &room.TransportBinaryParams{
				RoomID: roomID,
				PeerID: peerID,
				Data:   raw,
			}); err != nil {
				c.logger.DebugContext(ctx, "failed to forward transport data", "error", err)
			}
		}
	}
}

func (c controller) disconnect(ctx context.Context, roomID string, peerID domain.PeerID) {
	if _, err := c.roomService.Disconnect(ctx, &room.DisconnectParams{
		RoomID: roomID,
		PeerID: peerID,
	}); err != nil {
		c.logger.DebugContext(ctx, "failed to disconnect peer", "room_id", roomID, "peer_id", peerID, "error", err)
	}
}
