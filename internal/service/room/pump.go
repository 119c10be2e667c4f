package room

import (
	"context"
	"errors"
	"io"

	"github.com/couchbridge/server/internal/domain"
	"github.com/couchbridge/server/internal/ipc"
)

// ipcToControlType maps streamer IPC message types onto the control
// WebSocket message types; the payloads are shared domain structs and pass
// through verbatim.
var ipcToControlType = map[string]string{
	ipc.MsgDebugLog:             domain.MsgDebugLog,
	ipc.MsgUpdateApp:            domain.MsgUpdateApp,
	ipc.MsgSetup:                domain.MsgSetup,
	ipc.MsgConnectionComplete:   domain.MsgConnectionComplete,
	ipc.MsgConnectionTerminated: domain.MsgConnectionTerminated,
	ipc.MsgConnectionStatus:     domain.MsgConnectionStatus,
	ipc.MsgControllerRumble:     domain.MsgControllerRumble,
	ipc.MsgWebRtcSignal:         domain.MsgWebRtc,
}

// pumpStreamer drains the child's stdout until the process dies or sends
// Stop. A dead streamer closes the room.
func (s *service) pumpStreamer(r *room) {
	ctx := context.Background()

	defer func() {
		s.closeRoom(ctx, r)
		r.streamer.Kill()
	}()

	for {
		msg, err := r.streamer.Receiver.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("streamer ipc receive failed", "room_id", r.id, "error", err)
			}
			return
		}

		switch msg.Type {
		case ipc.MsgStop:
			return

		case ipc.MsgPeerReady:
			s.logger.Debug("peer transport ready", "room_id", r.id, "peer_id", msg.PeerID)

		case ipc.MsgMediaOut:
			if msg.PeerID == nil {
				continue
			}
			var payload ipc.MediaOutPayload
			if err := msg.DecodePayload(&payload); err != nil {
				s.logger.Warn("bad media_out payload", "room_id", r.id, "error", err)
				continue
			}
			r.mu.Lock()
			r.relayMediaLocked(*msg.PeerID, &payload)
			r.mu.Unlock()

		case ipc.MsgSetup, ipc.MsgConnectionComplete:
			s.storeReplayState(r, msg)
			s.forwardControl(r, msg)

		default:
			s.forwardControl(r, msg)
		}
	}
}

// storeReplayState keeps Setup and ConnectionComplete so peers that join
// after the stream is up still receive them.
func (s *service) storeReplayState(r *room, msg *ipc.Message) {
	switch msg.Type {
	case ipc.MsgSetup:
		var payload domain.SetupPayload
		if err := msg.DecodePayload(&payload); err != nil {
			s.logger.Warn("bad setup payload", "room_id", r.id, "error", err)
			return
		}
		r.mu.Lock()
		r.iceServers = payload.IceServers
		r.mu.Unlock()

	case ipc.MsgConnectionComplete:
		var payload domain.ConnectionCompletePayload
		if err := msg.DecodePayload(&payload); err != nil {
			s.logger.Warn("bad connection_complete payload", "room_id", r.id, "error", err)
			return
		}
		state := payload.StreamState()
		r.mu.Lock()
		r.streamState = &state
		r.mu.Unlock()
	}
}

// forwardControl relays a streamer message onto the control plane: to one
// peer when the message is scoped, else to the whole room.
func (s *service) forwardControl(r *room, msg *ipc.Message) {
	controlType, ok := ipcToControlType[msg.Type]
	if !ok {
		s.logger.Debug("unhandled streamer message", "room_id", r.id, "type", msg.Type)
		return
	}

	payload := rawPayload(msg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.PeerID != nil {
		r.sendToPeerLocked(*msg.PeerID, controlType, payload)
		return
	}

	r.broadcastLocked(controlType, payload)
}

func rawPayload(msg *ipc.Message) any {
	if len(msg.Payload) == 0 {
		return nil
	}

	return msg.Payload
}
