// Package controller terminates the signalling WebSocket: one connection per
// peer, text frames for JSON control messages, binary frames for multiplexed
// transport data.
package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/couchbridge/server/internal/domain"
	"github.com/couchbridge/server/internal/service/room"
	"github.com/couchbridge/server/pkg/validator"
	"github.com/couchbridge/server/pkg/wsrouter"
)

type iRoomService interface {
	CreateRoom(context.Context, *room.CreateRoomParams) (room.CreateRoomResponse, error)
	JoinRoom(context.Context, *room.JoinRoomParams) (room.JoinRoomResponse, error)
	Disconnect(context.Context, *room.DisconnectParams) (room.DisconnectResponse, error)
	RequestPlayerSlot(context.Context, *room.RequestPlayerSlotParams) (room.RequestPlayerSlotResponse, error)
	ReleasePlayerSlot(context.Context, *room.ReleasePlayerSlotParams) error
	SetGuestsKeyboardMouse(context.Context, *room.SetGuestsKBMParams) error
	SetTransport(context.Context, *room.SetTransportParams) error
	StartStream(context.Context, *room.StartStreamParams) error
	WebRtcSignal(context.Context, *room.WebRtcSignalParams) error
	Input(context.Context, *room.InputParams) error
	TransportBinary(context.Context, *room.TransportBinaryParams) error
	CreateJoinToken(ctx context.Context, roomID string) (string, error)
	ListRooms(ctx context.Context) []domain.RoomInfo
}

// ForwardedHeaderConfig resolves a peer identity from a reverse proxy
// header.
type ForwardedHeaderConfig struct {
	UsernameHeader        string
	AutoCreateMissingUser bool
}

type Config struct {
	URLPathPrefix string
	DefaultUserID *int
	// DefaultSettings is an opaque JSON document of default stream settings
	// (bitrate, fps, video size and codec, scroll mode, data transport,
	// controller remap, queue sizes, local audio). The server never
	// interprets it; the viewer applies it as its starting configuration.
	DefaultSettings json.RawMessage
	ForwardedHeader *ForwardedHeaderConfig
}

type controller struct {
	roomService iRoomService
	upgrader    websocket.Upgrader
	validate    *validator.Validator
	wsmux       *wsrouter.WSRouter
	cfg         *Config
	logger      *slog.Logger
}

func NewController(roomService iRoomService, cfg *Config, logger *slog.Logger) *controller {
	c := &controller{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		roomService: roomService,
		validate:    validator.NewValidator(),
		cfg:         cfg,
		logger:      logger,
	}
	c.wsmux = c.initWSMux()

	return c
}
