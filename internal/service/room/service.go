// Package room is the authoritative broker: it owns the map of live rooms,
// assigns player slots, arbitrates input, relays media to WebSocket peers
// and drives one streamer child process per room.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/couchbridge/server/internal/domain"
	"github.com/couchbridge/server/internal/ipc"
	"github.com/couchbridge/server/internal/repository/roomtoken"
	"github.com/couchbridge/server/pkg/randstr"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrPeerNotFound     = errors.New("peer not found")
	ErrNotSpectator     = errors.New("participant is not a spectator")
	ErrNoFreeSlot       = errors.New("no free player slot")
	ErrRoomIDExhausted  = errors.New("failed to allocate a room id")
)

const roomIDLength = 6

// PeerSender delivers outbound traffic to one peer's signalling socket. The
// controller implements it on top of the websocket connection.
type PeerSender interface {
	SendMessage(msgType string, payload any) error
	SendBinary(frame []byte) error
	Close()
}

// StreamerHandle is a live streamer child process.
type StreamerHandle struct {
	Sender   *ipc.Sender
	Receiver *ipc.Receiver
	// Kill forcibly terminates the child. Idempotent.
	Kill func()
}

type iStreamerLauncher interface {
	Launch(ctx context.Context) (*StreamerHandle, error)
}

// TokenRepo is the join-token and room-directory store. Exported so the app
// wiring can pick the redis or the in-memory implementation.
type TokenRepo interface {
	SetJoinToken(context.Context, *roomtoken.SetJoinTokenParams) error
	ConsumeJoinToken(ctx context.Context, token string) (string, error)
	ReserveRoomID(ctx context.Context, roomID string) error
	ReleaseRoomID(ctx context.Context, roomID string) error
}

// HostInfo is what the broker needs to point a streamer at a game host. The
// pairing store that produces it is an external collaborator.
type HostInfo struct {
	Address       string
	Port          uint16
	ClientCertPEM string
	ClientKeyPEM  string
	ServerCertPEM string
	AppName       string
}

type iHostResolver interface {
	Resolve(ctx context.Context, hostID, appID uint32) (HostInfo, error)
}

type iGenerator interface {
	GenerateRandomString(length int) string
}

type Config struct {
	// RequireJoinToken turns on the bearer-token check at room join.
	RequireJoinToken bool

	VideoFrameQueue  int
	AudioSampleQueue int
	// Guest queue depths are configured separately from the host's.
	GuestVideoFrameQueue  int
	GuestAudioSampleQueue int

	NegotiationTimeoutMS int

	WebRtc   ipc.WebRtcLogConfig
	LogLevel string
}

type service struct {
	mu    sync.RWMutex
	rooms map[string]*room

	peerSeq atomic.Uint64

	tokenRepo TokenRepo
	launcher  iStreamerLauncher
	hosts     iHostResolver
	generator iGenerator
	cfg       *Config
	logger    *slog.Logger
}

func NewService(tokenRepo TokenRepo, launcher iStreamerLauncher, hosts iHostResolver, cfg *Config, logger *slog.Logger) *service {
	s := &service{
		rooms:     make(map[string]*room),
		tokenRepo: tokenRepo,
		launcher:  launcher,
		hosts:     hosts,
		cfg:       cfg,
		logger:    logger,
	}

	letterBytes := []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ")
	s.generator = randstr.New(letterBytes)

	return s
}

func (s *service) nextPeerID() domain.PeerID {
	return domain.PeerID(s.peerSeq.Add(1))
}

// allocateRoomID rejection-samples 6-character base-36 codes, trying up to 16
// before it gives up with ErrRoomIDExhausted.
func (s *service) allocateRoomID(ctx context.Context) (string, error) {
	for range 16 {
		roomID := s.generator.GenerateRandomString(roomIDLength)

		err := s.tokenRepo.ReserveRoomID(ctx, roomID)
		if err == nil {
			return roomID, nil
		}
		if !errors.Is(err, roomtoken.ErrRoomIDTaken) {
			return "", err
		}
	}

	return "", ErrRoomIDExhausted
}

func (s *service) getRoom(roomID string) (*room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}

	return r, nil
}

func (s *service) ListRooms(ctx context.Context) []domain.RoomInfo {
	s.mu.RLock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		out = append(out, r.toRoomInfoLocked())
		r.mu.Unlock()
	}

	return out
}

// CreateJoinToken issues a one-shot bearer token granting a join into the
// given room.
func (s *service) CreateJoinToken(ctx context.Context, roomID string) (string, error) {
	if _, err := s.getRoom(roomID); err != nil {
		return "", err
	}

	token := newUUID()
	if err := s.tokenRepo.SetJoinToken(ctx, &roomtoken.SetJoinTokenParams{
		Token:  token,
		RoomID: roomID,
	}); err != nil {
		return "", fmt.Errorf("failed to store join token: %w", err)
	}

	return token, nil
}
