package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/couchbridge/server/internal/repository/roomtoken"
)

type tokenEntry struct {
	roomID    string
	expiresAt time.Time
}

type repo struct {
	mu      sync.Mutex
	tokens  map[string]tokenEntry
	roomIDs map[string]struct{}
}

func NewRepo() *repo {
	return &repo{
		tokens:  make(map[string]tokenEntry),
		roomIDs: make(map[string]struct{}),
	}
}

func (r *repo) SetJoinToken(_ context.Context, params *roomtoken.SetJoinTokenParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.tokens[params.Token]; ok && time.Now().Before(entry.expiresAt) {
		return roomtoken.ErrTokenAlreadyExists
	}

	r.tokens[params.Token] = tokenEntry{
		roomID:    params.RoomID,
		expiresAt: time.Now().Add(roomtoken.JoinTokenTTL),
	}

	return nil
}

func (r *repo) ConsumeJoinToken(_ context.Context, token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.tokens[token]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(r.tokens, token)
		return "", roomtoken.ErrTokenNotFound
	}

	delete(r.tokens, token)

	return entry.roomID, nil
}

func (r *repo) ReserveRoomID(_ context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.roomIDs[roomID]; ok {
		return roomtoken.ErrRoomIDTaken
	}

	r.roomIDs[roomID] = struct{}{}

	return nil
}

func (r *repo) ReleaseRoomID(_ context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.roomIDs, roomID)

	return nil
}
