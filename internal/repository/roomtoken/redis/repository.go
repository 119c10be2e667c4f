package redis

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/couchbridge/server/internal/repository/roomtoken"
)

type repo struct {
	rc *redis.Client
}

func NewRepo(rc *redis.Client) *repo {
	return &repo{rc: rc}
}

func (r repo) getJoinTokenKey(token string) string {
	return "join-token:" + token
}

func (r repo) getRoomIDKey(roomID string) string {
	return "room-id:" + roomID
}

func (r repo) SetJoinToken(ctx context.Context, params *roomtoken.SetJoinTokenParams) error {
	funcName := "roomtoken.redis.SetJoinToken"
	slog.DebugContext(ctx, funcName, "room_id", params.RoomID)

	ok, err := r.rc.SetNX(ctx, r.getJoinTokenKey(params.Token), params.RoomID, roomtoken.JoinTokenTTL).Result()
	if err != nil {
		slog.ErrorContext(ctx, funcName, "error", err)
		return err
	}

	if !ok {
		return roomtoken.ErrTokenAlreadyExists
	}

	return nil
}

// ConsumeJoinToken atomically fetches and invalidates a token, returning the
// room it grants access to.
func (r repo) ConsumeJoinToken(ctx context.Context, token string) (string, error) {
	funcName := "roomtoken.redis.ConsumeJoinToken"
	slog.DebugContext(ctx, funcName)

	if token == "" {
		return "", roomtoken.ErrTokenNotFound
	}

	roomID, err := r.rc.GetDel(ctx, r.getJoinTokenKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", roomtoken.ErrTokenNotFound
		}
		slog.ErrorContext(ctx, funcName, "error", err)
		return "", err
	}

	return roomID, nil
}

func (r repo) ReserveRoomID(ctx context.Context, roomID string) error {
	funcName := "roomtoken.redis.ReserveRoomID"
	slog.DebugContext(ctx, funcName, "room_id", roomID)

	ok, err := r.rc.SetNX(ctx, r.getRoomIDKey(roomID), 1, roomtoken.RoomIDTTL).Result()
	if err != nil {
		slog.ErrorContext(ctx, funcName, "error", err)
		return err
	}

	if !ok {
		return roomtoken.ErrRoomIDTaken
	}

	return nil
}

func (r repo) ReleaseRoomID(ctx context.Context, roomID string) error {
	funcName := "roomtoken.redis.ReleaseRoomID"
	slog.DebugContext(ctx, funcName, "room_id", roomID)

	return r.rc.Del(ctx, r.getRoomIDKey(roomID)).Err()
}
