package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbridge/server/internal/repository/roomtoken"
)

func newTestRepo(t *testing.T) *repo {
	t.Helper()

	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return NewRepo(goredis.NewClient(&goredis.Options{Addr: s.Addr()}))
}

func TestJoinTokenConsumeIsOneShot(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.SetJoinToken(ctx, &roomtoken.SetJoinTokenParams{
		Token:  "tok-1",
		RoomID: "A3K9B2",
	}))

	roomID, err := r.ConsumeJoinToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "A3K9B2", roomID)

	_, err = r.ConsumeJoinToken(ctx, "tok-1")
	assert.ErrorIs(t, err, roomtoken.ErrTokenNotFound)
}

func TestConsumeUnknownToken(t *testing.T) {
	r := newTestRepo(t)

	_, err := r.ConsumeJoinToken(context.Background(), "missing")
	assert.ErrorIs(t, err, roomtoken.ErrTokenNotFound)

	_, err = r.ConsumeJoinToken(context.Background(), "")
	assert.ErrorIs(t, err, roomtoken.ErrTokenNotFound)
}

func TestReserveRoomIDCollision(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.ReserveRoomID(ctx, "A3K9B2"))
	assert.ErrorIs(t, r.ReserveRoomID(ctx, "A3K9B2"), roomtoken.ErrRoomIDTaken)

	require.NoError(t, r.ReleaseRoomID(ctx, "A3K9B2"))
	assert.NoError(t, r.ReserveRoomID(ctx, "A3K9B2"))
}
