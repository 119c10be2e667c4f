package controller

import (
	"context"

	"github.com/couchbridge/server/internal/domain"
)

type contextKey int

const (
	roomIDCtxKey contextKey = iota
	peerIDCtxKey
)

func (c controller) getRoomIDFromCtx(ctx context.Context) string {
	roomID, _ := ctx.Value(roomIDCtxKey).(string)
	return roomID
}

func (c controller) getPeerIDFromCtx(ctx context.Context) domain.PeerID {
	peerID, _ := ctx.Value(peerIDCtxKey).(domain.PeerID)
	return peerID
}
