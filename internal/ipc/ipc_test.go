package ipc

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/couchbridge/server/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRecvRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.Default()

	sender := NewSender(&buf, logger)

	slot := domain.PlayerSlot(2)
	peerID := domain.PeerID(7)

	msg, err := NewMessage(MsgPeerConnected, &peerID, &PeerConnectedPayload{
		Slot:             &slot,
		Role:             domain.RolePlayer,
		VideoFrameQueue:  3,
		AudioSampleQueue: 20,
	})
	require.NoError(t, err)

	sender.Send(msg)

	stop, err := NewMessage(MsgStop, nil, nil)
	require.NoError(t, err)
	sender.Send(stop)
	sender.Close()

	receiver := NewReceiver(&buf, logger)
	ctx := context.Background()

	got, err := receiver.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgPeerConnected, got.Type)
	require.NotNil(t, got.PeerID)
	assert.Equal(t, peerID, *got.PeerID)

	var payload PeerConnectedPayload
	require.NoError(t, got.DecodePayload(&payload))
	require.NotNil(t, payload.Slot)
	assert.Equal(t, slot, *payload.Slot)
	assert.Equal(t, domain.RolePlayer, payload.Role)
	assert.Equal(t, 3, payload.VideoFrameQueue)

	got, err = receiver.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgStop, got.Type)
	assert.Nil(t, got.PeerID)

	_, err = receiver.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRecvSkipsGarbageLines(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("not json\n")
	buf.WriteString("\n")
	buf.WriteString(`{"type":"stop"}` + "\n")

	receiver := NewReceiver(&buf, slog.Default())

	got, err := receiver.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MsgStop, got.Type)
}

func TestMediaOutCarriesBinary(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.Default()

	data := bytes.Repeat([]byte{0x00, 0x01, 0xFF}, 1000)

	sender := NewSender(&buf, logger)
	peerID := domain.PeerID(1)
	msg, err := NewMessage(MsgMediaOut, &peerID, &MediaOutPayload{
		Channel:  domain.ChannelVideo,
		Data:     data,
		Keyframe: true,
	})
	require.NoError(t, err)
	sender.Send(msg)
	sender.Close()

	receiver := NewReceiver(&buf, logger)
	got, err := receiver.Recv(context.Background())
	require.NoError(t, err)

	var payload MediaOutPayload
	require.NoError(t, got.DecodePayload(&payload))
	assert.Equal(t, domain.ChannelVideo, payload.Channel)
	assert.True(t, payload.Keyframe)
	assert.Equal(t, data, payload.Data)
}

func TestRecvCancelled(t *testing.T) {
	receiver := NewReceiver(&bytes.Buffer{}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := receiver.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
