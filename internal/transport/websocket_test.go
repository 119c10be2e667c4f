package transport

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbridge/server/internal/domain"
	"github.com/couchbridge/server/internal/protocol/framing"
)

type sunkFrame struct {
	channel  domain.ChannelID
	payload  []byte
	keyframe bool
}

type frameCollector struct {
	mu     sync.Mutex
	frames []sunkFrame
}

func (c *frameCollector) sink(channel domain.ChannelID, payload []byte, keyframe bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.frames = append(c.frames, sunkFrame{
		channel:  channel,
		payload:  append([]byte(nil), payload...),
		keyframe: keyframe,
	})

	return nil
}

func (c *frameCollector) wait(t *testing.T, n int) []sunkFrame {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.frames) >= n {
			out := make([]sunkFrame, len(c.frames))
			copy(out, c.frames)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("timed out waiting for %d frames", n)
	return nil
}

func TestWebSocketTransportConnectedFromBirth(t *testing.T) {
	collector := &frameCollector{}
	ws := NewWebSocket(DefaultSpecs(3, 20), collector.sink, slog.Default())

	select {
	case event := <-ws.Events():
		assert.Equal(t, EventConnected, event.Kind)
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}
}

func TestWebSocketTransportFramesOutbound(t *testing.T) {
	collector := &frameCollector{}
	ws := NewWebSocket(DefaultSpecs(3, 20), collector.sink, slog.Default())

	ch, err := ws.Open(domain.ChannelVideo)
	require.NoError(t, err)

	require.NoError(t, ch.SendUnit(domain.MediaUnit{Payload: []byte("access-unit"), Keyframe: true}))

	frames := collector.wait(t, 1)
	assert.Equal(t, domain.ChannelVideo, frames[0].channel)
	assert.Equal(t, []byte("access-unit"), frames[0].payload)
	assert.True(t, frames[0].keyframe)
}

func TestWebSocketTransportDemuxesInbound(t *testing.T) {
	ws := NewWebSocket(DefaultSpecs(3, 20), (&frameCollector{}).sink, slog.Default())

	ch, err := ws.Open(domain.ChannelInput)
	require.NoError(t, err)

	received := make(chan []byte, 1)
	ch.OnReceive(func(p []byte) {
		received <- append([]byte(nil), p...)
	})

	codec := framing.NewCodec(0)
	frame, err := codec.Encode(nil, domain.ChannelInput, []byte("event"))
	require.NoError(t, err)

	require.NoError(t, ws.HandleFrame(frame))

	select {
	case p := <-received:
		assert.Equal(t, []byte("event"), p)
	case <-time.After(time.Second):
		t.Fatal("inbound frame not delivered")
	}
}

func TestWebSocketTransportMalformedFrameIsFatal(t *testing.T) {
	ws := NewWebSocket(DefaultSpecs(3, 20), (&frameCollector{}).sink, slog.Default())

	// consume the connected event
	<-ws.Events()

	err := ws.HandleFrame([]byte{0xFF, 0, 0, 0, 1, 'x'})
	require.Error(t, err)
	assert.ErrorIs(t, err, framing.ErrUnknownChannel)

	event, ok := <-ws.Events()
	require.True(t, ok)
	assert.Equal(t, EventFailed, event.Kind)

	// the transport is dead for senders too
	ch, err := ws.Open(domain.ChannelControl)
	assert.Nil(t, ch)
	assert.ErrorIs(t, err, ErrChannelClosed)
}
