package transport

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/couchbridge/server/internal/domain"
	"github.com/couchbridge/server/internal/protocol/framing"
)

// FrameSink delivers one outbound channel payload towards the peer. The
// WebSocket variant does not own a socket: the streamer's sink ships the
// payload across the IPC link and the broker frames it onto the signalling
// socket as a binary message. The keyframe flag rides along so the relay can
// apply the video drop policy on its own queue.
type FrameSink func(channel domain.ChannelID, payload []byte, keyframe bool) error

// WebSocketTransport multiplexes all logical channels over a single ordered
// byte stream using the framing codec. It is always available and is the
// mandatory fallback when WebRTC negotiation fails.
type WebSocketTransport struct {
	codec  *framing.Codec
	sink   FrameSink
	logger *slog.Logger

	mu       sync.Mutex
	channels map[domain.ChannelID]*wsChannel
	specs    map[domain.ChannelID]ChannelSpec
	closed   bool

	events chan Event
}

func NewWebSocket(specs []ChannelSpec, sink FrameSink, logger *slog.Logger) *WebSocketTransport {
	t := &WebSocketTransport{
		codec:    framing.NewCodec(0),
		sink:     sink,
		logger:   logger,
		channels: make(map[domain.ChannelID]*wsChannel),
		specs:    make(map[domain.ChannelID]ChannelSpec, len(specs)),
		events:   make(chan Event, 4),
	}

	for _, spec := range specs {
		t.specs[spec.ID] = spec
	}

	// the byte stream is carried by an already-established socket, so the
	// transport is connected from birth
	t.events <- Event{Kind: EventConnected}

	return t
}

func (t *WebSocketTransport) Open(id domain.ChannelID) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrChannelClosed
	}

	if ch, ok := t.channels[id]; ok {
		return ch, nil
	}

	spec, ok := t.specs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}

	ch := &wsChannel{
		id:    id,
		queue: newOutQueue(spec.QueueDepth, spec.Drop),
		t:     t,
	}
	t.channels[id] = ch

	go ch.run()

	return ch, nil
}

// SetupVideo is a no-op: framed units carry their own codec agnostic bytes.
func (t *WebSocketTransport) SetupVideo(format domain.VideoFormat, fps uint32) error {
	return nil
}

func (t *WebSocketTransport) SetupAudio(setup domain.AudioSetup) error {
	return nil
}

func (t *WebSocketTransport) Events() <-chan Event {
	return t.events
}

// HandleFrame feeds one inbound framed message into the demultiplexer. A
// malformed frame is a protocol error and shuts the transport.
func (t *WebSocketTransport) HandleFrame(data []byte) error {
	for len(data) > 0 {
		channelID, payload, rest, err := t.codec.Decode(data)
		if err != nil {
			t.fail(err)
			return err
		}
		data = rest

		t.mu.Lock()
		ch := t.channels[channelID]
		t.mu.Unlock()

		if ch == nil {
			t.logger.Debug("dropping frame for unopened channel", "channel", channelID)
			continue
		}

		ch.receive(payload)
	}

	return nil
}

func (t *WebSocketTransport) fail(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	channels := make([]*wsChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		channels = append(channels, ch)
	}
	t.mu.Unlock()

	for _, ch := range channels {
		ch.queue.close()
	}

	t.events <- Event{Kind: EventFailed, Err: err}
	close(t.events)
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := make([]*wsChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		channels = append(channels, ch)
	}
	t.mu.Unlock()

	for _, ch := range channels {
		ch.queue.close()
	}

	t.events <- Event{Kind: EventClosed}
	close(t.events)

	return nil
}

type wsChannel struct {
	id    domain.ChannelID
	queue *outQueue
	t     *WebSocketTransport

	recvMu sync.Mutex
	onRecv func(p []byte)
}

func (c *wsChannel) run() {
	for {
		item, ok := c.queue.pop()
		if !ok {
			return
		}

		if err := c.t.sink(c.id, item.payload, item.keyframe); err != nil {
			c.t.fail(err)
			return
		}
	}
}

func (c *wsChannel) ID() domain.ChannelID { return c.id }

func (c *wsChannel) Send(p []byte) error {
	return c.queue.push(p, false, "")
}

func (c *wsChannel) SendCoalescable(p []byte, key string) error {
	return c.queue.push(p, false, key)
}

func (c *wsChannel) SendUnit(u domain.MediaUnit) error {
	return c.queue.push(u.Payload, u.Keyframe, "")
}

func (c *wsChannel) OnReceive(fn func(p []byte)) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	c.onRecv = fn
}

func (c *wsChannel) receive(p []byte) {
	c.recvMu.Lock()
	fn := c.onRecv
	c.recvMu.Unlock()

	if fn != nil {
		fn(p)
	}
}

func (c *wsChannel) Close() error {
	c.queue.close()

	return nil
}
