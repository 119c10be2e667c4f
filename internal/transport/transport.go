// Package transport presents an identical send/receive contract over either
// WebRTC (SCTP data channels plus RTP media tracks) or a WebSocket-framed
// byte stream. Upper layers open channels by id and never see the variant.
package transport

import (
	"errors"

	"github.com/couchbridge/server/internal/domain"
)

var (
	ErrBacklogged     = errors.New("channel send queue is full")
	ErrChannelClosed  = errors.New("channel closed")
	ErrUnknownChannel = errors.New("unknown channel id")
)

type Reliability uint8

const (
	ReliableOrdered Reliability = iota
	ReliableUnordered
	Unreliable
)

type Direction uint8

const (
	Down Direction = iota
	Up
	Bidir
)

type DropPolicy uint8

const (
	// DropNever queues past the nominal depth rather than lose an event.
	// Coalescable events replace their queued predecessor instead.
	DropNever DropPolicy = iota
	// DropPackets discards the incoming unit when the queue is full.
	DropPackets
	// DropToKeyframe flushes the queue and discards units until the next
	// keyframe when the queue is full.
	DropToKeyframe
)

type ChannelSpec struct {
	ID          domain.ChannelID
	Reliability Reliability
	Direction   Direction
	QueueDepth  int
	Drop        DropPolicy
}

// DefaultSpecs returns the per-channel policy table. Video and audio queue
// depths are per-peer settings negotiated at join time.
func DefaultSpecs(videoQueue, audioQueue int) []ChannelSpec {
	if videoQueue <= 0 {
		videoQueue = 3
	}
	if audioQueue <= 0 {
		audioQueue = 20
	}

	return []ChannelSpec{
		{ID: domain.ChannelControl, Reliability: ReliableOrdered, Direction: Bidir, QueueDepth: 32, Drop: DropNever},
		{ID: domain.ChannelVideo, Reliability: ReliableUnordered, Direction: Down, QueueDepth: videoQueue, Drop: DropToKeyframe},
		{ID: domain.ChannelAudio, Reliability: Unreliable, Direction: Down, QueueDepth: audioQueue, Drop: DropPackets},
		{ID: domain.ChannelInput, Reliability: ReliableOrdered, Direction: Up, QueueDepth: 64, Drop: DropNever},
		{ID: domain.ChannelStats, Reliability: ReliableOrdered, Direction: Down, QueueDepth: 16, Drop: DropPackets},
	}
}

type EventKind uint8

const (
	EventConnected EventKind = iota
	EventClosed
	EventFailed
)

type Event struct {
	Kind EventKind
	Err  error
}

// Channel is a single logical stream. Send applies the channel's drop policy
// and fails only with ErrChannelClosed; it gives no backpressure signal, and a
// queue whose policy forbids dropping grows past its depth instead. At most
// one goroutine may call Send per channel.
type Channel interface {
	ID() domain.ChannelID
	Send(p []byte) error
	// SendCoalescable queues p, replacing a queued entry with the same
	// non-empty key when a DropNever queue is saturated. No caller in the
	// server uses it; inbound input is not coalesced.
	SendCoalescable(p []byte, key string) error
	// SendUnit queues a media unit, honouring the keyframe drop policy.
	SendUnit(u domain.MediaUnit) error
	OnReceive(fn func(p []byte))
	Close() error
}

type Transport interface {
	Open(id domain.ChannelID) (Channel, error)
	// SetupVideo and SetupAudio bind the media planes to the formats the
	// upstream session negotiated. They must be called before units flow.
	SetupVideo(format domain.VideoFormat, fps uint32) error
	SetupAudio(setup domain.AudioSetup) error
	// Events delivers the one-shot connect/close lifecycle of the peer.
	Events() <-chan Event
	Close() error
}

// Signaler is implemented by transports that negotiate through an
// offer/answer side channel.
type Signaler interface {
	StartNegotiation() error
	HandleSignal(msg domain.SignalingMessage) error
}
