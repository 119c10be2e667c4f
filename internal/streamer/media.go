package streamer

import (
	"sync/atomic"
)

type mediaItem struct {
	buf         []byte
	keyframe    bool
	timestampUS uint64
	durationUS  uint32
}

// mediaRing decouples upstream library callbacks from the transport path
// without allocating per unit: a fixed set of reusable buffers cycles
// between the free list and the forwarder. Callbacks never block; when the
// forwarder falls behind the unit is counted and dropped, and the per-peer
// channel queues apply their own drop policy downstream.
type mediaRing struct {
	free    chan []byte
	out     chan mediaItem
	closed  atomic.Bool
	dropped atomic.Uint64
}

func newMediaRing(depth, bufferSize int) *mediaRing {
	r := &mediaRing{
		free: make(chan []byte, depth),
		out:  make(chan mediaItem, depth),
	}

	for range depth {
		r.free <- make([]byte, 0, bufferSize)
	}

	return r
}

// push copies data into a free buffer and queues it for the forwarder.
// Safe to call from the upstream callback thread.
func (r *mediaRing) push(data []byte, keyframe bool, timestampUS uint64, durationUS uint32) bool {
	if r.closed.Load() {
		return false
	}

	var buf []byte
	select {
	case buf = <-r.free:
	default:
		r.dropped.Add(1)
		return false
	}

	buf = append(buf[:0], data...)

	r.out <- mediaItem{
		buf:         buf,
		keyframe:    keyframe,
		timestampUS: timestampUS,
		durationUS:  durationUS,
	}

	return true
}

// next blocks until a unit is available or the ring is closed.
func (r *mediaRing) next() (mediaItem, bool) {
	item, ok := <-r.out
	return item, ok
}

// recycle returns a buffer to the free list once the forwarder is done with
// it. The transport queues copied the payload already.
func (r *mediaRing) recycle(buf []byte) {
	select {
	case r.free <- buf:
	default:
	}
}

func (r *mediaRing) close() {
	if r.closed.CompareAndSwap(false, true) {
		close(r.out)
	}
}

func (r *mediaRing) droppedCount() uint64 {
	return r.dropped.Load()
}
