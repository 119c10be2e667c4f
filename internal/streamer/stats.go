package streamer

import (
	"sync"
	"time"

	segjson "github.com/segmentio/encoding/json"

	"github.com/couchbridge/server/internal/domain"
)

func unmarshalInput(data []byte, event *domain.InputEvent) error {
	return segjson.Unmarshal(data, event)
}

const statsInterval = time.Second

type statsCollector struct {
	mu sync.Mutex

	minFrameTime   time.Duration
	maxFrameTime   time.Duration
	totalFrameTime time.Duration
	frameCount     int

	rejected uint64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{minFrameTime: time.Duration(1<<63 - 1)}
}

func (c *statsCollector) observeFrame(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d < c.minFrameTime {
		c.minFrameTime = d
	}
	if d > c.maxFrameTime {
		c.maxFrameTime = d
	}
	c.totalFrameTime += d
	c.frameCount++
}

func (c *statsCollector) observeRejected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rejected++
}

// snapshot drains the window into a StatsUpdate, resetting the counters.
func (c *statsCollector) snapshot() domain.StatsUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()

	var update domain.StatsUpdate
	if c.frameCount > 0 {
		minMS := float64(c.minFrameTime.Microseconds()) / 1000
		maxMS := float64(c.maxFrameTime.Microseconds()) / 1000
		avgMS := float64(c.totalFrameTime.Microseconds()) / 1000 / float64(c.frameCount)

		update.MinFrameTimeMS = &minMS
		update.MaxFrameTimeMS = &maxMS
		update.AvgFrameTimeMS = &avgMS
	}
	update.InputRejected = c.rejected

	c.minFrameTime = time.Duration(1<<63 - 1)
	c.maxFrameTime = 0
	c.totalFrameTime = 0
	c.frameCount = 0
	c.rejected = 0

	return update
}

func (s *Session) publishStats() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		stream := s.stream
		stats := s.stats
		s.mu.Unlock()

		if stream == nil || stats == nil {
			return
		}

		update := stats.snapshot()
		if rtt, variance, ok := stream.EstimatedRTT(); ok {
			update.RttMS = &rtt
			update.RttVarianceMS = &variance
		}

		payload, err := segjson.Marshal(&update)
		if err != nil {
			s.logger.Warn("failed to encode stats update", "error", err)
			continue
		}

		for _, p := range s.connectedPeers() {
			ch := p.channel(domain.ChannelStats)
			if ch == nil {
				continue
			}
			if err := ch.Send(payload); err != nil {
				s.logger.Debug("failed to send stats update", "peer_id", p.id, "error", err)
			}
		}
	}
}
