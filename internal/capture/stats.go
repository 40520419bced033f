package capture

import (
	"sync/atomic"
	"time"
)

const statsLogInterval = 5 * time.Second

// Stats is a point-in-time view of the coordinator
type Stats struct {
	State       string        `json:"state"`
	Method      string        `json:"method"`
	Session     string        `json:"session,omitempty"`
	Captures    uint64        `json:"captures"`
	Misses      uint64        `json:"misses"`
	Dropped     uint64        `json:"dropped"`
	Restarts    uint64        `json:"restarts"`
	Escalations uint64        `json:"escalations"`
	AvgCapture  time.Duration `json:"avg_capture_ns"`
	LastFrame   time.Time     `json:"last_frame,omitempty"`
	Sequence    uint64        `json:"sequence"`
}

type counters struct {
	captures     atomic.Uint64
	misses       atomic.Uint64
	dropped      atomic.Uint64
	restarts     atomic.Uint64
	escalations  atomic.Uint64
	captureNanos atomic.Uint64
	lastFrame    atomic.Int64
}

func (c *counters) recordCapture(elapsed time.Duration, evicted bool) {
	c.captures.Add(1)
	c.captureNanos.Add(uint64(elapsed.Nanoseconds()))
	c.lastFrame.Store(time.Now().UnixNano())
	if evicted {
		c.dropped.Add(1)
	}
}

func (c *counters) fill(s *Stats) {
	s.Captures = c.captures.Load()
	s.Misses = c.misses.Load()
	s.Dropped = c.dropped.Load()
	s.Restarts = c.restarts.Load()
	s.Escalations = c.escalations.Load()
	if total := c.captureNanos.Load(); s.Captures > 0 && total > 0 {
		s.AvgCapture = time.Duration(total / s.Captures)
	}
	if ts := c.lastFrame.Load(); ts > 0 {
		s.LastFrame = time.Unix(0, ts)
	}
}
