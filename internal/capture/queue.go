package capture

import (
	"context"
	"sync"
	"time"
)

// FrameQueue holds at most one frame. Put replaces an undrained frame and
// never blocks, so consumers only ever see the most recent frame.
type FrameQueue struct {
	mu sync.Mutex // serializes producers so evict+insert is atomic
	ch chan *Frame
}

// NewFrameQueue creates an empty single-slot queue
func NewFrameQueue() *FrameQueue {
	return &FrameQueue{ch: make(chan *Frame, 1)}
}

// Put stores f, evicting any frame nobody has drained yet. It reports
// whether a frame was evicted.
func (q *FrameQueue) Put(f *Frame) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.ch:
		evicted = true
	default:
	}
	q.ch <- f
	return evicted
}

// Get waits up to timeout for a frame. Returns nil on timeout.
func (q *FrameQueue) Get(timeout time.Duration) *Frame {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-q.ch:
		return f
	case <-timer.C:
		return nil
	}
}

// GetContext waits until a frame arrives or ctx is done
func (q *FrameQueue) GetContext(ctx context.Context) (*Frame, error) {
	select {
	case f := <-q.ch:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns 0 or 1
func (q *FrameQueue) Len() int {
	return len(q.ch)
}
