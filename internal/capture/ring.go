package capture

import "sync"

// FrameRing keeps the most recent frames produced by a free-running source
type FrameRing struct {
	mu    sync.RWMutex
	buf   []*Frame
	next  int
	count int
	total uint64
}

// NewFrameRing creates a ring holding at least MinBufferLen frames
func NewFrameRing(capacity int) *FrameRing {
	if capacity < MinBufferLen {
		capacity = MinBufferLen
	}
	return &FrameRing{buf: make([]*Frame, capacity)}
}

// Push appends a frame, overwriting the oldest one when full
func (r *FrameRing) Push(f *Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = f
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.total++
}

// Latest returns the newest frame and its push counter, or nil if the ring is empty
func (r *FrameRing) Latest() (*Frame, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil, 0
	}
	idx := (r.next - 1 + len(r.buf)) % len(r.buf)
	return r.buf[idx], r.total
}

// Len returns how many frames are currently buffered
func (r *FrameRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the ring capacity
func (r *FrameRing) Cap() int {
	return len(r.buf)
}
