package capture

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFrameQueueKeepsOnlyNewest(t *testing.T) {
	q := NewFrameQueue()
	first := &Frame{Seq: 1}
	second := &Frame{Seq: 2}

	if evicted := q.Put(first); evicted {
		t.Error("first put should not evict")
	}
	if evicted := q.Put(second); !evicted {
		t.Error("second put should evict the undrained frame")
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}

	if got := q.Get(10 * time.Millisecond); got != second {
		t.Fatalf("got %+v, want the second frame", got)
	}
	if got := q.Get(10 * time.Millisecond); got != nil {
		t.Fatalf("queue should be empty, got %+v", got)
	}
}

func TestFrameQueueGetTimeout(t *testing.T) {
	q := NewFrameQueue()
	start := time.Now()
	if got := q.Get(20 * time.Millisecond); got != nil {
		t.Fatal("expected nil on empty queue")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Get returned before the timeout")
	}
}

func TestFrameQueueGetContext(t *testing.T) {
	q := NewFrameQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.GetContext(ctx); err == nil {
		t.Fatal("expected context error")
	}

	q.Put(&Frame{Seq: 7})
	f, err := q.GetContext(context.Background())
	if err != nil || f.Seq != 7 {
		t.Fatalf("GetContext = %+v, %v", f, err)
	}
}

func TestFrameQueueConcurrentProducersNeverBlock(t *testing.T) {
	q := NewFrameQueue()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Put(&Frame{Seq: uint64(p*100 + i)})
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producers blocked")
	}
	if q.Len() != 1 {
		t.Errorf("len = %d, want 1", q.Len())
	}
}

func TestFrameRingLatest(t *testing.T) {
	r := NewFrameRing(4)
	if r.Cap() != MinBufferLen {
		t.Errorf("cap = %d, want %d", r.Cap(), MinBufferLen)
	}
	if f, _ := r.Latest(); f != nil {
		t.Fatal("empty ring returned a frame")
	}

	for i := 1; i <= 40; i++ {
		r.Push(&Frame{Seq: uint64(i)})
	}

	f, total := r.Latest()
	if f == nil || f.Seq != 40 {
		t.Fatalf("latest = %+v, want seq 40", f)
	}
	if total != 40 {
		t.Errorf("total = %d, want 40", total)
	}
	if r.Len() != r.Cap() {
		t.Errorf("len = %d, want %d", r.Len(), r.Cap())
	}
}
