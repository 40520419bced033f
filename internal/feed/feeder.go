package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameFeed/internal/capture"
	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"github.com/bryanchriswhite/FrameFeed/internal/mask"
	"github.com/bryanchriswhite/FrameFeed/internal/output"
)

// DefaultStatsInterval is how often stats are pushed to subscribers
const DefaultStatsInterval = time.Second

// FrameSource is the consumer side of the capture coordinator
type FrameSource interface {
	GetNewFrameContext(ctx context.Context) (*capture.Frame, error)
	Stats() capture.Stats
}

// Processing is the per-frame post-processing read from the config
type Processing struct {
	MaskSide string
	MaskZone float64
	Circle   bool
}

// Stats describes the consumer side of the pipeline
type Stats struct {
	Frames       uint64        `json:"frames"`
	Gaps         uint64        `json:"gaps"`
	OutputErrors uint64        `json:"output_errors"`
	FPS          float64       `json:"fps"`
	LastSeq      uint64        `json:"last_seq"`
	Capture      capture.Stats `json:"capture"`
}

// Feeder pulls frames from the coordinator, masks them and fans them out
// to the registered outputs
type Feeder struct {
	source   FrameSource
	masks    *mask.Builder
	settings func() Processing
	interval time.Duration

	mu        sync.RWMutex
	outputs   []output.Output
	listeners []chan Stats

	statsMu   sync.Mutex
	stats     Stats
	windowN   uint64
	windowT   time.Time
	lastFrame *capture.Frame
}

// New creates a feeder. settings is consulted for every frame.
func New(source FrameSource, masks *mask.Builder, settings func() Processing, outputs ...output.Output) *Feeder {
	return &Feeder{
		source:   source,
		masks:    masks,
		settings: settings,
		interval: DefaultStatsInterval,
		outputs:  outputs,
	}
}

// AddOutput registers another output
func (f *Feeder) AddOutput(o output.Output) {
	f.mu.Lock()
	f.outputs = append(f.outputs, o)
	f.mu.Unlock()
}

// Run consumes frames until ctx is done
func (f *Feeder) Run(ctx context.Context) error {
	log := logger.WithComponent("feed")
	log.Info().Msg("Feeder started")
	defer log.Info().Msg("Feeder stopped")

	f.statsMu.Lock()
	f.windowT = time.Now()
	f.statsMu.Unlock()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.tick()
			}
		}
	}()

	for {
		frame, err := f.source.GetNewFrameContext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		f.Handle(frame)
	}
}

// Handle processes a single frame and writes it to every running output
func (f *Feeder) Handle(frame *capture.Frame) {
	if frame == nil {
		return
	}
	processed := f.Process(frame)

	var failed uint64
	f.mu.RLock()
	for _, o := range f.outputs {
		if !o.IsRunning() {
			continue
		}
		if err := o.WriteFrame(processed); err != nil {
			failed++
			logger.WithComponent("feed").Debug().Err(err).Str("output", o.Name()).Msg("Output write failed")
		}
	}
	f.mu.RUnlock()

	f.statsMu.Lock()
	if f.stats.Frames > 0 && frame.Seq > f.stats.LastSeq+1 {
		f.stats.Gaps += frame.Seq - f.stats.LastSeq - 1
	}
	f.stats.Frames++
	f.stats.LastSeq = frame.Seq
	f.stats.OutputErrors += failed
	f.windowN++
	f.lastFrame = processed
	f.statsMu.Unlock()
}

// Process applies circle capture and the detection mask. The input frame
// is never modified.
func (f *Feeder) Process(frame *capture.Frame) *capture.Frame {
	p := f.settings()
	out := frame
	if p.Circle {
		out = mask.ConvertToCircle(out)
	}
	return f.masks.Apply(out, p.MaskSide, p.MaskZone)
}

// LastFrame returns the most recent processed frame
func (f *Feeder) LastFrame() *capture.Frame {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return f.lastFrame
}

// Stats returns the consumer counters together with the capture stats
func (f *Feeder) Stats() Stats {
	f.statsMu.Lock()
	s := f.stats
	f.statsMu.Unlock()
	s.Capture = f.source.Stats()
	return s
}

func (f *Feeder) tick() {
	now := time.Now()
	f.statsMu.Lock()
	if elapsed := now.Sub(f.windowT).Seconds(); elapsed > 0 {
		f.stats.FPS = float64(f.windowN) / elapsed
	}
	f.windowN = 0
	f.windowT = now
	f.statsMu.Unlock()

	f.notifyListeners(f.Stats())
}

// Subscribe adds a listener for periodic stats
func (f *Feeder) Subscribe() chan Stats {
	ch := make(chan Stats, 10)
	f.mu.Lock()
	f.listeners = append(f.listeners, ch)
	f.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener
func (f *Feeder) Unsubscribe(ch chan Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, listener := range f.listeners {
		if listener == ch {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (f *Feeder) notifyListeners(s Stats) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.listeners {
		select {
		case ch <- s:
		default:
			// Listener is slow, skip
		}
	}
}
