package capture

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultFrameTimeout is how long GetNewFrame waits
	DefaultFrameTimeout = time.Second

	defaultIdleWait = 10 * time.Millisecond
)

// Coordinator owns the single active capture handle, runs the acquisition
// loop and publishes frames through a single-slot queue.
type Coordinator struct {
	source   SettingsSource
	backends map[Method]Backend
	queue    *FrameQueue
	log      *zerolog.Logger

	frameTimeout time.Duration
	idleWait     time.Duration

	// mu guards everything below; the acquisition loop holds it around
	// every CaptureOne call.
	mu      sync.Mutex
	ctx     context.Context
	state   State
	current Method
	handle  Handle
	applied Settings
	session uuid.UUID
	misses  int
	// looping is set once the acquisition goroutine is launched
	looping bool

	// view mirrors state/current/session for readers that must not wait
	// on a blocking CaptureOne
	view atomic.Pointer[stateView]

	started  atomic.Bool
	quitOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	seq      atomic.Uint64
	stats    counters
}

type stateView struct {
	state   State
	method  Method
	session uuid.UUID
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithFrameTimeout overrides how long GetNewFrame waits
func WithFrameTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.frameTimeout = d }
}

// WithIdleWait sets how long the loop sleeps while no handle is open
func WithIdleWait(d time.Duration) Option {
	return func(c *Coordinator) { c.idleWait = d }
}

// New creates a coordinator. Nothing is opened until Start.
func New(source SettingsSource, backends map[Method]Backend, opts ...Option) *Coordinator {
	c := &Coordinator{
		source:       source,
		backends:     backends,
		queue:        NewFrameQueue(),
		log:          logger.WithComponent("capture"),
		frameTimeout: DefaultFrameTimeout,
		idleWait:     defaultIdleWait,
		ctx:          context.Background(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.publish()
	return c
}

// publish refreshes the lock-free view. Caller holds mu (or owns c).
func (c *Coordinator) publish() {
	c.view.Store(&stateView{state: c.state, method: c.current, session: c.session})
}

// Start reads the settings once, opens the selected backend and launches
// the acquisition goroutine. An open failure is returned, but the loop is
// still started so a later Restart can recover. Once Quit has run, Start
// returns ErrStopped and launches nothing.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("capture coordinator already started")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return ErrStopped
	}
	if ctx != nil {
		c.ctx = ctx
	}

	settings := c.source.CaptureSettings()
	var err error
	if settings.Method == MethodNone {
		err = ErrNoMethodSelected
	} else {
		err = c.activate(settings)
	}

	// Launched under mu so Quit either sees looping or marks the
	// coordinator stopped before we get here.
	c.looping = true
	go c.loop()

	if err != nil {
		c.log.Error().Err(err).Msg("Capture backend failed to start, waiting for restart")
	}
	return err
}

// Restart reconciles the active backend with the current settings. Failures
// are logged and leave the last working backend in place; the error is
// returned for callers that want to report it.
func (c *Coordinator) Restart() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopped {
		return ErrStopped
	}
	c.stats.restarts.Add(1)

	desired := c.source.CaptureSettings()
	if desired.Method == MethodNone {
		desired.Method = c.current
	}
	if desired.Method == MethodNone {
		c.log.Debug().Msg("No capture method selected, nothing to reconcile")
		return nil
	}

	if desired.Method != c.current {
		prev := c.current
		prevSettings := c.applied

		c.deactivate()
		if err := c.activate(desired); err != nil {
			c.log.Error().Err(err).Str("method", desired.Method.String()).Msg("Failed to switch capture method")
			c.recover(prev, prevSettings)
			return err
		}
		c.log.Info().
			Str("from", prev.String()).
			Str("to", desired.Method.String()).
			Msg("Capture method changed")
		return nil
	}

	act, changed := diffSettings(c.current, c.applied, desired)
	switch act {
	case actionNone:
		c.applied = desired
		return nil
	case actionRebind:
		if rb, ok := c.handle.(Rebinder); ok {
			err := rb.Rebind(desired)
			if err == nil {
				c.applied = desired
				c.log.Info().Strs("changed", changed).Str("method", c.current.String()).Msg("Capture region rebound")
				return nil
			}
			c.log.Warn().Err(err).Msg("Rebind failed, reopening backend")
		}
	}

	c.log.Info().
		Strs("changed", changed).
		Str("method", c.current.String()).
		Msg("Capture settings changed, reopening backend")
	return c.reopen(desired)
}

// reopen closes and reopens the current method. Caller holds mu.
func (c *Coordinator) reopen(desired Settings) error {
	prev := c.current
	prevSettings := c.applied

	c.deactivate()
	if err := c.activate(desired); err != nil {
		c.log.Error().Err(err).Str("method", desired.Method.String()).Msg("Failed to reopen capture backend")
		c.recover(prev, prevSettings)
		return err
	}
	return nil
}

// recover reopens the last working configuration. Caller holds mu.
func (c *Coordinator) recover(prev Method, prevSettings Settings) {
	if prev == MethodNone {
		return
	}
	if err := c.activate(prevSettings); err != nil {
		c.log.Error().Err(err).Str("method", prev.String()).Msg("Failed to restore previous capture backend")
		return
	}
	c.log.Warn().Str("method", prev.String()).Msg("Restored previous capture backend")
}

// activate opens the backend for s.Method. Caller holds mu and has closed
// any previous handle.
func (c *Coordinator) activate(s Settings) error {
	backend, ok := c.backends[s.Method]
	if !ok || backend == nil {
		return &BackendInitError{Method: s.Method, Err: errors.New("no backend registered")}
	}

	h, err := backend.Open(c.ctx, s)
	if err != nil {
		return wrapInitError(s.Method, err)
	}
	if h == nil {
		return &BackendInitError{Method: s.Method, Err: errors.New("backend returned no handle")}
	}

	c.handle = h
	c.current = s.Method
	c.applied = s
	c.state = activeState(s.Method)
	c.session = uuid.New()
	c.misses = 0
	c.publish()

	c.log.Info().
		Str("method", s.Method.String()).
		Str("backend", backend.Name()).
		Str("session", c.session.String()).
		Int("width", s.RegionWidth).
		Int("height", s.RegionHeight).
		Int("fps", s.TargetFPS).
		Msg("Capture backend opened")
	return nil
}

// deactivate closes the live handle, swallowing close errors. Caller holds mu.
func (c *Coordinator) deactivate() {
	if c.handle != nil {
		if err := c.handle.Close(); err != nil {
			c.log.Warn().Err(err).Str("session", c.session.String()).Msg("Error closing capture backend")
		} else {
			c.log.Debug().Str("session", c.session.String()).Msg("Capture backend closed")
		}
	}
	c.handle = nil
	c.current = MethodNone
	c.state = StateUninitialized
	c.session = uuid.Nil
	c.misses = 0
	c.publish()
}

func (c *Coordinator) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	logTicker := time.NewTicker(statsLogInterval)
	defer logTicker.Stop()

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		c.mu.Lock()
		h := c.handle
		if h == nil {
			c.mu.Unlock()
			select {
			case <-c.stop:
				return
			case <-time.After(c.idleWait):
			}
			continue
		}

		start := time.Now()
		frame := h.CaptureOne()
		if frame == nil {
			c.stats.misses.Add(1)
			c.misses++
			c.maybeEscalate()
		} else {
			c.misses = 0
		}
		c.mu.Unlock()

		if frame == nil {
			runtime.Gosched()
			continue
		}

		// Backends may still hold the frame (the duplication ring), so the
		// sequence goes on a copy. Pix is shared and never written.
		out := *frame
		out.Seq = c.seq.Add(1)
		evicted := c.queue.Put(&out)
		c.stats.recordCapture(time.Since(start), evicted)

		select {
		case <-logTicker.C:
			c.logStats()
		default:
		}
	}
}

// maybeEscalate reopens the virtual camera after too many consecutive
// misses. Caller holds mu.
func (c *Coordinator) maybeEscalate() {
	limit := c.applied.ReopenAfterMisses
	if c.current != MethodVirtualCamera || limit <= 0 || c.misses < limit {
		return
	}
	c.log.Warn().Int("misses", c.misses).Msg("Virtual camera produced no frames, reopening")
	c.stats.escalations.Add(1)
	_ = c.reopen(c.applied)
}

func (c *Coordinator) logStats() {
	s := c.Stats()
	c.log.Debug().
		Uint64("captures", s.Captures).
		Uint64("misses", s.Misses).
		Uint64("dropped", s.Dropped).
		Dur("avg_capture", s.AvgCapture).
		Msg("capture.stats")
}

// Quit stops the acquisition loop, closes the active handle and waits for
// the loop to exit. Safe to call more than once.
func (c *Coordinator) Quit() {
	c.quitOnce.Do(func() {
		close(c.stop)

		c.mu.Lock()
		c.deactivate()
		c.state = StateStopped
		c.publish()
		looping := c.looping
		c.mu.Unlock()

		if looping {
			<-c.done
		}
		c.log.Info().Msg("Capture stopped")
	})
}

// GetNewFrame waits up to the frame timeout for the next frame. It
// returns nil on timeout.
func (c *Coordinator) GetNewFrame() *Frame {
	return c.queue.Get(c.frameTimeout)
}

// GetNewFrameContext waits for the next frame until ctx is done
func (c *Coordinator) GetNewFrameContext(ctx context.Context) (*Frame, error) {
	return c.queue.GetContext(ctx)
}

// State returns the lifecycle state
func (c *Coordinator) State() State {
	return c.view.Load().state
}

// Method returns the active method, MethodNone when nothing is open
func (c *Coordinator) Method() Method {
	return c.view.Load().method
}

// Applied returns the settings the live handle was built from
func (c *Coordinator) Applied() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// Stats returns counters and the current state
func (c *Coordinator) Stats() Stats {
	v := c.view.Load()
	s := Stats{
		State:  v.state.String(),
		Method: v.method.String(),
	}
	if v.session != uuid.Nil {
		s.Session = v.session.String()
	}

	c.stats.fill(&s)
	s.Sequence = c.seq.Load()
	return s
}

// String is used in log lines
func (s Settings) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %dx%d@%d", s.Method, s.RegionWidth, s.RegionHeight, s.TargetFPS)
	if s.CustomRegion != nil {
		fmt.Fprintf(&b, " within %dx%d", s.CustomRegion.Width, s.CustomRegion.Height)
	}
	if s.OffsetX != 0 || s.OffsetY != 0 {
		fmt.Fprintf(&b, " offset %d,%d", s.OffsetX, s.OffsetY)
	}
	return b.String()
}
