package grab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameFeed/internal/capture"
	"github.com/bryanchriswhite/FrameFeed/internal/display"
	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"github.com/rs/zerolog"
)

// Driver names
const (
	DriverAuto       = "auto"
	DriverX11        = "x11"
	DriverScreenshot = "screenshot"
)

// grabber snapshots screen rectangles. Implementations are not safe for
// use from more than one goroutine.
type grabber interface {
	Name() string
	Grab(r display.Region) (*capture.Frame, error)
	Close() error
}

type openFunc func(driver string) (grabber, error)

// DefaultOpenRetry is how long a session waits after a failed driver open
// before trying again
const DefaultOpenRetry = time.Second

// Backend opens region grab sessions centered by the display resolver
type Backend struct {
	resolver  *display.Resolver
	open      openFunc
	openRetry time.Duration
	now       func() time.Time
}

// New creates a region grab backend
func New(resolver *display.Resolver) *Backend {
	return &Backend{
		resolver:  resolver,
		open:      openDriver,
		openRetry: DefaultOpenRetry,
		now:       time.Now,
	}
}

func (b *Backend) Name() string { return "region-grab" }

// Open computes the capture rectangle. The OS session itself is opened on
// the first CaptureOne so it lives on the capture goroutine's thread.
func (b *Backend) Open(ctx context.Context, s capture.Settings) (capture.Handle, error) {
	s = s.Normalized()
	region, err := b.region(s)
	if err != nil {
		return nil, err
	}
	switch s.GrabDriver {
	case DriverAuto, DriverX11, DriverScreenshot:
	default:
		return nil, fmt.Errorf("unknown region grab driver %q", s.GrabDriver)
	}

	sess := &Session{
		backend: b,
		driver:  s.GrabDriver,
		region:  region,
		log:     logger.WithComponent("region-grab"),
	}
	sess.log.Debug().Str("region", region.String()).Str("driver", s.GrabDriver).Msg("Region grab prepared")
	return sess, nil
}

func (b *Backend) region(s capture.Settings) (display.Region, error) {
	if s.RegionWidth <= 0 || s.RegionHeight <= 0 {
		return display.Region{}, fmt.Errorf("invalid capture size %dx%d", s.RegionWidth, s.RegionHeight)
	}
	return b.resolver.ComputeCenteredRegion(s.CustomRegion, s.OffsetX, s.OffsetY, s.RegionWidth, s.RegionHeight)
}

// Session is a lazily opened region grab handle
type Session struct {
	backend *Backend
	driver  string
	log     *zerolog.Logger

	mu       sync.Mutex
	region   display.Region
	grabber  grabber
	openFail bool
	nextOpen time.Time
}

// Region returns the rectangle currently being captured
func (s *Session) Region() display.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region
}

// CaptureOne grabs the configured rectangle and converts it to BGR
func (s *Session) CaptureOne() *capture.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grabber == nil {
		now := s.backend.now()
		if now.Before(s.nextOpen) {
			return nil
		}
		g, err := s.backend.open(s.driver)
		if err != nil {
			if !s.openFail {
				s.log.Warn().Err(err).Str("driver", s.driver).Dur("retry", s.backend.openRetry).Msg("Failed to open region grab session")
				s.openFail = true
			}
			s.nextOpen = now.Add(s.backend.openRetry)
			return nil
		}
		s.grabber = g
		s.openFail = false
		s.log.Info().Str("driver", g.Name()).Str("region", s.region.String()).Msg("Region grab session opened")
	}

	frame, err := s.grabber.Grab(s.region)
	if err != nil {
		s.log.Debug().Err(err).Msg("Region grab failed")
		return nil
	}
	return frame
}

// Rebind moves the capture rectangle without closing the session
func (s *Session) Rebind(settings capture.Settings) error {
	region, err := s.backend.region(settings)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.region = region
	s.mu.Unlock()
	s.log.Debug().Str("region", region.String()).Msg("Region grab rebound")
	return nil
}

// Close releases the OS session if one was opened
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grabber == nil {
		return nil
	}
	err := s.grabber.Close()
	s.grabber = nil
	return err
}

func openDriver(driver string) (grabber, error) {
	switch driver {
	case DriverX11:
		return newX11Grabber()
	case DriverScreenshot:
		return newScreenshotGrabber()
	default:
		g, err := newX11Grabber()
		if err == nil {
			return g, nil
		}
		sg, serr := newScreenshotGrabber()
		if serr != nil {
			return nil, errors.Join(err, serr)
		}
		return sg, nil
	}
}
