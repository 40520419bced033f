package display

import (
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/bryanchriswhite/FrameFeed/internal/logger"
)

// Size is a width/height pair in pixels
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Region is an absolute screen rectangle
type Region struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the region into an image.Rectangle in screen coordinates.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Left+r.Width, r.Top+r.Height)
}

func (r Region) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.Left, r.Top)
}

// DisplayQueryError is returned when no primary display can be identified.
type DisplayQueryError struct {
	Source string
	Err    error
}

func (e *DisplayQueryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("display query failed (%s): no primary display", e.Source)
	}
	return fmt.Sprintf("display query failed (%s): %v", e.Source, e.Err)
}

func (e *DisplayQueryError) Unwrap() error { return e.Err }

// PrimaryDisplay reports the size of the primary display
type PrimaryDisplay interface {
	PrimarySize() (Size, error)
	Name() string
}

// CenteredRegion centers a width x height window on base. The x offset moves
// the window right, the y offset moves it up. Truncation happens once, after
// the float computation.
func CenteredRegion(base Size, width, height, xOffset, yOffset int) Region {
	left := float64(base.Width)/2 - float64(width)/2 + float64(xOffset)
	top := float64(base.Height)/2 - float64(height)/2 - float64(yOffset)
	return Region{
		Left:   int(left),
		Top:    int(top),
		Width:  width,
		Height: height,
	}
}

// Resolver translates a desired capture window size into a screen rectangle.
type Resolver struct {
	display PrimaryDisplay
}

// NewResolver creates a resolver backed by the given display source
func NewResolver(d PrimaryDisplay) *Resolver {
	return &Resolver{display: d}
}

// ResolvePrimaryDisplaySize returns the size of the primary display.
func (r *Resolver) ResolvePrimaryDisplaySize() (Size, error) {
	if r == nil || r.display == nil {
		return Size{}, &DisplayQueryError{Source: "none"}
	}
	size, err := r.display.PrimarySize()
	if err != nil {
		return Size{}, err
	}
	if size.Width <= 0 || size.Height <= 0 {
		return Size{}, &DisplayQueryError{
			Source: r.display.Name(),
			Err:    fmt.Errorf("invalid primary display size %dx%d", size.Width, size.Height),
		}
	}
	return size, nil
}

// ComputeCenteredRegion centers the capture window on custom when given,
// otherwise on the primary display.
func (r *Resolver) ComputeCenteredRegion(custom *Size, xOffset, yOffset, width, height int) (Region, error) {
	var base Size
	if custom != nil {
		base = *custom
	} else {
		size, err := r.ResolvePrimaryDisplaySize()
		if err != nil {
			return Region{}, err
		}
		base = size
	}
	return CenteredRegion(base, width, height, xOffset, yOffset), nil
}

// StaticDisplay reports a fixed size (config override, tests)
type StaticDisplay struct {
	Size Size
}

func (s StaticDisplay) PrimarySize() (Size, error) {
	if s.Size.Width <= 0 || s.Size.Height <= 0 {
		return Size{}, &DisplayQueryError{Source: s.Name(), Err: fmt.Errorf("static size not configured")}
	}
	return s.Size, nil
}

func (s StaticDisplay) Name() string { return "static" }

// Chain tries each display source in order and returns the first success.
type Chain []PrimaryDisplay

func (c Chain) PrimarySize() (Size, error) {
	log := logger.WithComponent("display")
	var errs []string
	for _, d := range c {
		size, err := d.PrimarySize()
		if err == nil {
			return size, nil
		}
		log.Debug().Err(err).Str("source", d.Name()).Msg("Display source failed, trying next")
		errs = append(errs, err.Error())
	}
	return Size{}, &DisplayQueryError{Source: c.Name(), Err: fmt.Errorf("%s", strings.Join(errs, "; "))}
}

func (c Chain) Name() string {
	names := make([]string, 0, len(c))
	for _, d := range c {
		names = append(names, d.Name())
	}
	return strings.Join(names, ",")
}

// Cached memoizes the first successful query. Display hot-plug is not tracked;
// Reset drops the cached value (called on config reload).
type Cached struct {
	Source PrimaryDisplay

	mu   sync.Mutex
	size *Size
}

func (c *Cached) PrimarySize() (Size, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size != nil {
		return *c.size, nil
	}
	size, err := c.Source.PrimarySize()
	if err != nil {
		return Size{}, err
	}
	c.size = &size
	return size, nil
}

func (c *Cached) Name() string { return c.Source.Name() }

// Reset forgets the cached size
func (c *Cached) Reset() {
	c.mu.Lock()
	c.size = nil
	c.mu.Unlock()
}

// FromConfig builds the display source for a config value:
// auto, x11, screenshot or static.
func FromConfig(source string, static Size) (PrimaryDisplay, error) {
	switch strings.ToLower(source) {
	case "", "auto":
		chain := Chain{}
		if static.Width > 0 && static.Height > 0 {
			chain = append(chain, StaticDisplay{Size: static})
		}
		chain = append(chain, NewX11Display(), NewScreenshotDisplay())
		return &Cached{Source: chain}, nil
	case "x11":
		return &Cached{Source: NewX11Display()}, nil
	case "screenshot":
		return &Cached{Source: NewScreenshotDisplay()}, nil
	case "static":
		return StaticDisplay{Size: static}, nil
	default:
		return nil, fmt.Errorf("unknown display source %q (use: auto, x11, screenshot, static)", source)
	}
}
