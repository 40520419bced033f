package mask

import (
	"math"
	"strings"
	"sync"

	"github.com/bryanchriswhite/FrameFeed/internal/capture"
)

// Sides a zone can be blocked from
const (
	SideLeft  = "left"
	SideRight = "right"
)

// Mask is a single-channel occlusion mask; 255 marks a blocked pixel.
// Masks returned by a Builder are shared and must not be modified.
type Mask struct {
	Width  int
	Height int
	Pix    []byte
}

// Blocked reports whether the pixel at (x, y) is masked out
func (m *Mask) Blocked(x, y int) bool {
	return m.Pix[y*m.Width+x] != 0
}

// Count returns the number of blocked pixels
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

type cacheKey struct {
	height int
	width  int
	side   string
	zone   float64
	circle bool
}

// Builder computes and memoizes detection masks
type Builder struct {
	circleDefault func() bool
	cache         sync.Map // cacheKey -> *Mask
}

// NewBuilder creates a builder. circleDefault supplies the circle capture
// setting when a caller does not override it; nil means false.
func NewBuilder(circleDefault func() bool) *Builder {
	if circleDefault == nil {
		circleDefault = func() bool { return false }
	}
	return &Builder{circleDefault: circleDefault}
}

// NormalizeSide maps anything other than "right" onto "left"
func NormalizeSide(side string) string {
	if strings.ToLower(strings.TrimSpace(side)) == SideRight {
		return SideRight
	}
	return SideLeft
}

// ClampZone clamps the zone fraction into [0, 1]. NaN counts as 0.
func ClampZone(zone float64) float64 {
	if math.IsNaN(zone) || zone <= 0 {
		return 0
	}
	if zone > 1 {
		return 1
	}
	return zone
}

// Get returns the mask for a frame of width x height blocking zone of the
// width from side. circle overrides the builder's circle capture default.
// A zone of 0 returns nil and nothing is cached.
func (b *Builder) Get(width, height int, side string, zone float64, circle *bool) *Mask {
	zone = ClampZone(zone)
	if zone == 0 || width <= 0 || height <= 0 {
		return nil
	}
	side = NormalizeSide(side)

	useCircle := b.circleDefault()
	if circle != nil {
		useCircle = *circle
	}

	key := cacheKey{height: height, width: width, side: side, zone: zone, circle: useCircle}
	if m, ok := b.cache.Load(key); ok {
		return m.(*Mask)
	}

	m := build(width, height, side, zone, useCircle)
	actual, _ := b.cache.LoadOrStore(key, m)
	return actual.(*Mask)
}

// Apply returns a copy of frame with the masked pixels zeroed, or frame
// itself when nothing is masked. The input is never modified.
func (b *Builder) Apply(frame *capture.Frame, side string, zone float64) *capture.Frame {
	if frame == nil {
		return nil
	}
	m := b.Get(frame.Width, frame.Height, side, zone, nil)
	if m == nil {
		return frame
	}

	out := frame.Clone()
	for i, v := range m.Pix {
		if v != 0 {
			out.Pix[i*3] = 0
			out.Pix[i*3+1] = 0
			out.Pix[i*3+2] = 0
		}
	}
	return out
}

// Len returns the number of cached masks
func (b *Builder) Len() int {
	n := 0
	b.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ConvertToCircle returns a copy of frame with everything outside the
// inscribed ellipse zeroed.
func ConvertToCircle(frame *capture.Frame) *capture.Frame {
	if frame == nil {
		return nil
	}
	out := frame.Clone()
	cx, cy, rx, ry := ellipseParams(frame.Width, frame.Height)
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			if !insideEllipse(x, y, cx, cy, rx, ry) {
				i := (y*frame.Width + x) * 3
				out.Pix[i] = 0
				out.Pix[i+1] = 0
				out.Pix[i+2] = 0
			}
		}
	}
	return out
}

func build(width, height int, side string, zone float64, circle bool) *Mask {
	m := &Mask{Width: width, Height: height, Pix: make([]byte, width*height)}

	var x0, x1 int
	if side == SideRight {
		x0, x1 = int(float64(width)*(1-zone)), width
	} else {
		x0, x1 = 0, int(float64(width)*zone)
	}

	cx, cy, rx, ry := ellipseParams(width, height)
	for y := 0; y < height; y++ {
		row := y * width
		for x := x0; x < x1; x++ {
			if circle && !insideEllipse(x, y, cx, cy, rx, ry) {
				continue
			}
			m.Pix[row+x] = 255
		}
	}
	return m
}

// ellipse centered at (w/2, h/2) with semi-axes (w/2, h/2), integer halves
func ellipseParams(width, height int) (cx, cy, rx, ry int) {
	return width / 2, height / 2, width / 2, height / 2
}

func insideEllipse(x, y, cx, cy, rx, ry int) bool {
	if rx == 0 || ry == 0 {
		return x == cx && y == cy
	}
	dx := float64(x-cx) / float64(rx)
	dy := float64(y-cy) / float64(ry)
	return dx*dx+dy*dy <= 1
}
