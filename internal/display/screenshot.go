package display

import (
	"fmt"

	"github.com/kbinani/screenshot"
)

// ScreenshotDisplay uses the portable screenshot library. Display 0 is the
// primary display on every platform it supports.
type ScreenshotDisplay struct{}

// NewScreenshotDisplay creates a portable display source
func NewScreenshotDisplay() ScreenshotDisplay {
	return ScreenshotDisplay{}
}

func (ScreenshotDisplay) Name() string { return "screenshot" }

func (d ScreenshotDisplay) PrimarySize() (Size, error) {
	if n := screenshot.NumActiveDisplays(); n <= 0 {
		return Size{}, &DisplayQueryError{Source: d.Name(), Err: fmt.Errorf("no active displays")}
	}
	bounds := screenshot.GetDisplayBounds(0)
	return Size{Width: bounds.Dx(), Height: bounds.Dy()}, nil
}
