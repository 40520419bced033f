package grab

import (
	"fmt"

	"github.com/bryanchriswhite/FrameFeed/internal/capture"
	"github.com/bryanchriswhite/FrameFeed/internal/display"
	"github.com/kbinani/screenshot"
)

// screenshotGrabber uses the portable screenshot library, which opens and
// closes its own native resources per call.
type screenshotGrabber struct{}

func newScreenshotGrabber() (*screenshotGrabber, error) {
	if screenshot.NumActiveDisplays() == 0 {
		return nil, fmt.Errorf("screenshot: no active displays")
	}
	return &screenshotGrabber{}, nil
}

func (g *screenshotGrabber) Name() string { return DriverScreenshot }

func (g *screenshotGrabber) Grab(r display.Region) (*capture.Frame, error) {
	img, err := screenshot.CaptureRect(r.Rect())
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return capture.FrameFromRGBA(img), nil
}

func (g *screenshotGrabber) Close() error { return nil }
