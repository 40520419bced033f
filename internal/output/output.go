package output

import (
	"github.com/bryanchriswhite/FrameFeed/internal/capture"
)

// Output receives every frame the feeder takes off the capture queue.
// Implementations must not modify the frame.
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame hands a BGR frame to the output
	WriteFrame(frame *capture.Frame) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds the preview encoding options
type Config struct {
	Quality  int
	MaxWidth int
	Annotate bool

	// Label is drawn before the sequence number when Annotate is set
	Label func() string
}
