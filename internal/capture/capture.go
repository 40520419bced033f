package capture

import (
	"context"
	"fmt"
	"strings"

	"github.com/bryanchriswhite/FrameFeed/internal/display"
)

// Method identifies one of the mutually exclusive capture strategies
type Method int

const (
	// MethodNone means no capture method flag is selected
	MethodNone Method = iota
	// MethodDuplication duplicates the display frame buffer through a GStreamer pipeline
	MethodDuplication
	// MethodVirtualCamera reads from a virtual video device
	MethodVirtualCamera
	// MethodRegionGrab snapshots a screen rectangle on every call
	MethodRegionGrab
)

func (m Method) String() string {
	switch m {
	case MethodDuplication:
		return "duplication"
	case MethodVirtualCamera:
		return "virtual_camera"
	case MethodRegionGrab:
		return "region_grab"
	default:
		return "none"
	}
}

// ParseMethod maps a method name back onto a Method
func ParseMethod(name string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return MethodNone, nil
	case "duplication":
		return MethodDuplication, nil
	case "virtual_camera", "vcam":
		return MethodVirtualCamera, nil
	case "region_grab", "grab":
		return MethodRegionGrab, nil
	default:
		return MethodNone, fmt.Errorf("unknown capture method %q", name)
	}
}

// State is the coordinator lifecycle state
type State int

const (
	StateUninitialized State = iota
	StateDuplicationActive
	StateVirtualCameraActive
	StateRegionGrabActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDuplicationActive:
		return "duplication_active"
	case StateVirtualCameraActive:
		return "virtual_camera_active"
	case StateRegionGrabActive:
		return "region_grab_active"
	case StateStopped:
		return "stopped"
	default:
		return "uninitialized"
	}
}

func activeState(m Method) State {
	switch m {
	case MethodDuplication:
		return StateDuplicationActive
	case MethodVirtualCamera:
		return StateVirtualCameraActive
	case MethodRegionGrab:
		return StateRegionGrabActive
	default:
		return StateUninitialized
	}
}

const (
	// MinBufferLen is the smallest duplication ring buffer accepted
	MinBufferLen = 16
	// DefaultProbeLimit is how many camera indices auto-probe tries
	DefaultProbeLimit = 20
	// CameraAuto selects auto-probing instead of a fixed index
	CameraAuto = "auto"
)

// Settings is the capture configuration snapshot, re-read on every
// reconciliation.
type Settings struct {
	Method Method

	RegionWidth  int
	RegionHeight int
	TargetFPS    int

	// Duplication
	DeviceIndex       int
	OutputIndex       int
	DuplicationSource string
	BufferLen         int

	// Virtual camera
	CameraID          string
	CameraAPI         string
	ProbeLimit        int
	ReopenAfterMisses int

	// Region grab
	GrabDriver string

	OffsetX      int
	OffsetY      int
	CustomRegion *display.Size
}

// Normalized fills zero values with their defaults
func (s Settings) Normalized() Settings {
	if s.BufferLen < MinBufferLen {
		s.BufferLen = MinBufferLen
	}
	if s.ProbeLimit <= 0 {
		s.ProbeLimit = DefaultProbeLimit
	}
	if s.CameraID == "" {
		s.CameraID = CameraAuto
	}
	if s.GrabDriver == "" {
		s.GrabDriver = "auto"
	}
	if s.DuplicationSource == "" {
		s.DuplicationSource = "x11"
	}
	return s
}

// SettingsSource hands out the current capture settings
type SettingsSource interface {
	CaptureSettings() Settings
}

// SettingsFunc adapts a plain function to SettingsSource
type SettingsFunc func() Settings

func (f SettingsFunc) CaptureSettings() Settings { return f() }

// Backend opens capture handles for one method
type Backend interface {
	// Name returns a human-readable name for this backend
	Name() string

	// Open acquires the native capture resource. It must not return until
	// the handle is able to produce frames.
	Open(ctx context.Context, s Settings) (Handle, error)
}

// Handle is a live capture session owned by the coordinator
type Handle interface {
	// CaptureOne returns one BGR frame, or nil when none is available.
	// Failures are never reported as errors.
	CaptureOne() *Frame

	// Close releases the native resource
	Close() error
}

// Rebinder is implemented by handles that can move their capture rectangle
// without a close/open cycle.
type Rebinder interface {
	Rebind(s Settings) error
}
