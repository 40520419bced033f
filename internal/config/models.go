package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bryanchriswhite/FrameFeed/internal/capture"
	"github.com/bryanchriswhite/FrameFeed/internal/display"
	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"github.com/bryanchriswhite/FrameFeed/internal/mask"
)

// Config is the persisted application configuration
type Config struct {
	LogLevel   string `mapstructure:"log_level" json:"log_level" yaml:"log_level"`
	ServerPort int    `mapstructure:"server_port" json:"server_port" yaml:"server_port"`

	Detection DetectionConfig `mapstructure:"detection" json:"detection" yaml:"detection"`
	Capture   CaptureConfig   `mapstructure:"capture" json:"capture" yaml:"capture"`
	Display   DisplayConfig   `mapstructure:"display" json:"display" yaml:"display"`
	Preview   PreviewConfig   `mapstructure:"preview" json:"preview" yaml:"preview"`
}

// DetectionConfig describes the capture window and the detection mask
type DetectionConfig struct {
	Width         int  `mapstructure:"width" json:"width" yaml:"width"`
	Height        int  `mapstructure:"height" json:"height" yaml:"height"`
	CircleCapture bool `mapstructure:"circle_capture" json:"circle_capture" yaml:"circle_capture"`
	OffsetX       int  `mapstructure:"offset_x" json:"offset_x" yaml:"offset_x"`
	OffsetY       int  `mapstructure:"offset_y" json:"offset_y" yaml:"offset_y"`
	// CustomWidth/CustomHeight replace the primary display as the area the
	// window is centered in; 0 disables
	CustomWidth  int     `mapstructure:"custom_width" json:"custom_width" yaml:"custom_width"`
	CustomHeight int     `mapstructure:"custom_height" json:"custom_height" yaml:"custom_height"`
	MaskSide     string  `mapstructure:"mask_side" json:"mask_side" yaml:"mask_side"`
	MaskZone     float64 `mapstructure:"mask_zone" json:"mask_zone" yaml:"mask_zone"`
}

// CaptureConfig selects and tunes the capture method
type CaptureConfig struct {
	FPS           int                 `mapstructure:"fps" json:"fps" yaml:"fps"`
	Duplication   DuplicationConfig   `mapstructure:"duplication" json:"duplication" yaml:"duplication"`
	VirtualCamera VirtualCameraConfig `mapstructure:"virtual_camera" json:"virtual_camera" yaml:"virtual_camera"`
	RegionGrab    RegionGrabConfig    `mapstructure:"region_grab" json:"region_grab" yaml:"region_grab"`
}

// DuplicationConfig configures frame-buffer duplication
type DuplicationConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	DeviceIndex int    `mapstructure:"device_index" json:"device_index" yaml:"device_index"`
	OutputIndex int    `mapstructure:"output_index" json:"output_index" yaml:"output_index"`
	Source      string `mapstructure:"source" json:"source" yaml:"source"`
	BufferLen   int    `mapstructure:"buffer_len" json:"buffer_len" yaml:"buffer_len"`
}

// VirtualCameraConfig configures the virtual camera backend
type VirtualCameraConfig struct {
	Enabled           bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	CameraID          string `mapstructure:"camera_id" json:"camera_id" yaml:"camera_id"`
	Backend           string `mapstructure:"backend" json:"backend" yaml:"backend"`
	ProbeLimit        int    `mapstructure:"probe_limit" json:"probe_limit" yaml:"probe_limit"`
	ReopenAfterMisses int    `mapstructure:"reopen_after_misses" json:"reopen_after_misses" yaml:"reopen_after_misses"`
}

// RegionGrabConfig configures region snapshotting
type RegionGrabConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Driver  string `mapstructure:"driver" json:"driver" yaml:"driver"`
}

// DisplayConfig selects how the primary display size is found
type DisplayConfig struct {
	Source string `mapstructure:"source" json:"source" yaml:"source"`
	Width  int    `mapstructure:"width" json:"width" yaml:"width"`
	Height int    `mapstructure:"height" json:"height" yaml:"height"`
}

// PreviewConfig configures the MJPEG preview stream
type PreviewConfig struct {
	Enabled  bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Quality  int  `mapstructure:"quality" json:"quality" yaml:"quality"`
	MaxWidth int  `mapstructure:"max_width" json:"max_width" yaml:"max_width"`
	Annotate bool `mapstructure:"annotate" json:"annotate" yaml:"annotate"`
}

// Defaults returns the configuration built from the key table defaults
func Defaults() *Config {
	cfg := &Config{}
	for _, k := range Keys() {
		k.set(cfg, k.Default)
	}
	return cfg
}

// SelectedMethods lists every capture method whose flag is set
func (c *Config) SelectedMethods() []capture.Method {
	var methods []capture.Method
	if c.Capture.Duplication.Enabled {
		methods = append(methods, capture.MethodDuplication)
	}
	if c.Capture.VirtualCamera.Enabled {
		methods = append(methods, capture.MethodVirtualCamera)
	}
	if c.Capture.RegionGrab.Enabled {
		methods = append(methods, capture.MethodRegionGrab)
	}
	return methods
}

// SelectedMethod returns the selected capture method, MethodNone if no
// flag is set.
func (c *Config) SelectedMethod() capture.Method {
	methods := c.SelectedMethods()
	if len(methods) == 0 {
		return capture.MethodNone
	}
	return methods[0]
}

// SelectMethod sets exactly one method flag, clearing the others
func (c *Config) SelectMethod(m capture.Method) {
	c.Capture.Duplication.Enabled = m == capture.MethodDuplication
	c.Capture.VirtualCamera.Enabled = m == capture.MethodVirtualCamera
	c.Capture.RegionGrab.Enabled = m == capture.MethodRegionGrab
}

// CustomRegion returns the custom centering area, or nil if unset
func (c *Config) CustomRegion() *display.Size {
	if c.Detection.CustomWidth <= 0 || c.Detection.CustomHeight <= 0 {
		return nil
	}
	return &display.Size{Width: c.Detection.CustomWidth, Height: c.Detection.CustomHeight}
}

// CaptureSettings builds the capture snapshot from this configuration
func (c *Config) CaptureSettings() capture.Settings {
	return capture.Settings{
		Method:            c.SelectedMethod(),
		RegionWidth:       c.Detection.Width,
		RegionHeight:      c.Detection.Height,
		TargetFPS:         c.Capture.FPS,
		DeviceIndex:       c.Capture.Duplication.DeviceIndex,
		OutputIndex:       c.Capture.Duplication.OutputIndex,
		DuplicationSource: c.Capture.Duplication.Source,
		BufferLen:         c.Capture.Duplication.BufferLen,
		CameraID:          c.Capture.VirtualCamera.CameraID,
		CameraAPI:         c.Capture.VirtualCamera.Backend,
		ProbeLimit:        c.Capture.VirtualCamera.ProbeLimit,
		ReopenAfterMisses: c.Capture.VirtualCamera.ReopenAfterMisses,
		GrabDriver:        c.Capture.RegionGrab.Driver,
		OffsetX:           c.Detection.OffsetX,
		OffsetY:           c.Detection.OffsetY,
		CustomRegion:      c.CustomRegion(),
	}.Normalized()
}

// Validate checks the configuration. It is run on every load and update;
// an invalid configuration never replaces the active one.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		add("log_level: %v", err)
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		add("server_port: %d out of range", c.ServerPort)
	}

	if c.Detection.Width <= 0 || c.Detection.Height <= 0 {
		add("detection: window size must be positive, got %dx%d", c.Detection.Width, c.Detection.Height)
	}
	if (c.Detection.CustomWidth > 0) != (c.Detection.CustomHeight > 0) {
		add("detection: custom_width and custom_height must be set together")
	}
	if side := strings.ToLower(c.Detection.MaskSide); side != mask.SideLeft && side != mask.SideRight {
		add("detection.mask_side: %q (use left or right)", c.Detection.MaskSide)
	}
	if c.Detection.MaskZone < 0 || c.Detection.MaskZone > 1 {
		add("detection.mask_zone: %v not in [0, 1]", c.Detection.MaskZone)
	}

	if c.Capture.FPS <= 0 {
		add("capture.fps: must be positive, got %d", c.Capture.FPS)
	}
	if methods := c.SelectedMethods(); len(methods) > 1 {
		names := make([]string, len(methods))
		for i, m := range methods {
			names[i] = m.String()
		}
		add("capture: only one method may be enabled, got %s", strings.Join(names, ", "))
	}
	switch c.Capture.Duplication.Source {
	case "x11", "pipewire":
	default:
		add("capture.duplication.source: %q (use x11 or pipewire)", c.Capture.Duplication.Source)
	}
	if c.Capture.Duplication.BufferLen < capture.MinBufferLen {
		add("capture.duplication.buffer_len: must be at least %d", capture.MinBufferLen)
	}
	if id := c.Capture.VirtualCamera.CameraID; id != capture.CameraAuto {
		if n, err := strconv.Atoi(id); err != nil || n < 0 {
			add("capture.virtual_camera.camera_id: %q is neither %q nor a device index", id, capture.CameraAuto)
		}
	}
	if c.Capture.VirtualCamera.CameraID == capture.CameraAuto {
		// Probing with any API would accept the first device, physical or not
		switch strings.ToLower(strings.TrimSpace(c.Capture.VirtualCamera.Backend)) {
		case "", "any":
			add("capture.virtual_camera.backend: probing with camera_id %q needs a specific API", capture.CameraAuto)
		}
	}
	if c.Capture.VirtualCamera.ProbeLimit <= 0 {
		add("capture.virtual_camera.probe_limit: must be positive")
	}
	if c.Capture.VirtualCamera.ReopenAfterMisses < 0 {
		add("capture.virtual_camera.reopen_after_misses: must not be negative")
	}
	switch c.Capture.RegionGrab.Driver {
	case "auto", "x11", "screenshot":
	default:
		add("capture.region_grab.driver: %q (use auto, x11 or screenshot)", c.Capture.RegionGrab.Driver)
	}

	switch c.Display.Source {
	case "auto", "x11", "screenshot":
	case "static":
		if c.Display.Width <= 0 || c.Display.Height <= 0 {
			add("display: static source needs width and height")
		}
	default:
		add("display.source: %q (use auto, x11, screenshot or static)", c.Display.Source)
	}

	if c.Preview.Quality < 1 || c.Preview.Quality > 100 {
		add("preview.quality: %d not in [1, 100]", c.Preview.Quality)
	}
	if c.Preview.MaxWidth < 0 {
		add("preview.max_width: must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
