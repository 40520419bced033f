package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind is the value type of a config key
type Kind string

const (
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
	KindFloat  Kind = "float"
	KindString Kind = "string"
)

// LegacyRef locates a key in the old INI settings file
type LegacyRef struct {
	Section string
	Key     string
}

// Key maps one Config field onto its persisted key
type Key struct {
	Name    string
	Kind    Kind
	Default any
	Legacy  *LegacyRef
	Help    string

	get func(*Config) any
	set func(*Config, any)
}

// Get reads the key from cfg
func (k Key) Get(cfg *Config) any { return k.get(cfg) }

func intKey(name string, def int, legacy *LegacyRef, help string, field func(*Config) *int) Key {
	return Key{
		Name: name, Kind: KindInt, Default: def, Legacy: legacy, Help: help,
		get: func(c *Config) any { return *field(c) },
		set: func(c *Config, v any) { *field(c) = v.(int) },
	}
}

func boolKey(name string, def bool, legacy *LegacyRef, help string, field func(*Config) *bool) Key {
	return Key{
		Name: name, Kind: KindBool, Default: def, Legacy: legacy, Help: help,
		get: func(c *Config) any { return *field(c) },
		set: func(c *Config, v any) { *field(c) = v.(bool) },
	}
}

func floatKey(name string, def float64, legacy *LegacyRef, help string, field func(*Config) *float64) Key {
	return Key{
		Name: name, Kind: KindFloat, Default: def, Legacy: legacy, Help: help,
		get: func(c *Config) any { return *field(c) },
		set: func(c *Config, v any) { *field(c) = v.(float64) },
	}
}

func stringKey(name string, def string, legacy *LegacyRef, help string, field func(*Config) *string) Key {
	return Key{
		Name: name, Kind: KindString, Default: def, Legacy: legacy, Help: help,
		get: func(c *Config) any { return *field(c) },
		set: func(c *Config, v any) { *field(c) = v.(string) },
	}
}

func legacy(section, key string) *LegacyRef {
	return &LegacyRef{Section: section, Key: key}
}

// INI sections of the legacy settings file
const (
	sectionDetection = "detection window"
	sectionCapture   = "capture methods"
	sectionAim       = "aim"
)

var keyTable = []Key{
	stringKey("log_level", "info", nil, "log level (trace, debug, info, warn, error)",
		func(c *Config) *string { return &c.LogLevel }),
	intKey("server_port", 8080, nil, "HTTP API port",
		func(c *Config) *int { return &c.ServerPort }),

	intKey("detection.width", 320, legacy(sectionDetection, "detection_window_width"), "capture window width",
		func(c *Config) *int { return &c.Detection.Width }),
	intKey("detection.height", 320, legacy(sectionDetection, "detection_window_height"), "capture window height",
		func(c *Config) *int { return &c.Detection.Height }),
	boolKey("detection.circle_capture", false, legacy(sectionDetection, "circle_capture"), "keep only the inscribed ellipse",
		func(c *Config) *bool { return &c.Detection.CircleCapture }),
	intKey("detection.offset_x", 0, nil, "move the capture window right",
		func(c *Config) *int { return &c.Detection.OffsetX }),
	intKey("detection.offset_y", 0, nil, "move the capture window up",
		func(c *Config) *int { return &c.Detection.OffsetY }),
	intKey("detection.custom_width", 0, nil, "width of the area to center in (0 = primary display)",
		func(c *Config) *int { return &c.Detection.CustomWidth }),
	intKey("detection.custom_height", 0, nil, "height of the area to center in (0 = primary display)",
		func(c *Config) *int { return &c.Detection.CustomHeight }),
	stringKey("detection.mask_side", "left", nil, "side the mask zone is blocked from (left, right)",
		func(c *Config) *string { return &c.Detection.MaskSide }),
	floatKey("detection.mask_zone", 0, legacy(sectionAim, "own_player_filter_zone"), "fraction of the width to mask (0 disables)",
		func(c *Config) *float64 { return &c.Detection.MaskZone }),

	intKey("capture.fps", 60, legacy(sectionCapture, "capture_fps"), "target capture frame rate",
		func(c *Config) *int { return &c.Capture.FPS }),
	boolKey("capture.duplication.enabled", false, legacy(sectionCapture, "bettercam_capture"), "use frame-buffer duplication",
		func(c *Config) *bool { return &c.Capture.Duplication.Enabled }),
	intKey("capture.duplication.device_index", 0, legacy(sectionCapture, "bettercam_gpu_id"), "X display number",
		func(c *Config) *int { return &c.Capture.Duplication.DeviceIndex }),
	intKey("capture.duplication.output_index", 0, legacy(sectionCapture, "bettercam_monitor_id"), "X screen number",
		func(c *Config) *int { return &c.Capture.Duplication.OutputIndex }),
	stringKey("capture.duplication.source", "x11", nil, "duplication source (x11, pipewire)",
		func(c *Config) *string { return &c.Capture.Duplication.Source }),
	intKey("capture.duplication.buffer_len", 16, nil, "duplication ring buffer length",
		func(c *Config) *int { return &c.Capture.Duplication.BufferLen }),
	boolKey("capture.virtual_camera.enabled", false, legacy(sectionCapture, "obs_capture"), "use a virtual camera",
		func(c *Config) *bool { return &c.Capture.VirtualCamera.Enabled }),
	stringKey("capture.virtual_camera.camera_id", "auto", legacy(sectionCapture, "obs_camera_id"), "camera index or auto",
		func(c *Config) *string { return &c.Capture.VirtualCamera.CameraID }),
	stringKey("capture.virtual_camera.backend", "v4l2", nil, "capture API the probed device must report (v4l2, dshow, msmf, avfoundation); any is only allowed with a fixed camera_id",
		func(c *Config) *string { return &c.Capture.VirtualCamera.Backend }),
	intKey("capture.virtual_camera.probe_limit", 20, nil, "camera indices tried when probing",
		func(c *Config) *int { return &c.Capture.VirtualCamera.ProbeLimit }),
	intKey("capture.virtual_camera.reopen_after_misses", 0, nil, "reopen the camera after this many empty reads (0 = never)",
		func(c *Config) *int { return &c.Capture.VirtualCamera.ReopenAfterMisses }),
	boolKey("capture.region_grab.enabled", true, legacy(sectionCapture, "mss_capture"), "use region snapshots",
		func(c *Config) *bool { return &c.Capture.RegionGrab.Enabled }),
	stringKey("capture.region_grab.driver", "auto", nil, "region grab driver (auto, x11, screenshot)",
		func(c *Config) *string { return &c.Capture.RegionGrab.Driver }),

	stringKey("display.source", "auto", nil, "primary display source (auto, x11, screenshot, static)",
		func(c *Config) *string { return &c.Display.Source }),
	intKey("display.width", 0, nil, "static display width",
		func(c *Config) *int { return &c.Display.Width }),
	intKey("display.height", 0, nil, "static display height",
		func(c *Config) *int { return &c.Display.Height }),

	boolKey("preview.enabled", true, nil, "serve the MJPEG preview",
		func(c *Config) *bool { return &c.Preview.Enabled }),
	intKey("preview.quality", 75, nil, "preview JPEG quality",
		func(c *Config) *int { return &c.Preview.Quality }),
	intKey("preview.max_width", 0, nil, "downscale preview frames wider than this (0 = never)",
		func(c *Config) *int { return &c.Preview.MaxWidth }),
	boolKey("preview.annotate", true, nil, "draw method and sequence onto preview frames",
		func(c *Config) *bool { return &c.Preview.Annotate }),
}

var keyIndex = func() map[string]Key {
	idx := make(map[string]Key, len(keyTable))
	for _, k := range keyTable {
		idx[k.Name] = k
	}
	return idx
}()

// Keys returns the key table
func Keys() []Key {
	return keyTable
}

// LookupKey finds a key by its persisted name
func LookupKey(name string) (Key, bool) {
	k, ok := keyIndex[strings.ToLower(strings.TrimSpace(name))]
	return k, ok
}

// KeyNames returns all key names, sorted
func KeyNames() []string {
	names := make([]string, 0, len(keyTable))
	for _, k := range keyTable {
		names = append(names, k.Name)
	}
	sort.Strings(names)
	return names
}

// ParseValue converts a command line string into the key's kind
func (k Key) ParseValue(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch k.Kind {
	case KindInt:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects an integer: %w", k.Name, err)
		}
		return v, nil
	case KindBool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects true or false: %w", k.Name, err)
		}
		return v, nil
	case KindFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s expects a number: %w", k.Name, err)
		}
		return v, nil
	default:
		return raw, nil
	}
}
