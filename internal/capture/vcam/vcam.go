package vcam

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bryanchriswhite/FrameFeed/internal/capture"
	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"gocv.io/x/gocv"
)

var apis = map[string]gocv.VideoCaptureAPI{
	"any":          gocv.VideoCaptureAny,
	"v4l2":         gocv.VideoCaptureV4L2,
	"v4l":          gocv.VideoCaptureV4L2,
	"dshow":        gocv.VideoCaptureDshow,
	"msmf":         gocv.VideoCaptureMSMF,
	"avfoundation": gocv.VideoCaptureAVFoundation,
	"gstreamer":    gocv.VideoCaptureGstreamer,
	"ffmpeg":       gocv.VideoCaptureFFmpeg,
}

// ParseAPI maps a capture API name (v4l2, dshow, ...) onto its OpenCV id
func ParseAPI(name string) (gocv.VideoCaptureAPI, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return gocv.VideoCaptureAny, nil
	}
	api, ok := apis[name]
	if !ok {
		return 0, fmt.Errorf("unknown capture API %q", name)
	}
	return api, nil
}

// APIName is the reverse of ParseAPI
func APIName(api gocv.VideoCaptureAPI) string {
	for name, id := range apis {
		if id == api && name != "v4l" {
			return name
		}
	}
	return strconv.Itoa(int(api))
}

// Backend opens virtual camera devices
type Backend struct{}

// New creates a virtual camera backend
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string { return "virtual-camera" }

// Open resolves the camera id (probing when it is "auto"), opens the
// device and requests the configured size and frame rate.
func (b *Backend) Open(ctx context.Context, s capture.Settings) (capture.Handle, error) {
	s = s.Normalized()
	log := logger.WithComponent("vcam")

	api, err := ParseAPI(s.CameraAPI)
	if err != nil {
		return nil, err
	}

	var index int
	if s.CameraID == capture.CameraAuto {
		if api == gocv.VideoCaptureAny {
			return nil, fmt.Errorf("camera id %q needs a specific capture API, got %q", capture.CameraAuto, s.CameraAPI)
		}
		index, err = findDevice(ctx, s.ProbeLimit, api)
		if err != nil {
			return nil, err
		}
		log.Info().Int("index", index).Str("api", APIName(api)).Msg("Found virtual camera")
	} else {
		index, err = strconv.Atoi(s.CameraID)
		if err != nil {
			return nil, fmt.Errorf("invalid camera id %q: %w", s.CameraID, err)
		}
	}

	cam, err := gocv.OpenVideoCaptureWithAPI(index, api)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %d: %w", index, err)
	}
	if !cam.IsOpened() {
		cam.Close()
		return nil, fmt.Errorf("camera %d did not open", index)
	}

	// Devices are free to ignore these
	cam.Set(gocv.VideoCaptureFrameWidth, float64(s.RegionWidth))
	cam.Set(gocv.VideoCaptureFrameHeight, float64(s.RegionHeight))
	cam.Set(gocv.VideoCaptureFPS, float64(s.TargetFPS))

	log.Info().
		Int("index", index).
		Int("width", int(cam.Get(gocv.VideoCaptureFrameWidth))).
		Int("height", int(cam.Get(gocv.VideoCaptureFrameHeight))).
		Float64("fps", cam.Get(gocv.VideoCaptureFPS)).
		Msg("Virtual camera opened")

	return &handle{
		cam: cam,
		raw: gocv.NewMat(),
		bgr: gocv.NewMat(),
	}, nil
}

type handle struct {
	cam *gocv.VideoCapture
	raw gocv.Mat
	bgr gocv.Mat
}

// CaptureOne performs a blocking read. A failed read yields nil and keeps
// the device open.
func (h *handle) CaptureOne() *capture.Frame {
	if ok := h.cam.Read(&h.raw); !ok || h.raw.Empty() {
		return nil
	}

	src := h.raw
	switch h.raw.Channels() {
	case 4:
		gocv.CvtColor(h.raw, &h.bgr, gocv.ColorBGRAToBGR)
		src = h.bgr
	case 1:
		gocv.CvtColor(h.raw, &h.bgr, gocv.ColorGrayToBGR)
		src = h.bgr
	}

	return &capture.Frame{
		Width:  src.Cols(),
		Height: src.Rows(),
		Pix:    src.ToBytes(),
	}
}

func (h *handle) Close() error {
	h.raw.Close()
	h.bgr.Close()
	return h.cam.Close()
}

// ProbeResult describes one device found while probing
type ProbeResult struct {
	Index  int    `json:"index"`
	API    string `json:"api"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Probe opens indices 0..limit-1 with api and reports every device that opened
func Probe(ctx context.Context, limit int, api gocv.VideoCaptureAPI) []ProbeResult {
	var results []ProbeResult
	for i := 0; i < limit && ctx.Err() == nil; i++ {
		if r, ok := probeOne(i, api); ok {
			results = append(results, r)
		}
	}
	return results
}

func probeOne(index int, api gocv.VideoCaptureAPI) (ProbeResult, bool) {
	cam, err := gocv.OpenVideoCaptureWithAPI(index, api)
	if err != nil {
		return ProbeResult{}, false
	}
	defer cam.Close()
	if !cam.IsOpened() {
		return ProbeResult{}, false
	}
	return ProbeResult{
		Index:  index,
		API:    APIName(gocv.VideoCaptureAPI(cam.Get(gocv.VideoCaptureBackend))),
		Width:  int(cam.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(cam.Get(gocv.VideoCaptureFrameHeight)),
	}, true
}

// findDevice returns the first index whose reported backend is api. With
// VideoCaptureAny every device that opens matches.
func findDevice(ctx context.Context, limit int, api gocv.VideoCaptureAPI) (int, error) {
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		r, ok := probeOne(i, api)
		if !ok {
			continue
		}
		if api == gocv.VideoCaptureAny || r.API == APIName(api) {
			return r.Index, nil
		}
	}
	return 0, &capture.DeviceNotFoundError{API: APIName(api), Probed: limit}
}
