package duplication

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameFeed/internal/capture"
	"github.com/bryanchriswhite/FrameFeed/internal/display"
	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"github.com/rs/zerolog"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Duplication sources
const (
	SourceX11      = "x11"
	SourcePipeWire = "pipewire"
)

// DefaultStartTimeout bounds the wait for the pipeline to reach PLAYING
const DefaultStartTimeout = 5 * time.Second

var gstInit sync.Once

// screenShare negotiates a PipeWire node for the pipewire source
type screenShare interface {
	StartScreenShare(ctx context.Context) (uint32, error)
	Close() error
}

// Backend runs a GStreamer pipeline that duplicates the screen into an
// appsink and keeps the newest frames in a ring.
type Backend struct {
	resolver     *display.Resolver
	startTimeout time.Duration
	newPortal    func() (screenShare, error)

	mu   sync.Mutex
	live *Stream
}

// New creates a duplication backend
func New(resolver *display.Resolver) *Backend {
	return &Backend{
		resolver:     resolver,
		startTimeout: DefaultStartTimeout,
		newPortal: func() (screenShare, error) {
			return NewPortal()
		},
	}
}

func (b *Backend) Name() string { return "duplication" }

// Open builds and starts the pipeline. If a stream with the same pipeline
// description is still running it is returned as is.
func (b *Backend) Open(ctx context.Context, s capture.Settings) (capture.Handle, error) {
	s = s.Normalized()
	log := logger.WithComponent("duplication")

	if s.RegionWidth <= 0 || s.RegionHeight <= 0 {
		return nil, fmt.Errorf("invalid capture size %dx%d", s.RegionWidth, s.RegionHeight)
	}
	if s.TargetFPS <= 0 {
		return nil, fmt.Errorf("invalid target fps %d", s.TargetFPS)
	}
	region, err := b.resolver.ComputeCenteredRegion(s.CustomRegion, s.OffsetX, s.OffsetY, s.RegionWidth, s.RegionHeight)
	if err != nil {
		return nil, err
	}

	var (
		portal screenShare
		node   uint32
		crop   image.Rectangle
	)
	switch s.DuplicationSource {
	case SourceX11:
	case SourcePipeWire:
		portal, err = b.newPortal()
		if err != nil {
			return nil, err
		}
		node, err = portal.StartScreenShare(ctx)
		if err != nil {
			portal.Close()
			return nil, err
		}
		// pipewiresrc delivers the whole monitor
		crop = region.Rect()
	default:
		return nil, fmt.Errorf("unknown duplication source %q", s.DuplicationSource)
	}

	desc := Describe(s, region, node)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.live != nil && b.live.running() && b.live.desc == desc {
		if portal != nil {
			portal.Close()
		}
		log.Debug().Msg("Pipeline already running")
		return b.live, nil
	}

	stream, err := startStream(desc, s.BufferLen, s.TargetFPS, crop, b.startTimeout)
	if err != nil {
		if portal != nil {
			portal.Close()
		}
		return nil, err
	}
	stream.portal = portal
	stream.backend = b
	b.live = stream

	log.Info().
		Str("source", s.DuplicationSource).
		Str("region", region.String()).
		Int("fps", s.TargetFPS).
		Int("buffer_len", stream.ring.Cap()).
		Msg("Duplication pipeline started")
	return stream, nil
}

func (b *Backend) release(s *Stream) {
	b.mu.Lock()
	if b.live == s {
		b.live = nil
	}
	b.mu.Unlock()
}

// Describe returns the gst-launch description for the given settings. node
// is only used by the pipewire source.
func Describe(s capture.Settings, region display.Region, node uint32) string {
	var src string
	if s.DuplicationSource == SourcePipeWire {
		src = fmt.Sprintf("pipewiresrc path=%d do-timestamp=true", node)
	} else {
		// endx/endy are inclusive
		src = fmt.Sprintf(
			"ximagesrc display-name=:%d screen-num=%d startx=%d starty=%d endx=%d endy=%d use-damage=false",
			s.DeviceIndex, s.OutputIndex,
			region.Left, region.Top,
			region.Left+region.Width-1, region.Top+region.Height-1,
		)
	}
	buffers := s.BufferLen
	if buffers < capture.MinBufferLen {
		buffers = capture.MinBufferLen
	}
	return strings.Join([]string{
		src,
		"videoconvert",
		"videorate",
		fmt.Sprintf("video/x-raw,format=BGR,framerate=%d/1", s.TargetFPS),
		fmt.Sprintf("appsink name=sink emit-signals=false max-buffers=%d drop=true", buffers),
	}, " ! ")
}

// Stream is a running duplication pipeline
type Stream struct {
	desc    string
	crop    image.Rectangle
	ring    *capture.FrameRing
	backend *Backend
	portal  screenShare
	log     *zerolog.Logger

	pipeline *gst.Pipeline
	sink     *app.Sink
	poll     time.Duration

	mu       sync.Mutex
	returned uint64
	closed   bool
	stop     chan struct{}
	done     sync.WaitGroup
}

func startStream(desc string, bufferLen, fps int, crop image.Rectangle, timeout time.Duration) (*Stream, error) {
	gstInit.Do(func() { gst.Init(nil) })
	log := logger.WithComponent("duplication")
	log.Debug().Str("pipeline", desc).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.Unref()
		return nil, fmt.Errorf("failed to get appsink: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		pipeline.Unref()
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}
	if err := waitPlaying(pipeline, timeout); err != nil {
		pipeline.SetState(gst.StateNull)
		pipeline.Unref()
		return nil, err
	}

	s := &Stream{
		desc:     desc,
		crop:     crop,
		ring:     capture.NewFrameRing(bufferLen),
		log:      log,
		pipeline: pipeline,
		sink:     app.SinkFromElement(sinkElement),
		poll:     pollInterval(fps),
		stop:     make(chan struct{}),
	}
	s.done.Add(1)
	go s.pollSamples(s.stop, s.pullFrame)
	return s, nil
}

func waitPlaying(pipeline *gst.Pipeline, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for pipeline.GetCurrentState() != gst.StatePlaying {
		if time.Now().After(deadline) {
			return fmt.Errorf("pipeline did not reach PLAYING within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// pollInterval polls at twice the target rate
func pollInterval(fps int) time.Duration {
	if fps <= 0 {
		return 16 * time.Millisecond
	}
	d := time.Second / time.Duration(fps*2)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// pollSamples pulls from the appsink instead of using new-sample callbacks.
// stop is passed in so Close never races the poller on the field.
func (s *Stream) pollSamples(stop <-chan struct{}, pull func() *capture.Frame) {
	defer s.done.Done()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if f := pull(); f != nil {
				s.ring.Push(f)
			}
		}
	}
}

func (s *Stream) pullFrame() *capture.Frame {
	// Don't call Unref on the sample, go-gst owns it
	sample := s.sink.TryPullSample(time.Millisecond)
	if sample == nil {
		return nil
	}
	return s.frameFromSample(sample)
}

func (s *Stream) frameFromSample(sample *gst.Sample) *capture.Frame {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil
	}
	caps := sample.GetCaps()
	if caps == nil {
		return nil
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return nil
	}
	width, _ := structure.GetValue("width")
	height, _ := structure.GetValue("height")
	w, ok := width.(int)
	if !ok {
		return nil
	}
	h, ok := height.(int)
	if !ok {
		return nil
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil
	}
	defer buffer.Unmap()

	return FrameFromBGR(mapInfo.Bytes(), w, h, bgrStride(w), s.crop)
}

// bgrStride is the default GStreamer row stride for packed BGR
func bgrStride(width int) int {
	return (width*3 + 3) &^ 3
}

// FrameFromBGR copies packed BGR rows into a frame, cropping to crop when
// it is non-empty. The crop is clipped to the source bounds.
func FrameFromBGR(data []byte, width, height, stride int, crop image.Rectangle) *capture.Frame {
	bounds := image.Rect(0, 0, width, height)
	if crop.Empty() {
		crop = bounds
	}
	crop = crop.Intersect(bounds)
	if crop.Empty() {
		return nil
	}

	f := capture.NewFrame(crop.Dx(), crop.Dy())
	rowLen := crop.Dx() * 3
	for y := 0; y < f.Height; y++ {
		src := (crop.Min.Y+y)*stride + crop.Min.X*3
		if src+rowLen > len(data) {
			return nil
		}
		copy(f.Pix[y*rowLen:(y+1)*rowLen], data[src:src+rowLen])
	}
	return f
}

// CaptureOne returns the newest buffered frame that has not been returned
// yet, or nil. It never blocks on the pipeline.
func (s *Stream) CaptureOne() *capture.Frame {
	frame, total := s.ring.Latest()
	s.mu.Lock()
	defer s.mu.Unlock()
	if frame == nil || total == s.returned {
		return nil
	}
	s.returned = total
	return frame
}

func (s *Stream) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close stops polling and tears the pipeline down
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.stop != nil {
		close(s.stop)
	}
	s.mu.Unlock()

	s.done.Wait()

	var err error
	if s.pipeline != nil {
		err = s.pipeline.SetState(gst.StateNull)
		s.pipeline.Unref()
		s.pipeline = nil
	}
	if s.portal != nil {
		if perr := s.portal.Close(); perr != nil && err == nil {
			err = perr
		}
		s.portal = nil
	}
	if s.backend != nil {
		s.backend.release(s)
	}
	s.log.Info().Msg("Duplication pipeline stopped")
	return err
}
