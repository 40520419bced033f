package duplication

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/FrameFeed/internal/capture"
	"github.com/bryanchriswhite/FrameFeed/internal/display"
	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"github.com/godbus/dbus/v5"
)

func TestDescribeX11(t *testing.T) {
	s := capture.Settings{
		RegionWidth:       320,
		RegionHeight:      320,
		TargetFPS:         60,
		DeviceIndex:       1,
		OutputIndex:       0,
		DuplicationSource: SourceX11,
		BufferLen:         4,
	}
	region := display.Region{Left: 800, Top: 380, Width: 320, Height: 320}

	got := Describe(s, region, 0)
	want := "ximagesrc display-name=:1 screen-num=0 startx=800 starty=380 endx=1119 endy=699 use-damage=false" +
		" ! videoconvert ! videorate ! video/x-raw,format=BGR,framerate=60/1" +
		" ! appsink name=sink emit-signals=false max-buffers=16 drop=true"
	if got != want {
		t.Errorf("Describe =\n%s\nwant\n%s", got, want)
	}
}

func TestDescribePipeWire(t *testing.T) {
	s := capture.Settings{TargetFPS: 144, DuplicationSource: SourcePipeWire, BufferLen: 32}
	got := Describe(s, display.Region{}, 57)
	if !strings.HasPrefix(got, "pipewiresrc path=57 ") {
		t.Errorf("unexpected source in %q", got)
	}
	if !strings.Contains(got, "framerate=144/1") || !strings.Contains(got, "max-buffers=32") {
		t.Errorf("missing caps in %q", got)
	}
}

func TestFrameFromBGR(t *testing.T) {
	// 3x2 image, stride padded to 12
	stride := bgrStride(3)
	if stride != 12 {
		t.Fatalf("stride = %d", stride)
	}
	data := make([]byte, stride*2)
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			data[y*stride+x*3] = byte(10*y + x)
		}
	}

	f := FrameFromBGR(data, 3, 2, stride, image.Rectangle{})
	if f.Width != 3 || f.Height != 2 || len(f.Pix) != 18 {
		t.Fatalf("frame = %dx%d len %d", f.Width, f.Height, len(f.Pix))
	}
	if f.Pix[3*3] != 10 {
		t.Errorf("row padding not skipped: %v", f.Pix)
	}

	cropped := FrameFromBGR(data, 3, 2, stride, image.Rect(1, 1, 10, 10))
	if cropped.Width != 2 || cropped.Height != 1 {
		t.Fatalf("cropped = %dx%d", cropped.Width, cropped.Height)
	}
	if cropped.Pix[0] != 11 || cropped.Pix[3] != 12 {
		t.Errorf("cropped pix = %v", cropped.Pix)
	}

	if FrameFromBGR(data, 3, 2, stride, image.Rect(5, 5, 8, 8)) != nil {
		t.Error("crop outside the image should yield nil")
	}
	if FrameFromBGR(data[:5], 3, 2, stride, image.Rectangle{}) != nil {
		t.Error("short buffer should yield nil")
	}
}

func TestCaptureOneReturnsEachFrameOnce(t *testing.T) {
	s := &Stream{ring: capture.NewFrameRing(16)}
	if s.CaptureOne() != nil {
		t.Fatal("empty ring should yield nil")
	}

	a, b := capture.NewFrame(1, 1), capture.NewFrame(1, 1)
	s.ring.Push(a)
	if got := s.CaptureOne(); got != a {
		t.Fatal("expected first frame")
	}
	if s.CaptureOne() != nil {
		t.Error("frame returned twice")
	}

	s.ring.Push(capture.NewFrame(1, 1))
	s.ring.Push(b)
	if got := s.CaptureOne(); got != b {
		t.Error("expected newest frame")
	}
}

func TestCloseStopsPollerInsidePull(t *testing.T) {
	s := &Stream{
		ring: capture.NewFrameRing(16),
		log:  logger.WithComponent("duplication"),
		poll: time.Millisecond,
		stop: make(chan struct{}),
	}

	entered := make(chan struct{})
	var pulls atomic.Int32
	pull := func() *capture.Frame {
		if pulls.Add(1) == 1 {
			close(entered)
		}
		// Longer than the tick so Close lands while a pull is in flight
		time.Sleep(3 * time.Millisecond)
		return capture.NewFrame(1, 1)
	}
	s.done.Add(1)
	go s.pollSamples(s.stop, pull)
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while the poller was pulling")
	}

	if s.running() {
		t.Error("stream still reports running after Close")
	}
	after := pulls.Load()
	time.Sleep(10 * time.Millisecond)
	if pulls.Load() != after {
		t.Error("poller kept pulling after Close")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestPollInterval(t *testing.T) {
	if d := pollInterval(50); d.Milliseconds() != 10 {
		t.Errorf("pollInterval(50) = %s", d)
	}
	if d := pollInterval(0); d.Milliseconds() != 16 {
		t.Errorf("pollInterval(0) = %s", d)
	}
	if d := pollInterval(100000); d.Milliseconds() != 1 {
		t.Errorf("pollInterval(100000) = %s", d)
	}
}

type fakeShare struct {
	err    error
	closed int
}

func (f *fakeShare) StartScreenShare(context.Context) (uint32, error) { return 0, f.err }
func (f *fakeShare) Close() error                                      { f.closed++; return nil }

func TestOpenValidatesBeforeStarting(t *testing.T) {
	b := New(display.NewResolver(display.StaticDisplay{Size: display.Size{Width: 1920, Height: 1080}}))
	share := &fakeShare{err: errors.New("denied")}
	b.newPortal = func() (screenShare, error) { return share, nil }

	s := capture.Settings{RegionWidth: 320, RegionHeight: 320, TargetFPS: 60, DuplicationSource: SourcePipeWire}
	if _, err := b.Open(context.Background(), s); err == nil {
		t.Error("expected portal error")
	}
	if share.closed != 1 {
		t.Errorf("portal closed %d times, want 1", share.closed)
	}

	s.DuplicationSource = "wayland"
	if _, err := b.Open(context.Background(), s); err == nil {
		t.Error("expected unknown source error")
	}

	s.DuplicationSource = SourceX11
	s.TargetFPS = 0
	if _, err := b.Open(context.Background(), s); err == nil {
		t.Error("expected fps error")
	}
}

func TestParseNodeID(t *testing.T) {
	props := map[string]dbus.Variant{}
	if n, err := parseNodeID([][]interface{}{{uint32(42), props}}); err != nil || n != 42 {
		t.Errorf("got %d, %v", n, err)
	}
	if n, err := parseNodeID([]interface{}{[]interface{}{uint32(7), props}}); err != nil || n != 7 {
		t.Errorf("got %d, %v", n, err)
	}
	if _, err := parseNodeID(nil); err == nil {
		t.Error("expected error for missing streams")
	}
	if _, err := parseNodeID("bogus"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestParseResponse(t *testing.T) {
	if _, err := parseResponse("Start", []interface{}{uint32(1), map[string]dbus.Variant{}}); err == nil {
		t.Error("expected denial")
	}
	res, err := parseResponse("Start", []interface{}{uint32(0), map[string]dbus.Variant{"x": dbus.MakeVariant(1)}})
	if err != nil || len(res) != 1 {
		t.Errorf("res=%v err=%v", res, err)
	}
}

func TestRestoreTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.yaml")
	if got := loadRestoreToken(path); got != "" {
		t.Errorf("missing file gave %q", got)
	}
	if err := saveRestoreToken(path, "abc"); err != nil {
		t.Fatal(err)
	}
	if got := loadRestoreToken(path); got != "abc" {
		t.Errorf("token = %q", got)
	}
}
