package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/FrameFeed/internal/capture"
	"github.com/bryanchriswhite/FrameFeed/internal/config"
	"github.com/bryanchriswhite/FrameFeed/internal/display"
	"github.com/bryanchriswhite/FrameFeed/internal/feed"
	"github.com/bryanchriswhite/FrameFeed/internal/output"
	"github.com/gorilla/websocket"
)

type spyController struct {
	mu       sync.Mutex
	restarts int
	err      error
}

func (c *spyController) Restart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarts++
	return c.err
}

func (c *spyController) Stats() capture.Stats {
	return capture.Stats{State: capture.StateRegionGrabActive.String(), Method: "region_grab"}
}

func (c *spyController) Applied() capture.Settings { return capture.Settings{} }

type stubFeed struct {
	mu        sync.Mutex
	listeners []chan feed.Stats
}

func (f *stubFeed) Stats() feed.Stats { return feed.Stats{Frames: 7} }

func (f *stubFeed) Subscribe() chan feed.Stats {
	ch := make(chan feed.Stats, 1)
	f.mu.Lock()
	f.listeners = append(f.listeners, ch)
	f.mu.Unlock()
	return ch
}

func (f *stubFeed) Unsubscribe(ch chan feed.Stats) {}

type fixture struct {
	ctrl    *spyController
	cfg     *config.Manager
	preview *output.MJPEGOutput
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		ctrl:    &spyController{},
		cfg:     cfg,
		preview: output.NewMJPEGOutput(output.Config{}),
	}
	resolver := display.NewResolver(display.StaticDisplay{Size: display.Size{Width: 1920, Height: 1080}})
	f.handler = NewServer(f.ctrl, &stubFeed{}, cfg, resolver, f.preview).Handler()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("code=%d body=%s", rec.Code, rec.Body)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestRestartEndpointCallsRestartOnce(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/capture/restart", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if f.ctrl.restarts != 1 {
		t.Errorf("restarts = %d, want 1", f.ctrl.restarts)
	}
}

func TestRestartEndpointErrors(t *testing.T) {
	f := newFixture(t)
	f.ctrl.err = &capture.BackendInitError{Method: capture.MethodVirtualCamera, Err: errors.New("busy")}
	if rec := f.do(http.MethodPost, "/api/capture/restart", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", rec.Code)
	}

	f.ctrl.err = capture.ErrStopped
	if rec := f.do(http.MethodPost, "/api/capture/restart", ""); rec.Code != http.StatusConflict {
		t.Errorf("code = %d, want 409", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/capture/restart", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET code = %d, want 405", rec.Code)
	}
}

func TestUpdateConfigSavesAndRestarts(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPut, "/api/config", `{"capture":{"fps":30}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
	if got := f.cfg.Get().Capture.FPS; got != 30 {
		t.Errorf("fps = %d, want 30", got)
	}
	if f.ctrl.restarts != 1 {
		t.Errorf("restarts = %d, want 1", f.ctrl.restarts)
	}
}

func TestUpdateConfigRejectsTwoMethods(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPut, "/api/config", `{"capture":{"duplication":{"enabled":true}}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
	if f.ctrl.restarts != 0 {
		t.Error("restart called for an invalid config")
	}
	if f.cfg.Get().Capture.Duplication.Enabled {
		t.Error("invalid config was applied")
	}
}

func TestSetConfigKeyReportsRestartFailure(t *testing.T) {
	f := newFixture(t)
	f.ctrl.err = errors.New("no camera")
	rec := f.do(http.MethodPut, "/api/config/capture.virtual_camera.enabled", `{"value":"true"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "no camera") {
		t.Errorf("restart error not reported: %s", rec.Body)
	}
	cfg := f.cfg.Get()
	if !cfg.Capture.VirtualCamera.Enabled || cfg.Capture.RegionGrab.Enabled {
		t.Errorf("method flags = %+v", cfg.Capture)
	}

	if rec := f.do(http.MethodPut, "/api/config/no.such.key", `{"value":"1"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown key code = %d", rec.Code)
	}
}

func TestRegion(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/capture/region", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var resp regionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	want := display.Region{Left: 800, Top: 380, Width: 320, Height: 320}
	if resp.Region != want {
		t.Errorf("region = %+v, want %+v", resp.Region, want)
	}
	if resp.Display.Width != 1920 {
		t.Errorf("display = %+v", resp.Display)
	}
}

func TestFrameJPEG(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(http.MethodGet, "/api/frame.jpg", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code before first frame = %d", rec.Code)
	}

	_ = f.preview.Start()
	defer f.preview.Stop()
	if err := f.preview.WriteFrame(capture.NewFrame(8, 8)); err != nil {
		t.Fatal(err)
	}
	rec := f.do(http.MethodGet, "/api/frame.jpg", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("code=%d type=%s", rec.Code, rec.Header().Get("Content-Type"))
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/status", "")
	var resp statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Capture.Method != "region_grab" || resp.Feed == nil || resp.Feed.Frames != 7 {
		t.Errorf("status = %+v", resp)
	}
}

func TestStatsStreamSendsSnapshot(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stats/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var stats feed.Stats
	if err := conn.ReadJSON(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Frames != 7 {
		t.Errorf("frames = %d", stats.Frames)
	}
}
