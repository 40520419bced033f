package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bryanchriswhite/FrameFeed/internal/capture"
	"github.com/bryanchriswhite/FrameFeed/internal/config"
)

func newContainer(t *testing.T) *Container {
	t.Helper()
	cfgMgr, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := cfgMgr.Get()
	cfg.Display.Source = "static"
	cfg.Display.Width = 1920
	cfg.Display.Height = 1080
	if err := cfgMgr.Update(cfg); err != nil {
		t.Fatal(err)
	}

	c, err := Build(cfgMgr)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestBuildWiresEveryBackend(t *testing.T) {
	c := newContainer(t)
	for _, m := range []capture.Method{capture.MethodDuplication, capture.MethodVirtualCamera, capture.MethodRegionGrab} {
		if c.Backends[m] == nil {
			t.Errorf("no backend for %s", m)
		}
	}
	if c.Capture.State() != capture.StateUninitialized {
		t.Errorf("state = %s before Start", c.Capture.State())
	}
}

func TestStartAndQuit(t *testing.T) {
	c := newContainer(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Quit()

	// region grab defers its OS session to the first capture
	if c.Capture.State() != capture.StateRegionGrabActive {
		t.Errorf("state = %s", c.Capture.State())
	}
	if !c.Preview.IsRunning() {
		t.Error("preview not started")
	}

	rec := httptest.NewRecorder()
	c.API.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/capture/region", nil))
	if !strings.Contains(rec.Body.String(), `"left":800`) {
		t.Errorf("region = %s", rec.Body)
	}
}

func TestReconfigureTogglesPreview(t *testing.T) {
	c := newContainer(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Quit()

	cfg := c.Config.Get()
	cfg.Preview.Enabled = false
	if err := c.Config.Update(cfg); err != nil {
		t.Fatal(err)
	}
	if err := c.Reconfigure(cfg); err != nil {
		t.Fatal(err)
	}
	if c.Preview.IsRunning() {
		t.Error("preview still running")
	}
}
