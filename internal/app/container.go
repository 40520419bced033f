package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/bryanchriswhite/FrameFeed/internal/api"
	"github.com/bryanchriswhite/FrameFeed/internal/capture"
	"github.com/bryanchriswhite/FrameFeed/internal/capture/duplication"
	"github.com/bryanchriswhite/FrameFeed/internal/capture/grab"
	"github.com/bryanchriswhite/FrameFeed/internal/capture/vcam"
	"github.com/bryanchriswhite/FrameFeed/internal/config"
	"github.com/bryanchriswhite/FrameFeed/internal/display"
	"github.com/bryanchriswhite/FrameFeed/internal/feed"
	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"github.com/bryanchriswhite/FrameFeed/internal/mask"
	"github.com/bryanchriswhite/FrameFeed/internal/output"
)

// Container assembles the capture pipeline and its consumers. Building it
// has no side effects; native resources are acquired in Start.
type Container struct {
	Config   *config.Manager
	Display  display.PrimaryDisplay
	Resolver *display.Resolver
	Backends map[capture.Method]capture.Backend
	Capture  *capture.Coordinator
	Masks    *mask.Builder
	Preview  *output.MJPEGOutput
	Feeder   *feed.Feeder
	API      *api.Server
}

// Build constructs every component from the configuration manager
func Build(cfgMgr *config.Manager, opts ...capture.Option) (*Container, error) {
	cfg := cfgMgr.Get()

	disp, err := display.FromConfig(cfg.Display.Source, display.Size{Width: cfg.Display.Width, Height: cfg.Display.Height})
	if err != nil {
		return nil, fmt.Errorf("failed to set up display source: %w", err)
	}

	c := &Container{Config: cfgMgr, Display: disp}
	c.Resolver = display.NewResolver(disp)
	c.Backends = map[capture.Method]capture.Backend{
		capture.MethodDuplication:   duplication.New(c.Resolver),
		capture.MethodVirtualCamera: vcam.New(),
		capture.MethodRegionGrab:    grab.New(c.Resolver),
	}
	c.Capture = capture.New(cfgMgr, c.Backends, opts...)
	c.Masks = mask.NewBuilder(cfgMgr.CircleCapture)
	c.Preview = output.NewMJPEGOutput(c.previewConfig(cfg))
	c.Feeder = feed.New(c.Capture, c.Masks, c.processing, c.Preview)
	c.API = api.NewServer(c.Capture, c.Feeder, cfgMgr, c.Resolver, c.Preview)
	return c, nil
}

func (c *Container) previewConfig(cfg *config.Config) output.Config {
	return output.Config{
		Quality:  cfg.Preview.Quality,
		MaxWidth: cfg.Preview.MaxWidth,
		Annotate: cfg.Preview.Annotate,
		Label:    func() string { return c.Capture.Method().String() },
	}
}

func (c *Container) processing() feed.Processing {
	cfg := c.Config.Get()
	return feed.Processing{
		MaskSide: cfg.Detection.MaskSide,
		MaskZone: cfg.Detection.MaskZone,
		Circle:   cfg.Detection.CircleCapture,
	}
}

// Start opens the selected capture backend and the preview. A backend
// that fails to open is reported but leaves the coordinator waiting for
// a Restart.
func (c *Container) Start(ctx context.Context) error {
	log := logger.WithComponent("app")

	if c.Config.Get().Preview.Enabled {
		if err := c.Preview.Start(); err != nil {
			return err
		}
	}

	err := c.Capture.Start(ctx)
	switch {
	case err == nil:
	case errors.Is(err, capture.ErrStopped):
		return err
	default:
		log.Warn().Err(err).Msg("Capture did not start, waiting for a config change")
	}
	return nil
}

// Reconfigure applies a reloaded configuration: preview options, display
// cache and capture reconciliation
func (c *Container) Reconfigure(cfg *config.Config) error {
	c.Preview.SetConfig(c.previewConfig(cfg))
	switch {
	case cfg.Preview.Enabled && !c.Preview.IsRunning():
		if err := c.Preview.Start(); err != nil {
			return err
		}
	case !cfg.Preview.Enabled && c.Preview.IsRunning():
		c.Preview.Stop()
	}

	if cached, ok := c.Display.(*display.Cached); ok {
		cached.Reset()
	}
	return c.Capture.Restart()
}

// Quit stops capture and the preview
func (c *Container) Quit() {
	c.Capture.Quit()
	c.Preview.Stop()
}
