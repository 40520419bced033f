package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/FrameFeed/internal/app"
	"github.com/bryanchriswhite/FrameFeed/internal/config"
	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start capturing and serve the API",
	Long: `Start the capture coordinator, the frame feeder and the HTTP API.

Editing the config file, sending SIGHUP or changing settings through the
API reconciles the capture backend in place.`,
	Example: `  # Start on the default port (8080)
  framefeed serve

  # Start on a custom port with debug logging
  framefeed serve --port 9090 --log-level debug --pretty

  # Use a specific config file
  framefeed serve --config /path/to/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")

	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log.Info().Str("path", configMgr.GetConfigPath()).Msg("Configuration loaded")

	container, err := app.Build(configMgr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if err := container.Start(ctx); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}

	configMgr.OnChange(func(cfg *config.Config) {
		if err := container.Reconfigure(cfg); err != nil {
			log.Warn().Err(err).Msg("Capture reconfiguration failed")
		}
	})
	configMgr.Watch()

	g.Go(func() error {
		return container.Feeder.Run(ctx)
	})

	port := serverPort(cfg)
	g.Go(func() error {
		return container.API.Start(port)
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				log.Info().Msg("SIGHUP received, reloading config")
				// Reload notifies OnChange, which restarts capture
				if err := configMgr.Reload(); err != nil {
					log.Error().Err(err).Msg("Keeping previous config")
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := container.API.Shutdown(shutdownCtx)
		container.Quit()
		return err
	})

	log.Info().
		Int("port", port).
		Str("method", container.Capture.Method().String()).
		Str("stream", fmt.Sprintf("http://localhost:%d/stream", port)).
		Msg("FrameFeed is running, press Ctrl+C to stop")

	return g.Wait()
}
