package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/FrameFeed/internal/config"
	"github.com/bryanchriswhite/FrameFeed/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "framefeed",
		Short: "FrameFeed - low-latency screen capture for detection pipelines",
		Long: `FrameFeed captures a fixed-size window centered on the primary display
and hands the freshest frame to a consumer, always dropping stale frames.

Capture methods:
  • Direct frame-buffer duplication (GStreamer ximagesrc / PipeWire)
  • Virtual camera device (OpenCV)
  • Screen region grab (X11 GetImage or portable screenshot)

The active method and its parameters can be changed while running; the
capture backend is reconciled without restarting the process.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(viper.GetString("log_level"), viper.GetBool("pretty"))
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/framefeed/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "human readable console logs")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config manager and applies the log level from the
// file unless --log-level was given
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if viper.GetString("log_level") == "" {
		if err := logger.SetLevel(configMgr.Get().LogLevel); err != nil {
			logger.WithComponent("cli").Warn().Err(err).Msg("Ignoring log level")
		}
	}
	return configMgr, nil
}

// serverPort prefers --port over the configured port
func serverPort(cfg *config.Config) int {
	if port := viper.GetInt("server_port"); port > 0 {
		return port
	}
	return cfg.ServerPort
}
