package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bryanchriswhite/FrameFeed/internal/display"
	"github.com/spf13/cobra"
)

var regionCmd = &cobra.Command{
	Use:   "region",
	Short: "Print the capture rectangle",
	Long: `Resolve the primary display (or the custom region) and print the
rectangle the capture window is centered on.`,
	Example: `  framefeed region
  framefeed region --format json`,
	RunE: runRegion,
}

var regionFormat string

func init() {
	rootCmd.AddCommand(regionCmd)
	regionCmd.Flags().StringVarP(&regionFormat, "format", "f", "text", "output format (text or json)")
}

func runRegion(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	disp, err := display.FromConfig(cfg.Display.Source, display.Size{Width: cfg.Display.Width, Height: cfg.Display.Height})
	if err != nil {
		return err
	}
	resolver := display.NewResolver(disp)
	s := cfg.CaptureSettings()

	base := s.CustomRegion
	if base == nil {
		size, err := resolver.ResolvePrimaryDisplaySize()
		if err != nil {
			return err
		}
		base = &size
	}
	region, err := resolver.ComputeCenteredRegion(s.CustomRegion, s.OffsetX, s.OffsetY, s.RegionWidth, s.RegionHeight)
	if err != nil {
		return err
	}

	switch regionFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(map[string]interface{}{
			"display": disp.Name(),
			"base":    base,
			"region":  region,
		})
	case "text":
		fmt.Printf("Display: %s (%dx%d)\n", disp.Name(), base.Width, base.Height)
		fmt.Printf("Region:  %s\n", region)
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'text' or 'json')", regionFormat)
	}
}
