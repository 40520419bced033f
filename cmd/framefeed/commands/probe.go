package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/FrameFeed/internal/capture/vcam"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "List capture devices usable as a virtual camera",
	Long: `Open device indices 0..limit-1 with the given capture API and list the
ones that open, with the backend API they report and their frame size.`,
	Example: `  # Probe with the configured API and limit
  framefeed probe

  # Probe the first 5 indices with any API
  framefeed probe --api any --limit 5`,
	RunE: runProbe,
}

var (
	probeAPI    string
	probeLimit  int
	probeFormat string
)

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().StringVar(&probeAPI, "api", "", "capture API (default from capture.virtual_camera.backend)")
	probeCmd.Flags().IntVar(&probeLimit, "limit", 0, "number of indices to try (default from capture.virtual_camera.probe_limit)")
	probeCmd.Flags().StringVarP(&probeFormat, "format", "f", "table", "output format (table or json)")
}

func runProbe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	s := configMgr.CaptureSettings()

	apiName := s.CameraAPI
	if probeAPI != "" {
		apiName = probeAPI
	}
	limit := s.ProbeLimit
	if probeLimit > 0 {
		limit = probeLimit
	}
	api, err := vcam.ParseAPI(apiName)
	if err != nil {
		return err
	}

	results := vcam.Probe(cmd.Context(), limit, api)

	if probeFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(results)
	}

	if len(results) == 0 {
		fmt.Printf("No devices found among the first %d indices (api %s)\n", limit, vcam.APIName(api))
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tAPI\tSIZE")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%s\t%dx%d\n", r.Index, r.API, r.Width, r.Height)
	}
	return w.Flush()
}
