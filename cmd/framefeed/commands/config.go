package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/FrameFeed/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage FrameFeed configuration",
	Long:  `View and manage FrameFeed configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current FrameFeed configuration.`,
	Example: `  # Show configuration as YAML (default)
  framefeed config show

  # Show configuration as JSON
  framefeed config show --format json`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long: `Set a specific configuration value. Enabling a capture method disables
the other methods.`,
	Example: `  # Switch to the virtual camera
  framefeed config set capture.virtual_camera.enabled true

  # Capture a 416x416 window
  framefeed config set detection.width 416
  framefeed config set detection.height 416`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a configuration value",
	Long:  `Get a specific configuration value.`,
	Example: `  framefeed config get capture.fps`,
	Args:    cobra.ExactArgs(1),
	RunE:    runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Long:  `Display the path to the configuration file.`,
	RunE:  runConfigPath,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	Long:  `List every configuration key with its type, default and legacy INI name.`,
	RunE:  runConfigKeys,
}

var configImportCmd = &cobra.Command{
	Use:   "import-ini FILE",
	Short: "Import a legacy INI settings file",
	Long: `Read the capture and detection window settings from a legacy INI file
and merge them into the current configuration.`,
	Example: `  framefeed config import-ini config.ini
  framefeed config import-ini config.ini --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigImport,
}

var (
	formatFlag string
	dryRunFlag bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configImportCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml or json)")
	configImportCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "print the merged configuration without saving")
}

func printConfig(cfg *config.Config, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(cfg)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", format)
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	return printConfig(configMgr.Get(), formatFlag)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	if err := configMgr.Set(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Configuration updated: %s = %s\n", args[0], args[1])
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	value, err := configMgr.Value(args[0])
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Println(configMgr.GetConfigPath())
	return nil
}

func runConfigKeys(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tTYPE\tDEFAULT\tLEGACY\tDESCRIPTION")
	for _, k := range config.Keys() {
		legacy := "-"
		if k.Legacy != nil {
			legacy = fmt.Sprintf("[%s] %s", k.Legacy.Section, k.Legacy.Key)
		}
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", k.Name, k.Kind, k.Default, legacy, k.Help)
	}
	return w.Flush()
}

func runConfigImport(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg, imported, err := config.ImportINI(args[0], configMgr.Get())
	if err != nil {
		return err
	}
	if dryRunFlag {
		return printConfig(cfg, "yaml")
	}
	if err := configMgr.Update(cfg); err != nil {
		return err
	}
	fmt.Printf("Imported %d keys from %s into %s\n", len(imported), args[0], configMgr.GetConfigPath())
	for _, name := range imported {
		fmt.Printf("  %s\n", name)
	}
	return nil
}
