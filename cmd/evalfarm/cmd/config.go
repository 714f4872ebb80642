package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/evalfarm/pkg/config"
)

var configDefaults bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
	Long:  `Commands for printing and validating the configuration after defaults and EVALFARM_* overrides are applied.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and exit non-zero on errors",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)

	configShowCmd.Flags().BoolVar(&configDefaults, "defaults", false, "print the built-in defaults instead of the loaded file")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if !configDefaults {
		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = loaded
	}
	// Never echo the token hash back
	shown := *cfg
	if shown.API.TokenHash != "" {
		shown.API.TokenHash = "<redacted>"
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(shown); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(exitBadArgs, err)
	}
	if err := cfg.RequireTracks(); err != nil {
		return withExitCode(exitBadArgs, err)
	}
	fmt.Printf("Configuration OK: %d tracks, store %s, runner %s\n", len(cfg.Tracks), cfg.Store.Type, cfg.Runner.Type)
	return nil
}
