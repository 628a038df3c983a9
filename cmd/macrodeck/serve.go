package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/macrodeck/bootstrap"
	"github.com/artpar/macrodeck/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine",
	Long: `Load the profile, then watch it and dispatch MIDI notes to macros.

Settings come from the config file (--config) when it exists, otherwise from
MACRODECK_* environment variables. A profile given with --profile overrides
both. SIGHUP forces a reload.

Environment variables:
  MACRODECK_PROFILE       - Profile path (required)
  MACRODECK_DEBOUNCE      - Reload debounce window (default: 250ms)
  MACRODECK_MIDI_DEVICE   - Raw MIDI device file
  MACRODECK_HTTP_ADDR     - Ops API listen address (default: 127.0.0.1:7420)
  MACRODECK_LOG_LEVEL     - Log level: debug, info, warn, error

Examples:
  macrodeck serve --profile deck.yaml
  macrodeck serve --config /etc/macrodeck/macrodeck.yaml`,
	RunE: runServe,
}

var serveProfile string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveProfile, "profile", "p", "", "profile path (overrides settings)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cfgFile, serveProfile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run(ctx)
}

// loadServeConfig loads settings. A --profile value is applied as
// MACRODECK_PROFILE so it overrides the file like any other variable.
func loadServeConfig(path, profilePath string) (*config.Config, error) {
	if profilePath != "" {
		if err := os.Setenv("MACRODECK_PROFILE", profilePath); err != nil {
			return nil, err
		}
	}

	cfg, err := config.LoadWithFallback(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}
