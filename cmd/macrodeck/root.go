package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// Exit codes.
const (
	exitOK         = 0
	exitFailure    = 1
	exitValidation = 2
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "macrodeck",
	Short: "MIDI macro profiles: validate, compile and serve with hot reload",
	Long: `macrodeck turns a YAML profile of devices, pages, widgets and macros into
a compiled bundle, and runs an engine that reloads it on every save.

Profiles:
  macrodeck validate deck.yaml     # Print diagnostics
  macrodeck build deck.yaml        # Write deck.cache
  macrodeck inspect deck.cache     # Decode a compiled bundle

Engine:
  macrodeck serve                  # Watch the profile and dispatch notes`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with its code.
func Execute() {
	os.Exit(exitCode(rootCmd.Execute()))
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "macrodeck.yaml", "engine settings file path")
}
