package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/artpar/macrodeck/bootstrap"
	"github.com/artpar/macrodeck/domain/bundle"
)

var (
	// Set via ldflags at build time
	commit    = "none"
	buildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "macrodeck %s\n", bootstrap.Version)
		fmt.Fprintf(w, "  commit:  %s\n", commit)
		fmt.Fprintf(w, "  built:   %s\n", buildDate)
		fmt.Fprintf(w, "  bundle:  v%d\n", bundle.FormatVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
