package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/macrodeck/domain/bundle"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <bundle>",
	Short: "Decode a compiled bundle",
	Long: `Decode a bundle file and print its header, layouts and macros.

Bundles written by an unknown format version are rejected.

Examples:
  macrodeck inspect deck.cache
  macrodeck inspect --json deck.cache`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd.OutOrStdout(), args[0], inspectJSON)
	},
}

var inspectJSON bool

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "print the bundle as JSON")
}

func runInspect(w io.Writer, path string, asJSON bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	b, err := bundle.Decode(data)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}

	fmt.Fprintf(w, "Format version: %d\n", b.Header.FormatVersion)
	fmt.Fprintf(w, "Source hash:    %016x\n", b.Header.SourceHash)
	fmt.Fprintf(w, "Generated at:   %s\n", time.Unix(int64(b.Header.GeneratedAt), 0).UTC().Format(time.RFC3339))

	fmt.Fprintf(w, "\nDevices (%d):\n", len(b.Devices))
	for _, d := range b.Devices {
		fmt.Fprintf(w, "  %s", d.ID)
		if d.HardwareID != "" {
			fmt.Fprintf(w, " [%s]", d.HardwareID)
		}
		fmt.Fprintln(w)
		for _, p := range d.Pages {
			fmt.Fprintf(w, "    page %q: %d widget(s)\n", p.Name, len(p.Widgets))
		}
	}

	fmt.Fprintf(w, "\nMacros (%d):\n", len(b.Macros))
	for _, m := range b.Macros {
		trigger := "-"
		if m.Trigger != nil {
			trigger = fmt.Sprintf("note %d", m.Trigger.Note)
		}
		fmt.Fprintf(w, "  %-20s %-10s %d step(s)\n", m.ID, trigger, len(m.Steps))
	}
	return nil
}
