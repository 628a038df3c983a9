package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/artpar/macrodeck/adapters/lua"
	"github.com/artpar/macrodeck/domain/compile"
	"github.com/artpar/macrodeck/domain/profile"
	"github.com/artpar/macrodeck/domain/validate"
)

var buildCmd = &cobra.Command{
	Use:   "build <profile>",
	Short: "Compile a profile into a bundle file",
	Long: `Validate a profile and write its compiled bundle.

The output defaults to the profile path with a .cache extension. Nothing is
written when validation reports an error.

Examples:
  macrodeck build deck.yaml
  macrodeck build deck.yaml --out /var/lib/macrodeck/deck.cache`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], buildOut)
	},
}

var buildOut string

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringVarP(&buildOut, "out", "o", "", "output path (default: profile path with .cache)")
}

func runBuild(stdout, stderr io.Writer, path, out string) error {
	if out == "" {
		out = defaultOutputPath(path)
	}

	doc, src, err := profile.ParseFile(path)
	if err != nil {
		return err
	}

	var opts []compile.Option
	if validateCheckScripts {
		opts = append(opts, compile.WithValidateOptions(validate.WithScriptChecker(lua.Check)))
	}
	res, err := compile.Compile(doc, src, opts...)
	if err != nil {
		return validationFailure(stderr, path, err)
	}

	printDiagnostics(stderr, "Diagnostics:", res.Diagnostics)

	if err := os.WriteFile(out, res.Bytes, 0644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	fmt.Fprintf(stdout, "Bundle written to %s (%d macros, %d bytes)\n", out, len(res.Bundle.Macros), len(res.Bytes))
	return nil
}

// defaultOutputPath swaps the profile extension for .cache.
func defaultOutputPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".cache"
}
