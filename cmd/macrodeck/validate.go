package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/artpar/macrodeck/adapters/lua"
	"github.com/artpar/macrodeck/domain/compile"
	"github.com/artpar/macrodeck/domain/diagnostic"
	"github.com/artpar/macrodeck/domain/profile"
	"github.com/artpar/macrodeck/domain/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate <profile>",
	Short: "Check a profile and print its diagnostics",
	Long: `Parse and validate a macro profile.

Exit status is 0 when the profile has no errors, 2 when validation reports
at least one error, and 1 when the file cannot be read or parsed.

Examples:
  macrodeck validate deck.yaml
  macrodeck validate --check-scripts=false deck.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0])
	},
}

var validateCheckScripts bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckScripts, "check-scripts", true, "syntax check Lua scripts")
}

func runValidate(stdout, stderr io.Writer, path string) error {
	doc, src, err := profile.ParseFile(path)
	if err != nil {
		return err
	}

	var opts []validate.Option
	if validateCheckScripts {
		opts = append(opts, validate.WithScriptChecker(lua.Check))
	}
	diags := validate.Validate(doc, src, opts...)

	if len(diags) == 0 {
		fmt.Fprintf(stdout, "%s Validation OK: %s\n", checkMark(stdout), path)
		return nil
	}

	printDiagnostics(stderr, "Validation diagnostics:", diags)
	if diags.HasErrors() {
		return &exitError{
			code: exitValidation,
			err:  fmt.Errorf("%s: %d error(s)", path, diags.Count(diagnostic.Error)),
		}
	}
	fmt.Fprintf(stdout, "%s Validation OK with %d warning(s): %s\n", checkMark(stdout), diags.Count(diagnostic.Warning), path)
	return nil
}

// validationFailure converts a compile error into the validation exit code
// when it carries diagnostics.
func validationFailure(stderr io.Writer, path string, err error) error {
	diags, ok := compile.ValidationDiagnostics(err)
	if !ok {
		return err
	}
	printDiagnostics(stderr, "Validation diagnostics:", diags)
	return &exitError{
		code: exitValidation,
		err:  errors.New(path + ": build failed due to validation errors"),
	}
}

func printDiagnostics(w io.Writer, title string, diags diagnostic.List) {
	if len(diags) == 0 {
		return
	}
	color := colorEnabled(w)
	fmt.Fprintln(w, title)
	for _, d := range diags {
		line := "- " + d.String()
		if color {
			switch d.Severity {
			case diagnostic.Error:
				line = "\033[31m" + line + "\033[0m"
			case diagnostic.Warning:
				line = "\033[33m" + line + "\033[0m"
			}
		}
		fmt.Fprintln(w, line)
	}
}

// colorEnabled reports whether w is a terminal and NO_COLOR is unset.
func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func checkMark(w io.Writer) string {
	if colorEnabled(w) {
		return "\033[32m✓\033[0m"
	}
	return "✓"
}
