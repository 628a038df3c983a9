// Package diagnostic defines validation findings and their rendering.
package diagnostic

import (
	"fmt"
	"strconv"
	"strings"
)

// Severity ranks a diagnostic. Only Error blocks a load.
type Severity int

const (
	Error Severity = iota
	Warning
	Info
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case Error:
		return "error"
	case Warning:
		return "warning"
	case Info:
		return "info"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity by name in JSON and YAML output.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Location is a 1-based position in the source text.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Diagnostic is a single validation finding.
type Diagnostic struct {
	Path     string    `json:"path"`
	Message  string    `json:"message"`
	Location *Location `json:"location,omitempty"`
	Severity Severity  `json:"severity"`
}

// New creates a diagnostic without a location.
func New(path, message string, severity Severity) Diagnostic {
	return Diagnostic{Path: path, Message: message, Severity: severity}
}

// String renders the diagnostic on one line.
func (d Diagnostic) String() string {
	if d.Location != nil {
		return fmt.Sprintf("[%s] %s: %s (line %d, column %d)",
			d.Severity, d.Path, d.Message, d.Location.Line, d.Location.Column)
	}
	return fmt.Sprintf("[%s] %s: %s", d.Severity, d.Path, d.Message)
}

// List is an ordered set of diagnostics.
type List []Diagnostic

// HasErrors reports whether any diagnostic has Error severity.
func (l List) HasErrors() bool {
	for _, d := range l {
		if d.Severity == Error {
			return true
		}
	}
	return false
}

// Count returns the number of diagnostics with the given severity.
func (l List) Count(s Severity) int {
	n := 0
	for _, d := range l {
		if d.Severity == s {
			n++
		}
	}
	return n
}

// Filter returns the diagnostics with the given severity, in order.
func (l List) Filter(s Severity) List {
	var out List
	for _, d := range l {
		if d.Severity == s {
			out = append(out, d)
		}
	}
	return out
}

// Locate finds the last dotted segment of path in source and returns the
// first line and column where it appears. The search is plain substring
// matching, so an identifier that occurs earlier for an unrelated reason
// wins. Returns nil when the segment is not found.
func Locate(source []byte, path string) *Location {
	needle := path
	if i := strings.LastIndex(path, "."); i >= 0 {
		needle = path[i+1:]
	}
	if needle == "" {
		return nil
	}

	for i, line := range strings.Split(string(source), "\n") {
		if col := strings.Index(line, needle); col >= 0 {
			return &Location{Line: i + 1, Column: col + 1}
		}
	}
	return nil
}

// Attach sets the location of every diagnostic in l from source.
func Attach(source []byte, l List) List {
	for i := range l {
		l[i].Location = Locate(source, l[i].Path)
	}
	return l
}

// WidgetRef identifies a widget addressed by a diagnostic path of the form
// devices.<device>.pages[<n>].widgets.<widget>.
type WidgetRef struct {
	DeviceID  string
	PageIndex int
	WidgetID  string
}

// ParseWidgetPath extracts a WidgetRef from a diagnostic path.
func ParseWidgetPath(path string) (WidgetRef, bool) {
	rest, ok := strings.CutPrefix(path, "devices.")
	if !ok {
		return WidgetRef{}, false
	}

	device, rest, ok := strings.Cut(rest, ".pages[")
	if !ok || device == "" {
		return WidgetRef{}, false
	}

	index, rest, ok := strings.Cut(rest, "].widgets.")
	if !ok || rest == "" {
		return WidgetRef{}, false
	}
	n, err := strconv.Atoi(index)
	if err != nil || n < 0 {
		return WidgetRef{}, false
	}

	return WidgetRef{DeviceID: device, PageIndex: n, WidgetID: rest}, true
}
