// Package validate checks a parsed profile and reports diagnostics.
//
// Validation never fails: it always returns a (possibly empty) ordered list.
// Callers treat any Error-severity diagnostic as a failed load. Diagnostics
// are ordered by traversal: version, devices (by id), macros (declaration
// order), scripts (by id).
package validate

import (
	"fmt"
	"strings"

	"github.com/artpar/macrodeck/domain/diagnostic"
	"github.com/artpar/macrodeck/domain/profile"
)

// MaxNote is the highest valid MIDI note number.
const MaxNote = 127

// ScriptChecker reports whether a script body compiles.
type ScriptChecker func(body string) error

type options struct {
	checkScript ScriptChecker
}

// Option configures validation.
type Option func(*options)

// WithScriptChecker adds a Warning for every non-empty script the checker rejects.
func WithScriptChecker(fn ScriptChecker) Option {
	return func(o *options) {
		o.checkScript = fn
	}
}

// Validate checks doc against the profile rules. source is the text doc was
// parsed from and is only used to attach best-effort locations.
func Validate(doc *profile.Document, source []byte, opts ...Option) diagnostic.List {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	v := &validator{doc: doc, opts: o}
	v.version()
	v.devices()
	v.macros()
	v.scripts()

	return diagnostic.Attach(source, v.out)
}

type validator struct {
	doc  *profile.Document
	opts options
	out  diagnostic.List
}

func (v *validator) add(path, message string, severity diagnostic.Severity) {
	v.out = append(v.out, diagnostic.New(path, message, severity))
}

// severityFor downgrades errors inside draft macros to warnings. Draft
// content may be incomplete without blocking the document.
func severityFor(m profile.Macro, severity diagnostic.Severity) diagnostic.Severity {
	if !m.Ready() && severity == diagnostic.Error {
		return diagnostic.Warning
	}
	return severity
}

func (v *validator) version() {
	if v.doc.Version != profile.SupportedVersion {
		v.add("version",
			fmt.Sprintf("Unsupported schema version %d (expected %d)", v.doc.Version, profile.SupportedVersion),
			diagnostic.Error)
	}
}

func (v *validator) devices() {
	owners := make(map[string]string)

	for _, id := range v.doc.DeviceIDs() {
		device := v.doc.Devices[id]
		path := "devices." + id

		switch {
		case device.HardwareID == nil:
			v.add(path+".hardware_id", "hardware_id is required", diagnostic.Error)
		case strings.TrimSpace(*device.HardwareID) == "":
			v.add(path+".hardware_id", "hardware_id must not be empty", diagnostic.Error)
		default:
			hw := strings.TrimSpace(*device.HardwareID)
			if first, taken := owners[hw]; taken {
				v.add(path+".hardware_id",
					fmt.Sprintf("Duplicate hardware_id `%s` also used by `%s`", hw, first),
					diagnostic.Error)
			} else {
				owners[hw] = id
			}
		}

		for i, page := range device.Pages {
			v.page(fmt.Sprintf("%s.pages[%d]", path, i), page)
		}
	}
}

func (v *validator) page(path string, page profile.Page) {
	seen := make(map[string]bool)

	for _, w := range page.Widgets {
		wpath := path + ".widgets." + w.ID

		if seen[w.ID] {
			v.add(wpath, "Duplicate widget id within page", diagnostic.Error)
		}
		seen[w.ID] = true

		switch action := w.Action.(type) {
		case nil:
		case profile.MacroRef:
			m, ok := v.doc.Macros[action.ID]
			switch {
			case !ok:
				v.add(wpath, fmt.Sprintf("References undefined macro `%s`", action.ID), diagnostic.Error)
			case !m.Ready():
				v.add(wpath,
					fmt.Sprintf("References macro `%s` that is not marked ready and will not be compiled", action.ID),
					diagnostic.Warning)
			}
		case profile.ScriptRef:
			if _, ok := v.doc.Scripts[action.ID]; !ok {
				v.add(wpath, fmt.Sprintf("References undefined script `%s`", action.ID), diagnostic.Error)
			}
		}
	}
}

func (v *validator) macros() {
	notes := make(map[int]string)

	for _, id := range v.doc.MacroIDs() {
		m := v.doc.Macros[id]
		path := "macros." + id

		if t := m.Trigger; t != nil {
			if t.Number < 0 || t.Number > MaxNote {
				v.add(path+".trigger",
					fmt.Sprintf("Note trigger number must be between 0 and %d", MaxNote),
					severityFor(m, diagnostic.Error))
			} else {
				if existing, taken := notes[t.Number]; taken {
					v.add(path+".trigger",
						fmt.Sprintf("Note %d already assigned to macro `%s`", t.Number, existing),
						diagnostic.Warning)
				}
				notes[t.Number] = id
			}
		} else if m.Ready() {
			v.add(path+".trigger", "Ready macro missing trigger", diagnostic.Warning)
		}

		for i, step := range m.Steps {
			spath := fmt.Sprintf("%s.steps[%d]", path, i)
			switch s := step.(type) {
			case profile.Keystroke:
				if !validKeys(s.Keys) {
					v.add(spath, "Keystroke step must define at least one non-empty key",
						severityFor(m, diagnostic.Error))
				}
			case profile.Pause:
				if s.Ms <= 0 {
					v.add(spath, "Pause duration must be greater than zero",
						severityFor(m, diagnostic.Error))
				}
			}
		}
	}
}

func validKeys(keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			return false
		}
	}
	return true
}

func (v *validator) scripts() {
	for _, id := range v.doc.ScriptIDs() {
		body := v.doc.Scripts[id].Body
		path := "scripts." + id

		if strings.TrimSpace(body) == "" {
			v.add(path, "Script body must not be empty", diagnostic.Error)
			continue
		}
		if v.opts.checkScript != nil {
			if err := v.opts.checkScript(body); err != nil {
				v.add(path, fmt.Sprintf("Script does not compile: %v", err), diagnostic.Warning)
			}
		}
	}
}
