// Package compile turns a validated profile into a runtime bundle.
//
// Compilation is pure apart from the header timestamp, which comes from an
// injectable clock. Only Ready macros are emitted. A document with any
// Error diagnostic produces no bundle at all.
package compile

import (
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/artpar/macrodeck/domain/bundle"
	"github.com/artpar/macrodeck/domain/diagnostic"
	"github.com/artpar/macrodeck/domain/profile"
	"github.com/artpar/macrodeck/domain/validate"
	"github.com/artpar/macrodeck/ports"
)

// ValidationError is returned when validation reports at least one Error.
type ValidationError struct {
	Diagnostics diagnostic.List
}

func (e *ValidationError) Error() string {
	n := e.Diagnostics.Count(diagnostic.Error)
	for _, d := range e.Diagnostics {
		if d.Severity == diagnostic.Error {
			if n == 1 {
				return "validation failed: " + d.String()
			}
			return fmt.Sprintf("validation failed with %d errors, first: %s", n, d.String())
		}
	}
	return "validation failed"
}

// BuildError is returned when a valid document cannot be serialized.
type BuildError struct {
	Err error
}

func (e *BuildError) Error() string { return "build bundle: " + e.Err.Error() }
func (e *BuildError) Unwrap() error { return e.Err }

// Result is the outcome of a successful compile.
type Result struct {
	Bundle *bundle.Bundle

	// Bytes is the encoded artifact for Bundle.
	Bytes []byte

	// Diagnostics holds the non-blocking warnings and infos.
	Diagnostics diagnostic.List
}

type options struct {
	now      func() time.Time
	validate []validate.Option
}

// Option configures compilation.
type Option func(*options)

// WithClock sets the clock used for the header timestamp.
func WithClock(c ports.Clock) Option {
	return func(o *options) {
		o.now = c.Now
	}
}

// WithValidateOptions passes options through to the validator.
func WithValidateOptions(opts ...validate.Option) Option {
	return func(o *options) {
		o.validate = append(o.validate, opts...)
	}
}

// Compile validates doc and builds its bundle. source must be the exact bytes
// doc was parsed from; it is hashed into the header.
func Compile(doc *profile.Document, source []byte, opts ...Option) (*Result, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	diags := validate.Validate(doc, source, o.validate...)
	if diags.HasErrors() {
		return nil, &ValidationError{Diagnostics: diags}
	}

	b := &bundle.Bundle{
		Header: bundle.Header{
			FormatVersion: bundle.FormatVersion,
			SourceHash:    xxhash.Sum64(source),
			GeneratedAt:   uint64(o.now().Unix()),
		},
		Devices: layouts(doc),
		Macros:  macros(doc),
	}

	data, err := bundle.Encode(b)
	if err != nil {
		return nil, &BuildError{Err: err}
	}

	return &Result{Bundle: b, Bytes: data, Diagnostics: diags}, nil
}

// CompileSource parses and compiles src.
func CompileSource(src []byte, opts ...Option) (*Result, error) {
	doc, err := profile.Parse(src)
	if err != nil {
		return nil, err
	}
	return Compile(doc, src, opts...)
}

// ValidationDiagnostics returns the diagnostics carried by a ValidationError.
func ValidationDiagnostics(err error) (diagnostic.List, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Diagnostics, true
	}
	return nil, false
}

func layouts(doc *profile.Document) []bundle.DeviceLayout {
	out := make([]bundle.DeviceLayout, 0, len(doc.Devices))
	for _, id := range doc.DeviceIDs() {
		d := doc.Devices[id]
		layout := bundle.DeviceLayout{
			ID:    id,
			Pages: make([]bundle.LayoutPage, 0, len(d.Pages)),
		}
		if d.HardwareID != nil {
			layout.HardwareID = *d.HardwareID
		}
		for _, p := range d.Pages {
			page := bundle.LayoutPage{Name: p.Name, Widgets: make([]bundle.LayoutWidget, 0, len(p.Widgets))}
			for _, w := range p.Widgets {
				page.Widgets = append(page.Widgets, widget(w))
			}
			layout.Pages = append(layout.Pages, page)
		}
		out = append(out, layout)
	}
	return out
}

func widget(w profile.Widget) bundle.LayoutWidget {
	lw := bundle.LayoutWidget{ID: w.ID}
	if w.TapBehavior != nil {
		tap := *w.TapBehavior
		lw.TapBehavior = &tap
	}
	switch a := w.Action.(type) {
	case profile.MacroRef:
		lw.Action = &bundle.WidgetAction{Kind: bundle.ActionMacro, Ref: a.ID}
	case profile.ScriptRef:
		lw.Action = &bundle.WidgetAction{Kind: bundle.ActionScript, Ref: a.ID}
	}
	return lw
}

func macros(doc *profile.Document) []bundle.MacroEntry {
	out := []bundle.MacroEntry{}
	for _, id := range doc.MacroIDs() {
		m := doc.Macros[id]
		if !m.Ready() {
			continue
		}

		entry := bundle.MacroEntry{
			ID:    id,
			Tags:  append([]string{}, m.Tags...),
			Steps: make([]bundle.Step, 0, len(m.Steps)),
		}
		if m.Description != nil {
			desc := *m.Description
			entry.Description = &desc
		}
		if m.Trigger != nil {
			entry.Trigger = &bundle.Trigger{Note: uint8(m.Trigger.Number)}
		}
		for _, step := range m.Steps {
			switch s := step.(type) {
			case profile.Keystroke:
				entry.Steps = append(entry.Steps, bundle.Step{
					Kind: bundle.StepKeystroke,
					Keys: append([]string{}, s.Keys...),
				})
			case profile.Pause:
				entry.Steps = append(entry.Steps, bundle.Step{
					Kind:    bundle.StepPause,
					PauseMs: uint64(s.Ms),
				})
			}
		}
		out = append(out, entry)
	}
	return out
}
