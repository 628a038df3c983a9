// Package profile models the automation profile document: devices, pages,
// widgets, macros, triggers and scripts.
//
// The model is plain data. Parsing only checks structure; cross references
// are checked by the validate package so diagnostics can point at the exact
// field that is wrong.
package profile

import "sort"

// SupportedVersion is the only schema version the engine understands.
const SupportedVersion = 1

// Document is the root of a parsed profile.
type Document struct {
	Version int
	Devices map[string]Device
	Macros  map[string]Macro
	Scripts map[string]Script

	// MacroOrder lists macro ids in the order they are declared in the source.
	MacroOrder []string
}

// MacroIDs returns macro ids in declaration order. Documents built in code
// without a complete MacroOrder fall back to sorted ids.
func (d *Document) MacroIDs() []string {
	if len(d.MacroOrder) == len(d.Macros) {
		complete := true
		for _, id := range d.MacroOrder {
			if _, ok := d.Macros[id]; !ok {
				complete = false
				break
			}
		}
		if complete {
			return d.MacroOrder
		}
	}
	return sortedKeys(d.Macros)
}

// DeviceIDs returns device ids in sorted order.
func (d *Document) DeviceIDs() []string {
	return sortedKeys(d.Devices)
}

// ScriptIDs returns script ids in sorted order.
func (d *Document) ScriptIDs() []string {
	return sortedKeys(d.Scripts)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Device binds a hardware controller to a page layout.
type Device struct {
	HardwareID *string `yaml:"hardware_id"`
	Pages      []Page  `yaml:"pages"`
}

// Page is a named, ordered list of widgets.
type Page struct {
	Name    string   `yaml:"name"`
	Widgets []Widget `yaml:"widgets"`
}

// Widget is an interactive control on a page.
type Widget struct {
	ID          string
	TapBehavior *string
	Action      Action
}

// Action is what a widget does when pressed.
// It is either a MacroRef or a ScriptRef.
type Action interface {
	// Target returns the referenced macro or script id.
	Target() string
	isAction()
}

// MacroRef references a macro by id.
type MacroRef struct {
	ID string
}

// ScriptRef references a script by id.
type ScriptRef struct {
	ID string
}

func (r MacroRef) Target() string { return r.ID }
func (r ScriptRef) Target() string { return r.ID }
func (MacroRef) isAction() {}
func (ScriptRef) isAction() {}

// Status controls whether a macro is compiled.
type Status string

const (
	StatusDraft Status = "draft"
	StatusReady Status = "ready"
)

// Macro is a unit of automation.
type Macro struct {
	Status      Status
	Description *string
	Tags        []string
	Trigger     *Trigger
	Steps       []Step
}

// Ready reports whether the macro is eligible for compilation.
func (m Macro) Ready() bool {
	return m.Status == StatusReady
}

// TriggerType is the kind of MIDI message that fires a macro.
type TriggerType string

// TriggerNote fires on a note-on message.
const TriggerNote TriggerType = "note"

// Trigger binds a macro to a MIDI message.
// Number is kept wide so out of range values survive parsing.
type Trigger struct {
	Type   TriggerType `yaml:"type"`
	Number int         `yaml:"number"`
}

// Step is a single macro step: either Keystroke or Pause.
type Step interface {
	isStep()
}

// Keystroke presses a chord of keys.
type Keystroke struct {
	Keys []string
}

// Pause waits for Ms milliseconds.
type Pause struct {
	Ms int64
}

func (Keystroke) isStep() {}
func (Pause) isStep() {}

// Script is a named text body.
type Script struct {
	Body string
}
