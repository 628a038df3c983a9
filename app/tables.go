// Package app provides the runtime services built on the live bundle: the
// consumer projections, the reload coordinator and macro dispatch.
package app

import (
	"sort"
	"sync"

	"github.com/artpar/macrodeck/config"
	"github.com/artpar/macrodeck/domain/bundle"
	"github.com/artpar/macrodeck/domain/diagnostic"
)

// Each table below owns its projection and replaces it wholesale in Apply.
// Readers never see a mix of two generations within one table.

// TriggerTable maps note numbers to macro ids.
type TriggerTable struct {
	mu         sync.RWMutex
	notes      map[uint8]string
	generation uint64
}

// NewTriggerTable creates an empty trigger table.
func NewTriggerTable() *TriggerTable {
	return &TriggerTable{notes: make(map[uint8]string)}
}

// Apply rebuilds the table from the snapshot's bundle. When two macros share
// a note the later one in bundle order wins.
func (t *TriggerTable) Apply(s *config.Snapshot) {
	notes := make(map[uint8]string)
	for _, m := range s.Bundle().Macros {
		if m.Trigger != nil {
			notes[m.Trigger.Note] = m.ID
		}
	}

	t.mu.Lock()
	t.notes = notes
	t.generation = s.Generation
	t.mu.Unlock()
}

// Lookup returns the macro bound to a note.
func (t *TriggerTable) Lookup(note uint8) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.notes[note]
	return id, ok
}

// Len returns the number of bound notes.
func (t *TriggerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.notes)
}

// Generation returns the generation last applied.
func (t *TriggerTable) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// WidgetWarning is a non-blocking diagnostic attached to a widget.
type WidgetWarning struct {
	DeviceID  string `json:"device"`
	PageIndex int    `json:"page_index"`
	Page      string `json:"page"`
	WidgetID  string `json:"widget"`
	Message   string `json:"message"`
}

// LayoutTable holds device layouts and per-widget warnings.
type LayoutTable struct {
	mu         sync.RWMutex
	devices    []bundle.DeviceLayout
	warnings   map[string]map[string][]WidgetWarning
	generation uint64
}

// NewLayoutTable creates an empty layout table.
func NewLayoutTable() *LayoutTable {
	return &LayoutTable{warnings: make(map[string]map[string][]WidgetWarning)}
}

// Apply rebuilds layouts and collects warnings whose path names a widget.
func (l *LayoutTable) Apply(s *config.Snapshot) {
	b := s.Bundle()
	warnings := make(map[string]map[string][]WidgetWarning)

	for _, d := range s.Result.Diagnostics {
		if d.Severity != diagnostic.Warning {
			continue
		}
		ref, ok := diagnostic.ParseWidgetPath(d.Path)
		if !ok {
			continue
		}
		layout, ok := b.Device(ref.DeviceID)
		if !ok || ref.PageIndex >= len(layout.Pages) {
			continue
		}
		if warnings[ref.DeviceID] == nil {
			warnings[ref.DeviceID] = make(map[string][]WidgetWarning)
		}
		warnings[ref.DeviceID][ref.WidgetID] = append(warnings[ref.DeviceID][ref.WidgetID], WidgetWarning{
			DeviceID:  ref.DeviceID,
			PageIndex: ref.PageIndex,
			Page:      layout.Pages[ref.PageIndex].Name,
			WidgetID:  ref.WidgetID,
			Message:   d.Message,
		})
	}

	l.mu.Lock()
	l.devices = b.Devices
	l.warnings = warnings
	l.generation = s.Generation
	l.mu.Unlock()
}

// Devices returns all device layouts in id order.
func (l *LayoutTable) Devices() []bundle.DeviceLayout {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.devices
}

// Pages returns the pages of a device.
func (l *LayoutTable) Pages(deviceID string) ([]bundle.LayoutPage, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, d := range l.devices {
		if d.ID == deviceID {
			return d.Pages, true
		}
	}
	return nil, false
}

// Widgets returns a copy of the widgets on the named page of a device.
func (l *LayoutTable) Widgets(deviceID, pageName string) ([]bundle.LayoutWidget, bool) {
	pages, ok := l.Pages(deviceID)
	if !ok {
		return nil, false
	}
	for _, p := range pages {
		if p.Name == pageName {
			out := make([]bundle.LayoutWidget, len(p.Widgets))
			copy(out, p.Widgets)
			return out, true
		}
	}
	return nil, false
}

// Widget finds a widget by id on any page of a device. The first page wins.
func (l *LayoutTable) Widget(deviceID, widgetID string) (bundle.LayoutWidget, bool) {
	pages, ok := l.Pages(deviceID)
	if !ok {
		return bundle.LayoutWidget{}, false
	}
	for _, p := range pages {
		for _, w := range p.Widgets {
			if w.ID == widgetID {
				return w, true
			}
		}
	}
	return bundle.LayoutWidget{}, false
}

// WidgetWarnings returns the warnings for one widget.
func (l *LayoutTable) WidgetWarnings(deviceID, widgetID string) []WidgetWarning {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.warnings[deviceID][widgetID]
}

// AllWidgetWarnings returns every widget warning ordered by device then widget.
func (l *LayoutTable) AllWidgetWarnings() []WidgetWarning {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []WidgetWarning
	for _, device := range sortedKeys(l.warnings) {
		widgets := l.warnings[device]
		for _, widget := range sortedKeys(widgets) {
			out = append(out, widgets[widget]...)
		}
	}
	return out
}

// MacroTable holds the step lists of Ready macros.
type MacroTable struct {
	mu         sync.RWMutex
	macros     map[string]bundle.MacroEntry
	order      []string
	generation uint64
}

// NewMacroTable creates an empty macro table.
func NewMacroTable() *MacroTable {
	return &MacroTable{macros: make(map[string]bundle.MacroEntry)}
}

// Apply rebuilds the table from the snapshot's bundle.
func (m *MacroTable) Apply(s *config.Snapshot) {
	macros := make(map[string]bundle.MacroEntry, len(s.Bundle().Macros))
	order := make([]string, 0, len(s.Bundle().Macros))
	for _, e := range s.Bundle().Macros {
		macros[e.ID] = e
		order = append(order, e.ID)
	}

	m.mu.Lock()
	m.macros = macros
	m.order = order
	m.generation = s.Generation
	m.mu.Unlock()
}

// Steps returns a private copy of a macro's steps. Executions capture this
// copy once, so a later reload does not affect them.
func (m *MacroTable) Steps(id string) ([]bundle.Step, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.macros[id]
	if !ok {
		return nil, false
	}
	return append([]bundle.Step(nil), e.Steps...), true
}

// Get returns a macro entry.
func (m *MacroTable) Get(id string) (bundle.MacroEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.macros[id]
	return e, ok
}

// IDs returns macro ids in bundle order.
func (m *MacroTable) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Len returns the number of macros.
func (m *MacroTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.macros)
}

// ScriptTable holds script bodies from the live document.
type ScriptTable struct {
	mu      sync.RWMutex
	scripts map[string]string
}

// NewScriptTable creates an empty script table.
func NewScriptTable() *ScriptTable {
	return &ScriptTable{scripts: make(map[string]string)}
}

// Apply copies script bodies from the snapshot's document.
func (t *ScriptTable) Apply(s *config.Snapshot) {
	scripts := make(map[string]string, len(s.Document.Scripts))
	for id, sc := range s.Document.Scripts {
		scripts[id] = sc.Body
	}

	t.mu.Lock()
	t.scripts = scripts
	t.mu.Unlock()
}

// Body returns a script body.
func (t *ScriptTable) Body(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	body, ok := t.scripts[id]
	return body, ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
