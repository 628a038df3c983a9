package profile

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrParse is returned when the source is not a structurally valid profile.
var ErrParse = errors.New("parse profile")

type rawDocument struct {
	Version *int              `yaml:"version"`
	Devices map[string]Device `yaml:"devices"`
	Macros  map[string]Macro  `yaml:"macros"`
	Scripts map[string]Script `yaml:"scripts"`
}

// Parse decodes a profile from YAML source.
// Only malformed input fails; semantic problems are left to validation.
func Parse(src []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(src, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrParse)
	}

	var raw rawDocument
	if err := root.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if raw.Version == nil {
		return nil, fmt.Errorf("%w: version is required", ErrParse)
	}

	doc := &Document{
		Version:    *raw.Version,
		Devices:    raw.Devices,
		Macros:     raw.Macros,
		Scripts:    raw.Scripts,
		MacroOrder: mappingKeys(root.Content[0], "macros"),
	}
	if doc.Devices == nil {
		doc.Devices = make(map[string]Device)
	}
	if doc.Macros == nil {
		doc.Macros = make(map[string]Macro)
	}
	if doc.Scripts == nil {
		doc.Scripts = make(map[string]Script)
	}

	return doc, nil
}

// ParseFile reads and parses the profile at path.
// Read failures are not wrapped in ErrParse, so callers can tell I/O from syntax.
func ParseFile(path string) (*Document, []byte, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read profile: %w", err)
	}
	doc, err := Parse(src)
	if err != nil {
		return nil, src, err
	}
	return doc, src, nil
}

// mappingKeys returns the keys of the mapping stored under key, in source order.
func mappingKeys(doc *yaml.Node, key string) []string {
	if doc.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != key {
			continue
		}
		value := doc.Content[i+1]
		if value.Kind != yaml.MappingNode {
			return nil
		}
		keys := make([]string, 0, len(value.Content)/2)
		for j := 0; j+1 < len(value.Content); j += 2 {
			keys = append(keys, value.Content[j].Value)
		}
		return keys
	}
	return nil
}

type rawWidget struct {
	ID          string     `yaml:"id"`
	TapBehavior *string    `yaml:"tap_behavior"`
	Action      *rawAction `yaml:"action"`
}

type rawAction struct {
	Type string `yaml:"type"`
	Ref  string `yaml:"ref"`
}

// UnmarshalYAML decodes a widget and its tagged action.
func (w *Widget) UnmarshalYAML(node *yaml.Node) error {
	var raw rawWidget
	if err := node.Decode(&raw); err != nil {
		return err
	}
	w.ID = raw.ID
	w.TapBehavior = raw.TapBehavior
	w.Action = nil

	if raw.Action == nil {
		return nil
	}
	switch raw.Action.Type {
	case "macro":
		w.Action = MacroRef{ID: raw.Action.Ref}
	case "script":
		w.Action = ScriptRef{ID: raw.Action.Ref}
	default:
		return fmt.Errorf("line %d: unknown action type %q", node.Line, raw.Action.Type)
	}
	return nil
}

type rawMacro struct {
	Status      Status    `yaml:"status"`
	Description *string   `yaml:"description"`
	Tags        []string  `yaml:"tags"`
	Trigger     *Trigger  `yaml:"trigger"`
	Steps       []rawStep `yaml:"steps"`
}

type rawStep struct {
	Type string   `yaml:"type"`
	Keys []string `yaml:"keys"`
	Ms   int64    `yaml:"ms"`
}

// UnmarshalYAML decodes a macro, defaulting its status to draft.
func (m *Macro) UnmarshalYAML(node *yaml.Node) error {
	var raw rawMacro
	if err := node.Decode(&raw); err != nil {
		return err
	}

	m.Status = raw.Status
	if m.Status == "" {
		m.Status = StatusDraft
	}
	m.Description = raw.Description
	m.Tags = raw.Tags
	if m.Tags == nil {
		m.Tags = []string{}
	}
	m.Trigger = raw.Trigger
	if m.Trigger != nil && m.Trigger.Type == "" {
		return fmt.Errorf("line %d: trigger type is required", node.Line)
	}

	m.Steps = make([]Step, 0, len(raw.Steps))
	for _, s := range raw.Steps {
		switch s.Type {
		case "keystroke":
			keys := s.Keys
			if keys == nil {
				keys = []string{}
			}
			m.Steps = append(m.Steps, Keystroke{Keys: keys})
		case "pause":
			m.Steps = append(m.Steps, Pause{Ms: s.Ms})
		default:
			return fmt.Errorf("line %d: unknown step type %q", node.Line, s.Type)
		}
	}
	return nil
}

// UnmarshalYAML accepts "draft" or "ready".
func (s *Status) UnmarshalYAML(node *yaml.Node) error {
	switch Status(node.Value) {
	case StatusDraft, StatusReady:
		*s = Status(node.Value)
		return nil
	case "":
		*s = StatusDraft
		return nil
	}
	return fmt.Errorf("line %d: unknown macro status %q", node.Line, node.Value)
}

// UnmarshalYAML accepts the supported trigger types.
func (t *TriggerType) UnmarshalYAML(node *yaml.Node) error {
	if TriggerType(node.Value) != TriggerNote {
		return fmt.Errorf("line %d: unknown trigger type %q", node.Line, node.Value)
	}
	*t = TriggerNote
	return nil
}

// UnmarshalYAML accepts either an inline string or a mapping with a body key.
func (s *Script) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&s.Body)
	case yaml.MappingNode:
		var raw struct {
			Body string `yaml:"body"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		s.Body = raw.Body
		return nil
	}
	return fmt.Errorf("line %d: script must be a string or a mapping with a body", node.Line)
}
