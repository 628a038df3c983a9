// Package bundle defines the compiled runtime bundle and its binary format.
//
// An artifact is a fixed 20 byte little-endian header followed by a msgpack
// body:
//
//	offset 0  u32 format version
//	offset 4  u64 source hash
//	offset 12 u64 generated at (unix seconds)
//	offset 20 body
//
// Readers check the format version before decoding the body.
package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// FormatVersion is the only artifact version this build reads and writes.
const FormatVersion uint32 = 1

// HeaderSize is the encoded header length in bytes.
const HeaderSize = 20

var (
	// ErrTruncated is returned when input is shorter than a header.
	ErrTruncated = errors.New("bundle truncated")

	// ErrUnsupportedVersion is returned for an unknown format version.
	ErrUnsupportedVersion = errors.New("unsupported bundle format version")

	// ErrCorrupt is returned when the body cannot be decoded.
	ErrCorrupt = errors.New("bundle body corrupt")
)

// Header identifies an artifact.
type Header struct {
	FormatVersion uint32 `json:"format_version"`
	SourceHash    uint64 `json:"source_hash"`
	GeneratedAt   uint64 `json:"generated_at"`
}

// Bundle is the runtime-ready form of a profile.
type Bundle struct {
	Header  Header         `json:"header"`
	Devices []DeviceLayout `json:"devices"`
	Macros  []MacroEntry   `json:"macros"`
}

// DeviceLayout is the page layout for one device.
type DeviceLayout struct {
	ID         string       `msgpack:"id" json:"id"`
	HardwareID string       `msgpack:"hardware_id" json:"hardware_id"`
	Pages      []LayoutPage `msgpack:"pages" json:"pages"`
}

type LayoutPage struct {
	Name    string         `msgpack:"name" json:"name"`
	Widgets []LayoutWidget `msgpack:"widgets" json:"widgets"`
}

type LayoutWidget struct {
	ID          string        `msgpack:"id" json:"id"`
	TapBehavior *string       `msgpack:"tap_behavior,omitempty" json:"tap_behavior,omitempty"`
	Action      *WidgetAction `msgpack:"action" json:"action,omitempty"`
}

// ActionKind is the target kind of a widget action.
type ActionKind string

const (
	ActionMacro  ActionKind = "macro"
	ActionScript ActionKind = "script"
)

type WidgetAction struct {
	Kind ActionKind `msgpack:"kind" json:"kind"`
	Ref  string     `msgpack:"ref" json:"ref"`
}

// MacroEntry is a compiled Ready macro.
type MacroEntry struct {
	ID          string   `msgpack:"id" json:"id"`
	Description *string  `msgpack:"description,omitempty" json:"description,omitempty"`
	Tags        []string `msgpack:"tags" json:"tags"`
	Trigger     *Trigger `msgpack:"trigger" json:"trigger,omitempty"`
	Steps       []Step   `msgpack:"steps" json:"steps"`
}

// Trigger is a validated note trigger.
type Trigger struct {
	Note uint8 `msgpack:"note" json:"note"`
}

// StepKind discriminates Step.
type StepKind string

const (
	StepKeystroke StepKind = "keystroke"
	StepPause     StepKind = "pause"
)

// Step is a compiled macro step. Keys is set for keystrokes, PauseMs for pauses.
type Step struct {
	Kind    StepKind `msgpack:"kind" json:"kind"`
	Keys    []string `msgpack:"keys" json:"keys,omitempty"`
	PauseMs uint64   `msgpack:"pause_ms" json:"pause_ms,omitempty"`
}

type body struct {
	Devices []DeviceLayout `msgpack:"devices"`
	Macros  []MacroEntry   `msgpack:"macros"`
}

// MacroByID returns the macro entry with the given id.
func (b *Bundle) MacroByID(id string) (MacroEntry, bool) {
	for _, m := range b.Macros {
		if m.ID == id {
			return m, true
		}
	}
	return MacroEntry{}, false
}

// Device returns the layout for a device id.
func (b *Bundle) Device(id string) (DeviceLayout, bool) {
	for _, d := range b.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceLayout{}, false
}

// Encode serializes the bundle. The header version is always FormatVersion.
func Encode(b *Bundle) ([]byte, error) {
	payload, err := msgpack.Marshal(body{Devices: b.Devices, Macros: b.Macros})
	if err != nil {
		return nil, fmt.Errorf("encode bundle body: %w", err)
	}

	out := make([]byte, HeaderSize, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], FormatVersion)
	binary.LittleEndian.PutUint64(out[4:12], b.Header.SourceHash)
	binary.LittleEndian.PutUint64(out[12:20], b.Header.GeneratedAt)
	return append(out, payload...), nil
}

// ReadHeader decodes and checks the header only.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	h := Header{
		FormatVersion: binary.LittleEndian.Uint32(data[0:4]),
		SourceHash:    binary.LittleEndian.Uint64(data[4:12]),
		GeneratedAt:   binary.LittleEndian.Uint64(data[12:20]),
	}
	if h.FormatVersion != FormatVersion {
		return h, fmt.Errorf("%w: %d (supported %d)", ErrUnsupportedVersion, h.FormatVersion, FormatVersion)
	}
	return h, nil
}

// Decode parses an artifact produced by Encode.
func Decode(data []byte) (*Bundle, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}

	var payload body
	if err := msgpack.Unmarshal(data[HeaderSize:], &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &Bundle{Header: h, Devices: payload.Devices, Macros: payload.Macros}, nil
}
