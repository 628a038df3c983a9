// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time

	// NewTimer creates a timer that fires once after d.
	NewTimer(d time.Duration) Timer
}

// Timer is a resettable one-shot timer.
type Timer interface {
	// C delivers the fire time once the timer expires.
	C() <-chan time.Time

	// Stop prevents the timer from firing. Returns false if it already fired
	// or was stopped.
	Stop() bool

	// Reset re-arms the timer to fire after d.
	Reset(d time.Duration)
}

// -----------------------------------------------------------------------------
// Filesystem Change Ports
// -----------------------------------------------------------------------------

// ChangeOp is a set of filesystem operations.
type ChangeOp uint8

const (
	OpWrite ChangeOp = 1 << iota
	OpCreate
	OpRemove
	OpRename
	OpChmod
)

// Relevant reports whether the operation may have changed file content.
// Metadata-only changes are not relevant.
func (op ChangeOp) Relevant() bool {
	return op&(OpWrite|OpCreate|OpRemove|OpRename) != 0
}

// String renders the set as "WRITE|CREATE".
func (op ChangeOp) String() string {
	var parts []string
	for _, o := range []struct {
		op   ChangeOp
		name string
	}{
		{OpWrite, "WRITE"},
		{OpCreate, "CREATE"},
		{OpRemove, "REMOVE"},
		{OpRename, "RENAME"},
		{OpChmod, "CHMOD"},
	} {
		if op&o.op != 0 {
			parts = append(parts, o.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// ChangeEvent is a filesystem notification for the watched profile.
type ChangeEvent struct {
	Path string
	Op   ChangeOp
}

// ChangeSource delivers change notifications in arrival order.
type ChangeSource interface {
	Events() <-chan ChangeEvent
	Errors() <-chan error
	Close() error
}

// -----------------------------------------------------------------------------
// Hardware and Execution Ports
// -----------------------------------------------------------------------------

// NoteEvent is an incoming note-on from a MIDI controller.
type NoteEvent struct {
	Note     uint8
	Velocity uint8
}

// NoteSource is a stream of hardware note events.
type NoteSource interface {
	Notes() <-chan NoteEvent
	Close() error
}

// KeySender injects keystrokes. Keys are pressed as a chord: every key but the
// last is held while the last is clicked.
// Implementations may block.
type KeySender interface {
	SendKeys(ctx context.Context, keys []string) error
}

// ScriptRunner executes a script body.
type ScriptRunner interface {
	Run(ctx context.Context, name, body string) error
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// Reload triggers.
const (
	TriggerStartup = "startup"
	TriggerWatch   = "watch"
	TriggerManual  = "manual"
)

// Reload outcomes.
const (
	OutcomeReloaded = "reloaded"
	OutcomeFailed   = "failed"
)

// ReloadRecord is one profile load attempt.
type ReloadRecord struct {
	ID         string
	At         time.Time
	Trigger    string
	Outcome    string
	Kind       string // failure kind, empty on success
	Generation uint64 // generation live after the attempt
	SourceHash uint64
	Devices    int
	Macros     int
	Errors     int
	Warnings   int
	Message    string
}

// ReloadJournal persists reload attempts.
type ReloadJournal interface {
	// Record appends an attempt.
	Record(ctx context.Context, r ReloadRecord) error

	// Recent returns the latest attempts, newest first.
	Recent(ctx context.Context, limit int) ([]ReloadRecord, error)

	// Get returns one attempt by id, or ErrNotFound.
	Get(ctx context.Context, id string) (ReloadRecord, error)
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ReloadObserver is notified of every load attempt with its duration.
type ReloadObserver interface {
	ObserveReload(r ReloadRecord, took time.Duration)
}

// -----------------------------------------------------------------------------
// Observation Ports
// -----------------------------------------------------------------------------

// WatchObserver is notified of relevant profile change notifications.
// coalesced is true when the change only extended an open debounce window.
type WatchObserver interface {
	ObserveChange(coalesced bool)
}

// ExecutionObserver is notified of macro and script executions.
type ExecutionObserver interface {
	ExecutionStarted(macro string)
	ExecutionFinished(macro, outcome string)
	TriggerMissed(note uint8)
	ScriptFinished(script, outcome string)
}
