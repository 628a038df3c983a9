package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/macrodeck/domain/bundle"
	"github.com/artpar/macrodeck/domain/compile"
	"github.com/artpar/macrodeck/domain/diagnostic"
	"github.com/artpar/macrodeck/domain/profile"
	"github.com/artpar/macrodeck/ports"
)

// ErrorKind classifies a failed profile load.
type ErrorKind string

const (
	KindIO         ErrorKind = "io"
	KindParse      ErrorKind = "parse"
	KindValidation ErrorKind = "validation"
	KindBuild      ErrorKind = "build"
)

// LoadError is returned when the profile pipeline rejects the file.
// The previously published snapshot stays live.
type LoadError struct {
	Kind        ErrorKind
	Path        string
	Diagnostics diagnostic.List // set for KindValidation
	Err         error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load profile %s (%s): %v", e.Path, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Snapshot is one published generation of the profile.
// Document and Result always come from the same source bytes.
type Snapshot struct {
	Document   *profile.Document
	Result     *compile.Result
	Generation uint64
	LoadedAt   time.Time
}

// Bundle returns the compiled bundle.
func (s *Snapshot) Bundle() *bundle.Bundle {
	return s.Result.Bundle
}

// Consumer is a runtime projection of the bundle.
// Apply is called with the holder's write lock held and must not call back
// into the holder.
type Consumer interface {
	Apply(s *Snapshot)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(s *Snapshot)

func (f ConsumerFunc) Apply(s *Snapshot) { f(s) }

// HolderOption configures a Holder.
type HolderOption func(*Holder)

// WithJournal records every load attempt.
func WithJournal(j ports.ReloadJournal) HolderOption {
	return func(h *Holder) {
		h.journal = j
	}
}

// WithObserver reports every load attempt, typically to metrics.
func WithObserver(o ports.ReloadObserver) HolderOption {
	return func(h *Holder) {
		h.observer = o
	}
}

// WithClock sets the clock for load timestamps and bundle headers.
func WithClock(c ports.Clock) HolderOption {
	return func(h *Holder) {
		h.clock = c
	}
}

// WithCompileOptions passes options to every compile.
func WithCompileOptions(opts ...compile.Option) HolderOption {
	return func(h *Holder) {
		h.compileOpts = append(h.compileOpts, opts...)
	}
}

// Holder owns the live profile and bundle.
// Readers take snapshots; Reload replaces document and bundle together and
// publishes to consumers before any reader can observe the new generation.
type Holder struct {
	mu        sync.RWMutex
	current   *Snapshot
	lastErr   error
	consumers []Consumer

	// reloadMu serializes pipeline runs so attempts are journaled in order.
	reloadMu sync.Mutex

	path        string
	logger      zerolog.Logger
	clock       ports.Clock
	journal     ports.ReloadJournal
	observer    ports.ReloadObserver
	compileOpts []compile.Option
}

// NewHolder creates a holder and loads the initial profile.
// An invalid initial profile is a startup error.
func NewHolder(ctx context.Context, path string, logger zerolog.Logger, opts ...HolderOption) (*Holder, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	h := &Holder{
		path:   absPath,
		logger: logger.With().Str("component", "holder").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}

	if _, err := h.Reload(ctx, ports.TriggerStartup); err != nil {
		return nil, fmt.Errorf("initial profile invalid: %w", err)
	}

	return h, nil
}

// Path returns the absolute profile path.
func (h *Holder) Path() string {
	return h.path
}

// Snapshot returns the live generation (thread-safe).
func (h *Holder) Snapshot() *Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// LastError returns the error of the most recent attempt, or nil if it succeeded.
func (h *Holder) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// AddConsumer registers a projection and applies the live snapshot to it.
// Consumers are published to in registration order.
func (h *Holder) AddConsumer(c Consumer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consumers = append(h.consumers, c)
	if h.current != nil {
		c.Apply(h.current)
	}
}

// Reload reads, validates and compiles the profile file as it is now.
// On failure the previous snapshot is kept and a *LoadError is returned.
func (h *Holder) Reload(ctx context.Context, trigger string) (*Snapshot, error) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	h.logger.Info().Str("path", h.path).Str("trigger", trigger).Msg("reloading profile")

	start := time.Now()
	doc, res, err := h.load()
	took := time.Since(start)

	rec := ports.ReloadRecord{At: h.now(), Trigger: trigger}

	if err != nil {
		var le *LoadError
		errors.As(err, &le)

		h.mu.Lock()
		h.lastErr = err
		if h.current != nil {
			rec.Generation = h.current.Generation
		}
		h.mu.Unlock()

		rec.Outcome = ports.OutcomeFailed
		rec.Kind = string(le.Kind)
		rec.Errors = le.Diagnostics.Count(diagnostic.Error)
		rec.Warnings = le.Diagnostics.Count(diagnostic.Warning)
		rec.Message = le.Err.Error()
		h.record(ctx, rec, took)

		h.logger.Error().
			Err(le.Err).
			Str("kind", string(le.Kind)).
			Int("errors", rec.Errors).
			Msg("profile load failed, keeping previous bundle")
		return nil, err
	}

	h.mu.Lock()
	prev := h.current
	snap := &Snapshot{Document: doc, Result: res, LoadedAt: rec.At, Generation: 1}
	if prev != nil {
		snap.Generation = prev.Generation + 1
	}
	h.current = snap
	h.lastErr = nil
	for _, c := range h.consumers {
		c.Apply(snap)
	}
	h.mu.Unlock()

	b := res.Bundle
	rec.Outcome = ports.OutcomeReloaded
	rec.Generation = snap.Generation
	rec.SourceHash = b.Header.SourceHash
	rec.Devices = len(b.Devices)
	rec.Macros = len(b.Macros)
	rec.Warnings = res.Diagnostics.Count(diagnostic.Warning)
	h.record(ctx, rec, took)

	for _, d := range res.Diagnostics {
		h.logger.Warn().Str("path", d.Path).Str("severity", d.Severity.String()).Msg(d.Message)
	}
	if prev != nil {
		h.logChanges(prev, snap)
	}
	h.logger.Info().
		Uint64("generation", snap.Generation).
		Int("macros", rec.Macros).
		Int("devices", rec.Devices).
		Dur("took", took).
		Msg("profile loaded")

	return snap, nil
}

func (h *Holder) load() (*profile.Document, *compile.Result, error) {
	src, err := os.ReadFile(h.path)
	if err != nil {
		return nil, nil, &LoadError{Kind: KindIO, Path: h.path, Err: err}
	}

	doc, err := profile.Parse(src)
	if err != nil {
		return nil, nil, &LoadError{Kind: KindParse, Path: h.path, Err: err}
	}

	opts := h.compileOpts
	if h.clock != nil {
		opts = append([]compile.Option{compile.WithClock(h.clock)}, opts...)
	}
	res, err := compile.Compile(doc, src, opts...)
	if err != nil {
		if diags, ok := compile.ValidationDiagnostics(err); ok {
			return nil, nil, &LoadError{Kind: KindValidation, Path: h.path, Diagnostics: diags, Err: err}
		}
		return nil, nil, &LoadError{Kind: KindBuild, Path: h.path, Err: err}
	}

	return doc, res, nil
}

func (h *Holder) now() time.Time {
	if h.clock != nil {
		return h.clock.Now()
	}
	return time.Now()
}

func (h *Holder) record(ctx context.Context, rec ports.ReloadRecord, took time.Duration) {
	if h.observer != nil {
		h.observer.ObserveReload(rec, took)
	}
	if h.journal != nil {
		if err := h.journal.Record(ctx, rec); err != nil {
			h.logger.Warn().Err(err).Msg("failed to journal reload")
		}
	}
}

func (h *Holder) logChanges(old, new *Snapshot) {
	ob, nb := old.Bundle(), new.Bundle()

	if ob.Header.SourceHash == nb.Header.SourceHash {
		h.logger.Debug().Msg("profile content unchanged")
		return
	}

	if len(ob.Macros) != len(nb.Macros) {
		h.logger.Info().
			Int("old", len(ob.Macros)).
			Int("new", len(nb.Macros)).
			Msg("ready macro count changed")
	}

	if len(ob.Devices) != len(nb.Devices) {
		h.logger.Info().
			Int("old", len(ob.Devices)).
			Int("new", len(nb.Devices)).
			Msg("device count changed")
	}
}
