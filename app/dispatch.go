package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/macrodeck/core/events"
	"github.com/artpar/macrodeck/domain/bundle"
	"github.com/artpar/macrodeck/ports"
)

var (
	ErrUnknownMacro  = errors.New("unknown macro")
	ErrUnknownScript = errors.New("unknown script")
	ErrUnknownWidget = errors.New("unknown widget")
	ErrNoAction      = errors.New("widget has no action")
	ErrStopped       = errors.New("dispatcher stopped")
)

// Execution outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// DispatcherDeps contains dependencies for Dispatcher.
type DispatcherDeps struct {
	Triggers *TriggerTable
	Layout   *LayoutTable
	Macros   *MacroTable
	Scripts  *ScriptTable
	Executor *Executor
	Runner   ports.ScriptRunner // optional
	Bus      *events.Bus
	Clock    ports.Clock
	Observer ports.ExecutionObserver // optional
}

// Dispatcher starts macro and script executions from hardware notes and
// widget presses. Every execution runs on its own goroutine and captures its
// steps at start; reloads never cancel or alter running executions.
type Dispatcher struct {
	deps   DispatcherDeps
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Executions live until Stop.
func NewDispatcher(deps DispatcherDeps, logger zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		deps:   deps,
		logger: logger.With().Str("component", "dispatcher").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run dispatches note-on events until ctx is cancelled or notes closes.
func (d *Dispatcher) Run(ctx context.Context, notes ports.NoteSource) error {
	d.logger.Info().Msg("listening for trigger notes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notes.Notes():
			if !ok {
				d.logger.Warn().Msg("note source closed")
				return nil
			}
			d.HandleNote(n)
		}
	}
}

// HandleNote starts the macro bound to a note-on. Note-offs are ignored.
func (d *Dispatcher) HandleNote(n ports.NoteEvent) {
	if n.Velocity == 0 {
		return
	}

	id, ok := d.deps.Triggers.Lookup(n.Note)
	if !ok {
		d.logger.Debug().Uint8("note", n.Note).Msg("no macro bound to note")
		if d.deps.Observer != nil {
			d.deps.Observer.TriggerMissed(n.Note)
		}
		return
	}

	if err := d.Invoke(id); err != nil {
		d.logger.Warn().Err(err).Uint8("note", n.Note).Str("macro", id).Msg("trigger dispatch failed")
	}
}

// Invoke starts a Ready macro by id. It returns once the execution has
// started; Ready macros without a trigger are invocable too.
func (d *Dispatcher) Invoke(macroID string) error {
	steps, ok := d.deps.Macros.Steps(macroID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMacro, macroID)
	}
	return d.spawn(func(ctx context.Context) { d.runMacro(ctx, macroID, steps) })
}

// Press performs a widget's action.
func (d *Dispatcher) Press(deviceID, widgetID string) error {
	w, ok := d.deps.Layout.Widget(deviceID, widgetID)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownWidget, deviceID, widgetID)
	}
	if w.Action == nil {
		return fmt.Errorf("%w: %s/%s", ErrNoAction, deviceID, widgetID)
	}

	switch w.Action.Kind {
	case bundle.ActionMacro:
		return d.Invoke(w.Action.Ref)
	case bundle.ActionScript:
		return d.RunScript(w.Action.Ref)
	default:
		return fmt.Errorf("unknown action kind %q", w.Action.Kind)
	}
}

// RunScript starts a script by id.
func (d *Dispatcher) RunScript(scriptID string) error {
	if d.deps.Runner == nil {
		return fmt.Errorf("%w: scripts are disabled", ErrUnknownScript)
	}
	body, ok := d.deps.Scripts.Body(scriptID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScript, scriptID)
	}
	return d.spawn(func(ctx context.Context) { d.runScript(ctx, scriptID, body) })
}

// Wait blocks until every started execution has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stop cancels running executions and waits for them to return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) spawn(fn func(ctx context.Context)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(d.ctx)
	}()
	return nil
}

func (d *Dispatcher) runMacro(ctx context.Context, id string, steps []bundle.Step) {
	if d.deps.Observer != nil {
		d.deps.Observer.ExecutionStarted(id)
	}
	d.publish(events.Event{Name: events.MacroStarted, Macro: id})

	err := d.deps.Executor.Execute(ctx, id, steps)

	outcome := OutcomeCompleted
	switch {
	case err == nil:
		d.logger.Info().Str("macro", id).Int("steps", len(steps)).Msg("macro completed")
		d.publish(events.Event{Name: events.MacroCompleted, Macro: id})
	case errors.Is(err, context.Canceled):
		outcome = OutcomeCancelled
		d.logger.Info().Str("macro", id).Msg("macro cancelled")
		d.publish(events.Event{Name: events.MacroFailed, Macro: id, Err: err})
	default:
		outcome = OutcomeFailed
		d.logger.Error().Err(err).Str("macro", id).Msg("macro failed")
		d.publish(events.Event{Name: events.MacroFailed, Macro: id, Err: err})
	}

	if d.deps.Observer != nil {
		d.deps.Observer.ExecutionFinished(id, outcome)
	}
}

func (d *Dispatcher) runScript(ctx context.Context, id, body string) {
	err := d.deps.Runner.Run(ctx, id, body)

	outcome := OutcomeCompleted
	if err != nil {
		outcome = OutcomeFailed
		d.logger.Error().Err(err).Str("script", id).Msg("script failed")
		d.publish(events.Event{Name: events.ScriptFailed, Script: id, Err: err})
	} else {
		d.publish(events.Event{Name: events.ScriptCompleted, Script: id})
	}

	if d.deps.Observer != nil {
		d.deps.Observer.ScriptFinished(id, outcome)
	}
}

func (d *Dispatcher) publish(e events.Event) {
	if d.deps.Bus == nil {
		return
	}
	if d.deps.Clock != nil {
		e.At = d.deps.Clock.Now()
	}
	d.deps.Bus.Publish(e)
}
