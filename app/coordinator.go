package app

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/macrodeck/adapters/clock"
	"github.com/artpar/macrodeck/config"
	"github.com/artpar/macrodeck/core/events"
	"github.com/artpar/macrodeck/ports"
)

// DefaultDebounce is the quiet period after the last change before recompiling.
const DefaultDebounce = 250 * time.Millisecond

// State is the coordinator's reload state.
type State int32

const (
	StateIdle State = iota
	StateDebouncing
	StateRecompiling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateRecompiling:
		return "recompiling"
	default:
		return "unknown"
	}
}

// Reloader runs the profile pipeline and publishes on success.
type Reloader interface {
	Reload(ctx context.Context, trigger string) (*config.Snapshot, error)
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithDebounce sets the debounce window.
func WithDebounce(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithClock sets the clock that drives the debounce timer.
func WithClock(clk ports.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithWatchObserver reports change notifications, typically to metrics.
func WithWatchObserver(o ports.WatchObserver) CoordinatorOption {
	return func(c *Coordinator) {
		c.observer = o
	}
}

type reloadRequest struct {
	ctx   context.Context
	reply chan reloadResult
}

type reloadResult struct {
	snap *config.Snapshot
	err  error
}

// Coordinator turns bursts of file changes into single recompilations.
//
// A relevant change in Idle arms the debounce timer. Further changes while
// Debouncing restart it. When it fires the coordinator recompiles from the
// file as it is at that moment and broadcasts the outcome. Changes that
// arrive while Recompiling are handled afterwards and open a new window.
type Coordinator struct {
	holder   Reloader
	source   ports.ChangeSource
	bus      *events.Bus
	logger   zerolog.Logger
	clock    ports.Clock
	debounce time.Duration
	observer ports.WatchObserver

	manual chan reloadRequest

	state          atomic.Int32
	recompilations atomic.Uint64
	observed       atomic.Uint64
}

// NewCoordinator creates a coordinator. source may be nil when only manual
// reloads are wanted.
func NewCoordinator(holder Reloader, source ports.ChangeSource, bus *events.Bus, logger zerolog.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		holder:   holder,
		source:   source,
		bus:      bus,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		clock:    clock.Real{},
		debounce: DefaultDebounce,
		manual:   make(chan reloadRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Recompilations returns how many pipeline runs the coordinator started.
func (c *Coordinator) Recompilations() uint64 {
	return c.recompilations.Load()
}

// Observed returns how many relevant change notifications were handled.
func (c *Coordinator) Observed() uint64 {
	return c.observed.Load()
}

// Debounce returns the debounce window.
func (c *Coordinator) Debounce() time.Duration {
	return c.debounce
}

// Run processes change notifications until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	var (
		changes <-chan ports.ChangeEvent
		errs    <-chan error
		timer   ports.Timer
		fire    <-chan time.Time
	)
	if c.source != nil {
		changes = c.source.Events()
		errs = c.source.Errors()
	}

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	c.logger.Info().Dur("debounce", c.debounce).Msg("reload coordinator started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("reload coordinator stopped")
			return nil

		case ev, ok := <-changes:
			if !ok {
				c.logger.Warn().Msg("change source closed, watching stopped")
				changes = nil
				continue
			}
			if !ev.Op.Relevant() {
				c.logger.Debug().Str("op", ev.Op.String()).Msg("ignoring metadata change")
				continue
			}

			coalesced := c.State() == StateDebouncing
			if timer == nil {
				timer = c.clock.NewTimer(c.debounce)
			} else {
				timer.Reset(c.debounce)
			}
			fire = timer.C()
			c.setState(StateDebouncing)

			c.logger.Debug().
				Str("op", ev.Op.String()).
				Str("file", ev.Path).
				Bool("coalesced", coalesced).
				Msg("profile changed")
			if c.observer != nil {
				c.observer.ObserveChange(coalesced)
			}
			c.observed.Add(1)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.logger.Error().Err(err).Msg("file watcher error")

		case <-fire:
			fire = nil
			c.recompile(ctx, ports.TriggerWatch)

		case req := <-c.manual:
			// A manual reload subsumes a pending window.
			if fire != nil {
				timer.Stop()
				fire = nil
			}
			snap, err := c.recompile(req.ctx, ports.TriggerManual)
			req.reply <- reloadResult{snap: snap, err: err}
		}
	}
}

// ReloadNow recompiles immediately on the coordinator's goroutine and returns
// the outcome. It blocks until Run picks the request up or ctx ends.
func (c *Coordinator) ReloadNow(ctx context.Context) (*config.Snapshot, error) {
	req := reloadRequest{ctx: ctx, reply: make(chan reloadResult, 1)}

	select {
	case c.manual <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	res := <-req.reply
	return res.snap, res.err
}

func (c *Coordinator) recompile(ctx context.Context, trigger string) (*config.Snapshot, error) {
	c.setState(StateRecompiling)
	defer c.setState(StateIdle)
	c.recompilations.Add(1)

	snap, err := c.holder.Reload(ctx, trigger)
	if err != nil {
		ev := events.Event{
			Name:    events.ProfileFailed,
			At:      c.clock.Now(),
			Trigger: trigger,
			Err:     err,
		}
		var le *config.LoadError
		if errors.As(err, &le) {
			ev.Diagnostics = le.Diagnostics
		}
		c.bus.Publish(ev)
		return nil, err
	}

	c.bus.Publish(events.Event{
		Name:        events.ProfileReloaded,
		At:          c.clock.Now(),
		Trigger:     trigger,
		Generation:  snap.Generation,
		SourceHash:  snap.Bundle().Header.SourceHash,
		Macros:      len(snap.Bundle().Macros),
		Diagnostics: snap.Result.Diagnostics,
	})
	return snap, nil
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}
