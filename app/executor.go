package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/macrodeck/domain/bundle"
	"github.com/artpar/macrodeck/ports"
)

// Executor runs captured macro steps.
type Executor struct {
	keys   ports.KeySender
	clock  ports.Clock
	logger zerolog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(keys ports.KeySender, clk ports.Clock, logger zerolog.Logger) *Executor {
	return &Executor{
		keys:   keys,
		clock:  clk,
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

// Execute runs steps in order. It stops at the first failing step or when
// ctx is cancelled.
func (e *Executor) Execute(ctx context.Context, macroID string, steps []bundle.Step) error {
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch step.Kind {
		case bundle.StepKeystroke:
			e.logger.Debug().Str("macro", macroID).Strs("keys", step.Keys).Msg("keystroke")
			err = e.sendKeys(ctx, step.Keys)
		case bundle.StepPause:
			err = e.pause(ctx, time.Duration(step.PauseMs)*time.Millisecond)
		default:
			err = fmt.Errorf("unknown step kind %q", step.Kind)
		}
		if err != nil {
			return fmt.Errorf("macro %s step %d: %w", macroID, i, err)
		}
	}
	return nil
}

// sendKeys runs the blocking injection on its own goroutine so cancellation
// is observed even if the sender ignores ctx.
func (e *Executor) sendKeys(ctx context.Context, keys []string) error {
	done := make(chan error, 1)
	go func() {
		done <- e.keys.SendKeys(ctx, keys)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) pause(ctx context.Context, d time.Duration) error {
	t := e.clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
