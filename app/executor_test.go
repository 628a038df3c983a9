package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/artpar/macrodeck/adapters/clock"
	"github.com/artpar/macrodeck/adapters/keys"
	"github.com/artpar/macrodeck/app"
	"github.com/artpar/macrodeck/domain/bundle"
)

var slowSteps = []bundle.Step{
	{Kind: bundle.StepKeystroke, Keys: []string{"A"}},
	{Kind: bundle.StepPause, PauseMs: 100},
	{Kind: bundle.StepKeystroke, Keys: []string{"B"}},
}

func TestExecutor_RunsStepsInOrder(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rec := keys.NewRecorder()
	e := app.NewExecutor(rec, clk, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- e.Execute(context.Background(), "slow", slowSteps) }()

	require.Eventually(t, func() bool {
		return len(rec.Chords()) == 1 && clk.ActiveTimers() == 1
	}, 2*time.Second, time.Millisecond)

	clk.Advance(99 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("execution finished before the pause elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(time.Millisecond)
	require.NoError(t, <-done)
	require.Equal(t, [][]string{{"A"}, {"B"}}, rec.Chords())
}

func TestExecutor_KeyFailureStops(t *testing.T) {
	rec := keys.NewRecorder()
	rec.FailWith(errors.New("no display"))
	e := app.NewExecutor(rec, clock.Real{}, zerolog.Nop())

	err := e.Execute(context.Background(), "slow", slowSteps)
	require.EqualError(t, err, "macro slow step 0: no display")
}

func TestExecutor_CancelDuringKeys(t *testing.T) {
	rec := keys.NewGatedRecorder()
	e := app.NewExecutor(rec, clock.Real{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Execute(ctx, "slow", slowSteps) }()

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, rec.Chords())
}

func TestExecutor_CancelDuringPause(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rec := keys.NewRecorder()
	e := app.NewExecutor(rec, clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Execute(ctx, "slow", slowSteps) }()

	require.Eventually(t, func() bool { return clk.ActiveTimers() == 1 }, 2*time.Second, time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	require.Contains(t, err.Error(), "step 1")
	require.Equal(t, [][]string{{"A"}}, rec.Chords())
	require.Equal(t, 0, clk.ActiveTimers())
}

func TestExecutor_UnknownStepKind(t *testing.T) {
	e := app.NewExecutor(keys.NewRecorder(), clock.Real{}, zerolog.Nop())

	err := e.Execute(context.Background(), "odd", []bundle.Step{{Kind: "hover"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown step kind "hover"`)
}

func TestExecutor_Empty(t *testing.T) {
	e := app.NewExecutor(keys.NewRecorder(), clock.Real{}, zerolog.Nop())
	require.NoError(t, e.Execute(context.Background(), "none", nil))
}
