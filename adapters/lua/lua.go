// Package lua runs profile scripts on gopher-lua.
//
// Scripts get a restricted standard library plus:
//
//	keys("Ctrl", "S")  -- press a chord
//	sleep(50)          -- wait for milliseconds
//	log("message")     -- write to the service log
package lua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/artpar/macrodeck/ports"
)

// DefaultTimeout bounds a single script run.
const DefaultTimeout = 30 * time.Second

// Runner executes scripts. Every run gets a fresh state, so scripts never
// share globals.
type Runner struct {
	keys    ports.KeySender
	clock   ports.Clock
	logger  zerolog.Logger
	timeout time.Duration
}

var _ ports.ScriptRunner = (*Runner)(nil)

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTimeout sets the per-run timeout. Zero disables it.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.timeout = d
	}
}

// NewRunner creates a runner that presses keys through keys and sleeps on clk.
func NewRunner(keys ports.KeySender, clk ports.Clock, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		keys:    keys,
		clock:   clk,
		logger:  logger.With().Str("component", "lua").Logger(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes body. It returns when the script ends, fails or ctx is done.
func (r *Runner) Run(ctx context.Context, name, body string) (err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	L := newState()
	defer L.Close()
	L.SetContext(ctx)

	L.SetGlobal("keys", L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		if n == 0 {
			L.ArgError(1, "at least one key expected")
			return 0
		}
		chord := make([]string, n)
		for i := 1; i <= n; i++ {
			chord[i-1] = L.CheckString(i)
		}
		if err := r.keys.SendKeys(ctx, chord); err != nil {
			L.RaiseError("keys: %v", err)
		}
		return 0
	}))
	L.SetGlobal("sleep", L.NewFunction(func(L *lua.LState) int {
		ms := L.CheckInt64(1)
		if ms < 0 {
			L.ArgError(1, "duration must not be negative")
			return 0
		}
		t := r.clock.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C():
		case <-ctx.Done():
			L.RaiseError("sleep: %v", ctx.Err())
		}
		return 0
	}))
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		r.logger.Info().Str("script", name).Msg(L.CheckString(1))
		return 0
	}))

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("script %s: lua panic: %v", name, rec)
		}
	}()

	if err := L.DoString(body); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("script %s: %w", name, ctxErr)
		}
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("script %s: %s", name, apiErr.Object.String())
		}
		return fmt.Errorf("script %s: %w", name, err)
	}
	return nil
}

// Check reports whether body compiles. It never runs the script.
func Check(body string) error {
	chunk, err := parse.Parse(strings.NewReader(body), "script")
	if err != nil {
		return err
	}
	_, err = lua.Compile(chunk, "script")
	return err
}

func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	// package reaches loadlib and the module loaders.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}
