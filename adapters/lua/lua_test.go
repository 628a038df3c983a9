package lua_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/artpar/macrodeck/adapters/clock"
	"github.com/artpar/macrodeck/adapters/keys"
	"github.com/artpar/macrodeck/adapters/lua"
)

func TestRunner_Keys(t *testing.T) {
	rec := keys.NewRecorder()
	r := lua.NewRunner(rec, clock.Real{}, zerolog.Nop())

	err := r.Run(context.Background(), "copy", `
for i = 1, 2 do
  keys("Ctrl", "C")
end
keys(string.upper("v"))
`)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"Ctrl", "C"}, {"Ctrl", "C"}, {"V"}}, rec.Chords())
}

func TestRunner_Sleep(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rec := keys.NewRecorder()
	r := lua.NewRunner(rec, clk, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), "wait", `keys("A") sleep(500) keys("B")`) }()

	require.Eventually(t, func() bool { return clk.ActiveTimers() == 1 }, 2*time.Second, time.Millisecond)
	require.Len(t, rec.Chords(), 1)

	clk.Advance(500 * time.Millisecond)
	require.NoError(t, <-done)
	require.Equal(t, [][]string{{"A"}, {"B"}}, rec.Chords())
}

func TestRunner_Cancel(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	r := lua.NewRunner(keys.NewRecorder(), clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, "wait", `sleep(10000)`) }()

	require.Eventually(t, func() bool { return clk.ActiveTimers() == 1 }, 2*time.Second, time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunner_Timeout(t *testing.T) {
	r := lua.NewRunner(keys.NewRecorder(), clock.Real{}, zerolog.Nop(), lua.WithTimeout(20*time.Millisecond))

	err := r.Run(context.Background(), "spin", `while true do end`)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunner_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"runtime error", `error("nope")`, "nope"},
		{"syntax error", `keys(`, "script bad"},
		{"no keys", `keys()`, "at least one key"},
		{"negative sleep", `sleep(-1)`, "must not be negative"},
		{"io removed", `io.open("/etc/passwd")`, "script bad"},
		{"require removed", `require("os")`, "script bad"},
		{"loadstring removed", `loadstring("x = 1")()`, "script bad"},
		{"package removed", `package.loadlib("libc.so", "open")`, "script bad"},
		{"loaders removed", `package.loaders[2]("os")`, "script bad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := lua.NewRunner(keys.NewRecorder(), clock.Real{}, zerolog.Nop())
			err := r.Run(context.Background(), "bad", tt.body)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestRunner_NoPackageGlobal(t *testing.T) {
	rec := keys.NewRecorder()
	r := lua.NewRunner(rec, clock.Real{}, zerolog.Nop())

	body := `if package == nil and require == nil and dofile == nil then keys("sealed") end`
	require.NoError(t, r.Run(context.Background(), "sealed", body))
	require.Equal(t, [][]string{{"sealed"}}, rec.Chords())
}

func TestRunner_KeySenderFailure(t *testing.T) {
	rec := keys.NewRecorder()
	rec.FailWith(errors.New("no display"))
	r := lua.NewRunner(rec, clock.Real{}, zerolog.Nop())

	err := r.Run(context.Background(), "copy", `keys("A")`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no display")
}

func TestRunner_FreshStatePerRun(t *testing.T) {
	rec := keys.NewRecorder()
	r := lua.NewRunner(rec, clock.Real{}, zerolog.Nop())

	require.NoError(t, r.Run(context.Background(), "a", `shared = "X"`))
	require.NoError(t, r.Run(context.Background(), "b", `if shared == nil then keys("fresh") end`))
	require.Equal(t, [][]string{{"fresh"}}, rec.Chords())
}

func TestCheck(t *testing.T) {
	require.NoError(t, lua.Check(`keys("A")`))
	require.NoError(t, lua.Check(`undefined_function()`))
	require.Error(t, lua.Check(`keys(`))
	require.Error(t, lua.Check(`end end`))
}
