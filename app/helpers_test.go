package app_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/artpar/macrodeck/app"
	"github.com/artpar/macrodeck/config"
	"github.com/artpar/macrodeck/core/events"
)

// deckProfile returns a valid profile whose `later` macro has the given status.
func deckProfile(laterStatus string) string {
	return fmt.Sprintf(`version: 1
devices:
  pad:
    hardware_id: "usb:pad"
    pages:
      - name: Main
        widgets:
          - id: save
            action: {type: macro, ref: save}
          - id: greet
            action: {type: script, ref: greet}
          - id: blank
      - name: Extra
        widgets:
          - id: later
            action: {type: macro, ref: later}
macros:
  save:
    status: ready
    trigger: {type: note, number: 36}
    steps:
      - type: keystroke
        keys: ["Ctrl", "S"]
  slow:
    status: ready
    trigger: {type: note, number: 37}
    steps:
      - type: keystroke
        keys: ["A"]
      - type: pause
        ms: 100
      - type: keystroke
        keys: ["B"]
  later:
    status: %s
    steps:
      - type: keystroke
        keys: ["L"]
scripts:
  greet: "keys('G')"
`, laterStatus)
}

const brokenProfile = `version: 1
macros:
  bad:
    status: ready
    trigger: {type: note, number: 200}
    steps:
      - type: pause
        ms: 0
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func newHolder(t *testing.T, content string) *config.Holder {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	writeFile(t, path, content)

	h, err := config.NewHolder(context.Background(), path, zerolog.Nop())
	require.NoError(t, err)
	return h
}

// tables wires the four consumers onto a holder in publication order.
type tables struct {
	triggers *app.TriggerTable
	layout   *app.LayoutTable
	macros   *app.MacroTable
	scripts  *app.ScriptTable
}

func attachTables(h *config.Holder) tables {
	tb := tables{
		triggers: app.NewTriggerTable(),
		layout:   app.NewLayoutTable(),
		macros:   app.NewMacroTable(),
		scripts:  app.NewScriptTable(),
	}
	h.AddConsumer(tb.triggers)
	h.AddConsumer(tb.layout)
	h.AddConsumer(tb.macros)
	h.AddConsumer(tb.scripts)
	return tb
}

func nextEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case e, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no event within timeout")
		return events.Event{}
	}
}

func noEvent(t *testing.T, sub *events.Subscription) {
	t.Helper()
	select {
	case e := <-sub.C():
		t.Fatalf("unexpected event %s", e.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

type stubRunner struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (r *stubRunner) Run(_ context.Context, name, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, name+":"+body)
	return r.err
}

func (r *stubRunner) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

type stubObserver struct {
	mu       sync.Mutex
	started  []string
	finished []string
	misses   []uint8
	scripts  []string
}

func (o *stubObserver) ExecutionStarted(macro string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, macro)
}

func (o *stubObserver) ExecutionFinished(macro, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, macro+":"+outcome)
}

func (o *stubObserver) TriggerMissed(note uint8) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.misses = append(o.misses, note)
}

func (o *stubObserver) ScriptFinished(script, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scripts = append(o.scripts, script+":"+outcome)
}

func (o *stubObserver) snapshot() (started, finished []string, misses []uint8, scripts []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.started...),
		append([]string(nil), o.finished...),
		append([]uint8(nil), o.misses...),
		append([]string(nil), o.scripts...)
}
