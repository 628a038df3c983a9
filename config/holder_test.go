package config_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/macrodeck/adapters/clock"
	"github.com/artpar/macrodeck/config"
	"github.com/artpar/macrodeck/domain/profile"
	"github.com/artpar/macrodeck/ports"
)

func TestHolder_Snapshot(t *testing.T) {
	path := writeProfile(t, profileWith("draft"))

	h, err := config.NewHolder(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}

	snap := h.Snapshot()
	if snap == nil {
		t.Fatal("Snapshot returned nil")
	}
	if snap.Generation != 1 {
		t.Errorf("Generation = %d, want 1", snap.Generation)
	}
	if got := len(snap.Bundle().Macros); got != 1 {
		t.Errorf("macros = %d, want 1", got)
	}
	if !filepath.IsAbs(h.Path()) {
		t.Errorf("Path = %s, want absolute", h.Path())
	}
	if h.LastError() != nil {
		t.Errorf("LastError = %v, want nil", h.LastError())
	}
}

func TestHolder_InitialLoadFailure(t *testing.T) {
	path := writeProfile(t, "version: 1\nscripts:\n  blank: \"\"\n")

	_, err := config.NewHolder(context.Background(), path, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for invalid initial profile")
	}

	var le *config.LoadError
	if !errors.As(err, &le) || le.Kind != config.KindValidation {
		t.Errorf("err = %v, want validation LoadError", err)
	}
}

func TestHolder_Reload(t *testing.T) {
	path := writeProfile(t, profileWith("draft"))

	h, err := config.NewHolder(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}

	rewrite(t, path, profileWith("ready"))

	snap, err := h.Reload(context.Background(), ports.TriggerManual)
	if err != nil {
		t.Fatalf("Reload error: %v", err)
	}
	if snap.Generation != 2 {
		t.Errorf("Generation = %d, want 2", snap.Generation)
	}
	if got := len(h.Snapshot().Bundle().Macros); got != 2 {
		t.Errorf("macros after promotion = %d, want 2", got)
	}
	if h.Snapshot().Document.Macros["second"].Status != profile.StatusReady {
		t.Error("document was not replaced with the bundle")
	}
}

func TestHolder_ReloadFailuresKeepPrevious(t *testing.T) {
	tests := []struct {
		name    string
		content string // empty removes the file
		kind    config.ErrorKind
	}{
		{"missing file", "", config.KindIO},
		{"malformed yaml", "version: [\n", config.KindParse},
		{"validation error", "version: 2\n", config.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeProfile(t, profileWith("ready"))
			h, err := config.NewHolder(context.Background(), path, zerolog.Nop())
			if err != nil {
				t.Fatalf("NewHolder error: %v", err)
			}
			before := h.Snapshot()

			if tt.content == "" {
				os.Remove(path)
			} else {
				rewrite(t, path, tt.content)
			}

			snap, err := h.Reload(context.Background(), ports.TriggerWatch)
			if err == nil {
				t.Fatal("Reload should fail")
			}
			if snap != nil {
				t.Error("failed Reload returned a snapshot")
			}

			var le *config.LoadError
			if !errors.As(err, &le) {
				t.Fatalf("err = %T, want *LoadError", err)
			}
			if le.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", le.Kind, tt.kind)
			}
			if tt.kind == config.KindValidation && !le.Diagnostics.HasErrors() {
				t.Error("validation failure should carry diagnostics")
			}

			if h.Snapshot() != before {
				t.Error("previous snapshot should stay live")
			}
			if h.LastError() == nil {
				t.Error("LastError should report the failure")
			}
		})
	}
}

func TestHolder_ConsumersAppliedInOrder(t *testing.T) {
	path := writeProfile(t, profileWith("draft"))

	h, err := config.NewHolder(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}

	var order []string
	var gens []uint64
	for _, name := range []string{"triggers", "layout", "macros"} {
		name := name
		h.AddConsumer(config.ConsumerFunc(func(s *config.Snapshot) {
			order = append(order, name)
			gens = append(gens, s.Generation)
		}))
	}

	// Registration applies the live snapshot immediately.
	if fmt.Sprint(order) != "[triggers layout macros]" {
		t.Fatalf("initial order = %v", order)
	}

	order, gens = nil, nil
	rewrite(t, path, profileWith("ready"))
	if _, err := h.Reload(context.Background(), ports.TriggerManual); err != nil {
		t.Fatalf("Reload error: %v", err)
	}
	if fmt.Sprint(order) != "[triggers layout macros]" {
		t.Errorf("publish order = %v", order)
	}
	if fmt.Sprint(gens) != "[2 2 2]" {
		t.Errorf("generations = %v", gens)
	}

	// A failed reload publishes nothing.
	order = nil
	rewrite(t, path, "version: 9\n")
	_, _ = h.Reload(context.Background(), ports.TriggerManual)
	if len(order) != 0 {
		t.Errorf("consumers called on failure: %v", order)
	}
}

func TestHolder_JournalAndObserver(t *testing.T) {
	path := writeProfile(t, profileWith("ready"))
	journal := &memJournal{}
	observer := &memJournal{}
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	h, err := config.NewHolder(context.Background(), path, zerolog.Nop(),
		config.WithJournal(journal),
		config.WithObserver(observer),
		config.WithClock(clock.NewFake(at)),
	)
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	if got := uint64(at.Unix()); h.Snapshot().Bundle().Header.GeneratedAt != got {
		t.Errorf("GeneratedAt = %d, want %d", h.Snapshot().Bundle().Header.GeneratedAt, got)
	}

	rewrite(t, path, "version: 1\nmacros:\n  bad:\n    status: ready\n    steps: [{type: pause, ms: 0}]\n")
	_, _ = h.Reload(context.Background(), ports.TriggerWatch)

	recs := journal.all()
	if len(recs) != 2 {
		t.Fatalf("journal records = %d, want 2", len(recs))
	}

	first := recs[0]
	if first.Trigger != ports.TriggerStartup || first.Outcome != ports.OutcomeReloaded {
		t.Errorf("first = %+v", first)
	}
	if first.Macros != 2 || first.Devices != 1 || first.Generation != 1 || !first.At.Equal(at) {
		t.Errorf("first counts = %+v", first)
	}

	second := recs[1]
	if second.Trigger != ports.TriggerWatch || second.Outcome != ports.OutcomeFailed {
		t.Errorf("second = %+v", second)
	}
	if second.Kind != string(config.KindValidation) || second.Errors != 1 || second.Generation != 1 {
		t.Errorf("second details = %+v", second)
	}

	if len(observer.all()) != 2 {
		t.Errorf("observer calls = %d, want 2", len(observer.all()))
	}
}

func TestHolder_ConcurrentAccess(t *testing.T) {
	path := writeProfile(t, profileWith("draft"))

	h, err := config.NewHolder(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				snap := h.Snapshot()
				if snap == nil {
					t.Error("concurrent Snapshot returned nil")
					return
				}
				// Document and bundle must come from the same source.
				ready := 0
				for _, m := range snap.Document.Macros {
					if m.Ready() {
						ready++
					}
				}
				if ready != len(snap.Bundle().Macros) {
					t.Errorf("torn snapshot: %d ready macros, %d compiled", ready, len(snap.Bundle().Macros))
					return
				}
			}
		}()
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := "draft"
			if i%2 == 0 {
				status = "ready"
			}
			// Renames are atomic, so a reload never sees a half-written file.
			tmp := filepath.Join(filepath.Dir(path), fmt.Sprintf("tmp-%d", i))
			if err := os.WriteFile(tmp, []byte(profileWith(status)), 0644); err != nil {
				t.Error(err)
				return
			}
			if err := os.Rename(tmp, path); err != nil {
				t.Error(err)
				return
			}
			_, _ = h.Reload(context.Background(), ports.TriggerManual)
		}(i)
	}

	wg.Wait()
}

// Helpers

// profileWith returns a valid profile whose second macro has the given status.
func profileWith(status string) string {
	return fmt.Sprintf(`version: 1
devices:
  pad:
    hardware_id: "usb:pad"
    pages:
      - name: Main
        widgets:
          - id: one
            action:
              type: macro
              ref: first
macros:
  first:
    status: ready
    trigger:
      type: note
      number: 36
    steps:
      - type: keystroke
        keys: ["Ctrl", "S"]
  second:
    status: %s
    trigger:
      type: note
      number: 37
    steps:
      - type: pause
        ms: 10
`, status)
}

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	rewrite(t, path, content)
	return path
}

func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
}

type memJournal struct {
	mu   sync.Mutex
	recs []ports.ReloadRecord
}

func (j *memJournal) Record(_ context.Context, r ports.ReloadRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, r)
	return nil
}

func (j *memJournal) Recent(_ context.Context, limit int) ([]ports.ReloadRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]ports.ReloadRecord, 0, limit)
	for i := len(j.recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.recs[i])
	}
	return out, nil
}

func (j *memJournal) Get(_ context.Context, id string) (ports.ReloadRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range j.recs {
		if r.ID == id {
			return r, nil
		}
	}
	return ports.ReloadRecord{}, ports.ErrNotFound
}

func (j *memJournal) ObserveReload(r ports.ReloadRecord, _ time.Duration) {
	_ = j.Record(context.Background(), r)
}

func (j *memJournal) all() []ports.ReloadRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]ports.ReloadRecord(nil), j.recs...)
}
