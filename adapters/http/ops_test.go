package http_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/artpar/macrodeck/adapters/clock"
	apihttp "github.com/artpar/macrodeck/adapters/http"
	"github.com/artpar/macrodeck/adapters/keys"
	"github.com/artpar/macrodeck/adapters/metrics"
	"github.com/artpar/macrodeck/adapters/sqlite"
	"github.com/artpar/macrodeck/app"
	"github.com/artpar/macrodeck/config"
	"github.com/artpar/macrodeck/core/events"
	"github.com/artpar/macrodeck/domain/bundle"
)

const testProfile = `version: 1
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
          - id: later
            action: {type: macro, ref: later}
macros:
  save:
    status: ready
    trigger: {type: note, number: 36}
    steps:
      - type: keystroke
        keys: ["Ctrl", "S"]
  undo:
    status: ready
    trigger: {type: note, number: 37}
    steps:
      - type: keystroke
        keys: ["Ctrl", "Z"]
  later:
    status: draft
    steps:
      - type: keystroke
        keys: ["L"]
scripts:
  greet: "keys('G')"
`

const brokenProfile = `version: 1
macros:
  bad:
    status: ready
    trigger: {type: note, number: 200}
    steps:
      - type: keystroke
        keys: ["A"]
`

type fixture struct {
	router http.Handler
	holder *config.Holder
	keys   *keys.Recorder
	disp   *app.Dispatcher
	bus    *events.Bus
}

func setup(t *testing.T, withJournal bool) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testProfile), 0644))

	var (
		opts    []config.HolderOption
		journal *sqlite.ReloadStore
	)
	if withJournal {
		db, err := sqlite.Open(filepath.Join(t.TempDir(), "journal.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		require.NoError(t, db.Migrate(context.Background()))
		journal = sqlite.NewReloadStore(db)
		opts = append(opts, config.WithJournal(journal))
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	opts = append(opts, config.WithObserver(m))

	holder, err := config.NewHolder(context.Background(), path, zerolog.Nop(), opts...)
	require.NoError(t, err)

	triggers, layout, macros, scripts := app.NewTriggerTable(), app.NewLayoutTable(), app.NewMacroTable(), app.NewScriptTable()
	holder.AddConsumer(triggers)
	holder.AddConsumer(layout)
	holder.AddConsumer(macros)
	holder.AddConsumer(scripts)

	bus := events.NewBus(zerolog.Nop())
	rec := keys.NewRecorder()
	disp := app.NewDispatcher(app.DispatcherDeps{
		Triggers: triggers,
		Layout:   layout,
		Macros:   macros,
		Scripts:  scripts,
		Executor: app.NewExecutor(rec, clock.Real{}, zerolog.Nop()),
		Bus:      bus,
		Clock:    clock.Real{},
		Observer: m,
	}, zerolog.Nop())

	coord := app.NewCoordinator(holder, nil, bus, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()

	deps := apihttp.Deps{
		Holder:         holder,
		Coordinator:    coord,
		Dispatcher:     disp,
		Triggers:       triggers,
		Layout:         layout,
		Macros:         macros,
		Bus:            bus,
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Version:        "1.2.3",
	}
	if journal != nil {
		deps.Journal = journal
	}

	t.Cleanup(func() {
		cancel()
		<-done
		disp.Stop()
		bus.Close()
	})

	return &fixture{
		router: apihttp.NewRouter(deps, zerolog.Nop()),
		holder: holder,
		keys:   rec,
		disp:   disp,
		bus:    bus,
	}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndVersion(t *testing.T) {
	f := setup(t, false)

	rec := f.do(t, "GET", "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	v := decode[apihttp.VersionResponse](t, f.do(t, "GET", "/version"))
	require.Equal(t, "1.2.3", v.Version)
	require.Equal(t, bundle.FormatVersion, v.BundleVersion)
}

func TestStatus(t *testing.T) {
	f := setup(t, false)

	rec := f.do(t, "GET", "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	s := decode[apihttp.StatusResponse](t, rec)
	require.Equal(t, uint64(1), s.Generation)
	require.Equal(t, 2, s.Macros)
	require.Equal(t, 1, s.Devices)
	require.Equal(t, 2, s.Triggers)
	require.Equal(t, 1, s.Warnings)
	require.Equal(t, "idle", s.State)
	require.Equal(t, int64(250), s.DebounceMs)
	require.Len(t, s.SourceHash, 16)
	require.Empty(t, s.LastError)
}

func TestDiagnosticsAndRejectedReload(t *testing.T) {
	f := setup(t, false)

	d := decode[apihttp.DiagnosticsResponse](t, f.do(t, "GET", "/diagnostics"))
	require.Len(t, d.Live, 1)
	require.Equal(t, "devices.pad.pages[0].widgets.later", d.Live[0].Path)
	require.Nil(t, d.Rejected)

	require.NoError(t, os.WriteFile(f.holder.Path(), []byte(brokenProfile), 0644))

	rec := f.do(t, "POST", "/reload")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	e := decode[apihttp.ErrorResponse](t, rec)
	require.Equal(t, "profile_validation", e.Errors[0].Code)
	require.Len(t, e.Diagnostics, 1)

	d = decode[apihttp.DiagnosticsResponse](t, f.do(t, "GET", "/diagnostics"))
	require.Equal(t, uint64(1), d.Generation)
	require.NotNil(t, d.Rejected)
	require.Equal(t, "validation", d.Rejected.Kind)
	require.Len(t, d.Rejected.Diagnostics, 1)

	s := decode[apihttp.StatusResponse](t, f.do(t, "GET", "/status"))
	require.Equal(t, uint64(1), s.Generation)
	require.NotEmpty(t, s.LastError)
}

func TestReload(t *testing.T) {
	f := setup(t, true)

	promoted := strings.Replace(testProfile, "status: draft", "status: ready", 1)
	require.NoError(t, os.WriteFile(f.holder.Path(), []byte(promoted), 0644))

	rec := f.do(t, "POST", "/reload")
	require.Equal(t, http.StatusOK, rec.Code)
	s := decode[apihttp.StatusResponse](t, rec)
	require.Equal(t, uint64(2), s.Generation)
	require.Equal(t, 3, s.Macros)
	require.Equal(t, uint64(1), s.Recompilations)

	var body struct {
		Reloads []apihttp.ReloadEntry `json:"reloads"`
	}
	rec = f.do(t, "GET", "/reloads?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Reloads, 2)
	require.Equal(t, "manual", body.Reloads[0].Trigger)
	require.Equal(t, "startup", body.Reloads[1].Trigger)
	require.Equal(t, uint64(2), body.Reloads[0].Generation)

	rec = f.do(t, "GET", "/reloads/"+body.Reloads[1].ID)
	require.Equal(t, http.StatusOK, rec.Code)
	one := decode[apihttp.ReloadEntry](t, rec)
	require.Equal(t, "startup", one.Trigger)
	require.Equal(t, uint64(1), one.Generation)
}

func TestReloads_Errors(t *testing.T) {
	f := setup(t, false)
	require.Equal(t, http.StatusNotFound, f.do(t, "GET", "/reloads").Code)

	f = setup(t, true)
	require.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/reloads?limit=0").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, "GET", "/reloads?limit=abc").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, "GET", "/reloads/missing").Code)
}

func TestLayout(t *testing.T) {
	f := setup(t, false)

	var body struct {
		Devices []apihttp.LayoutDevice `json:"devices"`
	}
	rec := f.do(t, "GET", "/layout")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Devices, 1)
	require.Equal(t, "pad", body.Devices[0].ID)
	require.Len(t, body.Devices[0].Pages[0].Widgets, 4)
	require.Len(t, body.Devices[0].Warnings, 1)
	require.Equal(t, "later", body.Devices[0].Warnings[0].WidgetID)
}

func TestMacrosAndBundle(t *testing.T) {
	f := setup(t, false)

	var body struct {
		Macros []bundle.MacroEntry `json:"macros"`
	}
	require.NoError(t, json.Unmarshal(f.do(t, "GET", "/macros").Body.Bytes(), &body))
	require.Len(t, body.Macros, 2)
	require.Equal(t, "save", body.Macros[0].ID)

	rec := f.do(t, "GET", "/bundle")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "1", rec.Header().Get("X-Bundle-Generation"))

	b, err := bundle.Decode(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, b.Macros, 2)
}

func TestTriggers(t *testing.T) {
	f := setup(t, false)

	rec := f.do(t, "POST", "/notes/36")
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.disp.Wait()
	require.Equal(t, [][]string{{"Ctrl", "S"}}, f.keys.Chords())

	require.Equal(t, http.StatusNotFound, f.do(t, "POST", "/notes/99").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/notes/128").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/notes/x").Code)
}

func TestRunMacroAndPress(t *testing.T) {
	f := setup(t, false)

	require.Equal(t, http.StatusAccepted, f.do(t, "POST", "/macros/undo/run").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, "POST", "/macros/later/run").Code)

	require.Equal(t, http.StatusAccepted, f.do(t, "POST", "/devices/pad/widgets/save/press").Code)
	require.Equal(t, http.StatusConflict, f.do(t, "POST", "/devices/pad/widgets/blank/press").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, "POST", "/devices/pad/widgets/nope/press").Code)
	// Scripts are disabled in this fixture.
	require.Equal(t, http.StatusNotFound, f.do(t, "POST", "/devices/pad/widgets/greet/press").Code)

	f.disp.Wait()
	require.ElementsMatch(t, [][]string{{"Ctrl", "Z"}, {"Ctrl", "S"}}, f.keys.Chords())
}

func TestMetricsEndpoint(t *testing.T) {
	f := setup(t, false)

	f.do(t, "GET", "/status")
	rec := f.do(t, "GET", "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.Contains(t, body, `macrodeck_http_requests_total{method="GET",route="/status",status="2xx"} 1`)
	require.Contains(t, body, "macrodeck_profile_reloads_total 1")
	require.Contains(t, body, "macrodeck_bundle_macros 2")
}

func TestEvents(t *testing.T) {
	f := setup(t, false)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/events?filter=profile.*", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The handler has subscribed once headers are flushed.
	post, err := srv.Client().Post(srv.URL+"/reload", "application/json", nil)
	require.NoError(t, err)
	io.Copy(io.Discard, post.Body)
	post.Body.Close()
	require.Equal(t, http.StatusOK, post.StatusCode)

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	require.Equal(t, "event: profile.reloaded", lines[0])

	var msg apihttp.EventMessage
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &msg))
	require.Equal(t, "manual", msg.Trigger)
	require.Equal(t, uint64(2), msg.Generation)
}
