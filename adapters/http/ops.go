// Package http serves the local ops API: status, diagnostics, layouts,
// reload history, manual reloads and virtual triggers.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/macrodeck/adapters/metrics"
	"github.com/artpar/macrodeck/app"
	"github.com/artpar/macrodeck/config"
	"github.com/artpar/macrodeck/core/events"
	"github.com/artpar/macrodeck/domain/bundle"
	"github.com/artpar/macrodeck/domain/diagnostic"
	"github.com/artpar/macrodeck/ports"
)

// Deps holds what the ops API reads and drives.
type Deps struct {
	Holder      *config.Holder
	Coordinator *app.Coordinator
	Dispatcher  *app.Dispatcher
	Triggers    *app.TriggerTable
	Layout      *app.LayoutTable
	Macros      *app.MacroTable
	Bus         *events.Bus         // optional, enables /events
	Journal     ports.ReloadJournal // optional, enables /reloads

	Metrics        *metrics.Collector // optional
	MetricsHandler http.Handler       // optional, defaults to promhttp.Handler
	Version        string
}

// Handler serves the ops API.
type Handler struct {
	deps   Deps
	logger zerolog.Logger
}

// NewRouter creates the ops API router.
func NewRouter(deps Deps, logger zerolog.Logger) chi.Router {
	h := &Handler{deps: deps, logger: logger.With().Str("component", "http").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(h.logger))
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(NewMetricsMiddleware(deps.Metrics))
	}

	r.Get("/health", h.Health)
	r.Get("/version", h.VersionInfo)
	if deps.Metrics != nil {
		mh := deps.MetricsHandler
		if mh == nil {
			mh = promhttp.Handler()
		}
		r.Handle("/metrics", mh)
	}

	r.Get("/status", h.Status)
	r.Get("/diagnostics", h.Diagnostics)
	r.Get("/layout", h.Layout)
	r.Get("/macros", h.ListMacros)
	r.Get("/bundle", h.Bundle)
	r.Get("/reloads", h.Reloads)
	r.Get("/reloads/{id}", h.GetReload)
	r.Get("/events", h.Events)

	r.Post("/reload", h.Reload)
	r.Post("/notes/{note}", h.Note)
	r.Post("/macros/{macro}/run", h.RunMacro)
	r.Post("/devices/{device}/widgets/{widget}/press", h.Press)

	return r
}

// Health returns a liveness check.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// VersionResponse is the /version body.
type VersionResponse struct {
	Version       string `json:"version"`
	Service       string `json:"service"`
	BundleVersion uint32 `json:"bundle_format_version"`
}

// VersionInfo returns the service version.
func (h *Handler) VersionInfo(w http.ResponseWriter, r *http.Request) {
	v := h.deps.Version
	if v == "" {
		v = "dev"
	}
	writeJSON(w, http.StatusOK, VersionResponse{Version: v, Service: "macrodeck", BundleVersion: bundle.FormatVersion})
}

// StatusResponse describes the live bundle and the reload state.
type StatusResponse struct {
	Profile        string    `json:"profile"`
	Generation     uint64    `json:"generation"`
	LoadedAt       time.Time `json:"loaded_at"`
	SourceHash     string    `json:"source_hash"`
	GeneratedAt    uint64    `json:"generated_at"`
	FormatVersion  uint32    `json:"format_version"`
	Devices        int       `json:"devices"`
	Macros         int       `json:"macros"`
	Triggers       int       `json:"triggers"`
	Warnings       int       `json:"warnings"`
	State          string    `json:"state,omitempty"`
	Recompilations uint64    `json:"recompilations"`
	DebounceMs     int64     `json:"debounce_ms,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Status reports the live bundle.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

func (h *Handler) status() StatusResponse {
	snap := h.deps.Holder.Snapshot()
	b := snap.Bundle()

	resp := StatusResponse{
		Profile:       h.deps.Holder.Path(),
		Generation:    snap.Generation,
		LoadedAt:      snap.LoadedAt,
		SourceHash:    fmt.Sprintf("%016x", b.Header.SourceHash),
		GeneratedAt:   b.Header.GeneratedAt,
		FormatVersion: b.Header.FormatVersion,
		Devices:       len(b.Devices),
		Macros:        len(b.Macros),
		Warnings:      snap.Result.Diagnostics.Count(diagnostic.Warning),
	}
	if h.deps.Triggers != nil {
		resp.Triggers = h.deps.Triggers.Len()
	}
	if c := h.deps.Coordinator; c != nil {
		resp.State = c.State().String()
		resp.Recompilations = c.Recompilations()
		resp.DebounceMs = c.Debounce().Milliseconds()
	}
	if err := h.deps.Holder.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	return resp
}

// DiagnosticsResponse lists the live bundle's diagnostics and, when the most
// recent load failed, that attempt's diagnostics.
type DiagnosticsResponse struct {
	Generation uint64          `json:"generation"`
	Live       diagnostic.List `json:"live"`
	Rejected   *RejectedLoad   `json:"rejected,omitempty"`
}

// RejectedLoad is the most recent failed load.
type RejectedLoad struct {
	Kind        string          `json:"kind"`
	Error       string          `json:"error"`
	Diagnostics diagnostic.List `json:"diagnostics"`
}

// Diagnostics lists diagnostics.
func (h *Handler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.Holder.Snapshot()
	resp := DiagnosticsResponse{Generation: snap.Generation, Live: snap.Result.Diagnostics}
	if resp.Live == nil {
		resp.Live = diagnostic.List{}
	}

	var le *config.LoadError
	if err := h.deps.Holder.LastError(); errors.As(err, &le) {
		resp.Rejected = &RejectedLoad{Kind: string(le.Kind), Error: le.Err.Error(), Diagnostics: le.Diagnostics}
	}
	writeJSON(w, http.StatusOK, resp)
}

// LayoutDevice is a device layout with its widget warnings.
type LayoutDevice struct {
	bundle.DeviceLayout
	Warnings []app.WidgetWarning `json:"warnings"`
}

// Layout returns device layouts.
func (h *Handler) Layout(w http.ResponseWriter, r *http.Request) {
	devices := h.deps.Layout.Devices()
	out := make([]LayoutDevice, 0, len(devices))
	for _, d := range devices {
		ld := LayoutDevice{DeviceLayout: d, Warnings: []app.WidgetWarning{}}
		for _, p := range d.Pages {
			for _, wd := range p.Widgets {
				ld.Warnings = append(ld.Warnings, h.deps.Layout.WidgetWarnings(d.ID, wd.ID)...)
			}
		}
		out = append(out, ld)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

// ListMacros returns the Ready macros of the live bundle.
func (h *Handler) ListMacros(w http.ResponseWriter, r *http.Request) {
	ids := h.deps.Macros.IDs()
	out := make([]bundle.MacroEntry, 0, len(ids))
	for _, id := range ids {
		if m, ok := h.deps.Macros.Get(id); ok {
			out = append(out, m)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"macros": out})
}

// Bundle streams the live bundle's binary encoding.
func (h *Handler) Bundle(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.Holder.Snapshot()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Bundle-Generation", strconv.FormatUint(snap.Generation, 10))
	w.Header().Set("X-Bundle-Source-Hash", fmt.Sprintf("%016x", snap.Bundle().Header.SourceHash))
	w.Write(snap.Result.Bytes)
}

// ReloadEntry is one journal row.
type ReloadEntry struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	Trigger    string    `json:"trigger"`
	Outcome    string    `json:"outcome"`
	Kind       string    `json:"kind,omitempty"`
	Generation uint64    `json:"generation"`
	SourceHash string    `json:"source_hash,omitempty"`
	Devices    int       `json:"devices"`
	Macros     int       `json:"macros"`
	Errors     int       `json:"errors"`
	Warnings   int       `json:"warnings"`
	Message    string    `json:"message,omitempty"`
}

// Reloads lists recent load attempts.
func (h *Handler) Reloads(w http.ResponseWriter, r *http.Request) {
	if h.deps.Journal == nil {
		writeError(w, http.StatusNotFound, "journal_disabled", "reload journal is not enabled")
		return
	}

	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	recs, err := h.deps.Journal.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("read reload journal")
		writeError(w, http.StatusInternalServerError, "journal_error", "failed to read reload journal")
		return
	}

	out := make([]ReloadEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, reloadEntry(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reloads": out})
}

// GetReload returns one load attempt by id.
func (h *Handler) GetReload(w http.ResponseWriter, r *http.Request) {
	if h.deps.Journal == nil {
		writeError(w, http.StatusNotFound, "journal_disabled", "reload journal is not enabled")
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := h.deps.Journal.Get(r.Context(), id)
	if errors.Is(err, ports.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no reload with id "+id)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("read reload journal")
		writeError(w, http.StatusInternalServerError, "journal_error", "failed to read reload journal")
		return
	}
	writeJSON(w, http.StatusOK, reloadEntry(rec))
}

func reloadEntry(rec ports.ReloadRecord) ReloadEntry {
	e := ReloadEntry{
		ID: rec.ID, At: rec.At, Trigger: rec.Trigger, Outcome: rec.Outcome, Kind: rec.Kind,
		Generation: rec.Generation, Devices: rec.Devices, Macros: rec.Macros,
		Errors: rec.Errors, Warnings: rec.Warnings, Message: rec.Message,
	}
	if rec.SourceHash != 0 {
		e.SourceHash = fmt.Sprintf("%016x", rec.SourceHash)
	}
	return e
}

// Reload recompiles the profile now. A rejected profile answers 422 with its
// diagnostics; the previous bundle stays live.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	var err error
	if h.deps.Coordinator != nil {
		_, err = h.deps.Coordinator.ReloadNow(r.Context())
	} else {
		_, err = h.deps.Holder.Reload(r.Context(), ports.TriggerManual)
	}

	if err != nil {
		var le *config.LoadError
		if errors.As(err, &le) {
			status := http.StatusUnprocessableEntity
			if le.Kind == config.KindIO {
				status = http.StatusServiceUnavailable
			}
			writeErrorWithDiagnostics(w, status, "profile_"+string(le.Kind), le.Error(), le.Diagnostics)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "reload_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, h.status())
}

// Note simulates a note-on from hardware.
func (h *Handler) Note(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "note"))
	if err != nil || n < 0 || n > 127 {
		writeError(w, http.StatusBadRequest, "invalid_note", "note must be between 0 and 127")
		return
	}

	id, ok := h.deps.Triggers.Lookup(uint8(n))
	if !ok {
		writeError(w, http.StatusNotFound, "unbound_note", fmt.Sprintf("no macro bound to note %d", n))
		return
	}
	h.start(w, h.deps.Dispatcher.Invoke(id), map[string]any{"macro": id, "note": n})
}

// RunMacro starts a Ready macro by id.
func (h *Handler) RunMacro(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "macro")
	h.start(w, h.deps.Dispatcher.Invoke(id), map[string]any{"macro": id})
}

// Press performs a widget's action.
func (h *Handler) Press(w http.ResponseWriter, r *http.Request) {
	device, widget := chi.URLParam(r, "device"), chi.URLParam(r, "widget")
	h.start(w, h.deps.Dispatcher.Press(device, widget), map[string]any{"device": device, "widget": widget})
}

func (h *Handler) start(w http.ResponseWriter, err error, body map[string]any) {
	switch {
	case err == nil:
		body["status"] = "started"
		writeJSON(w, http.StatusAccepted, body)
	case errors.Is(err, app.ErrUnknownMacro), errors.Is(err, app.ErrUnknownScript), errors.Is(err, app.ErrUnknownWidget):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, app.ErrNoAction):
		writeError(w, http.StatusConflict, "no_action", err.Error())
	case errors.Is(err, app.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "stopping", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "dispatch_failed", err.Error())
	}
}

// EventMessage is one server-sent event payload.
type EventMessage struct {
	Name        string          `json:"name"`
	At          time.Time       `json:"at"`
	Trigger     string          `json:"trigger,omitempty"`
	Generation  uint64          `json:"generation,omitempty"`
	SourceHash  string          `json:"source_hash,omitempty"`
	Macros      int             `json:"macros,omitempty"`
	Diagnostics diagnostic.List `json:"diagnostics,omitempty"`
	Macro       string          `json:"macro,omitempty"`
	Script      string          `json:"script,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func eventMessage(e events.Event) EventMessage {
	m := EventMessage{
		Name: e.Name, At: e.At, Trigger: e.Trigger, Generation: e.Generation,
		Macros: e.Macros, Diagnostics: e.Diagnostics, Macro: e.Macro, Script: e.Script,
	}
	if e.SourceHash != 0 {
		m.SourceHash = fmt.Sprintf("%016x", e.SourceHash)
	}
	if e.Err != nil {
		m.Error = e.Err.Error()
	}
	return m
}

// Events streams bus events as server-sent events. The optional "filter"
// query parameter takes a subscription pattern such as "profile.*".
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeError(w, http.StatusNotFound, "events_disabled", "event stream is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	pattern := r.URL.Query().Get("filter")
	if pattern == "" {
		pattern = "*"
	}
	sub := h.deps.Bus.Subscribe(pattern)
	defer sub.Close()

	// The stream outlives the server write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug().Err(err).Msg("clear write deadline")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(eventMessage(e))
			if err != nil {
				h.logger.Error().Err(err).Str("event", e.Name).Msg("encode event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, data)
			flusher.Flush()
		}
	}
}
