// Package bootstrap wires the engine together from settings.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/macrodeck/adapters/clock"
	"github.com/artpar/macrodeck/adapters/fswatch"
	apihttp "github.com/artpar/macrodeck/adapters/http"
	"github.com/artpar/macrodeck/adapters/keys"
	"github.com/artpar/macrodeck/adapters/lua"
	"github.com/artpar/macrodeck/adapters/memory"
	"github.com/artpar/macrodeck/adapters/metrics"
	"github.com/artpar/macrodeck/adapters/midi"
	"github.com/artpar/macrodeck/adapters/sqlite"
	"github.com/artpar/macrodeck/app"
	"github.com/artpar/macrodeck/config"
	"github.com/artpar/macrodeck/core/events"
	"github.com/artpar/macrodeck/domain/compile"
	"github.com/artpar/macrodeck/domain/validate"
	"github.com/artpar/macrodeck/ports"
)

// Version is set at build time.
var Version = "dev"

// App holds every running component.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	Holder      *config.Holder
	Bus         *events.Bus
	Coordinator *app.Coordinator
	Dispatcher  *app.Dispatcher

	Triggers *app.TriggerTable
	Layout   *app.LayoutTable
	Macros   *app.MacroTable
	Scripts  *app.ScriptTable

	Metrics    *metrics.Collector
	Registry   *prometheus.Registry
	DB         *sqlite.DB
	Journal    ports.ReloadJournal
	HTTPServer *http.Server

	watcher ports.ChangeSource
	notes   ports.NoteSource
	virtual *midi.Virtual

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options overrides collaborators, mainly for tests.
type Options struct {
	Logger    *zerolog.Logger
	Clock     ports.Clock
	Keys      ports.KeySender
	Changes   ports.ChangeSource
	LogOutput io.Writer
}

// New builds the application from settings. The initial profile must be
// valid; otherwise New fails and nothing is left running.
func New(ctx context.Context, cfg *config.Config, opts Options) (a *App, err error) {
	logger := setupLogger(cfg.Logging, opts.LogOutput)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.closeSources()
			if a.DB != nil {
				a.DB.Close()
			}
		}
	}()

	var holderOpts []config.HolderOption

	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.Metrics = metrics.NewWithRegistry(a.Registry)
		holderOpts = append(holderOpts, config.WithObserver(a.Metrics))
	}

	if cfg.Journal.Enabled {
		if err := a.initJournal(ctx); err != nil {
			return nil, err
		}
	} else {
		a.Journal = memory.NewReloadStore(memory.DefaultCapacity)
	}
	holderOpts = append(holderOpts, config.WithJournal(a.Journal))

	if cfg.Scripts.Enabled && cfg.Scripts.Check {
		holderOpts = append(holderOpts, config.WithCompileOptions(
			compile.WithValidateOptions(validate.WithScriptChecker(lua.Check)),
		))
	}

	a.Holder, err = config.NewHolder(ctx, cfg.Profile.Path, logger, holderOpts...)
	if err != nil {
		return nil, err
	}

	// Publication order: triggers, layout, macros, scripts.
	a.Triggers = app.NewTriggerTable()
	a.Layout = app.NewLayoutTable()
	a.Macros = app.NewMacroTable()
	a.Scripts = app.NewScriptTable()
	a.Holder.AddConsumer(a.Triggers)
	a.Holder.AddConsumer(a.Layout)
	a.Holder.AddConsumer(a.Macros)
	a.Holder.AddConsumer(a.Scripts)

	a.Bus = events.NewBus(logger)

	keySender := opts.Keys
	if keySender == nil {
		keySender = keys.NewLogSender(logger)
	}

	deps := app.DispatcherDeps{
		Triggers: a.Triggers,
		Layout:   a.Layout,
		Macros:   a.Macros,
		Scripts:  a.Scripts,
		Executor: app.NewExecutor(keySender, clk, logger),
		Bus:      a.Bus,
		Clock:    clk,
	}
	if a.Metrics != nil {
		deps.Observer = a.Metrics
	}
	if cfg.Scripts.Enabled {
		deps.Runner = lua.NewRunner(keySender, clk, logger)
	}
	a.Dispatcher = app.NewDispatcher(deps, logger)

	a.watcher = opts.Changes
	if a.watcher == nil && cfg.Profile.Watch {
		w, err := fswatch.New(a.Holder.Path(), logger)
		if err != nil {
			return nil, fmt.Errorf("watch profile: %w", err)
		}
		a.watcher = w
	}

	coordOpts := []app.CoordinatorOption{app.WithDebounce(cfg.Profile.Debounce), app.WithClock(clk)}
	if a.Metrics != nil {
		coordOpts = append(coordOpts, app.WithWatchObserver(a.Metrics))
	}
	a.Coordinator = app.NewCoordinator(a.Holder, a.watcher, a.Bus, logger, coordOpts...)

	if cfg.MIDI.Enabled {
		l, err := midi.Open(cfg.MIDI.Device, logger)
		if err != nil {
			return nil, err
		}
		a.notes = l
	} else {
		a.virtual = midi.NewVirtual()
		a.notes = a.virtual
	}

	if cfg.HTTP.Enabled {
		a.initHTTPServer()
	}

	return a, nil
}

func (a *App) initJournal(ctx context.Context) error {
	db, err := sqlite.Open(a.Config.Journal.DSN)
	if err != nil {
		return err
	}
	a.DB = db

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	store := sqlite.NewReloadStore(db)
	a.Journal = store

	if keep := a.Config.Journal.Retention; keep > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-keep))
		if err != nil {
			a.Logger.Warn().Err(err).Msg("prune reload journal")
		} else if n > 0 {
			a.Logger.Info().Int64("pruned", n).Msg("pruned old reload attempts")
		}
	}

	a.Logger.Info().Str("dsn", a.Config.Journal.DSN).Msg("reload journal ready")
	return nil
}

func (a *App) initHTTPServer() {
	deps := apihttp.Deps{
		Holder:      a.Holder,
		Coordinator: a.Coordinator,
		Dispatcher:  a.Dispatcher,
		Triggers:    a.Triggers,
		Layout:      a.Layout,
		Macros:      a.Macros,
		Bus:         a.Bus,
		Journal:     a.Journal,
		Version:     Version,
	}
	if a.Metrics != nil {
		deps.Metrics = a.Metrics
		deps.MetricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
	}

	a.HTTPServer = &http.Server{
		Addr:         a.Config.HTTP.Addr,
		Handler:      apihttp.NewRouter(deps, a.Logger),
		ReadTimeout:  a.Config.HTTP.ReadTimeout,
		WriteTimeout: a.Config.HTTP.WriteTimeout,
	}
}

// VirtualNotes returns the in-process note source, or nil when a hardware
// device is configured.
func (a *App) VirtualNotes() *midi.Virtual {
	return a.virtual
}

// Start launches the coordinator, note dispatch and the HTTP server. Errors
// from the HTTP server arrive on the returned channel.
func (a *App) Start(ctx context.Context) <-chan error {
	ctx, a.cancel = context.WithCancel(ctx)
	errCh := make(chan error, 1)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.Coordinator.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.Dispatcher.Run(ctx, a.notes)
	}()

	if a.HTTPServer != nil {
		go func() {
			a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting ops http server")
			if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	snap := a.Holder.Snapshot()
	a.Logger.Info().
		Str("profile", a.Holder.Path()).
		Uint64("generation", snap.Generation).
		Int("macros", len(snap.Bundle().Macros)).
		Bool("watch", a.watcher != nil).
		Msg("macrodeck running")
	return errCh
}

// Run starts the application and blocks until ctx ends, SIGINT or SIGTERM
// arrives, or the HTTP server fails. SIGHUP triggers a manual reload.
func (a *App) Run(ctx context.Context) error {
	errCh := a.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(quit)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			runErr = fmt.Errorf("server error: %w", err)
			break loop
		case sig := <-quit:
			a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
			break loop
		case <-hup:
			a.Logger.Info().Msg("SIGHUP received, reloading profile")
			if _, err := a.Coordinator.ReloadNow(ctx); err != nil {
				a.Logger.Warn().Err(err).Msg("manual reload rejected")
			}
		}
	}

	if err := a.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops every component. Running macro executions are cancelled.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	a.closeSources()
	a.wg.Wait()

	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

// closeSources releases the change and note sources.
func (a *App) closeSources() {
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("watcher close error")
		}
	}
	if a.notes != nil {
		if err := a.notes.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("note source close error")
		}
	}
}

// setupLogger builds the root logger from settings.
func setupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
