// Package daemon serves the engine over a local HTTP API on a unix socket,
// streams change events, runs retention on a schedule and watches the live
// settings file for outside edits.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/simpleflo/ccswitch/internal/config"
	"github.com/simpleflo/ccswitch/internal/observability"
	"github.com/simpleflo/ccswitch/internal/service"
)

// Daemon is the long-running ccswitch front-end.
type Daemon struct {
	cfg       *config.Config
	svc       *service.Service
	router    chi.Router
	server    *http.Server
	logger    zerolog.Logger
	eventBus  *EventBus
	scheduler *cron.Cron

	heartbeat time.Duration
	debounce  time.Duration

	// State
	mu        sync.RWMutex
	running   bool
	ready     bool
	startTime time.Time
	cancel    context.CancelFunc

	// Shutdown
	shutdownCh chan struct{}
}

// New creates a new Daemon instance.
func New(cfg *config.Config) (*Daemon, error) {
	svc, err := service.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		svc:        svc,
		logger:     observability.Logger("daemon"),
		eventBus:   NewEventBus(100),
		scheduler:  cron.New(),
		heartbeat:  30 * time.Second,
		debounce:   100 * time.Millisecond,
		startTime:  time.Now(),
		shutdownCh: make(chan struct{}),
	}

	if spec := cfg.Backup.PruneSchedule; spec != "" {
		if _, err := d.scheduler.AddFunc(spec, d.runRetention); err != nil {
			svc.Close()
			return nil, fmt.Errorf("invalid backup.prune_schedule %q: %w", spec, err)
		}
	}

	d.setupRouter()
	return d, nil
}

// setupRouter configures the HTTP router.
func (d *Daemon) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(d.loggingMiddleware)

	r.Handle("/metrics", promhttp.HandlerFor(observability.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", d.handleHealth)
		r.Get("/ready", d.handleReady)
		r.Get("/status", d.handleStatus)

		r.Route("/configs", func(r chi.Router) {
			r.Get("/", d.handleListConfigs)
			r.Post("/", d.handleAddConfig)
			r.Get("/{name}", d.handleGetConfig)
			r.Put("/{name}", d.handleUpdateConfig)
			r.Delete("/{name}", d.handleDeleteConfig)
			r.Post("/{name}/switch", d.handleSwitchConfig)
		})
		r.Get("/current", d.handleCurrent)
		r.Get("/settings", d.handleSettings)

		r.Get("/export", d.handleExport)
		r.Post("/import", d.handleImport)
		r.Get("/validate", d.handleValidate)

		r.Route("/backups", func(r chi.Router) {
			r.Get("/", d.handleListBackups)
			r.Post("/", d.handleCreateBackup)
			r.Post("/restore", d.handleRestoreBackup)
			r.Post("/prune", d.handlePruneBackups)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", d.handleHistory)
			r.Get("/verify", d.handleVerifyHistory)
			r.Post("/trim", d.handleTrimHistory)
		})

		r.Route("/migration", func(r chi.Router) {
			r.Get("/", d.handleMigrationStatus)
			r.Post("/", d.handleMigrate)
		})

		r.Get("/events", d.handleSSEEvents)
		r.Get("/events/stats", d.handleSSEStats)
	})

	d.router = r
}

// Handler returns the daemon's HTTP handler.
func (d *Daemon) Handler() http.Handler {
	return d.router
}

// loggingMiddleware logs HTTP requests.
func (d *Daemon) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger := observability.WithRequestID(d.logger, middleware.GetReqID(r.Context()))
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}

// listen opens the unix socket, replacing a stale one.
func (d *Daemon) listen() (net.Listener, error) {
	socket := d.cfg.API.SocketPath
	if err := os.MkdirAll(filepath.Dir(socket), 0700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	os.Remove(socket)

	listener, err := net.Listen("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(socket, 0600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return listener, nil
}

// Run serves until ctx is cancelled or Stop is called. The HTTP server,
// the settings watcher and the shutdown sequence run in one errgroup, so a
// failure in any of them stops the others.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.startTime = time.Now()
	d.mu.Unlock()
	defer cancel()

	d.logger.Info().
		Str("socket", d.cfg.API.SocketPath).
		Str("data_dir", d.cfg.DataDir).
		Msg("starting daemon")

	listener, err := d.listen()
	if err != nil {
		return err
	}

	d.server = &http.Server{
		Handler:      d.router,
		ReadTimeout:  d.cfg.API.ReadTimeout,
		WriteTimeout: d.cfg.API.WriteTimeout,
		IdleTimeout:  d.cfg.API.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return d.watchSettings(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		return d.shutdown()
	})

	d.scheduler.Start()

	d.mu.Lock()
	d.ready = true
	d.mu.Unlock()

	observability.LogEvent(d.logger, observability.EventDaemonStarted, map[string]interface{}{
		"socket":   d.cfg.API.SocketPath,
		"data_dir": d.cfg.DataDir,
	})

	err = g.Wait()

	d.eventBus.Close()
	if cerr := d.svc.Close(); cerr != nil {
		d.logger.Warn().Err(cerr).Msg("close service")
	}
	os.Remove(d.cfg.API.SocketPath)

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	observability.LogEvent(d.logger, observability.EventDaemonStopped, nil)
	return err
}

// shutdown drains the server and the scheduler with a bounded wait.
func (d *Daemon) shutdown() error {
	d.mu.Lock()
	d.ready = false
	d.mu.Unlock()

	d.logger.Info().Msg("stopping daemon")
	close(d.shutdownCh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Error().Err(err).Msg("server shutdown error")
	}

	select {
	case <-d.scheduler.Stop().Done():
	case <-ctx.Done():
		d.logger.Warn().Msg("shutdown timeout, retention job still running")
	}
	return nil
}

// Stop asks a running daemon to shut down.
func (d *Daemon) Stop() {
	d.mu.RLock()
	cancel := d.cancel
	d.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Ready returns whether the daemon is ready to serve requests.
func (d *Daemon) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready
}

// Close releases resources of a daemon that was never run.
func (d *Daemon) Close() error {
	d.eventBus.Close()
	return d.svc.Close()
}

// Config returns the daemon's configuration.
func (d *Daemon) Config() *config.Config {
	return d.cfg
}

// runRetention is the scheduled backup prune and history trim.
func (d *Daemon) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := d.svc.Retention(ctx)
	if err != nil {
		observability.LogError(d.logger, err, "scheduled retention failed", nil)
		return
	}
	observability.LogEvent(d.logger, observability.EventHistoryTrimmed, map[string]interface{}{
		"backups_removed": res.BackupsRemoved,
		"history_removed": res.HistoryRemoved,
	})
	d.publish(EventRetentionCompleted, res)
}

func (d *Daemon) publish(t EventType, data interface{}) {
	if err := d.eventBus.Publish(t, data); err != nil {
		d.logger.Warn().Err(err).Str("event", string(t)).Msg("publish event")
	}
}
