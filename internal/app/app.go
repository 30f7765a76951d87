// Package app wires the stream bot subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the catalog, the
// transcode runner, the history store, the source prober and the session
// supervisor; Run serves HTTP and probes sources until the context ends; and
// Shutdown stops every session and tears the rest down in order.
//
// The Discord gateway is not owned by App. main.go connects it and passes the
// resulting [audio.Platform] to New, so tests can run the whole application
// against [github.com/Imranch4/discord-stream-bot/pkg/audio/mock.Platform].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Imranch4/discord-stream-bot/internal/api"
	"github.com/Imranch4/discord-stream-bot/internal/config"
	"github.com/Imranch4/discord-stream-bot/internal/health"
	"github.com/Imranch4/discord-stream-bot/internal/history"
	"github.com/Imranch4/discord-stream-bot/internal/history/postgres"
	"github.com/Imranch4/discord-stream-bot/internal/observe"
	"github.com/Imranch4/discord-stream-bot/internal/supervisor"
	"github.com/Imranch4/discord-stream-bot/internal/transcode"
	"github.com/Imranch4/discord-stream-bot/pkg/audio"
)

const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the stream bot.
type App struct {
	cfg      *config.Config
	platform audio.Platform

	// Subsystems, initialised in New and torn down in Shutdown.
	catalog  *config.Catalog
	starter  supervisor.PipelineStarter
	history  history.Recorder
	metrics  *observe.Metrics
	advisor  *health.Advisor
	sup      *supervisor.Supervisor
	handler  http.Handler
	server   *http.Server
	checkers []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStarter injects a pipeline starter instead of an ffmpeg runner.
func WithStarter(s supervisor.PipelineStarter) Option {
	return func(a *App) { a.starter = s }
}

// WithHistory injects a history recorder instead of creating one from config.
func WithHistory(r history.Recorder) Option {
	return func(a *App) { a.history = r }
}

// WithMetrics injects the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCheckers adds readiness checks, e.g. the Discord gateway.
func WithCheckers(c ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. platform opens voice
// connections and is required.
//
// New performs all initialisation synchronously: catalog construction, the
// ffmpeg check, history store connection and migration, and prober
// scheduling. Nothing runs in the background until [App.Run].
func New(ctx context.Context, cfg *config.Config, platform audio.Platform, opts ...Option) (*App, error) {
	if platform == nil {
		return nil, errors.New("app: audio platform is required")
	}
	a := &App{
		cfg:      cfg,
		platform: platform,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Catalog ───────────────────────────────────────────────────────
	a.catalog = config.NewCatalog(cfg.Channels)

	// ── 2. Transcoder ────────────────────────────────────────────────────
	a.initStarter(ctx)

	// ── 3. History ───────────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 4. Source prober ─────────────────────────────────────────────────
	if err := a.initAdvisor(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init health advisor: %w", err)
	}

	// ── 5. Supervisor ────────────────────────────────────────────────────
	supOpts := []supervisor.Option{
		supervisor.WithHistory(a.history),
		supervisor.WithMetrics(a.metrics),
	}
	if a.advisor != nil {
		supOpts = append(supOpts, supervisor.WithHealthHint(a.advisor))
	}
	a.sup = supervisor.New(supervisor.Config{
		Catalog:        a.catalog,
		Platform:       a.platform,
		Starter:        a.starter,
		MaxRetries:     cfg.Stream.MaxRetries,
		RetryDelay:     cfg.Stream.RetryDelay,
		StartupTimeout: cfg.Stream.StartupTimeout,
	}, supOpts...)

	// ── 6. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()

	total, enabled := a.catalog.Counts()
	slog.Info("app: initialised",
		"channels", total,
		"enabled", enabled,
		"history", historyBackend(a.history),
		"prober", a.advisor != nil,
	)
	return a, nil
}

// initStarter builds the ffmpeg runner unless a starter was injected. A
// missing binary is logged, not fatal: /readyz reports it until fixed.
func (a *App) initStarter(ctx context.Context) {
	if a.starter != nil {
		return
	}
	runner := transcode.NewRunner(transcode.Config{
		FFmpegPath: a.cfg.Stream.FFmpegPath,
		InputArgs:  a.cfg.Stream.InputArgs,
		LogLevel:   a.cfg.Stream.FFmpegLogLevel,
	})
	if err := runner.Check(ctx); err != nil {
		slog.Warn("app: ffmpeg not usable, streams will fail until it is installed", "path", runner.Binary(), "err", err)
	}
	a.checkers = append(a.checkers, health.Checker{Name: "ffmpeg", Check: runner.Check})
	a.starter = supervisor.FromRunner(runner)
}

// initHistory selects the PostgreSQL store when a DSN is configured and the
// in-memory ring otherwise.
func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}
	if dsn := a.cfg.History.PostgresDSN; dsn != "" {
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.history = store
		a.checkers = append(a.checkers, health.Checker{Name: "history", Check: store.Check})
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		return nil
	}
	size := a.cfg.History.Size
	if size <= 0 {
		size = config.DefaultHistorySize
	}
	a.history = history.NewMemory(size)
	return nil
}

func (a *App) initAdvisor() error {
	if a.cfg.Health.Disabled {
		return nil
	}
	adv, err := health.NewAdvisor(a.sourceURLs, health.AdvisorConfig{
		Schedule:         a.cfg.Health.Schedule,
		ProbeTimeout:     a.cfg.Health.ProbeTimeout,
		Concurrency:      a.cfg.Health.Concurrency,
		FailureThreshold: a.cfg.Health.FailureThreshold,
	}, health.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.advisor = adv
	return nil
}

// sourceURLs returns every distinct source of the enabled channels. The
// advisor calls it before each probe round.
func (a *App) sourceURLs() []string {
	seen := make(map[string]struct{})
	var urls []string
	for _, ch := range a.catalog.ListEnabled() {
		for _, u := range ch.Streams {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
	}
	slices.Sort(urls)
	return urls
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	health.New(a.checkers...).WithAdvisor(a.advisor).Register(mux)
	api.New(a.sup, a.catalog).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Supervisor returns the session registry.
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Catalog returns the channel catalog.
func (a *App) Catalog() *config.Catalog { return a.catalog }

// History returns the session event recorder.
func (a *App) History() history.Recorder { return a.history }

// Handler returns the HTTP handler serving health, API and metrics routes.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the source prober and the HTTP server, then blocks until ctx is
// cancelled. It returns an error only when the server fails to listen.
func (a *App) Run(ctx context.Context) error {
	if a.advisor != nil {
		a.advisor.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("app: running", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a new configuration. The catalog is replaced atomically;
// sessions of removed or disabled channels are stopped. Changed stream lists
// and volumes take effect on the next start of the affected channel.
func (a *App) Reload(ctx context.Context, cfg *config.Config, diff config.ConfigDiff) {
	a.cfg = cfg
	a.catalog.Replace(cfg.Channels)

	for _, cd := range diff.ChannelChanges {
		if cd.Stops() {
			stopped, err := a.sup.Stop(ctx, cd.Name)
			if err != nil {
				slog.Warn("app: failed to stop removed channel", "channel", cd.Name, "err", err)
			} else if len(stopped) > 0 {
				slog.Info("app: stopped channel no longer in catalog", "channel", cd.Name, "disabled", cd.Disabled)
			}
			continue
		}
		if cd.StreamsChanged || cd.VolumeChanged {
			if _, ok := a.sup.Status(cd.Name); ok {
				slog.Info("app: channel changed, applies on next start", "channel", cd.Name,
					"streams", cd.StreamsChanged, "volume", cd.VolumeChanged)
			}
		}
	}

	total, enabled := a.catalog.Counts()
	slog.Info("app: config reloaded", "channels", total, "enabled", enabled, "changes", len(diff.ChannelChanges))
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops every session, the prober and the HTTP server, then runs
// the registered closers. It is safe to call multiple times; only the first
// call has any effect.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "sessions", a.sup.Active(), "closers", len(a.closers))

		// Sessions first so no pipeline outlives the voice connections.
		if stopped := a.sup.Close(ctx); len(stopped) > 0 {
			slog.Info("app: stopped sessions", "channels", strings.Join(stopped, ", "))
		}

		if a.advisor != nil {
			a.advisor.Stop(ctx)
		}

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("app: http shutdown error", "err", err)
			shutdownErr = err
		}

		// Run closers in order.
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}

func historyBackend(r history.Recorder) string {
	switch r.(type) {
	case *postgres.Store:
		return "postgres"
	case *history.Memory:
		return "memory"
	default:
		return fmt.Sprintf("%T", r)
	}
}
