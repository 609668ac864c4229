// Package app wires configuration into a running process: storage, the
// session service, live fan-out, exports and the web server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ajiaco/internal/adapters/exports"
	"ajiaco/internal/blob"
	"ajiaco/internal/config"
	"ajiaco/internal/core"
	"ajiaco/internal/live"
	"ajiaco/internal/web"
)

const shutdownTimeout = 10 * time.Second

// App owns every long-lived dependency of the process.
type App struct {
	Config   config.Config
	Log      *zap.Logger
	Registry *prometheus.Registry
	Store    core.PersistentStore
	Service  *core.Service
	Hub      *live.Hub
	Blobs    blob.Store
	Exports  *exports.Worker

	redis  *redis.Client
	bridge *live.RedisBridge
}

// New opens storage and builds the service graph. The export worker is not
// started; Serve starts it.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []core.Option{
		core.WithLogger(log.Named("core")),
		core.WithMetrics(core.NewPrometheusMetricsRecorder(reg)),
		core.WithSessionDefaults(cfg.SessionDefaults),
	}
	if cfg.Experiments != "" {
		manifest, err := core.LoadManifest(cfg.Experiments)
		if err != nil {
			return nil, err
		}
		opts = append(opts, core.WithManifest(manifest))
	}

	store, err := core.OpenPersistentStore(ctx, cfg.Storage, core.NewDefaultRulesEngine(), log.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a := &App{
		Config:   cfg,
		Log:      log,
		Registry: reg,
		Store:    store,
		Service:  core.NewService(store, opts...),
	}

	hubOpts := []live.HubOption{live.WithHubLogger(log.Named("live")), live.WithHubMetrics(live.NewHubMetrics(reg))}
	if cfg.Live.ReplayBuffer > 0 {
		hubOpts = append(hubOpts, live.WithReplayBuffer(cfg.Live.ReplayBuffer))
	}
	a.Hub = live.NewHub(hubOpts...)

	var publisher live.Publisher = a.Hub
	if cfg.Redis.URL != "" {
		client, err := live.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.redis = client
		a.bridge = live.NewRedisBridge(client, a.Hub, log.Named("redis"))
		publisher = a.bridge
	}
	core.NewNotifier(store, publisher, log.Named("notifier"))

	if a.Blobs, err = blob.Open(ctx, cfg.Blob); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	a.Exports = exports.NewWorker(a.Service, a.Blobs, log.Named("exports"))
	return a, nil
}

// Server builds the HTTP server for the app.
func (a *App) Server() (*web.Server, error) {
	return web.NewServer(a.Service, a.Hub, a.Exports, a.Log.Named("web"), web.Options{
		Name:           a.Config.Name,
		HighlightDelay: a.Config.Live.HighlightDelay,
		Gatherer:       a.Registry,
	})
}

// Serve runs the HTTP server, the export worker and the redis relay until ctx
// is cancelled or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	srv, err := a.Server()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.Exports.Start()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if stopErr := a.Exports.Stop(shutdownCtx); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		a.Log.Info("http server stopped")
		return err
	})
	return g.Wait()
}

// Close releases storage and redis connections.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if closer, ok := a.Store.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}
