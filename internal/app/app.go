// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — optional external connections (Redis, ClickHouse)
//  2. initPool     — credential stores and the key pool
//  3. initServices — queue, metrics, event logger, checkers
//  4. initGateway  — pipeline chains + HTTP routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	npCache "github.com/yomyoms/oai-proxy-mod/internal/cache"
	"github.com/yomyoms/oai-proxy-mod/internal/config"
	"github.com/yomyoms/oai-proxy-mod/internal/keycheck"
	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/logger"
	"github.com/yomyoms/oai-proxy-mod/internal/metrics"
	"github.com/yomyoms/oai-proxy-mod/internal/mutate"
	"github.com/yomyoms/oai-proxy-mod/internal/proxy"
	"github.com/yomyoms/oai-proxy-mod/internal/queue"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb  *redis.Client
	sink logger.Sink

	events   *logger.Logger
	memCache *npCache.MemoryCache
	prom     *metrics.Registry

	pool     *keypool.Pool
	gcpAuth  *mutate.GCPTokenSource
	queue    *queue.Queue
	checkers []*keycheck.Checker
	gw       *proxy.Gateway
	mgmt     *proxy.ManagementRoutes

	checkerCancel context.CancelFunc
}

// New initialises all subsystems and returns a ready-to-run App.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"pool", a.initPool},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the checkers and the HTTP server and blocks until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting proxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("key_stores", len(a.pool.Stores())),
	)

	checkerCtx, cancel := context.WithCancel(ctx)
	a.checkerCancel = cancel
	for _, c := range a.checkers {
		go c.Run(checkerCtx)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.checkerCancel != nil {
		a.checkerCancel()
		a.checkerCancel = nil
	}
	if a.queue != nil {
		a.queue.Stop()
		a.queue = nil
	}
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.log.Error("event logger close error", slog.String("error", err.Error()))
		}
		a.events = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
