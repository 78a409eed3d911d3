package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/yomyoms/oai-proxy-mod/internal/cache"
	"github.com/yomyoms/oai-proxy-mod/internal/keycheck"
	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/logger"
	"github.com/yomyoms/oai-proxy-mod/internal/metrics"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/internal/mutate"
	"github.com/yomyoms/oai-proxy-mod/internal/preprocess"
	"github.com/yomyoms/oai-proxy-mod/internal/proxy"
	"github.com/yomyoms/oai-proxy-mod/internal/queue"
	"github.com/yomyoms/oai-proxy-mod/internal/ratelimit"
	"github.com/yomyoms/oai-proxy-mod/internal/user"
)

// initInfra establishes optional external connections.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RedisURL != "" {
		rdb, err := connectRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouseURL != "" {
		sink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseURL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.sink = sink
		a.log.Info("clickhouse event sink connected")
	}

	return nil
}

// familiesFor intersects a service's families with the configured allowlist.
func (a *App) familiesFor(svc models.Service) []models.Family {
	all := models.FamiliesOf(svc)
	if len(a.cfg.AllowedFamilies) == 0 {
		return all
	}
	allowed := make(map[models.Family]bool, len(a.cfg.AllowedFamilies))
	for _, f := range a.cfg.AllowedFamilies {
		allowed[f] = true
	}
	var out []models.Family
	for _, f := range all {
		if allowed[f] {
			out = append(out, f)
		}
	}
	return out
}

// initPool builds the per-provider credential stores.
func (a *App) initPool(_ context.Context) error {
	var stores []*keypool.Store

	if keys := a.cfg.OpenAIKeys; len(keys) > 0 {
		stores = append(stores, keypool.NewOpenAIStore(keys, a.familiesFor(models.OpenAI)))
	}
	if keys := a.cfg.AnthropicKeys; len(keys) > 0 {
		stores = append(stores, keypool.NewAnthropicStore(keys, a.familiesFor(models.Anthropic)))
	}
	if keys := a.cfg.GoogleAIKeys; len(keys) > 0 {
		stores = append(stores, keypool.NewGoogleAIStore(keys, a.familiesFor(models.GoogleAI)))
	}
	if keys := a.cfg.MistralKeys; len(keys) > 0 {
		stores = append(stores, keypool.NewMistralStore(keys, a.familiesFor(models.Mistral)))
	}
	if creds := a.cfg.AWSCredentials; len(creds) > 0 {
		stores = append(stores, keypool.NewAWSStore(creds, a.familiesFor(models.AWS), a.cfg.AllowAWSLogging))
	}
	if creds := a.cfg.GCPCredentials; len(creds) > 0 {
		stores = append(stores, keypool.NewGCPStore(creds, a.familiesFor(models.GCP)))
	}
	if creds := a.cfg.AzureCredentials; len(creds) > 0 {
		stores = append(stores, keypool.NewAzureStore(creds, a.familiesFor(models.Azure)))
	}

	if len(stores) == 0 {
		return fmt.Errorf("no provider credentials configured")
	}
	a.pool = keypool.NewPool(stores...)

	total := 0
	for _, s := range a.pool.Stores() {
		total += s.Len()
	}
	a.log.Info("key pool loaded",
		slog.Int("stores", len(stores)),
		slog.Int("keys", total),
	)
	return nil
}

// initServices creates the queue, metrics, event logger, and key checkers.
func (a *App) initServices(ctx context.Context) error {
	a.queue = queue.New(a.pool)
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	events, err := logger.New(a.baseCtx, a.log, a.sink)
	if err != nil {
		return err
	}
	a.events = events

	if a.rdb == nil {
		a.memCache = npCache.NewMemoryCache(ctx)
	}

	a.gcpAuth = mutate.NewGCPTokenSource(a.pool)
	gcpAuth := a.gcpAuth

	checkerFor := map[models.Service]keycheck.Prober{
		models.OpenAI:    keycheck.NewOpenAIProber(""),
		models.Anthropic: keycheck.NewAnthropicProber(""),
		models.AWS:       keycheck.NewAWSProber(""),
		models.GCP:       keycheck.NewGCPProber(gcpAuth, ""),
		models.GoogleAI:  keycheck.NewGoogleAIProber(),
		// Mistral and Azure keys are not probed; configured families are
		// trusted until traffic proves otherwise.
	}
	for _, store := range a.pool.Stores() {
		if prober, ok := checkerFor[store.Service()]; ok {
			a.checkers = append(a.checkers, keycheck.New(store, prober, a.log))
		}
	}

	return nil
}

// initGateway assembles the pipeline chains and HTTP surface.
func (a *App) initGateway(_ context.Context) error {
	quotas := user.NewQuotaTracker(a.cfg.TokenQuotas)

	var allowed map[models.Family]bool
	if len(a.cfg.AllowedFamilies) > 0 {
		allowed = make(map[models.Family]bool, len(a.cfg.AllowedFamilies))
		for _, f := range a.cfg.AllowedFamilies {
			allowed[f] = true
		}
	}

	pre := &preprocess.Chain{
		BlockedOrigins:   a.cfg.BlockedOrigins,
		Backoff:          ratelimit.NewBackoff(a.rdb),
		Quotas:           quotas,
		MaxContextTokens: a.cfg.MaxContextTokens,
		AllowedFamilies:  allowed,
		AllowImageInputs: a.cfg.AllowImageInputs,
	}

	mut := &mutate.Chain{
		Pool: a.pool,
		GCP:  a.gcpAuth,
	}

	var modelsCache npCache.Cache
	if a.rdb != nil {
		modelsCache = npCache.NewExactCacheFromClient(a.rdb)
	} else {
		modelsCache = a.memCache
	}

	a.gw = proxy.New(a.baseCtx, a.pool, a.queue, pre, mut, proxy.Options{
		Logger:      a.log,
		Metrics:     a.prom,
		Events:      a.events,
		Resolver:    user.NewStaticResolver(a.cfg.UserTokens),
		Quotas:      quotas,
		ModelsCache: modelsCache,
		CORSOrigins: a.cfg.CORSOrigins,
		Upstreams:   a.cfg.UpstreamOverrides,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
