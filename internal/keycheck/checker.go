// Package keycheck runs the background credential probes. Each provider has
// a prober that discovers what its keys can do (model snapshots, inference
// profiles, logging posture, OAuth liveness) and retires keys the upstream
// reports as dead. One Checker loop runs per provider store.
package keycheck

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
)

const (
	// recheckInterval is the recurring probe cadence for providers with
	// recurring checks enabled.
	recheckInterval = 6 * time.Hour

	// transientRetryDelay reschedules a key after a 429 or network error.
	transientRetryDelay = time.Minute

	// probeConcurrency bounds parallel probes per provider.
	probeConcurrency = 2

	idleSleep = 10 * time.Second
)

// Prober implements one provider's probe. Check inspects a single key and
// applies its findings to the store. A returned error marks the probe
// transient (network trouble, upstream 429): the key is re-checked after
// transientRetryDelay instead of a full interval.
type Prober interface {
	Check(ctx context.Context, key keypool.Key, store *keypool.Store) error
}

// Checker drives one provider's probe loop. Scheduling state (next-due
// times) is checker-local; the store's LastChecked stamp is informational.
type Checker struct {
	store  *keypool.Store
	prober Prober
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	nextDue map[string]time.Time
}

// New builds a Checker for the store/prober pair.
func New(store *keypool.Store, prober Prober, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		store:   store,
		prober:  prober,
		log:     log,
		now:     time.Now,
		nextDue: make(map[string]time.Time),
	}
}

// Run probes until ctx is cancelled. A Recheck on the store wakes the loop
// immediately and forgets the local schedule.
func (c *Checker) Run(ctx context.Context) {
	for {
		c.sweep(ctx)

		select {
		case <-ctx.Done():
			return
		case <-c.store.Wake():
			c.mu.Lock()
			c.nextDue = make(map[string]time.Time)
			c.mu.Unlock()
		case <-time.After(idleSleep):
		}
	}
}

// sweep probes every key currently due, bounded by probeConcurrency.
func (c *Checker) sweep(ctx context.Context) {
	due := c.dueKeys()
	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, key := range due {
		key := key
		g.Go(func() error {
			c.probeOne(gctx, key)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Checker) dueKeys() []keypool.Key {
	now := c.now()
	recurring := c.store.Profile().RecurringChecks

	c.mu.Lock()
	defer c.mu.Unlock()

	var due []keypool.Key
	for _, k := range c.store.Snapshot() {
		if k.Revoked || k.Disabled && k.LastChecked != 0 {
			continue
		}
		next, scheduled := c.nextDue[k.Hash]
		switch {
		case !scheduled && k.LastChecked == 0:
			due = append(due, k)
		case scheduled && recurring && now.After(next):
			due = append(due, k)
		case scheduled && !recurring && now.After(next) && k.LastChecked == 0:
			// Transient failure on a single-shot provider: retry until the
			// initial check lands.
			due = append(due, k)
		}
	}
	return due
}

func (c *Checker) probeOne(ctx context.Context, key keypool.Key) {
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := c.prober.Check(probeCtx, key, c.store)

	c.mu.Lock()
	if err != nil {
		c.nextDue[key.Hash] = c.now().Add(transientRetryDelay)
	} else {
		c.nextDue[key.Hash] = c.now().Add(recheckInterval)
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("key check deferred",
			slog.String("service", string(c.store.Service())),
			slog.String("key", key.Hash),
			slog.String("error", err.Error()),
		)
		return
	}

	c.log.Debug("key checked",
		slog.String("service", string(c.store.Service())),
		slog.String("key", key.Hash),
	)
}
