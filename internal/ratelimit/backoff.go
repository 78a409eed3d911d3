// Package ratelimit tracks per-IP exponential backoff for callers whose
// prompts keep tripping the content filter. State lives in Redis when a
// client is provided (shared across restarts) and falls back to an
// in-process map otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	backoffKeyPrefix = "moderation:backoff:"
	baseLockout      = 10 * time.Second
	maxLockout       = 30 * time.Minute
	hitWindow        = time.Hour
)

// Backoff implements exponential per-IP lockouts: each flagged prompt inside
// the window doubles the lockout, capped at maxLockout.
type Backoff struct {
	rdb *redis.Client

	mu      sync.Mutex
	hits    map[string]int
	blocked map[string]time.Time
	seen    map[string]time.Time
}

// NewBackoff builds a Backoff. rdb may be nil for in-memory mode.
func NewBackoff(rdb *redis.Client) *Backoff {
	return &Backoff{
		rdb:     rdb,
		hits:    make(map[string]int),
		blocked: make(map[string]time.Time),
		seen:    make(map[string]time.Time),
	}
}

// RecordHit registers one flagged prompt and returns the resulting lockout.
func (b *Backoff) RecordHit(ctx context.Context, ip string) time.Duration {
	if b.rdb != nil {
		if d, err := b.recordRedis(ctx, ip); err == nil {
			return d
		}
		// Redis unavailable — degrade to local state.
	}
	return b.recordLocal(ip)
}

// Blocked reports whether the IP is inside an active lockout.
func (b *Backoff) Blocked(ctx context.Context, ip string) bool {
	if b.rdb != nil {
		if blocked, err := b.blockedRedis(ctx, ip); err == nil {
			return blocked
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	until, ok := b.blocked[ip]
	return ok && time.Now().Before(until)
}

func lockoutFor(hits int) time.Duration {
	d := baseLockout << (hits - 1)
	if d > maxLockout || d <= 0 {
		return maxLockout
	}
	return d
}

func (b *Backoff) recordLocal(ip string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	b.hits[ip]++
	b.seen[ip] = time.Now()
	d := lockoutFor(b.hits[ip])
	b.blocked[ip] = time.Now().Add(d)
	return d
}

func (b *Backoff) pruneLocked() {
	cutoff := time.Now().Add(-hitWindow)
	for ip, at := range b.seen {
		if at.Before(cutoff) {
			delete(b.seen, ip)
			delete(b.hits, ip)
			delete(b.blocked, ip)
		}
	}
}

func (b *Backoff) recordRedis(ctx context.Context, ip string) (time.Duration, error) {
	hitsKey := backoffKeyPrefix + "hits:" + ip
	hits, err := b.rdb.Incr(ctx, hitsKey).Result()
	if err != nil {
		return 0, err
	}
	b.rdb.Expire(ctx, hitsKey, hitWindow)

	d := lockoutFor(int(hits))
	blockKey := backoffKeyPrefix + "block:" + ip
	if err := b.rdb.Set(ctx, blockKey, "1", d).Err(); err != nil {
		return 0, err
	}
	return d, nil
}

func (b *Backoff) blockedRedis(ctx context.Context, ip string) (bool, error) {
	n, err := b.rdb.Exists(ctx, backoffKeyPrefix+"block:"+ip).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: %w", err)
	}
	return n > 0, nil
}
