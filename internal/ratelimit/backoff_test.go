package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestBackoff_LocalExponential(t *testing.T) {
	b := NewBackoff(nil)
	ctx := context.Background()

	if b.Blocked(ctx, "1.2.3.4") {
		t.Fatal("fresh IP must not be blocked")
	}

	first := b.RecordHit(ctx, "1.2.3.4")
	second := b.RecordHit(ctx, "1.2.3.4")
	if second != 2*first {
		t.Errorf("lockouts = %v then %v, want doubling", first, second)
	}
	if !b.Blocked(ctx, "1.2.3.4") {
		t.Error("IP must be blocked after a hit")
	}
	if b.Blocked(ctx, "5.6.7.8") {
		t.Error("other IPs must be unaffected")
	}
}

func TestBackoff_LockoutCap(t *testing.T) {
	if got := lockoutFor(60); got != maxLockout {
		t.Errorf("lockoutFor(60) = %v, want cap %v", got, maxLockout)
	}
}

func TestBackoff_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewBackoff(rdb)
	ctx := context.Background()

	d := b.RecordHit(ctx, "9.9.9.9")
	if d != baseLockout {
		t.Errorf("first lockout = %v, want %v", d, baseLockout)
	}
	if !b.Blocked(ctx, "9.9.9.9") {
		t.Error("IP must be blocked in redis mode")
	}

	mr.FastForward(d + time.Second)
	if b.Blocked(ctx, "9.9.9.9") {
		t.Error("lockout must expire")
	}
}
