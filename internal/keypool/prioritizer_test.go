package keypool

import "testing"

func TestPrioritize_FreeBeforeRateLimited(t *testing.T) {
	now := int64(100_000)
	limited := &Key{Hash: "aaaaaaaa", RateLimitedUntil: now + 500, LastUsed: 1}
	free := &Key{Hash: "bbbbbbbb", LastUsed: 99_999}

	keys := []*Key{limited, free}
	Prioritize(now, keys, nil)

	if keys[0].Hash != "bbbbbbbb" {
		t.Error("free key must sort before rate-limited key regardless of recency")
	}
}

func TestPrioritize_EarliestLockoutAmongLimited(t *testing.T) {
	now := int64(100_000)
	late := &Key{Hash: "aaaaaaaa", RateLimitedUntil: now + 900}
	early := &Key{Hash: "bbbbbbbb", RateLimitedUntil: now + 100}

	keys := []*Key{late, early}
	Prioritize(now, keys, nil)

	if keys[0].Hash != "bbbbbbbb" {
		t.Error("among rate-limited keys the earliest lockout expiry wins")
	}
}

func TestPrioritize_LeastRecentlyUsed(t *testing.T) {
	recent := &Key{Hash: "aaaaaaaa", LastUsed: 9_000}
	stale := &Key{Hash: "bbbbbbbb", LastUsed: 1_000}

	keys := []*Key{recent, stale}
	Prioritize(10_000, keys, nil)

	if keys[0].Hash != "bbbbbbbb" {
		t.Error("least-recently-used key must sort first")
	}
}

func TestPrioritize_TiebreakerBeatsLRU(t *testing.T) {
	trialButStale := &Key{Hash: "aaaaaaaa", IsTrial: true, LastUsed: 1_000}
	paidButRecent := &Key{Hash: "bbbbbbbb", LastUsed: 9_000}

	keys := []*Key{trialButStale, paidButRecent}
	Prioritize(10_000, keys, PreferFalse(func(k *Key) bool { return k.IsTrial }))

	if keys[0].Hash != "bbbbbbbb" {
		t.Error("tiebreaker must outrank the LRU comparison")
	}
}

func TestPrioritize_Deterministic(t *testing.T) {
	a := &Key{Hash: "aaaaaaaa", LastUsed: 5}
	b := &Key{Hash: "bbbbbbbb", LastUsed: 5}

	first := []*Key{a, b}
	Prioritize(10, first, nil)
	second := []*Key{a, b}
	Prioritize(10, second, nil)

	if first[0].Hash != second[0].Hash {
		t.Error("equal keys must keep their input order (stable sort)")
	}
}
