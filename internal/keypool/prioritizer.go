package keypool

import "sort"

// Tiebreaker orders two candidate keys after the rate-limit comparison and
// before the least-recently-used comparison. Negative means a before b.
type Tiebreaker func(a, b *Key) int

// Prioritize orders candidates from most to least preferred:
//
//  1. keys outside their lockout window before rate-limited ones;
//  2. among rate-limited keys, the earliest RateLimitedUntil;
//  3. the caller-supplied tiebreaker, if any;
//  4. least-recently-used.
//
// The sort is stable and performs no I/O or locking; callers pass an
// already-filtered candidate slice they own.
func Prioritize(nowMs int64, candidates []*Key, tb Tiebreaker) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]

		aLimited, bLimited := a.RateLimited(nowMs), b.RateLimited(nowMs)
		if aLimited != bLimited {
			return !aLimited
		}
		if aLimited && a.RateLimitedUntil != b.RateLimitedUntil {
			return a.RateLimitedUntil < b.RateLimitedUntil
		}
		if tb != nil {
			if c := tb(a, b); c != 0 {
				return c < 0
			}
		}
		return a.LastUsed < b.LastUsed
	})
}

// PreferFalse builds a tiebreaker that prefers keys for which flag returns
// false (e.g. "prefer non-trial keys").
func PreferFalse(flag func(*Key) bool) Tiebreaker {
	return func(a, b *Key) int {
		af, bf := flag(a), flag(b)
		switch {
		case af == bf:
			return 0
		case bf:
			return -1
		default:
			return 1
		}
	}
}
