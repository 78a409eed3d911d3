package keypool

import (
	"errors"
	"sync"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

// ErrNoKeyAvailable is returned by Get when every enabled credential for the
// requested family has been filtered out.
var ErrNoKeyAvailable = errors.New("keypool: no key available")

// Profile fixes the provider-specific behaviour of a Store. The delays are
// design constants, not user-tunable configuration.
type Profile struct {
	Service models.Service

	// ReuseDelay is the artificial post-selection lockout preventing a key
	// from being reassigned while the caller's request is in flight.
	ReuseDelay time.Duration

	// RateLimitLockout is the lockout applied on an upstream 429.
	RateLimitLockout time.Duration

	// Filter applies provider-specific eligibility rules on top of the
	// shared disabled/family checks. Nil means no extra rules.
	Filter func(k *Key, model string) bool

	// Tiebreak builds the prioritizer tiebreaker for a model. Nil means
	// plain least-recently-used.
	Tiebreak func(model string) Tiebreaker

	// RecurringChecks enables periodic re-probing after the initial check.
	RecurringChecks bool
}

// Store owns the credential slice for one provider. All mutation is
// serialized by a single mutex; readers receive copies.
type Store struct {
	mu      sync.Mutex
	profile Profile
	keys    []*Key

	// now is overridable in tests.
	now func() int64

	// wake is signalled by Recheck so the background checker re-probes
	// without waiting out its interval.
	wake chan struct{}
}

// NewStore builds a Store over the given keys.
func NewStore(p Profile, keys []*Key) *Store {
	return &Store{
		profile: p,
		keys:    keys,
		now:     nowMillis,
		wake:    make(chan struct{}, 1),
	}
}

// Service returns the provider tag this store serves.
func (s *Store) Service() models.Service { return s.profile.Service }

// Profile returns the store's provider profile.
func (s *Store) Profile() Profile { return s.profile }

// Wake returns the channel signalled by Recheck.
func (s *Store) Wake() <-chan struct{} { return s.wake }

// Get selects the most preferred eligible key for model, stamps LastUsed,
// applies the reuse throttle, and returns a copy.
func (s *Store) Get(model string) (Key, error) {
	family := models.FamilyOf(model)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	candidates := make([]*Key, 0, len(s.keys))
	for _, k := range s.keys {
		if k.Disabled || !k.ServesFamily(family) {
			continue
		}
		if s.profile.Filter != nil && !s.profile.Filter(k, model) {
			continue
		}
		candidates = append(candidates, k)
	}
	if len(candidates) == 0 {
		return Key{}, ErrNoKeyAvailable
	}

	var tb Tiebreaker
	if s.profile.Tiebreak != nil {
		tb = s.profile.Tiebreak(model)
	}
	Prioritize(now, candidates, tb)

	chosen := candidates[0]
	chosen.LastUsed = now
	// Throttle: keep the key out of circulation for the reuse delay so a
	// burst of concurrent requests spreads across the pool.
	if until := now + s.profile.ReuseDelay.Milliseconds(); until > chosen.RateLimitedUntil {
		chosen.RateLimitedUntil = until
	}
	return chosen.clone(), nil
}

// List returns listing-safe copies of every key, secrets cleared.
func (s *Store) List() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, len(s.keys))
	for i, k := range s.keys {
		out[i] = k.redacted()
	}
	return out
}

// Snapshot returns full copies including secret material. For the background
// checker only; never exposed over HTTP.
func (s *Store) Snapshot() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, len(s.keys))
	for i, k := range s.keys {
		out[i] = k.clone()
	}
	return out
}

// Disable marks the key unusable. Revoke additionally marks it permanently
// dead. Idempotent; disabling never clears an earlier revocation.
func (s *Store) Disable(hash string, revoke bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.find(hash)
	if k == nil {
		return
	}
	k.Disabled = true
	if revoke {
		k.Revoked = true
	}
}

// Update applies fn to the key under the store lock and stamps LastChecked.
func (s *Store) Update(hash string, fn func(*Key)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.find(hash)
	if k == nil {
		return
	}
	fn(k)
	k.LastChecked = s.now()
}

// Touch stamps LastChecked without other mutation. The checker uses this to
// defer a key after transient probe failures.
func (s *Store) Touch(hash string, at int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k := s.find(hash); k != nil {
		k.LastChecked = at
	}
}

// IncrementUsage bumps the prompt counter and the family token counter.
func (s *Store) IncrementUsage(hash, model string, tokens int64) {
	family := models.FamilyOf(model)
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.find(hash)
	if k == nil {
		return
	}
	k.PromptCount++
	if k.TokensByFamily == nil {
		k.TokensByFamily = make(map[models.Family]int64)
	}
	k.TokensByFamily[family] += tokens
}

// MarkRateLimited applies the provider's standard lockout window.
func (s *Store) MarkRateLimited(hash string) {
	s.MarkRateLimitedFor(hash, s.profile.RateLimitLockout)
}

// MarkRateLimitedFor applies an explicit lockout (used when the upstream
// communicates a reset time in response headers).
func (s *Store) MarkRateLimitedFor(hash string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.find(hash)
	if k == nil {
		return
	}
	now := s.now()
	k.RateLimitedAt = now
	k.RateLimitedUntil = now + d.Milliseconds()
}

// GetLockoutPeriod returns how long the scheduler must wait before any key
// in family becomes usable. Zero when a usable key exists — or when no
// enabled keys exist at all, so the request fails fast downstream.
func (s *Store) GetLockoutPeriod(family models.Family) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	anyEnabled := false
	var soonest int64 = -1
	for _, k := range s.keys {
		if k.Disabled || !k.ServesFamily(family) {
			continue
		}
		anyEnabled = true
		if !k.RateLimited(now) {
			return 0
		}
		remaining := k.RateLimitedUntil - now
		if soonest < 0 || remaining < soonest {
			soonest = remaining
		}
	}
	if !anyEnabled || soonest < 0 {
		return 0
	}
	return time.Duration(soonest) * time.Millisecond
}

// Recheck clears check state on every key and wakes the checker.
func (s *Store) Recheck() {
	s.mu.Lock()
	for _, k := range s.keys {
		k.LastChecked = 0
		k.Disabled = false
		k.Revoked = false
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Add inserts keys created after startup (OpenAI organization clones).
// Duplicate hashes are ignored.
func (s *Store) Add(keys ...*Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if s.find(k.Hash) == nil {
			s.keys = append(s.keys, k)
		}
	}
}

// Len returns the number of keys in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *Store) find(hash string) *Key {
	for _, k := range s.keys {
		if k.Hash == hash {
			return k
		}
	}
	return nil
}

// SetNowFunc overrides the store clock. Tests only.
func (s *Store) SetNowFunc(fn func() int64) {
	s.mu.Lock()
	s.now = fn
	s.mu.Unlock()
}
