package keypool

import (
	"fmt"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

// Pool routes service-agnostic calls to the correct provider Store by model
// name. Stores register once at startup; the map is read-only afterwards.
type Pool struct {
	stores map[models.Service]*Store
}

// NewPool builds a pool over the given stores. Later stores for the same
// service replace earlier ones.
func NewPool(stores ...*Store) *Pool {
	m := make(map[models.Service]*Store, len(stores))
	for _, s := range stores {
		m[s.Service()] = s
	}
	return &Pool{stores: m}
}

// StoreFor returns the store serving svc, or nil.
func (p *Pool) StoreFor(svc models.Service) *Store { return p.stores[svc] }

// Stores returns every registered store.
func (p *Pool) Stores() []*Store {
	out := make([]*Store, 0, len(p.stores))
	for _, s := range p.stores {
		out = append(out, s)
	}
	return out
}

func (p *Pool) storeForModel(model string) (*Store, error) {
	svc, ok := models.ServiceOfModel(model)
	if !ok {
		return nil, fmt.Errorf("keypool: unknown model %q", model)
	}
	s, ok := p.stores[svc]
	if !ok {
		return nil, fmt.Errorf("keypool: service %s not configured", svc)
	}
	return s, nil
}

// Get selects a key for model from the owning provider store.
func (p *Pool) Get(model string) (Key, error) {
	s, err := p.storeForModel(model)
	if err != nil {
		return Key{}, err
	}
	return s.Get(model)
}

// List returns redacted copies of every key across all providers.
func (p *Pool) List() []Key {
	var out []Key
	for _, s := range p.stores {
		out = append(out, s.List()...)
	}
	return out
}

// Disable marks the key unusable in its owning store.
func (p *Pool) Disable(k Key, revoke bool) {
	if s, ok := p.stores[k.Service]; ok {
		s.Disable(k.Hash, revoke)
	}
}

// Update applies fn to the key in its owning store.
func (p *Pool) Update(k Key, fn func(*Key)) {
	if s, ok := p.stores[k.Service]; ok {
		s.Update(k.Hash, fn)
	}
}

// MarkRateLimited applies the owning provider's standard lockout.
func (p *Pool) MarkRateLimited(k Key) {
	if s, ok := p.stores[k.Service]; ok {
		s.MarkRateLimited(k.Hash)
	}
}

// UpdateRateLimits applies an explicit lockout communicated by the upstream
// (e.g. OpenAI reset headers), clamped to the provider's minimum.
func (p *Pool) UpdateRateLimits(k Key, until time.Duration) {
	s, ok := p.stores[k.Service]
	if !ok {
		return
	}
	if min := s.Profile().RateLimitLockout; until < min {
		until = min
	}
	s.MarkRateLimitedFor(k.Hash, until)
}

// IncrementUsage records a completed prompt against the key.
func (p *Pool) IncrementUsage(k Key, model string, tokens int64) {
	if s, ok := p.stores[k.Service]; ok {
		s.IncrementUsage(k.Hash, model, tokens)
	}
}

// GetLockoutPeriod reports the remaining lockout for a family, routed to the
// owning service. Families without a configured store report zero so their
// requests dequeue and fail fast.
func (p *Pool) GetLockoutPeriod(family models.Family) time.Duration {
	svc, ok := models.ServiceOf(family)
	if !ok {
		return 0
	}
	s, ok := p.stores[svc]
	if !ok {
		return 0
	}
	return s.GetLockoutPeriod(family)
}

// Recheck resets check state on every store and wakes the checkers.
func (p *Pool) Recheck() {
	for _, s := range p.stores {
		s.Recheck()
	}
}
