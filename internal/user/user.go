// Package user defines the small surface the proxy core consumes from the
// external user system: token resolution and per-family token quotas. The
// gatekeeper itself (sessions, challenges, admin) lives outside this repo.
package user

import (
	"sync"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

// Identity is a resolved caller.
type Identity struct {
	// Token is the user token when one was presented.
	Token string
	// Disabled callers are rejected before enqueueing.
	Disabled bool
}

// Resolver maps a bearer token to an identity. Implementations live outside
// the proxy core; StaticResolver covers the common token-list deployment.
type Resolver interface {
	Resolve(token string) (Identity, bool)
}

// StaticResolver resolves against a fixed token set.
type StaticResolver struct {
	tokens map[string]bool
}

// NewStaticResolver builds a resolver over the configured token list. An
// empty list means anonymous mode: every caller resolves.
func NewStaticResolver(tokens []string) *StaticResolver {
	m := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if t != "" {
			m[t] = true
		}
	}
	return &StaticResolver{tokens: m}
}

func (r *StaticResolver) Resolve(token string) (Identity, bool) {
	if len(r.tokens) == 0 {
		return Identity{Token: token}, true
	}
	if r.tokens[token] {
		return Identity{Token: token}, true
	}
	return Identity{}, false
}

// QuotaTracker enforces per-identity, per-family token budgets. Zero limits
// mean unlimited. State is in-memory, matching the single-node pool model.
type QuotaTracker struct {
	mu     sync.Mutex
	limits map[models.Family]int64
	used   map[string]map[models.Family]int64
}

// NewQuotaTracker builds a tracker over the configured limits.
func NewQuotaTracker(limits map[models.Family]int64) *QuotaTracker {
	return &QuotaTracker{
		limits: limits,
		used:   make(map[string]map[models.Family]int64),
	}
}

// Allows reports whether identity may consume tokens more tokens of family.
func (q *QuotaTracker) Allows(identity string, family models.Family, tokens int64) bool {
	limit := q.limits[family]
	if limit <= 0 {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[identity][family]+tokens <= limit
}

// Consume records usage after a completed request.
func (q *QuotaTracker) Consume(identity string, family models.Family, tokens int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fam := q.used[identity]
	if fam == nil {
		fam = make(map[models.Family]int64)
		q.used[identity] = fam
	}
	fam[family] += tokens
}

// Used returns the consumed tokens for an identity and family.
func (q *QuotaTracker) Used(identity string, family models.Family) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[identity][family]
}
