package keypool

import (
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

const (
	anthropicReuseDelay = 500 * time.Millisecond
	anthropicLockout    = 2000 * time.Millisecond
)

// NewAnthropicStore parses bare-string secrets into an Anthropic store.
func NewAnthropicStore(secrets []string, families []models.Family) *Store {
	keys := make([]*Key, 0, len(secrets))
	for _, secret := range dedupeSecrets(secrets) {
		keys = append(keys, &Key{
			Secret:              secret,
			Hash:                HashSecret(secret, ""),
			Service:             models.Anthropic,
			Families:            append([]models.Family(nil), families...),
			TokensByFamily:      make(map[models.Family]int64),
			AllowsMultimodality: true,
		})
	}

	return NewStore(Profile{
		Service:          models.Anthropic,
		ReuseDelay:       anthropicReuseDelay,
		RateLimitLockout: anthropicLockout,
		RecurringChecks:  true,
		Filter: func(k *Key, _ string) bool {
			return !k.IsOverQuota
		},
		// Prefer unpozzed keys so filtered accounts drain last.
		Tiebreak: func(string) Tiebreaker {
			return PreferFalse(func(k *Key) bool { return k.IsPozzed })
		},
	}, keys)
}
