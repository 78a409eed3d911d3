package keypool

import (
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

const (
	googleAIReuseDelay = 500 * time.Millisecond
	googleAILockout    = 2000 * time.Millisecond
)

// NewGoogleAIStore parses bare-string secrets into a Google AI Studio store.
func NewGoogleAIStore(secrets []string, families []models.Family) *Store {
	keys := make([]*Key, 0, len(secrets))
	for _, secret := range dedupeSecrets(secrets) {
		keys = append(keys, &Key{
			Secret:         secret,
			Hash:           HashSecret(secret, ""),
			Service:        models.GoogleAI,
			Families:       append([]models.Family(nil), families...),
			TokensByFamily: make(map[models.Family]int64),
		})
	}

	return NewStore(Profile{
		Service:          models.GoogleAI,
		ReuseDelay:       googleAIReuseDelay,
		RateLimitLockout: googleAILockout,
	}, keys)
}
