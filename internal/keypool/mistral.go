package keypool

import (
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

const (
	mistralReuseDelay = 500 * time.Millisecond
	mistralLockout    = 2000 * time.Millisecond
)

// NewMistralStore parses bare-string secrets into a Mistral store. Mistral
// keys are not probed; the configured families are trusted as-is.
func NewMistralStore(secrets []string, families []models.Family) *Store {
	keys := make([]*Key, 0, len(secrets))
	for _, secret := range dedupeSecrets(secrets) {
		keys = append(keys, &Key{
			Secret:         secret,
			Hash:           HashSecret(secret, ""),
			Service:        models.Mistral,
			Families:       append([]models.Family(nil), families...),
			TokensByFamily: make(map[models.Family]int64),
		})
	}

	return NewStore(Profile{
		Service:          models.Mistral,
		ReuseDelay:       mistralReuseDelay,
		RateLimitLockout: mistralLockout,
	}, keys)
}
