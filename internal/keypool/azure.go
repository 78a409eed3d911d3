package keypool

import (
	"strings"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

const (
	azureReuseDelay = 500 * time.Millisecond
	azureLockout    = 4000 * time.Millisecond
)

// NewAzureStore parses resourceName:deploymentId:apiKey composites into an
// Azure OpenAI store.
func NewAzureStore(secrets []string, families []models.Family) *Store {
	keys := make([]*Key, 0, len(secrets))
	for _, secret := range dedupeSecrets(secrets) {
		parts := strings.Split(secret, ":")
		if len(parts) != 3 {
			continue
		}
		keys = append(keys, &Key{
			Secret:         secret,
			Hash:           HashSecret(secret, ""),
			Service:        models.Azure,
			Families:       append([]models.Family(nil), families...),
			TokensByFamily: make(map[models.Family]int64),
			ResourceName:   parts[0],
			DeploymentID:   parts[1],
		})
	}

	return NewStore(Profile{
		Service:          models.Azure,
		ReuseDelay:       azureReuseDelay,
		RateLimitLockout: azureLockout,
		// Prefer deployments without content filtering; filtered ones
		// reject more prompts and waste queue slots.
		Tiebreak: func(string) Tiebreaker {
			return PreferFalse(func(k *Key) bool { return k.ContentFiltering })
		},
	}, keys)
}

// AzureAPIKey extracts the api-key portion of an Azure composite secret.
func AzureAPIKey(secret string) string {
	parts := strings.Split(secret, ":")
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}
