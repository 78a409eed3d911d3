package keypool

import (
	"strings"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

const (
	gcpReuseDelay = 500 * time.Millisecond
	gcpLockout    = 4000 * time.Millisecond
)

// NewGCPStore parses projectId:clientEmail:region:base64PrivateKey
// composites into a Vertex store. Per-variant eligibility flags start false
// and are set by the first checker pass.
func NewGCPStore(secrets []string, families []models.Family) *Store {
	keys := make([]*Key, 0, len(secrets))
	for _, secret := range dedupeSecrets(secrets) {
		parts := strings.SplitN(secret, ":", 4)
		if len(parts) != 4 {
			continue
		}
		keys = append(keys, &Key{
			Secret:         secret,
			Hash:           HashSecret(secret, ""),
			Service:        models.GCP,
			Families:       append([]models.Family(nil), families...),
			TokensByFamily: make(map[models.Family]int64),
			ProjectID:      parts[0],
			ClientEmail:    parts[1],
			Region:         parts[2],
			PrivateKey:     parts[3],
		})
	}

	return NewStore(Profile{
		Service:          models.GCP,
		ReuseDelay:       gcpReuseDelay,
		RateLimitLockout: gcpLockout,
		Filter:           gcpVariantEligible,
	}, keys)
}

// gcpVariantEligible checks the per-variant flags discovered by the checker.
// Before the first check every flag is false and LastChecked is zero; such
// keys pass so startup traffic is not starved while probes run.
func gcpVariantEligible(k *Key, model string) bool {
	if k.LastChecked == 0 {
		return true
	}
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude-3-5-sonnet"):
		return k.Sonnet35Enabled
	case strings.HasPrefix(m, "claude-3-sonnet"):
		return k.SonnetEnabled
	case strings.HasPrefix(m, "claude-3-haiku"):
		return k.HaikuEnabled
	default:
		return true
	}
}
