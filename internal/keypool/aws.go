package keypool

import (
	"strings"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

const (
	awsReuseDelay = 250 * time.Millisecond
	awsLockout    = 5000 * time.Millisecond
)

// NewAWSStore parses accessKeyId:secretAccessKey:region composites into a
// Bedrock store. Malformed entries are skipped. When allowLogging is false,
// keys on accounts with invocation logging enabled are ineligible.
func NewAWSStore(secrets []string, families []models.Family, allowLogging bool) *Store {
	keys := make([]*Key, 0, len(secrets))
	for _, secret := range dedupeSecrets(secrets) {
		parts := strings.Split(secret, ":")
		if len(parts) != 3 {
			continue
		}
		keys = append(keys, &Key{
			Secret:           secret,
			Hash:             HashSecret(secret, ""),
			Service:          models.AWS,
			Families:         append([]models.Family(nil), families...),
			TokensByFamily:   make(map[models.Family]int64),
			AccessKeyID:      parts[0],
			SecretAccessKey:  parts[1],
			Region:           parts[2],
			AWSLoggingStatus: LoggingUnknown,
		})
	}

	return NewStore(Profile{
		Service:          models.AWS,
		ReuseDelay:       awsReuseDelay,
		RateLimitLockout: awsLockout,
		RecurringChecks:  true,
		Filter: func(k *Key, model string) bool {
			if !allowLogging && k.AWSLoggingStatus == LoggingEnabled {
				return false
			}
			if len(k.ModelIDs) > 0 {
				return k.HasModelID(strings.ToLower(model))
			}
			return true
		},
		// Prefer keys that can invoke the target through a cross-region
		// inference profile; they survive regional throttling better.
		Tiebreak: func(model string) Tiebreaker {
			target := strings.ToLower(model)
			return PreferFalse(func(k *Key) bool {
				for _, id := range k.InferenceProfileIDs {
					if strings.Contains(strings.ToLower(id), target) {
						return false
					}
				}
				return true
			})
		},
	}, keys)
}
