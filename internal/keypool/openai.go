package keypool

import (
	"strings"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

const (
	openaiReuseDelay = 1000 * time.Millisecond
	// openaiMinLockout is the floor applied when the upstream reset headers
	// suggest something shorter.
	openaiMinLockout = 10 * time.Second
)

// NewOpenAIStore parses bare-string secrets into an OpenAI store. families
// is the set of model families configuration enables for these keys; the
// checker narrows each key's set once discovery runs.
func NewOpenAIStore(secrets []string, families []models.Family) *Store {
	keys := make([]*Key, 0, len(secrets))
	for _, secret := range dedupeSecrets(secrets) {
		keys = append(keys, &Key{
			Secret:         secret,
			Hash:           HashSecret(secret, ""),
			Service:        models.OpenAI,
			Families:       append([]models.Family(nil), families...),
			TokensByFamily: make(map[models.Family]int64),
		})
	}

	return NewStore(Profile{
		Service:          models.OpenAI,
		ReuseDelay:       openaiReuseDelay,
		RateLimitLockout: openaiMinLockout,
		RecurringChecks:  true,
		Filter: func(k *Key, model string) bool {
			if k.IsOverQuota {
				return false
			}
			return k.HasModelID(model)
		},
		// Prefer production keys; trials carry tight rate limits.
		Tiebreak: func(string) Tiebreaker {
			return PreferFalse(func(k *Key) bool { return k.IsTrial })
		},
	}, keys)
}

// CloneForOrganization creates a sibling key sharing the secret but scoped to
// a different OpenAI organization, with independent usage tracking. The
// checker calls this when list-organizations reports more than one org.
func CloneForOrganization(k Key, orgID string) *Key {
	clone := k.clone()
	clone.OrganizationID = orgID
	clone.Hash = HashSecret(k.Secret, orgID)
	clone.PromptCount = 0
	clone.LastUsed = 0
	clone.TokensByFamily = make(map[models.Family]int64)
	return &clone
}

func dedupeSecrets(secrets []string) []string {
	seen := make(map[string]bool, len(secrets))
	out := make([]string, 0, len(secrets))
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
