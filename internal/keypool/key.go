// Package keypool maintains the per-provider credential registries.
//
// Every upstream credential is a Key record carrying health, capability,
// rate-limit, and usage state. Keys are owned by a per-provider Store and are
// mutated only through Store methods; callers always receive copies. The
// service-agnostic Pool routes calls to the right Store by model name.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

// LoggingStatus describes whether an AWS account has invocation logging
// turned on. Keys on logged accounts can be excluded from selection.
type LoggingStatus string

const (
	LoggingUnknown  LoggingStatus = "unknown"
	LoggingDisabled LoggingStatus = "disabled"
	LoggingEnabled  LoggingStatus = "enabled"
)

// Key is a single upstream credential plus its runtime state. The zero value
// is not usable; construct through a provider Store.
//
// Timestamps are milliseconds since epoch; zero means "never".
type Key struct {
	// Secret is the raw credential material. Never logged, never listed.
	Secret string

	// Hash is a short stable identifier derived from the secret (and the
	// organization ID for cloned OpenAI keys).
	Hash string

	Service  models.Service
	Families []models.Family

	Disabled bool
	Revoked  bool

	PromptCount      int64
	LastUsed         int64
	LastChecked      int64
	RateLimitedAt    int64
	RateLimitedUntil int64

	// TokensByFamily accumulates prompt+completion tokens per model family.
	TokensByFamily map[models.Family]int64

	// ── OpenAI ──
	IsTrial                bool
	IsOverQuota            bool
	OrganizationID         string
	RateLimitRequestsReset int64
	RateLimitTokensReset   int64
	// ModelIDs is the discovered snapshot list (e.g. gpt-4o-2024-05-13).
	ModelIDs []string

	// ── Anthropic ──
	Tier                string
	IsPozzed            bool
	RequiresPreamble    bool
	AllowsMultimodality bool

	// ── AWS Bedrock ──
	AccessKeyID         string
	SecretAccessKey     string
	Region              string
	AWSLoggingStatus    LoggingStatus
	InferenceProfileIDs []string

	// ── GCP Vertex ──
	ProjectID            string
	ClientEmail          string
	PrivateKey           string // base64 PKCS8, PEM markers stripped
	AccessToken          string
	AccessTokenExpiresAt int64
	SonnetEnabled        bool
	HaikuEnabled         bool
	Sonnet35Enabled      bool

	// ── Azure OpenAI ──
	ResourceName     string
	DeploymentID     string
	ContentFiltering bool
}

// HashSecret derives the short stable key identifier. extra distinguishes
// sibling keys sharing a secret (OpenAI multi-org clones).
func HashSecret(secret, extra string) string {
	sum := sha256.Sum256([]byte(secret + extra))
	return hex.EncodeToString(sum[:])[:8]
}

// RateLimited reports whether the key's lockout window covers nowMs.
func (k *Key) RateLimited(nowMs int64) bool {
	return k.RateLimitedUntil > nowMs
}

// ServesFamily reports whether the key is believed to service family f.
func (k *Key) ServesFamily(f models.Family) bool {
	for _, have := range k.Families {
		if have == f {
			return true
		}
	}
	return false
}

// HasModelID reports whether the discovered snapshot list contains id.
// An empty list means discovery has not run yet and all IDs are assumed.
func (k *Key) HasModelID(id string) bool {
	if len(k.ModelIDs) == 0 {
		return true
	}
	for _, have := range k.ModelIDs {
		if have == id {
			return true
		}
	}
	return false
}

// clone returns a copy that shares no mutable state with the original.
func (k *Key) clone() Key {
	cp := *k
	cp.Families = append([]models.Family(nil), k.Families...)
	cp.ModelIDs = append([]string(nil), k.ModelIDs...)
	cp.InferenceProfileIDs = append([]string(nil), k.InferenceProfileIDs...)
	if k.TokensByFamily != nil {
		cp.TokensByFamily = make(map[models.Family]int64, len(k.TokensByFamily))
		for f, n := range k.TokensByFamily {
			cp.TokensByFamily[f] = n
		}
	}
	return cp
}

// redacted returns a listing-safe copy with the secret material cleared.
func (k *Key) redacted() Key {
	cp := k.clone()
	cp.Secret = ""
	cp.SecretAccessKey = ""
	cp.PrivateKey = ""
	cp.AccessToken = ""
	return cp
}

func nowMillis() int64 { return time.Now().UnixMilli() }
