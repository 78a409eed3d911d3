package keypool

import (
	"errors"
	"testing"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

func testOpenAIStore(t *testing.T, secrets ...string) *Store {
	t.Helper()
	s := NewOpenAIStore(secrets, []models.Family{models.Turbo, models.GPT4o})
	return s
}

func fixedClock(ms int64) func() int64 {
	return func() int64 { return ms }
}

func TestGet_AppliesReuseThrottle(t *testing.T) {
	s := testOpenAIStore(t, "sk-aaaa")
	s.SetNowFunc(fixedClock(1_000_000))

	k, err := s.Get("gpt-4o-2024-05-13")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if k.Disabled {
		t.Error("selected key must not be disabled")
	}
	if !k.ServesFamily(models.GPT4o) {
		t.Error("selected key must serve the requested family")
	}
	if k.LastUsed != 1_000_000 {
		t.Errorf("LastUsed = %d, want 1000000", k.LastUsed)
	}
	want := int64(1_000_000) + openaiReuseDelay.Milliseconds()
	if k.RateLimitedUntil < want {
		t.Errorf("RateLimitedUntil = %d, want ≥ %d", k.RateLimitedUntil, want)
	}
}

func TestGet_ThrottleNeverShrinksLockout(t *testing.T) {
	s := testOpenAIStore(t, "sk-aaaa")
	s.SetNowFunc(fixedClock(1_000_000))
	s.MarkRateLimitedFor("", 0) // no-op for unknown hash

	k, _ := s.Get("gpt-3.5-turbo")
	s.MarkRateLimitedFor(k.Hash, time.Minute)

	got, err := s.Get("gpt-3.5-turbo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RateLimitedUntil != 1_000_000+time.Minute.Milliseconds() {
		t.Errorf("throttle shortened an existing lockout: until = %d", got.RateLimitedUntil)
	}
}

func TestGet_NoKeyAvailable(t *testing.T) {
	s := testOpenAIStore(t, "sk-aaaa")
	keys := s.List()
	s.Disable(keys[0].Hash, false)

	if _, err := s.Get("gpt-3.5-turbo"); !errors.Is(err, ErrNoKeyAvailable) {
		t.Fatalf("err = %v, want ErrNoKeyAvailable", err)
	}
}

func TestGet_SkipsWrongFamily(t *testing.T) {
	s := NewAnthropicStore([]string{"ak-1"}, []models.Family{models.Claude})
	if _, err := s.Get("claude-3-opus-20240229"); !errors.Is(err, ErrNoKeyAvailable) {
		t.Fatalf("claude-opus request served by claude-only key: %v", err)
	}
	if _, err := s.Get("claude-3-5-sonnet-20240620"); err != nil {
		t.Fatalf("claude request failed: %v", err)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := testOpenAIStore(t, "sk-aaaa")
	k, _ := s.Get("gpt-3.5-turbo")
	k.Disabled = true
	k.TokensByFamily[models.Turbo] = 999

	fresh, err := s.Get("gpt-3.5-turbo")
	if err != nil {
		t.Fatalf("mutating the returned copy affected pool state: %v", err)
	}
	if fresh.TokensByFamily[models.Turbo] != 0 {
		t.Error("token counters leaked through the returned copy")
	}
}

func TestDisable_Idempotent(t *testing.T) {
	s := testOpenAIStore(t, "sk-aaaa")
	hash := s.List()[0].Hash

	s.Disable(hash, true)
	first := s.List()[0]
	s.Disable(hash, true)
	second := s.List()[0]

	if first.Disabled != second.Disabled || first.Revoked != second.Revoked ||
		first.LastChecked != second.LastChecked {
		t.Error("second Disable changed observable state")
	}
	if !second.Disabled || !second.Revoked {
		t.Error("revoked key must be disabled and revoked")
	}
}

func TestDisable_RevokeImpliesDisabled(t *testing.T) {
	s := testOpenAIStore(t, "sk-aaaa")
	hash := s.List()[0].Hash
	s.Disable(hash, true)
	k := s.List()[0]
	if k.Revoked && !k.Disabled {
		t.Error("isRevoked without isDisabled violates the key invariant")
	}
}

func TestMarkRateLimited_WithinOneInterval(t *testing.T) {
	s := NewAnthropicStore([]string{"ak-1"}, []models.Family{models.Claude})
	s.SetNowFunc(fixedClock(5_000))
	hash := s.List()[0].Hash

	s.MarkRateLimited(hash)
	first := s.List()[0]
	s.MarkRateLimited(hash)
	second := s.List()[0]

	if first.RateLimitedUntil != second.RateLimitedUntil {
		t.Error("second MarkRateLimited within the interval changed the lockout")
	}
	if second.RateLimitedUntil != 5_000+anthropicLockout.Milliseconds() {
		t.Errorf("lockout = %d, want %d", second.RateLimitedUntil, 5_000+anthropicLockout.Milliseconds())
	}
	if second.RateLimitedUntil < second.RateLimitedAt {
		t.Error("rateLimitedUntil must be ≥ rateLimitedAt")
	}
}

func TestGetLockoutPeriod(t *testing.T) {
	s := NewAnthropicStore([]string{"ak-1", "ak-2"}, []models.Family{models.Claude})
	s.SetNowFunc(fixedClock(10_000))
	keys := s.List()

	if got := s.GetLockoutPeriod(models.Claude); got != 0 {
		t.Fatalf("lockout with fresh keys = %v, want 0", got)
	}

	// One key limited, one free → still zero.
	s.MarkRateLimited(keys[0].Hash)
	if got := s.GetLockoutPeriod(models.Claude); got != 0 {
		t.Fatalf("lockout with one free key = %v, want 0", got)
	}

	// Both limited → min remaining.
	s.MarkRateLimited(keys[1].Hash)
	if got := s.GetLockoutPeriod(models.Claude); got != anthropicLockout {
		t.Fatalf("lockout = %v, want %v", got, anthropicLockout)
	}

	// No enabled keys → zero, so requests fail fast downstream.
	s.Disable(keys[0].Hash, false)
	s.Disable(keys[1].Hash, false)
	if got := s.GetLockoutPeriod(models.Claude); got != 0 {
		t.Fatalf("lockout with no enabled keys = %v, want 0", got)
	}
}

func TestIncrementUsage(t *testing.T) {
	s := testOpenAIStore(t, "sk-aaaa")
	hash := s.List()[0].Hash

	s.IncrementUsage(hash, "gpt-3.5-turbo", 120)
	s.IncrementUsage(hash, "gpt-3.5-turbo", 30)
	s.IncrementUsage(hash, "gpt-4o", 50)

	k := s.List()[0]
	if k.PromptCount != 3 {
		t.Errorf("PromptCount = %d, want 3", k.PromptCount)
	}
	if k.TokensByFamily[models.Turbo] != 150 {
		t.Errorf("turbo tokens = %d, want 150", k.TokensByFamily[models.Turbo])
	}
	if k.TokensByFamily[models.GPT4o] != 50 {
		t.Errorf("gpt4o tokens = %d, want 50", k.TokensByFamily[models.GPT4o])
	}
}

func TestRecheck_ResetsStateAndWakes(t *testing.T) {
	s := testOpenAIStore(t, "sk-aaaa")
	hash := s.List()[0].Hash
	s.Disable(hash, true)

	s.Recheck()

	k := s.List()[0]
	if k.Disabled || k.Revoked || k.LastChecked != 0 {
		t.Errorf("Recheck did not reset key state: %+v", k)
	}
	select {
	case <-s.Wake():
	default:
		t.Error("Recheck did not signal the checker")
	}
}

func TestList_RedactsSecrets(t *testing.T) {
	aws := NewAWSStore([]string{"AKIA1:secret1:us-east-1"}, []models.Family{models.AWSClaude}, true)
	for _, k := range aws.List() {
		if k.Secret != "" || k.SecretAccessKey != "" {
			t.Error("List leaked secret material")
		}
		if k.AccessKeyID == "" || k.Region != "us-east-1" {
			t.Error("List dropped non-secret fields")
		}
	}
}

func TestCloneForOrganization(t *testing.T) {
	s := testOpenAIStore(t, "sk-aaaa")
	base := s.Snapshot()[0]

	clone := CloneForOrganization(base, "org-2")
	if clone.Hash == base.Hash {
		t.Error("clone must re-derive its hash from secret+org")
	}
	if clone.Secret != base.Secret {
		t.Error("clone must share the secret")
	}
	if clone.PromptCount != 0 || len(clone.TokensByFamily) != 0 {
		t.Error("clone must track usage independently")
	}

	s.Add(clone)
	if s.Len() != 2 {
		t.Errorf("store size = %d, want 2", s.Len())
	}
	s.Add(clone) // duplicate hash ignored
	if s.Len() != 2 {
		t.Errorf("duplicate Add changed store size to %d", s.Len())
	}
}

func TestAWSFilter_LoggingPolicy(t *testing.T) {
	s := NewAWSStore([]string{"AKIA1:sec:us-east-1"}, []models.Family{models.AWSClaude}, false)
	hash := s.List()[0].Hash
	s.Update(hash, func(k *Key) { k.AWSLoggingStatus = LoggingEnabled })

	if _, err := s.Get("anthropic.claude-3-5-sonnet-20240620-v1:0"); !errors.Is(err, ErrNoKeyAvailable) {
		t.Fatalf("logged key selected despite allowLogging=false: %v", err)
	}
}

func TestGCPFilter_VariantFlags(t *testing.T) {
	s := NewGCPStore([]string{"proj:svc@x.iam:us-east5:QUJD"}, []models.Family{models.GCPClaude})
	hash := s.List()[0].Hash

	// Unchecked keys pass through.
	if _, err := s.Get("claude-3-5-sonnet@20240620"); err != nil {
		t.Fatalf("unchecked GCP key rejected: %v", err)
	}

	s.Update(hash, func(k *Key) {
		k.SonnetEnabled = true
		k.Sonnet35Enabled = false
	})
	if _, err := s.Get("claude-3-5-sonnet@20240620"); !errors.Is(err, ErrNoKeyAvailable) {
		t.Fatalf("sonnet-3.5 served by key without the variant flag: %v", err)
	}
	if _, err := s.Get("claude-3-sonnet@20240229"); err != nil {
		t.Fatalf("sonnet request failed: %v", err)
	}
}
