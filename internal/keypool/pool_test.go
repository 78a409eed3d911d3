package keypool

import (
	"testing"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

func newTestPool() (*Pool, *Store, *Store) {
	openai := NewOpenAIStore([]string{"sk-a"}, []models.Family{models.GPT4o})
	anthropic := NewAnthropicStore([]string{"ak-a"}, []models.Family{models.Claude, models.ClaudeOpus})
	return NewPool(openai, anthropic), openai, anthropic
}

func TestPool_RoutesByModel(t *testing.T) {
	pool, _, _ := newTestPool()

	k, err := pool.Get("gpt-4o-2024-05-13")
	if err != nil {
		t.Fatalf("Get gpt: %v", err)
	}
	if k.Service != models.OpenAI {
		t.Errorf("service = %s", k.Service)
	}

	k, err = pool.Get("claude-3-5-sonnet-20240620")
	if err != nil {
		t.Fatalf("Get claude: %v", err)
	}
	if k.Service != models.Anthropic {
		t.Errorf("service = %s", k.Service)
	}
}

func TestPool_UnknownModel(t *testing.T) {
	pool, _, _ := newTestPool()
	if _, err := pool.Get("made-up"); err == nil {
		t.Fatal("unknown model must fail")
	}
}

func TestPool_UnconfiguredService(t *testing.T) {
	pool := NewPool(NewOpenAIStore([]string{"sk-a"}, []models.Family{models.GPT4o}))
	if _, err := pool.Get("claude-3-5-sonnet-20240620"); err == nil {
		t.Fatal("unconfigured service must fail")
	}
	// Lockout for a family with no store is zero so the request fails
	// fast downstream instead of queueing forever.
	if got := pool.GetLockoutPeriod(models.Claude); got != 0 {
		t.Errorf("lockout = %v, want 0", got)
	}
}

func TestPool_LockoutIsolatedPerFamily(t *testing.T) {
	pool, _, anthropic := newTestPool()
	anthropic.SetNowFunc(fixedClock(50_000))

	hash := anthropic.List()[0].Hash
	anthropic.MarkRateLimited(hash)

	if got := pool.GetLockoutPeriod(models.Claude); got != anthropicLockout {
		t.Errorf("claude lockout = %v, want %v", got, anthropicLockout)
	}
	if got := pool.GetLockoutPeriod(models.GPT4o); got != 0 {
		t.Errorf("gpt4o lockout = %v, want 0", got)
	}
}

func TestPool_UpdateRateLimitsClampsToMinimum(t *testing.T) {
	pool, openai, _ := newTestPool()
	openai.SetNowFunc(fixedClock(10_000))
	k, _ := pool.Get("gpt-4o")

	// A 1 s header-derived reset is clamped to OpenAI's 10 s floor.
	pool.UpdateRateLimits(k, time.Second)
	got := openai.List()[0]
	if got.RateLimitedUntil != 10_000+openaiMinLockout.Milliseconds() {
		t.Errorf("until = %d, want clamp to %v", got.RateLimitedUntil, openaiMinLockout)
	}

	// A longer reset is honoured as-is.
	pool.UpdateRateLimits(k, time.Minute)
	got = openai.List()[0]
	if got.RateLimitedUntil != 10_000+time.Minute.Milliseconds() {
		t.Errorf("until = %d, want full minute", got.RateLimitedUntil)
	}
}

func TestPool_RecheckResetsAllStores(t *testing.T) {
	pool, openai, anthropic := newTestPool()
	openai.Disable(openai.List()[0].Hash, true)
	anthropic.Disable(anthropic.List()[0].Hash, false)

	pool.Recheck()

	for _, k := range pool.List() {
		if k.Disabled || k.Revoked {
			t.Errorf("key %s still disabled after Recheck", k.Hash)
		}
	}
}
