package mutate

import (
	"context"
	"strings"
	"testing"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/internal/request"
	"github.com/yomyoms/oai-proxy-mod/internal/translate"
)

func newAttempt(model string, svc models.Service, outbound translate.Format) *request.Request {
	req := request.New(context.Background(), "r1", "user-1")
	req.Model = model
	req.ModelFamily = models.FamilyOf(model)
	req.Service = svc
	req.InboundFormat = translate.OpenAIChat
	req.OutboundFormat = outbound
	req.Body = map[string]any{
		"model":      model,
		"messages":   []any{map[string]any{"role": "user", "content": "hi"}},
		"max_tokens": float64(64),
	}
	req.Headers.Set("Origin", "https://site.example")
	req.Headers.Set("Sec-Fetch-Mode", "cors")
	req.Headers.Set("X-Forwarded-For", "1.2.3.4")
	req.Headers.Set("Authorization", "Bearer client-token")
	req.Headers.Set("User-Agent", "test-agent")
	return req
}

func openAIChain() (*Chain, *keypool.Store) {
	store := keypool.NewOpenAIStore([]string{"sk-aaaa"}, []models.Family{models.GPT4o})
	pool := keypool.NewPool(store)
	return &Chain{Pool: pool, GCP: NewGCPTokenSource(pool)}, store
}

func TestRun_OpenAIAuth(t *testing.T) {
	chain, _ := openAIChain()
	req := newAttempt("gpt-4o", models.OpenAI, translate.OpenAIChat)
	m := request.NewManager(req)

	if err := chain.Run(context.Background(), m); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := req.Headers.Get("Authorization"); got != "Bearer sk-aaaa" {
		t.Errorf("Authorization = %q", got)
	}
	if req.Path != "/v1/chat/completions" {
		t.Errorf("path = %q", req.Path)
	}
	if !req.HasKey {
		t.Error("key not assigned")
	}
	if len(req.BodyBytes) == 0 {
		t.Error("body not finalized")
	}
	// At dispatch time the log must contain at least the auth mutation and
	// the body finalizer.
	if m.Len() < 2 {
		t.Errorf("mutation log has %d entries at dispatch", m.Len())
	}
}

func TestRun_StripsInfrastructureHeaders(t *testing.T) {
	chain, _ := openAIChain()
	req := newAttempt("gpt-4o", models.OpenAI, translate.OpenAIChat)
	m := request.NewManager(req)

	if err := chain.Run(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	for _, h := range []string{"Origin", "Sec-Fetch-Mode", "X-Forwarded-For"} {
		if req.Headers.Get(h) != "" {
			t.Errorf("header %s survived the strip mutator", h)
		}
	}
	if req.Headers.Get("User-Agent") != "test-agent" {
		t.Error("benign header was stripped")
	}
	if req.Headers.Get("Authorization") == "Bearer client-token" {
		t.Error("client bearer token leaked upstream")
	}
}

func TestRun_RevertRestoresPreAttemptState(t *testing.T) {
	chain, _ := openAIChain()
	req := newAttempt("gpt-4o", models.OpenAI, translate.OpenAIChat)
	m := request.NewManager(req)

	if err := chain.Run(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	m.Revert()

	if m.Len() != 0 {
		t.Errorf("mutation log not empty after revert: %d", m.Len())
	}
	if req.Headers.Get("Authorization") != "Bearer client-token" {
		t.Error("client Authorization not restored")
	}
	if req.Headers.Get("Origin") != "https://site.example" {
		t.Error("stripped header not restored")
	}
	if req.Path != "" {
		t.Errorf("path = %q after revert", req.Path)
	}
	if req.BodyBytes != nil {
		t.Error("finalized body survived revert")
	}
	if !req.HasKey {
		t.Error("assigned key must survive revert")
	}

	// A second attempt must see exactly the same input state.
	m2 := request.NewManager(req)
	if err := chain.Run(context.Background(), m2); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if req.Headers.Get("Authorization") != "Bearer sk-aaaa" {
		t.Error("second attempt produced different auth state")
	}
}

func TestRun_NoKeyAvailable(t *testing.T) {
	chain, store := openAIChain()
	store.Disable(store.List()[0].Hash, false)
	req := newAttempt("gpt-4o", models.OpenAI, translate.OpenAIChat)

	err := chain.Run(context.Background(), request.NewManager(req))
	if err == nil || !strings.Contains(err.Error(), "no_key_available") {
		t.Fatalf("err = %v, want no_key_available", err)
	}
}

func TestRun_AnthropicHeaders(t *testing.T) {
	store := keypool.NewAnthropicStore([]string{"ak-aaaa"}, []models.Family{models.Claude})
	pool := keypool.NewPool(store)
	chain := &Chain{Pool: pool, GCP: NewGCPTokenSource(pool)}

	req := newAttempt("claude-3-5-sonnet-20240620", models.Anthropic, translate.AnthropicChat)
	req.Body["max_tokens"] = float64(8192)
	if err := chain.Run(context.Background(), request.NewManager(req)); err != nil {
		t.Fatal(err)
	}

	if got := req.Headers.Get("X-API-Key"); got != "ak-aaaa" {
		t.Errorf("X-API-Key = %q", got)
	}
	if got := req.Headers.Get("Anthropic-Version"); got != anthropicVersion {
		t.Errorf("Anthropic-Version = %q", got)
	}
	if got := req.Headers.Get("Anthropic-Beta"); got != anthropicLongOutputBeta {
		t.Errorf("Anthropic-Beta = %q (long output)", got)
	}
	if req.Path != "/v1/messages" {
		t.Errorf("path = %q", req.Path)
	}
}

func TestRun_AWSSignedEnvelope(t *testing.T) {
	store := keypool.NewAWSStore([]string{"AKIAEXAMPLE:secretkey:us-east-1"},
		[]models.Family{models.AWSClaude}, true)
	pool := keypool.NewPool(store)
	chain := &Chain{Pool: pool, GCP: NewGCPTokenSource(pool)}

	req := newAttempt("anthropic.claude-3-5-sonnet-20240620-v1:0", models.AWS, translate.AnthropicChat)
	req.Streaming = true
	if err := chain.Run(context.Background(), request.NewManager(req)); err != nil {
		t.Fatal(err)
	}

	sr := req.Signed
	if sr == nil {
		t.Fatal("no signed envelope recorded")
	}
	if sr.Hostname != "bedrock-runtime.us-east-1.amazonaws.com" {
		t.Errorf("hostname = %q", sr.Hostname)
	}
	if !strings.HasSuffix(sr.Path, "/invoke-with-response-stream") {
		t.Errorf("path = %q", sr.Path)
	}
	auth := sr.Headers.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIAEXAMPLE/") {
		t.Errorf("authorization = %q", auth)
	}
	if !strings.Contains(auth, "SignedHeaders=content-type;host;x-amz-date") {
		t.Errorf("signed headers missing: %q", auth)
	}
	if strings.Contains(string(sr.Body), `"model"`) {
		t.Error("bedrock body must not carry the model field")
	}
	if !strings.Contains(string(sr.Body), `"anthropic_version":"bedrock-2023-05-31"`) {
		t.Error("bedrock body missing anthropic_version")
	}
	// The finalizer must use the signed payload verbatim.
	if string(req.BodyBytes) != string(sr.Body) {
		t.Error("finalized body diverges from the signed payload")
	}
}
