package keycheck

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
)

// AnthropicProber validates Anthropic keys with a minimal message and
// records the account tier from the rate-limit headers.
type AnthropicProber struct {
	baseURL string
	client  *http.Client
}

// NewAnthropicProber builds the prober. baseURL overrides api.anthropic.com
// in tests.
func NewAnthropicProber(baseURL string) *AnthropicProber {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicProber{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *AnthropicProber) Check(ctx context.Context, key keypool.Key, store *keypool.Store) error {
	client := anthropic.NewClient(
		option.WithAPIKey(key.Secret),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(p.client),
	)

	var tier string
	_, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model("claude-3-haiku-20240307"),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{{
			Role: anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{
				{OfText: &anthropic.TextBlockParam{Text: "1"}},
			},
		}},
	}, option.WithMiddleware(func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		resp, err := next(req)
		if resp != nil {
			tier = resp.Header.Get("Anthropic-Ratelimit-Requests-Limit")
		}
		return resp, err
	}))

	if err != nil {
		return p.classify(err, key, store)
	}

	store.Update(key.Hash, func(k *keypool.Key) {
		if tier != "" {
			k.Tier = tier
		}
	})
	return nil
}

func (p *AnthropicProber) classify(err error, key keypool.Key, store *keypool.Store) error {
	var apiErr *anthropic.Error
	if !asError(err, &apiErr) {
		return err // network error — transient
	}

	msg := strings.ToLower(apiErr.Error())
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		store.Disable(key.Hash, true)
		return nil
	case http.StatusTooManyRequests:
		return fmt.Errorf("keycheck: anthropic rate limited during probe")
	case http.StatusBadRequest:
		if strings.Contains(msg, "credit balance is too low") || strings.Contains(msg, "billing") {
			store.Update(key.Hash, func(k *keypool.Key) { k.IsOverQuota = true })
			store.Disable(key.Hash, false)
			return nil
		}
		if strings.Contains(msg, "prompt must start with") {
			store.Update(key.Hash, func(k *keypool.Key) { k.RequiresPreamble = true })
			return nil
		}
		store.Touch(key.Hash, time.Now().UnixMilli())
		return nil
	default:
		store.Touch(key.Hash, time.Now().UnixMilli())
		return nil
	}
}
