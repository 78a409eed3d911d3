// Package preprocess implements the one-time, pre-enqueue request
// transforms: origin policy, API-format translation, token counting,
// moderation, limit validation, and quota checks. Every failure is a typed
// apierr surfaced to the client before the request can enter the queue.
package preprocess

import (
	"context"
	"strings"

	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/internal/ratelimit"
	"github.com/yomyoms/oai-proxy-mod/internal/request"
	"github.com/yomyoms/oai-proxy-mod/internal/translate"
	"github.com/yomyoms/oai-proxy-mod/internal/user"
	"github.com/yomyoms/oai-proxy-mod/pkg/apierr"
)

// messageOverheadTokens approximates per-message framing cost.
const messageOverheadTokens = 4

// defaultOutputTokens is assumed when the client sets no completion cap.
const defaultOutputTokens = 1024

// Moderator flags prompt text. Implementations call an external moderation
// endpoint; nil disables the stage.
type Moderator interface {
	Flagged(ctx context.Context, text string) (bool, error)
}

// Input carries the per-call client metadata the preprocessors inspect.
type Input struct {
	Origin   string
	Referer  string
	ClientIP string
}

// Chain is the configured preprocessor pipeline. Zero-value fields disable
// their stage.
type Chain struct {
	// BlockedOrigins rejects requests whose Origin or Referer contains any
	// of these fragments.
	BlockedOrigins []string

	// Moderator and Backoff implement the optional language filter with
	// per-IP exponential lockouts on repeated hits.
	Moderator Moderator
	Backoff   *ratelimit.Backoff

	// Quotas enforces per-identity family token budgets.
	Quotas *user.QuotaTracker

	// MaxContextTokens bounds the prompt size. 0 = unlimited.
	MaxContextTokens int64

	// AllowedFamilies restricts which families this deployment serves.
	// nil = all families.
	AllowedFamilies map[models.Family]bool

	// AllowImageInputs permits multimodal content parts.
	AllowImageInputs bool
}

// Run executes the full pipeline in order. It runs exactly once per request
// lifetime; retries re-run mutators, never preprocessors.
func (c *Chain) Run(ctx context.Context, req *request.Request, in Input) error {
	if err := c.blockOrigins(in); err != nil {
		return err
	}
	if err := c.transformFormat(req); err != nil {
		return err
	}
	c.countTokens(req)
	if err := c.moderate(ctx, req, in); err != nil {
		return err
	}
	if err := c.validate(req); err != nil {
		return err
	}
	return c.checkQuota(req)
}

func (c *Chain) blockOrigins(in Input) error {
	for _, frag := range c.BlockedOrigins {
		if frag == "" {
			continue
		}
		if strings.Contains(in.Origin, frag) || strings.Contains(in.Referer, frag) {
			return apierr.New(apierr.KindForbidden, "requests from this origin are not allowed")
		}
	}
	return nil
}

func (c *Chain) transformFormat(req *request.Request) error {
	if req.InboundFormat == req.OutboundFormat {
		return nil
	}
	out, err := translate.TransformRequest(req.InboundFormat, req.OutboundFormat, req.Body)
	if err != nil {
		return apierr.Wrap(apierr.KindBadRequest, err, "request cannot be translated for the upstream API")
	}
	req.Body = out
	return nil
}

// countTokens estimates prompt tokens (~4 chars/token plus per-message
// overhead) and takes the requested maximum as the output budget.
func (c *Chain) countTokens(req *request.Request) {
	var chars int64
	msgs := 0
	for _, text := range promptTexts(req.Body) {
		chars += int64(len(text))
		msgs++
	}
	req.PromptTokens = chars/4 + int64(msgs)*messageOverheadTokens

	req.OutputTokens = requestedMaxTokens(req.Body)
	if req.OutputTokens == 0 {
		req.OutputTokens = defaultOutputTokens
	}
}

func (c *Chain) moderate(ctx context.Context, req *request.Request, in Input) error {
	if c.Moderator == nil {
		return nil
	}
	if c.Backoff != nil && c.Backoff.Blocked(ctx, in.ClientIP) {
		return apierr.New(apierr.KindForbidden, "temporarily locked out after repeated flagged prompts")
	}

	text := strings.Join(promptTexts(req.Body), "\n")
	flagged, err := c.Moderator.Flagged(ctx, text)
	if err != nil {
		// Moderation outages must not take the proxy down.
		return nil
	}
	if flagged {
		if c.Backoff != nil {
			c.Backoff.RecordHit(ctx, in.ClientIP)
		}
		return apierr.New(apierr.KindForbidden, "prompt rejected by content policy")
	}
	return nil
}

func (c *Chain) validate(req *request.Request) error {
	if req.ModelFamily == models.UnknownFamily {
		return apierr.New(apierr.KindBadRequest, "unknown model %q", req.Model)
	}
	if c.AllowedFamilies != nil && !c.AllowedFamilies[req.ModelFamily] {
		return apierr.New(apierr.KindForbidden, "model family %s is not enabled on this proxy", req.ModelFamily)
	}
	if c.MaxContextTokens > 0 && req.PromptTokens > c.MaxContextTokens {
		return apierr.New(apierr.KindBadRequest,
			"prompt is %d tokens, the limit is %d", req.PromptTokens, c.MaxContextTokens)
	}
	if !c.AllowImageInputs && hasImageContent(req.Body) {
		return apierr.New(apierr.KindBadRequest, "image inputs are not enabled on this proxy")
	}
	return nil
}

func (c *Chain) checkQuota(req *request.Request) error {
	if c.Quotas == nil {
		return nil
	}
	if !c.Quotas.Allows(req.Identity, req.ModelFamily, req.PromptTokens+req.OutputTokens) {
		return apierr.New(apierr.KindForbidden, "token quota exceeded for %s", req.ModelFamily)
	}
	return nil
}

// ── Body introspection helpers ───────────────────────────────────────────────

// promptTexts extracts the user-visible text from any supported body shape.
func promptTexts(body map[string]any) []string {
	var out []string

	appendContent := func(content any) {
		switch c := content.(type) {
		case string:
			out = append(out, c)
		case []any:
			for _, part := range c {
				if p, ok := part.(map[string]any); ok {
					if t, ok := p["text"].(string); ok {
						out = append(out, t)
					}
				}
			}
		}
	}

	if msgs, ok := body["messages"].([]any); ok {
		for _, m := range msgs {
			if msg, ok := m.(map[string]any); ok {
				appendContent(msg["content"])
			}
		}
	}
	if prompt, ok := body["prompt"].(string); ok {
		out = append(out, prompt)
	}
	if system, ok := body["system"].(string); ok {
		out = append(out, system)
	}
	if contents, ok := body["contents"].([]any); ok {
		for _, c := range contents {
			if content, ok := c.(map[string]any); ok {
				if parts, ok := content["parts"].([]any); ok {
					for _, p := range parts {
						if part, ok := p.(map[string]any); ok {
							if t, ok := part["text"].(string); ok {
								out = append(out, t)
							}
						}
					}
				}
			}
		}
	}
	return out
}

func requestedMaxTokens(body map[string]any) int64 {
	for _, k := range []string{"max_tokens", "max_completion_tokens", "max_tokens_to_sample"} {
		if v, ok := body[k].(float64); ok && v > 0 {
			return int64(v)
		}
	}
	if gc, ok := body["generationConfig"].(map[string]any); ok {
		if v, ok := gc["maxOutputTokens"].(float64); ok && v > 0 {
			return int64(v)
		}
	}
	return 0
}

func hasImageContent(body map[string]any) bool {
	msgs, ok := body["messages"].([]any)
	if !ok {
		return false
	}
	for _, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		parts, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for _, part := range parts {
			if p, ok := part.(map[string]any); ok {
				if t, _ := p["type"].(string); strings.HasPrefix(t, "image") {
					return true
				}
			}
		}
	}
	return false
}
