// Package mutate implements the per-attempt, reversible request mutators:
// header stripping, provider authentication (bearer headers, AWS SigV4, GCP
// OAuth), and body finalization. Every change goes through the request
// Manager so a retryable failure can roll the attempt back completely.
package mutate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/internal/request"
	"github.com/yomyoms/oai-proxy-mod/internal/translate"
	"github.com/yomyoms/oai-proxy-mod/pkg/apierr"
)

const anthropicVersion = "2023-06-01"

// anthropicLongOutputBeta unlocks 8k outputs on sonnet-3.5.
const anthropicLongOutputBeta = "max-tokens-3-5-sonnet-2024-07-15"

// strippedHeaderPrefixes are removed before dispatch: client identity,
// CORS/fetch metadata, and infrastructure headers the upstream must not see.
var strippedHeaderPrefixes = []string{
	"origin", "referer", "cookie", "authorization", "x-api-key", "api-key",
	"sec-", "x-forwarded-", "x-real-ip", "forwarded", "via",
	"cf-", "cdn-", "x-vercel-", "x-amzn-", "true-client-ip", "x-risu",
}

// Chain is the configured mutator pipeline for one proxy instance.
type Chain struct {
	Pool *keypool.Pool
	GCP  *GCPTokenSource
}

// Run applies the full mutator sequence for one attempt: strip, auth,
// finalize. On error the caller surfaces it; mutators never retry silently.
func (c *Chain) Run(ctx context.Context, m *request.Manager) error {
	stripHeaders(m)
	if err := c.auth(ctx, m); err != nil {
		return err
	}
	return finalizeBody(m)
}

func stripHeaders(m *request.Manager) {
	req := m.Request()
	var doomed []string
	for name := range req.Headers {
		lower := strings.ToLower(name)
		for _, prefix := range strippedHeaderPrefixes {
			if strings.HasPrefix(lower, prefix) {
				doomed = append(doomed, name)
				break
			}
		}
	}
	for _, name := range doomed {
		m.RemoveHeader(name)
	}
}

// auth assigns a credential and installs provider authentication.
func (c *Chain) auth(ctx context.Context, m *request.Manager) error {
	req := m.Request()

	key, err := c.Pool.Get(req.Model)
	if err != nil {
		if errors.Is(err, keypool.ErrNoKeyAvailable) {
			return apierr.New(apierr.KindNoKeyAvailable,
				"no API keys are available for %s right now", req.ModelFamily)
		}
		return apierr.Wrap(apierr.KindBadRequest, err, "cannot route model to a provider")
	}
	m.SetKey(key)

	switch req.Service {
	case models.OpenAI:
		m.SetHeader("Authorization", "Bearer "+key.Secret)
		if key.OrganizationID != "" {
			m.SetHeader("OpenAI-Organization", key.OrganizationID)
		}
		m.SetPath(openAIPath(req))

	case models.Anthropic:
		m.SetHeader("X-API-Key", key.Secret)
		m.SetHeader("Anthropic-Version", anthropicVersion)
		if maxTokens(req.Body) > 4096 && strings.HasPrefix(req.Model, "claude-3-5-sonnet") {
			m.SetHeader("Anthropic-Beta", anthropicLongOutputBeta)
		}
		if req.OutboundFormat == translate.AnthropicText {
			m.SetPath("/v1/complete")
		} else {
			m.SetPath("/v1/messages")
		}

	case models.Mistral:
		m.SetHeader("Authorization", "Bearer "+key.Secret)
		m.SetPath("/v1/chat/completions")

	case models.GoogleAI:
		verb := "generateContent"
		if req.Streaming {
			verb = "streamGenerateContent?alt=sse&key=" + key.Secret
		} else {
			verb += "?key=" + key.Secret
		}
		m.SetPath(fmt.Sprintf("/v1beta/models/%s:%s", req.Model, verb))
		// Google routes the model through the path; the body must not
		// carry one.
		m.MutateBody(func(b map[string]any) {
			delete(b, "model")
			delete(b, "stream")
		})

	case models.Azure:
		m.SetHeader("Api-Key", keypool.AzureAPIKey(key.Secret))
		resource := azureResourcePath(req)
		m.SetPath(fmt.Sprintf("/openai/deployments/%s/%s?api-version=2024-02-01",
			key.DeploymentID, resource))
		m.MutateBody(func(b map[string]any) { delete(b, "model") })

	case models.AWS:
		if err := signAWS(m, key); err != nil {
			return apierr.Wrap(apierr.KindUpstreamFatal, err, "failed to sign AWS request")
		}

	case models.GCP:
		token, err := c.GCP.Token(ctx, key)
		if err != nil {
			return apierr.Wrap(apierr.KindUpstreamFatal, err, "failed to obtain GCP access token")
		}
		if err := signGCP(m, key, token); err != nil {
			return apierr.Wrap(apierr.KindUpstreamFatal, err, "failed to build GCP request")
		}

	default:
		return apierr.New(apierr.KindBadRequest, "unsupported service %s", req.Service)
	}

	return nil
}

// finalizeBody serializes the payload and reconciles Content-Length. For
// signed providers the signed envelope's body is authoritative — the
// signature already covers it.
func finalizeBody(m *request.Manager) error {
	req := m.Request()

	var payload []byte
	if req.Signed != nil {
		payload = req.Signed.Body
	} else {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return apierr.Wrap(apierr.KindBadRequest, err, "request body cannot be serialized")
		}
	}

	m.SetBodyBytes(payload)
	m.SetHeader("Content-Type", "application/json")
	m.SetHeader("Content-Length", strconv.Itoa(len(payload)))
	return nil
}

func openAIPath(req *request.Request) string {
	switch req.OutboundFormat {
	case translate.OpenAIText:
		return "/v1/completions"
	case translate.OpenAIImage:
		return "/v1/images/generations"
	default:
		return "/v1/chat/completions"
	}
}

func azureResourcePath(req *request.Request) string {
	if req.OutboundFormat == translate.OpenAIImage {
		return "images/generations"
	}
	return "chat/completions"
}

func maxTokens(body map[string]any) int {
	if v, ok := body["max_tokens"].(float64); ok {
		return int(v)
	}
	return 0
}

// UpstreamHost returns the hostname for services that do not pre-sign their
// envelope. Signed services carry the host in the envelope itself.
func UpstreamHost(req *request.Request) string {
	switch req.Service {
	case models.OpenAI:
		return "api.openai.com"
	case models.Anthropic:
		return "api.anthropic.com"
	case models.Mistral:
		return "api.mistral.ai"
	case models.GoogleAI:
		return "generativelanguage.googleapis.com"
	case models.Azure:
		return req.Key.ResourceName + ".openai.azure.com"
	default:
		return ""
	}
}
