package keycheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/internal/mutate"
)

// awsProbeModels is what the prober tries to invoke per enabled family.
var awsProbeModels = map[models.Family][]string{
	models.AWSClaude: {
		"anthropic.claude-3-5-sonnet-20240620-v1:0",
		"anthropic.claude-3-haiku-20240307-v1:0",
		"anthropic.claude-3-sonnet-20240229-v1:0",
	},
	models.AWSClaudeOpus: {
		"anthropic.claude-3-opus-20240229-v1:0",
	},
	models.AWSMistral: {
		"mistral.mistral-large-2402-v1:0",
	},
}

// AWSProber discovers which Bedrock models a key may invoke, lists
// cross-region inference profiles, and checks the account's invocation
// logging posture.
type AWSProber struct {
	endpointOverride string // tests
	client           *http.Client
}

// NewAWSProber builds the prober. endpoint overrides the AWS hostnames in
// tests; empty means the real regional endpoints.
func NewAWSProber(endpoint string) *AWSProber {
	return &AWSProber{
		endpointOverride: strings.TrimRight(endpoint, "/"),
		client:           &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *AWSProber) runtimeBase(region string) string {
	if p.endpointOverride != "" {
		return p.endpointOverride
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
}

func (p *AWSProber) controlBase(region string) string {
	if p.endpointOverride != "" {
		return p.endpointOverride
	}
	return fmt.Sprintf("https://bedrock.%s.amazonaws.com", region)
}

func (p *AWSProber) Check(ctx context.Context, key keypool.Key, store *keypool.Store) error {
	var accessible []string
	var families []models.Family

	for _, family := range key.Families {
		ids, ok := awsProbeModels[family]
		if !ok {
			continue
		}
		familyOK := false
		for _, id := range ids {
			ok, err := p.probeInvoke(ctx, key, id)
			if err != nil {
				var pe *probeHTTPError
				if asError(err, &pe) && pe.status == http.StatusForbidden {
					store.Disable(key.Hash, true)
					return nil
				}
				return err // transient — reschedule the whole key
			}
			if ok {
				accessible = append(accessible, strings.ToLower(id))
				familyOK = true
			}
		}
		if familyOK {
			families = append(families, family)
		}
	}

	if len(accessible) == 0 {
		// Nothing invokable: dead credentials or a fully unprovisioned
		// account. An auth failure (403) already disabled and revoked the
		// key above and returned early.
		store.Update(key.Hash, func(k *keypool.Key) {
			k.ModelIDs = nil
			k.Families = nil
		})
		store.Disable(key.Hash, false)
		return nil
	}

	profiles, _ := p.listInferenceProfiles(ctx, key)
	logging := p.loggingStatus(ctx, key)

	store.Update(key.Hash, func(k *keypool.Key) {
		k.ModelIDs = accessible
		k.Families = families
		k.InferenceProfileIDs = profiles
		k.AWSLoggingStatus = logging
	})
	return nil
}

// probeInvoke POSTs an intentionally malformed payload: a max_tokens
// validation error proves model access without spending tokens.
func (p *AWSProber) probeInvoke(ctx context.Context, key keypool.Key, modelID string) (bool, error) {
	payload := []byte(`{"max_tokens":-1,"messages":[{"role":"user","content":"1"}],"anthropic_version":"bedrock-2023-05-31"}`)
	endpoint := fmt.Sprintf("%s/model/%s/invoke", p.runtimeBase(key.Region), modelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	mutate.SignV4HTTP(req, payload, key.AccessKeyID, key.SecretAccessKey, key.Region, "bedrock")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	lower := strings.ToLower(string(body))

	switch resp.StatusCode {
	case http.StatusBadRequest:
		// Validation reached the model — accessible.
		return strings.Contains(lower, "max_tokens"), nil
	case http.StatusForbidden:
		if strings.Contains(lower, "access to the model with the specified model id") {
			return false, nil
		}
		// Signature/identity failure: dead credentials.
		return false, &probeHTTPError{status: resp.StatusCode, body: body}
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		// Busy but provisioned.
		return true, nil
	default:
		return false, nil
	}
}

func (p *AWSProber) listInferenceProfiles(ctx context.Context, key keypool.Key) ([]string, error) {
	endpoint := p.controlBase(key.Region) + "/inference-profiles?maxResults=100"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	mutate.SignV4HTTP(req, nil, key.AccessKeyID, key.SecretAccessKey, key.Region, "bedrock")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keycheck: inference profiles: status %d", resp.StatusCode)
	}

	var out struct {
		InferenceProfileSummaries []struct {
			InferenceProfileID string `json:"inferenceProfileId"`
		} `json:"inferenceProfileSummaries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	var ids []string
	for _, s := range out.InferenceProfileSummaries {
		ids = append(ids, s.InferenceProfileID)
	}
	return ids, nil
}

func (p *AWSProber) loggingStatus(ctx context.Context, key keypool.Key) keypool.LoggingStatus {
	endpoint := p.controlBase(key.Region) + "/logging/modelinvocations"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return keypool.LoggingUnknown
	}
	mutate.SignV4HTTP(req, nil, key.AccessKeyID, key.SecretAccessKey, key.Region, "bedrock")

	resp, err := p.client.Do(req)
	if err != nil {
		return keypool.LoggingUnknown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// The key may simply lack the GetModelInvocationLoggingConfiguration
		// permission; leave the posture unknown.
		return keypool.LoggingUnknown
	}

	var out struct {
		LoggingConfig map[string]any `json:"loggingConfig"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return keypool.LoggingUnknown
	}
	if len(out.LoggingConfig) == 0 {
		return keypool.LoggingDisabled
	}
	return keypool.LoggingEnabled
}
