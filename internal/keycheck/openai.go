package keycheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

// trialRequestLimit is the request-per-minute ceiling below which an OpenAI
// key is treated as a free-trial key.
const trialRequestLimit = 200

// OpenAIProber validates OpenAI keys: discovers model snapshots via the
// official SDK, validates a cheap completion to read rate-limit headers and
// trial status, and clones keys that belong to multiple organizations.
type OpenAIProber struct {
	baseURL string
	client  *http.Client
}

// NewOpenAIProber builds the prober. baseURL overrides api.openai.com in
// tests.
func NewOpenAIProber(baseURL string) *OpenAIProber {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIProber{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *OpenAIProber) Check(ctx context.Context, key keypool.Key, store *keypool.Store) error {
	ids, err := p.listModels(ctx, key)
	if err != nil {
		return p.classify(err, key, store)
	}

	families := familiesFromModelIDs(ids)

	probe, err := p.probeCompletion(ctx, key)
	if err != nil {
		return p.classify(err, key, store)
	}

	store.Update(key.Hash, func(k *keypool.Key) {
		k.ModelIDs = ids
		if len(families) > 0 {
			k.Families = families
		}
		k.IsTrial = probe.trial
		k.RateLimitRequestsReset = probe.requestsReset
		k.RateLimitTokensReset = probe.tokensReset
	})

	// Multi-org keys become independent siblings, one per extra org.
	orgs, err := p.listOrganizations(ctx, key)
	if err == nil {
		for _, org := range orgs {
			if org == key.OrganizationID || org == "" {
				continue
			}
			store.Add(keypool.CloneForOrganization(key, org))
		}
	}

	return nil
}

// probeResult carries what the cheap completion reveals.
type probeResult struct {
	trial         bool
	requestsReset int64
	tokensReset   int64
}

func (p *OpenAIProber) probeCompletion(ctx context.Context, key keypool.Key) (probeResult, error) {
	body, _ := json.Marshal(map[string]any{
		"model":      "gpt-3.5-turbo",
		"max_tokens": 1,
		"messages":   []any{map[string]any{"role": "user", "content": "1"}},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return probeResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	if key.OrganizationID != "" {
		req.Header.Set("OpenAI-Organization", key.OrganizationID)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return probeResult{}, err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		return probeResult{}, &probeHTTPError{status: resp.StatusCode, body: payload}
	}

	limit, _ := strconv.Atoi(resp.Header.Get("X-Ratelimit-Limit-Requests"))
	return probeResult{
		trial:         limit > 0 && limit <= trialRequestLimit,
		requestsReset: resetMillis(resp.Header.Get("X-Ratelimit-Reset-Requests")),
		tokensReset:   resetMillis(resp.Header.Get("X-Ratelimit-Reset-Tokens")),
	}, nil
}

func (p *OpenAIProber) listModels(ctx context.Context, key keypool.Key) ([]string, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(key.Secret),
		option.WithBaseURL(p.baseURL + "/v1"),
		option.WithHTTPClient(p.client),
	}
	if key.OrganizationID != "" {
		opts = append(opts, option.WithOrganization(key.OrganizationID))
	}
	client := openaiSDK.NewClient(opts...)

	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (p *OpenAIProber) listOrganizations(ctx context.Context, key keypool.Key) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/organizations", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+key.Secret)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keycheck: organizations: status %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	var ids []string
	for _, o := range out.Data {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

// classify folds SDK and raw probe errors into the key lifecycle: dead keys
// are retired in the store, transient trouble is returned for rescheduling.
func (p *OpenAIProber) classify(err error, key keypool.Key, store *keypool.Store) error {
	status, body := probeStatus(err)
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		store.Disable(key.Hash, true)
		return nil
	case status == http.StatusTooManyRequests && bytes.Contains(body, []byte("insufficient_quota")):
		store.Update(key.Hash, func(k *keypool.Key) { k.IsOverQuota = true })
		store.Disable(key.Hash, false)
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("keycheck: openai rate limited during probe")
	case status != 0:
		store.Touch(key.Hash, time.Now().UnixMilli())
		return nil
	default:
		return err // network error — transient
	}
}

// probeHTTPError carries a raw probe's status + body.
type probeHTTPError struct {
	status int
	body   []byte
}

func (e *probeHTTPError) Error() string {
	return fmt.Sprintf("keycheck: probe status %d", e.status)
}

// probeStatus extracts an HTTP status from SDK or raw probe errors.
func probeStatus(err error) (int, []byte) {
	var raw *probeHTTPError
	if ok := asError(err, &raw); ok {
		return raw.status, raw.body
	}
	var apiErr *openaiSDK.Error
	if ok := asError(err, &apiErr); ok {
		return apiErr.StatusCode, []byte(apiErr.Error())
	}
	return 0, nil
}

// familiesFromModelIDs derives the family set evidenced by discovered
// snapshot IDs.
func familiesFromModelIDs(ids []string) []models.Family {
	seen := make(map[models.Family]bool)
	var out []models.Family
	for _, id := range ids {
		f := models.FamilyOf(id)
		if f == models.UnknownFamily || seen[f] {
			continue
		}
		if svc, _ := models.ServiceOf(f); svc != models.OpenAI {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func resetMillis(v string) int64 {
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return time.Now().Add(d).UnixMilli()
}
