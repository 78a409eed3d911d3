package keycheck

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/internal/mutate"
)

// gcpVariants are the Claude variants probed in parallel on first check.
var gcpVariants = []struct {
	model string
	set   func(*keypool.Key, bool)
}{
	{"claude-3-sonnet@20240229", func(k *keypool.Key, ok bool) { k.SonnetEnabled = ok }},
	{"claude-3-haiku@20240307", func(k *keypool.Key, ok bool) { k.HaikuEnabled = ok }},
	{"claude-3-5-sonnet@20240620", func(k *keypool.Key, ok bool) { k.Sonnet35Enabled = ok }},
}

// GCPProber validates Vertex service accounts: it exchanges the OAuth token
// once, then probes every Claude variant in parallel to set the per-variant
// eligibility flags.
type GCPProber struct {
	auth             *mutate.GCPTokenSource
	endpointOverride string
	client           *http.Client
}

// NewGCPProber builds the prober over the shared token source.
func NewGCPProber(auth *mutate.GCPTokenSource, endpoint string) *GCPProber {
	return &GCPProber{
		auth:             auth,
		endpointOverride: strings.TrimRight(endpoint, "/"),
		client:           &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *GCPProber) base(region string) string {
	if p.endpointOverride != "" {
		return p.endpointOverride
	}
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com", region)
}

func (p *GCPProber) Check(ctx context.Context, key keypool.Key, store *keypool.Store) error {
	token, err := p.auth.Token(ctx, key)
	if err != nil {
		// A failed JWT exchange means the service account is unusable.
		if strings.Contains(err.Error(), "status 4") {
			store.Disable(key.Hash, true)
			return nil
		}
		return err
	}

	results := make([]bool, len(gcpVariants))
	var wg sync.WaitGroup
	for i, variant := range gcpVariants {
		i, variant := i, variant
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.probeVariant(ctx, key, token, variant.model)
		}()
	}
	wg.Wait()

	any := false
	store.Update(key.Hash, func(k *keypool.Key) {
		for i, variant := range gcpVariants {
			variant.set(k, results[i])
			any = any || results[i]
		}
		if any {
			k.Families = []models.Family{models.GCPClaude}
		}
	})
	if !any {
		store.Disable(key.Hash, false)
	}
	return nil
}

// probeVariant sends a malformed rawPredict: a 400 validation error proves
// the variant is provisioned for the project.
func (p *GCPProber) probeVariant(ctx context.Context, key keypool.Key, token, model string) bool {
	payload := []byte(`{"max_tokens":-1,"messages":[{"role":"user","content":"1"}],"anthropic_version":"vertex-2023-10-16"}`)
	endpoint := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:rawPredict",
		p.base(key.Region), key.ProjectID, key.Region, model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	lower := strings.ToLower(string(body))

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return strings.Contains(lower, "max_tokens")
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}
