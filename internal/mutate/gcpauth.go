package mutate

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/internal/request"
)

const (
	gcpTokenURL    = "https://oauth2.googleapis.com/token"
	gcpScope       = "https://www.googleapis.com/auth/cloud-platform"
	vertexVersion  = "vertex-2023-10-16"
	tokenSlack     = time.Minute
	tokenLifetime  = time.Hour
	gcpHTTPTimeout = 10 * time.Second
)

// GCPTokenSource exchanges service-account JWTs for OAuth access tokens and
// caches them on the owning key. Concurrent mutators observing an expired
// token collapse into one refresh via singleflight, re-checking expiry after
// winning the flight.
type GCPTokenSource struct {
	pool     *keypool.Pool
	client   *http.Client
	group    singleflight.Group
	tokenURL string
	now      func() time.Time
}

// NewGCPTokenSource builds a token source over the pool's GCP store.
func NewGCPTokenSource(pool *keypool.Pool) *GCPTokenSource {
	return &GCPTokenSource{
		pool:     pool,
		client:   &http.Client{Timeout: gcpHTTPTimeout},
		tokenURL: gcpTokenURL,
		now:      time.Now,
	}
}

// SetTokenURL overrides the exchange endpoint. Tests only.
func (ts *GCPTokenSource) SetTokenURL(u string) { ts.tokenURL = u }

// Token returns a live access token for the key, refreshing if needed.
func (ts *GCPTokenSource) Token(ctx context.Context, key keypool.Key) (string, error) {
	deadline := ts.now().Add(tokenSlack).UnixMilli()
	if key.AccessToken != "" && key.AccessTokenExpiresAt > deadline {
		return key.AccessToken, nil
	}

	v, err, _ := ts.group.Do(key.Hash, func() (any, error) {
		// Double-check under the flight: another caller may have refreshed
		// between our expiry check and winning the flight.
		store := ts.pool.StoreFor(models.GCP)
		if store != nil {
			for _, k := range store.Snapshot() {
				if k.Hash == key.Hash && k.AccessToken != "" && k.AccessTokenExpiresAt > deadline {
					return k.AccessToken, nil
				}
			}
		}
		return ts.refresh(ctx, key)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (ts *GCPTokenSource) refresh(ctx context.Context, key keypool.Key) (string, error) {
	assertion, err := ts.buildAssertion(key)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("mutate: gcp token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("mutate: gcp token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mutate: gcp token exchange: status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("mutate: gcp token decode: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("mutate: gcp token exchange returned no token")
	}

	expiresAt := ts.now().Add(time.Duration(out.ExpiresIn) * time.Second).UnixMilli()
	ts.pool.Update(key, func(k *keypool.Key) {
		k.AccessToken = out.AccessToken
		k.AccessTokenExpiresAt = expiresAt
	})
	return out.AccessToken, nil
}

func (ts *GCPTokenSource) buildAssertion(key keypool.Key) (string, error) {
	der, err := base64.StdEncoding.DecodeString(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("mutate: gcp private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return "", fmt.Errorf("mutate: gcp private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return "", fmt.Errorf("mutate: gcp private key is not RSA")
	}

	now := ts.now()
	claims := jwt.MapClaims{
		"iss":   key.ClientEmail,
		"scope": gcpScope,
		"aud":   ts.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenLifetime).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(rsaKey)
}

// signGCP builds the Vertex envelope: bearer auth over the regional
// streamRawPredict endpoint with the vertex anthropic version pinned.
func signGCP(m *request.Manager, key keypool.Key, token string) error {
	req := m.Request()

	m.MutateBody(func(b map[string]any) {
		delete(b, "model")
		b["anthropic_version"] = vertexVersion
	})

	payload, err := json.Marshal(req.Body)
	if err != nil {
		return fmt.Errorf("mutate: marshal vertex body: %w", err)
	}

	verb := "rawPredict"
	if req.Streaming {
		verb = "streamRawPredict"
	}
	host := fmt.Sprintf("%s-aiplatform.googleapis.com", key.Region)
	path := fmt.Sprintf("/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:%s",
		key.ProjectID, key.Region, req.Model, verb)

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Content-Type", "application/json")

	m.SetSignedRequest(&request.SignedRequest{
		Method:   http.MethodPost,
		Hostname: host,
		Path:     path,
		Headers:  headers,
		Body:     payload,
	})
	return nil
}
