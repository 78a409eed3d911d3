package mutate

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
)

func testGCPSecret(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return fmt.Sprintf("proj-1:sa@proj-1.iam.gserviceaccount.com:us-east5:%s",
		base64.StdEncoding.EncodeToString(der))
}

func TestGCPTokenSource_RefreshAndCache(t *testing.T) {
	var exchanges atomic.Int64
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil ||
			r.Form.Get("grant_type") != "urn:ietf:params:oauth:grant-type:jwt-bearer" ||
			r.Form.Get("assertion") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		exchanges.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("ya29.mock-%d", exchanges.Load()),
			"expires_in":   3600,
			"token_type":   "Bearer",
		})
	}))
	defer tokenSrv.Close()

	store := keypool.NewGCPStore([]string{testGCPSecret(t)}, []models.Family{models.GCPClaude})
	pool := keypool.NewPool(store)
	ts := NewGCPTokenSource(pool)
	ts.SetTokenURL(tokenSrv.URL)

	key := store.Snapshot()[0]
	tok, err := ts.Token(context.Background(), key)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "ya29.mock-1" {
		t.Errorf("token = %q", tok)
	}

	// The refreshed token is cached on the key.
	cached := store.Snapshot()[0]
	if cached.AccessToken != tok || cached.AccessTokenExpiresAt == 0 {
		t.Error("token not cached on the key")
	}

	// A caller holding the refreshed key reuses the cache.
	if tok2, err := ts.Token(context.Background(), cached); err != nil || tok2 != tok {
		t.Errorf("cached lookup = %q/%v", tok2, err)
	}
	if exchanges.Load() != 1 {
		t.Errorf("exchanges = %d, want 1", exchanges.Load())
	}
}

func TestGCPTokenSource_SingleflightRefresh(t *testing.T) {
	var exchanges atomic.Int64
	gate := make(chan struct{})
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-gate // hold all refreshes until every caller is in flight
		exchanges.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "ya29.shared",
			"expires_in":   3600,
		})
	}))
	defer tokenSrv.Close()

	store := keypool.NewGCPStore([]string{testGCPSecret(t)}, []models.Family{models.GCPClaude})
	pool := keypool.NewPool(store)
	ts := NewGCPTokenSource(pool)
	ts.SetTokenURL(tokenSrv.URL)
	key := store.Snapshot()[0]

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = ts.Token(context.Background(), key)
		}()
	}
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "ya29.shared" {
			t.Errorf("caller %d token = %q", i, tokens[i])
		}
	}
	if got := exchanges.Load(); got != 1 {
		t.Errorf("exchanges = %d, want 1 (singleflight)", got)
	}
}
