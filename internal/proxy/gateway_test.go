package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/internal/mutate"
	"github.com/yomyoms/oai-proxy-mod/internal/preprocess"
	"github.com/yomyoms/oai-proxy-mod/internal/queue"
	"github.com/yomyoms/oai-proxy-mod/internal/user"
)

// startGateway serves a fully wired Gateway over an in-memory listener and
// returns an http.Client that reaches it.
func startGateway(t *testing.T, pool *keypool.Pool, upstreams map[models.Service]string) (*http.Client, *queue.Queue) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	q := queue.New(pool)
	t.Cleanup(func() {
		cancel()
		q.Stop()
	})

	gw := New(ctx, pool, q,
		&preprocess.Chain{},
		&mutate.Chain{Pool: pool, GCP: mutate.NewGCPTokenSource(pool)},
		Options{
			Resolver:  user.NewStaticResolver(nil),
			Upstreams: upstreams,
		})

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: gw.Handler(nil)}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { _ = ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 10 * time.Second,
	}
	return client, q
}

func chatRequestBody(model string, stream bool) string {
	return fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"hi"}],"stream":%v}`, model, stream)
}

func openAICompletionJSON(model string) string {
	return fmt.Sprintf(`{
		"id":"chatcmpl-1","object":"chat.completion","model":%q,
		"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":8,"completion_tokens":3,"total_tokens":11}}`, model)
}

func TestGateway_SingleKeyHappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer sk-") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, openAICompletionJSON("gpt-4o-2024-05-13")) //nolint:errcheck
	}))
	defer upstream.Close()

	store := keypool.NewOpenAIStore([]string{"sk-aaaa"}, []models.Family{models.GPT4o})
	pool := keypool.NewPool(store)
	client, _ := startGateway(t, pool, map[models.Service]string{models.OpenAI: upstream.URL})

	before := time.Now().UnixMilli()
	resp, err := client.Post("http://proxy/proxy/openai/v1/chat/completions",
		"application/json", strings.NewReader(chatRequestBody("gpt-4o-2024-05-13", false)))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Role != "assistant" {
		t.Fatalf("unexpected completion: %+v", out)
	}

	k := store.List()[0]
	if k.PromptCount != 1 {
		t.Errorf("PromptCount = %d, want 1", k.PromptCount)
	}
	if k.TokensByFamily[models.GPT4o] == 0 {
		t.Error("family token counter not incremented")
	}
	if k.RateLimitedUntil < before+1000 {
		t.Errorf("reuse throttle not applied: until = %d", k.RateLimitedUntil)
	}
}

func TestGateway_KeyRotationOn429(t *testing.T) {
	var limited atomic.Value // api key that got 429'd
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if limited.Load() == nil {
			limited.Store(key)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error":{"type":"rate_limit_error","message":"Too many requests"}}`) //nolint:errcheck
			return
		}
		if key == limited.Load().(string) {
			t.Errorf("rate-limited key %s was reused", key)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet-20240620",
			"content":[{"type":"text","text":"hi there"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":5,"output_tokens":2}}`) //nolint:errcheck
	}))
	defer upstream.Close()

	store := keypool.NewAnthropicStore([]string{"ak-aaaa", "ak-bbbb"}, []models.Family{models.Claude})
	pool := keypool.NewPool(store)
	client, _ := startGateway(t, pool, map[models.Service]string{models.Anthropic: upstream.URL})

	before := time.Now().UnixMilli()
	resp, err := client.Post("http://proxy/proxy/anthropic/v1/messages",
		"application/json", strings.NewReader(chatRequestBody("claude-3-5-sonnet-20240620", false)))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "hi there") {
		t.Fatalf("body = %s", body)
	}

	// The 429'd key carries the provider lockout.
	found := false
	for _, k := range store.List() {
		if k.RateLimitedAt >= before && k.RateLimitedUntil >= k.RateLimitedAt+2000 {
			found = true
		}
	}
	if !found {
		t.Error("no key carries the 2 s rate-limit lockout")
	}
}

func TestGateway_PerIdentityLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, openAICompletionJSON("gpt-4o")) //nolint:errcheck
	}))
	defer upstream.Close()

	store := keypool.NewOpenAIStore([]string{"sk-aaaa"}, []models.Family{models.GPT4o})
	pool := keypool.NewPool(store)
	client, _ := startGateway(t, pool, map[models.Service]string{models.OpenAI: upstream.URL})

	// Hold the family locked out briefly so the first request stays queued
	// while the duplicate arrives.
	store.MarkRateLimitedFor(store.List()[0].Hash, 500*time.Millisecond)

	send := func() int {
		req, _ := http.NewRequest(http.MethodPost, "http://proxy/proxy/openai/v1/chat/completions",
			strings.NewReader(chatRequestBody("gpt-4o", false)))
		req.Header.Set("Authorization", "Bearer user-token-1")
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			t.Errorf("request: %v", err)
			return 0
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return resp.StatusCode
	}

	var wg sync.WaitGroup
	statuses := make(chan int, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		statuses <- send()
	}()
	// Let the first request enqueue before the duplicate arrives; the
	// lockout keeps it queued.
	time.Sleep(50 * time.Millisecond)
	statuses <- send()

	wg.Wait()
	close(statuses)

	var got []int
	for s := range statuses {
		got = append(got, s)
	}
	has429, has200 := false, false
	for _, s := range got {
		if s == http.StatusTooManyRequests {
			has429 = true
		}
		if s == http.StatusOK {
			has200 = true
		}
	}
	if !has429 || !has200 {
		t.Fatalf("statuses = %v, want one 200 and one 429", got)
	}
}

func TestGateway_StreamingTranslatesAnthropicUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		events := []string{
			`event: message_start` + "\n" + `data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet-20240620","usage":{"input_tokens":5}}}`,
			`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"stream"}}`,
			`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ing"}}`,
			`event: message_delta` + "\n" + `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
			`event: message_stop` + "\n" + `data: {"type":"message_stop"}`,
		}
		for _, ev := range events {
			io.WriteString(w, ev+"\n\n") //nolint:errcheck
			fl.Flush()
		}
	}))
	defer upstream.Close()

	store := keypool.NewAnthropicStore([]string{"ak-aaaa"}, []models.Family{models.Claude})
	pool := keypool.NewPool(store)
	client, _ := startGateway(t, pool, map[models.Service]string{models.Anthropic: upstream.URL})

	// OpenAI-format client asking for a Claude model: the stream must come
	// back as OpenAI chunks.
	resp, err := client.Post("http://proxy/proxy/openai/v1/chat/completions",
		"application/json", strings.NewReader(chatRequestBody("claude-3-5-sonnet-20240620", true)))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	var content strings.Builder
	sawJoin, sawDone := false, false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ": joining queue"):
			sawJoin = true
		case line == "data: [DONE]":
			sawDone = true
		case strings.HasPrefix(line, "data: "):
			var chunk struct {
				Object  string `json:"object"`
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(line[len("data: "):]), &chunk); err != nil {
				t.Fatalf("bad chunk %q: %v", line, err)
			}
			if chunk.Object != "chat.completion.chunk" {
				t.Errorf("object = %q", chunk.Object)
			}
			for _, c := range chunk.Choices {
				content.WriteString(c.Delta.Content)
			}
		}
	}

	if !sawJoin {
		t.Error("missing queue join comment")
	}
	if !sawDone {
		t.Error("missing [DONE] terminator")
	}
	if content.String() != "streaming" {
		t.Errorf("streamed content = %q, want %q", content.String(), "streaming")
	}

	k := store.List()[0]
	if k.PromptCount != 1 {
		t.Errorf("PromptCount = %d, want 1 (usage counted once)", k.PromptCount)
	}
}

func TestGateway_ModelsListing(t *testing.T) {
	store := keypool.NewOpenAIStore([]string{"sk-aaaa"}, []models.Family{models.GPT4o, models.Turbo})
	pool := keypool.NewPool(store)
	client, _ := startGateway(t, pool, nil)

	resp, err := client.Get("http://proxy/proxy/openai/v1/models")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "list" || len(out.Data) == 0 {
		t.Fatalf("listing = %+v", out)
	}
	ids := make(map[string]bool)
	for _, m := range out.Data {
		ids[m.ID] = true
	}
	if !ids["gpt-4o"] || !ids["gpt-3.5-turbo"] {
		t.Errorf("listing missing family defaults: %v", ids)
	}
}

func TestGateway_UnknownModel(t *testing.T) {
	store := keypool.NewOpenAIStore([]string{"sk-aaaa"}, []models.Family{models.GPT4o})
	pool := keypool.NewPool(store)
	client, _ := startGateway(t, pool, nil)

	resp, err := client.Post("http://proxy/proxy/openai/v1/chat/completions",
		"application/json", strings.NewReader(chatRequestBody("made-up-model-9000", false)))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
