package request

import (
	"context"
	"testing"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
)

func newTestRequest() *Request {
	r := New(context.Background(), "req-1", "user-1")
	r.Headers.Set("Content-Type", "application/json")
	r.Path = "/v1/chat/completions"
	r.Body = map[string]any{"model": "gpt-4o", "stream": false}
	return r
}

func TestRevert_RestoresPreMutationState(t *testing.T) {
	r := newTestRequest()
	m := NewManager(r)

	m.SetHeader("Authorization", "Bearer sk-xyz")
	m.RemoveHeader("Content-Type")
	m.MutateBody(func(b map[string]any) { b["max_tokens"] = 512 })
	m.SetPath("/v1/messages")
	m.SetBodyBytes([]byte(`{"model":"gpt-4o"}`))
	m.SetSignedRequest(&SignedRequest{Method: "POST", Hostname: "example.com"})

	m.Revert()

	if got := r.Headers.Get("Authorization"); got != "" {
		t.Errorf("Authorization survived revert: %q", got)
	}
	if got := r.Headers.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q after revert", got)
	}
	if _, ok := r.Body["max_tokens"]; ok {
		t.Error("body mutation survived revert")
	}
	if r.Path != "/v1/chat/completions" {
		t.Errorf("path = %q after revert", r.Path)
	}
	if r.BodyBytes != nil {
		t.Error("serialized body survived revert")
	}
	if r.Signed != nil {
		t.Error("signed envelope survived revert")
	}
	if m.Len() != 0 {
		t.Errorf("mutation log not empty after revert: %d entries", m.Len())
	}
}

func TestRevert_ReverseOrder(t *testing.T) {
	r := newTestRequest()
	m := NewManager(r)

	m.SetPath("/first")
	m.SetPath("/second")
	m.Revert()

	if r.Path != "/v1/chat/completions" {
		t.Errorf("stacked path mutations reverted out of order: %q", r.Path)
	}
}

func TestRevert_KeepsAssignedKey(t *testing.T) {
	r := newTestRequest()
	m := NewManager(r)

	m.SetKey(keypool.Key{Hash: "aaaaaaaa"})
	m.SetHeader("X-API-Key", "secret")
	m.Revert()

	if !r.HasKey || r.Key.Hash != "aaaaaaaa" {
		t.Error("key assignment must survive revert")
	}
}

func TestSetHeader_RestoresPriorValue(t *testing.T) {
	r := newTestRequest()
	r.Headers.Set("User-Agent", "original")
	m := NewManager(r)

	m.SetHeader("User-Agent", "replacement")
	m.Revert()

	if got := r.Headers.Get("User-Agent"); got != "original" {
		t.Errorf("User-Agent = %q, want original", got)
	}
}

func TestRemoveHeader_Missing(t *testing.T) {
	r := newTestRequest()
	m := NewManager(r)

	m.RemoveHeader("X-Never-Set")
	if m.Len() != 0 {
		t.Error("removing an absent header must not record a mutation")
	}
}

func TestAbort_Idempotent(t *testing.T) {
	r := newTestRequest()
	cause := context.Canceled
	r.Abort(cause)
	r.Abort(context.DeadlineExceeded)

	if r.AbortErr() != cause {
		t.Errorf("abort cause = %v, want first cause", r.AbortErr())
	}
	select {
	case <-r.Aborted():
	default:
		t.Error("Aborted channel not closed")
	}
}
