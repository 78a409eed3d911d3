// Package request models one in-flight proxied request and the reversible
// mutation log applied to it between dequeue and dispatch.
package request

import (
	"context"
	"net/http"
	"sync"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
	"github.com/yomyoms/oai-proxy-mod/internal/models"
	"github.com/yomyoms/oai-proxy-mod/internal/translate"
)

// SignedRequest is the pre-computed HTTP envelope produced by a signing
// mutator for providers that authenticate the full canonical request.
type SignedRequest struct {
	Method   string
	Hostname string
	Path     string
	Headers  http.Header
	Body     []byte
}

// Request is one proxied client request. It is created by the preprocessors,
// scheduled by the queue, mutated per-attempt through a Manager, and
// dispatched upstream. Fields are owned by the handler goroutine; the queue
// only reads scheduling fields under its own lock.
type Request struct {
	ID string

	// Identity is the queue identity: user token when present, else the
	// alternate identity header, else the client IP.
	Identity string

	InboundFormat  translate.Format
	OutboundFormat translate.Format
	Service        models.Service
	ModelFamily    models.Family
	Model          string

	// Body is the current (possibly translated) request payload.
	Body map[string]any
	// BodyBytes is the serialized payload set by the body finalizer.
	BodyBytes []byte

	Headers http.Header
	Path    string

	// Key is the assigned credential once a provider-auth mutator ran.
	Key    keypool.Key
	HasKey bool

	Signed *SignedRequest

	Streaming bool

	StartTime    int64 // ms, set at enqueue
	QueueOutTime int64 // ms, set at dequeue

	RetryCount int

	PromptTokens int64
	OutputTokens int64

	mu        sync.Mutex
	mutations []mutation
	aborted   chan struct{}
	abortOnce sync.Once
	abortErr  error
	ctx       context.Context
}

// New creates a Request bound to the client's context.
func New(ctx context.Context, id string, identity string) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Request{
		ID:       id,
		Identity: identity,
		Headers:  make(http.Header),
		aborted:  make(chan struct{}),
		ctx:      ctx,
	}
}

// Context returns the client-scoped context.
func (r *Request) Context() context.Context { return r.ctx }

// Abort marks the request dead (client disconnect or terminal queue error).
// Idempotent; the first cause wins.
func (r *Request) Abort(cause error) {
	r.abortOnce.Do(func() {
		r.abortErr = cause
		close(r.aborted)
	})
}

// Aborted returns a channel closed when the request dies.
func (r *Request) Aborted() <-chan struct{} { return r.aborted }

// AbortErr returns the abort cause, or nil while alive.
func (r *Request) AbortErr() error {
	select {
	case <-r.aborted:
		return r.abortErr
	default:
		return nil
	}
}
