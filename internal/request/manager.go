package request

import (
	"maps"
	"net/http"

	"github.com/yomyoms/oai-proxy-mod/internal/keypool"
)

// mutation is one recorded change with its inverse. Mutations form a stack;
// Revert pops and applies inverses in reverse order.
type mutation struct {
	name   string
	revert func(*Request)
}

// Manager is the only handle mutators receive. Every change it applies is
// recorded so a failed attempt can be rolled back before re-enqueue, leaving
// the request exactly as the first mutator ever saw it.
//
// Key assignment is deliberately exempt from revert: the credential is opaque
// to the client and the next attempt overwrites it anyway.
type Manager struct {
	req *Request
}

// NewManager wraps req.
func NewManager(req *Request) *Manager { return &Manager{req: req} }

// Request exposes read-only access for mutators that need to inspect state.
func (m *Manager) Request() *Request { return m.req }

// SetHeader records and applies a header mutation.
func (m *Manager) SetHeader(key, value string) {
	prior, had := m.req.Headers[http.CanonicalHeaderKey(key)]
	m.push(mutation{
		name: "set-header:" + key,
		revert: func(r *Request) {
			if had {
				r.Headers[http.CanonicalHeaderKey(key)] = prior
			} else {
				r.Headers.Del(key)
			}
		},
	})
	m.req.Headers.Set(key, value)
}

// RemoveHeader records and applies a header removal.
func (m *Manager) RemoveHeader(key string) {
	prior, had := m.req.Headers[http.CanonicalHeaderKey(key)]
	if !had {
		return
	}
	m.push(mutation{
		name: "remove-header:" + key,
		revert: func(r *Request) {
			r.Headers[http.CanonicalHeaderKey(key)] = prior
		},
	})
	m.req.Headers.Del(key)
}

// SetBody replaces the structured payload.
func (m *Manager) SetBody(body map[string]any) {
	prior := m.req.Body
	m.push(mutation{
		name:   "set-body",
		revert: func(r *Request) { r.Body = prior },
	})
	m.req.Body = body
}

// MutateBody applies fn to a copy of the payload, so revert restores the
// untouched original.
func (m *Manager) MutateBody(fn func(map[string]any)) {
	cp := maps.Clone(m.req.Body)
	if cp == nil {
		cp = make(map[string]any)
	}
	fn(cp)
	m.SetBody(cp)
}

// SetBodyBytes records and applies the serialized payload.
func (m *Manager) SetBodyBytes(b []byte) {
	prior := m.req.BodyBytes
	m.push(mutation{
		name:   "set-body-bytes",
		revert: func(r *Request) { r.BodyBytes = prior },
	})
	m.req.BodyBytes = b
}

// SetPath records and applies a path rewrite.
func (m *Manager) SetPath(path string) {
	prior := m.req.Path
	m.push(mutation{
		name:   "set-path",
		revert: func(r *Request) { r.Path = prior },
	})
	m.req.Path = path
}

// SetSignedRequest records and applies the signed envelope.
func (m *Manager) SetSignedRequest(sr *SignedRequest) {
	prior := m.req.Signed
	m.push(mutation{
		name:   "set-signed-request",
		revert: func(r *Request) { r.Signed = prior },
	})
	m.req.Signed = sr
}

// SetKey assigns the credential. Not reverted.
func (m *Manager) SetKey(k keypool.Key) {
	m.req.Key = k
	m.req.HasKey = true
}

// Revert rolls back every recorded mutation in reverse order and clears the
// log. Headers, body, path, and signed envelope return to their pre-attempt
// state; the assigned key survives.
func (m *Manager) Revert() {
	r := m.req
	r.mu.Lock()
	muts := r.mutations
	r.mutations = nil
	r.mu.Unlock()

	for i := len(muts) - 1; i >= 0; i-- {
		muts[i].revert(r)
	}
}

// Len reports how many mutations are currently recorded.
func (m *Manager) Len() int {
	m.req.mu.Lock()
	defer m.req.mu.Unlock()
	return len(m.req.mutations)
}

func (m *Manager) push(mut mutation) {
	m.req.mu.Lock()
	m.req.mutations = append(m.req.mutations, mut)
	m.req.mu.Unlock()
}
