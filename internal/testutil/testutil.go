// Package testutil provides common test utilities and helpers for FieldSync tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/BTreeMap/FieldSync/internal/rpc"
)

// DefaultResult is the body returned for methods without a registered response.
const DefaultResult = `{"result":true}`

// Call is one request received by a Backend.
type Call struct {
	Method string
	Params json.RawMessage
	Replay bool
}

// Backend is a fake upstream RPC endpoint. It records every call, answers with the body
// registered for the method and flags replays by the offline sync header.
type Backend struct {
	URL string

	srv *httptest.Server

	mu        sync.Mutex
	calls     []Call
	responses map[string]string
	onReplay  func(Call)
}

// NewBackend starts a fake backend that is closed when the test finishes.
func NewBackend(t testing.TB) *Backend {
	t.Helper()
	b := &Backend{responses: map[string]string{}}
	b.srv = httptest.NewServer(b)
	b.URL = b.srv.URL
	t.Cleanup(b.srv.Close)
	return b
}

// Respond registers the raw JSON body returned for method.
func (b *Backend) Respond(method, body string) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses[method] = body
	return b
}

// OnReplay registers a hook invoked after each replayed call is recorded.
func (b *Backend) OnReplay(fn func(Call)) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReplay = fn
	return b
}

// Close stops the server early, e.g. to simulate an unreachable upstream.
func (b *Backend) Close() {
	b.srv.Close()
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpc.Request
	_ = json.NewDecoder(r.Body).Decode(&req)
	call := Call{Method: req.Method, Params: req.Params, Replay: r.Header.Get(rpc.HeaderOfflineSync) == "true"}

	b.mu.Lock()
	b.calls = append(b.calls, call)
	body, ok := b.responses[call.Method]
	hook := b.onReplay
	b.mu.Unlock()
	if !ok {
		body = DefaultResult
	}
	if call.Replay && hook != nil {
		hook(call)
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

// Calls returns a copy of every call received so far.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Methods returns the method of every call received so far.
func (b *Backend) Methods() []string {
	var out []string
	for _, c := range b.Calls() {
		out = append(out, c.Method)
	}
	return out
}

// Replayed returns the methods of the calls sent by the sync queue.
func (b *Backend) Replayed() []string {
	var out []string
	for _, c := range b.Calls() {
		if c.Replay {
			out = append(out, c.Method)
		}
	}
	return out
}
