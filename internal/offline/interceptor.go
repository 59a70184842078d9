// Package offline gates outgoing RPC calls through connectivity awareness. While the device
// is offline, state-changing calls are written to the sync queue and answered with a
// synthetic "queued" response instead of a network error.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/FieldSync/internal/rpc"
)

// QueuedMessage is returned to callers whose mutation was queued.
const QueuedMessage = "Request saved and will be sent when the connection is restored"

// Enqueuer durably stores a mutation for later replay.
type Enqueuer interface {
	Enqueue(ctx context.Context, url, method string, params json.RawMessage) (int64, error)
}

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	Online() bool
}

// QueuedResult is the result object of a synthetic response.
type QueuedResult struct {
	Queued  bool   `json:"queued"`
	QueueID int64  `json:"queueId"`
	Message string `json:"message"`
}

// Interceptor wraps an rpc.Caller and diverts offline mutations into the queue.
type Interceptor struct {
	next       rpc.Caller
	queue      Enqueuer
	network    OnlineChecker
	classifier *rpc.Classifier
	baseURLs   []string
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithClassifier replaces rpc.DefaultClassifier.
func WithClassifier(c *rpc.Classifier) Option {
	return func(i *Interceptor) { i.classifier = c }
}

// WithBaseURLs restricts interception to calls whose URL starts with one of the given bases.
// With no bases configured every URL is treated as an API endpoint.
func WithBaseURLs(urls ...string) Option {
	return func(i *Interceptor) {
		for _, u := range urls {
			if u = strings.TrimSpace(u); u != "" {
				i.baseURLs = append(i.baseURLs, u)
			}
		}
	}
}

// NewInterceptor creates an interceptor in front of next.
func NewInterceptor(next rpc.Caller, queue Enqueuer, network OnlineChecker, opts ...Option) *Interceptor {
	i := &Interceptor{
		next:       next,
		queue:      queue,
		network:    network,
		classifier: rpc.DefaultClassifier,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IsAPIURL reports whether url targets one of the recognised API endpoints.
func (i *Interceptor) IsAPIURL(url string) bool {
	if url == "" {
		return false
	}
	if len(i.baseURLs) == 0 {
		return true
	}
	for _, base := range i.baseURLs {
		if url == base || strings.HasPrefix(url, base) {
			return true
		}
	}
	return false
}

// Call forwards req unless the device is offline and req is a mutation, in which case the
// mutation is queued and a synthetic successful response is returned.
func (i *Interceptor) Call(ctx context.Context, req rpc.Request, mode rpc.CallMode) (*rpc.Response, error) {
	if !i.IsAPIURL(req.URL) || req.Method == "" {
		return i.next.Call(ctx, req, mode)
	}
	if mode == rpc.CallModeReplay {
		return i.next.Call(ctx, req, mode)
	}
	if !i.classifier.IsMutation(req.Method) || i.network.Online() {
		return i.next.Call(ctx, req, mode)
	}

	id, err := i.queue.Enqueue(ctx, req.URL, req.Method, req.Params)
	if err != nil {
		slog.Error("Interceptor.Call: failed to queue offline mutation", "method", req.Method, "error", err)
		return nil, fmt.Errorf("queue offline mutation %q: %w", req.Method, err)
	}
	slog.Info("Interceptor.Call: mutation queued while offline", "method", req.Method, "queue_id", id)
	return QueuedResponse(id)
}

// QueuedResponse builds the synthetic response for a queued mutation.
func QueuedResponse(id int64) (*rpc.Response, error) {
	result, err := json.Marshal(QueuedResult{Queued: true, QueueID: id, Message: QueuedMessage})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queued result: %w", err)
	}
	return &rpc.Response{
		StatusCode: http.StatusOK,
		Result:     result,
		Queued:     true,
		QueueID:    id,
	}, nil
}

// IsQueued reports whether a result object is a synthetic queued result.
func IsQueued(result json.RawMessage) (QueuedResult, bool) {
	var qr QueuedResult
	if len(result) == 0 || json.Unmarshal(result, &qr) != nil {
		return QueuedResult{}, false
	}
	return qr, qr.Queued
}
