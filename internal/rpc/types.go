package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CallMode tells the interceptor whether a call originates from the UI or from queue replay.
type CallMode int

const (
	// CallModeOriginal is a call issued by a client of FieldSync.
	CallModeOriginal CallMode = iota
	// CallModeReplay is a queued mutation being delivered. It is never diverted again.
	CallModeReplay
)

func (m CallMode) String() string {
	switch m {
	case CallModeOriginal:
		return "original"
	case CallModeReplay:
		return "replay"
	default:
		return fmt.Sprintf("CallMode(%d)", int(m))
	}
}

// Header names used on the wire.
const (
	HeaderOfflineSync = "X-Offline-Sync"
	HeaderRequestID   = "X-Request-ID"
)

// Request is one outgoing RPC call.
type Request struct {
	URL    string          `json:"-"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`

	// RequestID is sent as X-Request-ID on replays so the backend can correlate attempts.
	RequestID string `json:"-"`
}

// Response is the decoded backend reply, or a synthetic reply for a queued call.
type Response struct {
	StatusCode int             `json:"-"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *Error          `json:"error,omitempty"`

	// Queued is set when the call was diverted into the sync queue instead of being sent.
	Queued  bool  `json:"-"`
	QueueID int64 `json:"-"`
}

// Err returns the RPC error carried in the response body, if any.
func (r *Response) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return r.Error
}

// Error is an RPC error object returned by the backend with a 2xx status.
type Error struct {
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Code) > 0 {
		return fmt.Sprintf("rpc error %s: %s", string(e.Code), e.Message)
	}
	return "rpc error: " + e.Message
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected HTTP status %d: %s", e.StatusCode, e.Message)
}

// Caller sends RPC requests. Client, the offline interceptor and test stubs implement it.
type Caller interface {
	Call(ctx context.Context, req Request, mode CallMode) (*Response, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, req Request, mode CallMode) (*Response, error)

func (f CallerFunc) Call(ctx context.Context, req Request, mode CallMode) (*Response, error) {
	return f(ctx, req, mode)
}

// ServiceURL joins a service base URL with an optional path suffix.
func ServiceURL(base, suffix string) string {
	base = strings.TrimRight(base, "/")
	suffix = strings.TrimLeft(suffix, "/")
	if suffix == "" {
		return base
	}
	return base + "/" + suffix
}
