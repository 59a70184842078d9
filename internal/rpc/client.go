package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// Transport defaults.
const (
	DefaultTimeout = 30 * time.Second
	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 16 << 20
)

// Client posts RPC envelopes to backend services over HTTP.
type Client struct {
	httpClient *http.Client
	token      string
	userAgent  string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-call timeout of the underlying HTTP client.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithToken sends an Authorization: Bearer header on every call.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client with a cookie jar so session cookies set by the backend are
// sent back on later calls, including replays.
func NewClient(opts ...ClientOption) *Client {
	jar, _ := cookiejar.New(nil) // only fails with a non-nil options value
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout, Jar: jar},
		userAgent:  "FieldSync",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// envelope is the request body sent to the backend.
type envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Call sends req to req.URL. A replay carries the offline-sync marker and the request ID.
// RPC error objects in a 2xx reply are returned in Response.Error, not as err.
func (c *Client) Call(ctx context.Context, req Request, mode CallMode) (*Response, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("rpc call %q: empty URL", req.Method)
	}
	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage("[]")
	}
	body, err := json.Marshal(envelope{Method: req.Method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if mode == CallModeReplay {
		httpReq.Header.Set(HeaderOfflineSync, "true")
		if req.RequestID != "" {
			httpReq.Header.Set(HeaderRequestID, req.RequestID)
		}
	}

	slog.Debug("Client.Call: sending", "url", req.URL, "method", req.Method, "mode", mode)
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	resp := &Response{StatusCode: httpResp.StatusCode}
	var decodeErr error
	if len(bytes.TrimSpace(data)) > 0 {
		decodeErr = json.Unmarshal(data, resp)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		msg := string(bytes.TrimSpace(data))
		if decodeErr == nil && resp.Error != nil {
			msg = resp.Error.Message
		}
		if len(msg) > 512 {
			msg = msg[:512]
		}
		slog.Warn("Client.Call: non-2xx response", "url", req.URL, "method", req.Method, "status", httpResp.StatusCode)
		return nil, &StatusError{StatusCode: httpResp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", decodeErr)
	}
	if resp.Error != nil {
		slog.Debug("Client.Call: rpc error", "method", req.Method, "error", resp.Error.Message)
	}
	return resp, nil
}
