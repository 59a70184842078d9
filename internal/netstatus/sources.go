package netstatus

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Probe defaults.
const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// ManualSource is driven explicitly, e.g. from the local API or tests.
type ManualSource struct {
	mu      sync.Mutex
	online  bool
	changed chan struct{}
}

// NewManualSource creates a source with an initial state.
func NewManualSource(online bool) *ManualSource {
	return &ManualSource{online: online, changed: make(chan struct{}, 1)}
}

// Set changes the reported state.
func (s *ManualSource) Set(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Online returns the last state passed to Set.
func (s *ManualSource) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *ManualSource) Run(ctx context.Context, report func(bool)) error {
	report(s.Online())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.changed:
			report(s.Online())
		}
	}
}

// HTTPProbe polls a health URL. Any response below 500 counts as online.
type HTTPProbe struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
}

func (p *HTTPProbe) Run(ctx context.Context, report func(bool)) error {
	if p.URL == "" {
		return fmt.Errorf("http probe: empty URL")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultProbeTimeout}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report(p.check(ctx, client))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *HTTPProbe) check(ctx context.Context, client *http.Client) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		slog.Error("HTTPProbe.check: bad request", "url", p.URL, "error", err)
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Debug("HTTPProbe.check: unreachable", "url", p.URL, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// WebSocketProbe holds a WebSocket open to URL and pings it every Interval. A failed dial
// or ping reports offline; the probe redials after Interval.
type WebSocketProbe struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
}

func (p *WebSocketProbe) Run(ctx context.Context, report func(bool)) error {
	if p.URL == "" {
		return fmt.Errorf("websocket probe: empty URL")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	for {
		p.session(ctx, interval, timeout, report)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// session dials once and pings until a ping fails or ctx ends.
func (p *WebSocketProbe) session(ctx context.Context, interval, timeout time.Duration, report func(bool)) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, _, err := websocket.Dial(dialCtx, p.URL, nil)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("WebSocketProbe.session: dial failed", "url", p.URL, "error", err)
			report(false)
		}
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "probe done")

	// Pongs are only processed while something reads from the connection.
	readCtx := conn.CloseRead(ctx)
	report(true)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-readCtx.Done():
			if ctx.Err() == nil {
				slog.Debug("WebSocketProbe.session: connection closed by peer", "url", p.URL)
				report(false)
			}
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocketProbe.session: heartbeat failed", "url", p.URL, "error", err)
					report(false)
				}
				return
			}
		}
	}
}
