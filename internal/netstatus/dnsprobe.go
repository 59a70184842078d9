package netstatus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miekg/dns"
)

// DNSProbe resolves Host against Server every Interval. Useful where the backend has no
// health endpoint but the site resolver is only reachable over the uplink.
type DNSProbe struct {
	Server   string // host:port
	Host     string
	Interval time.Duration
	Timeout  time.Duration
}

func (p *DNSProbe) Run(ctx context.Context, report func(bool)) error {
	if p.Server == "" || p.Host == "" {
		return fmt.Errorf("dns probe: server and host are required")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	client := &dns.Client{Net: "udp", Timeout: timeout}

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

func (p *DNSProbe) check(ctx context.Context, client *dns.Client) bool {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(p.Host), dns.TypeA)
	in, _, err := client.ExchangeContext(ctx, msg, p.Server)
	if err != nil {
		slog.Debug("DNSProbe.check: exchange failed", "server", p.Server, "error", err)
		return false
	}
	// NXDOMAIN still proves the resolver answered.
	return in.Rcode == dns.RcodeSuccess || in.Rcode == dns.RcodeNameError
}
