package netstatus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDNSProbe(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		_ = w.WriteMsg(m)
	})}
	go func() { _ = srv.ActivateAndServe() }()

	m := NewMonitor(false)
	probe := &DNSProbe{Server: pc.LocalAddr().String(), Host: "backend.example.com", Interval: 10 * time.Millisecond, Timeout: 200 * time.Millisecond}
	require.NoError(t, m.Attach(context.Background(), probe))
	defer m.Detach()

	assert.Eventually(t, m.Online, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, srv.Shutdown())
	assert.Eventually(t, func() bool { return !m.Online() }, 2*time.Second, 5*time.Millisecond)
}

func TestDNSProbeRequiresConfig(t *testing.T) {
	assert.Error(t, (&DNSProbe{Host: "x"}).Run(context.Background(), func(bool) {}))
}
