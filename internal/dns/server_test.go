package dns

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/goodtune/kfocus/internal/enforce"
	"github.com/goodtune/kfocus/internal/policy/opa"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlocker struct {
	blocked map[string]int
	err     error
}

func (f *fakeBlocker) Evaluate(_ context.Context, req enforce.Request) (*opa.Decision, error) {
	if f.err != nil {
		return nil, f.err
	}
	if id, ok := f.blocked[req.Host]; ok {
		return &opa.Decision{Blocked: true, RuleID: id}, nil
	}
	return &opa.Decision{}, nil
}

var upstreamIP = net.ParseIP("93.184.216.34").To4()

// startUpstream runs a resolver that answers every A query with upstreamIP.
func startUpstream(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			msg := new(dns.Msg)
			msg.SetReply(r)
			if q := r.Question[0]; q.Qtype == dns.TypeA {
				msg.Answer = append(msg.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
					A:   upstreamIP,
				})
			}
			_ = w.WriteMsg(msg)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func startSinkhole(t *testing.T, blocker Blocker, upstreams ...string) string {
	t.Helper()
	s, err := NewServer(Config{
		ListenAddr:  "127.0.0.1:0",
		UpstreamDNS: upstreams,
		BlockTTL:    60,
		EnableUDP:   true,
		Timeout:     time.Second,
	}, blocker, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	udp, _ := s.Addr()
	require.NotEmpty(t, udp)
	return udp
}

func query(t *testing.T, addr, name string, qtype uint16) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	c := &dns.Client{Timeout: 3 * time.Second}
	resp, _, err := c.Exchange(m, addr)
	require.NoError(t, err)
	return resp
}

func TestSinkholeBlocksAndForwards(t *testing.T) {
	upstream := startUpstream(t)
	addr := startSinkhole(t, &fakeBlocker{blocked: map[string]int{"chatgpt.com": 1000}}, upstream)

	t.Run("blocked A", func(t *testing.T) {
		resp := query(t, addr, "ChatGPT.com", dns.TypeA)
		require.Equal(t, dns.RcodeSuccess, resp.Rcode)
		require.Len(t, resp.Answer, 1)
		a, ok := resp.Answer[0].(*dns.A)
		require.True(t, ok)
		assert.True(t, a.A.Equal(net.IPv4zero))
		assert.Equal(t, uint32(60), a.Hdr.Ttl)
	})

	t.Run("blocked AAAA", func(t *testing.T) {
		resp := query(t, addr, "chatgpt.com", dns.TypeAAAA)
		require.Len(t, resp.Answer, 1)
		aaaa, ok := resp.Answer[0].(*dns.AAAA)
		require.True(t, ok)
		assert.True(t, aaaa.AAAA.Equal(net.IPv6zero))
	})

	t.Run("forwarded", func(t *testing.T) {
		resp := query(t, addr, "example.org", dns.TypeA)
		require.Equal(t, dns.RcodeSuccess, resp.Rcode)
		require.Len(t, resp.Answer, 1)
		assert.True(t, resp.Answer[0].(*dns.A).A.Equal(upstreamIP))
	})
}

func TestSinkholeFailsOpenOnPolicyError(t *testing.T) {
	upstream := startUpstream(t)
	addr := startSinkhole(t, &fakeBlocker{err: errors.New("policy unavailable")}, upstream)

	resp := query(t, addr, "chatgpt.com", dns.TypeA)
	require.Len(t, resp.Answer, 1)
	assert.True(t, resp.Answer[0].(*dns.A).A.Equal(upstreamIP))
}

func TestSinkholeUpstreamFailure(t *testing.T) {
	// Reserve a port and close it so nothing answers there.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := pc.LocalAddr().String()
	require.NoError(t, pc.Close())

	addr := startSinkhole(t, &fakeBlocker{}, dead)
	resp := query(t, addr, "example.org", dns.TypeA)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestNewServerRequiresUpstream(t *testing.T) {
	_, err := NewServer(Config{EnableUDP: true}, &fakeBlocker{}, zerolog.Nop())
	assert.Error(t, err)
}
