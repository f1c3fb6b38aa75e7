package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/kfocus/internal/enforce"
	"github.com/goodtune/kfocus/internal/metrics"
	"github.com/goodtune/kfocus/internal/policy/opa"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds each upstream exchange.
const DefaultTimeout = 5 * time.Second

// Blocker decides whether a host is blocked. *enforce.MemorySurface
// satisfies it.
type Blocker interface {
	Evaluate(ctx context.Context, req enforce.Request) (*opa.Decision, error)
}

// Server answers DNS queries, sinkholing hosts the rule surface blocks and
// forwarding everything else upstream
type Server struct {
	upstreamDNS []string
	blocker     Blocker
	logger      zerolog.Logger
	blockTTL    uint32

	// DNS client for upstream queries
	client *dns.Client

	// Servers
	udpServer *dns.Server
	tcpServer *dns.Server
}

// Config holds DNS server configuration
type Config struct {
	ListenAddr  string
	UpstreamDNS []string
	BlockTTL    uint32
	EnableTCP   bool
	EnableUDP   bool
	Timeout     time.Duration

	// Socket-activated listeners take precedence over ListenAddr
	PacketConn net.PacketConn
	Listener   net.Listener
}

// NewServer creates a new DNS server
func NewServer(config Config, blocker Blocker, logger zerolog.Logger) (*Server, error) {
	if len(config.UpstreamDNS) == 0 {
		return nil, fmt.Errorf("at least one upstream DNS server is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	s := &Server{
		upstreamDNS: config.UpstreamDNS,
		blocker:     blocker,
		logger:      logger.With().Str("component", "dns").Logger(),
		blockTTL:    config.BlockTTL,
		client: &dns.Client{
			Timeout: config.Timeout,
		},
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSRequest)

	if config.EnableUDP || config.PacketConn != nil {
		s.udpServer = &dns.Server{
			Addr:       config.ListenAddr,
			Net:        "udp",
			Handler:    mux,
			PacketConn: config.PacketConn,
		}
	}

	if config.EnableTCP || config.Listener != nil {
		s.tcpServer = &dns.Server{
			Addr:     config.ListenAddr,
			Net:      "tcp",
			Handler:  mux,
			Listener: config.Listener,
		}
	}

	return s, nil
}

// Start starts the DNS servers and returns once they are accepting queries
func (s *Server) Start() error {
	var servers []*dns.Server
	for _, srv := range []*dns.Server{s.udpServer, s.tcpServer} {
		if srv != nil {
			servers = append(servers, srv)
		}
	}

	errChan := make(chan error, len(servers))
	var started sync.WaitGroup
	for _, srv := range servers {
		started.Add(1)
		srv.NotifyStartedFunc = started.Done

		go func(srv *dns.Server) {
			s.logger.Info().Str("addr", srv.Addr).Str("net", srv.Net).Msg("Starting DNS server")
			var err error
			if srv.PacketConn != nil || srv.Listener != nil {
				err = srv.ActivateAndServe()
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil {
				errChan <- fmt.Errorf("%s server error: %w", strings.ToUpper(srv.Net), err)
			}
		}(srv)
	}

	ready := make(chan struct{})
	go func() {
		started.Wait()
		close(ready)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ready:
		return nil
	}
}

// Addr returns the bound UDP and TCP addresses once started.
func (s *Server) Addr() (udp, tcp string) {
	if s.udpServer != nil && s.udpServer.PacketConn != nil {
		udp = s.udpServer.PacketConn.LocalAddr().String()
	}
	if s.tcpServer != nil && s.tcpServer.Listener != nil {
		tcp = s.tcpServer.Listener.Addr().String()
	}
	return udp, tcp
}

// Stop stops the DNS server
func (s *Server) Stop() error {
	var errs []error

	if s.udpServer != nil {
		if err := s.udpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("UDP shutdown error: %w", err))
		}
	}

	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("TCP shutdown error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	return nil
}

// handleDNSRequest handles incoming DNS requests
func (s *Server) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	startTime := time.Now()

	if len(r.Question) == 0 {
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeFormatError)
		s.write(w, msg)
		return
	}

	// Only the first question is answered.
	question := r.Question[0]
	domain := strings.ToLower(strings.TrimSuffix(question.Name, "."))
	qtype := dns.TypeToString[question.Qtype]

	decision, err := s.blocker.Evaluate(context.Background(), enforce.Request{
		Host:         domain,
		ResourceType: enforce.MainFrame,
	})
	if err != nil {
		// Fail open.
		s.logger.Warn().Err(err).Str("domain", domain).Msg("Policy evaluation failed, forwarding")
		decision = &opa.Decision{}
	}

	var (
		msg    *dns.Msg
		action string
	)
	if decision.Blocked {
		msg = s.blockResponse(r, question)
		action = "BLOCK"
		s.logger.Debug().Str("domain", domain).Int("rule_id", decision.RuleID).Str("type", qtype).Msg("DNS query blocked")
	} else {
		upstreamResp, upstream, err := s.forwardToUpstream(r)
		if err != nil {
			s.logger.Warn().Err(err).Str("domain", domain).Msg("Upstream DNS query failed")
			msg = new(dns.Msg)
			msg.SetRcode(r, dns.RcodeServerFailure)
			action = "SERVFAIL"
		} else {
			msg = upstreamResp
			msg.Id = r.Id
			action = "FORWARD"
			s.logger.Debug().Str("domain", domain).Str("upstream", upstream).Str("type", qtype).Msg("DNS query forwarded")
		}
	}

	metrics.DNSQueriesTotal.WithLabelValues(action, qtype).Inc()
	metrics.DNSQueryDuration.WithLabelValues(action).Observe(time.Since(startTime).Seconds())

	s.write(w, msg)
}

func (s *Server) write(w dns.ResponseWriter, msg *dns.Msg) {
	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write DNS response")
	}
}

// blockResponse answers A queries with 0.0.0.0, AAAA with ::, and anything
// else with an empty NOERROR.
func (s *Server) blockResponse(r *dns.Msg, q dns.Question) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	hdr := dns.RR_Header{
		Name:   q.Name,
		Rrtype: q.Qtype,
		Class:  dns.ClassINET,
		Ttl:    s.blockTTL,
	}
	switch q.Qtype {
	case dns.TypeA:
		msg.Answer = append(msg.Answer, &dns.A{Hdr: hdr, A: net.IPv4zero.To4()})
	case dns.TypeAAAA:
		msg.Answer = append(msg.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.IPv6zero})
	}
	return msg
}

// forwardToUpstream forwards a DNS query to upstream DNS servers
func (s *Server) forwardToUpstream(r *dns.Msg) (*dns.Msg, string, error) {
	for _, upstream := range s.upstreamDNS {
		resp, _, err := s.client.Exchange(r, upstream)
		if err == nil && resp != nil {
			return resp, upstream, nil
		}
		s.logger.Warn().
			Err(err).
			Str("upstream", upstream).
			Msg("Upstream DNS query failed, trying next")

		metrics.DNSUpstreamErrors.WithLabelValues(upstream).Inc()
	}
	return nil, "", fmt.Errorf("all upstream DNS servers failed")
}
