package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Keepalive channel metrics
	KeepaliveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kfocus_keepalive_connections",
			Help: "Number of open keepalive channels",
		},
	)

	KeepaliveEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfocus_keepalive_events_total",
			Help: "Keepalive events received, by type and outcome",
		},
		[]string{"type", "result"},
	)

	// Session metrics
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kfocus_active_sessions",
			Help: "Number of visible sessions held by the tracker",
		},
	)

	SessionSignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfocus_session_signals_total",
			Help: "External signals applied to the session tracker",
		},
		[]string{"signal"},
	)

	// Usage metrics
	UsageSecondsCredited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfocus_usage_seconds_credited_total",
			Help: "Visible seconds credited to the usage ledger",
		},
		[]string{"domain"},
	)

	UsageCreditFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kfocus_usage_credit_failures_total",
			Help: "Ledger credits lost to storage errors",
		},
	)

	// Enforcement metrics
	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfocus_reconcile_total",
			Help: "Rule surface reconciliations, by result",
		},
		[]string{"result"},
	)

	DynamicRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kfocus_dynamic_rules",
			Help: "Number of materialized dynamic block rules",
		},
	)

	EnforcementActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kfocus_enforcement_active",
			Help: "1 while a focus or class window is active",
		},
	)

	// DNS metrics
	DNSQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfocus_dns_queries_total",
			Help: "Total DNS queries received",
		},
		[]string{"action", "query_type"},
	)

	DNSQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kfocus_dns_query_duration_seconds",
			Help:    "DNS query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"action"},
	)

	DNSUpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfocus_dns_upstream_errors_total",
			Help: "DNS upstream query errors",
		},
		[]string{"upstream"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		KeepaliveConnections,
		KeepaliveEventsTotal,
		ActiveSessions,
		SessionSignalsTotal,
		UsageSecondsCredited,
		UsageCreditFailures,
		ReconcileTotal,
		DynamicRules,
		EnforcementActive,
		DNSQueriesTotal,
		DNSQueryDuration,
		DNSUpstreamErrors,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
