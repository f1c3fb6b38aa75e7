package keepalive

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/coder/websocket"
	"github.com/goodtune/kfocus/internal/metrics"
	"github.com/goodtune/kfocus/internal/usage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxMessageSize = 4096

// EventSink consumes decoded events. *usage.Tracker satisfies it.
type EventSink interface {
	Handle(ctx context.Context, ev usage.Event) bool
	Stop(ctx context.Context, contextID string, at time.Time)
}

// HandlerConfig holds handler configuration
type HandlerConfig struct {
	AllowedOrigins []string
	Clock          quartz.Clock
}

// Handler accepts keepalive channels over WebSocket. Each channel is one
// tracked context; closing it stops that context's session.
type Handler struct {
	sink    EventSink
	origins []string
	clock   quartz.Clock
	logger  zerolog.Logger

	mu          sync.Mutex
	conns       map[*websocket.Conn]string
	invalidated bool
	active      sync.WaitGroup
}

// NewHandler creates a keepalive handler
func NewHandler(sink EventSink, config HandlerConfig, logger zerolog.Logger) *Handler {
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}
	return &Handler{
		sink:    sink,
		origins: config.AllowedOrigins,
		clock:   config.Clock,
		logger:  logger.With().Str("component", "keepalive").Logger(),
		conns:   make(map[*websocket.Conn]string),
	}
}

// ServeHTTP upgrades the request and pumps events until the channel closes.
//
// Query parameters: context (generated when absent), container, and url,
// whose hostname stands in for events that omit a domain.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	invalidated := h.invalidated
	h.mu.Unlock()
	if invalidated {
		http.Error(w, "host invalidated", http.StatusGone)
		return
	}

	q := r.URL.Query()
	contextID := q.Get("context")
	if contextID == "" {
		contextID = uuid.NewString()
	}
	container := q.Get("container")
	fallbackDomain := HostOf(q.Get("url"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to accept keepalive channel")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	if !h.track(conn, contextID) {
		_ = conn.Close(StatusHostInvalidated, "host invalidated")
		return
	}
	defer h.untrack(conn)

	logger := h.logger.With().Str("context", contextID).Str("container", container).Logger()
	logger.Debug().Str("fallback_domain", fallbackDomain).Msg("Keepalive channel opened")

	err = h.pump(r.Context(), conn, contextID, container, fallbackDomain, logger)

	// A dropped channel is indistinguishable from an explicit stop.
	h.sink.Stop(context.WithoutCancel(r.Context()), contextID, h.clock.Now())

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		logger.Debug().Msg("Keepalive channel closed")
	case errors.Is(err, context.Canceled):
		logger.Debug().Msg("Keepalive channel cancelled")
	default:
		logger.Debug().Err(err).Msg("Keepalive channel dropped")
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) pump(ctx context.Context, conn *websocket.Conn, contextID, container, fallbackDomain string, logger zerolog.Logger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			metrics.KeepaliveEventsTotal.WithLabelValues("binary", "dropped").Inc()
			continue
		}

		ev, err := Decode(data, contextID, container, fallbackDomain, h.clock.Now())
		if err != nil {
			metrics.KeepaliveEventsTotal.WithLabelValues("unknown", "dropped").Inc()
			logger.Debug().Err(err).Msg("Dropping malformed keepalive message")
			continue
		}

		result := "accepted"
		if !h.sink.Handle(ctx, ev) {
			result = "dropped"
		}
		metrics.KeepaliveEventsTotal.WithLabelValues(string(ev.Type), result).Inc()
	}
}

func (h *Handler) track(conn *websocket.Conn, contextID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.invalidated {
		return false
	}
	h.conns[conn] = contextID
	h.active.Add(1)
	metrics.KeepaliveConnections.Set(float64(len(h.conns)))
	return true
}

func (h *Handler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	metrics.KeepaliveConnections.Set(float64(len(h.conns)))
	h.mu.Unlock()
	h.active.Done()
}

// Open returns the number of open channels.
func (h *Handler) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Invalidate closes every channel with StatusHostInvalidated and refuses
// new ones with 410 Gone. Agents treat either as terminal.
func (h *Handler) Invalidate() {
	h.mu.Lock()
	h.invalidated = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(StatusHostInvalidated, "host invalidated")
	}
	h.logger.Info().Int("channels", len(conns)).Msg("Keepalive host invalidated")
}

// Wait blocks until every channel accepted before Invalidate has finished,
// including its final stop, or ctx ends.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
