package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kfocus/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultSweepInterval is how often open sessions are flushed to the ledger
	DefaultSweepInterval = time.Minute
)

// EventType is the kind of keepalive event.
type EventType string

const (
	EventStart EventType = "start"
	EventTick  EventType = "tick"
	EventStop  EventType = "stop"
)

// IdleState is the input-device state reported by the host.
type IdleState string

const (
	IdleActive IdleState = "active"
	IdleIdle   IdleState = "idle"
	IdleLocked IdleState = "locked"
)

// ParseIdleState validates an idle state name.
func ParseIdleState(raw string) (IdleState, error) {
	switch s := IdleState(strings.ToLower(strings.TrimSpace(raw))); s {
	case IdleActive, IdleIdle, IdleLocked:
		return s, nil
	default:
		return "", fmt.Errorf("invalid idle state %q (must be active, idle or locked)", raw)
	}
}

// Event is one inbound keepalive message for a tracked context.
type Event struct {
	Type      EventType
	Context   string
	Container string
	Domain    string
	Time      time.Time
}

// Session is the visible-time state of one browsing context.
type Session struct {
	Context   string    `json:"context"`
	Container string    `json:"container,omitempty"`
	Domain    string    `json:"domain"`
	StartedAt time.Time `json:"started_at"`
	LastEvent time.Time `json:"last_event"`
	Visible   bool      `json:"visible"`
}

// Crediter receives visible intervals.
type Crediter interface {
	Credit(ctx context.Context, domain string, start, end time.Time) error
}

// Config holds tracker configuration
type Config struct {
	SweepInterval time.Duration
	Clock         quartz.Clock
}

// Tracker turns keepalive events into ledger credits.
//
// State transitions happen under mu. Credits computed by a transition are
// written after mu is released; lastEvent has already advanced by then, so
// no interval can be credited twice.
type Tracker struct {
	ledger        Crediter
	filter        DomainFilter
	sessions      map[string]*Session // key: context id
	sweepInterval time.Duration
	clock         quartz.Clock
	logger        zerolog.Logger
	mu            sync.Mutex
}

type credit struct {
	domain     string
	start, end time.Time
}

// NewTracker creates a new session tracker
func NewTracker(ledger Crediter, filter DomainFilter, config Config, logger zerolog.Logger) *Tracker {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}

	return &Tracker{
		ledger:        ledger,
		filter:        filter,
		sessions:      make(map[string]*Session),
		sweepInterval: config.SweepInterval,
		clock:         config.Clock,
		logger:        logger.With().Str("component", "session-tracker").Logger(),
	}
}

// Handle dispatches a keepalive event. Events naming an untracked or empty
// domain are dropped before any state changes, except stop which always
// closes the context's session.
func (t *Tracker) Handle(ctx context.Context, ev Event) bool {
	if ev.Context == "" {
		return false
	}
	domain := strings.ToLower(strings.TrimSpace(ev.Domain))

	switch ev.Type {
	case EventStart:
		if !t.filter.IsTracked(domain) {
			return false
		}
		t.Start(ctx, ev.Context, ev.Container, domain, ev.Time)
	case EventTick:
		if !t.filter.IsTracked(domain) {
			return false
		}
		t.Tick(ctx, ev.Context, ev.Container, domain, ev.Time)
	case EventStop:
		t.Stop(ctx, ev.Context, ev.Time)
	default:
		return false
	}
	return true
}

// Start opens or refreshes the visible session for contextID.
func (t *Tracker) Start(ctx context.Context, contextID, container, domain string, at time.Time) {
	t.mu.Lock()
	t.startLocked(contextID, container, domain, at)
	t.mu.Unlock()
}

func (t *Tracker) startLocked(contextID, container, domain string, at time.Time) {
	if s, ok := t.sessions[contextID]; ok && s.Visible && s.Domain == domain {
		if at.After(s.LastEvent) {
			s.LastEvent = at
		}
		return
	}

	t.sessions[contextID] = &Session{
		Context:   contextID,
		Container: container,
		Domain:    domain,
		StartedAt: at,
		LastEvent: at,
		Visible:   true,
	}
	metrics.ActiveSessions.Set(float64(len(t.sessions)))

	t.logger.Debug().
		Str("context", contextID).
		Str("domain", domain).
		Msg("Started visible session")
}

// Tick credits time since the last event. A tick naming a different domain
// is a navigation: the old domain is credited up to at and the session
// switches without crediting the new domain.
func (t *Tracker) Tick(ctx context.Context, contextID, container, domain string, at time.Time) {
	t.mu.Lock()
	var pending []credit

	s, ok := t.sessions[contextID]
	switch {
	case !ok || !s.Visible:
		t.startLocked(contextID, container, domain, at)
	case s.Domain != domain:
		if at.After(s.LastEvent) {
			pending = append(pending, credit{s.Domain, s.LastEvent, at})
			s.LastEvent = at
		}
		t.logger.Debug().
			Str("context", contextID).
			Str("from", s.Domain).
			Str("to", domain).
			Msg("Session navigated")
		s.Domain = domain
	case at.After(s.LastEvent):
		pending = append(pending, credit{s.Domain, s.LastEvent, at})
		s.LastEvent = at
	}
	t.mu.Unlock()

	t.flush(ctx, pending)
}

// Stop credits the final interval and removes the session.
func (t *Tracker) Stop(ctx context.Context, contextID string, at time.Time) {
	t.mu.Lock()
	pending := t.stopLocked(contextID, at)
	t.mu.Unlock()

	t.flush(ctx, pending)
}

func (t *Tracker) stopLocked(contextID string, at time.Time) []credit {
	s, ok := t.sessions[contextID]
	if !ok {
		return nil
	}
	delete(t.sessions, contextID)
	metrics.ActiveSessions.Set(float64(len(t.sessions)))

	t.logger.Debug().
		Str("context", contextID).
		Str("domain", s.Domain).
		Dur("visible", at.Sub(s.StartedAt)).
		Msg("Stopped session")

	if s.Visible && !s.LastEvent.IsZero() && at.After(s.LastEvent) {
		return []credit{{s.Domain, s.LastEvent, at}}
	}
	return nil
}

// Sweep credits every visible session up to now.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) int {
	t.mu.Lock()
	var pending []credit
	for _, s := range t.sessions {
		if s.Visible && s.LastEvent.Before(now) {
			pending = append(pending, credit{s.Domain, s.LastEvent, now})
			s.LastEvent = now
		}
	}
	t.mu.Unlock()

	t.flush(ctx, pending)
	return len(pending)
}

// ContextRemoved stops the session of a closed context.
func (t *Tracker) ContextRemoved(ctx context.Context, contextID string) {
	metrics.SessionSignalsTotal.WithLabelValues("context-removed").Inc()
	t.Stop(ctx, contextID, t.clock.Now())
}

// ContainerRemoved stops every session opened in container. An empty
// container id matches all sessions.
func (t *Tracker) ContainerRemoved(ctx context.Context, container string) int {
	metrics.SessionSignalsTotal.WithLabelValues("container-removed").Inc()
	return t.stopWhere(ctx, func(s *Session) bool {
		return container == "" || s.Container == container
	})
}

// SetIdleState pauses accounting when the device locks. Plain idleness
// leaves sessions running.
func (t *Tracker) SetIdleState(ctx context.Context, state IdleState) int {
	metrics.SessionSignalsTotal.WithLabelValues("idle-" + string(state)).Inc()
	if state != IdleLocked {
		return 0
	}
	n := t.stopWhere(ctx, func(*Session) bool { return true })
	t.logger.Info().Int("sessions", n).Msg("Device locked, sessions stopped")
	return n
}

func (t *Tracker) stopWhere(ctx context.Context, match func(*Session) bool) int {
	now := t.clock.Now()

	t.mu.Lock()
	var pending []credit
	n := 0
	for id, s := range t.sessions {
		if !match(s) {
			continue
		}
		pending = append(pending, t.stopLocked(id, now)...)
		n++
	}
	t.mu.Unlock()

	t.flush(ctx, pending)
	return n
}

// Snapshot returns a copy of all sessions ordered by context id.
func (t *Tracker) Snapshot() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Context < out[j].Context })
	return out
}

// Run sweeps on every interval until ctx is cancelled, then flushes open
// sessions one last time.
func (t *Tracker) Run(ctx context.Context) error {
	t.logger.Info().Dur("interval", t.sweepInterval).Msg("Session sweep started")

	// Credits already taken from a session must still reach the ledger if
	// shutdown lands mid-sweep.
	creditCtx := context.WithoutCancel(ctx)
	err := t.clock.TickerFunc(ctx, t.sweepInterval, func() error {
		if n := t.Sweep(creditCtx, t.clock.Now()); n > 0 {
			t.logger.Debug().Int("sessions", n).Msg("Swept visible sessions")
		}
		return nil
	}, "usage", "sweep").Wait()

	t.Sweep(context.Background(), t.clock.Now())
	t.logger.Info().Msg("Session sweep stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (t *Tracker) flush(ctx context.Context, pending []credit) {
	for _, c := range pending {
		if err := t.ledger.Credit(ctx, c.domain, c.start, c.end); err != nil {
			t.logger.Warn().
				Err(err).
				Str("domain", c.domain).
				Time("start", c.start).
				Time("end", c.end).
				Msg("Credit lost")
		}
	}
}
