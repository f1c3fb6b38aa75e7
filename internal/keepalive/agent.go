package keepalive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/coder/websocket"
	"github.com/goodtune/kfocus/internal/usage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultTickInterval   = 15 * time.Second
	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
)

// ErrHostInvalidated is returned by Agent.Run once the server has
// invalidated the host. The agent never reconnects after it.
var ErrHostInvalidated = errors.New("keepalive: host invalidated")

// State is the agent's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// BackoffPolicy is exponential backoff with a cap.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	initial, max := p.Initial, p.Max
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if max < initial {
		max = initial
	}
	if attempt < 0 {
		attempt = 0
	}
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// Backoff is the default policy: 500ms doubling up to 10s.
func Backoff(attempt int) time.Duration {
	return BackoffPolicy{Initial: DefaultBackoffInitial, Max: DefaultBackoffMax}.Delay(attempt)
}

// AgentConfig holds counting agent configuration
type AgentConfig struct {
	ServerURL    string // ws:// or wss:// keepalive endpoint
	PageURL      string // page being counted; its hostname is the domain
	Context      string // generated when empty
	Container    string
	TickInterval time.Duration
	Backoff      BackoffPolicy
	Clock        quartz.Clock
	HTTPClient   *http.Client
}

// Agent is a Go rendition of the in-page counting agent. It ticks while
// visible and reconnects with backoff only while visible.
type Agent struct {
	cfg    AgentConfig
	domain string
	dial   string
	clock  quartz.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	state   State
	visible bool
	attempt int
	wake    chan struct{}
}

// NewAgent creates a counting agent that starts out visible.
func NewAgent(config AgentConfig, logger zerolog.Logger) (*Agent, error) {
	domain := HostOf(config.PageURL)
	if domain == "" {
		return nil, fmt.Errorf("page url must be http(s): %q", config.PageURL)
	}
	server, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if config.Context == "" {
		config.Context = uuid.NewString()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}

	q := server.Query()
	q.Set("context", config.Context)
	q.Set("url", config.PageURL)
	if config.Container != "" {
		q.Set("container", config.Container)
	}
	server.RawQuery = q.Encode()

	return &Agent{
		cfg:     config,
		domain:  domain,
		dial:    server.String(),
		clock:   config.Clock,
		logger:  logger.With().Str("component", "keepalive-agent").Str("context", config.Context).Logger(),
		state:   StateDisconnected,
		visible: true,
		wake:    make(chan struct{}, 1),
	}, nil
}

// State returns the current connection state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Context returns the tracked context id.
func (a *Agent) Context() string { return a.cfg.Context }

// SetVisible reports a page visibility change.
func (a *Agent) SetVisible(visible bool) {
	a.mu.Lock()
	a.visible = visible
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) isVisible() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visible
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateStopped {
		return
	}
	a.state = s
}

// Run drives the agent until ctx is cancelled (page unload) or the host is
// invalidated.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if a.State() == StateStopped {
			return ErrHostInvalidated
		}

		if !a.isVisible() {
			select {
			case <-ctx.Done():
				return nil
			case <-a.wake:
				continue
			}
		}

		a.setState(StateConnecting)
		conn, err := a.connect(ctx)
		switch {
		case errors.Is(err, ErrHostInvalidated):
			a.stop()
			return ErrHostInvalidated
		case ctx.Err() != nil:
			a.setState(StateDisconnected)
			return nil
		case err != nil:
			a.setState(StateDisconnected)
			if !a.waitBackoff(ctx, err) {
				return nil
			}
			continue
		}

		a.mu.Lock()
		a.attempt = 0
		a.mu.Unlock()
		a.setState(StateConnected)

		err = a.session(ctx, conn)
		if errors.Is(err, ErrHostInvalidated) {
			a.stop()
			return ErrHostInvalidated
		}
		a.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		if !a.waitBackoff(ctx, err) {
			return nil
		}
	}
}

func (a *Agent) stop() {
	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()
	a.logger.Warn().Msg("Host invalidated, not reconnecting")
}

func (a *Agent) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := websocket.Dial(ctx, a.dial, &websocket.DialOptions{HTTPClient: a.cfg.HTTPClient})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusGone {
			return nil, ErrHostInvalidated
		}
		return nil, err
	}
	return conn, nil
}

// waitBackoff sleeps before the next attempt. It returns early when the page
// goes hidden and false when ctx ends.
func (a *Agent) waitBackoff(ctx context.Context, cause error) bool {
	a.mu.Lock()
	delay := a.cfg.Backoff.Delay(a.attempt)
	a.attempt++
	a.mu.Unlock()

	a.logger.Debug().Err(cause).Dur("delay", delay).Msg("Keepalive channel down, reconnecting")

	timer := a.clock.NewTimer(delay, "keepalive", "backoff")
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-a.wake:
			if !a.isVisible() {
				return true
			}
		}
	}
}

// session runs one connected channel. It returns when the channel drops,
// ctx ends, or the server invalidates the host.
func (a *Agent) session(ctx context.Context, conn *websocket.Conn) error {
	// The reader outlives ctx so the final stop can still be written.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				readErr <- err
				return
			}
		}
	}()
	closeConn := func(status websocket.StatusCode, reason string) {
		_ = conn.Close(status, reason)
		<-readErr
	}

	ticker := a.clock.NewTicker(a.cfg.TickInterval, "keepalive", "tick")
	defer ticker.Stop()

	visible := a.isVisible()
	if visible {
		if err := a.send(ctx, conn, usage.EventStart); err != nil {
			closeConn(websocket.StatusInternalError, "send failed")
			return err
		}
	} else {
		ticker.Stop()
	}

	for {
		var err error
		select {
		case <-ctx.Done():
			// Page unload: a final stop on a fresh context, then close.
			sendCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = a.send(sendCtx, conn, usage.EventStop)
			cancel()
			closeConn(websocket.StatusNormalClosure, "page unload")
			return ctx.Err()

		case err := <-readErr:
			if websocket.CloseStatus(err) == StatusHostInvalidated {
				return ErrHostInvalidated
			}
			return err

		case <-ticker.C:
			err = a.send(ctx, conn, usage.EventTick)

		case <-a.wake:
			now := a.isVisible()
			if now == visible {
				continue
			}
			visible = now
			if visible {
				ticker.Reset(a.cfg.TickInterval, "keepalive", "tick")
				err = a.send(ctx, conn, usage.EventStart)
			} else {
				ticker.Stop()
				err = a.send(ctx, conn, usage.EventStop)
			}
		}
		if err != nil {
			closeConn(websocket.StatusInternalError, "send failed")
			return err
		}
	}
}

func (a *Agent) send(ctx context.Context, conn *websocket.Conn, typ usage.EventType) error {
	data, err := json.Marshal(NewMessage(typ, a.domain, a.clock.Now()))
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	a.logger.Debug().Str("type", string(typ)).Msg("Sent keepalive event")
	return nil
}
