package keepalive

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startAgent(t *testing.T, ctx context.Context, a *Agent) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, ctx context.Context, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		t.Fatal("agent did not return")
		return nil
	}
}

func TestAgentTicksWhileVisible(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)

	agent, err := NewAgent(AgentConfig{
		ServerURL: h.wsURL,
		PageURL:   "https://chatgpt.com/c/42",
		Context:   "tab-1",
		Clock:     h.clock,
	}, zerolog.Nop())
	require.NoError(t, err)

	tickTrap := h.clock.Trap().NewTicker("keepalive", "tick")
	defer tickTrap.Close()

	runCtx, unload := context.WithCancel(ctx)
	done := startAgent(t, runCtx, agent)
	tickTrap.MustWait(ctx).MustRelease(ctx)

	require.Eventually(t, func() bool {
		return len(h.tracker.Snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, agent.State())
	assert.Equal(t, "chatgpt.com", h.tracker.Snapshot()[0].Domain)

	h.clock.Advance(DefaultTickInterval).MustWait(ctx)
	require.Eventually(t, func() bool {
		return h.ledger.total("chatgpt.com") == DefaultTickInterval
	}, 5*time.Second, 10*time.Millisecond)

	// Hidden: a stop closes the session but the channel stays up.
	agent.SetVisible(false)
	require.Eventually(t, func() bool {
		return len(h.tracker.Snapshot()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.handler.Open())

	agent.SetVisible(true)
	require.Eventually(t, func() bool {
		return len(h.tracker.Snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	unload()
	require.NoError(t, waitDone(t, ctx, done))
	require.Eventually(t, func() bool {
		return len(h.tracker.Snapshot()) == 0 && h.handler.Open() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAgentReconnectsWithBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)

	var failures atomic.Int32
	failures.Store(2)
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures.Add(-1) >= 0 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		h.handler.ServeHTTP(w, r)
	}))
	defer flaky.Close()

	agent, err := NewAgent(AgentConfig{
		ServerURL: "ws" + strings.TrimPrefix(flaky.URL, "http"),
		PageURL:   "https://claude.ai/",
		Clock:     h.clock,
	}, zerolog.Nop())
	require.NoError(t, err)

	backoffTrap := h.clock.Trap().NewTimer("keepalive", "backoff")
	defer backoffTrap.Close()
	tickTrap := h.clock.Trap().NewTicker("keepalive", "tick")
	defer tickTrap.Close()

	runCtx, unload := context.WithCancel(ctx)
	done := startAgent(t, runCtx, agent)

	call := backoffTrap.MustWait(ctx)
	assert.Equal(t, 500*time.Millisecond, call.Duration)
	call.MustRelease(ctx)
	assert.Equal(t, StateDisconnected, agent.State())
	h.clock.Advance(500 * time.Millisecond).MustWait(ctx)

	call = backoffTrap.MustWait(ctx)
	assert.Equal(t, time.Second, call.Duration)
	call.MustRelease(ctx)
	h.clock.Advance(time.Second).MustWait(ctx)

	tickTrap.MustWait(ctx).MustRelease(ctx)
	require.Eventually(t, func() bool {
		return agent.State() == StateConnected && len(h.tracker.Snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	unload()
	require.NoError(t, waitDone(t, ctx, done))
}

func TestAgentStopsOnHostInvalidated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)

	agent, err := NewAgent(AgentConfig{
		ServerURL: h.wsURL,
		PageURL:   "https://poe.com/",
		Clock:     h.clock,
	}, zerolog.Nop())
	require.NoError(t, err)

	tickTrap := h.clock.Trap().NewTicker("keepalive", "tick")
	defer tickTrap.Close()

	done := startAgent(t, ctx, agent)
	tickTrap.MustWait(ctx).MustRelease(ctx)
	require.Eventually(t, func() bool { return h.handler.Open() == 1 }, 5*time.Second, 10*time.Millisecond)

	h.handler.Invalidate()

	err = waitDone(t, ctx, done)
	assert.True(t, errors.Is(err, ErrHostInvalidated))
	assert.Equal(t, StateStopped, agent.State())

	// Terminal: running again does not reconnect.
	assert.ErrorIs(t, agent.Run(ctx), ErrHostInvalidated)
}

func TestAgentRefusedWithGoneIsTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)
	h.handler.Invalidate()

	agent, err := NewAgent(AgentConfig{
		ServerURL: h.wsURL,
		PageURL:   "https://pi.ai/",
		Clock:     h.clock,
	}, zerolog.Nop())
	require.NoError(t, err)

	assert.ErrorIs(t, agent.Run(ctx), ErrHostInvalidated)
	assert.Equal(t, StateStopped, agent.State())
}

func TestNewAgentRejectsNonHTTPPage(t *testing.T) {
	_, err := NewAgent(AgentConfig{ServerURL: "ws://localhost/keepalive", PageURL: "file:///tmp/x"}, zerolog.Nop())
	assert.Error(t, err)
}
