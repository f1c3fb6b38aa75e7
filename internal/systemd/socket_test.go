package systemd

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetListenersWithoutActivation(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	listeners, err := GetListeners(5353)
	require.NoError(t, err)
	assert.False(t, listeners.Activated)
	assert.Nil(t, listeners.HTTP)
	assert.Nil(t, listeners.DNSUdp)
}

func TestNotifyOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	assert.NoError(t, NotifyReady())
	assert.NoError(t, NotifyWatchdog())
	assert.NoError(t, NotifyStopping())
}

func TestRunWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")
	assert.NoError(t, RunWatchdog(context.Background(), quartz.NewMock(t), zerolog.Nop()))
}

func TestRunWatchdogPingsAtHalfInterval(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "4000000")
	t.Setenv("WATCHDOG_PID", strconv.Itoa(os.Getpid()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	trap := clock.Trap().TickerFunc("systemd", "watchdog")
	defer trap.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- RunWatchdog(runCtx, clock, zerolog.Nop()) }()

	call := trap.MustWait(ctx)
	assert.Equal(t, 2*time.Second, call.Duration)
	call.MustRelease(ctx)
	clock.Advance(2 * time.Second).MustWait(ctx)

	stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("watchdog did not stop")
	}
}
