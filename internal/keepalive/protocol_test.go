package keepalive

import (
	"errors"
	"testing"
	"time"

	"github.com/goodtune/kfocus/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	now := time.UnixMilli(1714550400000)

	tests := []struct {
		name       string
		data       string
		wantErr    bool
		wantType   usage.EventType
		wantDomain string
		wantTime   time.Time
	}{
		{
			name:       "full start",
			data:       `{"type":"start","domain":"ChatGPT.com","timestamp":1714550415000}`,
			wantType:   usage.EventStart,
			wantDomain: "chatgpt.com",
			wantTime:   time.UnixMilli(1714550415000),
		},
		{
			name:       "missing timestamp uses now",
			data:       `{"type":"tick","domain":"claude.ai"}`,
			wantType:   usage.EventTick,
			wantDomain: "claude.ai",
			wantTime:   now,
		},
		{
			name:       "null timestamp uses now",
			data:       `{"type":"tick","domain":"claude.ai","timestamp":null}`,
			wantType:   usage.EventTick,
			wantDomain: "claude.ai",
			wantTime:   now,
		},
		{
			name:       "missing domain uses page host",
			data:       `{"type":"stop","timestamp":1714550415000}`,
			wantType:   usage.EventStop,
			wantDomain: "poe.com",
			wantTime:   time.UnixMilli(1714550415000),
		},
		{
			name:       "fractional milliseconds",
			data:       `{"type":"tick","domain":"pi.ai","timestamp":1714550415000.5}`,
			wantType:   usage.EventTick,
			wantDomain: "pi.ai",
			wantTime:   time.UnixMilli(1714550415000).Add(500 * time.Microsecond),
		},
		{name: "string timestamp", data: `{"type":"tick","domain":"pi.ai","timestamp":"soon"}`, wantErr: true},
		{
			name:       "timestamp within skew",
			data:       `{"type":"tick","domain":"pi.ai","timestamp":1714550460000}`,
			wantType:   usage.EventTick,
			wantDomain: "pi.ai",
			wantTime:   time.UnixMilli(1714550460000),
		},
		{name: "timestamp beyond skew", data: `{"type":"tick","domain":"pi.ai","timestamp":1714550460001}`, wantErr: true},
		{name: "far future timestamp", data: `{"type":"tick","domain":"pi.ai","timestamp":1e15}`, wantErr: true},
		{name: "negative timestamp", data: `{"type":"tick","domain":"pi.ai","timestamp":-5}`, wantErr: true},
		{name: "unknown type", data: `{"type":"pause","domain":"pi.ai"}`, wantErr: true},
		{name: "missing type", data: `{"domain":"pi.ai"}`, wantErr: true},
		{name: "not json", data: `tick`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.data), "tab-1", "win-1", "poe.com", now)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, tt.wantDomain, ev.Domain)
			assert.WithinDuration(t, tt.wantTime, ev.Time, time.Microsecond)
			assert.Equal(t, "tab-1", ev.Context)
			assert.Equal(t, "win-1", ev.Container)
		})
	}
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "chatgpt.com", HostOf("https://ChatGPT.com/c/123?x=1"))
	assert.Equal(t, "localhost", HostOf("http://localhost:8080/"))
	assert.Equal(t, "", HostOf("chrome://extensions"))
	assert.Equal(t, "", HostOf(""))
}

func TestNewMessageRoundTrip(t *testing.T) {
	at := time.UnixMilli(1714550415123)
	msg := NewMessage(usage.EventTick, "claude.ai", at)
	assert.Equal(t, "1714550415123", string(msg.Timestamp))
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 500 * time.Millisecond},
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{6, 10 * time.Second},
		{100, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt), "attempt %d", tt.attempt)
	}

	custom := BackoffPolicy{Initial: time.Second, Max: 3 * time.Second}
	assert.Equal(t, time.Second, custom.Delay(0))
	assert.Equal(t, 2*time.Second, custom.Delay(1))
	assert.Equal(t, 3*time.Second, custom.Delay(2))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
