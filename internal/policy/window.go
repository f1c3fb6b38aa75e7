// Package policy tracks the timed restriction windows that switch
// enforcement on and off.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kfocus/internal/storage"
	"github.com/rs/zerolog"
)

// Settings keys holding window expiries, epoch milliseconds in the sync scope.
const (
	KeyFocusUntil = "focusUntil"
	KeyClassUntil = "classUntil"
)

// DefaultWindowLength is used when a window is started without a length.
const DefaultWindowLength = 25 * time.Minute

// Kind names one of the two independent windows.
type Kind string

const (
	KindFocus Kind = "focus"
	KindClass Kind = "class"
)

// Kinds lists every window kind.
var Kinds = []Kind{KindFocus, KindClass}

// ParseKind parses a window kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindFocus, KindClass:
		return k, nil
	default:
		return "", fmt.Errorf("unknown window kind %q (must be focus or class)", s)
	}
}

func (k Kind) key() string {
	if k == KindClass {
		return KeyClassUntil
	}
	return KeyFocusUntil
}

// Window is the persisted pair of expiry timestamps. Zero means unset.
type Window struct {
	FocusUntil int64 `json:"focus_until"`
	ClassUntil int64 `json:"class_until"`
}

// IsActive reports whether either window is still running at now.
func (w Window) IsActive(now time.Time) bool {
	ms := now.UnixMilli()
	return (w.FocusUntil > 0 && ms < w.FocusUntil) || (w.ClassUntil > 0 && ms < w.ClassUntil)
}

// Until returns the expiry of one window.
func (w Window) Until(kind Kind) int64 {
	if kind == KindClass {
		return w.ClassUntil
	}
	return w.FocusUntil
}

// Remaining returns how long enforcement stays on from now, across both
// windows.
func (w Window) Remaining(now time.Time) time.Duration {
	ms := now.UnixMilli()
	latest := max(w.FocusUntil, w.ClassUntil)
	if latest <= ms {
		return 0
	}
	return time.Duration(latest-ms) * time.Millisecond
}

// ParseExpiry decodes a stored expiry. It must be a non-negative integer of
// epoch milliseconds; null reads as unset.
func ParseExpiry(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return 0, fmt.Errorf("expiry must be an integer of epoch milliseconds: %s", raw)
	}
	until, err := n.Int64()
	if err != nil || until < 0 {
		return 0, fmt.Errorf("expiry must be an integer of epoch milliseconds: %s", raw)
	}
	return until, nil
}

// Store is the settings access the window needs. *settings.Service
// satisfies it; values are JSON encoded.
type Store interface {
	Get(ctx context.Context, scope storage.Scope, key string, v any) error
	Set(ctx context.Context, scope storage.Scope, key string, v any) error
}

// Manager reads and writes the persisted window.
type Manager struct {
	store  Store
	clock  quartz.Clock
	logger zerolog.Logger
}

// NewManager creates a window manager
func NewManager(store Store, clock quartz.Clock, logger zerolog.Logger) *Manager {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Manager{
		store:  store,
		clock:  clock,
		logger: logger.With().Str("component", "policy-window").Logger(),
	}
}

// Window loads the current window. Missing keys read as unset. A value that
// is not an integer expiry is logged and also reads as unset; only storage
// failures are returned.
func (m *Manager) Window(ctx context.Context) (Window, error) {
	var w Window
	for _, kind := range Kinds {
		var raw json.RawMessage
		err := m.store.Get(ctx, storage.ScopeSync, kind.key(), &raw)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Window{}, fmt.Errorf("failed to load %s window: %w", kind, err)
		}
		until, perr := ParseExpiry(raw)
		if perr != nil {
			m.logger.Warn().Err(perr).Str("window", string(kind)).Msg("Ignoring malformed window expiry")
			until = 0
		}
		if kind == KindClass {
			w.ClassUntil = until
		} else {
			w.FocusUntil = until
		}
	}
	return w, nil
}

// IsActive loads the window and evaluates it at the current time.
func (m *Manager) IsActive(ctx context.Context) (bool, error) {
	w, err := m.Window(ctx)
	if err != nil {
		return false, err
	}
	return w.IsActive(m.clock.Now()), nil
}

// Start runs a window of the given kind for d from now, replacing any
// previous expiry of that kind.
func (m *Manager) Start(ctx context.Context, kind Kind, d time.Duration) (Window, error) {
	if d <= 0 {
		return Window{}, fmt.Errorf("window length must be positive, got %s", d)
	}
	until := m.clock.Now().Add(d).UnixMilli()
	if err := m.store.Set(ctx, storage.ScopeSync, kind.key(), until); err != nil {
		return Window{}, fmt.Errorf("failed to start %s window: %w", kind, err)
	}
	return m.Window(ctx)
}

// Reset clears a window of the given kind.
func (m *Manager) Reset(ctx context.Context, kind Kind) (Window, error) {
	if err := m.store.Set(ctx, storage.ScopeSync, kind.key(), int64(0)); err != nil {
		return Window{}, fmt.Errorf("failed to reset %s window: %w", kind, err)
	}
	return m.Window(ctx)
}

// IsWindowKey reports whether a settings key belongs to the window.
func IsWindowKey(key string) bool {
	return key == KeyFocusUntil || key == KeyClassUntil
}
