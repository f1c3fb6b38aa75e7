// Package settings persists configuration values in two scopes and tells
// subscribers when they change.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kfocus/internal/domains"
	"github.com/goodtune/kfocus/internal/storage"
	"github.com/rs/zerolog"
)

// Well-known keys. The window keys live in package policy.
const (
	KeyInstalledDate = "installedDate" // local, written once
	KeyCustomDomains = "customDomains" // sync
	KeyPin           = "pin"
	KeyAllowlist     = "allowlist"
	KeyRoster        = "roster"
	KeyTracklist     = "tracklist"
)

// DefaultTimeout bounds each storage call.
const DefaultTimeout = 5 * time.Second

// Change describes one written or deleted key.
type Change struct {
	Scope storage.Scope
	Key   string
}

// Listener is called after a change is stored, in subscription order.
type Listener func(ctx context.Context, change Change)

// Config holds settings service configuration
type Config struct {
	Timeout  time.Duration
	Location *time.Location // day key location for installedDate
	Clock    quartz.Clock
}

// Service reads and writes JSON values over a storage.SettingsStore
type Service struct {
	store   storage.SettingsStore
	timeout time.Duration
	loc     *time.Location
	clock   quartz.Clock
	logger  zerolog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// New creates a settings service
func New(store storage.SettingsStore, config Config, logger zerolog.Logger) *Service {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}
	return &Service{
		store:   store,
		timeout: config.Timeout,
		loc:     config.Location,
		clock:   config.Clock,
		logger:  logger.With().Str("component", "settings").Logger(),
	}
}

// Subscribe registers a listener for every subsequent change.
func (s *Service) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) notify(ctx context.Context, change Change) {
	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()

	s.logger.Debug().Str("scope", string(change.Scope)).Str("key", change.Key).Msg("Setting changed")
	for _, l := range listeners {
		l(ctx, change)
	}
}

// Get decodes the value stored under key into v. Missing keys return
// storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, scope storage.Scope, key string, v any) error {
	raw, err := s.GetRaw(ctx, scope, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", scope, key, err)
	}
	return nil
}

// GetRaw returns the stored JSON for key.
func (s *Service) GetRaw(ctx context.Context, scope storage.Scope, key string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.Get(ctx, scope, key)
}

// Set encodes v as JSON, stores it and notifies subscribers.
func (s *Service) Set(ctx context.Context, scope storage.Scope, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", scope, key, err)
	}
	return s.SetRaw(ctx, scope, key, raw)
}

// SetRaw stores already encoded JSON and notifies subscribers.
func (s *Service) SetRaw(ctx context.Context, scope storage.Scope, key string, raw json.RawMessage) error {
	if !json.Valid(raw) {
		return fmt.Errorf("value for %s/%s is not valid JSON", scope, key)
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.store.Set(storeCtx, scope, key, raw)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to store %s/%s: %w", scope, key, err)
	}
	s.notify(ctx, Change{Scope: scope, Key: key})
	return nil
}

// Delete removes key and notifies subscribers. Deleting a missing key
// returns storage.ErrNotFound without notifying.
func (s *Service) Delete(ctx context.Context, scope storage.Scope, key string) error {
	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.store.Delete(storeCtx, scope, key)
	cancel()
	if err != nil {
		return err
	}
	s.notify(ctx, Change{Scope: scope, Key: key})
	return nil
}

// List returns every value in scope.
func (s *Service) List(ctx context.Context, scope storage.Scope) (map[string]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	values, err := s.store.List(ctx, scope)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

// EnsureInstalledDate records today as the install day unless one is
// already stored, and returns the stored day.
func (s *Service) EnsureInstalledDate(ctx context.Context) (string, error) {
	today := s.clock.Now().In(s.loc).Format(storage.DateLayout)
	raw, err := json.Marshal(today)
	if err != nil {
		return "", err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	written, err := s.store.SetIfAbsent(storeCtx, storage.ScopeLocal, KeyInstalledDate, raw)
	cancel()
	if err != nil {
		return "", fmt.Errorf("failed to record install date: %w", err)
	}
	if written {
		s.logger.Info().Str("installed_date", today).Msg("Recorded install date")
		s.notify(ctx, Change{Scope: storage.ScopeLocal, Key: KeyInstalledDate})
		return today, nil
	}
	return s.InstalledDate(ctx)
}

// InstalledDate returns the recorded install day.
func (s *Service) InstalledDate(ctx context.Context) (string, error) {
	var date string
	if err := s.Get(ctx, storage.ScopeLocal, KeyInstalledDate, &date); err != nil {
		return "", err
	}
	return date, nil
}

// CustomDomains returns the stored custom list. A missing list is empty.
func (s *Service) CustomDomains(ctx context.Context) ([]string, error) {
	var list []string
	err := s.Get(ctx, storage.ScopeSync, KeyCustomDomains, &list)
	if errors.Is(err, storage.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return list, nil
}

// SetCustomDomains normalizes and stores the custom list, returning what
// was stored.
func (s *Service) SetCustomDomains(ctx context.Context, list []string) ([]string, error) {
	normalized := domains.NormalizeAll(list)
	if err := s.Set(ctx, storage.ScopeSync, KeyCustomDomains, normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}
