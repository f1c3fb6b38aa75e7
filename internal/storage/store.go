package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Usage() UsageStore
	Settings() SettingsStore
}

// UsageStore manages per-day, per-domain visible-time counters.
//
// IncrementDailyUsage must be merge-safe: concurrent increments against the
// same day and domain are summed, never overwritten.
type UsageStore interface {
	IncrementDailyUsage(ctx context.Context, date string, domain string, seconds int64) error
	GetDailyUsage(ctx context.Context, date string, domain string) (*DailyUsage, error)
	ListDailyUsage(ctx context.Context, date string) ([]DailyUsage, error)
	ListDates(ctx context.Context) ([]string, error)
	DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error)
}

// SettingsStore is a two-scope key/value store for persisted configuration.
// Values are opaque bytes; callers own the encoding.
type SettingsStore interface {
	Get(ctx context.Context, scope Scope, key string) ([]byte, error)
	Set(ctx context.Context, scope Scope, key string, value []byte) error
	// SetIfAbsent writes value only when key is missing and reports whether
	// it did.
	SetIfAbsent(ctx context.Context, scope Scope, key string, value []byte) (bool, error)
	Delete(ctx context.Context, scope Scope, key string) error
	List(ctx context.Context, scope Scope) (map[string][]byte, error)
}
