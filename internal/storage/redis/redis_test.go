package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/kfocus/internal/config"
	"github.com/goodtune/kfocus/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestUsageStore_IncrementAndGet(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.Usage()

	for _, secs := range []int64{15, 45, 60} {
		if err := usage.IncrementDailyUsage(ctx, "2024-01-02", "chatgpt.com", secs); err != nil {
			t.Fatalf("IncrementDailyUsage failed: %v", err)
		}
	}

	got, err := usage.GetDailyUsage(ctx, "2024-01-02", "chatgpt.com")
	if err != nil {
		t.Fatalf("GetDailyUsage failed: %v", err)
	}
	if got.TotalSeconds != 120 {
		t.Errorf("Expected 120 seconds, got %d", got.TotalSeconds)
	}

	if _, err := usage.GetDailyUsage(ctx, "2024-01-02", "claude.ai"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUsageStore_RejectsBadDate(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	if err := store.Usage().IncrementDailyUsage(context.Background(), "yesterday", "chatgpt.com", 10); err == nil {
		t.Error("Expected error for malformed date")
	}
}

func TestUsageStore_ListAndPrune(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	usage := store.Usage()

	seed := []storage.DailyUsage{
		{Date: "2024-01-01", Domain: "chatgpt.com", TotalSeconds: 10},
		{Date: "2024-01-01", Domain: "claude.ai", TotalSeconds: 20},
		{Date: "2024-01-02", Domain: "chatgpt.com", TotalSeconds: 30},
		{Date: "2024-01-03", Domain: "poe.com", TotalSeconds: 40},
	}
	for _, u := range seed {
		if err := usage.IncrementDailyUsage(ctx, u.Date, u.Domain, u.TotalSeconds); err != nil {
			t.Fatalf("IncrementDailyUsage failed: %v", err)
		}
	}

	day, err := usage.ListDailyUsage(ctx, "2024-01-01")
	if err != nil {
		t.Fatalf("ListDailyUsage failed: %v", err)
	}
	if len(day) != 2 || day[0].Domain != "chatgpt.com" || day[1].Domain != "claude.ai" {
		t.Fatalf("Unexpected day listing: %+v", day)
	}

	dates, err := usage.ListDates(ctx)
	if err != nil {
		t.Fatalf("ListDates failed: %v", err)
	}
	if len(dates) != 3 || dates[0] != "2024-01-01" {
		t.Fatalf("Unexpected dates: %v", dates)
	}

	deleted, err := usage.DeleteDailyUsageBefore(ctx, "2024-01-03")
	if err != nil {
		t.Fatalf("DeleteDailyUsageBefore failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("Expected 3 counters deleted, got %d", deleted)
	}

	dates, _ = usage.ListDates(ctx)
	if len(dates) != 1 || dates[0] != "2024-01-03" {
		t.Errorf("Expected only 2024-01-03 to remain, got %v", dates)
	}
}

func TestSettingsStore(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	settings := store.Settings()

	if _, err := settings.Get(ctx, storage.ScopeSync, "focusUntil"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	if err := settings.Set(ctx, storage.ScopeSync, "focusUntil", []byte("1700000000000")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := settings.Get(ctx, storage.ScopeSync, "focusUntil")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "1700000000000" {
		t.Errorf("Expected stored value, got %q", got)
	}

	// Scopes are independent
	if _, err := settings.Get(ctx, storage.ScopeLocal, "focusUntil"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected local scope to be empty, got %v", err)
	}

	wrote, err := settings.SetIfAbsent(ctx, storage.ScopeLocal, "installedDate", []byte(`"2024-01-01"`))
	if err != nil || !wrote {
		t.Fatalf("SetIfAbsent first write: wrote=%v err=%v", wrote, err)
	}
	wrote, err = settings.SetIfAbsent(ctx, storage.ScopeLocal, "installedDate", []byte(`"2024-02-01"`))
	if err != nil || wrote {
		t.Fatalf("SetIfAbsent second write: wrote=%v err=%v", wrote, err)
	}
	got, _ = settings.Get(ctx, storage.ScopeLocal, "installedDate")
	if string(got) != `"2024-01-01"` {
		t.Errorf("Expected installedDate to be unchanged, got %s", got)
	}

	all, err := settings.List(ctx, storage.ScopeSync)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Expected 1 sync key, got %d", len(all))
	}

	if err := settings.Delete(ctx, storage.ScopeSync, "focusUntil"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := settings.Delete(ctx, storage.ScopeSync, "focusUntil"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}
