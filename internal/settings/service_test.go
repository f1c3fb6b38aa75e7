package settings

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/fsnotify/fsnotify"
	"github.com/goodtune/kfocus/internal/config"
	"github.com/goodtune/kfocus/internal/storage"
	"github.com/goodtune/kfocus/internal/storage/bolt"
	"github.com/goodtune/kfocus/internal/storage/redis"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBolt(t *testing.T) storage.Store {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "kfocus.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func openRedis(t *testing.T) storage.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newService(t *testing.T, store storage.Store, clock quartz.Clock) *Service {
	t.Helper()
	return New(store.Settings(), Config{Location: time.UTC, Clock: clock}, zerolog.Nop())
}

func TestServiceBackends(t *testing.T) {
	backends := map[string]func(*testing.T) storage.Store{
		"bolt":  openBolt,
		"redis": openRedis,
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			clock := quartz.NewMock(t)
			clock.Set(time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC)).MustWait(ctx)
			svc := newService(t, open(t), clock)

			_, err := svc.InstalledDate(ctx)
			assert.ErrorIs(t, err, storage.ErrNotFound)

			date, err := svc.EnsureInstalledDate(ctx)
			require.NoError(t, err)
			assert.Equal(t, "2024-05-01", date)

			// Written once: a later startup keeps the original day.
			clock.Advance(72 * time.Hour).MustWait(ctx)
			date, err = svc.EnsureInstalledDate(ctx)
			require.NoError(t, err)
			assert.Equal(t, "2024-05-01", date)

			list, err := svc.CustomDomains(ctx)
			require.NoError(t, err)
			assert.Empty(t, list)

			stored, err := svc.SetCustomDomains(ctx, []string{"https://Writer.Example.com/app", "notes.example.org", "NOTES.example.org"})
			require.NoError(t, err)
			assert.Equal(t, []string{"writer.example.com", "notes.example.org"}, stored)

			list, err = svc.CustomDomains(ctx)
			require.NoError(t, err)
			assert.Equal(t, stored, list)

			require.NoError(t, svc.SetRaw(ctx, storage.ScopeSync, KeyAllowlist, json.RawMessage(`["docs.example.com"]`)))
			values, err := svc.List(ctx, storage.ScopeSync)
			require.NoError(t, err)
			assert.JSONEq(t, `["docs.example.com"]`, string(values[KeyAllowlist]))
			assert.Contains(t, values, KeyCustomDomains)

			require.NoError(t, svc.Delete(ctx, storage.ScopeSync, KeyAllowlist))
			assert.ErrorIs(t, svc.Delete(ctx, storage.ScopeSync, KeyAllowlist), storage.ErrNotFound)
		})
	}
}

func TestServiceNotifiesInOrder(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, openBolt(t), quartz.NewMock(t))

	var (
		mu    sync.Mutex
		calls []string
	)
	record := func(name string) Listener {
		return func(_ context.Context, c Change) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name+":"+string(c.Scope)+"/"+c.Key)
		}
	}
	svc.Subscribe(record("first"))
	svc.Subscribe(record("second"))

	require.NoError(t, svc.Set(ctx, storage.ScopeSync, "focusUntil", int64(1715331600000)))
	assert.Equal(t, []string{"first:sync/focusUntil", "second:sync/focusUntil"}, calls)

	var until int64
	require.NoError(t, svc.Get(ctx, storage.ScopeSync, "focusUntil", &until))
	assert.Equal(t, int64(1715331600000), until)

	// Failed writes and missing deletes do not notify.
	assert.Error(t, svc.SetRaw(ctx, storage.ScopeSync, KeyPin, json.RawMessage(`{not json`)))
	assert.Error(t, svc.Delete(ctx, storage.ScopeLocal, KeyPin))
	assert.Len(t, calls, 2)
}

func TestParseDomainList(t *testing.T) {
	list, err := ParseDomainList(strings.NewReader("# extra\nwriter.example.com\n\n  https://notes.example.org/  \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"writer.example.com", "https://notes.example.org/"}, list)
}

func TestFileWatcherReloads(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := newService(t, openBolt(t), quartz.NewMock(t))
	path := filepath.Join(t.TempDir(), "custom_domains.txt")
	require.NoError(t, os.WriteFile(path, []byte("writer.example.com\n"), 0o644))

	changed := make(chan struct{}, 8)
	svc.Subscribe(func(context.Context, Change) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	w := NewFileWatcher(path, svc, quartz.NewReal(), zerolog.Nop())
	go func() { done <- w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		list, err := svc.CustomDomains(ctx)
		return err == nil && len(list) == 1 && list[0] == "writer.example.com"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("writer.example.com\nhttps://Notes.example.org/\n"), 0o644))
	require.Eventually(t, func() bool {
		list, err := svc.CustomDomains(ctx)
		return err == nil && len(list) == 2 && list[1] == "notes.example.org"
	}, 5*time.Second, 20*time.Millisecond)

	stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("watcher did not stop")
	}
	assert.NotEmpty(t, changed)
}

func TestFileWatcherLoadMissingFile(t *testing.T) {
	svc := newService(t, openBolt(t), quartz.NewMock(t))
	w := NewFileWatcher(filepath.Join(t.TempDir(), "absent.txt"), svc, quartz.NewMock(t), zerolog.Nop())
	assert.Error(t, w.Load(context.Background()))
}

// A truncate followed by a rewrite reloads once, after the writes settle.
func TestFileWatcherDebouncesWrites(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clock := quartz.NewMock(t)
	svc := newService(t, openBolt(t), clock)
	path := filepath.Join(t.TempDir(), "custom_domains.txt")

	var (
		mu    sync.Mutex
		loads int
	)
	svc.Subscribe(func(_ context.Context, c Change) {
		if c.Key == KeyCustomDomains {
			mu.Lock()
			loads++
			mu.Unlock()
		}
	})

	reset := clock.Trap().TimerReset("settings", "debounce")
	defer reset.Close()

	events := make(chan fsnotify.Event)
	errs := make(chan error)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	w := NewFileWatcher(path, svc, clock, zerolog.Nop())
	go func() { done <- w.watch(runCtx, events, errs) }()

	write := func(content string) {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		events <- fsnotify.Event{Name: path, Op: fsnotify.Write}
		reset.MustWait(ctx).MustRelease(ctx)
	}
	write("")
	clock.Advance(ReloadDebounce / 2).MustWait(ctx)
	write("writer.example.com\nnotes.example.org\n")

	// Unrelated files never arm the timer.
	events <- fsnotify.Event{Name: filepath.Join(filepath.Dir(path), "other.txt"), Op: fsnotify.Write}

	list, err := svc.CustomDomains(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	clock.Advance(ReloadDebounce / 2).MustWait(ctx)
	list, err = svc.CustomDomains(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	clock.Advance(ReloadDebounce / 2).MustWait(ctx)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return loads == 1
	}, 5*time.Second, 10*time.Millisecond)
	list, err = svc.CustomDomains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"writer.example.com", "notes.example.org"}, list)

	stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("watcher did not stop")
	}
}
