package settings

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ParseDomainList reads one entry per line. Blank lines and lines starting
// with '#' are skipped.
func ParseDomainList(r io.Reader) ([]string, error) {
	var list []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		list = append(list, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// ReloadDebounce is how long the domains file must stay quiet before it is
// read again. Editors often truncate and then rewrite in separate writes.
const ReloadDebounce = 250 * time.Millisecond

// FileWatcher keeps the stored custom domain list in step with a file.
type FileWatcher struct {
	path    string
	service *Service
	clock   quartz.Clock
	logger  zerolog.Logger
}

// NewFileWatcher creates a watcher for path
func NewFileWatcher(path string, service *Service, clock quartz.Clock, logger zerolog.Logger) *FileWatcher {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &FileWatcher{
		path:    filepath.Clean(path),
		service: service,
		clock:   clock,
		logger:  logger.With().Str("component", "domains-file").Str("path", path).Logger(),
	}
}

// Load reads the file and stores its entries as the custom list.
func (w *FileWatcher) Load(ctx context.Context) error {
	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("failed to open domains file: %w", err)
	}
	defer f.Close()

	list, err := ParseDomainList(f)
	if err != nil {
		return fmt.Errorf("failed to read domains file: %w", err)
	}

	stored, err := w.service.SetCustomDomains(ctx, list)
	if err != nil {
		return err
	}
	w.logger.Info().Int("domains", len(stored)).Msg("Loaded custom domains file")
	return nil
}

// Run loads the file and reloads it on every change until ctx ends. The
// parent directory is watched so editors that replace the file are seen.
func (w *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	if err := w.Load(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("Initial domains file load failed")
	}

	return w.watch(ctx, watcher.Events, watcher.Errors)
}

// watch reloads the file once writes to it have settled for ReloadDebounce.
func (w *FileWatcher) watch(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) error {
	pending := w.clock.NewTimer(ReloadDebounce, "settings", "debounce")
	pending.Stop("settings", "debounce")
	defer pending.Stop("settings", "debounce")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("File watcher error")
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending.Reset(ReloadDebounce, "settings", "debounce")
		case <-pending.C:
			if err := w.Load(ctx); err != nil {
				w.logger.Warn().Err(err).Msg("Domains file reload failed")
			}
		}
	}
}
