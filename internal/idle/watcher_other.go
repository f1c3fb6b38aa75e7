//go:build !linux

package idle

import (
	"context"

	"github.com/rs/zerolog"
)

// Watcher is a no-op outside Linux
type Watcher struct{}

// NewWatcher creates a lock watcher feeding sink
func NewWatcher(Sink, zerolog.Logger) *Watcher {
	return &Watcher{}
}

// Run always returns ErrUnsupported.
func (w *Watcher) Run(context.Context) error {
	return ErrUnsupported
}
