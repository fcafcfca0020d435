package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces editor save bursts into one reload.
const DefaultDebounce = 500 * time.Millisecond

// CatalogWatcher re-parses a catalog file whenever it changes.
type CatalogWatcher struct {
	path     string
	parser   *CatalogParser
	debounce time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewCatalogWatcher creates a watcher for the catalog at path.
func NewCatalogWatcher(path string, debounce time.Duration, logger zerolog.Logger) *CatalogWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &CatalogWatcher{
		path:     filepath.Clean(path),
		parser:   NewCatalogParser(),
		debounce: debounce,
		logger:   logger.With().Str("component", "catalog-watcher").Logger(),
	}
}

// Watch starts watching and calls onChange with every re-parsed catalog until ctx is
// done. The parent directory is watched so editors that replace the file by rename
// are still seen.
func (w *CatalogWatcher) Watch(ctx context.Context, onChange func(*Catalog)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	go w.processEvents(ctx, watcher, onChange)

	w.logger.Info().
		Str("catalog", w.path).
		Msg("Started watching catalog")

	return nil
}

func (w *CatalogWatcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, onChange func(*Catalog)) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Catalog file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.debounce, func() {
				w.reload(onChange)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *CatalogWatcher) reload(onChange func(*Catalog)) {
	catalog, err := w.parser.LoadCatalog(w.path)
	if err != nil {
		// A rename-in-progress leaves the file briefly absent; the Create event retries.
		w.logger.Warn().Err(err).Str("catalog", w.path).Msg("Failed to read catalog")
		return
	}

	w.logger.Info().
		Int("entries", len(catalog.Entries)).
		Int("errors", len(Blocking(catalog.Errors))).
		Msg("Catalog reloaded")

	onChange(catalog)
}

// Stop stops watching for file changes.
func (w *CatalogWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		err := w.watcher.Close()
		w.watcher = nil
		return err
	}
	return nil
}
