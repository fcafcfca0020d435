// Package fsutil implements engine.Filesystem on the local operating system.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/equiplace/equiplace/pkg/engine"
)

const (
	defaultRetries    = 3
	defaultRetryDelay = 200 * time.Millisecond
)

var _ engine.Filesystem = (*OS)(nil)

// OS is the operating-system filesystem.
type OS struct {
	exclusions engine.Exclusions
	retries    int
	retryDelay time.Duration
	logger     zerolog.Logger
}

// Option configures an OS filesystem.
type Option func(*OS)

// WithRetry sets the per-file delete retry count and delay.
func WithRetry(retries int, delay time.Duration) Option {
	return func(o *OS) {
		o.retries = retries
		o.retryDelay = delay
	}
}

// New creates an OS filesystem. exclusions filter ListFiles.
func New(exclusions engine.Exclusions, logger zerolog.Logger, opts ...Option) *OS {
	o := &OS{
		exclusions: exclusions,
		retries:    defaultRetries,
		retryDelay: defaultRetryDelay,
		logger:     logger.With().Str("component", "fsutil").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Exists reports whether path exists.
func (o *OS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ListDirs lists immediate subdirectory names of dir. A missing dir yields nil.
func (o *OS) ListDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ListFiles lists files below root as sorted slash-separated relative paths, skipping
// excluded files and folders.
func (o *OS) ListFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if o.exclusions.MatchDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if o.exclusions.MatchFile(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files in %s: %w", root, err)
	}

	sort.Strings(files)
	return files, nil
}

// MkdirAll creates path and its parents.
func (o *OS) MkdirAll(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// NormalizeAttributes clears read-only, hidden and system attributes on root and
// everything below it. It keeps going past individual failures and returns the first.
func (o *OS) NormalizeAttributes(root string) error {
	var first error
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if first == nil {
				first = err
			}
			return nil
		}
		if err := clearAttributes(path, d.IsDir()); err != nil {
			o.logger.Debug().Err(err).Str("path", path).Msg("Failed to clear attributes")
			if first == nil {
				first = err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", root, err)
	}
	if first != nil {
		return fmt.Errorf("failed to normalize attributes: %w", first)
	}
	return nil
}

// Purge deletes every child of root. When a bulk delete of a child fails, its files are
// deleted one by one with retries; paths that still exist are returned as residuals.
func (o *OS) Purge(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read staging root %s: %w", root, err)
	}

	var residual []string
	for _, e := range entries {
		child := filepath.Join(root, e.Name())
		err := os.RemoveAll(child)
		if err == nil {
			continue
		}
		o.logger.Debug().Err(err).Str("path", child).Msg("Bulk delete failed, retrying per file")
		residual = append(residual, o.purgeEach(child)...)
	}

	return residual, nil
}

// purgeEach removes files under path individually, then directories deepest first.
func (o *OS) purgeEach(path string) []string {
	var files, dirs []string
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, p)
		} else {
			files = append(files, p)
		}
		return nil
	})

	var residual []string
	for _, f := range files {
		if err := o.removeWithRetry(f, false); err != nil {
			residual = append(residual, f)
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := o.removeWithRetry(dirs[i], true); err != nil && len(residual) == 0 {
			residual = append(residual, dirs[i])
		}
	}

	return residual
}

func (o *OS) removeWithRetry(path string, isDir bool) error {
	var err error
	for attempt := 0; attempt <= o.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(o.retryDelay)
		}
		_ = clearAttributes(path, isDir)
		err = os.Remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	o.logger.Warn().Err(err).Str("path", path).Msg("Failed to delete after retries")
	return err
}

// CopyTree copies src into dst, preserving relative structure, and returns the number of
// files copied. Excluded files are skipped.
func (o *OS) CopyTree(src, dst string) (int, error) {
	count := 0
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		slashRel := filepath.ToSlash(rel)
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			if path != src && o.exclusions.MatchDir(slashRel) {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		}
		if o.exclusions.MatchFile(slashRel) {
			return nil
		}

		if err := copyFile(path, target); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return count, nil
}

// copyFile copies a single file, making the copy writable by its owner.
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = srcFile.Close() }()

	info, err := srcFile.Stat()
	if err != nil {
		return err
	}

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode()|0o200)
	if err != nil {
		return err
	}
	return writeAndClose(dstFile, srcFile)
}

// writeAndClose copies src into dst and closes dst. A failed close means the data
// may not have reached disk, so it is reported like a failed write.
func writeAndClose(dst io.WriteCloser, src io.Reader) error {
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}
