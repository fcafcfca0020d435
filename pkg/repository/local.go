package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/equiplace/equiplace/pkg/engine"
)

var _ engine.Repository = (*LocalVault)(nil)

// LocalVault serves a repository from a directory mapped to "$/".
type LocalVault struct {
	root   string
	logger zerolog.Logger
}

// NewLocalVault creates a vault rooted at dir. The directory must exist.
func NewLocalVault(dir string, logger zerolog.Logger) (*LocalVault, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", dir)
	}

	return &LocalVault{
		root:   dir,
		logger: logger.With().Str("component", "local-vault").Logger(),
	}, nil
}

func (v *LocalVault) local(rel string) string {
	return filepath.Join(v.root, filepath.FromSlash(rel))
}

// ResolveFolder resolves a "$/"-rooted folder path.
func (v *LocalVault) ResolveFolder(ctx context.Context, repoPath string) (*engine.RepositoryFolder, error) {
	rel, err := relative(repoPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(v.local(rel))
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return nil, fmt.Errorf("%w: %s", engine.ErrFolderNotFound, repoPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", repoPath, err)
	}

	return &engine.RepositoryFolder{ID: rel, Path: rooted(rel)}, nil
}

// ListSubfolders lists the immediate subfolders of a folder, sorted by name.
func (v *LocalVault) ListSubfolders(ctx context.Context, folder *engine.RepositoryFolder) ([]engine.RepositoryFolder, error) {
	entries, err := os.ReadDir(v.local(folder.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to read folder %s: %w", folder.Path, err)
	}

	var subs []engine.RepositoryFolder
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rel := path.Join(folder.ID, e.Name())
		subs = append(subs, engine.RepositoryFolder{ID: rel, Path: rooted(rel)})
	}

	sort.Slice(subs, func(i, j int) bool { return subs[i].Path < subs[j].Path })
	return subs, nil
}

// ListLatestFiles lists every file directly inside a folder, sorted by name.
func (v *LocalVault) ListLatestFiles(ctx context.Context, folder *engine.RepositoryFolder) ([]engine.RepositoryFile, error) {
	entries, err := os.ReadDir(v.local(folder.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to read folder %s: %w", folder.Path, err)
	}

	var files []engine.RepositoryFile
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", e.Name(), err)
		}
		rel := path.Join(folder.ID, e.Name())
		files = append(files, engine.RepositoryFile{ID: rel, Path: rooted(rel), Size: info.Size()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Acquire copies files into localRoot below their relative repository paths. Copies
// keep the vault's permission bits, so read-only checkouts stay read-only.
func (v *LocalVault) Acquire(ctx context.Context, files []engine.RepositoryFile, localRoot string) error {
	var errs []error
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := relative(file.Path)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		target := filepath.Join(localRoot, filepath.FromSlash(rel))
		if err := copyFile(v.local(rel), target); err != nil {
			v.logger.Debug().Err(err).Str("file", file.Path).Msg("Failed to acquire file")
			errs = append(errs, fmt.Errorf("failed to acquire %s: %w", file.Path, err))
		}
	}
	return errors.Join(errs...)
}

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

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	// A previous read-only copy would block the truncate.
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return err
	}
	return dstFile.Close()
}
