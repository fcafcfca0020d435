package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/equiplace/equiplace/pkg/engine"
	"github.com/equiplace/equiplace/pkg/transports/ssh"
)

var _ engine.Repository = (*SFTPVault)(nil)

// SFTPVault serves a repository stored below a directory on an SFTP host.
type SFTPVault struct {
	transport ssh.Transport
	root      string
	logger    zerolog.Logger
}

// NewSFTPVault creates a vault whose "$/" maps to remoteRoot on the transport's host.
func NewSFTPVault(transport ssh.Transport, remoteRoot string, logger zerolog.Logger) *SFTPVault {
	if remoteRoot == "" {
		remoteRoot = "."
	}
	return &SFTPVault{
		transport: transport,
		root:      remoteRoot,
		logger:    logger.With().Str("component", "sftp-vault").Logger(),
	}
}

func (v *SFTPVault) remote(rel string) string {
	if rel == "" {
		return v.root
	}
	return path.Join(v.root, rel)
}

// ensureConnected connects lazily on first use.
func (v *SFTPVault) ensureConnected(ctx context.Context) error {
	if v.transport.IsConnected() {
		return nil
	}
	info := v.transport.GetConnectionInfo()
	v.logger.Debug().Str("host", info.Host).Msg("Connecting to vault host")
	if err := v.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to vault host: %w", err)
	}
	return nil
}

// ResolveFolder resolves a "$/"-rooted folder path.
func (v *SFTPVault) ResolveFolder(ctx context.Context, repoPath string) (*engine.RepositoryFolder, error) {
	rel, err := relative(repoPath)
	if err != nil {
		return nil, err
	}
	if err := v.ensureConnected(ctx); err != nil {
		return nil, err
	}

	info, err := v.transport.Stat(ctx, v.remote(rel))
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.IsDir()) {
		return nil, fmt.Errorf("%w: %s", engine.ErrFolderNotFound, repoPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", repoPath, err)
	}

	return &engine.RepositoryFolder{ID: rel, Path: rooted(rel)}, nil
}

// ListSubfolders lists the immediate subfolders of a folder, sorted by name.
func (v *SFTPVault) ListSubfolders(ctx context.Context, folder *engine.RepositoryFolder) ([]engine.RepositoryFolder, error) {
	entries, err := v.list(ctx, folder)
	if err != nil {
		return nil, err
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

// ListLatestFiles lists every regular file directly inside a folder, sorted by name.
func (v *SFTPVault) ListLatestFiles(ctx context.Context, folder *engine.RepositoryFolder) ([]engine.RepositoryFile, error) {
	entries, err := v.list(ctx, folder)
	if err != nil {
		return nil, err
	}

	var files []engine.RepositoryFile
	for _, e := range entries {
		if !e.Mode().IsRegular() {
			continue
		}
		rel := path.Join(folder.ID, e.Name())
		files = append(files, engine.RepositoryFile{ID: rel, Path: rooted(rel), Size: e.Size()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (v *SFTPVault) list(ctx context.Context, folder *engine.RepositoryFolder) ([]fs.FileInfo, error) {
	if err := v.ensureConnected(ctx); err != nil {
		return nil, err
	}
	entries, err := v.transport.ListDir(ctx, v.remote(folder.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to read folder %s: %w", folder.Path, err)
	}
	return entries, nil
}

// Acquire downloads files into localRoot below their relative repository paths.
func (v *SFTPVault) Acquire(ctx context.Context, files []engine.RepositoryFile, localRoot string) error {
	if err := v.ensureConnected(ctx); err != nil {
		return err
	}

	var errs []error
	var transferred int64
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := relative(file.Path)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		result, err := v.transport.DownloadFile(ctx, v.remote(rel), filepath.Join(localRoot, filepath.FromSlash(rel)))
		if err != nil {
			v.logger.Debug().Err(err).Str("file", file.Path).Msg("Failed to acquire file")
			errs = append(errs, fmt.Errorf("failed to acquire %s: %w", file.Path, err))
			continue
		}
		transferred += result.BytesTransferred
	}

	v.logger.Debug().
		Int("files", len(files)).
		Int64("bytes", transferred).
		Msg("Acquired batch")

	return errors.Join(errs...)
}

// Close disconnects the transport.
func (v *SFTPVault) Close() error {
	return v.transport.Disconnect()
}
