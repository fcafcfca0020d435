package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// remoteError wraps a failed SFTP call. Missing paths are permanent, anything else
// may be a dropped session and is worth a retry.
func remoteError(op, path string, err error) *TransportError {
	return &TransportError{
		Op:          op,
		Err:         fmt.Errorf("%s: %w", path, err),
		IsTemporary: !errors.Is(err, fs.ErrNotExist),
	}
}

func (c *SSHClient) Stat(ctx context.Context, remotePath string) (os.FileInfo, error) {
	session, err := c.session("stat")
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := session.Stat(remotePath)
	if err != nil {
		return nil, remoteError("stat", remotePath, err)
	}
	c.touch()
	return info, nil
}

func (c *SSHClient) ListDir(ctx context.Context, remotePath string) ([]os.FileInfo, error) {
	session, err := c.session("list")
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := session.ReadDir(remotePath)
	if err != nil {
		return nil, remoteError("list", remotePath, err)
	}
	c.touch()
	return entries, nil
}

// DownloadFile copies one remote file. A partial local file is removed when the
// copy fails or ctx ends.
func (c *SSHClient) DownloadFile(ctx context.Context, remotePath string, localPath string) (*FileTransferResult, error) {
	session, err := c.session("download")
	if err != nil {
		return nil, err
	}

	started := time.Now()
	remote, err := session.Open(remotePath)
	if err != nil {
		return nil, remoteError("download", remotePath, err)
	}
	defer remote.Close()

	info, err := remote.Stat()
	if err != nil {
		return nil, remoteError("download", remotePath, err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, &TransportError{Op: "download", Err: fmt.Errorf("failed to create local directory: %w", err)}
	}
	local, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &TransportError{Op: "download", Err: fmt.Errorf("failed to create local file: %w", err)}
	}

	n, err := io.Copy(local, &ctxReader{ctx: ctx, r: remote})
	if cerr := local.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(localPath)
		return nil, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to copy %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}

	if perm := info.Mode().Perm(); perm != 0 {
		if err := os.Chmod(localPath, perm); err != nil {
			log.Warn().Err(err).Str("local", localPath).Msg("Could not apply remote file mode")
		}
	}
	c.touch()

	finished := time.Now()
	log.Debug().
		Str("remote", remotePath).
		Int64("bytes", n).
		Dur("duration", finished.Sub(started)).
		Msg("File downloaded")

	return &FileTransferResult{
		BytesTransferred: n,
		Duration:         finished.Sub(started),
		StartedAt:        started,
		FinishedAt:       finished,
	}, nil
}

// ctxReader stops a copy between reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
