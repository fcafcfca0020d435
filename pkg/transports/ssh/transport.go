// Package ssh reads equipment files from a remote vault host over SFTP, optionally
// through a single jump host.
package ssh

import (
	"context"
	"os"
	"time"
)

// Transport is read-only remote file access. SSHClient is the implementation;
// repository.SFTPVault consumes it.
type Transport interface {
	// Connect dials the host (via the jump host when configured) and starts SFTP.
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// HealthCheck round-trips a request on the open session.
	HealthCheck(ctx context.Context) error

	Stat(ctx context.Context, remotePath string) (os.FileInfo, error)
	ListDir(ctx context.Context, remotePath string) ([]os.FileInfo, error)

	// DownloadFile copies remotePath to localPath, creating local parents and
	// keeping the remote permission bits.
	DownloadFile(ctx context.Context, remotePath string, localPath string) (*FileTransferResult, error)

	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo describes the current session.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// FileTransferResult is the outcome of one download.
type FileTransferResult struct {
	BytesTransferred int64
	Duration         time.Duration
	StartedAt        time.Time
	FinishedAt       time.Time
}

// TransportError carries the failed operation ("connect", "stat", "download", ...)
// and whether a retry can help.
type TransportError struct {
	Op          string
	Err         error
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether the operation may succeed when retried.
func (e *TransportError) Temporary() bool { return e.IsTemporary }
