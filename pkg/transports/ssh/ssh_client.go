package ssh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

var _ Transport = (*SSHClient)(nil)

// ErrNotConnected is returned by operations issued before Connect.
var ErrNotConnected = errors.New("not connected")

const keepAliveRequest = "keepalive@openssh.com"

// SSHClient is a Transport over one SSH connection and its SFTP session. With a
// jump host configured the connection is tunnelled through a second client.
type SSHClient struct {
	config *Config

	mu            sync.RWMutex
	client        *ssh.Client
	jump          *ssh.Client
	sftp          *sftp.Client
	connectedAt   time.Time
	lastUsedAt    time.Time
	stopKeepAlive chan struct{}
}

func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{config: config}, nil
}

// Connect opens the session. An existing session that still answers a keep-alive
// is reused; a dead one is torn down first.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sftp != nil {
		if c.ping() == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("SSH session lost, reconnecting")
		_ = c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if jump := c.config.jumpConfig(); jump != nil {
		c.client, c.jump, err = dialViaJump(ctx, jump, c.config.Address(), clientConfig)
	} else {
		c.client, err = dial(ctx, c.config.Address(), clientConfig, "connect")
	}
	if err != nil {
		return err
	}

	return c.openSFTP()
}

// dial connects to address and gives up when ctx ends. A dial that completes after
// that is closed in the background.
func dial(ctx context.Context, address string, clientConfig *ssh.ClientConfig, op string) (*ssh.Client, error) {
	log.Debug().Str("address", address).Msg("Dialing SSH host")

	type dialed struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialed, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		done <- dialed{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if d := <-done; d.client != nil {
				_ = d.client.Close()
			}
		}()
		return nil, &TransportError{Op: op, Err: ctx.Err(), IsTemporary: true}
	case d := <-done:
		if d.err != nil {
			return nil, &TransportError{Op: op, Err: d.err, IsTemporary: true}
		}
		log.Info().Str("address", address).Msg("SSH connection established")
		return d.client, nil
	}
}

// dialViaJump reaches target through the jump host and returns both hops.
func dialViaJump(ctx context.Context, jump *Config, target string, targetConfig *ssh.ClientConfig) (*ssh.Client, *ssh.Client, error) {
	jumpClientConfig, err := jump.BuildSSHClientConfig()
	if err != nil {
		return nil, nil, &TransportError{Op: "connect-jump", Err: err, IsAuthError: true}
	}

	bastion, err := dial(ctx, jump.Address(), jumpClientConfig, "connect-jump")
	if err != nil {
		return nil, nil, err
	}

	conn, err := bastion.Dial("tcp", target)
	if err != nil {
		_ = bastion.Close()
		return nil, nil, &TransportError{Op: "connect-via-jump", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, target, targetConfig)
	if err != nil {
		_ = conn.Close()
		_ = bastion.Close()
		return nil, nil, &TransportError{Op: "connect-via-jump", Err: err, IsTemporary: true, IsAuthError: true}
	}

	log.Info().Str("target", target).Str("jump", jump.Address()).Msg("SSH connection established via jump host")
	return ssh.NewClient(ncc, chans, reqs), bastion, nil
}

// openSFTP starts the subsystem and the keep-alive loop. Callers hold mu.
func (c *SSHClient) openSFTP() error {
	var opts []sftp.ClientOption
	if n := c.config.MaxConcurrentRequestsPerFile; n > 0 {
		opts = append(opts, sftp.MaxConcurrentRequestsPerFile(n))
	}

	session, err := sftp.NewClient(c.client, opts...)
	if err != nil {
		_ = c.closeLocked()
		return &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to start SFTP: %w", err), IsTemporary: true}
	}

	now := time.Now()
	c.sftp = session
	c.connectedAt, c.lastUsedAt = now, now

	if c.config.KeepAliveInterval > 0 {
		c.stopKeepAlive = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeepAlive)
	}
	return nil
}

func (c *SSHClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	log.Debug().Str("host", c.config.Host).Msg("Closing SSH connection")

	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// closeLocked releases the SFTP session and both hops. Callers hold mu.
func (c *SSHClient) closeLocked() error {
	if c.stopKeepAlive != nil {
		close(c.stopKeepAlive)
		c.stopKeepAlive = nil
	}
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}

	var err error
	if c.client != nil {
		err = c.client.Close()
		c.client = nil
	}
	if c.jump != nil {
		_ = c.jump.Close()
		c.jump = nil
	}
	return err
}

func (c *SSHClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sftp != nil
}

func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.sftp == nil {
		return &TransportError{Op: "healthcheck", Err: ErrNotConnected}
	}
	return c.ping()
}

// ping sends a global keep-alive request. Vault hosts often allow only the sftp
// subsystem, so no exec session is used.
func (c *SSHClient) ping() error {
	if _, _, err := c.client.SendRequest(keepAliveRequest, true, nil); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// keepAlive pings every KeepAliveInterval until stop closes, and gives up after
// MaxKeepAliveRetries consecutive failures.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest(keepAliveRequest, true, nil); err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("SSH keep-alive failed")
			if failures >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("Giving up on SSH keep-alive")
				return
			}
			continue
		}
		failures = 0
		c.touch()
	}
}

func (c *SSHClient) touch() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
}

func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// session returns the open SFTP client or a TransportError for op.
func (c *SSHClient) session(op string) (*sftp.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.sftp == nil {
		return nil, &TransportError{Op: op, Err: ErrNotConnected}
	}
	return c.sftp, nil
}
