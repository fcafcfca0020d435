package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates to the vault host.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
	AuthMethodAgent    AuthMethod = "agent"
)

// defaultKeyNames are tried in order under ~/.ssh when key auth has no explicit path.
var defaultKeyNames = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// Config describes the connection to an SFTP vault host.
type Config struct {
	Host       string
	Port       int
	User       string
	AuthMethod AuthMethod

	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// KnownHostsPath is only consulted when StrictHostKeyChecking is set.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout   time.Duration
	KeepAliveInterval   time.Duration // 0 disables keep-alive
	MaxKeepAliveRetries int

	// MaxConcurrentRequestsPerFile bounds in-flight SFTP reads per download.
	MaxConcurrentRequestsPerFile int

	// Jump, when set, is a bastion the vault host is reached through.
	// Its timeouts and host key settings are inherited from the outer config.
	Jump *Config
}

// DefaultConfig returns key-authenticated settings for host with strict host key checking.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                         host,
		Port:                         22,
		User:                         user,
		AuthMethod:                   AuthMethodKey,
		KnownHostsPath:               filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking:        true,
		ConnectionTimeout:            30 * time.Second,
		MaxKeepAliveRetries:          3,
		MaxConcurrentRequestsPerFile: 64,
	}
}

// Validate checks the config and fills in a default private key when key auth has none.
func (c *Config) Validate() error {
	if err := c.validateEndpoint(); err != nil {
		return err
	}
	if c.ConnectionTimeout <= 0 {
		return errors.New("connection timeout must be positive")
	}
	if c.MaxConcurrentRequestsPerFile < 0 {
		return errors.New("max concurrent requests per file must not be negative")
	}
	if c.Jump != nil {
		if c.Jump.Jump != nil {
			return errors.New("jump host: chained jump hosts are not supported")
		}
		if err := c.Jump.validateEndpoint(); err != nil {
			return fmt.Errorf("jump host: %w", err)
		}
	}
	return nil
}

func (c *Config) validateEndpoint() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return errors.New("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = findDefaultKey()
		}
		if c.PrivateKeyPath == "" {
			return errors.New("private key path is required for key authentication and no default key found")
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return errors.New("SSH_AUTH_SOCK is not set for agent authentication")
		}
	default:
		return fmt.Errorf("unsupported auth method: %q", c.AuthMethod)
	}
	return nil
}

func findDefaultKey() string {
	home := os.Getenv("HOME")
	for _, name := range defaultKeyNames {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// BuildSSHClientConfig turns the config into an ssh.ClientConfig.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Many vault hosts only offer keyboard-interactive for passwords.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodKey:
		pem, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method: %q", c.AuthMethod)
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking || c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// jumpConfig returns the bastion settings with the outer connection policy applied.
func (c *Config) jumpConfig() *Config {
	if c.Jump == nil {
		return nil
	}
	j := *c.Jump
	j.ConnectionTimeout = c.ConnectionTimeout
	j.StrictHostKeyChecking = c.StrictHostKeyChecking
	j.KnownHostsPath = c.KnownHostsPath
	return &j
}

// Address returns host:port for dialing.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
