// Package bridge connects equiplace to an authoring engine running in a separate
// process. Client implements engine.AuthoringEngine by sending protocol commands to
// the process; Server runs inside the process and dispatches them to an engine.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/equiplace/equiplace/pkg/authoring/protocol"
	"github.com/equiplace/equiplace/pkg/engine"
)

const defaultStartupTimeout = 30 * time.Second

// ErrClientClosed is returned after Close.
var ErrClientClosed = errors.New("bridge client is closed")

// Launcher starts the bridge process and exposes its stdio.
type Launcher interface {
	// Launch starts the process and returns its stdin and stdout.
	Launch(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Wait blocks until the process has exited.
	Wait() error
}

// ProcessLauncher runs the bridge as a child process.
type ProcessLauncher struct {
	Path   string
	Args   []string
	Stderr io.Writer

	cmd *exec.Cmd
}

// Launch starts the bridge executable.
func (l *ProcessLauncher) Launch(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	// The process outlives the startup context, so it is not bound to ctx.
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Stderr = l.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", l.Path, err)
	}

	l.cmd = cmd
	return stdin, stdout, nil
}

// Wait waits for the bridge process to exit.
func (l *ProcessLauncher) Wait() error {
	if l.cmd == nil {
		return nil
	}
	return l.cmd.Wait()
}

// CommandError is a command rejected by the bridge.
type CommandError struct {
	CommandID string
	Code      string
	Message   string
	Retryable bool
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed: %s - %s", e.Code, e.Message)
}

// Config contains client configuration options.
type Config struct {
	Launcher       Launcher
	StartupTimeout time.Duration

	// CommandTimeout bounds each command on both sides of the bridge. Zero, the
	// default, waits for the engine however long it takes.
	CommandTimeout time.Duration
	Logger         zerolog.Logger

	// OnEvent receives EVENT messages of running commands.
	OnEvent func(*protocol.EventMessage)
}

var _ engine.AuthoringEngine = (*Client)(nil)

// Client manages communication with a bridge instance.
type Client struct {
	cfg     Config
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	ready   *protocol.ReadyMessage
	logger  zerolog.Logger

	mu      sync.Mutex
	closed  bool
	broken  error
	pending *pendingCommand
}

// pendingCommand is a command whose caller stopped waiting. Its reply is still
// read off the stream before the next command is sent.
type pendingCommand struct {
	cmdType protocol.CommandType
	resp    <-chan response
}

// NewClient creates a new bridge client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "bridge-client").Logger(),
	}, nil
}

// Start launches the bridge and waits for its READY message.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	stdin, stdout, err := c.cfg.Launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)
	c.decoder = protocol.NewDecoder(stdout)

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseData(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		c.broken = fmt.Errorf("bridge did not become ready")
		return fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		c.broken = err
		return fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.ready = ready
		c.logger.Info().
			Str("engine", ready.Engine).
			Str("version", ready.Version).
			Int("pid", ready.PID).
			Msg("Authoring bridge ready")
		return nil
	}
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

type response struct {
	done *protocol.DoneMessage
	err  error
}

// execute sends a command and waits for its DONE or ERROR. When ctx ends or the
// command timeout passes first, the command stays pending: the session remains
// usable and the next command waits for the outstanding reply. Only a broken
// stream makes the client refuse further commands.
func (c *Client) execute(ctx context.Context, cmdType protocol.CommandType, params, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.encoder == nil {
		return fmt.Errorf("bridge not started")
	}
	if err := c.settle(ctx); err != nil {
		return err
	}
	if c.broken != nil {
		return fmt.Errorf("bridge unavailable: %w", c.broken)
	}

	if params == nil {
		params = protocol.EmptyParams{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	cmd := &protocol.CommandMessage{
		ID:      uuid.NewString(),
		Type:    cmdType,
		Timeout: int(math.Ceil(c.cfg.CommandTimeout.Seconds())),
		Params:  raw,
	}
	if err := c.encoder.Encode(cmd); err != nil {
		c.broken = err
		return fmt.Errorf("failed to send command: %w", err)
	}

	respCh := make(chan response, 1)
	go func() {
		done, err := c.awaitResponse(cmd.ID)
		respCh <- response{done: done, err: err}
	}()

	var timeout <-chan time.Time
	if c.cfg.CommandTimeout > 0 {
		timer := time.NewTimer(c.cfg.CommandTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var resp response
	select {
	case <-ctx.Done():
		c.pending = &pendingCommand{cmdType: cmdType, resp: respCh}
		return fmt.Errorf("%s: %w", cmdType, ctx.Err())
	case <-timeout:
		c.pending = &pendingCommand{cmdType: cmdType, resp: respCh}
		return fmt.Errorf("%s timed out after %v", cmdType, c.cfg.CommandTimeout)
	case resp = <-respCh:
	}

	if resp.err != nil {
		c.markBroken(resp.err)
		return resp.err
	}

	if result != nil && len(resp.done.Result) > 0 {
		if err := protocol.ParseData(resp.done.Result, result); err != nil {
			return fmt.Errorf("failed to parse %s result: %w", cmdType, err)
		}
	}
	return nil
}

// settle waits for the reply to a pending command. The reply itself is dropped;
// its caller has already returned.
func (c *Client) settle(ctx context.Context) error {
	if c.pending == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", c.pending.cmdType, ctx.Err())
	case resp := <-c.pending.resp:
		c.logger.Debug().
			Str("type", string(c.pending.cmdType)).
			AnErr("reply_error", resp.err).
			Msg("Late reply to abandoned command")
		c.pending = nil
		c.markBroken(resp.err)
		return nil
	}
}

// markBroken records stream failures. Command errors leave the session usable.
func (c *Client) markBroken(err error) {
	var cerr *CommandError
	if err != nil && !errors.As(err, &cerr) {
		c.broken = err
	}
}

func (c *Client) awaitResponse(commandID string) (*protocol.DoneMessage, error) {
	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseData(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			c.logger.Debug().Str("command_id", event.CommandID).Msg(event.Message)
			if c.cfg.OnEvent != nil {
				c.cfg.OnEvent(&event)
			}

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseData(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != commandID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", commandID, done.CommandID)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseData(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != commandID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", commandID, errMsg.CommandID)
			}
			return nil, &CommandError{
				CommandID: errMsg.CommandID,
				Code:      errMsg.Code,
				Message:   errMsg.Message,
				Retryable: errMsg.Retryable,
			}

		case protocol.MessageTypeExit:
			return nil, fmt.Errorf("bridge exited unexpectedly")

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

// SwitchProject activates a project descriptor in the bridge.
func (c *Client) SwitchProject(ctx context.Context, descriptorPath string) error {
	return c.execute(ctx, protocol.CommandTypeProjectSwitch, &protocol.ProjectSwitchParams{Descriptor: descriptorPath}, nil)
}

// Open opens a document in the bridge.
func (c *Client) Open(ctx context.Context, documentPath string) error {
	return c.execute(ctx, protocol.CommandTypeDocumentOpen, &protocol.DocumentParams{Path: documentPath}, nil)
}

// CopyDesign clones a design in the bridge.
func (c *Client) CopyDesign(ctx context.Context, req engine.CopyDesignRequest) (*engine.CopyDesignResult, error) {
	var res protocol.DesignCopyResult
	err := c.execute(ctx, protocol.CommandTypeDesignCopy, &protocol.DesignCopyParams{
		SourceDescriptor: req.SourceDescriptor,
		SourceRoot:       req.SourceRoot,
		DestinationRoot:  req.DestinationRoot,
		PrimaryFile:      req.PrimaryFile,
		Filter:           req.Filter,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &engine.CopyDesignResult{
		Success:     res.Success,
		FilesCopied: res.FilesCopied,
		Message:     res.Message,
	}, nil
}

// Properties returns a handle to the active document's properties. Nothing is sent
// until a property is listed or set.
func (c *Client) Properties(ctx context.Context) (engine.PropertySet, error) {
	return &remoteProperties{client: c}, nil
}

// InsertComponent inserts a component into the active assembly.
func (c *Client) InsertComponent(ctx context.Context, componentPath string) error {
	return c.execute(ctx, protocol.CommandTypeComponentInsert, &protocol.DocumentParams{Path: componentPath}, nil)
}

// PrepareView runs view preparation on the active document.
func (c *Client) PrepareView(ctx context.Context) error {
	return c.execute(ctx, protocol.CommandTypeViewPrepare, nil, nil)
}

// SaveAll saves every open document.
func (c *Client) SaveAll(ctx context.Context) error {
	return c.execute(ctx, protocol.CommandTypeDocumentsSave, nil, nil)
}

// CloseAll closes every open document.
func (c *Client) CloseAll(ctx context.Context) error {
	return c.execute(ctx, protocol.CommandTypeDocumentsClose, nil, nil)
}

type remoteProperties struct {
	client *Client
}

func (p *remoteProperties) GetOrCreate(ctx context.Context, name string) (engine.Property, error) {
	return &remoteProperty{client: p.client, name: name}, nil
}

func (p *remoteProperties) List(ctx context.Context) (map[string]string, error) {
	var res protocol.PropertyListResult
	if err := p.client.execute(ctx, protocol.CommandTypePropertyList, nil, &res); err != nil {
		return nil, err
	}
	if res.Properties == nil {
		res.Properties = make(map[string]string)
	}
	return res.Properties, nil
}

// remoteProperty creates the property on the first Set.
type remoteProperty struct {
	client *Client
	name   string
}

func (p *remoteProperty) Name() string { return p.name }

func (p *remoteProperty) Set(ctx context.Context, value string) error {
	return p.client.execute(ctx, protocol.CommandTypePropertySet, &protocol.PropertySetParams{Name: p.name, Value: value}, nil)
}

// Close closes the bridge's stdin, drains its EXIT message and waits for it to exit.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.stdin == nil {
		return nil
	}

	var errs []error
	if err := c.stdin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
	}

	broken, pending := c.broken, c.pending
	c.pending = nil
	exited := make(chan error, 1)
	go func() {
		if pending != nil {
			if resp := <-pending.resp; resp.err != nil {
				var cerr *CommandError
				if !errors.As(resp.err, &cerr) {
					broken = resp.err
				}
			}
		}
		if broken == nil {
			c.drain()
		}
		exited <- c.cfg.Launcher.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = c.stdout.Close()
		errs = append(errs, fmt.Errorf("bridge did not exit: %w", ctx.Err()))
	case err := <-exited:
		if err != nil {
			errs = append(errs, fmt.Errorf("bridge exited with error: %w", err))
		}
	}

	return errors.Join(errs...)
}

// drain reads until EXIT or end of stream.
func (c *Client) drain() {
	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			return
		}
		if msg.Type == protocol.MessageTypeExit {
			var exit protocol.ExitMessage
			if protocol.ParseData(msg.Data, &exit) == nil {
				c.logger.Debug().
					Str("reason", exit.Reason).
					Int("commands", exit.CommandsTotal).
					Msg("Authoring bridge exited")
			}
			return
		}
	}
}
