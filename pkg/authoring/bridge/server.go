package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/equiplace/equiplace/pkg/authoring/protocol"
	"github.com/equiplace/equiplace/pkg/engine"
)

// Version is the protocol version announced in READY.
const Version = "1.0.0"

// Server serves an authoring engine over the protocol.
type Server struct {
	engine       engine.AuthoringEngine
	engineName   string
	encoder      *protocol.Encoder
	decoder      *protocol.Decoder
	commandCount int
	logger       zerolog.Logger
}

// NewServer creates a server reading commands from r and writing responses to w.
func NewServer(eng engine.AuthoringEngine, engineName string, r io.Reader, w io.Writer, logger zerolog.Logger) *Server {
	return &Server{
		engine:     eng,
		engineName: engineName,
		encoder:    protocol.NewEncoder(w),
		decoder:    protocol.NewDecoder(r),
		logger:     logger.With().Str("component", "bridge-server").Logger(),
	}
}

// Serve announces READY and executes commands until the input closes or ctx is done.
// An EXIT message is always written before returning.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.sendReady(); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	reason, exitCode := "stdin_closed", 0
	var serveErr error

	for {
		if ctx.Err() != nil {
			reason = "cancelled"
			break
		}

		cmd, err := s.decoder.DecodeCommand()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, protocol.ErrCorruptStream) {
			reason, exitCode, serveErr = "error", 1, err
			break
		}
		if err != nil {
			// A malformed line cannot be answered by id; report it and keep serving.
			s.logger.Warn().Err(err).Msg("Rejected message")
			if encErr := s.encoder.Encode(&protocol.ErrorMessage{
				Code:    protocol.ErrCodeInvalidParams,
				Message: err.Error(),
			}); encErr != nil {
				reason, exitCode, serveErr = "error", 1, encErr
				break
			}
			continue
		}

		if err := s.processCommand(ctx, cmd); err != nil {
			reason, exitCode, serveErr = "error", 1, err
			break
		}
	}

	if err := s.encoder.Encode(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: s.commandCount,
	}); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func (s *Server) sendReady() error {
	caps := make(map[string]bool)
	for _, ct := range protocol.AllCommands() {
		caps[string(ct)] = true
	}

	return s.encoder.Encode(&protocol.ReadyMessage{
		Version:  Version,
		Engine:   s.engineName,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps:     caps,
	})
}

// processCommand runs one command and writes DONE or ERROR. The returned error is
// a write failure only.
func (s *Server) processCommand(ctx context.Context, cmd *protocol.CommandMessage) error {
	s.commandCount++

	var cmdCtx context.Context
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		cmdCtx, cancel = context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	} else {
		cmdCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	result, err := s.handleCommand(cmdCtx, cmd)
	duration := time.Since(start).Seconds()

	logger := s.logger.With().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Logger()

	if err != nil {
		logger.Debug().Err(err).Msg("Command failed")
		code := protocol.ErrCodeExecFailed
		var perr *paramsError
		if errors.As(err, &perr) {
			code = protocol.ErrCodeInvalidParams
		}
		return s.encoder.Encode(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      code,
			Message:   err.Error(),
			Retryable: false,
		})
	}

	logger.Debug().Float64("duration", duration).Msg("Command completed")
	return s.encoder.Encode(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  duration,
	})
}

type paramsError struct{ err error }

func (e *paramsError) Error() string { return e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

func parse(params json.RawMessage, target interface{}) error {
	if err := protocol.ParseParams(params, target); err != nil {
		return &paramsError{err: err}
	}
	return nil
}

func (s *Server) handleCommand(ctx context.Context, cmd *protocol.CommandMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeProjectSwitch:
		var params protocol.ProjectSwitchParams
		if err := parse(cmd.Params, &params); err != nil {
			return nil, err
		}
		return nil, s.engine.SwitchProject(ctx, params.Descriptor)

	case protocol.CommandTypeDocumentOpen:
		var params protocol.DocumentParams
		if err := parse(cmd.Params, &params); err != nil {
			return nil, err
		}
		return nil, s.engine.Open(ctx, params.Path)

	case protocol.CommandTypeDesignCopy:
		var params protocol.DesignCopyParams
		if err := parse(cmd.Params, &params); err != nil {
			return nil, err
		}
		s.emit(cmd.ID, "copying "+params.SourceRoot)
		res, err := s.engine.CopyDesign(ctx, engine.CopyDesignRequest{
			SourceDescriptor: params.SourceDescriptor,
			SourceRoot:       params.SourceRoot,
			DestinationRoot:  params.DestinationRoot,
			PrimaryFile:      params.PrimaryFile,
			Filter:           params.Filter,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(&protocol.DesignCopyResult{
			Success:     res.Success,
			FilesCopied: res.FilesCopied,
			Message:     res.Message,
		})

	case protocol.CommandTypePropertySet:
		var params protocol.PropertySetParams
		if err := parse(cmd.Params, &params); err != nil {
			return nil, err
		}
		props, err := s.engine.Properties(ctx)
		if err != nil {
			return nil, err
		}
		prop, err := props.GetOrCreate(ctx, params.Name)
		if err != nil {
			return nil, err
		}
		return nil, prop.Set(ctx, params.Value)

	case protocol.CommandTypePropertyList:
		props, err := s.engine.Properties(ctx)
		if err != nil {
			return nil, err
		}
		values, err := props.List(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(&protocol.PropertyListResult{Properties: values})

	case protocol.CommandTypeComponentInsert:
		var params protocol.DocumentParams
		if err := parse(cmd.Params, &params); err != nil {
			return nil, err
		}
		return nil, s.engine.InsertComponent(ctx, params.Path)

	case protocol.CommandTypeDocumentsSave:
		return nil, s.engine.SaveAll(ctx)

	case protocol.CommandTypeDocumentsClose:
		return nil, s.engine.CloseAll(ctx)

	case protocol.CommandTypeViewPrepare:
		return nil, s.engine.PrepareView(ctx)

	default:
		return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

func (s *Server) emit(commandID, message string) {
	if err := s.encoder.Encode(&protocol.EventMessage{
		CommandID: commandID,
		Level:     "info",
		Message:   message,
	}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send event")
	}
}
