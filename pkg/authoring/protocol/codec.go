package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxLineSize bounds a single message. Property listings of large assemblies
// produce long lines.
const MaxLineSize = 10 * 1024 * 1024

// ErrCorruptStream marks a read failure after which no further message can be decoded.
var ErrCorruptStream = errors.New("corrupt stream")

// Encoder writes one JSON message per line. Each message is a single Write, so an
// Encoder is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, now: func() time.Time { return time.Now().UTC() }}
}

// Encode wraps payload in a Message whose type follows from the payload's Go type.
func (e *Encoder) Encode(payload any) error {
	msgType, err := messageTypeOf(payload)
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	line, err := json.Marshal(Message{Type: msgType, Timestamp: e.now(), Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msgType, err)
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msgType, err)
	}
	return nil
}

// messageTypeOf maps a payload to its message type, validating payloads that
// carry required fields.
func messageTypeOf(payload any) (MessageType, error) {
	switch p := payload.(type) {
	case *ReadyMessage:
		return MessageTypeReady, nil
	case *CommandMessage:
		if err := p.Validate(); err != nil {
			return "", fmt.Errorf("invalid command: %w", err)
		}
		return MessageTypeCommand, nil
	case *EventMessage:
		if err := p.Validate(); err != nil {
			return "", fmt.Errorf("invalid event: %w", err)
		}
		return MessageTypeEvent, nil
	case *DoneMessage:
		return MessageTypeDone, nil
	case *ErrorMessage:
		return MessageTypeError, nil
	case *ExitMessage:
		return MessageTypeExit, nil
	}
	return "", fmt.Errorf("unsupported message payload %T", payload)
}

// Decoder reads messages written by an Encoder.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &Decoder{scanner: scanner}
}

// Decode returns the next message. It returns io.EOF at a clean end of input and
// wraps ErrCorruptStream when the stream can no longer be read.
func (d *Decoder) Decode() (*Message, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptStream, err)
		}
		return nil, io.EOF
	}

	line := d.scanner.Bytes()
	if len(line) == 0 {
		return nil, errors.New("empty line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &msg, nil
}

// DecodeCommand reads the next message and requires it to be a valid CMD.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeCommand {
		return nil, fmt.Errorf("expected CMD message, got %s", msg.Type)
	}

	var cmd CommandMessage
	if err := ParseData(msg.Data, &cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	return &cmd, nil
}

// ParseParams decodes command params into target and checks its validate tags.
func ParseParams(params json.RawMessage, target any) error {
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	if err := paramsValidator.Struct(target); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// ParseData decodes a message payload without validation.
func ParseData(data json.RawMessage, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	return nil
}
