// Package protocol defines the JSON-over-stdio protocol spoken between equiplace and an
// authoring-engine bridge process.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
)

// MessageType tags each line on the wire.
type MessageType string

// READY and EVENT/DONE/ERROR/EXIT flow from the bridge; CMD flows to it.
const (
	MessageTypeReady   MessageType = "READY"
	MessageTypeCommand MessageType = "CMD"
	MessageTypeEvent   MessageType = "EVENT"
	MessageTypeDone    MessageType = "DONE"
	MessageTypeError   MessageType = "ERROR"
	MessageTypeExit    MessageType = "EXIT"
)

// CommandType names an authoring operation. Commands act on the engine's
// active project and active document.
type CommandType string

const (
	CommandTypeProjectSwitch   CommandType = "project.switch"
	CommandTypeDocumentOpen    CommandType = "document.open"
	CommandTypeDesignCopy      CommandType = "design.copy"
	CommandTypePropertySet     CommandType = "property.set" // creates the property if absent
	CommandTypePropertyList    CommandType = "property.list"
	CommandTypeComponentInsert CommandType = "component.insert"
	CommandTypeDocumentsSave   CommandType = "documents.save"
	CommandTypeDocumentsClose  CommandType = "documents.close"
	CommandTypeViewPrepare     CommandType = "view.prepare"
)

// allCommands is the order capabilities are announced in.
var allCommands = []CommandType{
	CommandTypeProjectSwitch,
	CommandTypeDocumentOpen,
	CommandTypeDesignCopy,
	CommandTypePropertySet,
	CommandTypePropertyList,
	CommandTypeComponentInsert,
	CommandTypeDocumentsSave,
	CommandTypeDocumentsClose,
	CommandTypeViewPrepare,
}

// Error codes carried by ERROR messages.
const (
	ErrCodeInvalidParams = "INVALID_PARAMS"
	ErrCodeExecFailed    = "EXEC_FAILED"
)

// Message is the envelope of every line; Data holds the typed payload.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage announces the bridge and the commands it supports.
type ReadyMessage struct {
	Version  string          `json:"version"`
	Engine   string          `json:"engine"`
	Platform string          `json:"platform"`
	Arch     string          `json:"arch"`
	PID      int             `json:"pid"`
	Caps     map[string]bool `json:"capabilities"`
}

type CommandMessage struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Timeout int             `json:"timeout,omitempty"` // seconds, 0 waits without limit
	Params  json.RawMessage `json:"params"`
}

// EventMessage reports progress of a running command.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // info, warn or debug
	Message   string `json:"message"`
}

type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage fails one command, or the bridge itself when CommandID is empty.
type ErrorMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ExitMessage is the last line a bridge writes.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// ProjectSwitchParams selects the active project.
type ProjectSwitchParams struct {
	Descriptor string `json:"descriptor" validate:"required"`
}

// DocumentParams names a single document or component file.
type DocumentParams struct {
	Path string `json:"path" validate:"required"`
}

// DesignCopyParams contains parameters for a design clone.
type DesignCopyParams struct {
	SourceDescriptor string   `json:"source_descriptor" validate:"required"`
	SourceRoot       string   `json:"source_root" validate:"required"`
	DestinationRoot  string   `json:"destination_root" validate:"required"`
	PrimaryFile      string   `json:"primary_file" validate:"required"`
	Filter           []string `json:"filter,omitempty"`
}

// DesignCopyResult contains the result of a design clone.
type DesignCopyResult struct {
	Success     bool   `json:"success"`
	FilesCopied int    `json:"files_copied"`
	Message     string `json:"message,omitempty"`
}

// PropertySetParams writes one custom property, creating it if absent.
type PropertySetParams struct {
	Name  string `json:"name" validate:"required"`
	Value string `json:"value"`
}

// PropertyListResult lists the active document's custom properties.
type PropertyListResult struct {
	Properties map[string]string `json:"properties"`
}

// EmptyParams is sent by commands without parameters.
type EmptyParams struct{}

var paramsValidator = validator.New()

// Validate rejects unknown message types.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	}
	return fmt.Errorf("invalid message type: %q", mt)
}

// Validate rejects command types the bridge does not implement.
func (ct CommandType) Validate() error {
	if slices.Contains(allCommands, ct) {
		return nil
	}
	return fmt.Errorf("invalid command type: %q", ct)
}

// AllCommands returns every command type in announcement order.
func AllCommands() []CommandType {
	return slices.Clone(allCommands)
}

func (cmd *CommandMessage) Validate() error {
	switch {
	case cmd.ID == "":
		return errors.New("command ID is required")
	case cmd.Timeout < 0:
		return errors.New("timeout must not be negative")
	case len(cmd.Params) == 0:
		return errors.New("command params are required")
	}
	return cmd.Type.Validate()
}

// Validate defaults an empty level to info.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return errors.New("command ID is required")
	}
	switch evt.Level {
	case "":
		evt.Level = "info"
	case "info", "warn", "debug":
	default:
		return fmt.Errorf("invalid event level: %q", evt.Level)
	}
	return nil
}
