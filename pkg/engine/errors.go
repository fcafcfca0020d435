package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a placement failure and decides its disposition.
type ErrorKind string

const (
	// ErrorKindConfiguration indicates an unresolved or incomplete catalog entry, or an invalid
	// request. Raised before any repository or filesystem call.
	ErrorKindConfiguration ErrorKind = "configuration"

	// ErrorKindPrecondition indicates the destination module is not ready (missing descriptor,
	// missing top assembly, or a denying policy). Raised before any mutation.
	ErrorKindPrecondition ErrorKind = "precondition"

	// ErrorKindRepository indicates the repository folder is missing or holds no files.
	ErrorKindRepository ErrorKind = "repository"

	// ErrorKindCopyDesign indicates the authoring engine failed to clone the design.
	ErrorKindCopyDesign ErrorKind = "copy_design"

	// ErrorKindMetadata indicates a metadata failure. A single property write is non-fatal;
	// a missing clone or a failed save is fatal.
	ErrorKindMetadata ErrorKind = "metadata"

	// ErrorKindInsertion indicates component insertion failed. Non-fatal unless the
	// subsequent save fails.
	ErrorKindInsertion ErrorKind = "insertion"
)

// PlacementError represents a classified pipeline error with context.
// nolint:revive // PlacementError is intentionally named to distinguish from standard errors
type PlacementError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Fatal reports whether the error aborts the pipeline.
	Fatal bool `json:"fatal"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Stage is the pipeline stage that raised the error.
	Stage Stage `json:"stage,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *PlacementError) Error() string {
	cause := e.unwrapMessage()
	if cause == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Message, cause)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *PlacementError) Unwrap() error {
	return e.Err
}

func (e *PlacementError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *PlacementError) Is(target error) bool {
	t, ok := target.(*PlacementError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewConfigurationError creates a fatal configuration error.
func NewConfigurationError(message string, err error) *PlacementError {
	return &PlacementError{Kind: ErrorKindConfiguration, Fatal: true, Message: message, Err: err}
}

// NewPreconditionError creates a fatal precondition error.
func NewPreconditionError(message string, err error) *PlacementError {
	return &PlacementError{Kind: ErrorKindPrecondition, Fatal: true, Message: message, Err: err}
}

// NewRepositoryError creates a fatal repository error.
func NewRepositoryError(message string, err error) *PlacementError {
	return &PlacementError{Kind: ErrorKindRepository, Fatal: true, Message: message, Err: err}
}

// NewCopyDesignError creates a fatal copy-design error.
func NewCopyDesignError(message string, err error) *PlacementError {
	return &PlacementError{Kind: ErrorKindCopyDesign, Fatal: true, Message: message, Err: err}
}

// NewMetadataError creates a non-fatal metadata error for a single property write.
func NewMetadataError(message string, err error) *PlacementError {
	return &PlacementError{Kind: ErrorKindMetadata, Message: message, Err: err}
}

// NewInsertionError creates a non-fatal insertion error.
func NewInsertionError(message string, err error) *PlacementError {
	return &PlacementError{Kind: ErrorKindInsertion, Message: message, Err: err}
}

// AsFatal marks the error as aborting the pipeline.
func (e *PlacementError) AsFatal() *PlacementError {
	e.Fatal = true
	return e
}

// WithStage adds stage context to an error.
func (e *PlacementError) WithStage(stage Stage) *PlacementError {
	e.Stage = stage
	return e
}

// WithCode adds an error code to an error.
func (e *PlacementError) WithCode(code string) *PlacementError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *PlacementError) WithDetail(key string, value interface{}) *PlacementError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func isKind(err error, kind ErrorKind) bool {
	var e *PlacementError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsConfigurationError returns true if the error is classified as a configuration error.
func IsConfigurationError(err error) bool { return isKind(err, ErrorKindConfiguration) }

// IsPreconditionError returns true if the error is classified as a precondition error.
func IsPreconditionError(err error) bool { return isKind(err, ErrorKindPrecondition) }

// IsRepositoryError returns true if the error is classified as a repository error.
func IsRepositoryError(err error) bool { return isKind(err, ErrorKindRepository) }

// IsCopyDesignError returns true if the error is classified as a copy-design error.
func IsCopyDesignError(err error) bool { return isKind(err, ErrorKindCopyDesign) }

// IsMetadataError returns true if the error is classified as a metadata error.
func IsMetadataError(err error) bool { return isKind(err, ErrorKindMetadata) }

// IsInsertionError returns true if the error is classified as an insertion error.
func IsInsertionError(err error) bool { return isKind(err, ErrorKindInsertion) }

// IsFatal returns true if the error aborts the pipeline. Errors that are not
// PlacementErrors are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var e *PlacementError
	if errors.As(err, &e) {
		return e.Fatal
	}
	return true
}

// KindOf returns the error kind, or "internal" for unclassified errors.
func KindOf(err error) string {
	var e *PlacementError
	if errors.As(err, &e) {
		return string(e.Kind)
	}
	return "internal"
}

// ErrPlacementInProgress is returned when a placement is requested while another one
// owns the staging area.
var ErrPlacementInProgress = errors.New("a placement is already in progress")

// ErrFolderNotFound is wrapped by repositories when a folder path does not resolve.
var ErrFolderNotFound = errors.New("folder not found")

// Common error codes.
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeUnresolved          = "UNRESOLVED"
	ErrCodeAmbiguous           = "AMBIGUOUS"
	ErrCodeIncompleteEntry     = "INCOMPLETE_ENTRY"
	ErrCodeInvalidSuffix       = "INVALID_SUFFIX"
	ErrCodeMissingDescriptor   = "MISSING_DESCRIPTOR"
	ErrCodeMissingTopAssembly  = "MISSING_TOP_ASSEMBLY"
	ErrCodePolicyDenied        = "POLICY_DENIED"
	ErrCodePolicyEvaluation    = "POLICY_EVALUATION_FAILED"
	ErrCodeOverwriteRefused    = "OVERWRITE_REFUSED"
	ErrCodeFolderNotFound      = "FOLDER_NOT_FOUND"
	ErrCodeNoFiles             = "NO_FILES"
	ErrCodeContextSwitchFailed = "CONTEXT_SWITCH_FAILED"
	ErrCodeCloneFailed         = "CLONE_FAILED"
	ErrCodeAssemblyNotFound    = "ASSEMBLY_NOT_FOUND"
	ErrCodeOpenFailed          = "OPEN_FAILED"
	ErrCodePropertyWriteFailed = "PROPERTY_WRITE_FAILED"
	ErrCodeInsertFailed        = "INSERT_FAILED"
	ErrCodeSaveFailed          = "SAVE_FAILED"
	ErrCodeFetchInterrupted    = "FETCH_INTERRUPTED"
)
