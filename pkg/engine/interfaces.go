package engine

import (
	"context"
	"time"
)

// RepositoryFolder is a resolved folder in the content repository.
type RepositoryFolder struct {
	// ID is the repository-specific folder identifier.
	ID string `json:"id"`

	// Path is the "$/"-rooted folder path.
	Path string `json:"path"`
}

// RepositoryFile is the latest version of a file in the content repository.
type RepositoryFile struct {
	// ID is the repository-specific file identifier used by Acquire.
	ID string `json:"id"`

	// Path is the "$/"-rooted file path.
	Path string `json:"path"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`
}

// Repository is the content repository collaborator.
type Repository interface {
	// ResolveFolder resolves a "$/"-rooted folder path.
	// Returns an error wrapping ErrFolderNotFound when the folder does not exist.
	ResolveFolder(ctx context.Context, path string) (*RepositoryFolder, error)

	// ListSubfolders lists the immediate subfolders of a folder.
	ListSubfolders(ctx context.Context, folder *RepositoryFolder) ([]RepositoryFolder, error)

	// ListLatestFiles lists the latest version of every file directly inside a folder.
	ListLatestFiles(ctx context.Context, folder *RepositoryFolder) ([]RepositoryFile, error)

	// Acquire downloads files into localRoot, mirroring their repository paths below "$/".
	Acquire(ctx context.Context, files []RepositoryFile, localRoot string) error
}

// CopyDesignRequest holds the inputs of a design clone.
type CopyDesignRequest struct {
	// SourceDescriptor is the library descriptor the clone resolves references against.
	SourceDescriptor string `json:"source_descriptor"`

	// SourceRoot is the staged equipment folder.
	SourceRoot string `json:"source_root"`

	// DestinationRoot is the instance folder inside the destination module.
	DestinationRoot string `json:"destination_root"`

	// PrimaryFile is the primary assembly file name.
	PrimaryFile string `json:"primary_file"`

	// Filter optionally restricts the copied files. Empty copies everything.
	Filter []string `json:"filter,omitempty"`
}

// CopyDesignResult reports the outcome of a design clone.
type CopyDesignResult struct {
	Success     bool   `json:"success"`
	FilesCopied int    `json:"files_copied"`
	Message     string `json:"message,omitempty"`
}

// Property is a handle to one custom property of the active document.
type Property interface {
	// Name returns the property name.
	Name() string

	// Set writes the property value.
	Set(ctx context.Context, value string) error
}

// PropertySet is the active document's custom property collection.
type PropertySet interface {
	// GetOrCreate returns the property with exactly this name, creating it if absent.
	GetOrCreate(ctx context.Context, name string) (Property, error)

	// List returns the current property values keyed by name.
	List(ctx context.Context) (map[string]string, error)
}

// AuthoringEngine is the CAD authoring engine collaborator.
type AuthoringEngine interface {
	// SwitchProject makes the given descriptor file the active project context.
	SwitchProject(ctx context.Context, descriptorPath string) error

	// Open opens a document and makes it active.
	Open(ctx context.Context, documentPath string) error

	// CopyDesign clones a design under the active project context.
	CopyDesign(ctx context.Context, req CopyDesignRequest) (*CopyDesignResult, error)

	// Properties returns the active document's custom property collection.
	Properties(ctx context.Context) (PropertySet, error)

	// InsertComponent inserts a component reference into the active assembly.
	InsertComponent(ctx context.Context, componentPath string) error

	// PrepareView applies the fixed view-preparation routine to the active document.
	PrepareView(ctx context.Context) error

	// SaveAll saves all open documents.
	SaveAll(ctx context.Context) error

	// CloseAll closes all open documents.
	CloseAll(ctx context.Context) error
}

// Filesystem is the local filesystem collaborator.
type Filesystem interface {
	// Exists reports whether the path exists.
	Exists(path string) bool

	// ListDirs lists the names of the immediate subdirectories of dir.
	// A missing dir yields an empty list.
	ListDirs(dir string) ([]string, error)

	// ListFiles recursively lists files under root, relative to root, skipping excluded paths.
	ListFiles(root string) ([]string, error)

	// MkdirAll creates a directory tree.
	MkdirAll(path string) error

	// NormalizeAttributes clears read-only, hidden and system attributes recursively.
	NormalizeAttributes(root string) error

	// Purge deletes every child of root, retrying per file, and returns residual paths.
	Purge(root string) ([]string, error)
}

// Catalog resolves equipment names to catalog entries.
type Catalog interface {
	// Resolve matches a display name or repository-folder name.
	Resolve(name string) (*CatalogEntry, error)

	// List returns all entries.
	List() []CatalogEntry
}

// ProjectNumberer computes the composite project number.
type ProjectNumberer interface {
	ProjectNumber(ctx context.Context, project, reference, module string) (string, error)
}

// PolicyInput is evaluated by the preflight policies.
type PolicyInput struct {
	Project           string       `json:"project"`
	Reference         string       `json:"reference"`
	Module            string       `json:"module"`
	Entry             CatalogEntry `json:"entry"`
	Suffix            string       `json:"suffix"`
	Occupied          []string     `json:"occupied"`
	Overwrite         bool         `json:"overwrite"`
	DestinationFolder string       `json:"destination_folder"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	Policy   string `json:"policy"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	Allowed     bool              `json:"allowed"`
	Violations  []PolicyViolation `json:"violations,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// PolicyEvaluator evaluates preflight policies.
type PolicyEvaluator interface {
	EvaluatePlacement(ctx context.Context, input *PolicyInput) (*PolicyResult, error)
}

// Recorder persists placement history.
type Recorder interface {
	// SavePlacement inserts or updates a placement record.
	SavePlacement(ctx context.Context, p *Placement) error

	// SaveStage inserts or updates a stage record.
	SaveStage(ctx context.Context, s *StageRecord) error
}

// EventPublisher publishes placement events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Metrics receives pipeline measurements.
type Metrics interface {
	RecordPlacementStarted(equipment string)
	RecordPlacementCompleted(status string, duration time.Duration)
	RecordStage(stage, status string, duration time.Duration)
	RecordFilesFetched(count int)
	RecordFetchBatchFailure()
	RecordPropertyWriteFailure(property string)
	RecordCleanupResidual(count int)
	RecordError(kind, code string)
}
