package engine

import (
	"path"
	"path/filepath"
	"strings"
	"time"
)

// InstanceSuffixes lists the instance tokens in allocation priority order.
var InstanceSuffixes = []string{"_01", "_02", "_03", "_04"}

// SuffixNone places the equipment folder without an instance token.
const SuffixNone = ""

// IsValidSuffix reports whether s is one of the allowed instance tokens.
func IsValidSuffix(s string) bool {
	if s == SuffixNone {
		return true
	}
	for _, token := range InstanceSuffixes {
		if s == token {
			return true
		}
	}
	return false
}

// CatalogEntry maps an equipment's display name to its canonical content identifiers.
type CatalogEntry struct {
	// CanonicalName names the destination folder and prefixes instance folders.
	CanonicalName string `json:"canonical_name" yaml:"canonical_name" validate:"required"`

	// DisplayName is the human-facing name.
	DisplayName string `json:"display_name" yaml:"display_name" validate:"required"`

	// RepositoryPath is the "$/"-rooted repository folder holding the equipment files.
	RepositoryPath string `json:"repository_path" yaml:"repository_path" validate:"required,startswith=$/"`

	// Descriptor is the library project descriptor file name (e.g. "Angular Filter.ipj").
	Descriptor string `json:"descriptor,omitempty" yaml:"descriptor,omitempty"`

	// Assembly is the primary assembly file name (e.g. "Angular Filter.iam").
	Assembly string `json:"assembly,omitempty" yaml:"assembly,omitempty"`
}

// Validate returns a ConfigurationError when the entry cannot drive a placement.
// No descriptor or assembly name is ever guessed.
func (e CatalogEntry) Validate() error {
	if strings.TrimSpace(e.Descriptor) == "" {
		return NewConfigurationError("catalog entry has no descriptor file name", nil).
			WithCode(ErrCodeIncompleteEntry).
			WithDetail("equipment", e.DisplayName)
	}
	if strings.TrimSpace(e.Assembly) == "" {
		return NewConfigurationError("catalog entry has no assembly file name", nil).
			WithCode(ErrCodeIncompleteEntry).
			WithDetail("equipment", e.DisplayName)
	}
	return nil
}

// FolderName returns the last segment of the repository path.
func (e CatalogEntry) FolderName() string {
	return path.Base(strings.TrimRight(e.RepositoryPath, "/"))
}

// RelativeRepositoryPath returns the repository path without its "$/" root marker.
func (e CatalogEntry) RelativeRepositoryPath() string {
	return strings.TrimPrefix(strings.TrimPrefix(e.RepositoryPath, "$"), "/")
}

// PlaceRequest is the caller's request to place one equipment.
type PlaceRequest struct {
	// Project, Reference and Module identify the destination module.
	Project   string `json:"project" validate:"required"`
	Reference string `json:"reference" validate:"required"`
	Module    string `json:"module" validate:"required"`

	// Equipment is a display name or repository-folder name.
	Equipment string `json:"equipment" validate:"required"`

	// Suffix overrides allocation when set.
	Suffix *string `json:"suffix,omitempty"`

	// User is recorded in history and events.
	User string `json:"user,omitempty"`

	// RefuseOverwrite fails the placement instead of reusing the last instance slot.
	RefuseOverwrite bool `json:"refuse_overwrite,omitempty"`

	// Progress receives global progress updates (0-100). Optional.
	Progress ProgressFunc `json:"-"`
}

// PlacementRequest is a resolved request ready to run through the pipeline.
type PlacementRequest struct {
	ID        string       `json:"id"`
	Project   string       `json:"project"`
	Reference string       `json:"reference"`
	Module    string       `json:"module"`
	Entry     CatalogEntry `json:"entry"`
	Suffix    string       `json:"suffix"`
}

// InstanceName returns the destination folder name, e.g. "Angular Filter_01".
func (r *PlacementRequest) InstanceName() string {
	return r.Entry.CanonicalName + r.Suffix
}

// Layout describes where modules, descriptors and top assemblies live on disk.
type Layout struct {
	// ProjectsRoot holds <project>/<reference>/<module> trees.
	ProjectsRoot string

	// EquipmentFolder is the module sub-folder receiving clones.
	EquipmentFolder string

	// DescriptorTemplate names the module descriptor, e.g. "{module}.ipj".
	DescriptorTemplate string

	// TopAssemblyTemplate names the module top assembly, e.g. "{module}.iam".
	TopAssemblyTemplate string

	// AssemblyExt is the assembly file extension used by the metadata fallback.
	AssemblyExt string
}

// DefaultLayout returns the standard module layout rooted at projectsRoot.
func DefaultLayout(projectsRoot string) Layout {
	return Layout{
		ProjectsRoot:        projectsRoot,
		EquipmentFolder:     "1-Equipment",
		DescriptorTemplate:  "{module}.ipj",
		TopAssemblyTemplate: "{module}.iam",
		AssemblyExt:         ".iam",
	}
}

func (l Layout) expand(tmpl string, r *PlacementRequest) string {
	return strings.NewReplacer(
		"{project}", r.Project,
		"{reference}", r.Reference,
		"{module}", r.Module,
	).Replace(tmpl)
}

// ModulePath returns <projects_root>/<project>/<reference>/<module>.
func (l Layout) ModulePath(r *PlacementRequest) string {
	return filepath.Join(l.ProjectsRoot, r.Project, r.Reference, r.Module)
}

// EquipmentRoot returns the module's equipment folder.
func (l Layout) EquipmentRoot(r *PlacementRequest) string {
	return filepath.Join(l.ModulePath(r), l.EquipmentFolder)
}

// DestinationFolder returns <module>/<equipment folder>/<canonical name><suffix>.
func (l Layout) DestinationFolder(r *PlacementRequest) string {
	return filepath.Join(l.EquipmentRoot(r), r.InstanceName())
}

// DescriptorPath returns the destination module's own descriptor file.
func (l Layout) DescriptorPath(r *PlacementRequest) string {
	return filepath.Join(l.ModulePath(r), l.expand(l.DescriptorTemplate, r))
}

// TopAssemblyPath returns the destination module's top assembly file.
func (l Layout) TopAssemblyPath(r *PlacementRequest) string {
	return filepath.Join(l.ModulePath(r), l.expand(l.TopAssemblyTemplate, r))
}

// PlacementResult is returned by every placement, successful or not.
type PlacementResult struct {
	PlacementID       string          `json:"placement_id"`
	Success           bool            `json:"success"`
	Status            PlacementStatus `json:"status"`
	Equipment         string          `json:"equipment"`
	Suffix            string          `json:"suffix"`
	AllocationStatus  string          `json:"allocation_status,omitempty"`
	DestinationFolder string          `json:"destination_folder,omitempty"`
	FilesFound        int             `json:"files_found"`
	FilesFetched      int             `json:"files_fetched"`
	FilesCopied       int             `json:"files_copied"`
	Message           string          `json:"message,omitempty"`
	Error             string          `json:"error,omitempty"`
	Warnings          []string        `json:"warnings,omitempty"`
	CleanupResidual   int             `json:"cleanup_residual"`
	Duration          time.Duration   `json:"duration"`
}

// Placement is the history record of a placement run.
type Placement struct {
	ID          string          `json:"id"`
	Project     string          `json:"project"`
	Reference   string          `json:"reference"`
	Module      string          `json:"module"`
	Equipment   string          `json:"equipment"`
	Suffix      string          `json:"suffix"`
	User        string          `json:"user,omitempty"`
	Status      PlacementStatus `json:"status"`
	FilesCopied int             `json:"files_copied"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// StageRecord is the history record of a single stage.
type StageRecord struct {
	PlacementID string      `json:"placement_id"`
	Stage       Stage       `json:"stage"`
	Status      StageStatus `json:"status"`
	Detail      string      `json:"detail,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Event represents an event in the placement timeline.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// PlacementID is the placement this event belongs to.
	PlacementID string `json:"placement_id"`

	// Stage is the stage that emitted the event, if any.
	Stage Stage `json:"stage,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Progress is the global progress value at the time of the event.
	Progress int `json:"progress"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// MetadataDefaults holds the fixed property values written to every clone.
type MetadataDefaults struct {
	Designer            string
	CoDesigner          string
	Lead                string
	JobTitle            string
	DateFormat          string
	PlaceholderProperty string
}

// Property names written by the metadata stage.
const (
	PropertyDesigner      = "Designer"
	PropertyCoDesigner    = "CoDesigner"
	PropertyLead          = "Lead"
	PropertyJobTitle      = "JobTitle"
	PropertyCreationDate  = "CreationDate"
	PropertyProject       = "Project"
	PropertyReference     = "Reference"
	PropertyModule        = "Module"
	PropertyProjectNumber = "ProjectNumber"
	PropertyPlaceholder   = "Description"
)
