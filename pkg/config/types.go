package config

import (
	"time"

	"github.com/equiplace/equiplace/pkg/engine"
)

// Workspace is the equiplace.yaml workspace configuration.
type Workspace struct {
	Paths      PathsConfig      `yaml:"paths" json:"paths"`
	Layout     LayoutConfig     `yaml:"layout" json:"layout"`
	Catalog    string           `yaml:"catalog" json:"catalog" validate:"required"`
	Repository RepositoryConfig `yaml:"repository" json:"repository"`
	Authoring  AuthoringConfig  `yaml:"authoring" json:"authoring"`
	Fetch      FetchConfig      `yaml:"fetch" json:"fetch"`
	Metadata   MetadataConfig   `yaml:"metadata" json:"metadata"`
	Policy     PolicyConfig     `yaml:"policy" json:"policy"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
}

// PathsConfig locates the project tree and the staging area.
type PathsConfig struct {
	// ProjectsRoot holds <project>/<reference>/<module> trees.
	ProjectsRoot string `yaml:"projects_root" json:"projects_root" validate:"required"`

	// StagingRoot is the library working folder, purged before and after every placement.
	StagingRoot string `yaml:"staging_root" json:"staging_root" validate:"required"`
}

// LayoutConfig describes how a module folder is organized.
type LayoutConfig struct {
	EquipmentFolder string `yaml:"equipment_folder" json:"equipment_folder" validate:"required"`
	DescriptorExt   string `yaml:"descriptor_ext" json:"descriptor_ext" validate:"required,startswith=."`
	AssemblyExt     string `yaml:"assembly_ext" json:"assembly_ext" validate:"required,startswith=."`
	TopAssembly     string `yaml:"top_assembly" json:"top_assembly" validate:"required,contains={module}"`
	Descriptor      string `yaml:"descriptor" json:"descriptor" validate:"required,contains={module}"`
}

// RepositoryConfig selects the equipment repository backend.
type RepositoryConfig struct {
	// Type is local or sftp.
	Type string `yaml:"type" json:"type" validate:"required,oneof=local sftp"`

	// Root is the directory mapped to "$/".
	Root string `yaml:"root" json:"root" validate:"required"`

	SSH SSHConfig `yaml:"ssh" json:"ssh"`
}

// SSHConfig configures the sftp repository connection.
type SSHConfig struct {
	Host           string        `yaml:"host" json:"host"`
	Port           int           `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	User           string        `yaml:"user" json:"user"`
	AuthMethod     string        `yaml:"auth_method" json:"auth_method" validate:"omitempty,oneof=password key agent"`
	Password       string        `yaml:"password,omitempty" json:"-"`
	KeyPath        string        `yaml:"key_path" json:"key_path"`
	KnownHostsPath string        `yaml:"known_hosts" json:"known_hosts"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive" json:"keep_alive"`

	// JumpHost is an optional bastion the vault host is reached through.
	JumpHost *JumpHostConfig `yaml:"jump_host,omitempty" json:"jump_host,omitempty" validate:"omitempty"`
}

// JumpHostConfig is the bastion hop of an sftp repository. Timeouts and host key
// checking follow the enclosing ssh block.
type JumpHostConfig struct {
	Host       string `yaml:"host" json:"host" validate:"required"`
	Port       int    `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	User       string `yaml:"user" json:"user" validate:"required"`
	AuthMethod string `yaml:"auth_method" json:"auth_method" validate:"omitempty,oneof=password key agent"`
	Password   string `yaml:"password,omitempty" json:"-"`
	KeyPath    string `yaml:"key_path" json:"key_path"`
}

// AuthoringConfig selects the CAD authoring engine.
type AuthoringConfig struct {
	// Type is sim or bridge.
	Type string `yaml:"type" json:"type" validate:"required,oneof=sim bridge"`

	// BridgePath is the bridge executable, required when Type is bridge.
	BridgePath     string        `yaml:"bridge_path" json:"bridge_path" validate:"required_if=Type bridge"`
	BridgeArgs     []string      `yaml:"bridge_args,omitempty" json:"bridge_args,omitempty"`
	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout"`
}

// FetchConfig tunes the fetch stage.
type FetchConfig struct {
	BatchSize int      `yaml:"batch_size" json:"batch_size" validate:"min=1"`
	Exclude   []string `yaml:"exclude" json:"exclude"`
}

// MetadataConfig holds the values written into the cloned assembly.
type MetadataConfig struct {
	Designer            string `yaml:"designer" json:"designer"`
	CoDesigner          string `yaml:"co_designer" json:"co_designer"`
	Lead                string `yaml:"lead" json:"lead"`
	JobTitle            string `yaml:"job_title" json:"job_title"`
	ProjectNumberScript string `yaml:"project_number_script,omitempty" json:"project_number_script,omitempty"`
	PlaceholderProperty string `yaml:"placeholder_property" json:"placeholder_property" validate:"required"`
	DateFormat          string `yaml:"date_format" json:"date_format" validate:"required"`
}

// PolicyConfig configures preflight policy enforcement.
type PolicyConfig struct {
	// Enabled indicates if policy enforcement is enabled.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Paths lists additional .rego files or directories.
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty"`
}

// StoreConfig configures the placement history database.
type StoreConfig struct {
	Path string `yaml:"path" json:"path" validate:"required"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	LogLevel        string `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat       string `yaml:"log_format" json:"log_format" validate:"omitempty,oneof=console json"`
	TracingExporter string `yaml:"tracing_exporter" json:"tracing_exporter" validate:"omitempty,oneof=none stdout otlp"`
	OTLPEndpoint    string `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
	MetricsEnabled  bool   `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsListen   string `yaml:"metrics_listen,omitempty" json:"metrics_listen,omitempty"`
}

// Catalog is a parsed equipment catalog.
type Catalog struct {
	// Entries are the equipment entries in file order.
	Entries []engine.CatalogEntry `json:"equipment"`

	// SourceFile is the catalog file that was parsed.
	SourceFile string `json:"source_file"`

	// ParsedAt is when the catalog was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Valid reports whether the catalog has no error-severity findings.
func (c *Catalog) Valid() bool {
	return len(Blocking(c.Errors)) == 0
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "equipment.3.assembly").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// EngineLayout converts the layout section into an engine.Layout.
func (w *Workspace) EngineLayout() engine.Layout {
	return engine.Layout{
		ProjectsRoot:        w.Paths.ProjectsRoot,
		EquipmentFolder:     w.Layout.EquipmentFolder,
		DescriptorTemplate:  w.Layout.Descriptor,
		TopAssemblyTemplate: w.Layout.TopAssembly,
		AssemblyExt:         w.Layout.AssemblyExt,
	}
}

// MetadataDefaults converts the metadata section into engine defaults.
func (w *Workspace) MetadataDefaults() engine.MetadataDefaults {
	return engine.MetadataDefaults{
		Designer:            w.Metadata.Designer,
		CoDesigner:          w.Metadata.CoDesigner,
		Lead:                w.Metadata.Lead,
		JobTitle:            w.Metadata.JobTitle,
		DateFormat:          w.Metadata.DateFormat,
		PlaceholderProperty: w.Metadata.PlaceholderProperty,
	}
}

// Exclusions returns the fetch exclusion patterns.
func (w *Workspace) Exclusions() engine.Exclusions {
	return engine.Exclusions(w.Fetch.Exclude)
}
