package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/equiplace/equiplace/pkg/engine"
)

// DefaultWorkspaceFile is the workspace configuration file name.
const DefaultWorkspaceFile = "equiplace.yaml"

// DefaultWorkspace returns a workspace with every optional field defaulted.
func DefaultWorkspace() *Workspace {
	return &Workspace{
		Paths: PathsConfig{
			ProjectsRoot: "projects",
			StagingRoot:  "staging",
		},
		Layout: LayoutConfig{
			EquipmentFolder: "1-Equipment",
			DescriptorExt:   ".ipj",
			AssemblyExt:     ".iam",
			TopAssembly:     "{module}.iam",
			Descriptor:      "{module}.ipj",
		},
		Catalog: "catalog.cue",
		Repository: RepositoryConfig{
			Type: "local",
			Root: "vault",
			SSH: SSHConfig{
				Port:           22,
				AuthMethod:     "key",
				ConnectTimeout: 30 * time.Second,
				KeepAlive:      30 * time.Second,
			},
		},
		Authoring: AuthoringConfig{
			Type:           "sim",
			StartupTimeout: 30 * time.Second,
		},
		Fetch: FetchConfig{
			BatchSize: engine.DefaultBatchSize,
			Exclude:   append([]string(nil), engine.DefaultExclusions...),
		},
		Metadata: MetadataConfig{
			PlaceholderProperty: engine.PropertyPlaceholder,
			DateFormat:          "2006-01-02",
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Store: StoreConfig{
			Path: ".equiplace/history.db",
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			TracingExporter: "none",
		},
	}
}

// LoadWorkspace reads, defaults and validates a workspace file. Relative paths in the
// file are resolved against the file's directory.
func LoadWorkspace(path string) (*Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace file: %w", err)
	}

	ws, err := ParseWorkspace(data)
	if err != nil {
		return nil, err
	}

	ws.resolvePaths(filepath.Dir(path))
	return ws, nil
}

// ParseWorkspace decodes YAML over DefaultWorkspace and validates the result.
func ParseWorkspace(data []byte) (*Workspace, error) {
	ws := DefaultWorkspace()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(ws); err != nil {
		return nil, fmt.Errorf("failed to parse workspace YAML: %w", err)
	}

	if err := ws.Validate(); err != nil {
		return nil, err
	}
	return ws, nil
}

// Validate checks struct tags, cross-field rules and exclusion patterns.
func (w *Workspace) Validate() error {
	if err := validator.New().Struct(w); err != nil {
		return fmt.Errorf("invalid workspace: %w", err)
	}

	if w.Repository.Type == "sftp" {
		if w.Repository.SSH.Host == "" || w.Repository.SSH.User == "" {
			return fmt.Errorf("invalid workspace: sftp repository requires ssh host and user")
		}
		if w.Repository.SSH.AuthMethod == "password" && w.Repository.SSH.Password == "" {
			return fmt.Errorf("invalid workspace: password auth requires ssh password")
		}
		if w.Repository.SSH.AuthMethod == "key" && w.Repository.SSH.KeyPath == "" {
			return fmt.Errorf("invalid workspace: key auth requires ssh key_path")
		}
	}

	if filepath.Clean(w.Paths.StagingRoot) == filepath.Clean(w.Paths.ProjectsRoot) {
		return fmt.Errorf("invalid workspace: staging_root must differ from projects_root")
	}

	if err := w.Exclusions().Validate(); err != nil {
		return fmt.Errorf("invalid workspace: %w", err)
	}
	if err := NewProjectNumberScript(w.Metadata.ProjectNumberScript, 0).Check(); err != nil {
		return fmt.Errorf("invalid workspace: %w", err)
	}
	return nil
}

func (w *Workspace) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	w.Paths.ProjectsRoot = abs(w.Paths.ProjectsRoot)
	w.Paths.StagingRoot = abs(w.Paths.StagingRoot)
	w.Catalog = abs(w.Catalog)
	w.Store.Path = abs(w.Store.Path)
	if w.Repository.Type == "local" {
		w.Repository.Root = abs(w.Repository.Root)
	}
	if w.Authoring.BridgePath != "" && filepath.Base(w.Authoring.BridgePath) != w.Authoring.BridgePath {
		w.Authoring.BridgePath = abs(w.Authoring.BridgePath)
	}
	for i, p := range w.Policy.Paths {
		w.Policy.Paths[i] = abs(p)
	}
}

// WriteTemplate writes the default workspace as YAML to path. It refuses to overwrite
// an existing file unless force is set.
func WriteTemplate(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("workspace file %s already exists", path)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(DefaultWorkspace()); err != nil {
		return fmt.Errorf("failed to encode workspace: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode workspace: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write workspace file: %w", err)
	}
	return nil
}
