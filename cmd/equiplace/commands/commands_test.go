package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/equiplace/equiplace/pkg/config"
)

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	configPath = config.DefaultWorkspaceFile
	verbose = false
	jsonOutput = false
	serveMetrics = ""

	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := newRootCommand("test", "none", "today")

	want := []string{"init", "place", "allocate", "catalog", "clean", "history", "policy"}
	for _, name := range want {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected subcommand %s", name)
		}
	}
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "equiplace.yaml")

	if err := runCommand(t, "init", "--config", path); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	for _, rel := range []string{"equiplace.yaml", "catalog.cue", "projects", "staging", "vault", ".equiplace/history.db"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Errorf("Expected %s to exist: %v", rel, err)
		}
	}

	err := runCommand(t, "init", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected error for existing workspace, got %v", err)
	}

	if err := runCommand(t, "init", "--config", path, "--force"); err != nil {
		t.Errorf("Expected --force to succeed, got %v", err)
	}
}

func TestCatalogValidate_SampleCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "equiplace.yaml")
	if err := runCommand(t, "init", "--config", path); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	if err := runCommand(t, "catalog", "validate", "--config", path); err != nil {
		t.Errorf("Expected sample catalog to be valid, got %v", err)
	}

	bad := filepath.Join(dir, "bad.cue")
	content := `equipment: [{canonical_name: "A/B", display_name: "x", repository_path: "nope"}]`
	if err := os.WriteFile(bad, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := runCommand(t, "catalog", "validate", bad); err == nil {
		t.Error("Expected invalid catalog to fail")
	}
}

func TestAllocatePreview(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "equiplace.yaml")
	if err := runCommand(t, "init", "--config", path); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	equipment := filepath.Join(dir, "projects", "24001", "A", "M01", "1-Equipment")
	for _, name := range []string{"Angular_Filter", "Angular_Filter_02"} {
		if err := os.MkdirAll(filepath.Join(equipment, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	configPath = path
	s, err := openSession(context.Background())
	if err != nil {
		t.Fatalf("Failed to open session: %v", err)
	}
	defer s.Close()

	out, err := allocatePreview(s, []string{"24001", "A", "M01", "Angular Filter"})
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	if out.Suffix != "_03" {
		t.Errorf("Expected suffix _03, got %s", out.Suffix)
	}
	if out.Overwrite {
		t.Error("Expected no overwrite")
	}
	if filepath.Base(out.Destination) != "Angular_Filter_03" {
		t.Errorf("Expected destination Angular_Filter_03, got %s", out.Destination)
	}
	if len(out.Occupied) != 2 {
		t.Errorf("Expected 2 occupied slots, got %v", out.Occupied)
	}
}

func TestTelemetryConfig(t *testing.T) {
	ws := config.DefaultWorkspace()
	ws.Telemetry.LogLevel = "warn"
	ws.Telemetry.TracingExporter = "otlp"
	ws.Telemetry.OTLPEndpoint = "localhost:4317"

	serveMetrics = ":9102"
	defer func() { serveMetrics = "" }()

	cfg := telemetryConfig(ws)
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected log level warn, got %s", cfg.Logging.Level)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" || cfg.Tracing.Endpoint != "localhost:4317" {
		t.Errorf("Expected otlp tracing, got %+v", cfg.Tracing)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.ListenAddress != ":9102" {
		t.Errorf("Expected metrics on :9102, got %+v", cfg.Metrics)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestShortID(t *testing.T) {
	tests := map[string]string{
		"7f0c2a1e-1111-2222-3333-444455556666": "7f0c2a1e",
		"plain":                                "plain",
		"":                                     "",
	}
	for in, want := range tests {
		if got := shortID(in); got != want {
			t.Errorf("shortID(%q): expected %q, got %q", in, want, got)
		}
	}
}
