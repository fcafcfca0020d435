package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writePolicyFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
}

const sampleRego = `# Pumps need a descriptor.
# severity: error
package site.pumps

import rego.v1

deny contains "pump without descriptor" if {
	startswith(input.entry.canonical_name, "Pump")
	input.entry.descriptor == ""
}
`

func quietLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestLoadFile_Rego(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pumps.rego")
	writePolicyFile(t, path, sampleRego)

	policy, err := quietLoader().loadFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "pumps" {
		t.Errorf("Expected name pumps, got %s", policy.Name)
	}
	if policy.Description != "Pumps need a descriptor." {
		t.Errorf("Expected description from comments, got %q", policy.Description)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", policy.Severity)
	}
	if !policy.Enabled || policy.Builtin {
		t.Error("Expected an enabled custom policy")
	}
	if policy.Source != path {
		t.Errorf("Expected source %s, got %s", path, policy.Source)
	}
}

func TestLoadFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writePolicyFile(t, path, `{
  "name": "json-policy",
  "description": "Loaded from JSON",
  "rego": "package site.json\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n",
  "enabled": true,
  "builtin": true
}`)

	policy, err := quietLoader().loadFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "json-policy" {
		t.Errorf("Expected name json-policy, got %s", policy.Name)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", policy.Severity)
	}
	if policy.Builtin {
		t.Error("Expected a loaded policy never to be built-in")
	}
}

func TestLoadFile_Rejects(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		file    string
		content string
	}{
		{"fatal.rego", "# severity: fatal\npackage site.bad\n"},
		{"malformed.json", "{ invalid json }"},
		{"noname.json", `{"rego": "package x"}`},
		{"norego.json", `{"name": "x"}`},
		{"severity.json", `{"name": "x", "rego": "package x", "severity": "fatal"}`},
		{"policy.txt", "content"},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writePolicyFile(t, path, tt.content)
			if _, err := quietLoader().loadFile(path); err == nil {
				t.Errorf("Expected %s to be rejected", tt.file)
			}
		})
	}
}

func TestLoadFile_CacheFollowsModTime(t *testing.T) {
	loader := quietLoader()
	path := filepath.Join(t.TempDir(), "cached.rego")
	writePolicyFile(t, path, "# First.\npackage site.cached\n")

	first, err := loader.loadFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cached policy, got %d", len(loader.cache))
	}

	again, err := loader.loadFile(path)
	if err != nil || again.Description != first.Description {
		t.Fatalf("Expected cached policy, got %+v, %v", again, err)
	}

	writePolicyFile(t, path, "# Second version.\npackage site.cached\n")
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Failed to touch policy: %v", err)
	}

	changed, err := loader.loadFile(path)
	if err != nil {
		t.Fatalf("Failed to reload policy: %v", err)
	}
	if changed.Description != "Second version." {
		t.Errorf("Expected the edited description, got %q", changed.Description)
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, filepath.Join(dir, "a.rego"), "package site.a\n")
	writePolicyFile(t, filepath.Join(dir, "nested", "b.rego"), "package site.b\n")
	writePolicyFile(t, filepath.Join(dir, "nested", "readme.txt"), "ignored")
	writePolicyFile(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := quietLoader().LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	if policies[0].Name != "a" || policies[1].Name != "b" {
		t.Errorf("Expected policies a and b in path order, got %s and %s", policies[0].Name, policies[1].Name)
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	loader := quietLoader()

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/non/existent/path"}); err == nil {
		t.Error("Expected error for non-existent path")
	}

	// A broken file named directly is an error, unlike one found in a directory.
	path := filepath.Join(t.TempDir(), "broken.json")
	writePolicyFile(t, path, "{")
	if _, err := loader.LoadFromPaths(context.Background(), []string{path}); err == nil {
		t.Error("Expected error for a broken policy file")
	}
}

func TestParseRego_Header(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		severity    Severity
		description string
		wantErr     bool
	}{
		{name: "default", content: "package x\n", severity: SeverityWarning},
		{name: "directive", content: "# severity: error\npackage x\n", severity: SeverityError},
		{
			name:        "after description",
			content:     "# Something.\n#   severity:  info \n# More.\npackage x\n",
			severity:    SeverityInfo,
			description: "Something. More.",
		},
		{name: "after package ignored", content: "package x\n# severity: error\n", severity: SeverityWarning},
		{name: "unknown", content: "# severity: loud\npackage x\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parseRego("x.rego", tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if tt.wantErr {
				return
			}
			if p.Severity != tt.severity {
				t.Errorf("Expected severity %q, got %q", tt.severity, p.Severity)
			}
			if p.Description != tt.description {
				t.Errorf("Expected description %q, got %q", tt.description, p.Description)
			}
		})
	}
}

func TestIsPolicyFile(t *testing.T) {
	for path, want := range map[string]bool{
		"/p/site/pumps.rego": true,
		"/p/policy.json":     true,
		"/p/readme.md":       false,
		"/p/pumps.rego.bak":  false,
	} {
		if got := isPolicyFile(path); got != want {
			t.Errorf("isPolicyFile(%s): expected %v, got %v", path, want, got)
		}
	}
}

func TestWatch_Reloads(t *testing.T) {
	loader := quietLoader()
	dir := t.TempDir()
	writePolicyFile(t, filepath.Join(dir, "a.rego"), "package site.a\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var reloaded [][]Policy
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		mu.Lock()
		defer mu.Unlock()
		reloaded = append(reloaded, policies)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}
	defer loader.StopWatching()

	writePolicyFile(t, filepath.Join(dir, "b.rego"), "package site.b\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		var last []Policy
		if n := len(reloaded); n > 0 {
			last = reloaded[n-1]
		}
		mu.Unlock()
		if len(last) == 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Expected a reload with 2 policies")
}
