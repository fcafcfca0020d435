package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/equiplace/equiplace/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func validInput() *engine.PolicyInput {
	return &engine.PolicyInput{
		Project:   "24001",
		Reference: "A",
		Module:    "M01",
		Entry: engine.CatalogEntry{
			CanonicalName:  "Filter",
			DisplayName:    "Angular Filter",
			RepositoryPath: "$/Library/Filters/Angular Filter",
			Descriptor:     "Angular Filter.ipj",
			Assembly:       "Angular Filter.iam",
		},
		Suffix:            "_01",
		DestinationFolder: "$/Projects/24001/A/M01/1-Equipment/Filter",
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{PolicyEquipmentNaming, PolicyInstanceOverwrite, PolicyModuleIdentifiers}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %d to be %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Builtin {
			t.Errorf("Expected %s to be built-in", name)
		}
	}
}

func TestEvaluatePlacement_Builtins(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name           string
		mutate         func(in *engine.PolicyInput)
		expectAllowed  bool
		expectPolicy   string
		expectWarnings int
	}{
		{
			name:          "valid placement",
			mutate:        func(in *engine.PolicyInput) {},
			expectAllowed: true,
		},
		{
			name:           "overwrite warns",
			mutate:         func(in *engine.PolicyInput) { in.Overwrite = true; in.Suffix = "_99" },
			expectAllowed:  true,
			expectPolicy:   PolicyInstanceOverwrite,
			expectWarnings: 1,
		},
		{
			name:          "slash in canonical name",
			mutate:        func(in *engine.PolicyInput) { in.Entry.CanonicalName = "Filter/Bad" },
			expectAllowed: false,
			expectPolicy:  PolicyEquipmentNaming,
		},
		{
			name:          "backslash in canonical name",
			mutate:        func(in *engine.PolicyInput) { in.Entry.CanonicalName = `Filter\Bad` },
			expectAllowed: false,
			expectPolicy:  PolicyEquipmentNaming,
		},
		{
			name:          "trailing dot",
			mutate:        func(in *engine.PolicyInput) { in.Entry.CanonicalName = "Filter." },
			expectAllowed: false,
			expectPolicy:  PolicyEquipmentNaming,
		},
		{
			name:          "leading whitespace",
			mutate:        func(in *engine.PolicyInput) { in.Entry.CanonicalName = " Filter" },
			expectAllowed: false,
			expectPolicy:  PolicyEquipmentNaming,
		},
		{
			name:          "blank module",
			mutate:        func(in *engine.PolicyInput) { in.Module = "  " },
			expectAllowed: false,
			expectPolicy:  PolicyModuleIdentifiers,
		},
		{
			name:          "dot-dot reference",
			mutate:        func(in *engine.PolicyInput) { in.Reference = ".." },
			expectAllowed: false,
			expectPolicy:  PolicyModuleIdentifiers,
		},
		{
			name:          "separator in project",
			mutate:        func(in *engine.PolicyInput) { in.Project = "24/001" },
			expectAllowed: false,
			expectPolicy:  PolicyModuleIdentifiers,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := validInput()
			tt.mutate(input)

			result, err := eng.EvaluatePlacement(context.Background(), input)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
			if len(result.Warnings) != tt.expectWarnings {
				t.Errorf("Expected %d warnings, got %v", tt.expectWarnings, result.Warnings)
			}

			if tt.expectPolicy == "" {
				if len(result.Violations) != 0 {
					t.Errorf("Expected no violations, got %+v", result.Violations)
				}
				return
			}
			found := false
			for _, v := range result.Violations {
				if v.Policy == tt.expectPolicy {
					found = true
					if v.Message == "" {
						t.Error("Expected violation message to be set")
					}
				}
			}
			if !found {
				t.Errorf("Expected violation from %s, got %+v", tt.expectPolicy, result.Violations)
			}
		})
	}
}

func TestEvaluatePlacement_NilInput(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.EvaluatePlacement(context.Background(), nil); err == nil {
		t.Error("Expected error for nil input")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	input := validInput()
	input.Entry.CanonicalName = "Filter."

	if err := eng.DisablePolicy(PolicyEquipmentNaming); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	policy, err := eng.GetPolicy(PolicyEquipmentNaming)
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if policy.Enabled {
		t.Error("Expected policy to be disabled")
	}

	result, err := eng.EvaluatePlacement(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected placement allowed with naming disabled, got %+v", result.Violations)
	}

	if err := eng.EnablePolicy(PolicyEquipmentNaming); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result, err = eng.EvaluatePlacement(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected placement denied with naming enabled")
	}

	if err := eng.EnablePolicy("non-existent"); err == nil {
		t.Error("Expected error for non-existent policy")
	}
}

func TestLoadPolicies_Custom(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	content := `# Filters only go into M modules.
# severity: error
package site.filters

import rego.v1

deny contains msg if {
	startswith(input.entry.canonical_name, "Filter")
	not startswith(input.module, "M")
	msg := "filters belong in M modules"
}
`
	if err := os.WriteFile(filepath.Join(dir, "filters.rego"), []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	policy, err := eng.GetPolicy("filters")
	if err != nil {
		t.Fatalf("Failed to get custom policy: %v", err)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", policy.Severity)
	}

	input := validInput()
	result, err := eng.EvaluatePlacement(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected M module to be allowed, got %+v", result.Violations)
	}

	input.Module = "P01"
	result, err = eng.EvaluatePlacement(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected P module to be denied")
	}
	if len(result.Violations) != 1 || result.Violations[0].Message != "filters belong in M modules" {
		t.Errorf("Unexpected violations: %+v", result.Violations)
	}
}

func TestLoadPolicies_CompileErrorKeepsPrevious(t *testing.T) {
	eng := newTestEngine(t)

	good := Policy{
		Name:     "good",
		Severity: SeverityWarning,
		Enabled:  true,
		Rego:     "package site.good\n\nimport rego.v1\n\ndeny contains \"always\" if { true }\n",
	}
	if err := eng.ReplaceCustomPolicies(context.Background(), []Policy{good}); err != nil {
		t.Fatalf("Failed to load good policy: %v", err)
	}

	bad := Policy{Name: "bad", Severity: SeverityError, Enabled: true, Rego: "package site.bad\n\ndeny contains"}
	if err := eng.ReplaceCustomPolicies(context.Background(), []Policy{bad}); err == nil {
		t.Fatal("Expected compile error")
	}

	if _, err := eng.GetPolicy("good"); err != nil {
		t.Errorf("Expected previous custom policy to survive: %v", err)
	}
	if _, err := eng.GetPolicy("bad"); err == nil {
		t.Error("Expected bad policy not to be loaded")
	}

	result, err := eng.EvaluatePlacement(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected warning-only policy to allow the placement")
	}
	if len(result.Warnings) != 1 || !strings.HasPrefix(result.Warnings[0], "good: ") {
		t.Errorf("Expected one warning from good, got %v", result.Warnings)
	}
}

func TestReplaceCustomPolicies_BuiltinConflict(t *testing.T) {
	eng := newTestEngine(t)

	shadow := Policy{
		Name:     PolicyEquipmentNaming,
		Severity: SeverityInfo,
		Enabled:  true,
		Rego:     "package site.shadow\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n",
	}
	if err := eng.ReplaceCustomPolicies(context.Background(), []Policy{shadow}); err == nil {
		t.Fatal("Expected conflict with built-in policy")
	}

	policy, err := eng.GetPolicy(PolicyEquipmentNaming)
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if !policy.Builtin {
		t.Error("Expected built-in policy to remain")
	}
}

func TestViolationSeverityOverride(t *testing.T) {
	eng := newTestEngine(t)

	policy := Policy{
		Name:     "mixed",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package site.mixed

import rego.v1

deny contains {"message": "just a note", "severity": "info"} if { true }
`,
	}
	if err := eng.ReplaceCustomPolicies(context.Background(), []Policy{policy}); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	result, err := eng.EvaluatePlacement(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected info violation not to deny")
	}
	if len(result.Violations) != 1 || result.Violations[0].Severity != "info" {
		t.Errorf("Expected one info violation, got %+v", result.Violations)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings for info severity, got %v", result.Warnings)
	}
}

func TestEngineWatch_AppliesReload(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan []Policy, 4)
	if err := eng.Watch(ctx, []string{dir}, func(custom []Policy) { reloads <- custom }); err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}
	defer eng.StopWatching()

	rego := "# severity: info\npackage site.audit\n\nimport rego.v1\n\ndeny contains \"audit\" if { true }\n"
	if err := os.WriteFile(filepath.Join(dir, "audit.rego"), []byte(rego), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	select {
	case custom := <-reloads:
		if len(custom) != 1 || custom[0].Name != "audit" {
			t.Fatalf("Expected reload with audit policy, got %+v", custom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected a reload")
	}

	policy, err := eng.GetPolicy("audit")
	if err != nil {
		t.Fatalf("Expected audit policy after reload: %v", err)
	}
	if policy.Severity != SeverityInfo {
		t.Errorf("Expected severity info, got %s", policy.Severity)
	}
}
