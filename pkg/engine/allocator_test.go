package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAllocateFromListing(t *testing.T) {
	tests := []struct {
		name          string
		folders       []string
		wantSuffix    string
		wantOverwrite bool
		wantStatus    string
	}{
		{
			name:       "empty module",
			folders:    nil,
			wantSuffix: "_01",
			wantStatus: "will create Angular Filter_01",
		},
		{
			name:       "first two occupied",
			folders:    []string{"Angular Filter_01", "Angular Filter_02"},
			wantSuffix: "_03",
			wantStatus: "will create Angular Filter_03",
		},
		{
			name:       "bare folder occupies first slot",
			folders:    []string{"Angular Filter"},
			wantSuffix: "_02",
			wantStatus: "will create Angular Filter_02",
		},
		{
			name:       "gap is reused",
			folders:    []string{"Angular Filter_01", "Angular Filter_03"},
			wantSuffix: "_02",
			wantStatus: "will create Angular Filter_02",
		},
		{
			name:       "case insensitive",
			folders:    []string{"ANGULAR FILTER_01"},
			wantSuffix: "_02",
			wantStatus: "will create Angular Filter_02",
		},
		{
			name:       "unrelated folders ignored",
			folders:    []string{"Bag Filter_01", "Angular Filter Housing", "Angular Filter_99"},
			wantSuffix: "_01",
			wantStatus: "will create Angular Filter_01",
		},
		{
			name:       "longer name ending in a token",
			folders:    []string{"Angular Filter Copy_01"},
			wantSuffix: "_02",
			wantStatus: "will create Angular Filter_02",
		},
		{
			name:          "all slots occupied",
			folders:       []string{"Angular Filter_01", "Angular Filter_02", "Angular Filter_03", "Angular Filter_04"},
			wantSuffix:    "_04",
			wantOverwrite: true,
			wantStatus:    "will overwrite Angular Filter_04 (all instance slots occupied)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc := AllocateFromListing(tt.folders, "Angular Filter")

			if alloc.Suffix != tt.wantSuffix {
				t.Errorf("Expected suffix %s, got %s", tt.wantSuffix, alloc.Suffix)
			}
			if alloc.Overwrite != tt.wantOverwrite {
				t.Errorf("Expected overwrite %v, got %v", tt.wantOverwrite, alloc.Overwrite)
			}
			if alloc.Status != tt.wantStatus {
				t.Errorf("Expected status %q, got %q", tt.wantStatus, alloc.Status)
			}
		})
	}
}

func TestAllocate_ListsEquipmentRoot(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"Angular Filter_01", "Angular Filter_02"} {
		if err := os.MkdirAll(filepath.Join(root, name), 0o755); err != nil {
			t.Fatalf("Failed to create folder: %v", err)
		}
	}
	// Files never occupy a slot.
	if err := os.WriteFile(filepath.Join(root, "Angular Filter_03"), nil, 0o644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	alloc, err := Allocate(&diskFS{}, root, "Angular Filter")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if alloc.Suffix != "_03" {
		t.Errorf("Expected _03, got %s", alloc.Suffix)
	}
	if len(alloc.Occupied) != 2 {
		t.Errorf("Expected 2 occupied slots, got %v", alloc.Occupied)
	}
}

func TestAllocate_MissingEquipmentRoot(t *testing.T) {
	alloc, err := Allocate(&diskFS{}, filepath.Join(t.TempDir(), "missing"), "Angular Filter")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if alloc.Suffix != "_01" {
		t.Errorf("Expected _01, got %s", alloc.Suffix)
	}
}
