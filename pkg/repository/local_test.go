package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/equiplace/equiplace/pkg/engine"
)

func writeVaultFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
}

func newTestVault(t *testing.T) (*LocalVault, string) {
	t.Helper()
	root := t.TempDir()
	writeVaultFile(t, root, "Library/Filter/Filter.ipj", "project")
	writeVaultFile(t, root, "Library/Filter/Filter.iam", "assembly")
	writeVaultFile(t, root, "Library/Filter/Parts/Housing.ipt", "part")
	writeVaultFile(t, root, "Library/Filter/Drawings/Housing.idw", "drawing")

	vault, err := NewLocalVault(root, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLocalVault failed: %v", err)
	}
	return vault, root
}

func TestRelative(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "root", input: "$/", want: ""},
		{name: "bare root", input: "$", want: ""},
		{name: "nested", input: "$/Library/Filter", want: "Library/Filter"},
		{name: "trailing slash", input: "$/Library/Filter/", want: "Library/Filter"},
		{name: "backslashes", input: "$/Library\\Filter", want: "Library/Filter"},
		{name: "dot segments", input: "$/Library/./Filter", want: "Library/Filter"},
		{name: "missing prefix", input: "Library/Filter", wantErr: true},
		{name: "escape", input: "$/../etc", wantErr: true},
		{name: "nested escape", input: "$/Library/../../etc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := relative(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNewLocalVault_MissingRoot(t *testing.T) {
	if _, err := NewLocalVault(filepath.Join(t.TempDir(), "missing"), zerolog.Nop()); err == nil {
		t.Error("Expected error for missing root")
	}
}

func TestLocalVault_ResolveFolder(t *testing.T) {
	vault, _ := newTestVault(t)
	ctx := context.Background()

	folder, err := vault.ResolveFolder(ctx, "$/Library/Filter")
	if err != nil {
		t.Fatalf("ResolveFolder failed: %v", err)
	}
	if folder.Path != "$/Library/Filter" {
		t.Errorf("Expected path $/Library/Filter, got %s", folder.Path)
	}

	_, err = vault.ResolveFolder(ctx, "$/Library/Missing")
	if !errors.Is(err, engine.ErrFolderNotFound) {
		t.Errorf("Expected ErrFolderNotFound, got %v", err)
	}

	_, err = vault.ResolveFolder(ctx, "$/Library/Filter/Filter.iam")
	if !errors.Is(err, engine.ErrFolderNotFound) {
		t.Errorf("Expected ErrFolderNotFound for a file, got %v", err)
	}
}

func TestLocalVault_List(t *testing.T) {
	vault, _ := newTestVault(t)
	ctx := context.Background()

	folder, err := vault.ResolveFolder(ctx, "$/Library/Filter")
	if err != nil {
		t.Fatalf("ResolveFolder failed: %v", err)
	}

	subs, err := vault.ListSubfolders(ctx, folder)
	if err != nil {
		t.Fatalf("ListSubfolders failed: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("Expected 2 subfolders, got %d", len(subs))
	}
	if subs[0].Path != "$/Library/Filter/Drawings" || subs[1].Path != "$/Library/Filter/Parts" {
		t.Errorf("Unexpected subfolders: %+v", subs)
	}

	files, err := vault.ListLatestFiles(ctx, folder)
	if err != nil {
		t.Fatalf("ListLatestFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(files))
	}
	if files[0].Path != "$/Library/Filter/Filter.iam" {
		t.Errorf("Expected Filter.iam first, got %s", files[0].Path)
	}
	if files[0].Size != int64(len("assembly")) {
		t.Errorf("Expected size %d, got %d", len("assembly"), files[0].Size)
	}
}

func TestLocalVault_Acquire(t *testing.T) {
	vault, _ := newTestVault(t)
	ctx := context.Background()
	staging := t.TempDir()

	files := []engine.RepositoryFile{
		{ID: "Library/Filter/Filter.iam", Path: "$/Library/Filter/Filter.iam"},
		{ID: "Library/Filter/Parts/Housing.ipt", Path: "$/Library/Filter/Parts/Housing.ipt"},
	}
	if err := vault.Acquire(ctx, files, staging); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(staging, "Library", "Filter", "Parts", "Housing.ipt"))
	if err != nil {
		t.Fatalf("Expected mirrored file: %v", err)
	}
	if string(data) != "part" {
		t.Errorf("Expected content part, got %q", data)
	}

	// Re-acquiring over existing copies succeeds.
	if err := vault.Acquire(ctx, files, staging); err != nil {
		t.Errorf("Second Acquire failed: %v", err)
	}
}

func TestLocalVault_AcquireMissingFile(t *testing.T) {
	vault, _ := newTestVault(t)
	staging := t.TempDir()

	files := []engine.RepositoryFile{
		{ID: "Library/Filter/Filter.iam", Path: "$/Library/Filter/Filter.iam"},
		{ID: "Library/Filter/Gone.ipt", Path: "$/Library/Filter/Gone.ipt"},
	}
	err := vault.Acquire(context.Background(), files, staging)
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected wrapped not-exist error, got %v", err)
	}
}

func TestLocalVault_AcquireCancelled(t *testing.T) {
	vault, _ := newTestVault(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	files := []engine.RepositoryFile{{ID: "Library/Filter/Filter.iam", Path: "$/Library/Filter/Filter.iam"}}
	if err := vault.Acquire(ctx, files, t.TempDir()); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
