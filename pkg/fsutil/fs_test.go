package fsutil

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/equiplace/equiplace/pkg/engine"
)

func writeTree(t *testing.T, root string, files map[string]os.FileMode) {
	t.Helper()
	for rel, mode := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		if err := os.WriteFile(p, []byte(rel), mode); err != nil {
			t.Fatalf("Failed to write %s: %v", rel, err)
		}
	}
}

func TestOS_ListFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]os.FileMode{
		"Angular Filter.iam":            0o644,
		"Parts/Shaft.ipt":               0o644,
		"Parts/OldVersions/Shaft.ipt":   0o644,
		"Angular Filter.iam.bak":        0o644,
		"Parts/Thumbs.db":               0o644,
		"Drawings/Angular Filter.dwg":   0o644,
		"_V/Angular Filter (1).iam":     0o644,
		"Drawings/Angular Filter.dwg.v": 0o644,
	})

	fsys := New(engine.DefaultExclusions, zerolog.Nop())
	files, err := fsys.ListFiles(root)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}

	expected := []string{"Angular Filter.iam", "Drawings/Angular Filter.dwg", "Parts/Shaft.ipt"}
	if len(files) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, files)
	}
	for i := range expected {
		if files[i] != expected[i] {
			t.Errorf("File %d: expected %s, got %s", i, expected[i], files[i])
		}
	}
}

func TestOS_ListDirs(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]os.FileMode{
		"Angular Filter_01/a.iam": 0o644,
		"Angular Filter_02/a.iam": 0o644,
		"notes.txt":               0o644,
	})

	fsys := New(nil, zerolog.Nop())
	dirs, err := fsys.ListDirs(root)
	if err != nil {
		t.Fatalf("ListDirs failed: %v", err)
	}
	if len(dirs) != 2 {
		t.Errorf("Expected 2 dirs, got %v", dirs)
	}

	missing, err := fsys.ListDirs(filepath.Join(root, "missing"))
	if err != nil || missing != nil {
		t.Errorf("Expected nil listing for missing dir, got %v, %v", missing, err)
	}
}

func TestOS_PurgeReadOnlyTree(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]os.FileMode{
		"Library/Equipment/Angular Filter/Angular Filter.iam": 0o444,
		"Library/Equipment/Angular Filter/Parts/Shaft.ipt":    0o444,
		"loose.txt":                                           0o444,
	})
	locked := filepath.Join(root, "Library", "Equipment", "Angular Filter", "Parts")
	if err := os.Chmod(locked, 0o555); err != nil {
		t.Fatalf("Failed to lock dir: %v", err)
	}

	fsys := New(nil, zerolog.Nop(), WithRetry(1, time.Millisecond))
	if err := fsys.NormalizeAttributes(root); err != nil {
		t.Fatalf("NormalizeAttributes failed: %v", err)
	}

	residual, err := fsys.Purge(root)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if len(residual) != 0 {
		t.Errorf("Expected no residual, got %v", residual)
	}

	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("Expected empty root, got %d entries", len(entries))
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("Expected root itself to survive: %v", err)
	}
}

func TestOS_NormalizeAttributes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not attributes on windows")
	}

	root := t.TempDir()
	writeTree(t, root, map[string]os.FileMode{"a/b.ipt": 0o444})

	fsys := New(nil, zerolog.Nop())
	if err := fsys.NormalizeAttributes(root); err != nil {
		t.Fatalf("NormalizeAttributes failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(root, "a", "b.ipt"))
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm()&0o200 == 0 {
		t.Errorf("Expected owner write bit, got %v", info.Mode().Perm())
	}
}

func TestOS_CopyTree(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "Angular Filter_01")
	writeTree(t, src, map[string]os.FileMode{
		"Angular Filter.iam":          0o444,
		"Parts/Shaft.ipt":             0o644,
		"Parts/OldVersions/Shaft.ipt": 0o644,
	})

	fsys := New(engine.DefaultExclusions, zerolog.Nop())
	n, err := fsys.CopyTree(src, dst)
	if err != nil {
		t.Fatalf("CopyTree failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 files copied, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(dst, "Parts", "Shaft.ipt")); err != nil {
		t.Errorf("Expected nested file copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "Parts", "OldVersions")); !os.IsNotExist(err) {
		t.Errorf("Expected excluded folder not copied, got %v", err)
	}
}

// failingCloser accepts writes and fails on Close, like a file whose final flush
// is rejected.
type failingCloser struct {
	bytes.Buffer
	closed bool
}

func (f *failingCloser) Close() error {
	f.closed = true
	return errors.New("flush failed")
}

func TestWriteAndClose_ReportsCloseError(t *testing.T) {
	dst := &failingCloser{}
	err := writeAndClose(dst, strings.NewReader("assembly"))
	if err == nil || err.Error() != "flush failed" {
		t.Fatalf("Expected close error, got %v", err)
	}
	if !dst.closed {
		t.Error("Expected destination to be closed")
	}
	if dst.String() != "assembly" {
		t.Errorf("Expected content to be written, got %q", dst.String())
	}
}
