package docstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAtomicReplacesContent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	if err := writeAtomic(path, []byte("first")); err != nil {
		t.Fatalf("writeAtomic() error = %v", err)
	}
	if err := writeAtomic(path, []byte("second")); err != nil {
		t.Fatalf("writeAtomic() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("content = %q, want second", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != defaultFilePerm && os.PathSeparator == '/' {
		t.Fatalf("perm = %o, want %o", perm, defaultFilePerm)
	}
}

func TestWriteAtomicReportsStep(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	err := writeAtomic(filepath.Join(blocker, "doc.json"), []byte("{}"))
	if !errors.Is(err, ErrAtomicWriteFailed) {
		t.Fatalf("writeAtomic() error = %v, want ErrAtomicWriteFailed", err)
	}
	if !strings.Contains(err.Error(), "mkdir") {
		t.Fatalf("error %q does not name the failing step", err)
	}
}
