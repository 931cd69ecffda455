package docstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600
)

func normalizePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return filepath.Clean(path), nil
}

// writeAtomic stages content next to path and swaps it in with a rename, so
// a crash mid-write leaves the previous document intact.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return stageErr(path, "mkdir "+dir, err)
	}

	staged, err := os.CreateTemp(dir, "."+filepath.Base(path)+".staging-*")
	if err != nil {
		return stageErr(path, "open staging file", err)
	}
	stagedPath := staged.Name()
	if err := fillStaged(staged, content); err != nil {
		_ = staged.Close()
		_ = os.Remove(stagedPath)
		return stageErr(path, "fill staging file", err)
	}
	if err := os.Rename(stagedPath, path); err != nil {
		_ = os.Remove(stagedPath)
		return stageErr(path, "swap in staging file", err)
	}
	syncDir(dir)
	return nil
}

// fillStaged writes, flushes and closes f.
func fillStaged(f *os.File, content []byte) error {
	if _, err := f.Write(content); err != nil {
		return err
	}
	if err := f.Chmod(defaultFilePerm); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return f.Close()
}

// syncDir persists the directory entry after a rename. Best effort: some
// platforms refuse fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func stageErr(path, step string, err error) error {
	return fmt.Errorf("%w: %s (%s): %v", ErrAtomicWriteFailed, path, step, err)
}
