package docstore

import (
	"errors"
	"testing"
)

func TestAcquireDirLockIsExclusive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := AcquireDirLock(dir)
	if err != nil {
		t.Fatalf("AcquireDirLock() error = %v", err)
	}
	if _, err := AcquireDirLock(dir); !errors.Is(err, ErrDirLocked) {
		t.Fatalf("second AcquireDirLock() error = %v, want ErrDirLocked", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	again, err := AcquireDirLock(dir)
	if err != nil {
		t.Fatalf("AcquireDirLock() after release error = %v", err)
	}
	_ = again.Release()
}
