package docstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const dirLockName = ".relaymirror.lck"

// DirLock is held for the lifetime of a process that owns a state directory.
type DirLock struct {
	path    string
	file    *os.File
	release func() error
}

// AcquireDirLock takes an exclusive, non-blocking lock on dir. It fails with
// ErrDirLocked when another process already holds it.
func AcquireDirLock(dir string) (*DirLock, error) {
	dir, err := normalizePath(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return nil, err
	}
	return acquireLockFile(filepath.Join(dir, dirLockName))
}

func (l *DirLock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *DirLock) Release() error {
	if l == nil || l.release == nil {
		return nil
	}
	release := l.release
	l.release = nil
	return release()
}

func writeLockMetadata(file *os.File) {
	host, _ := os.Hostname()
	data, err := json.Marshal(map[string]any{
		"pid":         os.Getpid(),
		"hostname":    host,
		"acquired_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	data = append(data, '\n')
	_ = file.Truncate(0)
	_, _ = file.Seek(0, 0)
	_, _ = file.Write(data)
	_ = file.Sync()
}
