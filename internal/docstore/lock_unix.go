//go:build !windows

package docstore

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func acquireLockFile(path string) (*DirLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, defaultFilePerm)
	if err != nil {
		return nil, fmt.Errorf("docstore: open lock %s: %w", path, err)
	}
	fd := int(file.Fd())
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, fmt.Errorf("%w: %s", ErrDirLocked, path)
		}
		return nil, fmt.Errorf("docstore: flock %s: %w", path, err)
	}
	writeLockMetadata(file)
	return &DirLock{
		path: path,
		file: file,
		release: func() error {
			_ = unix.Flock(fd, unix.LOCK_UN)
			return file.Close()
		},
	}, nil
}
