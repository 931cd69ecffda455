//go:build windows

package docstore

import (
	"errors"
	"fmt"
	"os"
)

func acquireLockFile(path string) (*DirLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, defaultFilePerm)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrDirLocked, path)
		}
		return nil, fmt.Errorf("docstore: open lock %s: %w", path, err)
	}
	writeLockMetadata(file)
	return &DirLock{
		path: path,
		file: file,
		release: func() error {
			err := file.Close()
			_ = os.Remove(path)
			return err
		},
	}, nil
}
