package docstore

import "errors"

var (
	ErrInvalidPath       = errors.New("docstore: invalid path")
	ErrEncodeFailed      = errors.New("docstore: encode failed")
	ErrDecodeFailed      = errors.New("docstore: decode failed")
	ErrAtomicWriteFailed = errors.New("docstore: atomic write failed")
	ErrDirLocked         = errors.New("docstore: state dir is locked by another process")
	ErrReadOnly          = errors.New("docstore: store is read-only")
)
