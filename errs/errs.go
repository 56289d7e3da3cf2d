// Package errs holds the sentinel errors shared across NDS's leaf
// packages, kept separate from the root nds package to avoid import
// cycles (cachepath and flush both need to return these without
// importing the façade that imports them).
package errs

import "errors"

var (
	ErrInvalidKey         = errors.New("nds: invalid key")
	ErrDiskOpen           = errors.New("nds: disk store open failed")
	ErrDiskTxn            = errors.New("nds: disk store transaction failed")
	ErrDiskCorrupt        = errors.New("nds: disk payload corrupt")
	ErrFlushPartial       = errors.New("nds: flush partially failed")
	ErrWorkerStartFailed  = errors.New("nds: flush worker failed to start")
	ErrSnapshotCopyFailed = errors.New("nds: snapshot copy failed")
	ErrReentrantFlush     = errors.New("nds: background operation in progress")
	ErrModeConflict       = errors.New("nds: disk store reopened with conflicting mode")
	ErrKeyNotFound        = errors.New("nds: key not found")
	ErrKeyExists          = errors.New("nds: key already exists")
)
