package nds

import "github.com/ndsdb/nds/errs"

// Sentinel errors returned by the store and its sub-packages. Callers should
// compare with errors.Is rather than type assertions. Aliased from nds/errs
// so every layer (including the leaf packages that cannot import this
// façade package) shares the same error identities.
var (
	ErrInvalidKey         = errs.ErrInvalidKey
	ErrDiskOpen           = errs.ErrDiskOpen
	ErrDiskTxn            = errs.ErrDiskTxn
	ErrDiskCorrupt        = errs.ErrDiskCorrupt
	ErrFlushPartial       = errs.ErrFlushPartial
	ErrWorkerStartFailed  = errs.ErrWorkerStartFailed
	ErrSnapshotCopyFailed = errs.ErrSnapshotCopyFailed
	ErrReentrantFlush     = errs.ErrReentrantFlush
	ErrModeConflict       = errs.ErrModeConflict
	ErrKeyNotFound        = errs.ErrKeyNotFound
	ErrKeyExists          = errs.ErrKeyExists
)
