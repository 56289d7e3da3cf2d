package dirtyset

import "errors"

// ErrReentrantRotate is returned by Rotate when flushing is non-empty,
// i.e. a flush is already in progress for that database.
var ErrReentrantRotate = errors.New("dirtyset: rotate called with non-empty flushing set")
