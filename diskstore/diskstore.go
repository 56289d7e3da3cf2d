// Package diskstore implements the disk store adapter: an ordered,
// transactional, single-writer multi-reader byte-key/value store backed
// by bbolt, with refcounted environment lifetime, bounded transaction
// batching, and a cursor walk.
package diskstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sys/unix"

	"github.com/ndsdb/nds/log"
)

// Mode is the access mode a Handle is opened with.
type Mode int

const (
	ModeReader Mode = iota
	ModeWriter
)

const (
	// MaxKeyLen is the largest accepted key, inclusive.
	MaxKeyLen = 511
	// MaxValueLen is the largest accepted value, inclusive (2^32 - 1).
	MaxValueLen = 1<<32 - 1
	// defaultTxnBatchSize bounds a single writer transaction before an implicit
	// commit-and-reopen, mirroring the source's ~50,000 op rotation.
	defaultTxnBatchSize = 50000
)

var (
	ErrModeConflict = errors.New("diskstore: environment reopened with conflicting mode")
	ErrKeyTooLong   = errors.New("diskstore: key exceeds maximum length")
	ErrValueTooLong = errors.New("diskstore: value exceeds maximum length")
	ErrNotFound     = errors.New("diskstore: key not found")
	ErrClosed       = errors.New("diskstore: environment is closed")
)

func bucketName(dbID int) []byte {
	return []byte(fmt.Sprintf("freezer_%d", dbID))
}

// Environment owns the single process-global *bolt.DB for one data file,
// refcounted so nested opens in the same mode share one handle.
type Environment struct {
	path string

	mu       sync.Mutex
	db       *bolt.DB
	mode     Mode
	refcount int
}

// NewEnvironment creates an unopened environment rooted at dataDir/data.db.
func NewEnvironment(dataDir string) *Environment {
	return &Environment{path: filepath.Join(dataDir, "data.db")}
}

// Handle is a refcounted lease on the environment, owning an in-flight
// write transaction when Mode is ModeWriter.
type Handle struct {
	env  *Environment
	mode Mode

	mu       sync.Mutex
	tx       *bolt.Tx
	opCount  int
	batchCap int
}

// Open acquires a Handle in the given mode. Nested opens in the same mode
// share the underlying *bolt.DB; opening with a differing mode while the
// refcount is non-zero is rejected. On first creation (the data file is
// absent) mode is forced to ModeWriter so the bucket tree can be created.
func (e *Environment) Open(dbID int, mode Mode) (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db == nil {
		if _, err := os.Stat(e.path); os.IsNotExist(err) {
			mode = ModeWriter
		}
		if err := e.openLocked(); err != nil {
			return nil, err
		}
		e.mode = mode
	} else if e.refcount > 0 && e.mode != mode {
		return nil, ErrModeConflict
	} else if e.refcount == 0 && e.mode != mode {
		e.db.Close()
		e.db = nil
		if err := e.openLocked(); err != nil {
			return nil, err
		}
		e.mode = mode
	}
	e.refcount++

	h := &Handle{env: e, mode: mode, batchCap: defaultTxnBatchSize}
	if mode == ModeWriter {
		tx, err := e.db.Begin(true)
		if err != nil {
			e.refcount--
			return nil, fmt.Errorf("diskstore: begin writer txn: %w", err)
		}
		h.tx = tx
	}
	if err := h.ensureBucket(dbID); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (e *Environment) openLocked() error {
	if err := os.MkdirAll(filepath.Dir(e.path), 0755); err != nil {
		return fmt.Errorf("diskstore: mkdir: %w", err)
	}
	opts := *bolt.DefaultOptions
	opts.InitialMmapSize = initialMmapSize(e.path)
	db, err := bolt.Open(e.path, 0644, &opts)
	if err != nil {
		return fmt.Errorf("diskstore: open: %w", err)
	}
	e.db = db
	log.Debug("diskstore environment opened", "path", e.path)
	return nil
}

// initialMmapSize probes the filesystem's reported capacity and rounds it
// down to a multiple of the system page size, the Go analogue of the
// original map-size computation ahead of LMDB's mdb_env_set_mapsize.
func initialMmapSize(path string) int {
	var stat unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(path), &stat); err != nil {
		return 0
	}
	total := int64(stat.Blocks) * stat.Bsize
	page := int64(os.Getpagesize())
	if page == 0 || total <= 0 {
		return 0
	}
	size := (total / page) * page
	// bbolt remaps lazily regardless; cap the hint so we never ask it to
	// reserve the whole disk up front.
	const cap = 1 << 30
	if size > cap {
		size = cap
	}
	return int(size)
}

func (h *Handle) ensureBucket(dbID int) error {
	name := bucketName(dbID)
	if h.mode == ModeWriter {
		_, err := h.tx.CreateBucketIfNotExists(name)
		return err
	}
	return nil
}

func (h *Handle) bucket(dbID int) (*bolt.Bucket, error) {
	if h.mode == ModeWriter {
		b := h.tx.Bucket(bucketName(dbID))
		if b == nil {
			return nil, fmt.Errorf("diskstore: bucket freezer_%d missing", dbID)
		}
		return b, nil
	}
	return nil, errors.New("diskstore: bucket() only valid inside a writer/reader view")
}

// Get fetches the value for key in database dbID. Returns ErrNotFound if
// absent. Safe to call on either a reader or writer Handle.
func (h *Handle) Get(dbID int, key []byte) ([]byte, error) {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return nil, ErrKeyTooLong
	}
	var out []byte
	err := h.view(dbID, func(b *bolt.Bucket) error {
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Exists reports whether key is present in database dbID.
func (h *Handle) Exists(dbID int, key []byte) (bool, error) {
	_, err := h.Get(dbID, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Set stores key/value in database dbID. Only valid on a writer Handle.
func (h *Handle) Set(dbID int, key, value []byte) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return ErrKeyTooLong
	}
	if len(value) > MaxValueLen {
		return ErrValueTooLong
	}
	if h.mode != ModeWriter {
		return errors.New("diskstore: Set requires a writer handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.bucket(dbID)
	if err != nil {
		return err
	}
	if err := b.Put(key, value); err != nil {
		return fmt.Errorf("diskstore: put: %w", err)
	}
	return h.maybeRotateTxn(dbID)
}

// Delete removes key from database dbID. Only valid on a writer Handle.
// Returns ErrNotFound if the key was absent.
func (h *Handle) Delete(dbID int, key []byte) error {
	if h.mode != ModeWriter {
		return errors.New("diskstore: Delete requires a writer handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.bucket(dbID)
	if err != nil {
		return err
	}
	if b.Get(key) == nil {
		return ErrNotFound
	}
	if err := b.Delete(key); err != nil {
		return fmt.Errorf("diskstore: delete: %w", err)
	}
	return h.maybeRotateTxn(dbID)
}

// DropAll removes every key in database dbID.
func (h *Handle) DropAll(dbID int) error {
	if h.mode != ModeWriter {
		return errors.New("diskstore: DropAll requires a writer handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	name := bucketName(dbID)
	if err := h.tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return err
	}
	if _, err := h.tx.CreateBucketIfNotExists(name); err != nil {
		return err
	}
	return nil
}

// maybeRotateTxn commits and reopens the writer transaction once the
// bounded batch size is reached, the bounded transaction batching the
// design requires to keep a single transaction's footprint capped.
func (h *Handle) maybeRotateTxn(dbID int) error {
	h.opCount++
	if h.opCount < h.batchCap {
		return nil
	}
	if err := h.tx.Commit(); err != nil {
		return fmt.Errorf("diskstore: commit: %w", err)
	}
	tx, err := h.env.db.Begin(true)
	if err != nil {
		return fmt.Errorf("diskstore: begin: %w", err)
	}
	h.tx = tx
	h.opCount = 0
	if _, err := tx.CreateBucketIfNotExists(bucketName(dbID)); err != nil {
		return err
	}
	log.Debug("diskstore rotated writer transaction", "batch", h.batchCap)
	return nil
}

func (h *Handle) view(dbID int, fn func(b *bolt.Bucket) error) error {
	if h.mode == ModeWriter {
		h.mu.Lock()
		defer h.mu.Unlock()
		b := h.tx.Bucket(bucketName(dbID))
		if b == nil {
			return ErrNotFound
		}
		return fn(b)
	}
	return h.env.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(dbID))
		if b == nil {
			return ErrNotFound
		}
		return fn(b)
	})
}

// Walk opens a read-only cursor over database dbID and invokes fn(key) for
// every key in natural (sorted) order. Every interruptEvery records it
// calls yield, if non-nil, so the caller can service other work. fn may
// return false to terminate the walk early.
func (h *Handle) Walk(dbID int, fn func(key []byte) bool, interruptEvery int, yield func()) error {
	return h.env.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(dbID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		count := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !fn(append([]byte(nil), k...)) {
				return nil
			}
			count++
			if interruptEvery > 0 && count%interruptEvery == 0 && yield != nil {
				yield()
			}
		}
		return nil
	})
}

// CopyEnvironment produces an atomic file-level snapshot of the underlying
// data file at destDir/data.db.
func (h *Handle) CopyEnvironment(destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	dest := filepath.Join(destDir, "data.db")
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return h.env.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(f)
		return err
	})
}

// Close decrements the environment refcount; at zero, commits any pending
// writer transaction.
func (h *Handle) Close() error {
	h.env.mu.Lock()
	defer h.env.mu.Unlock()

	var err error
	if h.mode == ModeWriter && h.tx != nil {
		err = h.tx.Commit()
		h.tx = nil
	}
	h.env.refcount--
	if h.env.refcount < 0 {
		h.env.refcount = 0
	}
	return err
}

// QuiesceForFlush fully closes the shared *bolt.DB so a flush worker may
// reopen its own handle without contending on bbolt's single active
// writer transaction. It is the Go stand-in for "must be closed before
// fork" in the design this package implements.
func (e *Environment) QuiesceForFlush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	if e.refcount > 0 {
		return errors.New("diskstore: cannot quiesce environment with open handles")
	}
	err := e.db.Close()
	e.db = nil
	return err
}
