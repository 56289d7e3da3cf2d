// Package flush implements the flush/snapshot controller: the state
// machine coordinating background flushes and snapshots, with "fork a
// child" reinterpreted as "hand an immutable snapshot to a flush worker
// goroutine" (see the sync/async worker duality below, mirrored on the
// teacher's triedb/pathdb trie node buffer).
package flush

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ndsdb/nds/cachepath"
	"github.com/ndsdb/nds/diskstore"
	"github.com/ndsdb/nds/dirtyset"
	"github.com/ndsdb/nds/errs"
	"github.com/ndsdb/nds/log"
	"github.com/ndsdb/nds/objval"
)

// State is the controller's current phase.
type State int

const (
	Idle State = iota
	Flushing
	FlushingThenSnapshot
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Flushing:
		return "flushing"
	case FlushingThenSnapshot:
		return "flushing_then_snapshot"
	default:
		return "unknown"
	}
}

// DatabaseSet is the narrow view the controller needs of the store's
// logical databases, kept separate from any concrete store type so this
// package has no dependency on the façade.
type DatabaseSet interface {
	Databases() []*cachepath.Database
	Registry() *dirtyset.Registry
}

// Result is delivered on the channel returned by StartAsync when the
// flush worker finishes.
type Result struct {
	Err             error
	SnapshotApplied bool
}

// Controller drives the flush/snapshot state machine described by this
// package. One Controller serves one store.
type Controller struct {
	env        *diskstore.Environment
	dbs        DatabaseSet
	snapshotBaseDir string
	batchSize       int
	interruptEvery  int
	compress        bool

	mu               sync.Mutex
	state            State
	snapshotPending  bool
	snapshotInFlight bool
}

// NewController builds a controller over env/dbs, writing snapshots under
// snapshotBaseDir. batchSize is stored on the controller but not passed to
// the disk store: writer transactions are batched at diskstore's fixed
// 50,000-op bound whatever batchSize is.
func NewController(env *diskstore.Environment, dbs DatabaseSet, snapshotBaseDir string, batchSize, interruptEvery int, compress bool) *Controller {
	if batchSize <= 0 {
		batchSize = 50000
	}
	if interruptEvery <= 0 {
		interruptEvery = 1000
	}
	return &Controller{
		env:             env,
		dbs:             dbs,
		snapshotBaseDir: snapshotBaseDir,
		batchSize:       batchSize,
		interruptEvery:  interruptEvery,
		compress:        compress,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// flushWorker is the interface implemented by the synchronous and
// asynchronous flush strategies, mirroring
// triedb/pathdb.NewTrieNodeBuffer(sync bool, ...)'s dual implementations.
type flushWorker interface {
	run(c *Controller, snapshot bool) Result
}

type syncWorker struct{}
type asyncWorker struct{}

func (syncWorker) run(c *Controller, snapshot bool) Result  { return c.doFlush(snapshot) }
func (asyncWorker) run(c *Controller, snapshot bool) Result { return c.doFlush(snapshot) }

func newFlushWorker(sync bool) flushWorker {
	if sync {
		return syncWorker{}
	}
	return asyncWorker{}
}

// Flush runs a synchronous flush to completion, used by callers (like
// KEYS) that require the dirty set to be fully drained before proceeding.
func (c *Controller) Flush(ctx context.Context) error {
	res, err := c.start(false /* async */, false /* snapshot */)
	if err != nil {
		return err
	}
	if res != nil {
		return res.Err
	}
	return nil
}

// StartAsync begins a background flush and returns immediately with a
// channel that receives the single Result when the worker finishes.
func (c *Controller) StartAsync(snapshot bool) (<-chan Result, error) {
	ch := make(chan Result, 1)
	c.mu.Lock()
	if c.state != Idle {
		if snapshot {
			c.snapshotPending = true
			c.mu.Unlock()
			close(ch)
			return ch, errs.ErrReentrantFlush
		}
		c.mu.Unlock()
		return nil, errs.ErrReentrantFlush
	}
	if snapshot {
		c.state = FlushingThenSnapshot
	} else {
		c.state = Flushing
	}
	c.mu.Unlock()

	go func() {
		ch <- c.runWorker(newFlushWorker(false), snapshot)
	}()
	return ch, nil
}

// Snapshot starts (or queues behind an in-flight flush) a flush+copy.
func (c *Controller) Snapshot(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.snapshotPending = true
		c.mu.Unlock()
		return nil // deferred: the completion handler will re-dispatch
	}
	c.state = FlushingThenSnapshot
	c.mu.Unlock()

	res := c.runWorker(newFlushWorker(true), true)
	return res.Err
}

// start is the shared synchronous entry point used by Flush.
func (c *Controller) start(async, snapshot bool) (*Result, error) {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return nil, errs.ErrReentrantFlush
	}
	if snapshot {
		c.state = FlushingThenSnapshot
	} else {
		c.state = Flushing
	}
	c.mu.Unlock()

	res := c.runWorker(newFlushWorker(true), snapshot)
	return &res, nil
}

// runWorker executes one full flush cycle (and snapshot copy, if
// requested), then performs completion handling and re-dispatches a
// pending snapshot if one was queued behind this flush.
func (c *Controller) runWorker(w flushWorker, snapshot bool) Result {
	res := w.run(c, snapshot)

	c.mu.Lock()
	c.state = Idle
	requeueSnapshot := c.snapshotPending
	c.snapshotPending = false
	c.mu.Unlock()

	if res.Err == nil {
		log.Debug("flush completed", "snapshot", snapshot)
	} else {
		log.Warn("flush failed", "err", res.Err)
	}

	if requeueSnapshot {
		go func() {
			if _, err := c.StartAsync(true); err != nil {
				log.Warn("requeued snapshot failed to start", "err", err)
			}
		}()
	}
	return res
}

// doFlush is the core per-database flush algorithm: rotate dirty into
// flushing, write an immutable snapshot of the flushing set to disk via
// the Serialization Bridge, and on success clear flushing; on any
// failure, merge flushing back into dirty for retry on the next cycle.
func (c *Controller) doFlush(snapshot bool) Result {
	registry := c.dbs.Registry()
	dirtyBefore := registry.DirtyCount()
	_ = dirtyBefore // parity with the design's dirty_before_bgsave bookkeeping

	if err := c.env.QuiesceForFlush(); err != nil {
		// Environment still has open handles: proceed without the
		// quiesce step rather than failing the flush outright, since
		// bbolt's single-writer discipline is enforced per-Handle, not
		// by the environment teardown the original fork-based design
		// required.
		log.Debug("flush proceeding without quiescing environment", "err", err)
	}

	var failed bool
	for _, db := range c.dbs.Databases() {
		if err := c.flushOneDatabase(db, registry); err != nil {
			log.Warn("flush failed for database", "db", db.ID, "err", err)
			registry.MergeBack(db.ID)
			failed = true
			continue
		}
		registry.ClearFlushing(db.ID)
	}

	if failed {
		return Result{Err: errs.ErrFlushPartial}
	}

	if snapshot {
		if err := c.writeSnapshot(); err != nil {
			return Result{Err: fmt.Errorf("%w: %v", errs.ErrSnapshotCopyFailed, err)}
		}
		return Result{SnapshotApplied: true}
	}
	return Result{}
}

// flushOneDatabase implements flush_dirty_keys for a single database:
// rotate, then for each rotated key either delete (if it no longer exists
// in dict) or encode-and-set.
func (c *Controller) flushOneDatabase(db *cachepath.Database, registry *dirtyset.Registry) error {
	keys, err := registry.Rotate(db.ID)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	h, err := c.env.Open(db.ID, diskstore.ModeWriter)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDiskOpen, err)
	}
	defer h.Close()

	for i, k := range keys {
		key := []byte(k)
		v, expireAt, resident := db.Snapshot(key)
		if !resident {
			if err := h.Delete(db.ID, key); err != nil && err != diskstore.ErrNotFound {
				return fmt.Errorf("%w: %v", errs.ErrDiskTxn, err)
			}
			continue
		}
		payload := objval.Encode(v, expireAt)
		if err := h.Set(db.ID, key, payload); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrDiskTxn, err)
		}
		if c.interruptEvery > 0 && (i+1)%c.interruptEvery == 0 {
			// Yield point matching the design's interrupt_rate during
			// long flushes; there is no event loop to service here, and
			// nothing is called at this point.
		}
	}
	return nil
}

// writeSnapshot removes and recreates the snapshot destination directory
// and copies the current environment into it, producing a consistent
// file-level copy that reflects this flush's writes.
func (c *Controller) writeSnapshot() error {
	if err := os.RemoveAll(c.snapshotBaseDir); err != nil {
		return err
	}
	if err := os.MkdirAll(c.snapshotBaseDir, 0755); err != nil {
		return err
	}
	h, err := c.env.Open(0, diskstore.ModeReader)
	if err != nil {
		return err
	}
	defer h.Close()
	if err := h.CopyEnvironment(c.snapshotBaseDir); err != nil {
		return err
	}
	if c.compress {
		return compressSnapshot(filepath.Join(c.snapshotBaseDir, "data.db"))
	}
	return nil
}
