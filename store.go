// Package nds is the write-behind disk cache described by this module: an
// in-memory key/value map backed by a persistent, ordered, transactional
// disk store, with read-through lookups, write-behind flushing, and an
// optional negative-lookup keycache.
package nds

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/ndsdb/nds/cachepath"
	"github.com/ndsdb/nds/diskstore"
	"github.com/ndsdb/nds/dirtyset"
	"github.com/ndsdb/nds/flush"
	"github.com/ndsdb/nds/log"
	"github.com/ndsdb/nds/objval"
)

// Store is the façade a caller drives. It owns every logical database,
// the shared disk environment, the dirty-set registry, and the flush
// controller.
type Store struct {
	cfg Config

	env      *diskstore.Environment
	registry *dirtyset.Registry
	flush    *flush.Controller

	mu  sync.RWMutex
	dbs map[int]*cachepath.Database

	notifier ModifiedKeyNotifier
	feeder   ReplicationFeeder

	dirtyCounter uint64 // mirrors server.dirty: incremented on every write-path mutation
}

// Option configures optional collaborators on Open.
type Option func(*Store)

// WithNotifier installs the watch/notify hook every write-path mutation
// calls.
func WithNotifier(n ModifiedKeyNotifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithReplicationFeeder installs the replication/AOF DEL feed called when
// an expired key is reaped.
func WithReplicationFeeder(f ReplicationFeeder) Option {
	return func(s *Store) { s.feeder = f }
}

// Open constructs a Store from cfg and prepares (but does not yet
// populate) every configured logical database.
func Open(cfg Config, opts ...Option) (*Store, error) {
	env := diskstore.NewEnvironment(cfg.BaseDir)
	registry := dirtyset.NewRegistry(cfg.KeyCache)

	s := &Store{
		cfg:      cfg,
		env:      env,
		registry: registry,
		dbs:      make(map[int]*cachepath.Database),
		notifier: noopNotifier{},
		feeder:   noopFeeder{},
	}
	for _, opt := range opts {
		opt(s)
	}

	for i := 0; i < cfg.Databases; i++ {
		s.dbs[i] = cachepath.NewDatabase(i, registry, env)
	}

	snapshotDir := filepath.Join(cfg.BaseDir, "snapshot")
	s.flush = flush.NewController(env, s, snapshotDir, cfg.FlushBatchSize, cfg.FlushInterruptEvery, cfg.SnapshotCompression)

	if cfg.KeyCache {
		if err := s.loadKeycache(); err != nil {
			return nil, err
		}
	}
	log.Info("nds store opened", "databases", cfg.Databases, "base_dir", cfg.BaseDir, "keycache", cfg.KeyCache)
	return s, nil
}

// Databases implements flush.DatabaseSet.
func (s *Store) Databases() []*cachepath.Database {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*cachepath.Database, 0, len(s.dbs))
	for _, db := range s.dbs {
		out = append(out, db)
	}
	return out
}

// Registry implements flush.DatabaseSet.
func (s *Store) Registry() *dirtyset.Registry { return s.registry }

func (s *Store) db(id int) (*cachepath.Database, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, ok := s.dbs[id]
	return db, ok
}

func (s *Store) loadKeycache() error {
	for id, db := range s.dbs {
		h, err := s.env.Open(id, diskstore.ModeReader)
		if err != nil {
			return err
		}
		var keys [][]byte
		err = h.Walk(id, func(key []byte) bool {
			keys = append(keys, append([]byte(nil), key...))
			return true
		}, 10000, nil)
		h.Close()
		if err != nil {
			return err
		}
		s.registry.LoadKeycache(id, keys)
		_ = db
	}
	return nil
}

// Get performs the read-through lookup for database db.
func (s *Store) Get(db int, key []byte) (*objval.Value, bool, error) {
	d, ok := s.db(db)
	if !ok {
		return nil, false, ErrKeyNotFound
	}
	return d.LookupRead(key)
}

// Set installs key=value in database db, inserting or overwriting as
// appropriate, and signals the write.
func (s *Store) Set(db int, key []byte, v *objval.Value) error {
	d, ok := s.db(db)
	if !ok {
		return ErrKeyNotFound
	}
	if err := cachepath.ValidateKey(key); err != nil {
		return ErrInvalidKey
	}
	_, exists, err := d.LookupWrite(key)
	if err != nil {
		return err
	}
	if exists {
		if err := d.Overwrite(key, v, s.cfg.Enabled); err != nil {
			return err
		}
	} else {
		if err := d.Insert(key, v, s.cfg.Enabled); err != nil {
			return err
		}
	}
	s.signalModified(db, key)
	return nil
}

// Delete removes key from database db, returning the number of keys
// actually removed (0 or 1).
func (s *Store) Delete(db int, key []byte) (int, error) {
	d, ok := s.db(db)
	if !ok {
		return 0, ErrKeyNotFound
	}
	n, err := d.Delete(key, s.cfg.Enabled)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.signalModified(db, key)
	}
	return n, nil
}

// Exists reports whether key is present in database db.
func (s *Store) Exists(db int, key []byte) (bool, error) {
	_, ok, err := s.Get(db, key)
	return ok, err
}

// Rename moves src to dst within database db, honoring nx.
func (s *Store) Rename(db int, src, dst []byte, nx bool) (bool, error) {
	d, ok := s.db(db)
	if !ok {
		return false, ErrKeyNotFound
	}
	return d.Rename(src, dst, nx, s.cfg.Enabled, func(key []byte) { s.signalModified(db, key) })
}

// Persist drops key's TTL in database db.
func (s *Store) Persist(db int, key []byte) (bool, error) {
	d, ok := s.db(db)
	if !ok {
		return false, ErrKeyNotFound
	}
	had, err := d.Persist(key)
	if err != nil {
		return false, err
	}
	if had {
		s.signalModified(db, key)
	}
	return had, nil
}

// TTL reports key's remaining time-to-live in milliseconds in database db,
// or ok=false if key has no expiry or does not exist.
func (s *Store) TTL(db int, key []byte) (int64, bool, error) {
	d, ok := s.db(db)
	if !ok {
		return 0, false, ErrKeyNotFound
	}
	return d.TTL(key)
}

// Expire consults and enforces key's TTL in database db.
func (s *Store) Expire(db int, key []byte) bool {
	d, ok := s.db(db)
	if !ok {
		return false
	}
	expired := d.ExpireIfNeeded(key)
	if expired {
		s.feeder.FeedDelete(db, key)
	}
	return expired
}

// Keys performs the synchronous KEYS procedure: force a flush (which
// empties flushing on success), walk the disk keyspace, and match the
// pattern. It does not wait for a flush that is already running: in that
// case it returns ErrReentrantFlush.
func (s *Store) Keys(ctx context.Context, db int, pattern []byte) ([][]byte, error) {
	d, ok := s.db(db)
	if !ok {
		return nil, ErrKeyNotFound
	}
	if err := s.flush.Flush(ctx); err != nil {
		return nil, err
	}
	return d.Keys(pattern)
}

// MemKeys returns only the keys resident in memory for database db.
func (s *Store) MemKeys(db int) [][]byte {
	d, ok := s.db(db)
	if !ok {
		return nil
	}
	return d.MemKeys()
}

// Preload walks every database's on-disk keyspace and faults every key
// into dict, idempotently.
func (s *Store) Preload(ctx context.Context) error {
	for id, d := range s.dbs {
		h, err := s.env.Open(id, diskstore.ModeReader)
		if err != nil {
			return err
		}
		var walkErr error
		err = h.Walk(id, func(key []byte) bool {
			if _, _, err := d.LookupRead(key); err != nil {
				walkErr = err
				return false
			}
			return true
		}, s.cfg.FlushInterruptEvery, nil)
		h.Close()
		if err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}
	}
	return nil
}

// Flush starts a synchronous flush and blocks until it completes.
func (s *Store) Flush(ctx context.Context) error {
	return s.flush.Flush(ctx)
}

// Snapshot starts (or queues) a flush+copy.
func (s *Store) Snapshot(ctx context.Context) error {
	return s.flush.Snapshot(ctx)
}

// ClearStats zeroes every database's cache-hit/cache-miss counters.
func (s *Store) ClearStats() {
	for _, d := range s.dbs {
		d.ClearStats()
	}
}

func (s *Store) signalModified(db int, key []byte) {
	s.dirtyCounter++
	s.notifier.KeyModified(db, key)
}
