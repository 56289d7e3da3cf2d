// Package dirtyset implements the dirty-set registry: per-database dirty
// and flushing key sets, membership queries, rotation, and an optional
// keycache for fast negative lookups.
package dirtyset

import "sync"

// Change classifies why a key was marked dirty.
type Change int

const (
	Add Change = iota
	ChangeMod
	Delete
	Expired
)

type dbState struct {
	mu       sync.Mutex
	dirty    map[string]struct{}
	flushing map[string]struct{}
	keycache map[string]struct{} // nil when disabled, per-design: no boolean flag
}

func newDBState(keycacheEnabled bool) *dbState {
	s := &dbState{
		dirty:    make(map[string]struct{}),
		flushing: make(map[string]struct{}),
	}
	if keycacheEnabled {
		s.keycache = make(map[string]struct{})
	}
	return s
}

// Registry owns the dirty/flushing/keycache state for every logical
// database in the store.
type Registry struct {
	mu  sync.RWMutex
	dbs map[int]*dbState

	keycacheEnabled bool
}

// NewRegistry creates a registry. keycacheEnabled is fixed for the
// registry's lifetime: "cache present" is encoded statically, never as a
// boolean flag scattered through call sites.
func NewRegistry(keycacheEnabled bool) *Registry {
	return &Registry{dbs: make(map[int]*dbState), keycacheEnabled: keycacheEnabled}
}

func (r *Registry) stateFor(db int) *dbState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.dbs[db]
	if !ok {
		s = newDBState(r.keycacheEnabled)
		r.dbs[db] = s
	}
	return s
}

// Notify records that key changed in database db. Every change ensures
// the key is dirty; Add/Delete/Expired update the keycache; ChangeMod
// leaves the keycache alone (the key already existed).
func (r *Registry) Notify(db int, key []byte, change Change) {
	s := r.stateFor(db)
	k := string(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[k] = struct{}{}

	if s.keycache == nil {
		return
	}
	switch change {
	case Add:
		s.keycache[k] = struct{}{}
	case Delete, Expired:
		delete(s.keycache, k)
	}
}

// IsDirty reports whether key is pending persist or currently flushing.
func (r *Registry) IsDirty(db int, key []byte) bool {
	s := r.stateFor(db)
	k := string(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dirty[k]; ok {
		return true
	}
	_, ok := s.flushing[k]
	return ok
}

// CachedAbsent returns true iff the keycache is enabled and key is not in
// it — a fast, authoritative negative answer.
func (r *Registry) CachedAbsent(db int, key []byte) bool {
	s := r.stateFor(db)
	if s.keycache == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keycache[string(key)]
	return !ok
}

// KeycacheEnabled reports whether this registry maintains a keycache.
func (r *Registry) KeycacheEnabled() bool { return r.keycacheEnabled }

// LoadKeycache seeds the keycache for db with an initial key set, used at
// startup when preloading the on-disk keyspace.
func (r *Registry) LoadKeycache(db int, keys [][]byte) {
	s := r.stateFor(db)
	if s.keycache == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.keycache[string(k)] = struct{}{}
	}
}

// Rotate performs the atomic swap: flushing (which must be empty) becomes
// the new dirty, and the old dirty becomes the new flushing. It returns
// the rotated flushing set's keys as an immutable snapshot for the flush
// worker — the Go stand-in for fork()'s copy-on-write handoff.
func (r *Registry) Rotate(db int) ([]string, error) {
	s := r.stateFor(db)
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.flushing) != 0 {
		return nil, ErrReentrantRotate
	}
	snapshot := make([]string, 0, len(s.dirty))
	for k := range s.dirty {
		snapshot = append(snapshot, k)
	}
	s.flushing = s.dirty
	s.dirty = make(map[string]struct{})
	return snapshot, nil
}

// MergeBack inserts every element of flushing into dirty then empties
// flushing, used on flush failure so every unflushed key is retried.
func (r *Registry) MergeBack(db int) {
	s := r.stateFor(db)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.flushing {
		s.dirty[k] = struct{}{}
	}
	s.flushing = make(map[string]struct{})
}

// ClearFlushing empties flushing on a successful flush.
func (r *Registry) ClearFlushing(db int) {
	s := r.stateFor(db)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushing = make(map[string]struct{})
}

// Flushing returns a snapshot of the keys currently in the flushing set.
func (r *Registry) Flushing(db int) []string {
	s := r.stateFor(db)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.flushing))
	for k := range s.flushing {
		out = append(out, k)
	}
	return out
}

// DirtyCount returns the total number of dirty keys across every database
// known to the registry.
func (r *Registry) DirtyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, s := range r.dbs {
		s.mu.Lock()
		total += len(s.dirty)
		s.mu.Unlock()
	}
	return total
}

// FlushingCount returns the total number of keys currently flushing across
// every database known to the registry.
func (r *Registry) FlushingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, s := range r.dbs {
		s.mu.Lock()
		total += len(s.flushing)
		s.mu.Unlock()
	}
	return total
}
