// Package cachepath implements the read-through / write-behind lookup and
// mutation path on top of the disk store adapter, the serialization
// bridge, and the dirty-set registry.
package cachepath

import (
	"fmt"
	"sync"

	"github.com/ndsdb/nds/diskstore"
	"github.com/ndsdb/nds/dirtyset"
	"github.com/ndsdb/nds/errs"
	"github.com/ndsdb/nds/log"
	"github.com/ndsdb/nds/objval"
)

// Database is one logical database: the in-memory dict/expires cache, its
// dirty-set registry entry, and its disk namespace.
type Database struct {
	ID int

	mu      sync.RWMutex
	dict    map[string]*objval.Value
	expires map[string]int64 // ms since epoch; key must co-exist in dict

	registry *dirtyset.Registry
	env      *diskstore.Environment

	hits   uint64
	misses uint64
}

// NewDatabase constructs an empty logical database backed by registry and
// the disk environment env.
func NewDatabase(id int, registry *dirtyset.Registry, env *diskstore.Environment) *Database {
	return &Database{
		ID:       id,
		dict:     make(map[string]*objval.Value),
		expires:  make(map[string]int64),
		registry: registry,
		env:      env,
	}
}

// ValidateKey rejects empty or too-long keys.
func ValidateKey(key []byte) error {
	if len(key) == 0 || len(key) > diskstore.MaxKeyLen {
		return errs.ErrInvalidKey
	}
	return nil
}

// LookupRead performs the read-through lookup path for a client GET-style
// command: validate, expire-if-needed, dict hit, else fetch from disk.
func (d *Database) LookupRead(key []byte) (*objval.Value, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	if expired := d.ExpireIfNeeded(key); expired {
		d.mu.Lock()
		d.misses++
		d.mu.Unlock()
		return nil, false, nil
	}

	d.mu.Lock()
	v, ok := d.dict[string(key)]
	if ok {
		d.hits++
	} else {
		d.misses++
	}
	d.mu.Unlock()
	if ok {
		return v, true, nil
	}

	v, expireAt, err := d.FetchDisk(key)
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	d.installFromDisk(key, v, expireAt)
	return v, true, nil
}

// LookupWrite performs the same read-through path as LookupRead but does
// not affect hit/miss stats, for callers (SET-with-existence-check, etc.)
// that check existence as part of a write.
func (d *Database) LookupWrite(key []byte) (*objval.Value, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	if expired := d.ExpireIfNeeded(key); expired {
		return nil, false, nil
	}

	d.mu.RLock()
	v, ok := d.dict[string(key)]
	d.mu.RUnlock()
	if ok {
		return v, true, nil
	}

	v, expireAt, err := d.FetchDisk(key)
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	d.installFromDisk(key, v, expireAt)
	return v, true, nil
}

func (d *Database) installFromDisk(key []byte, v *objval.Value, expireAt *int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dict[string(key)] = v
	if expireAt != nil {
		d.expires[string(key)] = *expireAt
	}
}

// FetchDisk implements the disk fallback contract: a dirty or
// flushing key is never read from disk (the in-memory state, including
// its absence, is authoritative); a keycache negative answer short
// circuits without any disk I/O; otherwise it opens a reader handle,
// gets, verifies, and decodes.
func (d *Database) FetchDisk(key []byte) (*objval.Value, *int64, error) {
	if d.registry.IsDirty(d.ID, key) {
		return nil, nil, nil
	}
	if d.registry.CachedAbsent(d.ID, key) {
		return nil, nil, nil
	}

	h, err := d.env.Open(d.ID, diskstore.ModeReader)
	if err != nil {
		return nil, nil, fmt.Errorf("cachepath: open reader: %w", err)
	}
	defer h.Close()

	raw, err := h.Get(d.ID, key)
	if err != nil {
		if err == diskstore.ErrNotFound {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if err := objval.Verify(raw); err != nil {
		log.Error("cachepath: corrupt disk payload, treating as absent", "db", d.ID, "err", err)
		return nil, nil, nil
	}
	v, expireAt, err := objval.Decode(raw)
	if err != nil {
		log.Error("cachepath: decode failed, treating as absent", "db", d.ID, "err", err)
		return nil, nil, nil
	}
	return v, expireAt, nil
}

// ExistsDisk reports whether key is present on disk, used by Delete to
// compute its removal count across cache misses.
func (d *Database) ExistsDisk(key []byte) (bool, error) {
	h, err := d.env.Open(d.ID, diskstore.ModeReader)
	if err != nil {
		return false, fmt.Errorf("cachepath: open reader: %w", err)
	}
	defer h.Close()
	return h.Exists(d.ID, key)
}

// Insert asserts key is absent in dict, inserts it, and marks it dirty.
func (d *Database) Insert(key []byte, v *objval.Value, ndsEnabled bool) error {
	d.mu.Lock()
	if _, exists := d.dict[string(key)]; exists {
		d.mu.Unlock()
		return errs.ErrKeyExists
	}
	d.dict[string(key)] = v
	d.mu.Unlock()

	if ndsEnabled {
		d.registry.Notify(d.ID, key, dirtyset.Add)
	}
	return nil
}

// Overwrite asserts key is present in dict, replaces its value while
// preserving any existing expiry, and marks it dirty.
func (d *Database) Overwrite(key []byte, v *objval.Value, ndsEnabled bool) error {
	d.mu.Lock()
	if _, exists := d.dict[string(key)]; !exists {
		d.mu.Unlock()
		return errs.ErrKeyNotFound
	}
	d.dict[string(key)] = v
	d.mu.Unlock()

	if ndsEnabled {
		d.registry.Notify(d.ID, key, dirtyset.ChangeMod)
	}
	return nil
}

// Delete removes key from expires and dict, and reports the logical
// removal count (0 or 1) based on the union of in-memory and on-disk
// presence at call time, per the uniform contract this package defines.
func (d *Database) Delete(key []byte, ndsEnabled bool) (int, error) {
	var onDisk bool
	var err error
	if ndsEnabled {
		onDisk, err = d.ExistsDisk(key)
		if err != nil {
			return 0, err
		}
	}

	d.mu.Lock()
	delete(d.expires, string(key))
	_, inDict := d.dict[string(key)]
	delete(d.dict, string(key))
	d.mu.Unlock()

	if ndsEnabled {
		d.registry.Notify(d.ID, key, dirtyset.Delete)
	}

	if inDict || onDisk {
		return 1, nil
	}
	return 0, nil
}

// Rename moves src to dst, honoring nx (fail if dst already exists). It
// forces src through the read-through path, preserves its expiry, and
// reports whether the rename happened.
func (d *Database) Rename(src, dst []byte, nx bool, ndsEnabled bool, notifier func(key []byte)) (bool, error) {
	v, ok, err := d.LookupWrite(src)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, errs.ErrKeyNotFound
	}

	d.mu.Lock()
	expireAt, hadExpiry := d.expires[string(src)]
	_, dstExists := d.dict[string(dst)]
	d.mu.Unlock()

	if nx && dstExists {
		return false, nil
	}

	if dstExists {
		if _, err := d.Delete(dst, ndsEnabled); err != nil {
			return false, err
		}
	}

	d.mu.Lock()
	d.dict[string(dst)] = v
	if hadExpiry {
		d.expires[string(dst)] = expireAt
	}
	d.mu.Unlock()
	if ndsEnabled {
		d.registry.Notify(d.ID, dst, dirtyset.Add)
	}

	if _, err := d.Delete(src, ndsEnabled); err != nil {
		return false, err
	}

	if notifier != nil {
		notifier(src)
		notifier(dst)
	}
	return true, nil
}

// ExpireIfNeeded checks key's deadline (loading from disk if the key is
// not resident but NDS is on) and deletes it if the deadline has passed,
// returning true if it did.
func (d *Database) ExpireIfNeeded(key []byte) bool {
	deadline, ok := d.expiryFor(key)
	if !ok {
		return false
	}
	now := nowMs()
	if now < deadline {
		return false
	}
	d.mu.Lock()
	delete(d.expires, string(key))
	delete(d.dict, string(key))
	d.mu.Unlock()
	d.registry.Notify(d.ID, key, dirtyset.Expired)
	return true
}

// expiryFor returns key's expiry deadline, consulting disk via the decode
// path if the key is not resident in memory, so TTL queries on
// non-resident keys still return the correct deadline.
func (d *Database) expiryFor(key []byte) (int64, bool) {
	d.mu.RLock()
	deadline, ok := d.expires[string(key)]
	_, resident := d.dict[string(key)]
	d.mu.RUnlock()
	if resident {
		return deadline, ok
	}

	_, expireAt, err := d.FetchDisk(key)
	if err != nil || expireAt == nil {
		return 0, false
	}
	return *expireAt, true
}

// TTL reports key's remaining time-to-live in milliseconds, or ok=false if
// key has no expiry or does not exist. Invalid keys are rejected before
// any lookup, per the design's resolution of the source's inverted
// validity check on this path.
func (d *Database) TTL(key []byte) (ttlMs int64, ok bool, err error) {
	if err := ValidateKey(key); err != nil {
		return 0, false, err
	}
	deadline, has := d.expiryFor(key)
	if !has {
		return 0, false, nil
	}
	remaining := deadline - nowMs()
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true, nil
}

// Persist drops key's TTL, first faulting the key into memory if needed.
func (d *Database) Persist(key []byte) (bool, error) {
	_, ok, err := d.LookupWrite(key)
	if err != nil || !ok {
		return false, err
	}
	d.mu.Lock()
	_, had := d.expires[string(key)]
	delete(d.expires, string(key))
	d.mu.Unlock()
	return had, nil
}

// Keys lists every key on disk matching pattern, after waiting for any
// flush to settle, per the KEYS procedure this package implements
// (steps 1-3 are the caller's responsibility via Store.Keys; Keys here
// performs step 4-5, the walk and match).
func (d *Database) Keys(pattern []byte) ([][]byte, error) {
	h, err := d.env.Open(d.ID, diskstore.ModeReader)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	var out [][]byte
	err = h.Walk(d.ID, func(key []byte) bool {
		if Match(pattern, key) {
			if !d.ExpireIfNeeded(key) {
				out = append(out, append([]byte(nil), key...))
			}
		}
		return true
	}, 1000, nil)
	return out, err
}

// MemKeys returns only the keys currently resident in memory.
func (d *Database) MemKeys() [][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([][]byte, 0, len(d.dict))
	for k := range d.dict {
		out = append(out, []byte(k))
	}
	return out
}

// Stats returns the cache-hit/cache-miss counters.
func (d *Database) Stats() (hits, misses uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hits, d.misses
}

// ClearStats zeroes the cache-hit/cache-miss counters.
func (d *Database) ClearStats() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hits, d.misses = 0, 0
}

// Snapshot returns a shallow copy of (value, expiry) for key if resident,
// used by the flush worker to build its immutable dirty-set handoff
// without holding the store lock for the whole flush.
func (d *Database) Snapshot(key []byte) (v *objval.Value, expireAtMs *int64, resident bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	val, ok := d.dict[string(key)]
	if !ok {
		return nil, nil, false
	}
	if e, has := d.expires[string(key)]; has {
		ec := e
		return val, &ec, true
	}
	return val, nil, true
}
