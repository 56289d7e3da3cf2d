package cachepath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndsdb/nds/diskstore"
	"github.com/ndsdb/nds/dirtyset"
	"github.com/ndsdb/nds/errs"
	"github.com/ndsdb/nds/objval"
)

func newTestDB(t *testing.T, keycache bool) *Database {
	t.Helper()
	env := diskstore.NewEnvironment(t.TempDir())
	reg := dirtyset.NewRegistry(keycache)
	return NewDatabase(0, reg, env)
}

func strVal(s string) *objval.Value {
	return &objval.Value{Kind: objval.KindString, Str: []byte(s)}
}

func TestValidateKeyBoundaries(t *testing.T) {
	assert.ErrorIs(t, ValidateKey(nil), errs.ErrInvalidKey)
	assert.NoError(t, ValidateKey(make([]byte, diskstore.MaxKeyLen)))
	assert.ErrorIs(t, ValidateKey(make([]byte, diskstore.MaxKeyLen+1)), errs.ErrInvalidKey)
}

func TestInsertThenLookupRead(t *testing.T) {
	d := newTestDB(t, false)
	require.NoError(t, d.Insert([]byte("a"), strVal("1"), true))

	v, ok, err := d.LookupRead([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v.Str)
}

func TestInsertDuplicateRejected(t *testing.T) {
	d := newTestDB(t, false)
	require.NoError(t, d.Insert([]byte("a"), strVal("1"), true))
	assert.ErrorIs(t, d.Insert([]byte("a"), strVal("2"), true), errs.ErrKeyExists)
}

func TestOverwritePreservesExpiry(t *testing.T) {
	d := newTestDB(t, false)
	require.NoError(t, d.Insert([]byte("a"), strVal("1"), true))
	d.mu.Lock()
	d.expires["a"] = nowMs() + 1_000_000
	d.mu.Unlock()

	require.NoError(t, d.Overwrite([]byte("a"), strVal("2"), true))
	d.mu.RLock()
	_, hasExpiry := d.expires["a"]
	d.mu.RUnlock()
	assert.True(t, hasExpiry)
}

func TestDirtyKeyNeverReadsStaleDisk(t *testing.T) {
	// Invariant 6: a key in dirty-but-not-in-dict must read as not found,
	// never falling back to the on-disk copy.
	d := newTestDB(t, false)
	require.NoError(t, d.Insert([]byte("a"), strVal("1"), true))

	h, err := d.env.Open(0, diskstore.ModeWriter)
	require.NoError(t, err)
	require.NoError(t, h.Set(0, []byte("a"), objval.Encode(strVal("stale"), nil)))
	require.NoError(t, h.Close())

	// Remove from dict directly (simulating "deleted after being dirtied")
	// while leaving the key dirty.
	d.mu.Lock()
	delete(d.dict, "a")
	d.mu.Unlock()

	v, expireAt, err := d.FetchDisk([]byte("a"))
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Nil(t, expireAt)
}

func TestKeycacheShortCircuitsDiskRead(t *testing.T) {
	d := newTestDB(t, true)
	// Nothing loaded into the keycache: any key must read cached-absent.
	v, expireAt, err := d.FetchDisk([]byte("nope"))
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Nil(t, expireAt)
}

func TestDeleteCountsDiskAndMemoryPresence(t *testing.T) {
	d := newTestDB(t, true)
	require.NoError(t, d.Insert([]byte("a"), strVal("1"), true))

	n, err := d.Delete([]byte("a"), true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = d.Delete([]byte("a"), true)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRenameMovesValueAndExpiry(t *testing.T) {
	d := newTestDB(t, false)
	require.NoError(t, d.Insert([]byte("src"), strVal("v"), true))
	deadline := nowMs() + 1_000_000
	d.mu.Lock()
	d.expires["src"] = deadline
	d.mu.Unlock()

	ok, err := d.Rename([]byte("src"), []byte("dst"), false, true, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	d.mu.RLock()
	dstExpiry, hasExpiry := d.expires["dst"]
	d.mu.RUnlock()
	assert.True(t, hasExpiry)
	assert.Equal(t, deadline, dstExpiry)

	_, exists, err := d.LookupWrite([]byte("src"))
	require.NoError(t, err)
	assert.False(t, exists)

	v, exists, err := d.LookupWrite([]byte("dst"))
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("v"), v.Str)
}

func TestRenameNXFailsIfDestExists(t *testing.T) {
	d := newTestDB(t, false)
	require.NoError(t, d.Insert([]byte("src"), strVal("v"), true))
	require.NoError(t, d.Insert([]byte("dst"), strVal("existing"), true))

	ok, err := d.Rename([]byte("src"), []byte("dst"), true, true, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemKeysOnlyResident(t *testing.T) {
	d := newTestDB(t, false)
	require.NoError(t, d.Insert([]byte("a"), strVal("1"), true))
	require.NoError(t, d.Insert([]byte("b"), strVal("2"), true))

	keys := d.MemKeys()
	assert.ElementsMatch(t, [][]byte{[]byte("a"), []byte("b")}, keys)
}

func TestTTLInvalidKeyRejectedBeforeLookup(t *testing.T) {
	d := newTestDB(t, false)
	_, ok, err := d.TTL(nil)
	assert.ErrorIs(t, err, errs.ErrInvalidKey)
	assert.False(t, ok)
}

func TestTTLNoExpirySetReturnsNotOK(t *testing.T) {
	d := newTestDB(t, false)
	require.NoError(t, d.Insert([]byte("a"), strVal("1"), true))

	_, ok, err := d.TTL([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTLReturnsRemainingMillis(t *testing.T) {
	d := newTestDB(t, false)
	require.NoError(t, d.Insert([]byte("a"), strVal("1"), true))
	d.mu.Lock()
	d.expires["a"] = nowMs() + 60_000
	d.mu.Unlock()

	ttl, ok, err := d.TTL([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 60_000, ttl, 5_000)
}

func TestTTLPastDeadlineFloorsAtZero(t *testing.T) {
	d := newTestDB(t, false)
	require.NoError(t, d.Insert([]byte("a"), strVal("1"), true))
	d.mu.Lock()
	d.expires["a"] = nowMs() - 1_000
	d.mu.Unlock()

	ttl, ok, err := d.TTL([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, ttl)
}

func TestClearStats(t *testing.T) {
	d := newTestDB(t, false)
	require.NoError(t, d.Insert([]byte("a"), strVal("1"), true))
	_, _, _ = d.LookupRead([]byte("a"))
	_, _, _ = d.LookupRead([]byte("missing"))

	hits, misses := d.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)

	d.ClearStats()
	hits, misses = d.Stats()
	assert.Zero(t, hits)
	assert.Zero(t, misses)
}
