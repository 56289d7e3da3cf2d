package flush

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndsdb/nds/cachepath"
	"github.com/ndsdb/nds/diskstore"
	"github.com/ndsdb/nds/dirtyset"
	"github.com/ndsdb/nds/objval"
)

type testStore struct {
	registry *dirtyset.Registry
	dbs      []*cachepath.Database
}

func (t *testStore) Databases() []*cachepath.Database { return t.dbs }
func (t *testStore) Registry() *dirtyset.Registry      { return t.registry }

func newTestController(t *testing.T, numDBs int) (*Controller, *testStore, *diskstore.Environment) {
	t.Helper()
	dir := t.TempDir()
	env := diskstore.NewEnvironment(dir)
	registry := dirtyset.NewRegistry(false)

	ts := &testStore{registry: registry}
	for i := 0; i < numDBs; i++ {
		ts.dbs = append(ts.dbs, cachepath.NewDatabase(i, registry, env))
	}
	c := NewController(env, ts, dir+"/snapshot", 50000, 1000, false)
	return c, ts, env
}

func strVal(s string) *objval.Value {
	return &objval.Value{Kind: objval.KindString, Str: []byte(s)}
}

func TestFlushWritesDirtyKeysToDisk(t *testing.T) {
	c, ts, env := newTestController(t, 1)
	db := ts.dbs[0]

	require.NoError(t, db.Insert([]byte("a"), strVal("1"), true))
	require.NoError(t, db.Insert([]byte("b"), strVal("2"), true))

	require.NoError(t, c.Flush(context.Background()))
	assert.Zero(t, ts.registry.DirtyCount())
	assert.Zero(t, ts.registry.FlushingCount())

	h, err := env.Open(0, diskstore.ModeReader)
	require.NoError(t, err)
	defer h.Close()
	raw, err := h.Get(0, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, objval.Verify(raw))
	v, _, err := objval.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v.Str)
}

func TestFlushOfDeletedKeyProducesDelete(t *testing.T) {
	c, ts, env := newTestController(t, 1)
	db := ts.dbs[0]

	require.NoError(t, db.Insert([]byte("a"), strVal("1"), true))
	require.NoError(t, c.Flush(context.Background()))

	// Dirty again via delete, without flushing in between.
	_, err := db.Delete([]byte("a"), true)
	require.NoError(t, err)
	require.NoError(t, c.Flush(context.Background()))

	h, err := env.Open(0, diskstore.ModeReader)
	require.NoError(t, err)
	defer h.Close()
	_, err = h.Get(0, []byte("a"))
	assert.ErrorIs(t, err, diskstore.ErrNotFound)
}

func TestIdempotentFlushIsNoOp(t *testing.T) {
	c, ts, _ := newTestController(t, 1)
	db := ts.dbs[0]
	require.NoError(t, db.Insert([]byte("a"), strVal("1"), true))
	require.NoError(t, c.Flush(context.Background()))

	require.NoError(t, c.Flush(context.Background()))
	assert.Zero(t, ts.registry.DirtyCount())
}

func TestAsyncFlushReportsCompletion(t *testing.T) {
	c, ts, _ := newTestController(t, 1)
	db := ts.dbs[0]
	require.NoError(t, db.Insert([]byte("a"), strVal("1"), true))

	ch, err := c.StartAsync(false)
	require.NoError(t, err)
	res := <-ch
	assert.NoError(t, res.Err)
	assert.Zero(t, ts.registry.DirtyCount())
}

func TestReentrantFlushRejected(t *testing.T) {
	c, ts, _ := newTestController(t, 1)
	db := ts.dbs[0]
	require.NoError(t, db.Insert([]byte("a"), strVal("1"), true))

	ch, err := c.StartAsync(false)
	require.NoError(t, err)

	_, err = c.StartAsync(false)
	assert.Error(t, err)

	<-ch
}

func TestSnapshotCreatesDataFile(t *testing.T) {
	c, ts, _ := newTestController(t, 1)
	db := ts.dbs[0]
	require.NoError(t, db.Insert([]byte("a"), strVal("1"), true))

	require.NoError(t, c.Snapshot(context.Background()))

	_, err := os.Stat(filepath.Join(c.snapshotBaseDir, "data.db"))
	assert.NoError(t, err)
}
