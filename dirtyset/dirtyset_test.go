package dirtyset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyMarksDirtyAndKeycache(t *testing.T) {
	r := NewRegistry(true)
	r.Notify(0, []byte("k"), Add)
	assert.True(t, r.IsDirty(0, []byte("k")))
	assert.False(t, r.CachedAbsent(0, []byte("k")))
	assert.True(t, r.CachedAbsent(0, []byte("other")))
}

func TestNotifyDeleteRemovesFromKeycache(t *testing.T) {
	r := NewRegistry(true)
	r.Notify(0, []byte("k"), Add)
	r.Notify(0, []byte("k"), Delete)
	assert.True(t, r.CachedAbsent(0, []byte("k")))
}

func TestKeycacheDisabledCachedAbsentAlwaysFalse(t *testing.T) {
	r := NewRegistry(false)
	assert.False(t, r.CachedAbsent(0, []byte("anything")))
}

func TestRotateRequiresEmptyFlushing(t *testing.T) {
	r := NewRegistry(false)
	r.Notify(0, []byte("a"), Add)

	snap, err := r.Rotate(0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a"}, snap)
	assert.True(t, r.IsDirty(0, []byte("a"))) // flushing still holds it

	// A second rotate before flushing clears must fail.
	_, err = r.Rotate(0)
	assert.ErrorIs(t, err, ErrReentrantRotate)
}

func TestRotateThenClearFlushing(t *testing.T) {
	r := NewRegistry(false)
	r.Notify(0, []byte("a"), Add)
	_, err := r.Rotate(0)
	require.NoError(t, err)
	assert.True(t, r.IsDirty(0, []byte("a"))) // still dirty: in flushing set

	r.ClearFlushing(0)
	assert.False(t, r.IsDirty(0, []byte("a")))
}

func TestMergeBackOnFailure(t *testing.T) {
	r := NewRegistry(false)
	r.Notify(0, []byte("a"), Add)
	_, err := r.Rotate(0)
	require.NoError(t, err)

	r.Notify(0, []byte("b"), Add) // new write lands in the fresh dirty set
	r.MergeBack(0)

	assert.True(t, r.IsDirty(0, []byte("a")))
	assert.True(t, r.IsDirty(0, []byte("b")))
	assert.Empty(t, r.Flushing(0))
}

func TestDirtyAndFlushingCounts(t *testing.T) {
	r := NewRegistry(false)
	r.Notify(0, []byte("a"), Add)
	r.Notify(1, []byte("b"), Add)
	assert.Equal(t, 2, r.DirtyCount())

	_, err := r.Rotate(0)
	require.NoError(t, err)
	assert.Equal(t, 1, r.DirtyCount())
	assert.Equal(t, 1, r.FlushingCount())
}

func TestLoadKeycache(t *testing.T) {
	r := NewRegistry(true)
	r.LoadKeycache(0, [][]byte{[]byte("x"), []byte("y")})
	assert.False(t, r.CachedAbsent(0, []byte("x")))
	assert.True(t, r.CachedAbsent(0, []byte("z")))
}
