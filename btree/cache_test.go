package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*PageCache, *BlockStore) {
	path := fmt.Sprintf("%s/cache-test.data", t.TempDir())
	store, err := OpenBlockStore(path, 128, false, nil)
	require.NoError(t, err)
	// Block 0 is reserved for metadata (a node id of 0 is NullID), so
	// the tests' own Allocate calls start at block 1.
	_, err = store.Allocate()
	require.NoError(t, err)
	cache, err := NewPageCache(store, minCacheBytes, 128, 8, 8, 5, 5, nil)
	require.NoError(t, err)
	return cache, store
}

func TestPageCachePutThenGetReturnsSameNode(t *testing.T) {
	cache, store := newTestCache(t)
	defer store.Close()

	block, err := store.Allocate()
	require.NoError(t, err)
	leaf := NewLeaf(block, 5)
	insertIntoLeaf(leaf, 0, []byte{1, 0, 0, 0, 0, 0, 0, 0}, []byte{9, 0, 0, 0, 0, 0, 0, 0})
	cache.Put(leaf)

	got, err := cache.Get(leaf.ID())
	require.NoError(t, err)
	require.Same(t, leaf, got)
	require.Equal(t, 1, cache.DirtyCount())
}

func TestPageCacheFlushWritesThroughToStore(t *testing.T) {
	cache, store := newTestCache(t)
	defer store.Close()

	block, err := store.Allocate()
	require.NoError(t, err)
	leaf := NewLeaf(block, 5)
	insertIntoLeaf(leaf, 0, []byte{1, 0, 0, 0, 0, 0, 0, 0}, []byte{9, 0, 0, 0, 0, 0, 0, 0})
	cache.Put(leaf)

	require.NoError(t, cache.Flush())
	require.Equal(t, 0, cache.DirtyCount())

	buf, err := store.Get(block)
	require.NoError(t, err)
	decoded, err := decodeNode(buf, 8, 8, 5, 5)
	require.NoError(t, err)
	require.Equal(t, leaf.keys[0], decoded.Keys()[0])
}

func TestPageCacheFlushWritesOutOfOrderLeavesToTheirBlocks(t *testing.T) {
	cache, store := newTestCache(t)
	defer store.Close()

	// Mark the higher block dirty first so insertion order and
	// block-index order disagree, then confirm each leaf still lands
	// in its own block regardless of the order nodes were marked dirty.
	blockLo, err := store.Allocate()
	require.NoError(t, err)
	blockHi, err := store.Allocate()
	require.NoError(t, err)

	leafHi := NewLeaf(blockHi, 5)
	leafLo := NewLeaf(blockLo, 5)
	insertIntoLeaf(leafHi, 0, []byte{9, 0, 0, 0, 0, 0, 0, 0}, []byte{1, 0, 0, 0, 0, 0, 0, 0})
	insertIntoLeaf(leafLo, 0, []byte{1, 0, 0, 0, 0, 0, 0, 0}, []byte{2, 0, 0, 0, 0, 0, 0, 0})
	cache.Put(leafHi)
	cache.Put(leafLo)

	require.NoError(t, cache.Flush())
	require.Equal(t, 0, cache.DirtyCount())

	bufHi, err := store.Get(blockHi)
	require.NoError(t, err)
	decodedHi, err := decodeNode(bufHi, 8, 8, 5, 5)
	require.NoError(t, err)
	require.Equal(t, leafHi.keys[0], decodedHi.Keys()[0])

	bufLo, err := store.Get(blockLo)
	require.NoError(t, err)
	decodedLo, err := decodeNode(bufLo, 8, 8, 5, 5)
	require.NoError(t, err)
	require.Equal(t, leafLo.keys[0], decodedLo.Keys()[0])
}

func TestPageCacheDeleteDropsDirtyAndClean(t *testing.T) {
	cache, store := newTestCache(t)
	defer store.Close()

	block, err := store.Allocate()
	require.NoError(t, err)
	leaf := NewLeaf(block, 5)
	cache.Put(leaf)
	cache.Delete(leaf.ID())
	require.Equal(t, 0, cache.DirtyCount())
}
