package btree

import (
	"fmt"
	"os"
	"sort"
	"testing"

	"github.com/kvtree/bplustree/common"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T) (Options, func()) {
	dir := fmt.Sprintf("%s/bptree-test-%d-%d", t.TempDir(), os.Getpid(), len(t.Name()))
	require.NoError(t, os.MkdirAll(dir, 0755))
	opts := Options{
		Filename:      dir + "/store",
		AutoTune:      false,
		LeafOrder:     5,
		InternalOrder: 5,
		CacheSize:     4096,
		UseRedo:       true,
	}
	return opts, func() { os.RemoveAll(dir) }
}

func openUint64Tree(t *testing.T, opts Options) *Tree[uint64, []byte] {
	valCodec, err := NewFixedBytesCodec(8)
	require.NoError(t, err)
	tree, err := Open[uint64, []byte](opts, Uint64Codec{}, valCodec, nil)
	require.NoError(t, err)
	return tree
}

func valueFor(i uint64) []byte {
	v := make([]byte, 8)
	for j := range v {
		v[j] = byte(i + uint64(j))
	}
	return v
}

func TestPutGetRemoveBasic(t *testing.T) {
	opts, cleanup := testOptions(t)
	defer cleanup()
	tree := openUint64Tree(t, opts)
	defer tree.Close()

	require.NoError(t, tree.Put(1, valueFor(1)))
	v, ok, err := tree.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, valueFor(1), v)

	_, ok, err = tree.Get(2)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tree.Remove(1))
	_, ok, err = tree.Get(1)
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, tree.Remove(1), common.ErrKeyNotFound)
}

func TestPutUpdateDoesNotChangeElementCount(t *testing.T) {
	opts, cleanup := testOptions(t)
	defer cleanup()
	tree := openUint64Tree(t, opts)
	defer tree.Close()

	require.NoError(t, tree.Put(1, valueFor(1)))
	require.NoError(t, tree.Put(1, valueFor(2)))
	require.EqualValues(t, 1, tree.Size())

	v, ok, err := tree.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, valueFor(2), v)
}

func TestManyInsertsForceSplitsAndIterateInOrder(t *testing.T) {
	opts, cleanup := testOptions(t)
	defer cleanup()
	tree := openUint64Tree(t, opts)
	defer tree.Close()

	const n = 500
	keys := make([]uint64, n)
	for i := 0; i < n; i++ {
		keys[i] = uint64(i * 7 % 10007)
		require.NoError(t, tree.Put(keys[i], valueFor(keys[i])))
	}
	require.Greater(t, tree.Height(), 0)

	it, err := tree.Iterator()
	require.NoError(t, err)
	var seen []uint64
	for it.HasNext() {
		e, ok, err := it.Next()
		require.NoError(t, err)
		require.True(t, ok)
		seen = append(seen, e.Key)
	}
	require.True(t, sort.SliceIsSorted(seen, func(i, j int) bool { return seen[i] < seen[j] }))

	want := make(map[uint64]bool)
	for _, k := range keys {
		want[k] = true
	}
	require.Equal(t, len(want), len(seen))
}

func TestRemoveManyForcesMergesAndKeepsRemainder(t *testing.T) {
	opts, cleanup := testOptions(t)
	defer cleanup()
	tree := openUint64Tree(t, opts)
	defer tree.Close()

	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(uint64(i), valueFor(uint64(i))))
	}
	for i := 0; i < n; i += 2 {
		require.NoError(t, tree.Remove(uint64(i)))
	}
	require.EqualValues(t, n/2, tree.Size())

	for i := 0; i < n; i++ {
		v, ok, err := tree.Get(uint64(i))
		require.NoError(t, err)
		if i%2 == 0 {
			require.False(t, ok)
		} else {
			require.True(t, ok)
			require.Equal(t, valueFor(uint64(i)), v)
		}
	}
}

func TestCeilingFloorHigherLower(t *testing.T) {
	opts, cleanup := testOptions(t)
	defer cleanup()
	tree := openUint64Tree(t, opts)
	defer tree.Close()

	for _, k := range []uint64{10, 20, 30, 40} {
		require.NoError(t, tree.Put(k, valueFor(k)))
	}

	k, ok, err := tree.CeilingKey(20)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 20, k)

	k, ok, err = tree.HigherKey(20)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 30, k)

	k, ok, err = tree.FloorKey(25)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 20, k)

	k, ok, err = tree.LowerKey(20)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 10, k)

	_, ok, err = tree.HigherKey(40)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFirstLastAndPoll(t *testing.T) {
	opts, cleanup := testOptions(t)
	defer cleanup()
	tree := openUint64Tree(t, opts)
	defer tree.Close()

	for _, k := range []uint64{5, 1, 9, 3} {
		require.NoError(t, tree.Put(k, valueFor(k)))
	}

	first, ok, err := tree.FirstEntry()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, first.Key)

	last, ok, err := tree.LastEntry()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 9, last.Key)

	polled, ok, err := tree.PollFirstEntry()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, polled.Key)
	require.EqualValues(t, 3, tree.Size())
}

func TestCloseAndReopenPersists(t *testing.T) {
	opts, cleanup := testOptions(t)
	defer cleanup()

	tree := openUint64Tree(t, opts)
	for i := 0; i < 50; i++ {
		require.NoError(t, tree.Put(uint64(i), valueFor(uint64(i))))
	}
	require.NoError(t, tree.Close())

	reopened := openUint64Tree(t, opts)
	defer reopened.Close()
	require.EqualValues(t, 50, reopened.Size())
	v, ok, err := reopened.Get(25)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, valueFor(25), v)
}

func TestUncleanShutdownRequiresExplicitRecovery(t *testing.T) {
	opts, cleanup := testOptions(t)
	defer cleanup()

	tree := openUint64Tree(t, opts)
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Put(uint64(i), valueFor(uint64(i))))
	}
	// Simulate a crash: force the redo log to disk but skip the clean
	// Close path entirely, leaving the metadata's clean flag false.
	require.NoError(t, tree.eng.redo.Sync())
	require.NoError(t, tree.eng.store.file.Close())
	if tree.eng.redo != nil {
		tree.eng.redo.file.Close()
	}

	valCodec, err := NewFixedBytesCodec(8)
	require.NoError(t, err)

	// Open must refuse the unclean store rather than silently repairing it.
	_, err = Open[uint64, []byte](opts, Uint64Codec{}, valCodec, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, common.ErrInvalidData)

	// The caller must invoke Recover explicitly to get a working tree back.
	recovered, err := Recover[uint64, []byte](opts, Uint64Codec{}, valCodec, nil)
	require.NoError(t, err)
	require.EqualValues(t, 20, recovered.Size())
	for i := 0; i < 20; i++ {
		v, ok, err := recovered.Get(uint64(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, valueFor(uint64(i)), v)
	}
	require.NoError(t, recovered.Close())

	// A subsequent normal Open now succeeds since Recover's Close wrote
	// a clean metadata record.
	again := openUint64Tree(t, opts)
	defer again.Close()
	require.EqualValues(t, 20, again.Size())
}

// zeroWidthCodec is a deliberately non-conforming Codec[uint64] used
// only to exercise the Tree-level guard against zero-width keys; the
// built-in codecs all reject width 0 at construction time.
type zeroWidthCodec struct{ Uint64Codec }

func (zeroWidthCodec) ByteLength() int { return 0 }

func TestPutRejectsZeroWidthKeyCodec(t *testing.T) {
	opts, cleanup := testOptions(t)
	defer cleanup()

	valCodec, err := NewFixedBytesCodec(8)
	require.NoError(t, err)
	opts.LeafOrder, opts.InternalOrder = 5, 5
	tree, err := Open[uint64, []byte](opts, zeroWidthCodec{}, valCodec, nil)
	require.NoError(t, err)
	defer tree.Close()

	require.ErrorIs(t, tree.Put(1, valueFor(1)), common.ErrKeyEmpty)
	require.ErrorIs(t, tree.Remove(1), common.ErrKeyEmpty)
}

func TestReopenWithMismatchedOrderIsRejected(t *testing.T) {
	opts, cleanup := testOptions(t)
	defer cleanup()

	tree := openUint64Tree(t, opts)
	require.NoError(t, tree.Put(1, valueFor(1)))
	require.NoError(t, tree.Close())

	mismatched := opts
	mismatched.LeafOrder = 7
	mismatched.InternalOrder = 7
	valCodec, err := NewFixedBytesCodec(8)
	require.NoError(t, err)
	_, err = Open[uint64, []byte](mismatched, Uint64Codec{}, valCodec, nil)
	require.ErrorIs(t, err, common.ErrInvalidData)
}

func TestClearEmptiesTree(t *testing.T) {
	opts, cleanup := testOptions(t)
	defer cleanup()
	tree := openUint64Tree(t, opts)
	defer tree.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, tree.Put(uint64(i), valueFor(uint64(i))))
	}
	require.NoError(t, tree.Clear())
	require.EqualValues(t, 0, tree.Size())
	_, ok, err := tree.Get(5)
	require.NoError(t, err)
	require.False(t, ok)
}
