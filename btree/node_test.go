package btree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanMergeLeafNeedsNoSeparatorRoom(t *testing.T) {
	// Leaves carry no separator key of their own, so a+b == order
	// fits exactly, unlike internal nodes.
	require.True(t, canMerge(true, 3, 4, 7))
	require.False(t, canMerge(true, 4, 4, 7))
}

func TestCanMergeInternalNeedsSeparatorRoom(t *testing.T) {
	// Internal merges pull one separator key down from the parent, so
	// a+b+1 <= order is the real bound.
	require.True(t, canMerge(false, 3, 3, 7))
	require.False(t, canMerge(false, 3, 4, 7))
}

func TestFindSlotReturnsInsertionPointWhenMissing(t *testing.T) {
	keys := [][]byte{{1}, {3}, {5}}
	idx := FindSlot(keys, []byte{4}, defaultCompare)
	require.Equal(t, -3, idx) // insertion point 2 -> -(2)-1

	idx = FindSlot(keys, []byte{3}, defaultCompare)
	require.Equal(t, 1, idx)
}

func TestSplitLeafKeepsSiblingChainOrdered(t *testing.T) {
	left := NewLeaf(1, 7)
	for i := byte(0); i < 6; i++ {
		insertIntoLeaf(left, int(i), []byte{i}, []byte{i * 10})
	}

	right, sep := splitLeaf(left, 2, 7)
	require.Equal(t, right.keys[0], sep)
	require.Equal(t, left.rightID, right.ID())
	require.Equal(t, right.leftID, left.ID())
	require.Less(t, len(left.keys), 6)
	require.Equal(t, 6, len(left.keys)+len(right.keys))
}

func TestSplitInternalPullsMiddleKeyUp(t *testing.T) {
	left := NewInternal(1, 7)
	left.children = append(left.children, leafID(10))
	for i := byte(0); i < 6; i++ {
		insertIntoInternal(left, int(i), []byte{i}, leafID(uint32(11+i)))
	}

	totalKeysBefore := len(left.keys)
	right, upKey := splitInternal(left, 2, 7)
	require.NotEmpty(t, upKey)
	require.Equal(t, len(left.children), len(left.keys)+1)
	require.Equal(t, len(right.children), len(right.keys)+1)
	require.Equal(t, totalKeysBefore, len(left.keys)+len(right.keys)+1) // +1 for the pulled-up key
}

func TestMergeLeavesAbsorbsRightSibling(t *testing.T) {
	left := NewLeaf(1, 7)
	insertIntoLeaf(left, 0, []byte{1}, []byte{10})
	right := NewLeaf(2, 7)
	insertIntoLeaf(right, 0, []byte{2}, []byte{20})
	right.rightID = leafID(99)
	left.rightID = right.ID()

	mergeLeaves(left, right)
	require.Equal(t, 2, len(left.keys))
	require.Equal(t, leafID(99), left.rightID)
}

func TestShiftLeafLeftMovesOneEntry(t *testing.T) {
	left := NewLeaf(1, 7)
	insertIntoLeaf(left, 0, []byte{1}, []byte{10})
	right := NewLeaf(2, 7)
	insertIntoLeaf(right, 0, []byte{2}, []byte{20})
	insertIntoLeaf(right, 1, []byte{3}, []byte{30})

	newSep := shiftLeafLeft(left, right)
	require.Equal(t, 2, len(left.keys))
	require.Equal(t, 1, len(right.keys))
	require.Equal(t, right.keys[0], newSep)
}
