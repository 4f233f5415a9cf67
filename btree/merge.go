package btree

// mergeLeaves absorbs right into left (right must immediately follow
// left in key order) and takes over right's right-sibling link. It
// returns nothing; the caller frees right's block and fixes the left
// link of the leaf that followed right.
func mergeLeaves(left, right *LeafNode) {
	left.keys = append(left.keys, right.keys...)
	left.values = append(left.values, right.values...)
	left.allocated = uint16(len(left.keys))
	left.rightID = right.rightID
}

// mergeInternals absorbs right into left, pulling the separator key
// down from the parent between them (internal merges need the key the
// leaf case doesn't, since internal nodes don't carry one of their
// own for the join point).
func mergeInternals(left, right *InternalNode, separator []byte) {
	left.keys = append(left.keys, separator)
	left.keys = append(left.keys, right.keys...)
	left.children = append(left.children, right.children...)
	left.allocated = uint16(len(left.keys))
}

// shiftLeafLeft moves entries from the front of right onto the end of
// left, enough to balance both siblings toward (sizeA+sizeB)/2 per
// spec.md §4.5, rather than a single entry — used to redistribute
// instead of merging when the siblings together still overflow order.
// Returns the new separator key for the parent (right's new first
// key).
func shiftLeafLeft(left, right *LeafNode) []byte {
	moveCount := balancedMoveCount(len(left.keys), len(right.keys))
	left.keys = append(left.keys, right.keys[:moveCount]...)
	left.values = append(left.values, right.values[:moveCount]...)
	right.keys = right.keys[moveCount:]
	right.values = right.values[moveCount:]
	left.allocated = uint16(len(left.keys))
	right.allocated = uint16(len(right.keys))
	return right.keys[0]
}

// shiftLeafRight moves entries from the end of left onto the front of
// right, balancing toward (sizeA+sizeB)/2. Returns the new separator
// key for the parent (right's new first key).
func shiftLeafRight(left, right *LeafNode) []byte {
	moveCount := balancedMoveCount(len(right.keys), len(left.keys))
	n := len(left.keys)
	start := n - moveCount

	movedKeys := append([][]byte(nil), left.keys[start:]...)
	movedValues := append([][]byte(nil), left.values[start:]...)
	left.keys = left.keys[:start]
	left.values = left.values[:start]

	right.keys = append(movedKeys, right.keys...)
	right.values = append(movedValues, right.values...)
	left.allocated = uint16(len(left.keys))
	right.allocated = uint16(len(right.keys))
	return right.keys[0]
}

// shiftInternalLeft rotates separator down from the parent onto the
// end of left, pulls enough of right's leading keys/children across to
// balance both siblings toward (sizeA+sizeB)/2, and promotes the first
// unmoved right key as the new separator.
func shiftInternalLeft(left, right *InternalNode, separator []byte) []byte {
	moveCount := balancedMoveCount(len(left.keys), len(right.keys)+1)

	left.keys = append(left.keys, separator)
	left.keys = append(left.keys, right.keys[:moveCount-1]...)
	left.children = append(left.children, right.children[:moveCount]...)
	newSeparator := right.keys[moveCount-1]

	right.keys = right.keys[moveCount:]
	right.children = right.children[moveCount:]
	left.allocated = uint16(len(left.keys))
	right.allocated = uint16(len(right.keys))
	return newSeparator
}

// shiftInternalRight rotates separator down from the parent onto the
// front of right, pulls enough of left's trailing keys/children across
// to balance both siblings toward (sizeA+sizeB)/2, and promotes the
// first moved left key as the new separator.
func shiftInternalRight(left, right *InternalNode, separator []byte) []byte {
	moveCount := balancedMoveCount(len(right.keys), len(left.keys)+1)
	n := len(left.keys)
	start := n - moveCount

	movedKeys := append([][]byte(nil), left.keys[start:]...)
	movedChildren := append([]NodeID(nil), left.children[len(left.children)-moveCount:]...)
	newSeparator := movedKeys[0]

	left.keys = left.keys[:start]
	left.children = left.children[:len(left.children)-moveCount]
	left.allocated = uint16(len(left.keys))

	rightKeys := append(movedKeys[1:], separator)
	right.keys = append(rightKeys, right.keys...)
	right.children = append(movedChildren, right.children...)
	right.allocated = uint16(len(right.keys))
	return newSeparator
}

// balancedMoveCount returns how many entries to move from the donor
// side (size donorSize) to the needy side (size needySize) so both end
// up within one of (needySize+donorSize)/2, per spec.md §4.5's
// redistribution rule. Always moves at least one entry.
func balancedMoveCount(needySize, donorSize int) int {
	target := (needySize + donorSize) / 2
	moveCount := target - needySize
	if moveCount < 1 {
		moveCount = 1
	}
	return moveCount
}

// removeFromInternal removes the key/child pair at logical position
// idx (the child removed is children[idx+1], the one the separator at
// keys[idx] leads into).
func removeFromInternal(n *InternalNode, idx int) {
	copy(n.keys[idx:], n.keys[idx+1:])
	n.keys = n.keys[:len(n.keys)-1]
	copy(n.children[idx+1:], n.children[idx+2:])
	n.children = n.children[:len(n.children)-1]
	n.allocated = uint16(len(n.keys))
}

// removeFromLeaf removes the key/value pair at logical position idx.
func removeFromLeaf(n *LeafNode, idx int) {
	copy(n.keys[idx:], n.keys[idx+1:])
	n.keys = n.keys[:len(n.keys)-1]
	copy(n.values[idx:], n.values[idx+1:])
	n.values = n.values[:len(n.values)-1]
	n.allocated = uint16(len(n.keys))
}
