package btree

// splitPathEntry records one step of a root-to-leaf descent: the node
// visited and the index of the child pointer taken (unused at leaves).
// Split and merge cascades walk this path back toward the root instead
// of re-descending, per spec.md §4.5 "ascent with path tracking".
type splitPathEntry struct {
	node    *InternalNode
	childAt int
}

// splitLeaf splits an overflowing leaf in half, threading the new leaf
// into the sibling list and returning the separator key the parent
// should insert (the new leaf's first key: everything it holds is >=
// this value, per the Data Model's B+Tree convention).
func splitLeaf(left *LeafNode, newBlock uint32, order int) (*LeafNode, []byte) {
	mid := len(left.keys) / 2
	right := NewLeaf(newBlock, order)

	right.keys = append(right.keys, left.keys[mid:]...)
	right.values = append(right.values, left.values[mid:]...)
	left.keys = left.keys[:mid]
	left.values = left.values[:mid]
	left.allocated = uint16(len(left.keys))
	right.allocated = uint16(len(right.keys))

	right.rightID = left.rightID
	right.leftID = left.id
	left.rightID = right.id

	return right, right.keys[0]
}

// fixRightSibling updates the node that used to follow left (if any)
// so its left pointer now names right, after splitLeaf has inserted
// right between them.
func fixRightSibling(cache *PageCache, right *LeafNode) error {
	if right.rightID == NullID {
		return nil
	}
	sib, err := cache.Get(right.rightID)
	if err != nil {
		return err
	}
	if sib == nil {
		return nil
	}
	sibLeaf := sib.(*LeafNode)
	sibLeaf.leftID = right.id
	cache.Put(sibLeaf)
	return nil
}

// splitInternal splits an overflowing internal node, pulling the
// middle key up to the parent (it is not duplicated in either half,
// unlike a leaf split) and returning it alongside the new right node.
func splitInternal(left *InternalNode, newBlock uint32, order int) (*InternalNode, []byte) {
	mid := len(left.keys) / 2
	upKey := left.keys[mid]

	right := NewInternal(newBlock, order)
	right.keys = append(right.keys, left.keys[mid+1:]...)
	right.children = append(right.children, left.children[mid+1:]...)

	left.keys = left.keys[:mid]
	left.children = left.children[:mid+1]
	left.allocated = uint16(len(left.keys))
	right.allocated = uint16(len(right.keys))

	return right, upKey
}

// insertIntoInternal inserts key/child at logical position idx
// (child goes to the right of key, per the invariant children[i] <
// keys[i] <= children[i+1]).
func insertIntoInternal(n *InternalNode, idx int, key []byte, child NodeID) {
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.children = append(n.children, NullID)
	copy(n.children[idx+2:], n.children[idx+1:])
	n.children[idx+1] = child

	n.allocated = uint16(len(n.keys))
}

// insertIntoLeaf inserts key/value at logical position idx, keeping
// keys and values parallel arrays in sync.
func insertIntoLeaf(n *LeafNode, idx int, key, value []byte) {
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.values = append(n.values, nil)
	copy(n.values[idx+1:], n.values[idx:])
	n.values[idx] = value

	n.allocated = uint16(len(n.keys))
}

// childIndexFor returns the index of the child pointer a search for
// key would follow from an internal node: the first keys[i] that is >
// key, or len(children)-1 if key is >= every separator.
func childIndexFor(n *InternalNode, key []byte, cmp func(a, b []byte) int) int {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(n.keys[mid], key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
