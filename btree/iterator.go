package btree

import "github.com/kvtree/bplustree/common"

// Iterator walks a Tree's entries in ascending key order via the leaf
// sibling chain. It holds no lock across calls: per spec.md §5/§9 it
// is the caller's responsibility not to mutate the tree while an
// iterator is in use, matching the "not safe under concurrent
// mutation" note in the Design Notes.
type Iterator[K any, V any] struct {
	tree *Tree[K, V]
	leaf *LeafNode
	idx  int
}

// HasNext reports whether another entry remains, moving on to the right
// sibling leaf when the current one is exhausted.
func (it *Iterator[K, V]) HasNext() bool {
	for it.leaf != nil {
		if it.idx < len(it.leaf.keys) {
			return true
		}
		if it.leaf.rightID == NullID {
			return false
		}
		n, err := it.tree.eng.cache.Get(it.leaf.rightID)
		if err != nil {
			return true // let Next surface the error
		}
		it.leaf = n.(*LeafNode)
		it.idx = 0
	}
	return false
}

// Next returns the next entry in ascending key order, advancing the
// iterator, re-descending to the right sibling leaf whenever the
// current leaf is exhausted (spec.md §9's "higher_entry(last_key)"
// idiom, simplified here since the sibling chain makes re-descent
// from scratch unnecessary).
func (it *Iterator[K, V]) Next() (common.Entry[K, V], bool, error) {
	for it.leaf != nil {
		if it.idx < len(it.leaf.keys) {
			e := common.Entry[K, V]{
				Key:   it.tree.keyCodec.Deserialize(it.leaf.keys[it.idx]),
				Value: it.tree.valCodec.Deserialize(it.leaf.values[it.idx]),
			}
			it.idx++
			return e, true, nil
		}
		if it.leaf.rightID == NullID {
			it.leaf = nil
			return common.Entry[K, V]{}, false, nil
		}
		n, err := it.tree.eng.cache.Get(it.leaf.rightID)
		if err != nil {
			return common.Entry[K, V]{}, false, err
		}
		it.leaf = n.(*LeafNode)
		it.idx = 0
	}
	return common.Entry[K, V]{}, false, nil
}
