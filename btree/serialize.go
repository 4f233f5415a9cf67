package btree

import (
	"encoding/binary"

	"github.com/kvtree/bplustree/common"
)

// nodeHeaderSize is the common prefix every node carries: id (i32) and
// allocated (u16), per spec.md §4.5 "Serialization (one block)".
const nodeHeaderSize = 4 + 2

// encodeNode serializes node into buf, which must be at least
// blockSizeFor(...) bytes. keyLen/valLen are the codecs' fixed widths.
func encodeNode(buf []byte, node Node, keyLen, valLen int) {
	id := node.ID()
	binary.BigEndian.PutUint32(buf[0:4], uint32(int32(id)))
	binary.BigEndian.PutUint16(buf[4:6], node.Allocated())

	if node.Deleted() {
		return
	}

	off := nodeHeaderSize
	keys := node.Keys()
	for _, k := range keys {
		copy(buf[off:off+keyLen], k)
		off += keyLen
	}

	switch n := node.(type) {
	case *LeafNode:
		for _, v := range n.values {
			copy(buf[off:off+valLen], v)
			off += valLen
		}
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(int32(n.leftID)))
		off += 4
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(int32(n.rightID)))
	case *InternalNode:
		for _, c := range n.children {
			binary.BigEndian.PutUint32(buf[off:off+4], uint32(int32(c)))
			off += 4
		}
	}
}

// decodeNode deserializes a node from buf. A zero id is the free/empty
// block marker and yields ErrInvalidNode so callers (recovery scans)
// can skip it and continue.
func decodeNode(buf []byte, keyLen, valLen, orderLeaf, orderInternal int) (Node, error) {
	rawID := int32(binary.BigEndian.Uint32(buf[0:4]))
	if rawID == 0 {
		return nil, common.ErrInvalidNode
	}
	id := NodeID(rawID)
	allocated := binary.BigEndian.Uint16(buf[4:6])

	off := nodeHeaderSize
	if id.IsLeaf() {
		leaf := &LeafNode{baseNode: baseNode{id: id, allocated: allocated}}
		if allocated == tombstoneAllocated {
			return leaf, nil
		}
		leaf.keys = make([][]byte, 0, orderLeaf)
		for i := uint16(0); i < allocated; i++ {
			k := make([]byte, keyLen)
			copy(k, buf[off:off+keyLen])
			leaf.keys = append(leaf.keys, k)
			off += keyLen
		}
		leaf.values = make([][]byte, 0, orderLeaf)
		for i := uint16(0); i < allocated; i++ {
			v := make([]byte, valLen)
			copy(v, buf[off:off+valLen])
			leaf.values = append(leaf.values, v)
			off += valLen
		}
		leaf.leftID = NodeID(int32(binary.BigEndian.Uint32(buf[off : off+4])))
		off += 4
		leaf.rightID = NodeID(int32(binary.BigEndian.Uint32(buf[off : off+4])))
		return leaf, nil
	}

	internal := &InternalNode{baseNode: baseNode{id: id, allocated: allocated}}
	if allocated == tombstoneAllocated {
		return internal, nil
	}
	internal.keys = make([][]byte, 0, orderInternal)
	for i := uint16(0); i < allocated; i++ {
		k := make([]byte, keyLen)
		copy(k, buf[off:off+keyLen])
		internal.keys = append(internal.keys, k)
		off += keyLen
	}
	internal.children = make([]NodeID, 0, orderInternal+1)
	for i := uint16(0); i <= allocated; i++ {
		c := NodeID(int32(binary.BigEndian.Uint32(buf[off : off+4])))
		internal.children = append(internal.children, c)
		off += 4
	}
	return internal, nil
}

// structEstimateSize computes the serialized size of a node of the
// given order (worst case: full), used by auto-tune to pick the
// largest order that fits a block.
func structEstimateSize(leaf bool, order, keyLen, valLen int) int {
	size := nodeHeaderSize + order*keyLen
	if leaf {
		return size + order*valLen + 4 + 4
	}
	return size + (order+1)*4
}
