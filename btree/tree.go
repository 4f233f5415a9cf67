package btree

import (
	"github.com/kvtree/bplustree/common"
	"go.uber.org/zap"
)

type treeState int32

const (
	stateCreated treeState = iota
	stateOpened
	stateClosed
)

// Tree is the public, generic persistent B+Tree engine: a thin
// wrapper that serializes K/V through their codecs at the boundary and
// dispatches onto the byte-level engine, which carries the actual
// descent/split/merge algebra. See spec.md §4.6 "Tree Engine".
type Tree[K any, V any] struct {
	keyCodec Codec[K]
	valCodec Codec[V]
	eng      *engine
	state    treeState
	onSync   func(common.Stats)
}

// Open creates or reattaches to a persistent B+Tree at opts.Filename.
// logger may be nil to use the package default.
func Open[K any, V any](opts Options, keyCodec Codec[K], valCodec Codec[V], logger *zap.Logger) (*Tree[K, V], error) {
	eng, err := openEngine(opts, keyCodec.ByteLength(), valCodec.ByteLength(), logger)
	if err != nil {
		return nil, err
	}
	return &Tree[K, V]{keyCodec: keyCodec, valCodec: valCodec, eng: eng, state: stateOpened}, nil
}

// SetCallback installs a hook invoked with a Stats snapshot every time
// Sync completes, letting callers timestamp block-count checkpoints
// (SPEC_FULL.md's engine Stats()/OnSync supplement).
func (t *Tree[K, V]) SetCallback(cb func(common.Stats)) { t.onSync = cb }

func (t *Tree[K, V]) requireOpen() error {
	if t.state != stateOpened {
		return common.ErrInvalidState
	}
	return nil
}

func (t *Tree[K, V]) encodeKey(k K) []byte {
	buf := make([]byte, t.keyCodec.ByteLength())
	t.keyCodec.Serialize(buf, k)
	return buf
}

func (t *Tree[K, V]) encodeValue(v V) []byte {
	buf := make([]byte, t.valCodec.ByteLength())
	t.valCodec.Serialize(buf, v)
	return buf
}

// Put inserts or updates key with value.
func (t *Tree[K, V]) Put(key K, value V) error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	if t.keyCodec.ByteLength() == 0 {
		return common.ErrKeyEmpty
	}
	return t.eng.put(t.encodeKey(key), t.encodeValue(value))
}

// Get returns the value stored for key, or ok=false if absent.
func (t *Tree[K, V]) Get(key K) (value V, ok bool, err error) {
	if err := t.requireOpen(); err != nil {
		return value, false, err
	}
	buf, found, err := t.eng.get(t.encodeKey(key))
	if err != nil || !found {
		return value, false, err
	}
	return t.valCodec.Deserialize(buf), true, nil
}

// Remove deletes key, returning common.ErrKeyNotFound if it is absent.
func (t *Tree[K, V]) Remove(key K) error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	if t.keyCodec.ByteLength() == 0 {
		return common.ErrKeyEmpty
	}
	return t.eng.remove(t.encodeKey(key))
}

// Size returns the number of stored entries.
func (t *Tree[K, V]) Size() int64 {
	t.eng.lock.LockRead()
	defer t.eng.lock.UnlockRead()
	return t.eng.elements
}

// Height returns the current tree height (0 for a single leaf root).
func (t *Tree[K, V]) Height() int {
	t.eng.lock.LockRead()
	defer t.eng.lock.UnlockRead()
	return t.eng.height
}

// IsEmpty reports whether the tree holds no entries.
func (t *Tree[K, V]) IsEmpty() bool { return t.Size() == 0 }

// Stats returns a snapshot of engine-level counters.
func (t *Tree[K, V]) Stats() common.Stats { return t.eng.statsSnapshot() }

// Sync flushes dirty nodes and fsyncs the backing files.
func (t *Tree[K, V]) Sync() error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	if err := t.eng.sync(); err != nil {
		return err
	}
	if t.onSync != nil {
		t.onSync(t.eng.statsSnapshot())
	}
	return nil
}

// Clear empties the tree, releasing every block back to a fresh store.
func (t *Tree[K, V]) Clear() error {
	if err := t.requireOpen(); err != nil {
		return err
	}
	return t.eng.clear()
}

// Close flushes and fsyncs the tree, marks the store clean, and
// releases its file handles. The Tree must not be used afterward.
func (t *Tree[K, V]) Close() error {
	if t.state == stateClosed {
		return nil
	}
	if err := t.eng.close(); err != nil {
		return err
	}
	t.state = stateClosed
	return nil
}

// FirstKey/FirstEntry/LastKey/LastEntry return the endpoints of the
// tree's key order.

func (t *Tree[K, V]) FirstEntry() (common.Entry[K, V], bool, error) {
	if err := t.requireOpen(); err != nil {
		return common.Entry[K, V]{}, false, err
	}
	t.eng.lock.LockRead()
	defer t.eng.lock.UnlockRead()
	leaf, err := t.eng.firstLeaf()
	if err != nil {
		return common.Entry[K, V]{}, false, err
	}
	if leaf.IsEmpty() {
		return common.Entry[K, V]{}, false, nil
	}
	return common.Entry[K, V]{Key: t.keyCodec.Deserialize(leaf.keys[0]), Value: t.valCodec.Deserialize(leaf.values[0])}, true, nil
}

func (t *Tree[K, V]) LastEntry() (common.Entry[K, V], bool, error) {
	if err := t.requireOpen(); err != nil {
		return common.Entry[K, V]{}, false, err
	}
	t.eng.lock.LockRead()
	defer t.eng.lock.UnlockRead()
	leaf, err := t.eng.lastLeaf()
	if err != nil {
		return common.Entry[K, V]{}, false, err
	}
	if leaf.IsEmpty() {
		return common.Entry[K, V]{}, false, nil
	}
	last := len(leaf.keys) - 1
	return common.Entry[K, V]{Key: t.keyCodec.Deserialize(leaf.keys[last]), Value: t.valCodec.Deserialize(leaf.values[last])}, true, nil
}

func (t *Tree[K, V]) FirstKey() (K, bool, error) {
	e, ok, err := t.FirstEntry()
	return e.Key, ok, err
}

func (t *Tree[K, V]) LastKey() (K, bool, error) {
	e, ok, err := t.LastEntry()
	return e.Key, ok, err
}

// Ceiling returns the smallest stored entry >= key.
func (t *Tree[K, V]) CeilingEntry(key K) (common.Entry[K, V], bool, error) {
	return t.nearest(key, true, true)
}

// Floor returns the largest stored entry <= key.
func (t *Tree[K, V]) FloorEntry(key K) (common.Entry[K, V], bool, error) {
	return t.nearest(key, false, true)
}

// Higher returns the smallest stored entry strictly > key.
func (t *Tree[K, V]) HigherEntry(key K) (common.Entry[K, V], bool, error) {
	return t.nearest(key, true, false)
}

// Lower returns the largest stored entry strictly < key.
func (t *Tree[K, V]) LowerEntry(key K) (common.Entry[K, V], bool, error) {
	return t.nearest(key, false, false)
}

func (t *Tree[K, V]) CeilingKey(key K) (K, bool, error) {
	e, ok, err := t.CeilingEntry(key)
	return e.Key, ok, err
}

func (t *Tree[K, V]) FloorKey(key K) (K, bool, error) {
	e, ok, err := t.FloorEntry(key)
	return e.Key, ok, err
}

func (t *Tree[K, V]) HigherKey(key K) (K, bool, error) {
	e, ok, err := t.HigherEntry(key)
	return e.Key, ok, err
}

func (t *Tree[K, V]) LowerKey(key K) (K, bool, error) {
	e, ok, err := t.LowerEntry(key)
	return e.Key, ok, err
}

// nearest implements Ceiling/Floor/Higher/Lower by descending to the
// target leaf and scanning forward (forward=true) or backward via the
// sibling chain.
func (t *Tree[K, V]) nearest(key K, forward, inclusive bool) (common.Entry[K, V], bool, error) {
	if err := t.requireOpen(); err != nil {
		return common.Entry[K, V]{}, false, err
	}
	t.eng.lock.LockRead()
	defer t.eng.lock.UnlockRead()

	keyBuf := t.encodeKey(key)
	_, leaf, err := t.eng.descend(keyBuf)
	if err != nil {
		return common.Entry[K, V]{}, false, err
	}

	for leaf != nil {
		idx := FindSlot(leaf.keys, keyBuf, defaultCompare)
		if forward {
			start := idx
			if start < 0 {
				start = -(start) - 1
			} else if !inclusive {
				start++
			}
			if start < len(leaf.keys) {
				return common.Entry[K, V]{Key: t.keyCodec.Deserialize(leaf.keys[start]), Value: t.valCodec.Deserialize(leaf.values[start])}, true, nil
			}
			if leaf.rightID == NullID {
				return common.Entry[K, V]{}, false, nil
			}
			n, err := t.eng.cache.Get(leaf.rightID)
			if err != nil {
				return common.Entry[K, V]{}, false, err
			}
			leaf = n.(*LeafNode)
			continue
		}

		end := idx
		if end < 0 {
			end = -(end) - 1 - 1
		} else if !inclusive {
			end--
		}
		if end >= 0 {
			return common.Entry[K, V]{Key: t.keyCodec.Deserialize(leaf.keys[end]), Value: t.valCodec.Deserialize(leaf.values[end])}, true, nil
		}
		if leaf.leftID == NullID {
			return common.Entry[K, V]{}, false, nil
		}
		n, err := t.eng.cache.Get(leaf.leftID)
		if err != nil {
			return common.Entry[K, V]{}, false, err
		}
		leaf = n.(*LeafNode)
	}
	return common.Entry[K, V]{}, false, nil
}

// PollFirstEntry atomically removes and returns the smallest entry: the
// read and the removal happen under a single engine write-lock scope
// (spec.md §4.6), so a concurrent mutation can never slip between them.
func (t *Tree[K, V]) PollFirstEntry() (common.Entry[K, V], bool, error) {
	if err := t.requireOpen(); err != nil {
		return common.Entry[K, V]{}, false, err
	}
	keyBuf, valBuf, ok, err := t.eng.pollFirst()
	if err != nil || !ok {
		return common.Entry[K, V]{}, false, err
	}
	return common.Entry[K, V]{Key: t.keyCodec.Deserialize(keyBuf), Value: t.valCodec.Deserialize(valBuf)}, true, nil
}

// PollLastEntry atomically removes and returns the largest entry, under
// the same single-lock-scope guarantee as PollFirstEntry.
func (t *Tree[K, V]) PollLastEntry() (common.Entry[K, V], bool, error) {
	if err := t.requireOpen(); err != nil {
		return common.Entry[K, V]{}, false, err
	}
	keyBuf, valBuf, ok, err := t.eng.pollLast()
	if err != nil || !ok {
		return common.Entry[K, V]{}, false, err
	}
	return common.Entry[K, V]{Key: t.keyCodec.Deserialize(keyBuf), Value: t.valCodec.Deserialize(valBuf)}, true, nil
}

// Iterator returns a forward ordered iterator over every stored entry.
// It is a point-in-time snapshot of traversal position: mutating the
// tree while an iterator is in use is not supported, per spec.md §9.
func (t *Tree[K, V]) Iterator() (*Iterator[K, V], error) {
	if err := t.requireOpen(); err != nil {
		return nil, err
	}
	leaf, err := t.eng.firstLeaf()
	if err != nil {
		return nil, err
	}
	return &Iterator[K, V]{tree: t, leaf: leaf, idx: 0}, nil
}
