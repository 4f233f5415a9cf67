package btree

import (
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// minPoolEntries is the floor spec.md §4.7 sets on each read pool so
// tiny CacheSize configurations still keep a useful working set.
const minPoolEntries = 37

// PageCache is the dual-layer node cache described in spec.md §4.7: a
// read-only LRU pool per node kind, sized as a 5%/95% split of
// CacheSize/blockSize (leaves dominate in a typical workload), plus a
// dirty map per kind that ReleaseNodes flushes and evicts from under
// memory pressure.
type PageCache struct {
	leafPool     *lru.Cache[NodeID, Node]
	internalPool *lru.Cache[NodeID, Node]

	dirtyLeaf     map[NodeID]Node
	dirtyInternal map[NodeID]Node

	store          *BlockStore
	keyLen, valLen int
	leafOrder, internalOrder int

	leafCap, internalCap int

	logger *zap.Logger

	hits, misses int64
}

// NewPageCache sizes the read pools from cacheBytes/blockSize per
// spec.md §4.7: internal nodes get 5% of entries (they are few and
// reused constantly during descent), leaves get 95%, each floored at
// minPoolEntries. logger may be nil to use the package
// default (used to log best-effort page-flush failures).
func NewPageCache(store *BlockStore, cacheBytes, blockSize, keyLen, valLen, leafOrder, internalOrder int, logger *zap.Logger) (*PageCache, error) {
	totalEntries := cacheBytes / blockSize
	if totalEntries < minPoolEntries*2 {
		totalEntries = minPoolEntries * 2
	}
	internalEntries := totalEntries * 5 / 100
	if internalEntries < minPoolEntries {
		internalEntries = minPoolEntries
	}
	leafEntries := totalEntries * 95 / 100
	if leafEntries < minPoolEntries {
		leafEntries = minPoolEntries
	}

	leafPool, err := lru.New[NodeID, Node](leafEntries)
	if err != nil {
		return nil, err
	}
	internalPool, err := lru.New[NodeID, Node](internalEntries)
	if err != nil {
		return nil, err
	}

	return &PageCache{
		leafPool:      leafPool,
		internalPool:  internalPool,
		dirtyLeaf:     make(map[NodeID]Node),
		dirtyInternal: make(map[NodeID]Node),
		store:         store,
		keyLen:        keyLen,
		valLen:        valLen,
		leafOrder:     leafOrder,
		internalOrder: internalOrder,
		leafCap:       leafEntries,
		internalCap:   internalEntries,
		logger:        loggerOrDefault(logger),
	}, nil
}

// Get returns the node for id, checking the dirty map first (it always
// holds the newest version), then the read pool, then falling back to
// the block store and populating the read pool on a miss.
func (c *PageCache) Get(id NodeID) (Node, error) {
	if id == NullID {
		return nil, nil
	}
	if id.IsLeaf() {
		if n, ok := c.dirtyLeaf[id]; ok {
			c.hits++
			return n, nil
		}
		if n, ok := c.leafPool.Get(id); ok {
			c.hits++
			return n, nil
		}
	} else {
		if n, ok := c.dirtyInternal[id]; ok {
			c.hits++
			return n, nil
		}
		if n, ok := c.internalPool.Get(id); ok {
			c.hits++
			return n, nil
		}
	}
	c.misses++

	buf, err := c.store.Get(id.BlockIndex())
	if err != nil {
		return nil, err
	}
	node, err := decodeNode(buf, c.keyLen, c.valLen, c.leafOrder, c.internalOrder)
	c.store.ReleaseBuffer(buf)
	if err != nil {
		return nil, err
	}

	if node.IsLeaf() {
		c.leafPool.Add(id, node)
	} else {
		c.internalPool.Add(id, node)
	}
	return node, nil
}

// Put installs node into its id's slot and marks it dirty.
func (c *PageCache) Put(node Node) {
	id := node.ID()
	if id.IsLeaf() {
		c.dirtyLeaf[id] = node
		c.leafPool.Remove(id)
	} else {
		c.dirtyInternal[id] = node
		c.internalPool.Remove(id)
	}
}

// SetDirty marks an already-cached node as modified in place, used
// when the caller mutated a node obtained from Get without going
// through Put.
func (c *PageCache) SetDirty(node Node) { c.Put(node) }

// DirtyCount returns the number of pending (unflushed) nodes.
func (c *PageCache) DirtyCount() int {
	return len(c.dirtyLeaf) + len(c.dirtyInternal)
}

// Flush writes every dirty node to the block store, leaves first then
// internals, each pool in ascending block-index order, per spec.md
// §4.7/§4.8's write-back ordering. A page that fails to write is
// logged and left dirty for the next flush attempt instead of aborting
// the whole pass, matching spec.md §7's "a failed page logs and
// continues" policy; Flush only returns an error when nothing else can
// be tried next (never currently, since flushOne only fails on I/O,
// which is logged rather than propagated).
func (c *PageCache) Flush() error {
	c.flushPool(c.dirtyLeaf)
	c.flushPool(c.dirtyInternal)
	return nil
}

func (c *PageCache) flushPool(dirty map[NodeID]Node) {
	ids := make([]NodeID, 0, len(dirty))
	for id := range dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].BlockIndex() < ids[j].BlockIndex() })

	for _, id := range ids {
		node := dirty[id]
		if err := c.flushOne(node); err != nil {
			c.logger.Warn("failed to flush dirty page, will retry on next flush",
				zap.Int32("node_id", int32(id)), zap.Error(err))
			continue
		}
		delete(dirty, id)
	}
}

func (c *PageCache) flushOne(node Node) error {
	buf := globalBufferPool.Get(blockSizeFor(c), c.store.direct)
	encodeNode(buf, node, c.keyLen, c.valLen)
	if err := c.store.Set(node.ID().BlockIndex(), buf); err != nil {
		return err
	}
	if node.IsLeaf() {
		c.leafPool.Add(node.ID(), node)
	} else {
		c.internalPool.Add(node.ID(), node)
	}
	return nil
}

func blockSizeFor(c *PageCache) int { return c.store.blockSize }

// ReleaseNodes flushes all dirty nodes and, when autosync is enabled,
// fsyncs the block store. It checks no threshold itself: the engine
// calls it once the dirty count reaches its high-water mark. This is
// the policy spec.md §4.7 assigns to bound memory use under sustained
// write load.
func (c *PageCache) ReleaseNodes(autosync bool) error {
	if err := c.Flush(); err != nil {
		return err
	}
	if autosync {
		return c.store.Sync()
	}
	return nil
}

// Evict drops id from whichever read pool holds it, leaving dirty
// entries untouched (dirty nodes are only removed by Flush).
func (c *PageCache) Evict(id NodeID) {
	if id.IsLeaf() {
		c.leafPool.Remove(id)
	} else {
		c.internalPool.Remove(id)
	}
}

// Delete removes id from cache entirely, dirty or clean, used when a
// node is deleted by a merge.
func (c *PageCache) Delete(id NodeID) {
	delete(c.dirtyLeaf, id)
	delete(c.dirtyInternal, id)
	c.Evict(id)
}
