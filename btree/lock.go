package btree

import "sync"

// engineLock enforces the single-writer-or-single-reader contract
// spec.md §5 assigns the public API: unlike the teacher's per-page
// latch coupling (ConcurrentGet/ConcurrentPut, which let independent
// tree paths proceed under separate page latches), every operation
// here takes one lock over the whole tree for its duration. Simpler,
// and what the spec asks for; concurrent readers still overlap with
// each other, just never with a writer.
type engineLock struct {
	mu sync.RWMutex
}

// LockRead acquires the lock in shared mode, for Get and the read-only
// probes (iterators take no lock).
func (l *engineLock) LockRead() { l.mu.RLock() }

// UnlockRead releases a shared lock.
func (l *engineLock) UnlockRead() { l.mu.RUnlock() }

// LockWrite acquires the lock in exclusive mode, for Put/Remove and
// any structural operation (split, merge, recovery).
func (l *engineLock) LockWrite() { l.mu.Lock() }

// UnlockWrite releases an exclusive lock.
func (l *engineLock) UnlockWrite() { l.mu.Unlock() }
