// Package mvcc implements devi's transaction manager and per-document
// version-chain bookkeeping: assigning transaction ids, tracking the
// active set for snapshot/garbage-collection bounds, and the
// visibility predicate of spec.md §3.3.
package mvcc

import (
	"sync"
	"sync/atomic"

	"github.com/devi-db/devi/storage"
)

// TransactionManager hands out monotonic transaction ids and tracks
// which are still active, so a snapshot boundary and a GC horizon can
// both be computed without scanning the whole transaction table.
type TransactionManager struct {
	nextTxID      uint64 // atomic, persisted via pager header next_tx_id
	lastCommitted uint64 // atomic

	mu     sync.RWMutex
	active map[storage.TxID]storage.TxID // tx_id -> snapshot_id (start_time)
}

// NewTransactionManager seeds next_tx_id from the pager header's
// persisted counter.
func NewTransactionManager(persistedNextTxID storage.TxID) *TransactionManager {
	next := uint64(persistedNextTxID)
	if next == 0 {
		next = 1
	}
	return &TransactionManager{
		nextTxID:      next,
		lastCommitted: next - 1,
		active:        make(map[storage.TxID]storage.TxID),
	}
}

// Begin fetch-and-increments next_tx_id and records the current
// last_committed value as the new transaction's snapshot boundary.
func (m *TransactionManager) Begin() (txID, snapshotID storage.TxID) {
	id := storage.TxID(atomic.AddUint64(&m.nextTxID, 1) - 1)
	snap := storage.TxID(atomic.LoadUint64(&m.lastCommitted))
	m.mu.Lock()
	m.active[id] = snap
	m.mu.Unlock()
	return id, snap
}

// Commit removes txID from the active set and, if it is the newest
// commit observed so far, advances last_committed.
func (m *TransactionManager) Commit(txID storage.TxID) {
	m.mu.Lock()
	delete(m.active, txID)
	m.mu.Unlock()
	for {
		cur := atomic.LoadUint64(&m.lastCommitted)
		if uint64(txID) <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&m.lastCommitted, cur, uint64(txID)) {
			return
		}
	}
}

// Abort removes txID from the active set without advancing last_committed.
func (m *TransactionManager) Abort(txID storage.TxID) {
	m.mu.Lock()
	delete(m.active, txID)
	m.mu.Unlock()
}

// OldestActive is the minimum snapshot boundary among active
// transactions, or last_committed+1 if none are active. No version
// whose xmax is below this bound can be seen by any present or future
// snapshot, so it bounds what garbage collection may reclaim.
func (m *TransactionManager) OldestActive() storage.TxID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.active) == 0 {
		return storage.TxID(atomic.LoadUint64(&m.lastCommitted) + 1)
	}
	first := true
	var oldest storage.TxID
	for _, snap := range m.active {
		if first || snap < oldest {
			oldest = snap
			first = false
		}
	}
	return oldest
}

// NextTxID returns the next id that will be handed out, for persisting
// into the pager header at commit time.
func (m *TransactionManager) NextTxID() storage.TxID {
	return storage.TxID(atomic.LoadUint64(&m.nextTxID))
}

// LastCommitted returns the highest committed transaction id.
func (m *TransactionManager) LastCommitted() storage.TxID {
	return storage.TxID(atomic.LoadUint64(&m.lastCommitted))
}

// ActiveCount reports how many transactions are currently active, for metrics.
func (m *TransactionManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// IsVisible implements the predicate of spec.md §3.3: a version is
// visible to snapshot S if it was created at or before S and either
// still lives or was only deleted after S. A transaction always sees
// its own writes (xmin == ownTxID) regardless of snapshot.
func IsVisible(xmin, xmax storage.TxID, snapshot, ownTxID storage.TxID) bool {
	if xmin == ownTxID {
		return true
	}
	return xmin <= snapshot && (xmax == 0 || xmax > snapshot)
}

// Version is one physical, now-superseded copy of a document, kept in
// a per-collection chain purely for garbage collection bookkeeping.
// Unlike the xmax that may or may not be baked into the page's own
// bytes, Xmax here is always the id of the transaction that
// superseded this copy (by update or delete) — it is assigned at
// chain-insertion time, not re-derived from the page.
type Version struct {
	FirstPage storage.PageNum
	Xmin      storage.TxID
	Xmax      storage.TxID
}

// Chains holds, per collection and document id, every superseded
// physical version still awaiting reclamation.
type Chains struct {
	mu  sync.RWMutex
	byC map[string]map[string][]Version
}

// NewChains returns an empty version-chain table.
func NewChains() *Chains {
	return &Chains{byC: make(map[string]map[string][]Version)}
}

// Record appends a newly superseded version to the chain for
// (collection, docID).
func (c *Chains) Record(collection, docID string, v Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.byC[collection]
	if !ok {
		m = make(map[string][]Version)
		c.byC[collection] = m
	}
	m[docID] = append(m[docID], v)
}

// GarbageCollect frees every tracked version whose xmin and xmax both
// precede oldestActive — no live or future snapshot can still
// reference it — via storage.DeleteDocument, and drops it from the chain.
func (c *Chains) GarbageCollect(pager *storage.Pager, oldestActive storage.TxID) (freed int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for collection, docs := range c.byC {
		for id, versions := range docs {
			kept := versions[:0]
			for _, v := range versions {
				dead := v.Xmin < oldestActive && (v.Xmax == 0 || v.Xmax < oldestActive)
				if !dead {
					kept = append(kept, v)
					continue
				}
				if err := storage.DeleteDocument(pager, v.FirstPage); err != nil {
					return freed, err
				}
				freed++
			}
			if len(kept) == 0 {
				delete(docs, id)
			} else {
				docs[id] = kept
			}
		}
		if len(docs) == 0 {
			delete(c.byC, collection)
		}
	}
	return freed, nil
}
