// Package txn implements devi's transaction object and commit/rollback
// protocol (spec.md §3.6, §4.6): a Transaction stages writes into a
// per-collection copy-on-write B+Tree overlay and a shared page-image
// buffer, invisible to every other transaction until Engine.Commit
// publishes them.
package txn

import (
	"encoding/json"
	"sync"

	"github.com/devi-db/devi/btree"
	"github.com/devi-db/devi/dberr"
	"github.com/devi-db/devi/mvcc"
	"github.com/devi-db/devi/storage"
)

// Status is a Transaction's lifecycle stage (spec.md §3.6: Active →
// Committed | RolledBack; once non-Active no further operations are legal).
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusRolledBack
)

// Transaction is one unit of work against a Database. Every exported
// method is safe to call from one goroutine at a time (spec.md §5
// gives each transaction its own writes/doc_writes, not shared across
// transactions); call serialization across goroutines within a single
// transaction is the caller's responsibility.
type Transaction struct {
	engine *Engine

	TxID       storage.TxID // process-local, equal to MVCCTxID in this implementation
	MVCCTxID   storage.TxID // global, persisted via pager header next_tx_id
	SnapshotID storage.TxID // highest committed id observed at begin

	mu sync.Mutex

	snapshotRoots        map[string]storage.PageNum
	writes               map[storage.PageNum][storage.PageSize]byte
	docWrites            map[string]map[string]storage.PageNum // storage.DeletedPage marks a delete
	updatedRoots         map[string]storage.PageNum
	modifiedCollections  map[string]bool
	oldVersions          map[string][]supersededVersion
	docExistedInSnapshot map[string]map[string]bool
	docOriginalXmin      map[string]map[string]storage.TxID
	overlays             map[string]*btree.TxBTree
	docSnapshots         map[string]map[string]docSnapshot

	status Status
}

// supersededVersion pairs a document id with the now-dead physical
// version it used to occupy, so Engine.mergeOldVersions can file it
// into mvcc.Chains under its own id rather than a collection-wide
// bucket.
type supersededVersion struct {
	docID string
	v     mvcc.Version
}

// docSnapshot captures a document's before/after bytes for one
// operation, so Engine.maintainIndexes can diff index keys at commit
// time without re-reading pages this same transaction may already
// have freed (spec.md §4.6.2 step 5).
type docSnapshot struct {
	oldData []byte // nil if the document did not exist before this transaction touched it
	newData []byte // nil if the operation was a delete
}

// Document pairs a document id with its decoded bytes, returned by FindAll.
type Document struct {
	ID   string
	Data []byte
}

func newTransaction(engine *Engine, txID, snapshot storage.TxID, roots map[string]storage.PageNum) *Transaction {
	return &Transaction{
		engine:               engine,
		TxID:                 txID,
		MVCCTxID:             txID,
		SnapshotID:           snapshot,
		snapshotRoots:        roots,
		writes:               make(map[storage.PageNum][storage.PageSize]byte),
		docWrites:            make(map[string]map[string]storage.PageNum),
		updatedRoots:         make(map[string]storage.PageNum),
		modifiedCollections:  make(map[string]bool),
		oldVersions:          make(map[string][]supersededVersion),
		docExistedInSnapshot: make(map[string]map[string]bool),
		docOriginalXmin:      make(map[string]map[string]storage.TxID),
		overlays:             make(map[string]*btree.TxBTree),
		docSnapshots:         make(map[string]map[string]docSnapshot),
		status:               StatusActive,
	}
}

// Status reports the transaction's current lifecycle stage.
func (tx *Transaction) Status() Status { return tx.status }

func (tx *Transaction) checkActive() error {
	if tx.status != StatusActive {
		return dberr.TxAlreadyDone()
	}
	return nil
}

func (tx *Transaction) overlay(collection string) (*btree.TxBTree, error) {
	if o, ok := tx.overlays[collection]; ok {
		return o, nil
	}
	root := tx.snapshotRoots[collection]
	var o *btree.TxBTree
	var err error
	if root == 0 {
		o, err = btree.NewEmptyTxBTree(tx.engine.Pager, tx.writes)
	} else {
		o = btree.NewTxBTree(tx.engine.Pager, root, tx.writes)
	}
	if err != nil {
		return nil, err
	}
	tx.overlays[collection] = o
	return o, nil
}

func (tx *Transaction) noteTouch(collection, id string, existed bool, xmin storage.TxID) {
	if _, ok := tx.docExistedInSnapshot[collection]; !ok {
		tx.docExistedInSnapshot[collection] = make(map[string]bool)
	}
	if _, ok := tx.docExistedInSnapshot[collection][id]; !ok {
		tx.docExistedInSnapshot[collection][id] = existed
	}
	if !existed {
		return
	}
	if _, ok := tx.docOriginalXmin[collection]; !ok {
		tx.docOriginalXmin[collection] = make(map[string]storage.TxID)
	}
	if _, ok := tx.docOriginalXmin[collection][id]; !ok {
		tx.docOriginalXmin[collection][id] = xmin
	}
}

// recordSnapshot stashes a document's before/after bytes for index
// maintenance, keyed by (collection, id). Only the first snapshot per
// doc in a transaction matters for "existed before" (old), but new is
// always overwritten to the operation's latest result.
func (tx *Transaction) recordSnapshot(collection, id string, oldData, newData []byte) {
	m, ok := tx.docSnapshots[collection]
	if !ok {
		m = make(map[string]docSnapshot)
		tx.docSnapshots[collection] = m
	}
	s, ok := m[id]
	if !ok {
		s.oldData = oldData
	}
	s.newData = newData
	m[id] = s
}

func (tx *Transaction) recordWrite(collection, id string, page storage.PageNum) {
	if _, ok := tx.docWrites[collection]; !ok {
		tx.docWrites[collection] = make(map[string]storage.PageNum)
	}
	tx.docWrites[collection][id] = page
	tx.modifiedCollections[collection] = true
}

// superseding either frees pn immediately (if it was a page this same
// transaction wrote earlier — nobody else can ever see it) or records
// it in the transaction's old-version list for the engine to merge
// into the collection's GC chain at commit.
func (tx *Transaction) supersede(collection, docID string, pn storage.PageNum, xmin storage.TxID) error {
	if xmin == tx.MVCCTxID {
		return tx.engine.Pager.FreePage(pn)
	}
	tx.oldVersions[collection] = append(tx.oldVersions[collection], supersededVersion{
		docID: docID,
		v: mvcc.Version{
			FirstPage: pn,
			Xmin:      xmin,
			Xmax:      tx.MVCCTxID,
		},
	})
	return nil
}

// InsertDoc stages a new document. Returns dberr.DocumentAlreadyExists
// if id is already present in this transaction's view of collection.
func (tx *Transaction) InsertDoc(collection, id string, data []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return err
	}
	o, err := tx.overlay(collection)
	if err != nil {
		return err
	}
	if _, found, err := o.Get(id); err != nil {
		return err
	} else if found {
		return dberr.DocumentAlreadyExists(collection, id)
	}

	pn, _, err := storage.WriteVersionedDocument(tx.engine.Pager, id, data, tx.MVCCTxID, 0, tx.writes)
	if err != nil {
		return err
	}
	if err := o.Insert(id, pn); err != nil {
		return err
	}
	tx.noteTouch(collection, id, false, 0)
	tx.recordWrite(collection, id, pn)
	tx.recordSnapshot(collection, id, nil, data)
	tx.updatedRoots[collection] = o.Root()
	return nil
}

// FindByID returns the document's current bytes within this
// transaction's view (own writes included), or found=false.
func (tx *Transaction) FindByID(collection, id string) (data []byte, found bool, err error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return nil, false, err
	}
	o, err := tx.overlay(collection)
	if err != nil {
		return nil, false, err
	}
	pn, found, err := o.Get(id)
	if err != nil || !found {
		return nil, false, err
	}
	_, data, xmin, xmax, err := storage.ReadVersionedDocument(tx.engine.Pager, pn, tx.writes)
	if err != nil {
		return nil, false, err
	}
	if !mvcc.IsVisible(xmin, xmax, tx.SnapshotID, tx.MVCCTxID) {
		return nil, false, nil
	}
	return data, true, nil
}

// UpdateByID replaces a document's bytes, preserving its original xmin
// lineage for conflict detection and superseding the prior physical page.
func (tx *Transaction) UpdateByID(collection, id string, data []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return err
	}
	o, err := tx.overlay(collection)
	if err != nil {
		return err
	}
	oldPN, found, err := o.Get(id)
	if err != nil {
		return err
	}
	if !found {
		return dberr.NotFound(collection, id)
	}
	_, oldData, oldXmin, _, err := storage.ReadVersionedDocument(tx.engine.Pager, oldPN, tx.writes)
	if err != nil {
		return err
	}
	tx.noteTouch(collection, id, true, oldXmin)
	if err := tx.supersede(collection, id, oldPN, oldXmin); err != nil {
		return err
	}

	newPN, _, err := storage.WriteVersionedDocument(tx.engine.Pager, id, data, tx.MVCCTxID, 0, tx.writes)
	if err != nil {
		return err
	}
	if err := o.Insert(id, newPN); err != nil {
		return err
	}
	tx.recordWrite(collection, id, newPN)
	tx.recordSnapshot(collection, id, oldData, data)
	tx.updatedRoots[collection] = o.Root()
	return nil
}

// DeleteByID removes a document. The primary index entry is dropped
// immediately; the physical page is superseded for later GC, exactly
// like an update with no replacement page (spec.md glossary:
// "deletion is recorded by setting xmax on a version, not by writing a
// tombstone page" — here that bookkeeping lives in the version chain,
// not in the page bytes themselves).
func (tx *Transaction) DeleteByID(collection, id string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return err
	}
	o, err := tx.overlay(collection)
	if err != nil {
		return err
	}
	pn, found, err := o.Get(id)
	if err != nil {
		return err
	}
	if !found {
		return dberr.NotFound(collection, id)
	}
	_, oldData, xmin, _, err := storage.ReadVersionedDocument(tx.engine.Pager, pn, tx.writes)
	if err != nil {
		return err
	}
	tx.noteTouch(collection, id, true, xmin)
	if err := tx.supersede(collection, id, pn, xmin); err != nil {
		return err
	}
	if err := o.Delete(id); err != nil {
		return err
	}
	tx.recordWrite(collection, id, storage.DeletedPage)
	tx.recordSnapshot(collection, id, oldData, nil)
	tx.updatedRoots[collection] = o.Root()
	return nil
}

// FindAll returns every visible document in collection, in key order.
func (tx *Transaction) FindAll(collection string) ([]Document, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	o, err := tx.overlay(collection)
	if err != nil {
		return nil, err
	}
	entries, err := o.All()
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(entries))
	for _, e := range entries {
		id, data, xmin, xmax, err := storage.ReadVersionedDocument(tx.engine.Pager, e.Value, tx.writes)
		if err != nil {
			return nil, err
		}
		if !mvcc.IsVisible(xmin, xmax, tx.SnapshotID, tx.MVCCTxID) {
			continue
		}
		out = append(out, Document{ID: id, Data: data})
	}
	return out, nil
}

// Count returns the number of visible documents in collection.
func (tx *Transaction) Count(collection string) (int, error) {
	docs, err := tx.FindAll(collection)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// decodeFields parses data as a JSON object and extracts fields in
// order, each JSON-encoded and joined with "\x1f" — devi's index keys do not support nested
// paths, only top-level object fields.
func decodeFields(data []byte, fields []string) (string, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", false
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := obj[f]
		if !ok {
			return "", false
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		parts = append(parts, string(b))
	}
	joined := parts[0]
	for _, p := range parts[1:] {
		joined += "\x1f" + p // unit separator: never appears in JSON scalar encodings
	}
	return joined, true
}
