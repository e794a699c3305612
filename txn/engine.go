package txn

import (
	"fmt"
	"sync"

	"github.com/devi-db/devi/btree"
	"github.com/devi-db/devi/concurrency"
	"github.com/devi-db/devi/dberr"
	"github.com/devi-db/devi/dbstat"
	"github.com/devi-db/devi/devilog"
	"github.com/devi-db/devi/metadata"
	"github.com/devi-db/devi/mvcc"
	"github.com/devi-db/devi/storage"
)

// BatchConfig selects devi's two commit modes; the observable contract
// is identical, batched mode amortizes WAL fsync across transactions
// (spec.md §4.6).
type BatchConfig struct {
	Enabled      bool
	MaxBatchSize int
}

// ChangeKind classifies a post-commit change notification.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

// Change describes one committed document mutation, delivered to
// Engine.OnChange after commit.
type Change struct {
	Collection string
	DocID      string
	Kind       ChangeKind
	MVCCTxID   storage.TxID
}

// Engine owns everything a transaction's commit path touches: the
// pager, WAL, transaction manager, per-collection version chains, the
// commit coordinator, and the catalog itself (spec.md §4.7's Database
// façade, minus the collection-level convenience API, which lives in
// package devi).
type Engine struct {
	Pager       *storage.Pager
	WAL         *storage.WAL
	TxManager   *mvcc.TransactionManager
	Chains      *mvcc.Chains
	Coordinator *concurrency.BatchCoordinator
	Batch       BatchConfig

	AutoCheckpointThreshold int64

	catMu   sync.RWMutex
	catalog *metadata.Catalog

	log   *devilog.Logger
	stats *dbstat.Stats

	changeMu sync.Mutex
	onChange func(Change)
}

// NewEngine wires together the shared commit-path state. catalog is
// adopted, not copied — callers must not mutate it outside Engine.
func NewEngine(pager *storage.Pager, wal *storage.WAL, txMgr *mvcc.TransactionManager, chains *mvcc.Chains, batch BatchConfig, autoCheckpointThreshold int64, catalog *metadata.Catalog, log *devilog.Logger, stats *dbstat.Stats) *Engine {
	if log == nil {
		log = devilog.Nop()
	}
	maxBatch := batch.MaxBatchSize
	return &Engine{
		Pager:                   pager,
		WAL:                     wal,
		TxManager:               txMgr,
		Chains:                  chains,
		Coordinator:             concurrency.NewBatchCoordinator(maxBatch),
		Batch:                   batch,
		AutoCheckpointThreshold: autoCheckpointThreshold,
		catalog:                 catalog,
		log:                     log,
		stats:                   stats,
	}
}

// OnChange registers a change-notification hook, replacing any
// previous one; nil disables notification.
func (e *Engine) OnChange(f func(Change)) {
	e.changeMu.Lock()
	e.onChange = f
	e.changeMu.Unlock()
}

func (e *Engine) notify(c Change) {
	e.changeMu.Lock()
	f := e.onChange
	e.changeMu.Unlock()
	if f != nil {
		f(c)
	}
}

// Catalog returns a deep copy of the current catalog, safe to inspect
// without holding any lock.
func (e *Engine) Catalog() *metadata.Catalog {
	e.catMu.RLock()
	defer e.catMu.RUnlock()
	return e.catalog.Clone()
}

// UpdateMetadata applies f to the live catalog under its write lock
// and, unless noFlush, persists the catalog page and rewrites the
// header immediately (spec.md §4.7 update_metadata[_no_flush]).
func (e *Engine) UpdateMetadata(noFlush bool, f func(*metadata.Catalog)) error {
	e.catMu.Lock()
	f(e.catalog)
	cat := e.catalog
	e.catMu.Unlock()
	if noFlush {
		return nil
	}
	return e.flushCatalogLocked(cat)
}

func (e *Engine) flushCatalogLocked(cat *metadata.Catalog) error {
	buf, err := cat.WritePage()
	if err != nil {
		return err
	}
	pn := e.Pager.MetadataPage()
	if pn == 0 {
		pn, err = e.Pager.AllocPage()
		if err != nil {
			return err
		}
		e.Pager.SetMetadataPage(pn)
	}
	if err := e.Pager.WritePage(pn, buf); err != nil {
		return err
	}
	return e.Pager.WriteHeader()
}

// Begin opens a new transaction with a snapshot of every collection's
// current btree_root.
func (e *Engine) Begin() *Transaction {
	txID, snap := e.TxManager.Begin()
	e.stats.SetActiveTxns(e.TxManager.ActiveCount())

	e.catMu.RLock()
	roots := make(map[string]storage.PageNum, len(e.catalog.Collections))
	for name, cm := range e.catalog.Collections {
		roots[name] = cm.BTreeRoot
	}
	e.catMu.RUnlock()

	return newTransaction(e, txID, snap, roots)
}

// Rollback discards a transaction's staged writes. Allocated-but-never
// -referenced pages are leaked, per spec.md §4.6.4 — reclaimed only by
// compaction tooling outside this engine's scope.
func (e *Engine) Rollback(tx *Transaction) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return err
	}
	tx.writes = nil
	tx.docWrites = nil
	tx.status = StatusRolledBack
	e.TxManager.Abort(tx.TxID)
	e.stats.SetActiveTxns(e.TxManager.ActiveCount())
	return nil
}

// collectionRootLocked reads one collection's committed root under catMu.
func (e *Engine) collectionRootLocked(collection string) storage.PageNum {
	e.catMu.RLock()
	defer e.catMu.RUnlock()
	cm, ok := e.catalog.Collections[collection]
	if !ok {
		return 0
	}
	return cm.BTreeRoot
}

// detectConflicts implements spec.md §4.6.1: first-committer-wins,
// checked against the catalog's *current* root for each collection
// the transaction touched, which may be newer than the transaction's
// own snapshot.
func (e *Engine) detectConflicts(tx *Transaction) error {
	for collection := range tx.modifiedCollections {
		currentRoot := e.collectionRootLocked(collection)
		for docID, existed := range tx.docExistedInSnapshot[collection] {
			if !existed {
				continue // fresh insert: no committed prior state to conflict with here
			}
			if currentRoot == 0 {
				return dberr.TxConflict()
			}
			cur := btree.Open(e.Pager, currentRoot)
			curPN, found, err := cur.Get(docID)
			if err != nil {
				return err
			}
			if !found {
				e.stats.Conflict()
				return dberr.TxConflict()
			}
			_, _, curXmin, _, err := storage.ReadVersionedDocument(e.Pager, curPN, nil)
			if err != nil {
				return err
			}
			origXmin := tx.docOriginalXmin[collection][docID]
			if curXmin != origXmin && curXmin > tx.SnapshotID {
				e.stats.Conflict()
				return dberr.TxConflict()
			}
		}
	}
	return nil
}

// rebasePrimary returns the primary index root to publish for
// collection: the transaction's own updated root if nobody else
// committed against this collection since the transaction's snapshot,
// or a fresh replay of the transaction's doc_writes onto the current
// root otherwise (spec.md §4.6.2 step 4).
func (e *Engine) rebasePrimary(tx *Transaction, collection string, currentRoot storage.PageNum) (storage.PageNum, error) {
	if currentRoot == tx.snapshotRoots[collection] {
		return tx.updatedRoots[collection], nil
	}
	var overlay *btree.TxBTree
	var err error
	if currentRoot == 0 {
		overlay, err = btree.NewEmptyTxBTree(e.Pager, tx.writes)
	} else {
		overlay = btree.NewTxBTree(e.Pager, currentRoot, tx.writes)
	}
	if err != nil {
		return 0, err
	}
	var deletes []string
	for docID, pn := range tx.docWrites[collection] {
		if pn == storage.DeletedPage {
			deletes = append(deletes, docID)
			continue
		}
		if err := overlay.Insert(docID, pn); err != nil {
			return 0, err
		}
	}
	for _, docID := range deletes {
		if err := overlay.Delete(docID); err != nil {
			return 0, err
		}
	}
	return overlay.Root(), nil
}

// applyTransaction folds tx's writes into runningCatalog: rebasing
// each modified collection's primary root, maintaining its secondary
// indexes, and staging WAL frames for every page tx wrote. It does not
// sync or touch the header — callers batch that across one or many
// transactions.
func (e *Engine) applyTransaction(tx *Transaction, runningCatalog *metadata.Catalog) error {
	for collection := range tx.modifiedCollections {
		cm := runningCatalog.GetOrCreate(collection)
		currentRoot := cm.BTreeRoot
		newRoot, err := e.rebasePrimary(tx, collection, currentRoot)
		if err != nil {
			return err
		}
		cm.BTreeRoot = newRoot

		if err := e.maintainIndexes(tx, collection, cm); err != nil {
			return err
		}
	}

	for pn, data := range tx.writes {
		if err := e.WAL.WriteFrame(tx.MVCCTxID, pn, data); err != nil {
			return err
		}
		if err := e.Pager.WritePage(pn, data); err != nil {
			return err
		}
	}
	return nil
}

// mergeOldVersions records every version this transaction superseded
// into the engine's GC chains, once the transaction has committed.
func (e *Engine) mergeOldVersions(tx *Transaction) {
	for collection, versions := range tx.oldVersions {
		for _, sv := range versions {
			e.Chains.Record(collection, sv.docID, sv.v)
		}
	}
}

func (e *Engine) writeCatalogAndHeader(cat *metadata.Catalog, mvccTxID storage.TxID) error {
	buf, err := cat.WritePage()
	if err != nil {
		return err
	}
	pn := e.Pager.MetadataPage()
	if pn == 0 {
		pn, err = e.Pager.AllocPage()
		if err != nil {
			return err
		}
	}
	if err := e.WAL.WriteFrame(mvccTxID, pn, buf); err != nil {
		return err
	}
	if err := e.Pager.WritePage(pn, buf); err != nil {
		return err
	}
	e.Pager.SetMetadataPage(pn)
	e.Pager.SetNextTxID(mvccTxID + 1)

	hdrBuf, err := e.Pager.HeaderBuf()
	if err != nil {
		return err
	}
	if err := e.WAL.WriteFrame(mvccTxID, storage.HeaderPage, hdrBuf); err != nil {
		return err
	}
	return e.Pager.WriteHeaderNoSync()
}

func (e *Engine) maybeAutoCheckpoint() {
	if e.AutoCheckpointThreshold <= 0 {
		return
	}
	if e.WAL.FrameCount() < e.AutoCheckpointThreshold {
		return
	}
	go func() {
		if err := e.WAL.Checkpoint(e.Pager); err != nil {
			e.log.Error().Err(err).Msg("auto checkpoint failed")
		}
	}()
}

// Commit runs the single or batched commit protocol per e.Batch.
func (e *Engine) Commit(tx *Transaction) error {
	tx.mu.Lock()
	if err := tx.checkActive(); err != nil {
		tx.mu.Unlock()
		return err
	}
	tx.mu.Unlock()

	if e.Batch.Enabled {
		return e.commitBatched(tx)
	}
	return e.commitSingle(tx)
}

// commitSingle is spec.md §4.6.2.
func (e *Engine) commitSingle(tx *Transaction) error {
	e.Coordinator.Lock()
	defer e.Coordinator.Unlock()

	if err := e.detectConflicts(tx); err != nil {
		tx.status = StatusRolledBack
		e.TxManager.Abort(tx.TxID)
		return err
	}

	running := e.Catalog()
	if err := e.applyTransaction(tx, running); err != nil {
		return err
	}
	if err := e.writeCatalogAndHeader(running, tx.MVCCTxID); err != nil {
		return err
	}
	if err := e.WAL.Sync(); err != nil {
		return err
	}
	if err := e.Pager.FlushNoSync(); err != nil {
		return err
	}
	if err := e.Pager.SyncDataOnly(); err != nil {
		return err
	}

	e.catMu.Lock()
	e.catalog = running
	e.catMu.Unlock()

	tx.status = StatusCommitted
	e.TxManager.Commit(tx.TxID)
	e.mergeOldVersions(tx)
	e.stats.Commit()
	e.stats.SetActiveTxns(e.TxManager.ActiveCount())
	e.emitChanges(tx)
	e.maybeAutoCheckpoint()
	return nil
}

// commitBatched is spec.md §4.6.3: every committer enqueues a
// PendingWrite carrying its own Transaction and either becomes the
// batch leader (processing every pending write queued so far, and any
// that arrive while it is still draining) or blocks for the leader to
// process it.
func (e *Engine) commitBatched(tx *Transaction) error {
	pw := concurrency.NewPendingWrite(tx)
	return e.Coordinator.Commit(pw, e.processBatch)
}

// processBatch runs under commit_mu, held by whichever goroutine is
// leading this round. It detects conflicts for every member (deferring
// intra-batch document collisions to the next round), applies every
// surviving member's writes against one running catalog, and commits
// the whole batch with exactly one WAL sync and one data sync.
func (e *Engine) processBatch(batch []*concurrency.PendingWrite) {
	running := e.Catalog()
	claimed := make(map[string]map[string]bool) // collection -> docID -> claimed by an earlier member this round
	var accepted []*concurrency.PendingWrite
	var maxTxID storage.TxID

	for _, pw := range batch {
		tx := pw.Payload.(*Transaction)

		if conflicting := intraBatchConflict(tx, claimed); conflicting {
			e.Coordinator.Requeue(pw)
			continue
		}
		if err := e.detectConflicts(tx); err != nil {
			tx.status = StatusRolledBack
			e.TxManager.Abort(tx.TxID)
			pw.Fail(err)
			continue
		}
		if err := e.applyTransaction(tx, running); err != nil {
			tx.status = StatusRolledBack
			e.TxManager.Abort(tx.TxID)
			pw.Fail(err)
			continue
		}
		for collection, docs := range tx.docWrites {
			m, ok := claimed[collection]
			if !ok {
				m = make(map[string]bool)
				claimed[collection] = m
			}
			for docID := range docs {
				m[docID] = true
			}
		}
		if tx.MVCCTxID > maxTxID {
			maxTxID = tx.MVCCTxID
		}
		accepted = append(accepted, pw)
	}

	if len(accepted) == 0 {
		return
	}

	if err := e.writeCatalogAndHeader(running, maxTxID); err != nil {
		for _, pw := range accepted {
			pw.Fail(err)
		}
		return
	}
	if err := e.WAL.Sync(); err != nil {
		for _, pw := range accepted {
			pw.Fail(err)
		}
		return
	}
	if err := e.Pager.FlushNoSync(); err != nil {
		for _, pw := range accepted {
			pw.Fail(err)
		}
		return
	}
	if err := e.Pager.SyncDataOnly(); err != nil {
		for _, pw := range accepted {
			pw.Fail(err)
		}
		return
	}

	e.catMu.Lock()
	e.catalog = running
	e.catMu.Unlock()

	for _, pw := range accepted {
		tx := pw.Payload.(*Transaction)
		tx.status = StatusCommitted
		e.TxManager.Commit(tx.TxID)
		e.mergeOldVersions(tx)
		e.stats.Commit()
		e.emitChanges(tx)
		pw.Succeed()
	}
	e.stats.SetActiveTxns(e.TxManager.ActiveCount())
	e.maybeAutoCheckpoint()
}

// intraBatchConflict reports whether tx touches a (collection, docID)
// already claimed by an earlier member processed this round.
func intraBatchConflict(tx *Transaction, claimed map[string]map[string]bool) bool {
	for collection, docs := range tx.docWrites {
		m, ok := claimed[collection]
		if !ok {
			continue
		}
		for docID := range docs {
			if m[docID] {
				return true
			}
		}
	}
	return false
}

// CreateCollection, DropCollection and RenameCollection mutate the
// catalog directly under catMu rather than through a transaction's own
// write set: collections are metadata, not versioned documents, and
// spec.md does not describe a staged/CoW form of catalog DDL (see
// DESIGN.md).
func (e *Engine) CreateCollection(name string) error {
	if err := metadata.ValidateCollectionName(name); err != nil {
		return err
	}
	e.catMu.Lock()
	defer e.catMu.Unlock()
	if _, exists := e.catalog.Collections[name]; exists {
		return dberr.CollectionAlreadyExists(name)
	}
	e.catalog.GetOrCreate(name)
	return e.flushCatalogLocked(e.catalog)
}

func (e *Engine) DropCollection(name string) error {
	e.catMu.Lock()
	defer e.catMu.Unlock()
	cm, exists := e.catalog.Collections[name]
	if !exists {
		return dberr.CollectionDoesNotExist(name)
	}
	if cm.BTreeRoot != 0 {
		primary := btree.Open(e.Pager, cm.BTreeRoot)
		entries, err := primary.All()
		if err != nil {
			return err
		}
		for _, ent := range entries {
			if err := storage.DeleteDocument(e.Pager, ent.Value); err != nil {
				return err
			}
		}
	}
	delete(e.catalog.Collections, name)
	return e.flushCatalogLocked(e.catalog)
}

func (e *Engine) RenameCollection(oldName, newName string) error {
	if err := metadata.ValidateCollectionName(newName); err != nil {
		return err
	}
	e.catMu.Lock()
	defer e.catMu.Unlock()
	cm, exists := e.catalog.Collections[oldName]
	if !exists {
		return dberr.CollectionDoesNotExist(oldName)
	}
	if _, exists := e.catalog.Collections[newName]; exists {
		return dberr.CollectionAlreadyExists(newName)
	}
	delete(e.catalog.Collections, oldName)
	e.catalog.Collections[newName] = cm
	return e.flushCatalogLocked(e.catalog)
}

// CreateIndex builds a fresh secondary index over collection's
// currently-live documents and registers it in the catalog (spec.md
// §4.7): checkpoint the WAL first so the scan sees a stable main file,
// then scan the primary btree and insert a derived key for every live
// document, rejecting a prefix collision for a unique index.
func (e *Engine) CreateIndex(collection, name string, fields []string, unique bool) error {
	if len(fields) == 0 {
		return fmt.Errorf("devi: create index %q: at least one field is required", name)
	}
	if err := e.WAL.Checkpoint(e.Pager); err != nil {
		return err
	}

	e.catMu.Lock()
	defer e.catMu.Unlock()
	cm, exists := e.catalog.Collections[collection]
	if !exists {
		return dberr.CollectionDoesNotExist(collection)
	}
	if _, exists := cm.Indexes[name]; exists {
		return fmt.Errorf("devi: index %q already exists on collection %q", name, collection)
	}

	var root storage.PageNum
	if cm.BTreeRoot != 0 {
		idx, err := btree.New(e.Pager)
		if err != nil {
			return err
		}
		primary := btree.Open(e.Pager, cm.BTreeRoot)
		entries, err := primary.All()
		if err != nil {
			return err
		}
		for _, ent := range entries {
			docID, data, _, _, err := storage.ReadVersionedDocument(e.Pager, ent.Value, nil)
			if err != nil {
				return err
			}
			key, ok := decodeFields(data, fields)
			if !ok {
				continue
			}
			insertKey := key
			if unique {
				if existingPN, found, err := idx.Get(key); err != nil {
					return err
				} else if found && existingPN != ent.Value {
					return dberr.UniqueConstraintViolation(collection, name, key)
				}
			} else {
				insertKey = compositeKey(key, docID)
			}
			if err := idx.Insert(insertKey, ent.Value); err != nil {
				return err
			}
		}
		root = idx.Root
	}

	cm.Indexes[name] = &metadata.IndexMeta{Name: name, Fields: fields, BTreeRoot: root, Unique: unique}
	return e.flushCatalogLocked(e.catalog)
}

// CreateTextIndex builds a tokenized full-text index over field across
// collection's currently-live documents, the same way CreateIndex
// builds an ordinary secondary index: checkpoint the WAL so the scan
// sees a stable main file, then post a "<token>\x1f<docID>" entry for
// every token in every live document's field.
func (e *Engine) CreateTextIndex(collection, name, field string) error {
	if field == "" {
		return fmt.Errorf("devi: create text index %q: a field is required", name)
	}
	if err := e.WAL.Checkpoint(e.Pager); err != nil {
		return err
	}

	e.catMu.Lock()
	defer e.catMu.Unlock()
	cm, exists := e.catalog.Collections[collection]
	if !exists {
		return dberr.CollectionDoesNotExist(collection)
	}
	if _, exists := cm.TextIndexes[name]; exists {
		return fmt.Errorf("devi: text index %q already exists on collection %q", name, collection)
	}

	var root storage.PageNum
	if cm.BTreeRoot != 0 {
		idx, err := btree.New(e.Pager)
		if err != nil {
			return err
		}
		primary := btree.Open(e.Pager, cm.BTreeRoot)
		entries, err := primary.All()
		if err != nil {
			return err
		}
		for _, ent := range entries {
			docID, data, _, _, err := storage.ReadVersionedDocument(e.Pager, ent.Value, nil)
			if err != nil {
				return err
			}
			for _, t := range tokenize(extractStringField(data, field)) {
				if err := idx.Insert(compositeKey(t, docID), ent.Value); err != nil {
					return err
				}
			}
		}
		root = idx.Root
	}

	cm.TextIndexes[name] = &metadata.TextIndexMeta{Name: name, Field: field, BTreeRoot: root}
	return e.flushCatalogLocked(e.catalog)
}

func (e *Engine) emitChanges(tx *Transaction) {
	for collection, docs := range tx.docWrites {
		for docID, pn := range docs {
			kind := ChangeUpdate
			if pn == storage.DeletedPage {
				kind = ChangeDelete
			} else if existed, ok := tx.docExistedInSnapshot[collection][docID]; ok && !existed {
				kind = ChangeInsert
			}
			e.notify(Change{Collection: collection, DocID: docID, Kind: kind, MVCCTxID: tx.MVCCTxID})
		}
	}
}
