// Package devi is the embedded document database's public façade: it
// wires together the storage, mvcc, metadata and txn packages behind
// Database/Transaction/Collection handles that match spec.md §6.2's
// core API.
package devi

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devi-db/devi/dberr"
	"github.com/devi-db/devi/devilog"
	"github.com/devi-db/devi/dbstat"
	"github.com/devi-db/devi/metadata"
	"github.com/devi-db/devi/mvcc"
	"github.com/devi-db/devi/storage"
	"github.com/devi-db/devi/txn"
)

// Database owns every shared subsystem behind one open main file: the
// pager, WAL, transaction manager, version chains and catalog (spec.md
// §4.7). It is safe for concurrent use by multiple goroutines.
type Database struct {
	opts Options
	log  *devilog.Logger

	pager *storage.Pager
	wal   *storage.WAL
	txMgr *mvcc.TransactionManager
	chains *mvcc.Chains
	engine *txn.Engine

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// checkOpen returns dberr.DatabaseClosed once Close has run, so a
// caller holding a stale handle gets a clear error instead of one
// surfaced indirectly through a freed pager.
func (db *Database) checkOpen() error {
	if db.closed.Load() {
		return dberr.DatabaseClosed()
	}
	return nil
}

// Open opens or creates the database at path, replaying the WAL first
// if recovery is needed (spec.md §4.2, §6.2).
func Open(path string, opts Options) (*Database, error) {
	log := opts.Log
	if log == nil {
		log = devilog.Nop()
	}
	stats := dbstat.New(opts.Registry, path)

	pager, err := storage.Open(path, storage.Options{
		CacheSize: opts.CacheSize,
		ReadOnly:  opts.ReadOnly,
		Stats:     stats,
		Log:       log,
	})
	if err != nil {
		return nil, err
	}

	wal, err := storage.OpenWAL(path, stats, log)
	if err != nil {
		pager.Close()
		return nil, err
	}

	if !opts.ReadOnly {
		if err := recoverFromWAL(pager, wal, log); err != nil {
			wal.Close()
			pager.Close()
			return nil, err
		}
	}

	var cat *metadata.Catalog
	if mp := pager.MetadataPage(); mp != 0 {
		buf, err := pager.ReadPage(mp)
		if err != nil {
			wal.Close()
			pager.Close()
			return nil, err
		}
		cat, err = metadata.ReadPage(buf)
		if err != nil {
			wal.Close()
			pager.Close()
			return nil, err
		}
	} else {
		cat = metadata.New()
	}

	txMgr := mvcc.NewTransactionManager(pager.NextTxID())
	chains := mvcc.NewChains()
	batch := txn.BatchConfig{Enabled: opts.Batch.Enabled, MaxBatchSize: opts.Batch.MaxBatchSize}
	engine := txn.NewEngine(pager, wal, txMgr, chains, batch, opts.AutoCheckpointThreshold, cat, log, stats)

	log.Info().Str("path", path).Msg("database opened")
	return &Database{opts: opts, log: log, pager: pager, wal: wal, txMgr: txMgr, chains: chains, engine: engine}, nil
}

// recoverFromWAL implements spec.md §4.2's recovery procedure: locate
// the WAL's last header-page frame for the authoritative metadata_page
// and next_tx_id (the main file's own page 0 may be stale — header
// writes are not fsynced until the next full WriteHeader), widen
// num_pages to cover every page any frame references, checkpoint, then
// persist the recovered header.
func recoverFromWAL(pager *storage.Pager, wal *storage.WAL, log *devilog.Logger) error {
	lastHdr, found, err := wal.LastHeaderFrame()
	if err != nil {
		return err
	}
	maxPage, err := wal.MaxObservedPage()
	if err != nil {
		return err
	}
	if !found && maxPage == 0 {
		return nil // nothing was ever written through this WAL
	}

	var recovered *storage.Header
	if found {
		hdr, err := storage.DeserializeHeader(lastHdr.Payload)
		if err != nil {
			return err
		}
		recovered = hdr
	} else {
		recovered = &storage.Header{NumPages: 1}
	}
	if want := uint64(maxPage) + 1; want > recovered.NumPages {
		recovered.NumPages = want
	}

	if err := wal.Checkpoint(pager); err != nil {
		return err
	}

	pager.SetHeaderFromRecovery(recovered)
	if err := pager.WriteHeader(); err != nil {
		return err
	}
	log.Info().Uint64("num_pages", recovered.NumPages).Msg("recovered from write-ahead log")
	return nil
}

// Begin opens a new transaction with a snapshot of every collection's
// current state (spec.md §4.7 begin()).
func (db *Database) Begin() *Transaction {
	return &Transaction{db: db, inner: db.engine.Begin()}
}

// Checkpoint folds the WAL into the main file.
func (db *Database) Checkpoint() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.wal.Checkpoint(db.pager)
}

// GarbageCollect reclaims every document version no live or future
// snapshot can still reference (spec.md §4.7 garbage_collect()).
func (db *Database) GarbageCollect() (freed int, err error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	return db.chains.GarbageCollect(db.pager, db.txMgr.OldestActive())
}

// CreateIndex builds and registers a secondary index over collection's
// currently live documents (spec.md §4.7 create_index()).
func (db *Database) CreateIndex(collection, name string, fields []string, unique bool) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.engine.CreateIndex(collection, name, fields, unique)
}

// CreateTextIndex builds and registers a tokenized full-text index
// over one field of collection's currently live documents (spec.md
// §4.7's create_index(), specialized to a text index).
func (db *Database) CreateTextIndex(collection, name, field string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.engine.CreateTextIndex(collection, name, field)
}

// CreateCollection, DropCollection and RenameCollection are the
// database-level forms of Transaction's same-named methods: catalog
// DDL is applied immediately rather than staged in a snapshot (see
// DESIGN.md), so no transaction needs to stay open around them.
func (db *Database) CreateCollection(name string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.engine.CreateCollection(name)
}

func (db *Database) DropCollection(name string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.engine.DropCollection(name)
}

func (db *Database) RenameCollection(oldName, newName string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.engine.RenameCollection(oldName, newName)
}

// Backup checkpoints the WAL, then copies the main file byte-for-byte
// to dest via a temporary file and an atomic rename (spec.md §4.7
// backup(dest)).
func (db *Database) Backup(dest string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.Checkpoint(); err != nil {
		return err
	}
	src, err := os.Open(db.pager.Path())
	if err != nil {
		return dberr.IO(err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return dberr.IO(err)
	}

	tmp := dest + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return dberr.IO(err)
	}
	n, err := io.Copy(out, src)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return dberr.IO(err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return dberr.IO(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return dberr.IO(err)
	}
	if n != info.Size() {
		os.Remove(tmp)
		return fmt.Errorf("devi: backup copied %d bytes, expected %d", n, info.Size())
	}
	if err := os.Rename(tmp, dest); err != nil {
		return dberr.IO(err)
	}
	return nil
}

// Close flushes outstanding pages and releases the file lock.
func (db *Database) Close() error {
	db.closeOnce.Do(func() {
		db.closed.Store(true)
		if !db.opts.ReadOnly {
			if err := db.pager.Flush(); err != nil {
				db.closeErr = err
			}
		}
		if err := db.wal.Close(); err != nil && db.closeErr == nil {
			db.closeErr = err
		}
		if err := db.pager.Close(); err != nil && db.closeErr == nil {
			db.closeErr = err
		}
	})
	return db.closeErr
}

// RetryPolicy bounds how many times RunTransaction retries a
// TxConflict, and the exponential backoff between attempts (spec.md
// §7: defaults 3 retries, 1 ms base, 100 ms max).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy is spec.md §7's documented default.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 100 * time.Millisecond}
}

// RunTransaction begins a transaction, runs fn, and commits — retrying
// with exponential backoff only on dberr.ErrTxConflict, up to policy's
// bound. fn must not retain tx past return.
func RunTransaction(ctx context.Context, db *Database, policy RetryPolicy, fn func(tx *Transaction) error) error {
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := policy.BaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		tx := db.Begin()
		err := fn(tx)
		if err != nil {
			tx.Rollback()
			lastErr = err
			if dberr.Is(err, dberr.KindTxConflict) {
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			lastErr = err
			if dberr.Is(err, dberr.KindTxConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

// validID enforces spec.md §6.2's "_id, if present, must be a string"
// invariant without pulling in a full JSON-schema layer.
func validID(id string) error {
	if id == "" {
		return dberr.InvalidDocumentFormat("_id must not be empty", "")
	}
	if strings.ContainsAny(id, "\x00") {
		return dberr.InvalidDocumentFormat("_id must not contain NUL bytes", "")
	}
	return nil
}
