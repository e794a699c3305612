package devi

import (
	"github.com/devi-db/devi/txn"
)

// Transaction is a handle onto one snapshot-isolated unit of work
// (spec.md §6.2). It is not safe for concurrent use by multiple
// goroutines; commit or roll it back before sharing the Database again.
type Transaction struct {
	db    *Database
	inner *txn.Transaction
}

// Collection returns a handle scoped to this transaction's view of
// collection. The collection need not already exist: reads see it as
// empty, and writes to it are accepted, its catalog entry being created
// when the transaction commits.
func (tx *Transaction) Collection(name string) *TxCollection {
	return &TxCollection{tx: tx, name: name}
}

// CreateCollection registers a new, empty collection.
func (tx *Transaction) CreateCollection(name string) error {
	return tx.db.engine.CreateCollection(name)
}

// DropCollection deletes collection and every document it holds.
func (tx *Transaction) DropCollection(name string) error {
	return tx.db.engine.DropCollection(name)
}

// RenameCollection renames a collection in place, preserving its
// documents and indexes.
func (tx *Transaction) RenameCollection(oldName, newName string) error {
	return tx.db.engine.RenameCollection(oldName, newName)
}

// Commit attempts to make every write in this transaction durable and
// visible. On dberr.KindTxConflict the transaction has already been
// rolled back by the engine and must not be reused.
func (tx *Transaction) Commit() error {
	return tx.db.engine.Commit(tx.inner)
}

// Rollback discards every write. Calling it again, or after a
// successful Commit, returns an error since the transaction is no
// longer active.
func (tx *Transaction) Rollback() error {
	return tx.db.engine.Rollback(tx.inner)
}
