package devi

import "github.com/devi-db/devi/dberr"

// BulkOpKind selects which TxCollection method a BulkOp applies.
type BulkOpKind int

const (
	BulkInsert BulkOpKind = iota
	BulkUpdate
	BulkDelete
)

// BulkOp is one operation in a BulkWrite batch (spec.md §6.2/§6.3's
// max_bulk_operations and BulkOperationTooLarge). Collection and ID
// select the target; Doc is used by BulkInsert, Patch by BulkUpdate.
type BulkOp struct {
	Kind       BulkOpKind
	Collection string
	ID         string
	Doc        map[string]interface{}
	Patch      map[string]interface{}
}

// BulkWrite applies every op in one transaction, committing only if
// all of them succeed. It fails fast with BulkOperationTooLarge if len(ops)
// exceeds the database's configured MaxBulkOperations, before opening
// any transaction. On a per-op failure it rolls back and returns the
// underlying error with OpIndex set to the failing operation's index.
func (db *Database) BulkWrite(ops []BulkOp) ([]string, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if limit := db.opts.MaxBulkOperations; limit > 0 && len(ops) > limit {
		return nil, dberr.BulkOperationTooLarge(len(ops), limit)
	}

	tx := db.Begin()
	ids := make([]string, len(ops))
	for i, op := range ops {
		tc := tx.Collection(op.Collection)
		var err error
		switch op.Kind {
		case BulkInsert:
			var id string
			id, err = tc.Insert(op.Doc)
			ids[i] = id
		case BulkUpdate:
			err = tc.UpdateByID(op.ID, op.Patch)
			ids[i] = op.ID
		case BulkDelete:
			err = tc.DeleteByID(op.ID)
			ids[i] = op.ID
		}
		if err != nil {
			tx.Rollback()
			return nil, dberr.WithOpIndex(err, i)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}
