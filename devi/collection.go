package devi

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/devi-db/devi/dberr"
)

// TxCollection is a collection handle scoped to one transaction (spec.md
// §6.2). Every call observes and mutates the transaction's own snapshot;
// none of it is visible elsewhere until the transaction commits.
type TxCollection struct {
	tx   *Transaction
	name string
}

// Insert stores doc, assigning a random _id (google/uuid v4) if doc
// does not already carry one. It returns the id actually stored under.
func (c *TxCollection) Insert(doc map[string]interface{}) (string, error) {
	id, err := prepareInsert(doc)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", dberr.InvalidDocumentFormat(err.Error(), c.name)
	}
	if err := c.checkDocumentSize(data); err != nil {
		return "", err
	}
	if err := c.tx.inner.InsertDoc(c.name, id, data); err != nil {
		return "", err
	}
	return id, nil
}

// checkDocumentSize enforces the configured soft ceiling on a single
// document's marshaled size (spec.md §6.2's max_document_size), ahead
// of storage's own hard 1 GiB limit.
func (c *TxCollection) checkDocumentSize(data []byte) error {
	limit := c.tx.db.opts.MaxDocumentSize
	if limit > 0 && int64(len(data)) > limit {
		return dberr.DocumentTooLarge()
	}
	return nil
}

// FindByID returns doc's current fields, or found=false if absent or
// not visible to this transaction's snapshot.
func (c *TxCollection) FindByID(id string) (doc map[string]interface{}, found bool, err error) {
	data, found, err := c.tx.inner.FindByID(c.name, id)
	if err != nil || !found {
		return nil, found, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, dberr.InvalidDocumentFormat(err.Error(), c.name)
	}
	return out, true, nil
}

// UpdateByID shallow-merges patch into the document stored under id:
// fields in patch overwrite the existing value, patch must not rename
// _id, and a patch value of nil is not supported (use DeleteByID to
// remove a whole document).
func (c *TxCollection) UpdateByID(id string, patch map[string]interface{}) error {
	existing, found, err := c.FindByID(id)
	if err != nil {
		return err
	}
	if !found {
		return dberr.NotFound(c.name, id)
	}
	for k, v := range patch {
		if k == "_id" {
			continue
		}
		existing[k] = v
	}
	existing["_id"] = id
	data, err := json.Marshal(existing)
	if err != nil {
		return dberr.InvalidDocumentFormat(err.Error(), c.name)
	}
	if err := c.checkDocumentSize(data); err != nil {
		return err
	}
	return c.tx.inner.UpdateByID(c.name, id, data)
}

// DeleteByID removes the document stored under id.
func (c *TxCollection) DeleteByID(id string) error {
	return c.tx.inner.DeleteByID(c.name, id)
}

// FindAll returns every document visible to this transaction, in
// primary-index key order. It is not suited to collections that do not
// fit in memory — see Non-goals.
func (c *TxCollection) FindAll() ([]map[string]interface{}, error) {
	docs, err := c.tx.inner.FindAll(c.name)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(docs))
	for _, d := range docs {
		var obj map[string]interface{}
		if err := json.Unmarshal(d.Data, &obj); err != nil {
			return nil, dberr.InvalidDocumentFormat(err.Error(), c.name)
		}
		out = append(out, obj)
	}
	return out, nil
}

// Count returns the number of documents visible to this transaction.
func (c *TxCollection) Count() (int, error) {
	return c.tx.inner.Count(c.name)
}

// prepareInsert validates doc and returns the _id it should be stored
// under, generating a fresh one when doc carries none (spec.md §6.2:
// "_id, if present, must be a string").
func prepareInsert(doc map[string]interface{}) (string, error) {
	raw, ok := doc["_id"]
	if !ok {
		id := uuid.NewString()
		doc["_id"] = id
		return id, nil
	}
	id, ok := raw.(string)
	if !ok {
		return "", dberr.InvalidDocumentFormat("_id must be a string", "")
	}
	if err := validID(id); err != nil {
		return "", err
	}
	return id, nil
}

// Collection is the database-level convenience wrapper: every call
// opens, uses and commits (or rolls back) an implicit transaction,
// trading batching for a simpler single-operation API (spec.md §6.2).
type Collection struct {
	db   *Database
	name string
}

// Collection returns a db-level convenience handle for name.
func (db *Database) Collection(name string) *Collection {
	return &Collection{db: db, name: name}
}

func (c *Collection) withTx(fn func(*TxCollection) error) error {
	if c.db.closed.Load() {
		return dberr.DatabaseClosed()
	}
	tx := c.db.Begin()
	if err := fn(tx.Collection(c.name)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Insert is Collection.Insert's single-operation form.
func (c *Collection) Insert(doc map[string]interface{}) (id string, err error) {
	err = c.withTx(func(tc *TxCollection) error {
		var innerErr error
		id, innerErr = tc.Insert(doc)
		return innerErr
	})
	return id, err
}

// FindByID is TxCollection.FindByID's single-operation form.
func (c *Collection) FindByID(id string) (doc map[string]interface{}, found bool, err error) {
	tx := c.db.Begin()
	defer tx.Rollback()
	return tx.Collection(c.name).FindByID(id)
}

// UpdateByID is TxCollection.UpdateByID's single-operation form.
func (c *Collection) UpdateByID(id string, patch map[string]interface{}) error {
	return c.withTx(func(tc *TxCollection) error {
		return tc.UpdateByID(id, patch)
	})
}

// DeleteByID is TxCollection.DeleteByID's single-operation form.
func (c *Collection) DeleteByID(id string) error {
	return c.withTx(func(tc *TxCollection) error {
		return tc.DeleteByID(id)
	})
}

// FindAll is TxCollection.FindAll's single-operation form.
func (c *Collection) FindAll() ([]map[string]interface{}, error) {
	tx := c.db.Begin()
	defer tx.Rollback()
	return tx.Collection(c.name).FindAll()
}

// Count is TxCollection.Count's single-operation form.
func (c *Collection) Count() (int, error) {
	tx := c.db.Begin()
	defer tx.Rollback()
	return tx.Collection(c.name).Count()
}
