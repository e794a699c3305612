package txn

import (
	"encoding/json"
	"strings"

	"github.com/devi-db/devi/btree"
	"github.com/devi-db/devi/dberr"
	"github.com/devi-db/devi/metadata"
	"github.com/devi-db/devi/storage"
)

// indexKeySep separates a field key (or token) from the document id in
// a non-unique index's composite entry key. It never appears inside a
// single JSON-encoded field value or a lower-cased token, but
// decodeFields uses the same byte between the fields of a multi-field key.
const indexKeySep = "\x1f"

func compositeKey(key, docID string) string {
	return key + indexKeySep + docID
}

// maintainIndexes brings collection's secondary and text indexes up to
// date with every document tx inserted, updated or deleted, against
// cm — the batch's running catalog entry, not the transaction's own
// snapshot (spec.md §4.6.2 step 5: unique-index validation happens
// here, so a concurrent committer's conflicting key is still caught
// even when detectConflicts saw no primary-document conflict).
func (e *Engine) maintainIndexes(tx *Transaction, collection string, cm *metadata.CollectionMeta) error {
	snaps := tx.docSnapshots[collection]
	if len(snaps) == 0 {
		return nil
	}
	docWrites := tx.docWrites[collection]
	for _, im := range cm.Indexes {
		if err := e.maintainFieldIndex(tx, collection, im, snaps, docWrites); err != nil {
			return err
		}
	}
	for _, tm := range cm.TextIndexes {
		if err := e.maintainTextIndex(tx, tm, snaps, docWrites); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) openIndexOverlay(tx *Transaction, root storage.PageNum) (*btree.TxBTree, error) {
	if root == 0 {
		return btree.NewEmptyTxBTree(e.Pager, tx.writes)
	}
	return btree.NewTxBTree(e.Pager, root, tx.writes), nil
}

// maintainFieldIndex updates one ordinary secondary index over
// im.ResolvedFields(). Index keys are devi's decodeFields encoding
// (spec.md's top-level-field-only simplification, see DESIGN.md);
// non-unique indexes store one posting entry per (key, docID) pair,
// unique indexes store the key alone and reject a conflicting docID.
func (e *Engine) maintainFieldIndex(tx *Transaction, collection string, im *metadata.IndexMeta, snaps map[string]docSnapshot, docWrites map[string]storage.PageNum) error {
	fields := im.ResolvedFields()
	if len(fields) == 0 {
		return nil
	}
	var ov *btree.TxBTree
	var err error
	for docID, snap := range snaps {
		oldKey, oldOK := decodeFields(snap.oldData, fields)
		newKey, newOK := decodeFields(snap.newData, fields)
		if !oldOK && !newOK {
			continue
		}
		if ov == nil {
			if ov, err = e.openIndexOverlay(tx, im.BTreeRoot); err != nil {
				return err
			}
		}
		if oldOK && (!newOK || oldKey != newKey) {
			if err := removeFieldEntry(ov, im.Unique, oldKey, docID); err != nil {
				return err
			}
		}
		if newOK && (!oldOK || oldKey != newKey) {
			pn := docWrites[docID]
			if err := insertFieldEntry(ov, im.Unique, collection, im.Name, newKey, docID, pn); err != nil {
				return err
			}
		}
	}
	if ov != nil {
		im.BTreeRoot = ov.Root()
	}
	return nil
}

func removeFieldEntry(ov *btree.TxBTree, unique bool, key, docID string) error {
	if unique {
		return ov.Delete(key)
	}
	return ov.Delete(compositeKey(key, docID))
}

func insertFieldEntry(ov *btree.TxBTree, unique bool, collection, indexName, key, docID string, pn storage.PageNum) error {
	if unique {
		if existingPN, found, err := ov.Get(key); err != nil {
			return err
		} else if found && existingPN != pn {
			return dberr.UniqueConstraintViolation(collection, indexName, key)
		}
		return ov.Insert(key, pn)
	}
	return ov.Insert(compositeKey(key, docID), pn)
}

// maintainTextIndex updates a tokenized full-text index over one
// field: a simple lower-cased alphanumeric split (devi does not ship a
// language-aware tokenizer, see DESIGN.md), posted as
// "<token>\x1f<docID>" entries so any number of documents can share a
// token.
func (e *Engine) maintainTextIndex(tx *Transaction, tm *metadata.TextIndexMeta, snaps map[string]docSnapshot, docWrites map[string]storage.PageNum) error {
	var ov *btree.TxBTree
	var err error
	for docID, snap := range snaps {
		oldTokens := tokenize(extractStringField(snap.oldData, tm.Field))
		newTokens := tokenize(extractStringField(snap.newData, tm.Field))
		if len(oldTokens) == 0 && len(newTokens) == 0 {
			continue
		}
		if ov == nil {
			if ov, err = e.openIndexOverlay(tx, tm.BTreeRoot); err != nil {
				return err
			}
		}
		newSet := make(map[string]bool, len(newTokens))
		for _, t := range newTokens {
			newSet[t] = true
		}
		for _, t := range oldTokens {
			if !newSet[t] {
				if err := ov.Delete(compositeKey(t, docID)); err != nil {
					return err
				}
			}
		}
		pn := docWrites[docID]
		for _, t := range newTokens {
			if err := ov.Insert(compositeKey(t, docID), pn); err != nil {
				return err
			}
		}
	}
	if ov != nil {
		tm.BTreeRoot = ov.Root()
	}
	return nil
}

// extractStringField returns data's top-level field as a plain string,
// or "" if data is nil, not an object, or the field is absent/non-string.
func extractStringField(data []byte, field string) string {
	if data == nil {
		return ""
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	s, _ := obj[field].(string)
	return s
}

func tokenize(s string) []string {
	if s == "" {
		return nil
	}
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
