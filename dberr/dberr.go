// Package dberr is the error taxonomy shared across devi's storage,
// btree, mvcc, txn and devi packages. Errors are values, not a tree of
// types: a Kind plus contextual fields, wrapped with fmt.Errorf so
// callers can still errors.Is/errors.As against the sentinels below.
package dberr

import "fmt"

// Kind classifies an error into one of the observable failure bands
// a caller can act on (retry, remediate, or give up).
type Kind int

const (
	KindUnknown Kind = iota
	KindTxConflict
	KindTxNotActive
	KindTxAlreadyDone
	KindNotFound
	KindDocumentAlreadyExists
	KindInvalidDocumentFormat
	KindDocumentTooLarge
	KindBulkOperationTooLarge
	KindCollectionName
	KindCollectionAlreadyExists
	KindCollectionDoesNotExist
	KindCorruption
	KindLockPoisoned
	KindIO
	KindDatabaseReadOnly
	KindDatabaseAlreadyOpen
	KindDatabaseClosed
	KindUniqueConstraint
)

// Error is the concrete type behind every sentinel below. It is safe
// to compare with errors.Is (sentinels are singletons) and to
// errors.As for the contextual fields.
type Error struct {
	Kind       Kind
	Collection string
	DocID      string
	Component  string
	PageNum    uint64
	OpIndex    int
	Detail     string
	cause      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTxConflict:
		return "devi: transaction conflict: data was modified by another transaction"
	case KindTxNotActive:
		return "devi: transaction is not active"
	case KindTxAlreadyDone:
		return "devi: transaction already committed or rolled back"
	case KindNotFound:
		if e.Collection != "" || e.DocID != "" {
			return fmt.Sprintf("devi: document not found: collection=%q id=%q", e.Collection, e.DocID)
		}
		return "devi: not found"
	case KindDocumentAlreadyExists:
		return fmt.Sprintf("devi: document already exists: collection=%q id=%q", e.Collection, e.DocID)
	case KindInvalidDocumentFormat:
		if e.Collection != "" {
			return fmt.Sprintf("devi: invalid document format: %s (collection: %q)", e.Detail, e.Collection)
		}
		return fmt.Sprintf("devi: invalid document format: %s", e.Detail)
	case KindDocumentTooLarge:
		return "devi: document exceeds maximum size"
	case KindBulkOperationTooLarge:
		return fmt.Sprintf("devi: bulk operation too large: %s", e.Detail)
	case KindCollectionName:
		return fmt.Sprintf("devi: invalid collection name: %s", e.Detail)
	case KindCollectionAlreadyExists:
		return fmt.Sprintf("devi: collection %q already exists", e.Collection)
	case KindCollectionDoesNotExist:
		return fmt.Sprintf("devi: collection %q does not exist", e.Collection)
	case KindCorruption:
		return fmt.Sprintf("devi: corruption in %s: page=%d: %s", e.Component, e.PageNum, e.Detail)
	case KindLockPoisoned:
		return fmt.Sprintf("devi: lock poisoned: %s", e.Detail)
	case KindIO:
		return fmt.Sprintf("devi: io error: %s", e.Detail)
	case KindDatabaseReadOnly:
		return fmt.Sprintf("devi: database is read-only, cannot %s", e.Detail)
	case KindDatabaseAlreadyOpen:
		return "devi: database already open in this process"
	case KindDatabaseClosed:
		return "devi: database is closed"
	case KindUniqueConstraint:
		return fmt.Sprintf("devi: unique index %q violated: collection=%q key=%q", e.Component, e.Collection, e.Detail)
	default:
		return fmt.Sprintf("devi: %s", e.Detail)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, ErrTxConflict) match any *Error with the same Kind,
// regardless of contextual fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Collection == "" && t.DocID == "" && t.Detail == ""
}

// Sentinels usable with errors.Is.
var (
	ErrTxConflict   = &Error{Kind: KindTxConflict}
	ErrTxNotActive  = &Error{Kind: KindTxNotActive}
	ErrTxAlreadyDone = &Error{Kind: KindTxAlreadyDone}
	ErrNotFound     = &Error{Kind: KindNotFound}
)

func NotFound(collection, docID string) error {
	return &Error{Kind: KindNotFound, Collection: collection, DocID: docID}
}

func DocumentAlreadyExists(collection, docID string) error {
	return &Error{Kind: KindDocumentAlreadyExists, Collection: collection, DocID: docID}
}

func InvalidDocumentFormat(reason, collection string) error {
	return &Error{Kind: KindInvalidDocumentFormat, Detail: reason, Collection: collection}
}

func DocumentTooLarge() error {
	return &Error{Kind: KindDocumentTooLarge}
}

func BulkOperationTooLarge(count, limit int) error {
	return &Error{Kind: KindBulkOperationTooLarge, OpIndex: count, Detail: fmt.Sprintf("operation has %d items but limit is %d", count, limit)}
}

func CollectionName(reason string) error {
	return &Error{Kind: KindCollectionName, Detail: reason}
}

func CollectionAlreadyExists(name string) error {
	return &Error{Kind: KindCollectionAlreadyExists, Collection: name}
}

func CollectionDoesNotExist(name string) error {
	return &Error{Kind: KindCollectionDoesNotExist, Collection: name}
}

func Corruption(component string, pageNum uint64, detail string) error {
	return &Error{Kind: KindCorruption, Component: component, PageNum: pageNum, Detail: detail}
}

func LockPoisoned(lockName string) error {
	return &Error{Kind: KindLockPoisoned, Detail: lockName}
}

func IO(cause error) error {
	return &Error{Kind: KindIO, Detail: cause.Error(), cause: cause}
}

func DatabaseReadOnly(operation string) error {
	return &Error{Kind: KindDatabaseReadOnly, Detail: operation}
}

// TxConflict, TxNotActive and TxAlreadyDone return fresh sentinel-equal values
// so callers can attach no extra context while still using errors.Is.
func TxConflict() error  { return &Error{Kind: KindTxConflict} }
func TxNotActive() error { return &Error{Kind: KindTxNotActive} }
func TxAlreadyDone() error { return &Error{Kind: KindTxAlreadyDone} }

func DatabaseAlreadyOpen() error { return &Error{Kind: KindDatabaseAlreadyOpen} }
func DatabaseClosed() error      { return &Error{Kind: KindDatabaseClosed} }

// UniqueConstraintViolation reports a duplicate key insert into a
// unique secondary index.
func UniqueConstraintViolation(collection, index, key string) error {
	return &Error{Kind: KindUniqueConstraint, Collection: collection, Component: index, Detail: key}
}

// WithOpIndex annotates err with the index of the failing operation in
// a bulk-write batch, preserving its Kind and other context (spec.md
// §7: "for bulk ops the failing operation index"). Non-*Error values
// pass through unchanged.
func WithOpIndex(err error, idx int) error {
	de, ok := err.(*Error)
	if !ok {
		return err
	}
	cp := *de
	cp.OpIndex = idx
	return &cp
}

// Is reports whether err is a *Error with the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if de, ok := err.(*Error); ok {
			e = de
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
