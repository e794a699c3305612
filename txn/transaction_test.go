package txn

import (
	"testing"

	"github.com/devi-db/devi/dberr"
)

func TestTransactionFindAllSortedByKeyAndVisibility(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	tx := e.Begin()
	for _, id := range []string{"c", "a", "b"} {
		if err := tx.InsertDoc("widgets", id, []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	docs, err := tx.FindAll("widgets")
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(docs) != 3 || docs[0].ID != "a" || docs[1].ID != "b" || docs[2].ID != "c" {
		t.Fatalf("FindAll order = %+v, want a,b,c", docs)
	}
}

func TestTransactionCountMatchesFindAll(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	tx := e.Begin()
	tx.InsertDoc("widgets", "a", []byte(`{}`))
	tx.InsertDoc("widgets", "b", []byte(`{}`))
	n, err := tx.Count("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
}

// TestTransactionSnapshotIsolation: a transaction begun before another
// one commits must not see the committer's changes, even after commit.
func TestTransactionSnapshotIsolation(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	seed := e.Begin()
	seed.InsertDoc("widgets", "w1", []byte(`{"n":1}`))
	if err := e.Commit(seed); err != nil {
		t.Fatal(err)
	}

	reader := e.Begin()
	writer := e.Begin()
	if err := writer.UpdateByID("widgets", "w1", []byte(`{"n":2}`)); err != nil {
		t.Fatal(err)
	}
	if err := e.Commit(writer); err != nil {
		t.Fatal(err)
	}

	data, found, err := reader.FindByID("widgets", "w1")
	if err != nil || !found {
		t.Fatalf("FindByID = %v, %v, %v", data, found, err)
	}
	if string(data) != `{"n":1}` {
		t.Fatalf("reader should still see its snapshot value, got %s", data)
	}
}

func TestTransactionSeesItsOwnUncommittedWrites(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	tx := e.Begin()
	tx.InsertDoc("widgets", "w1", []byte(`{"n":1}`))
	tx.UpdateByID("widgets", "w1", []byte(`{"n":2}`))
	data, found, err := tx.FindByID("widgets", "w1")
	if err != nil || !found {
		t.Fatalf("FindByID = %v, %v, %v", data, found, err)
	}
	if string(data) != `{"n":2}` {
		t.Fatalf("data = %s, want own uncommitted update reflected", data)
	}
}

func TestTransactionOperationsAfterCommitFail(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	tx := e.Begin()
	tx.InsertDoc("widgets", "w1", []byte(`{}`))
	if err := e.Commit(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.InsertDoc("widgets", "w2", []byte(`{}`)); !dberr.Is(err, dberr.KindTxAlreadyDone) {
		t.Fatalf("InsertDoc after commit = %v, want KindTxAlreadyDone", err)
	}
}

func TestTransactionDeleteMissingDocReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	tx := e.Begin()
	if err := tx.DeleteByID("widgets", "ghost"); !dberr.Is(err, dberr.KindNotFound) {
		t.Fatalf("DeleteByID(missing) = %v, want KindNotFound", err)
	}
}

func TestTransactionStatusTransitions(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	tx := e.Begin()
	if tx.Status() != StatusActive {
		t.Fatalf("Status = %v, want StatusActive", tx.Status())
	}
	if err := e.Commit(tx); err != nil {
		t.Fatal(err)
	}
	if tx.Status() != StatusCommitted {
		t.Fatalf("Status after commit = %v, want StatusCommitted", tx.Status())
	}
}
