package txn

import (
	"sync"
	"testing"

	"github.com/devi-db/devi/dberr"
)

func TestEngineInsertCommitFindByID(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateCollection("widgets"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	tx := e.Begin()
	if err := tx.InsertDoc("widgets", "w1", []byte(`{"name":"sprocket"}`)); err != nil {
		t.Fatalf("InsertDoc: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2 := e.Begin()
	data, found, err := tx2.FindByID("widgets", "w1")
	if err != nil || !found {
		t.Fatalf("FindByID = %v, %v, %v", data, found, err)
	}
	if string(data) != `{"name":"sprocket"}` {
		t.Errorf("data = %s", data)
	}
}

func TestEngineRollbackDiscardsWrites(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")

	tx := e.Begin()
	if err := tx.InsertDoc("widgets", "w1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := e.Rollback(tx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	tx2 := e.Begin()
	_, found, err := tx2.FindByID("widgets", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("rolled-back insert must not be visible")
	}
}

func TestEngineCommitAfterRollbackFails(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	tx := e.Begin()
	e.Rollback(tx)
	if err := e.Commit(tx); !dberr.Is(err, dberr.KindTxAlreadyDone) {
		t.Fatalf("Commit after Rollback = %v, want KindTxAlreadyDone", err)
	}
}

func TestEngineUpdateAndDelete(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")

	tx := e.Begin()
	tx.InsertDoc("widgets", "w1", []byte(`{"n":1}`))
	if err := e.Commit(tx); err != nil {
		t.Fatal(err)
	}

	tx2 := e.Begin()
	if err := tx2.UpdateByID("widgets", "w1", []byte(`{"n":2}`)); err != nil {
		t.Fatalf("UpdateByID: %v", err)
	}
	if err := e.Commit(tx2); err != nil {
		t.Fatal(err)
	}

	tx3 := e.Begin()
	data, found, _ := tx3.FindByID("widgets", "w1")
	if !found || string(data) != `{"n":2}` {
		t.Fatalf("data = %s, found = %v", data, found)
	}
	if err := tx3.DeleteByID("widgets", "w1"); err != nil {
		t.Fatalf("DeleteByID: %v", err)
	}
	if err := e.Commit(tx3); err != nil {
		t.Fatal(err)
	}

	tx4 := e.Begin()
	_, found, _ = tx4.FindByID("widgets", "w1")
	if found {
		t.Fatal("deleted document must not be visible")
	}
}

func TestEngineUpdateMissingDocReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	tx := e.Begin()
	if err := tx.UpdateByID("widgets", "ghost", []byte(`{}`)); !dberr.Is(err, dberr.KindNotFound) {
		t.Fatalf("UpdateByID(missing) = %v, want KindNotFound", err)
	}
}

func TestEngineInsertDuplicateIDFails(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	tx := e.Begin()
	tx.InsertDoc("widgets", "w1", []byte(`{}`))
	if err := tx.InsertDoc("widgets", "w1", []byte(`{}`)); !dberr.Is(err, dberr.KindDocumentAlreadyExists) {
		t.Fatalf("second InsertDoc(w1) = %v, want KindDocumentAlreadyExists", err)
	}
}

// TestEngineFirstCommitterWins exercises spec.md's optimistic conflict
// detection: two transactions both snapshot w1, the first to commit
// wins, the second must fail with a conflict error.
func TestEngineFirstCommitterWins(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	seed := e.Begin()
	seed.InsertDoc("widgets", "w1", []byte(`{"n":1}`))
	if err := e.Commit(seed); err != nil {
		t.Fatal(err)
	}

	txA := e.Begin()
	txB := e.Begin()

	if err := txA.UpdateByID("widgets", "w1", []byte(`{"n":2}`)); err != nil {
		t.Fatal(err)
	}
	if err := txB.UpdateByID("widgets", "w1", []byte(`{"n":3}`)); err != nil {
		t.Fatal(err)
	}

	if err := e.Commit(txA); err != nil {
		t.Fatalf("first committer should succeed: %v", err)
	}
	err := e.Commit(txB)
	if !dberr.Is(err, dberr.KindTxConflict) {
		t.Fatalf("second committer = %v, want KindTxConflict", err)
	}
}

// TestEngineRebaseOntoNewerRootForUnrelatedDoc checks that a
// transaction touching a different document than a concurrently
// committed one rebases cleanly instead of conflicting.
func TestEngineRebaseOntoNewerRootForUnrelatedDoc(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")

	txA := e.Begin()
	txB := e.Begin()

	if err := txA.InsertDoc("widgets", "a", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := txB.InsertDoc("widgets", "b", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := e.Commit(txA); err != nil {
		t.Fatalf("commit A: %v", err)
	}
	if err := e.Commit(txB); err != nil {
		t.Fatalf("commit B should rebase cleanly: %v", err)
	}

	tx := e.Begin()
	docs, err := tx.FindAll("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("FindAll = %d docs, want 2", len(docs))
	}
}

func TestEngineCreateCollectionDuplicateFails(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateCollection("widgets"); err != nil {
		t.Fatal(err)
	}
	if err := e.CreateCollection("widgets"); err == nil {
		t.Fatal("expected error creating a collection twice")
	}
}

func TestEngineDropCollectionRemovesDocs(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	tx := e.Begin()
	tx.InsertDoc("widgets", "w1", []byte(`{}`))
	if err := e.Commit(tx); err != nil {
		t.Fatal(err)
	}
	if err := e.DropCollection("widgets"); err != nil {
		t.Fatalf("DropCollection: %v", err)
	}
	if err := e.CreateCollection("widgets"); err != nil {
		t.Fatal(err)
	}
	tx2 := e.Begin()
	_, found, _ := tx2.FindByID("widgets", "w1")
	if found {
		t.Fatal("document from dropped collection must not resurface")
	}
}

func TestEngineRenameCollection(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	tx := e.Begin()
	tx.InsertDoc("widgets", "w1", []byte(`{}`))
	e.Commit(tx)

	if err := e.RenameCollection("widgets", "gadgets"); err != nil {
		t.Fatalf("RenameCollection: %v", err)
	}
	tx2 := e.Begin()
	_, found, _ := tx2.FindByID("gadgets", "w1")
	if !found {
		t.Fatal("document must be reachable under the new collection name")
	}
}

func TestEngineRenameCollectionCollidesWithExisting(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	e.CreateCollection("gadgets")
	if err := e.RenameCollection("widgets", "gadgets"); err == nil {
		t.Fatal("expected error renaming onto an existing collection")
	}
}

func TestEngineCreateIndexUniqueRejectsDuplicateKey(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	tx := e.Begin()
	tx.InsertDoc("widgets", "w1", []byte(`{"sku":"A1"}`))
	tx.InsertDoc("widgets", "w2", []byte(`{"sku":"A1"}`))
	if err := e.Commit(tx); err != nil {
		t.Fatal(err)
	}
	err := e.CreateIndex("widgets", "by_sku", []string{"sku"}, true)
	if !dberr.Is(err, dberr.KindUniqueConstraint) {
		t.Fatalf("CreateIndex(unique, colliding) = %v, want KindUniqueConstraint", err)
	}
}

func TestEngineCreateIndexThenMaintainedOnInsert(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	if err := e.CreateIndex("widgets", "by_sku", []string{"sku"}, true); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	tx := e.Begin()
	tx.InsertDoc("widgets", "w1", []byte(`{"sku":"A1"}`))
	if err := e.Commit(tx); err != nil {
		t.Fatal(err)
	}

	tx2 := e.Begin()
	if err := tx2.InsertDoc("widgets", "w2", []byte(`{"sku":"A1"}`)); err != nil {
		t.Fatal(err)
	}
	err := e.Commit(tx2)
	if !dberr.Is(err, dberr.KindUniqueConstraint) {
		t.Fatalf("Commit(duplicate sku) = %v, want KindUniqueConstraint", err)
	}
}

func TestEngineCreateIndexNonUniqueAllowsDuplicateKeys(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")
	if err := e.CreateIndex("widgets", "by_kind", []string{"kind"}, false); err != nil {
		t.Fatal(err)
	}
	tx := e.Begin()
	tx.InsertDoc("widgets", "w1", []byte(`{"kind":"bolt"}`))
	tx.InsertDoc("widgets", "w2", []byte(`{"kind":"bolt"}`))
	if err := e.Commit(tx); err != nil {
		t.Fatalf("Commit with shared non-unique key: %v", err)
	}
}

func TestEngineOnChangeNotifiesInsertUpdateDelete(t *testing.T) {
	e := newTestEngine(t)
	e.CreateCollection("widgets")

	var mu sync.Mutex
	var kinds []ChangeKind
	e.OnChange(func(c Change) {
		mu.Lock()
		kinds = append(kinds, c.Kind)
		mu.Unlock()
	})

	tx := e.Begin()
	tx.InsertDoc("widgets", "w1", []byte(`{}`))
	e.Commit(tx)

	tx2 := e.Begin()
	tx2.UpdateByID("widgets", "w1", []byte(`{"n":1}`))
	e.Commit(tx2)

	tx3 := e.Begin()
	tx3.DeleteByID("widgets", "w1")
	e.Commit(tx3)

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 3 || kinds[0] != ChangeInsert || kinds[1] != ChangeUpdate || kinds[2] != ChangeDelete {
		t.Fatalf("kinds = %v, want [Insert Update Delete]", kinds)
	}
}

func TestEngineBatchedCommitAppliesAllMembers(t *testing.T) {
	e := newBatchedTestEngine(t, 8)
	e.CreateCollection("widgets")

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		tx := e.Begin()
		id := string(rune('a' + i))
		if err := tx.InsertDoc("widgets", id, []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(i int, tx *Transaction) {
			defer wg.Done()
			errs[i] = e.Commit(tx)
		}(i, tx)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("batched commit %d failed: %v", i, err)
		}
	}

	tx := e.Begin()
	docs, err := tx.FindAll("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != n {
		t.Fatalf("FindAll = %d docs, want %d", len(docs), n)
	}
}

func TestEngineBatchedCommitConflictingDocsOneWins(t *testing.T) {
	e := newBatchedTestEngine(t, 8)
	e.CreateCollection("widgets")
	seed := e.Begin()
	seed.InsertDoc("widgets", "w1", []byte(`{"n":0}`))
	if err := e.Commit(seed); err != nil {
		t.Fatal(err)
	}

	txA := e.Begin()
	txB := e.Begin()
	txA.UpdateByID("widgets", "w1", []byte(`{"n":1}`))
	txB.UpdateByID("widgets", "w1", []byte(`{"n":2}`))

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); errA = e.Commit(txA) }()
	go func() { defer wg.Done(); errB = e.Commit(txB) }()
	wg.Wait()

	succeeded := 0
	if errA == nil {
		succeeded++
	}
	if errB == nil {
		succeeded++
	}
	if succeeded != 1 {
		t.Fatalf("exactly one of two conflicting batched commits should succeed, got %d (errA=%v errB=%v)", succeeded, errA, errB)
	}
}
