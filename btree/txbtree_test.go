package btree

import (
	"fmt"
	"testing"

	"github.com/devi-db/devi/storage"
)

func TestTxBTreeInsertAndGet(t *testing.T) {
	pager := newTestPager(t)
	writes := map[storage.PageNum][storage.PageSize]byte{}
	tree, err := NewEmptyTxBTree(pager, writes)
	if err != nil {
		t.Fatalf("NewEmptyTxBTree: %v", err)
	}

	if err := tree.Insert("alice", 10); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert("bob", 20); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	pn, found, err := tree.Get("alice")
	if err != nil || !found || pn != 10 {
		t.Fatalf("Get(alice) = %d, %v, %v; want 10, true, nil", pn, found, err)
	}
	if _, found, _ := tree.Get("carol"); found {
		t.Fatal("Get(carol) should not be found")
	}
}

func TestTxBTreeInsertOverwritesExistingKey(t *testing.T) {
	pager := newTestPager(t)
	writes := map[storage.PageNum][storage.PageSize]byte{}
	tree, err := NewEmptyTxBTree(pager, writes)
	if err != nil {
		t.Fatalf("NewEmptyTxBTree: %v", err)
	}
	if err := tree.Insert("alice", 10); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert("alice", 99); err != nil {
		t.Fatalf("Insert overwrite: %v", err)
	}
	pn, found, err := tree.Get("alice")
	if err != nil || !found || pn != 99 {
		t.Fatalf("Get(alice) = %d, %v, %v; want 99, true, nil", pn, found, err)
	}
}

func TestTxBTreeDelete(t *testing.T) {
	pager := newTestPager(t)
	writes := map[storage.PageNum][storage.PageSize]byte{}
	tree, err := NewEmptyTxBTree(pager, writes)
	if err != nil {
		t.Fatalf("NewEmptyTxBTree: %v", err)
	}
	if err := tree.Insert("alice", 10); err != nil {
		t.Fatal(err)
	}
	if err := tree.Delete("alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := tree.Get("alice"); found {
		t.Fatal("expected alice to be gone after Delete")
	}
}

func TestTxBTreeDeleteMissingKeyIsNoop(t *testing.T) {
	pager := newTestPager(t)
	writes := map[storage.PageNum][storage.PageSize]byte{}
	tree, err := NewEmptyTxBTree(pager, writes)
	if err != nil {
		t.Fatalf("NewEmptyTxBTree: %v", err)
	}
	if err := tree.Delete("ghost"); err != nil {
		t.Fatalf("Delete on missing key should be a no-op, got %v", err)
	}
}

func TestTxBTreeSplitsAndAllReturnsSortedEntries(t *testing.T) {
	pager := newTestPager(t)
	writes := map[storage.PageNum][storage.PageSize]byte{}
	tree, err := NewEmptyTxBTree(pager, writes)
	if err != nil {
		t.Fatalf("NewEmptyTxBTree: %v", err)
	}

	const n = Order * 4
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%05d", i)
		if err := tree.Insert(key, storage.PageNum(i+1)); err != nil {
			t.Fatalf("Insert(%s): %v", key, err)
		}
	}

	entries, err := tree.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("All() returned %d entries, want %d", len(entries), n)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Key >= entries[i].Key {
			t.Fatalf("entries not sorted at index %d: %q >= %q", i, entries[i-1].Key, entries[i].Key)
		}
	}
}

func TestTxBTreeCoWDoesNotMutateSnapshotRoot(t *testing.T) {
	pager := newTestPager(t)
	writes := map[storage.PageNum][storage.PageSize]byte{}
	base, err := NewEmptyTxBTree(pager, writes)
	if err != nil {
		t.Fatalf("NewEmptyTxBTree: %v", err)
	}
	if err := base.Insert("alice", 1); err != nil {
		t.Fatal(err)
	}
	committedRoot := base.Root()

	// Open a second overlay "transaction" on the committed root and
	// mutate it; the committed root's page must still read the old
	// state directly from the pager (no overlay writes applied to it).
	writes2 := map[storage.PageNum][storage.PageSize]byte{}
	overlay := NewTxBTree(pager, committedRoot, writes2)
	if err := overlay.Insert("bob", 2); err != nil {
		t.Fatalf("Insert into overlay: %v", err)
	}

	reader := Open(pager, committedRoot)
	if _, found, err := reader.Get("bob"); err != nil {
		t.Fatalf("Get: %v", err)
	} else if found {
		t.Fatal("a reader on the original root must not observe the overlay's uncommitted insert")
	}
	if pn, found, err := overlay.Get("bob"); err != nil || !found || pn != 2 {
		t.Fatalf("overlay.Get(bob) = %d, %v, %v; want 2, true, nil", pn, found, err)
	}
}
