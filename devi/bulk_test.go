package devi

import (
	"testing"

	"github.com/devi-db/devi/dberr"
)

func TestBulkWriteAppliesAllOperationsInOneTransaction(t *testing.T) {
	db := openTestDB(t)
	db.CreateCollection("widgets")

	ids, err := db.BulkWrite([]BulkOp{
		{Kind: BulkInsert, Collection: "widgets", Doc: map[string]interface{}{"_id": "a"}},
		{Kind: BulkInsert, Collection: "widgets", Doc: map[string]interface{}{"_id": "b"}},
	})
	if err != nil {
		t.Fatalf("BulkWrite: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("ids = %v", ids)
	}

	n, err := db.Collection("widgets").Count()
	if err != nil || n != 2 {
		t.Fatalf("Count = %d, %v", n, err)
	}
}

func TestBulkWriteFailureRollsBackEntireBatch(t *testing.T) {
	db := openTestDB(t)
	db.CreateCollection("widgets")
	db.Collection("widgets").Insert(map[string]interface{}{"_id": "a"})

	_, err := db.BulkWrite([]BulkOp{
		{Kind: BulkInsert, Collection: "widgets", Doc: map[string]interface{}{"_id": "b"}},
		{Kind: BulkInsert, Collection: "widgets", Doc: map[string]interface{}{"_id": "a"}}, // duplicate: fails
	})
	if err == nil {
		t.Fatal("expected an error for a duplicate _id in the batch")
	}
	de, ok := err.(*dberr.Error)
	if !ok {
		t.Fatalf("error type = %T, want *dberr.Error", err)
	}
	if de.OpIndex != 1 {
		t.Fatalf("OpIndex = %d, want 1", de.OpIndex)
	}

	_, found, _ := db.Collection("widgets").FindByID("b")
	if found {
		t.Fatal("the whole batch must roll back on a mid-batch failure")
	}
}

func TestBulkWriteRejectsOversizeBatch(t *testing.T) {
	db := openTestDB(t)
	db.CreateCollection("widgets")
	db.opts.MaxBulkOperations = 1

	_, err := db.BulkWrite([]BulkOp{
		{Kind: BulkInsert, Collection: "widgets", Doc: map[string]interface{}{"_id": "a"}},
		{Kind: BulkInsert, Collection: "widgets", Doc: map[string]interface{}{"_id": "b"}},
	})
	if !dberr.Is(err, dberr.KindBulkOperationTooLarge) {
		t.Fatalf("BulkWrite over the limit = %v, want KindBulkOperationTooLarge", err)
	}
}

func TestInsertRejectsDocumentOverConfiguredSizeLimit(t *testing.T) {
	db := openTestDB(t)
	db.CreateCollection("widgets")
	db.opts.MaxDocumentSize = 16

	_, err := db.Collection("widgets").Insert(map[string]interface{}{"_id": "a", "payload": "this value alone exceeds sixteen bytes"})
	if !dberr.Is(err, dberr.KindDocumentTooLarge) {
		t.Fatalf("Insert over size limit = %v, want KindDocumentTooLarge", err)
	}
}
