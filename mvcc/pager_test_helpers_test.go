package mvcc

import (
	"os"
	"testing"

	"github.com/devi-db/devi/storage"
)

func newTestPager(t *testing.T) *storage.Pager {
	t.Helper()
	f, err := os.CreateTemp("", "devi_mvcc_test_*.db")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)

	pager, err := storage.Open(path, storage.Options{CacheSize: 64})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() {
		pager.Close()
		os.Remove(path)
		os.Remove(path + ".lock")
	})
	return pager
}

func writeTestDoc(t *testing.T, pager *storage.Pager, id string, data []byte) storage.PageNum {
	t.Helper()
	pn, _, err := storage.WriteVersionedDocument(pager, id, data, 1, 0, nil)
	if err != nil {
		t.Fatalf("WriteVersionedDocument: %v", err)
	}
	return pn
}
