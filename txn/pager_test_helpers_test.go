package txn

import (
	"os"
	"testing"

	"github.com/devi-db/devi/concurrency"
	"github.com/devi-db/devi/dbstat"
	"github.com/devi-db/devi/metadata"
	"github.com/devi-db/devi/mvcc"
	"github.com/devi-db/devi/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	f, err := os.CreateTemp("", "devi_txn_test_*.db")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)

	stats := dbstat.New(nil, path)
	pager, err := storage.Open(path, storage.Options{CacheSize: 64, Stats: stats})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	wal, err := storage.OpenWAL(path, stats, nil)
	if err != nil {
		pager.Close()
		t.Fatalf("storage.OpenWAL: %v", err)
	}
	t.Cleanup(func() {
		wal.Close()
		pager.Close()
		os.Remove(path)
		os.Remove(path + "-wal")
		os.Remove(path + ".lock")
	})

	txMgr := mvcc.NewTransactionManager(pager.NextTxID())
	chains := mvcc.NewChains()
	cat := metadata.New()
	return NewEngine(pager, wal, txMgr, chains, BatchConfig{}, 0, cat, nil, stats)
}

func newBatchedTestEngine(t *testing.T, maxBatchSize int) *Engine {
	t.Helper()
	e := newTestEngine(t)
	e.Batch = BatchConfig{Enabled: true, MaxBatchSize: maxBatchSize}
	e.Coordinator = concurrency.NewBatchCoordinator(maxBatchSize)
	return e
}
