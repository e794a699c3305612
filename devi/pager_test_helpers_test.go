package devi

import (
	"os"
	"testing"
)

// tempDBPath returns a path for a fresh database that does not yet
// exist on disk, with cleanup of the main file plus its WAL and lock
// sidecars (matches Felmond13-novusdb/api's tempDBPath test helper).
func tempDBPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "devi_test_*.db")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	t.Cleanup(func() {
		os.Remove(path)
		os.Remove(path + "-wal")
		os.Remove(path + ".lock")
	})
	return path
}

func openTestDB(t *testing.T) *Database {
	t.Helper()
	path := tempDBPath(t)
	opts := DefaultOptions()
	db, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
