//go:build !linux

package storage

import "os"

// osFile wraps *os.File to satisfy StorageFile. Platforms without a
// distinct data-only sync fall back to a full Sync.
type osFile struct {
	*os.File
}

func newOSFile(f *os.File) StorageFile { return &osFile{File: f} }

func (f *osFile) SyncData() error {
	return f.File.Sync()
}
