//go:build linux

package storage

import (
	"os"
	"syscall"
)

// osFile wraps *os.File to satisfy StorageFile, using fdatasync for
// the data-only sync spec.md's commit protocol uses as a performance
// optimization distinct from the WAL's durability fsync.
type osFile struct {
	*os.File
}

func newOSFile(f *os.File) StorageFile { return &osFile{File: f} }

func (f *osFile) SyncData() error {
	return syscall.Fdatasync(int(f.Fd()))
}
