//go:build js || wasip1

package storage

import "errors"

// errLockHeld is unreachable on js/wasm (lockFile never fails here)
// but declared for symmetry with filelock_unix.go/filelock_windows.go.
var errLockHeld = errors.New("filelock: database is locked by another process")

// fileLock is a no-op on js/wasm (in-memory only, no file system).
type fileLock struct{}

// lockFile is a no-op on js/wasm.
func lockFile(_ string, _ bool) (*fileLock, error) {
	return &fileLock{}, nil
}

// unlock is a no-op on js/wasm.
func (fl *fileLock) unlock() error {
	return nil
}
