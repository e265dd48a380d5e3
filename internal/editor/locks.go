package editor

import (
	"path/filepath"
	"sync"
)

// PathLockMap provides a per-file mutex so read-modify-write cycles against
// the same file never interleave, while edits to distinct files proceed in
// parallel. Keys are normalized absolute paths; two spellings of the same
// path share one lock.
type PathLockMap struct {
	locks sync.Map // normalized path -> *sync.Mutex
}

// NormalizePath resolves a path to its canonical absolute, cleaned form.
func NormalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

// getOrCreateLock returns the lock for a path, creating one if needed
func (m *PathLockMap) getOrCreateLock(path string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(NormalizePath(path), &sync.Mutex{})
	mutex, _ := lock.(*sync.Mutex)
	return mutex
}

// Lock acquires the exclusive lock for a path
func (m *PathLockMap) Lock(path string) {
	m.getOrCreateLock(path).Lock()
}

// Unlock releases the lock for a path
func (m *PathLockMap) Unlock(path string) {
	m.getOrCreateLock(path).Unlock()
}

// Delete removes the lock for a path (call after the file is gone)
func (m *PathLockMap) Delete(path string) {
	m.locks.Delete(NormalizePath(path))
}
