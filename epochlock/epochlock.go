// Package epochlock implements the epoch lock table: a concurrent map
// from epoch to a reader-writer lock guarding that epoch's segment file.
// Readers hold the shared side while decoding a record; the compactor
// holds the exclusive side only to unlink a retired file.
package epochlock

import "sync"

// Table is a concurrent map of per-epoch locks. The zero value is ready
// to use.
type Table struct {
	mu    sync.Mutex
	locks map[uint64]*sync.RWMutex
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{locks: make(map[uint64]*sync.RWMutex)}
}

// lockFor returns the lock for epoch, creating it if necessary.
func (t *Table) lockFor(epoch uint64) *sync.RWMutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks == nil {
		t.locks = make(map[uint64]*sync.RWMutex)
	}
	l, ok := t.locks[epoch]
	if !ok {
		l = &sync.RWMutex{}
		t.locks[epoch] = l
	}
	return l
}

// RLock acquires the shared lock for epoch and returns the release func.
// A reader holds this only for the duration of a single record decode.
func (t *Table) RLock(epoch uint64) func() {
	l := t.lockFor(epoch)
	l.RLock()
	return l.RUnlock
}

// Retire acquires the exclusive lock for epoch, invokes unlink (which
// should remove the backing file), and drops the lock entry from the
// table regardless of unlink's outcome so the table never grows
// unbounded across the store's lifetime.
func (t *Table) Retire(epoch uint64, unlink func() error) error {
	l := t.lockFor(epoch)
	l.Lock()
	err := unlink()
	l.Unlock()

	t.mu.Lock()
	delete(t.locks, epoch)
	t.mu.Unlock()
	return err
}
