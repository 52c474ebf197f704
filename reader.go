package kvs

import (
	"github.com/dreamsxin/kvs/record"
	"github.com/dreamsxin/kvs/segment"
)

// Reader is a cheaply cloneable read handle. Each clone carries its own
// epoch -> open file handle table; cloning never duplicates file
// descriptors, and handles are opened lazily on first access to an
// epoch. A Reader's handle table is local state and must never be
// shared between goroutines — clone instead.
type Reader struct {
	core    *Core
	handles map[uint64]*segment.File
}

func newReader(core *Core) *Reader {
	return &Reader{core: core, handles: make(map[uint64]*segment.File)}
}

// Clone returns an independent Reader sharing the same Core but with its
// own, initially empty, handle table.
func (r *Reader) Clone() *Reader {
	return newReader(r.core)
}

// Get resolves key through the index and, if present, decodes its
// record from the epoch file it names. A Remove tombstone encountered at
// the resolved location (a race with a concurrent delete) is treated as
// absence, not an error.
func (r *Reader) Get(key []byte) ([]byte, bool, error) {
	r.evictRetiredHandles()

	r.core.metrics.getCalls.Inc()
	loc, ok := r.core.index.Get(key)
	if !ok {
		return nil, false, nil
	}

	release := r.core.locks.RLock(loc.Epoch)
	defer release()

	f, err := r.handleFor(loc.Epoch)
	if err != nil {
		return nil, false, newErr(KindIO, "get", err)
	}

	rec, err := f.ReadAt(loc.Offset, loc.Length)
	if err != nil {
		return nil, false, newErr(KindCorruption, "get", err)
	}
	r.core.metrics.bytesRead.Add(float64(loc.Length))

	if rec.Op == record.OpRemove {
		// Lost a race with a concurrent delete; treat as a miss.
		return nil, false, nil
	}
	r.core.metrics.getHits.Inc()
	return rec.Value, true, nil
}

// handleFor returns (opening lazily if necessary) this reader's file
// handle for epoch.
func (r *Reader) handleFor(epoch uint64) (*segment.File, error) {
	if f, ok := r.handles[epoch]; ok {
		return f, nil
	}
	f, err := r.core.openReadSegment(epoch)
	if err != nil {
		return nil, err
	}
	r.handles[epoch] = f
	return f, nil
}

// evictRetiredHandles closes and drops any open handle for an epoch
// below the current tail_epoch, bounding resource use to O(live-epochs
// x readers) as described in the design.
func (r *Reader) evictRetiredHandles() {
	if len(r.handles) == 0 {
		return
	}
	tail := r.core.TailEpoch()
	for epoch, f := range r.handles {
		if epoch < tail {
			f.Close()
			delete(r.handles, epoch)
		}
	}
}

// Close releases every open file handle held by this Reader.
func (r *Reader) Close() error {
	var firstErr error
	for epoch, f := range r.handles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.handles, epoch)
	}
	return firstErr
}
