package kvs

import (
	"github.com/dreamsxin/kvs/index"
	"github.com/dreamsxin/kvs/record"
	"github.com/dreamsxin/kvs/segment"
	"github.com/go-kit/log/level"
)

// runCompaction executes the five-step epoch protocol from the design:
// freeze, rewrite, republish, advance tail, retire. It runs on its own
// goroutine, never holding w.mu for the duration of any file I/O, so
// concurrent writes to the next epoch and concurrent reads of any
// already-resolved location are never blocked by it.
func (w *Writer) runCompaction() {
	defer w.compacting.Store(false)
	core := w.core

	// Step 1: freeze. The old current epoch is sealed by the mere fact
	// that new appends will target eNext from here on.
	oldCurrent := core.currentEpoch.Add(2) - 2
	eCompact := oldCurrent + 1
	eNext := oldCurrent + 2

	nextFile, err := segment.Create(core.dir, eNext)
	if err != nil {
		level.Error(core.logger).Log("msg", "compaction: failed to create next segment", "epoch", eNext, "err", err)
		core.metrics.compactionErrors.Inc()
		return
	}
	core.addSegment(eNext)

	compactFile, err := segment.Create(core.dir, eCompact)
	if err != nil {
		level.Error(core.logger).Log("msg", "compaction: failed to create compact segment", "epoch", eCompact, "err", err)
		core.metrics.compactionErrors.Inc()
		return
	}
	core.addSegment(eCompact)

	// Readers of the sealed epoch keep working off the on-disk file; we
	// only need to swap the writer's append target and close our write
	// handle on what is now a frozen, read-only segment.
	sealed := w.installActive(nextFile)
	sealed.Close()

	type rewritten struct {
		key    []byte
		oldLoc index.Location
		newLoc index.Location
	}

	readHandles := make(map[uint64]*segment.File)
	defer func() {
		for _, f := range readHandles {
			f.Close()
		}
	}()

	// Snapshot the entries to move first, so no index shard lock is held
	// while records are read and re-appended.
	var live []rewritten
	core.index.ForEach(func(key []byte, loc index.Location) {
		if loc.Epoch >= eCompact {
			// Already in e_compact or e_next (a write raced ahead of us);
			// nothing to move.
			return
		}
		live = append(live, rewritten{key: key, oldLoc: loc})
	})

	var moved []rewritten
	var rewriteErr error
	for _, m := range live {
		rec, err := w.readLiveRecord(readHandles, m.oldLoc)
		if err != nil {
			rewriteErr = err
			break
		}
		offset, length, err := compactFile.Append(rec)
		if err != nil {
			rewriteErr = err
			break
		}
		m.newLoc = index.Location{Epoch: eCompact, Offset: offset, Length: length}
		moved = append(moved, m)
	}

	if rewriteErr != nil {
		// Compaction failures during rewrite abort the attempt and leave
		// the index and the tail register untouched (the current epoch
		// has already moved to e_next); the partial e_compact file is
		// unreferenced and is unlinked by the next compaction's retire
		// step.
		level.Error(core.logger).Log("msg", "compaction: rewrite failed, aborting", "err", rewriteErr)
		core.metrics.compactionErrors.Inc()
		compactFile.Close()
		return
	}
	compactFile.Close()

	// Step 3: republish via per-key CAS so a key overwritten into e_next
	// during the rewrite is never resurrected back to its stale location.
	for _, m := range moved {
		if core.index.CompareAndSwap(m.key, m.oldLoc, m.newLoc) {
			w.deadBytes.Add(-m.oldLoc.Length)
		}
	}
	if n := w.deadBytes.Load(); n < 0 {
		w.deadBytes.Store(0)
	}
	core.metrics.deadBytes.Set(float64(w.deadBytes.Load()))

	// Step 4: advance the tail. No index entry now references any epoch
	// below e_compact.
	core.tailEpoch.Store(eCompact)

	// Step 5: retire every obsolete epoch below e_compact.
	for _, epoch := range core.knownEpochs() {
		if epoch >= eCompact {
			continue
		}
		err := core.locks.Retire(epoch, func() error {
			return segment.Remove(core.dir, epoch)
		})
		if err != nil {
			level.Error(core.logger).Log("msg", "compaction: failed to retire segment", "epoch", epoch, "err", err)
			continue
		}
		core.removeSegment(epoch)
		core.metrics.segmentsRetired.Inc()
	}

	core.metrics.liveSegments.Set(float64(len(core.knownEpochs())))
	core.metrics.compactions.Inc()
}

// readLiveRecord fetches the bytes for loc under its epoch's shared
// lock, the same discipline a Reader uses, reusing a cached read handle
// per epoch for the duration of one compaction pass.
func (w *Writer) readLiveRecord(handles map[uint64]*segment.File, loc index.Location) (record.Record, error) {
	release := w.core.locks.RLock(loc.Epoch)
	defer release()

	f, ok := handles[loc.Epoch]
	if !ok {
		var err error
		f, err = w.core.openReadSegment(loc.Epoch)
		if err != nil {
			return record.Record{}, err
		}
		handles[loc.Epoch] = f
	}

	rec, err := f.ReadAt(loc.Offset, loc.Length)
	if err != nil {
		return record.Record{}, err
	}
	w.core.metrics.bytesRead.Add(float64(loc.Length))
	return rec, nil
}
