package kvs

import (
	"sync"
	"sync/atomic"

	"github.com/dreamsxin/kvs/index"
	"github.com/dreamsxin/kvs/record"
	"github.com/dreamsxin/kvs/segment"
)

// DefaultCompactThreshold is the dead-byte threshold (spec's
// COMPACT_THRESHOLD) past which MayCompact dispatches a compaction job.
const DefaultCompactThreshold = 1 << 20 // 1 MiB

// WriterOptions configures a Writer's durability and compaction
// behavior.
type WriterOptions struct {
	// SyncOnWrite fsyncs (or fdatasyncs, see DataSyncOnly) after every
	// append. Off by default, matching a bitcask-style engine that
	// batches durability behind explicit Flush calls.
	SyncOnWrite bool
	// DataSyncOnly uses fdatasync instead of fsync when SyncOnWrite or
	// Flush is invoked.
	DataSyncOnly bool
	// CompactThreshold overrides DefaultCompactThreshold. Zero means use
	// the default.
	CompactThreshold int64
}

// Writer is the exclusive owner of the active append point. Only one
// goroutine may hold a given Writer's lock at a time; the server
// serializes all set/remove calls by routing them through a single
// shared Writer handle.
type Writer struct {
	core *Core
	opts WriterOptions

	mu     sync.Mutex
	active *segment.File

	deadBytes  atomic.Int64
	compacting atomic.Bool
}

func newWriter(core *Core, active *segment.File, opts WriterOptions) *Writer {
	if opts.CompactThreshold <= 0 {
		opts.CompactThreshold = DefaultCompactThreshold
	}
	return &Writer{core: core, opts: opts, active: active}
}

// Set appends a Set record for key/value to the current epoch file and
// then publishes the new location in the index. A failed append never
// touches the index.
func (w *Writer) Set(key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := record.Record{Op: record.OpSet, Key: key, Value: value}
	offset, length, err := w.active.Append(rec)
	if err != nil {
		return newErr(KindIO, "set", err)
	}
	w.core.metrics.bytesWritten.Add(float64(length))

	loc := index.Location{Epoch: w.active.Epoch(), Offset: offset, Length: length}
	old, had := w.core.index.Insert(key, loc)
	if had {
		w.shadow(old)
	}
	if w.opts.SyncOnWrite {
		if err := w.active.Sync(w.opts.DataSyncOnly); err != nil {
			return newErr(KindIO, "set", err)
		}
	}
	w.core.metrics.setCalls.Inc()
	w.maybeTriggerCompaction()
	return nil
}

// Remove appends a Remove tombstone for key, failing with KeyNotFound if
// the index does not currently contain it.
func (w *Writer) Remove(key []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	old, had := w.core.index.Get(key)
	if !had {
		return ErrKeyNotFound
	}

	rec := record.Record{Op: record.OpRemove, Key: key}
	_, length, err := w.active.Append(rec)
	if err != nil {
		return newErr(KindIO, "remove", err)
	}
	w.core.metrics.bytesWritten.Add(float64(length))

	w.core.index.Remove(key)
	w.shadow(old)

	if w.opts.SyncOnWrite {
		if err := w.active.Sync(w.opts.DataSyncOnly); err != nil {
			return newErr(KindIO, "remove", err)
		}
	}
	w.core.metrics.removeCalls.Inc()
	w.maybeTriggerCompaction()
	return nil
}

// shadow records that a previously-live record of the given location has
// become unreachable, growing the dead-byte counter that gates
// compaction.
func (w *Writer) shadow(old index.Location) {
	n := w.deadBytes.Add(old.Length)
	w.core.metrics.deadBytes.Set(float64(n))
}

// Flush ensures all preceding appends are durable.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.active.Sync(w.opts.DataSyncOnly); err != nil {
		return newErr(KindIO, "flush", err)
	}
	return nil
}

// MayCompact dispatches a compaction job if the dead-byte counter
// exceeds the configured threshold. It is non-blocking: the actual
// rewrite happens on a background goroutine and new writes may proceed
// against a fresh epoch once the freeze step completes.
func (w *Writer) MayCompact() {
	w.maybeTriggerCompaction()
}

func (w *Writer) maybeTriggerCompaction() {
	if w.deadBytes.Load() <= w.opts.CompactThreshold {
		return
	}
	if !w.compacting.CompareAndSwap(false, true) {
		return // a compaction is already in flight
	}
	go w.runCompaction()
}

// installActive swaps in a freshly created segment as the append target.
// Called only by the compactor's freeze step, which has already sealed
// the previous active file by virtue of bumping the current epoch.
func (w *Writer) installActive(next *segment.File) *segment.File {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := w.active
	w.active = next
	return old
}

