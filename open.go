package kvs

import (
	"bytes"
	"fmt"

	"github.com/dreamsxin/kvs/index"
	"github.com/dreamsxin/kvs/record"
	"github.com/dreamsxin/kvs/segment"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Open recovers (or initializes) the store at dir and returns a Writer
// and a Reader over it. logger and reg may be nil.
func Open(dir string, opts WriterOptions, logger log.Logger, reg prometheus.Registerer) (*Writer, *Reader, error) {
	core := newCore(dir, logger, newEngineMetrics(reg))

	epochs, err := segment.Discover(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("kvs: discovering segments: %w", err)
	}

	if len(epochs) == 0 {
		const firstEpoch = 1
		active, err := segment.Create(dir, firstEpoch)
		if err != nil {
			return nil, nil, fmt.Errorf("kvs: creating initial segment: %w", err)
		}
		core.addSegment(firstEpoch)
		core.currentEpoch.Store(firstEpoch)
		core.tailEpoch.Store(firstEpoch)

		w := newWriter(core, active, opts)
		r := newReader(core)
		return w, r, nil
	}

	tail := epochs[0]
	current := epochs[len(epochs)-1]
	core.tailEpoch.Store(tail)
	core.currentEpoch.Store(current)

	for i, epoch := range epochs {
		core.addSegment(epoch)
		isTailMost := i == len(epochs)-1
		if err := replaySegment(core, dir, epoch, isTailMost); err != nil {
			return nil, nil, fmt.Errorf("kvs: replaying epoch %d: %w", epoch, err)
		}
	}

	active, err := openForAppend(dir, current)
	if err != nil {
		return nil, nil, fmt.Errorf("kvs: reopening current segment for append: %w", err)
	}

	w := newWriter(core, active, opts)
	r := newReader(core)
	return w, r, nil
}

// replaySegment decodes every record in epoch's file in order, applying
// each to core's index exactly as the writer would have when it
// originally appended it: a later record always shadows an earlier one
// for the same key. If isCurrent is true, a decode failure at the very
// end of the file (a crash mid-append) is tolerated: replay stops at the
// last record that decoded cleanly instead of failing Open.
func replaySegment(core *Core, dir string, epoch uint64, isCurrent bool) error {
	f, err := segment.OpenRead(dir, epoch)
	if err != nil {
		return err
	}
	defer f.Close()

	size, err := f.Size()
	if err != nil {
		return err
	}

	var offset int64
	for offset < size {
		rec, err := f.ReadAt(offset, 0)
		if err != nil {
			if isCurrent {
				// The tail segment may have a partially written final
				// record from a crash mid-append; stop replay at the
				// last record that decoded cleanly rather than failing
				// Open.
				break
			}
			return err
		}

		var buf bytes.Buffer
		n, encErr := record.Encode(&buf, rec)
		if encErr != nil {
			return encErr
		}

		loc := index.Location{Epoch: epoch, Offset: offset, Length: int64(n)}
		switch rec.Op {
		case record.OpSet:
			core.index.Insert(rec.Key, loc)
		case record.OpRemove:
			core.index.Remove(rec.Key)
		}
		offset += int64(n)
	}
	return nil
}

func openForAppend(dir string, epoch uint64) (*segment.File, error) {
	// The segment already exists on disk (it was just replayed); reopen
	// it in a mode that allows further appends rather than truncating.
	return segment.OpenAppend(dir, epoch)
}
