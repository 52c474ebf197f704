// Package kvs implements a log-structured, hash-indexed storage engine:
// append-only segment files, an in-memory offset index, online
// background compaction, and a lock-free-reads / single-writer
// concurrency core built around an epoch-based file lifecycle.
package kvs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/dreamsxin/kvs/epochlock"
	"github.com/dreamsxin/kvs/index"
	"github.com/dreamsxin/kvs/segment"
	"github.com/go-kit/log"
)

// Core is the shared, long-lived state a Writer and its Readers are thin
// facades over: the index, the epoch registers, the epoch lock table,
// and the set of epochs currently backed by a file on disk. Cloning a
// Reader never copies Core; it only copies the facade.
type Core struct {
	dir    string
	index  *index.Index
	locks  *epochlock.Table
	logger log.Logger

	currentEpoch atomic.Uint64
	tailEpoch    atomic.Uint64

	segmentsMu sync.Mutex
	segments   *immutable.SortedMap[uint64, struct{}]

	metrics *engineMetrics
}

func newCore(dir string, logger log.Logger, metrics *engineMetrics) *Core {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Core{
		dir:      dir,
		index:    index.New(),
		locks:    epochlock.NewTable(),
		logger:   logger,
		segments: &immutable.SortedMap[uint64, struct{}]{},
		metrics:  metrics,
	}
}

// Index exposes the shared index for tests that want to assert on the
// monotonicity invariants directly.
func (c *Core) Index() *index.Index { return c.index }

// CurrentEpoch returns the current atomic register value.
func (c *Core) CurrentEpoch() uint64 { return c.currentEpoch.Load() }

// TailEpoch returns the tail atomic register value.
func (c *Core) TailEpoch() uint64 { return c.tailEpoch.Load() }

func (c *Core) addSegment(epoch uint64) {
	c.segmentsMu.Lock()
	c.segments = c.segments.Set(epoch, struct{}{})
	c.metrics.liveSegments.Set(float64(c.segments.Len()))
	c.segmentsMu.Unlock()
}

func (c *Core) removeSegment(epoch uint64) {
	c.segmentsMu.Lock()
	c.segments = c.segments.Delete(epoch)
	c.metrics.liveSegments.Set(float64(c.segments.Len()))
	c.segmentsMu.Unlock()
}

func (c *Core) knownEpochs() []uint64 {
	c.segmentsMu.Lock()
	snapshot := c.segments
	c.segmentsMu.Unlock()

	epochs := make([]uint64, 0, snapshot.Len())
	it := snapshot.Iterator()
	for !it.Done() {
		epoch, _, _ := it.Next()
		epochs = append(epochs, epoch)
	}
	return epochs
}

func (c *Core) openReadSegment(epoch uint64) (*segment.File, error) {
	f, err := segment.OpenRead(c.dir, epoch)
	if err != nil {
		return nil, fmt.Errorf("kvs: opening epoch %d for read: %w", epoch, err)
	}
	return f, nil
}
