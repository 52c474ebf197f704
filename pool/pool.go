// Package pool implements a bounded worker pool with panic-restart
// supervision: a fixed number of workers pull closures off a shared task
// channel, and a worker that panics is logged and replaced so the pool's
// live worker count never drops and a panicking task never reaches the
// submitter.
package pool

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrClosed is returned by Spawn once Shutdown has been called.
var ErrClosed = errors.New("pool: closed")

const defaultQueueDepth = 256

// Pool is a bounded set of worker goroutines dispatching closures
// submitted with Spawn. The zero value is not usable; construct with
// New.
type Pool struct {
	tasks   chan func()
	size    int
	logger  log.Logger
	metrics *poolMetrics

	wg      sync.WaitGroup
	closed  atomic.Bool
	closeMu sync.Mutex
}

type poolMetrics struct {
	submitted prometheus.Counter
	completed prometheus.Counter
	panics    prometheus.Counter
	active    prometheus.Gauge
}

func newPoolMetrics(reg prometheus.Registerer) *poolMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &poolMetrics{
		submitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvs_pool_tasks_submitted_total",
			Help: "kvs_pool_tasks_submitted_total counts calls to Spawn.",
		}),
		completed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvs_pool_tasks_completed_total",
			Help: "kvs_pool_tasks_completed_total counts tasks that returned, panicked or not.",
		}),
		panics: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvs_pool_worker_panics_total",
			Help: "kvs_pool_worker_panics_total counts worker goroutines restarted after a task panicked.",
		}),
		active: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kvs_pool_active_workers",
			Help: "kvs_pool_active_workers is the current number of live worker goroutines.",
		}),
	}
}

// New starts a Pool with size worker goroutines. logger and reg may be
// nil.
func New(size int, logger log.Logger, reg prometheus.Registerer) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p := &Pool{
		tasks:   make(chan func(), defaultQueueDepth),
		size:    size,
		logger:  logger,
		metrics: newPoolMetrics(reg),
	}
	for i := 0; i < size; i++ {
		p.startWorker()
	}
	return p
}

// Spawn submits an owned, one-shot closure for execution. It blocks if
// the internal queue is full; submissions from a single producer run in
// FIFO order.
func (p *Pool) Spawn(task func()) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.metrics.submitted.Inc()

	// Guard the send against a racing Shutdown closing the channel out
	// from under us.
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed.Load() {
		return ErrClosed
	}
	p.tasks <- task
	return nil
}

func (p *Pool) startWorker() {
	p.wg.Add(1)
	p.metrics.active.Inc()
	go p.runWorker()
}

func (p *Pool) runWorker() {
	defer p.wg.Done()
	defer func() {
		p.metrics.active.Dec()
		if r := recover(); r != nil {
			p.metrics.panics.Inc()
			p.metrics.completed.Inc()
			level.Error(p.logger).Log("msg", "worker panicked, restarting", "panic", r)
			if !p.closed.Load() {
				p.startWorker()
			}
		}
	}()

	for task := range p.tasks {
		task()
		p.metrics.completed.Inc()
	}
}

// Shutdown stops accepting new tasks, lets the queue drain, and joins
// every worker. It is safe to call more than once.
func (p *Pool) Shutdown() {
	p.closeMu.Lock()
	if p.closed.CompareAndSwap(false, true) {
		close(p.tasks)
	}
	p.closeMu.Unlock()
	p.wg.Wait()
}
