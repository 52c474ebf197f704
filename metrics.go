package kvs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics mirrors the shape of the teacher's walMetrics: a small
// struct of prometheus collectors constructed once per engine instance
// against a caller-supplied registerer.
type engineMetrics struct {
	setCalls         prometheus.Counter
	removeCalls      prometheus.Counter
	getCalls         prometheus.Counter
	getHits          prometheus.Counter
	bytesWritten     prometheus.Counter
	bytesRead        prometheus.Counter
	deadBytes        prometheus.Gauge
	compactions      prometheus.Counter
	compactionErrors prometheus.Counter
	segmentsRetired  prometheus.Counter
	liveSegments     prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &engineMetrics{
		setCalls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvs_set_calls_total",
			Help: "kvs_set_calls_total counts successful calls to Writer.Set.",
		}),
		removeCalls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvs_remove_calls_total",
			Help: "kvs_remove_calls_total counts successful calls to Writer.Remove.",
		}),
		getCalls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvs_get_calls_total",
			Help: "kvs_get_calls_total counts calls to Reader.Get.",
		}),
		getHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvs_get_hits_total",
			Help: "kvs_get_hits_total counts Reader.Get calls that resolved to a live value.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvs_bytes_written_total",
			Help: "kvs_bytes_written_total counts serialized record bytes appended to segment files.",
		}),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvs_bytes_read_total",
			Help: "kvs_bytes_read_total counts serialized record bytes decoded on reads and during compaction rewrite.",
		}),
		deadBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kvs_dead_bytes",
			Help: "kvs_dead_bytes is the writer's current dead-byte counter that gates compaction.",
		}),
		compactions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvs_compactions_total",
			Help: "kvs_compactions_total counts completed compaction passes.",
		}),
		compactionErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvs_compaction_errors_total",
			Help: "kvs_compaction_errors_total counts aborted compaction attempts.",
		}),
		segmentsRetired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvs_segments_retired_total",
			Help: "kvs_segments_retired_total counts segment files unlinked during compaction retire steps.",
		}),
		liveSegments: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kvs_live_segments",
			Help: "kvs_live_segments is the number of segment files currently on disk.",
		}),
	}
}
