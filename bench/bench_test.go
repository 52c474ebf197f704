// Package bench compares the native engine's latency distribution
// against the bolt alternate engine, mirroring the shape of the
// teacher's own WAL-vs-Bolt benchmark but against this repository's
// own Engine interface.
package bench

import (
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	hdr "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/dreamsxin/kvs/engine"
	"github.com/stretchr/testify/require"
)

func BenchmarkSet(b *testing.B) {
	sizes := []int{10, 1024, 100 * 1024}
	sizeNames := []string{"10", "1k", "100k"}

	for i, s := range sizes {
		b.Run(fmt.Sprintf("valueSize=%s/v=kvs", sizeNames[i]), func(b *testing.B) {
			eng, done := openEngine(b, engine.VariantKVS)
			defer done()
			runSetBench(b, eng, s)
		})
		b.Run(fmt.Sprintf("valueSize=%s/v=bolt", sizeNames[i]), func(b *testing.B) {
			eng, done := openEngine(b, engine.VariantBolt)
			defer done()
			runSetBench(b, eng, s)
		})
	}
}

func BenchmarkGet(b *testing.B) {
	const numKeys = 10_000

	for _, variant := range []engine.Variant{engine.VariantKVS, engine.VariantBolt} {
		variant := variant
		b.Run(fmt.Sprintf("v=%s", variant), func(b *testing.B) {
			eng, done := openEngine(b, variant)
			defer done()
			populate(b, eng, numKeys, 128)
			runGetBench(b, eng, numKeys)
		})
	}
}

func openEngine(b *testing.B, variant engine.Variant) (engine.Cloneable, func()) {
	b.Helper()
	dir, err := os.MkdirTemp("", "kvs-bench-*")
	require.NoError(b, err)

	eng, err := engine.Open(dir, engine.Config{Variant: variant})
	require.NoError(b, err)

	return eng, func() {
		eng.Close()
		os.RemoveAll(dir)
	}
}

func randomValue(size int) []byte {
	v := make([]byte, size)
	rand.Read(v)
	return v
}

func runSetBench(b *testing.B, eng engine.Engine, valueSize int) {
	hist := hdr.New(1, int64(time.Second), 3)
	value := randomValue(valueSize)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		start := time.Now()
		require.NoError(b, eng.Set(key, value))
		hist.RecordValue(int64(time.Since(start)))
	}
	b.StopTimer()

	b.ReportMetric(float64(hist.Mean()), "ns/op-mean")
	b.ReportMetric(float64(hist.ValueAtQuantile(99)), "ns/op-p99")
}

func populate(b *testing.B, eng engine.Engine, n, size int) {
	b.Helper()
	value := randomValue(size)
	for i := 0; i < n; i++ {
		require.NoError(b, eng.Set([]byte(fmt.Sprintf("key-%d", i)), value))
	}
}

func runGetBench(b *testing.B, eng engine.Engine, numKeys int) {
	hist := hdr.New(1, int64(time.Second), 3)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := []byte(fmt.Sprintf("key-%d", i%numKeys))
		start := time.Now()
		_, _, err := eng.Get(key)
		hist.RecordValue(int64(time.Since(start)))
		require.NoError(b, err)
	}
	b.StopTimer()

	b.ReportMetric(float64(hist.Mean()), "ns/op-mean")
	b.ReportMetric(float64(hist.ValueAtQuantile(99)), "ns/op-p99")
}
