package kvs

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dreamsxin/kvs/segment"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts WriterOptions) (*Writer, *Reader, string) {
	t.Helper()
	dir := t.TempDir()
	w, r, err := Open(dir, opts, nil, nil)
	require.NoError(t, err)
	return w, r, dir
}

func TestSetThenGet(t *testing.T) {
	w, r, _ := openTestStore(t, WriterOptions{})
	require.NoError(t, w.Set([]byte("k1"), []byte("v1")))

	v, ok, err := r.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestShadowing(t *testing.T) {
	w, r, _ := openTestStore(t, WriterOptions{})
	require.NoError(t, w.Set([]byte("k1"), []byte("v1")))
	require.NoError(t, w.Set([]byte("k1"), []byte("v2")))

	v, ok, err := r.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestRemoval(t *testing.T) {
	w, r, _ := openTestStore(t, WriterOptions{})
	require.NoError(t, w.Set([]byte("k1"), []byte("v1")))
	require.NoError(t, w.Remove([]byte("k1")))

	_, ok, err := r.Get([]byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)

	err = w.Remove([]byte("k1"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	w, _, err := Open(dir, WriterOptions{}, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		value := bytes.Repeat([]byte{byte(i)}, 1024)
		require.NoError(t, w.Set(key, value))
	}
	require.NoError(t, w.Flush())

	w2, r2, err := Open(dir, WriterOptions{}, nil, nil)
	require.NoError(t, err)
	_ = w2

	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		want := bytes.Repeat([]byte{byte(i)}, 1024)
		got, ok, err := r2.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

func TestConcurrentReaderDuringHeavyWrite(t *testing.T) {
	w, r, _ := openTestStore(t, WriterOptions{})
	require.NoError(t, w.Set([]byte("k"), []byte("v-0")))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var sawTorn bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		rr := r.Clone()
		for {
			select {
			case <-stop:
				return
			default:
			}
			v, ok, err := rr.Get([]byte("k"))
			if err != nil || !ok {
				continue
			}
			if len(v) == 0 || v[0] != 'v' {
				sawTorn = true
			}
		}
	}()

	for i := 1; i <= 10000; i++ {
		require.NoError(t, w.Set([]byte("k"), []byte(fmt.Sprintf("v-%d", i))))
	}
	close(stop)
	wg.Wait()

	require.False(t, sawTorn)
	final, ok, err := r.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v-10000", string(final))
}

func TestCompactionReclaimsSpaceAndKeepsDataReadable(t *testing.T) {
	w, r, dir := openTestStore(t, WriterOptions{CompactThreshold: 4096})

	for i := 0; i < 2000; i++ {
		key := []byte("hot-key")
		value := bytes.Repeat([]byte{'x'}, 256)
		_ = i
		require.NoError(t, w.Set(key, value))
	}

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("new-key-%d", i))
		require.NoError(t, w.Set(key, []byte("fresh")))
	}

	require.Eventually(t, func() bool {
		return w.core.TailEpoch() > 1
	}, 2*time.Second, 10*time.Millisecond, "compaction never advanced the tail epoch")
	require.Eventually(t, func() bool {
		_, err := os.Stat(segment.Path(dir, 1))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond, "compaction never unlinked the first segment file")

	v, ok, err := r.Get([]byte("hot-key"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bytes.Repeat([]byte{'x'}, 256), v)

	for i := 0; i < 50; i++ {
		v, ok, err := r.Get([]byte(fmt.Sprintf("new-key-%d", i)))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("fresh"), v)
	}
}

func TestEpochMonotonicityInvariant(t *testing.T) {
	w, _, _ := openTestStore(t, WriterOptions{CompactThreshold: 1024})
	lastCurrent := w.core.CurrentEpoch()
	lastTail := w.core.TailEpoch()

	for i := 0; i < 500; i++ {
		key := []byte("k")
		require.NoError(t, w.Set(key, bytes.Repeat([]byte{'y'}, 64)))

		cur := w.core.CurrentEpoch()
		tail := w.core.TailEpoch()
		require.GreaterOrEqual(t, cur, lastCurrent)
		require.GreaterOrEqual(t, tail, lastTail)
		require.LessOrEqual(t, tail, cur)
		lastCurrent, lastTail = cur, tail
	}
}
