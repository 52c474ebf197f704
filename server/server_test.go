package server

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/dreamsxin/kvs/engine"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) net.Addr {
	t.Helper()
	dir := t.TempDir()
	eng, err := engine.Open(dir, engine.Config{Variant: engine.VariantKVS})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(ln, eng, 4, nil, nil)
	go srv.Serve()
	t.Cleanup(func() {
		srv.Close()
		eng.Close()
	})
	return ln.Addr()
}

func roundTrip(t *testing.T, addr net.Addr, req Request) Response {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, json.NewEncoder(conn).Encode(req))

	var resp Response
	require.NoError(t, json.NewDecoder(bufio.NewReader(conn)).Decode(&resp))
	return resp
}

func TestSetGetRemoveOverTheWire(t *testing.T) {
	addr := startTestServer(t)

	resp := roundTrip(t, addr, Request{Op: opSet, Key: "a", Value: "1"})
	require.True(t, resp.OK)

	resp = roundTrip(t, addr, Request{Op: opGet, Key: "a"})
	require.True(t, resp.OK)
	require.True(t, resp.Found)
	require.Equal(t, "1", resp.Value)

	resp = roundTrip(t, addr, Request{Op: opRemove, Key: "a"})
	require.True(t, resp.OK)

	resp = roundTrip(t, addr, Request{Op: opGet, Key: "a"})
	require.True(t, resp.OK)
	require.False(t, resp.Found)
}

func TestGetMissReportsFoundFalseNotError(t *testing.T) {
	addr := startTestServer(t)

	resp := roundTrip(t, addr, Request{Op: opGet, Key: "nope"})
	require.True(t, resp.OK)
	require.False(t, resp.Found)
	require.Empty(t, resp.Error)
}

func TestRemoveOfAbsentKeyFails(t *testing.T) {
	addr := startTestServer(t)

	resp := roundTrip(t, addr, Request{Op: opRemove, Key: "nope"})
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)
}

func TestUnknownOpFails(t *testing.T) {
	addr := startTestServer(t)

	resp := roundTrip(t, addr, Request{Op: "bogus", Key: "a"})
	require.False(t, resp.OK)
}

func TestMalformedFrameIsReportedNotCrashed(t *testing.T) {
	addr := startTestServer(t)

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("{not json"))
	require.NoError(t, err)
	conn.(*net.TCPConn).CloseWrite()

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)
}

func TestConcurrentClientsAreIndependentlyServed(t *testing.T) {
	addr := startTestServer(t)

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		i := i
		go func() {
			key := string(rune('a' + i%26))
			roundTrip(t, addr, Request{Op: opSet, Key: key, Value: "v"})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
}
