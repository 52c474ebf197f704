// Package server implements the TCP dispatcher: accept connections,
// decode one newline-framed JSON request, run it against an engine on
// the worker pool, encode one response, close the connection.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dreamsxin/kvs"
	"github.com/dreamsxin/kvs/engine"
	"github.com/dreamsxin/kvs/pool"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type serverMetrics struct {
	connections prometheus.Counter
	requests    *prometheus.CounterVec
	protoErrors prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &serverMetrics{
		connections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvs_server_connections_total",
			Help: "Total accepted connections.",
		}),
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kvs_server_requests_total",
			Help: "Total requests handled, by op and outcome.",
		}, []string{"op", "ok"}),
		protoErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvs_server_protocol_errors_total",
			Help: "Total malformed request frames.",
		}),
	}
}

// Server accepts connections on a single listener and dispatches each
// one's single request onto a bounded worker pool.
type Server struct {
	ln      net.Listener
	engine  engine.Cloneable
	pool    *pool.Pool
	logger  log.Logger
	metrics *serverMetrics

	closeOnce sync.Once
}

// New wraps an already-bound listener and a storage engine into a
// Server. The caller owns the engine's lifetime; Close does not close
// it.
func New(ln net.Listener, eng engine.Cloneable, workers int, logger log.Logger, reg prometheus.Registerer) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		ln:      ln,
		engine:  eng,
		pool:    pool.New(workers, log.With(logger, "component", "pool"), reg),
		logger:  logger,
		metrics: newServerMetrics(reg),
	}
}

// Serve accepts connections until the listener is closed, dispatching
// each to the worker pool. It returns nil on a clean shutdown (listener
// closed out from under it) and any other error otherwise.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.metrics.connections.Inc()

		clone := s.engine.Clone()
		if err := s.pool.Spawn(func() { s.handleConn(conn, clone) }); err != nil {
			level.Error(s.logger).Log("msg", "dropping connection, pool closed", "err", err)
			conn.Close()
		}
	}
}

// Close stops accepting new connections and shuts down the worker pool,
// waiting for in-flight requests to finish.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ln.Close()
		s.pool.Shutdown()
	})
	return err
}

func (s *Server) handleConn(conn net.Conn, eng engine.Engine) {
	defer conn.Close()

	var req Request
	dec := json.NewDecoder(conn)
	if decErr := dec.Decode(&req); decErr != nil {
		s.metrics.protoErrors.Inc()
		s.writeResponse(conn, errResponse(fmt.Sprintf("malformed request: %v", decErr)))
		return
	}

	resp := s.dispatch(eng, req)
	s.metrics.requests.WithLabelValues(req.Op, fmt.Sprint(resp.OK)).Inc()
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(eng engine.Engine, req Request) Response {
	switch req.Op {
	case opGet:
		v, found, err := eng.Get([]byte(req.Key))
		if err != nil {
			return errResponse(err.Error())
		}
		if !found {
			return Response{OK: true, Found: false}
		}
		return Response{OK: true, Found: true, Value: string(v)}

	case opSet:
		if err := eng.Set([]byte(req.Key), []byte(req.Value)); err != nil {
			return errResponse(err.Error())
		}
		return okResponse()

	case opRemove:
		err := eng.Remove([]byte(req.Key))
		if err != nil {
			if errors.Is(err, kvs.ErrKeyNotFound) {
				return errResponse("key not found")
			}
			return errResponse(err.Error())
		}
		return okResponse()

	default:
		return errResponse(fmt.Sprintf("unknown op %q", req.Op))
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	enc := json.NewEncoder(conn)
	if err := enc.Encode(resp); err != nil {
		level.Error(s.logger).Log("msg", "failed to write response", "err", err)
	}
}
