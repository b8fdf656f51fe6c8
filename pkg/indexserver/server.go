package indexserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/TeoSlayer/topicbus/pkg/protocol"
	"github.com/TeoSlayer/topicbus/pkg/registry"
)

// Server accepts peer connections and serves the registry over the framed
// JSON protocol. Each connection is handled by its own goroutine; the
// registry serialises the operations.
type Server struct {
	reg          *registry.Registry
	listener     net.Listener
	readyCh      chan struct{}
	readyOnce    sync.Once
	done         chan struct{}
	closeOnce    sync.Once
	clock        clock.Clock
	startTime    time.Time
	idleTimeout  time.Duration
	requestCount atomic.Int64

	metrics *serverMetrics
	promReg *prometheus.Registry

	connMu sync.Mutex
	conns  map[string]net.Conn
	connWg sync.WaitGroup
}

// New returns a server for reg. The server takes ownership of reg and
// closes it in Close.
func New(reg *registry.Registry) *Server {
	s := &Server{
		reg:     reg,
		readyCh: make(chan struct{}),
		done:    make(chan struct{}),
		clock:   clock.New(),
		conns:   make(map[string]net.Conn),
		metrics: newServerMetrics(reg),
		promReg: prometheus.NewRegistry(),
	}
	s.startTime = s.clock.Now()
	s.promReg.MustRegister(s.metrics.PrometheusCollectors()...)
	s.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// SetClock overrides the time source used for uptime and request latency
// (for testing).
func (s *Server) SetClock(c clock.Clock) {
	s.clock = c
	s.startTime = c.Now()
}

// SetIdleTimeout closes connections that send no request for d. Zero, the
// default, keeps idle connections open indefinitely.
func (s *Server) SetIdleTimeout(d time.Duration) {
	s.idleTimeout = d
}

// Registry returns the registry served by s.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// ListenAndServe listens on addr and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.connMu.Lock()
	if s.closing() {
		s.connMu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.connMu.Unlock()
	slog.Info("indexing server listening", "addr", ln.Addr())
	s.readyOnce.Do(func() { close(s.readyCh) })

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			consecutiveErrors++
			slog.Error("indexing server accept error", "err", err, "consecutive", consecutiveErrors)
			if consecutiveErrors >= 10 {
				return fmt.Errorf("accept: %d consecutive errors, last: %w", consecutiveErrors, err)
			}
			backoff := time.Duration(consecutiveErrors) * 100 * time.Millisecond
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
			time.Sleep(backoff)
			continue
		}
		consecutiveErrors = 0

		id := uuid.NewString()
		if !s.track(id, conn) {
			conn.Close()
			return nil
		}
		go s.handleConn(id, conn)
	}
}

// Ready returns a channel that is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Addr returns the bound address. Only valid after Ready fires.
func (s *Server) Addr() net.Addr {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, closes every open connection, waits for their
// handlers to return and closes the registry.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.connMu.Lock()
		close(s.done)
		if s.listener != nil {
			err = multierr.Append(err, s.listener.Close())
		}
		for _, c := range s.conns {
			c.Close()
		}
		s.connMu.Unlock()
		s.connWg.Wait()

		err = multierr.Append(err, s.reg.Close())
		slog.Info("indexing server stopped")
	})
	return err
}

// track records an accepted connection. It returns false once the server is
// closing.
func (s *Server) track(id string, conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.conns[id] = conn
	s.connWg.Add(1)
	return true
}

func (s *Server) untrack(id string) {
	s.connMu.Lock()
	delete(s.conns, id)
	s.connMu.Unlock()
	s.connWg.Done()
}

// ActiveConnections returns the number of open peer connections.
func (s *Server) ActiveConnections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

func (s *Server) handleConn(id string, conn net.Conn) {
	log := slog.With("conn", id, "remote", conn.RemoteAddr().String())
	defer s.untrack(id)
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection handler panic", "panic", r)
		}
	}()

	s.metrics.connections.Inc()
	defer s.metrics.connections.Dec()
	log.Info("new connection")

	for {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		var req protocol.Request
		if err := protocol.ReadFrame(conn, &req); err != nil {
			s.logReadError(log, err)
			return
		}

		resp := s.Dispatch(&req)
		if err := protocol.WriteFrame(conn, resp); err != nil {
			log.Warn("write error", "err", err)
			return
		}
	}
}

func (s *Server) logReadError(log *slog.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF):
		log.Info("connection closed")
	case s.closing():
		log.Debug("connection closed by shutdown")
	case errors.Is(err, os.ErrDeadlineExceeded):
		log.Info("connection idle, closing", "timeout", s.idleTimeout)
	default:
		s.metrics.frameErrors.Inc()
		log.Error("error handling client", "err", err)
	}
}

func (s *Server) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
