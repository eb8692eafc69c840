// Package server implements the network layer: a TCP listener speaking
// the wire protocol over connections authenticated by the security
// package's SCRAM handshake. A single in-process *nexadb.Server backs
// every connection, since NexaDB hosts one process with many named
// databases rather than one project per database.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/kartikbazzad/nexadb"
	"github.com/kartikbazzad/nexadb/internal/errs"
	"github.com/kartikbazzad/nexadb/internal/logging"
	"github.com/kartikbazzad/nexadb/wire"
)

// Config controls the TCP server's network and resource behavior.
type Config struct {
	Addr           string
	MaxConnections int
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
	TLSConfig      *tls.Config
}

// TCPServer accepts connections and dispatches wire-protocol requests
// against a single shared *nexadb.Server.
type TCPServer struct {
	cfg     Config
	db      *nexadb.Server
	ln      net.Listener
	wg      sync.WaitGroup
	quit    chan struct{}
	limiter *ConcurrencyLimiter
}

// New returns a TCPServer bound to db but not yet listening.
func New(cfg Config, db *nexadb.Server) *TCPServer {
	return &TCPServer{
		cfg:     cfg,
		db:      db,
		quit:    make(chan struct{}),
		limiter: NewConcurrencyLimiter(cfg.MaxConnections),
	}
}

// Start opens the listener and begins accepting connections in the
// background. It returns once the listener is bound.
func (s *TCPServer) Start() error {
	var ln net.Listener
	var err error
	if s.cfg.TLSConfig != nil {
		ln, err = tls.Listen("tcp", s.cfg.Addr, s.cfg.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", s.cfg.Addr)
	}
	if err != nil {
		return err
	}
	s.ln = ln
	logging.Get().Info("server listening", "addr", s.cfg.Addr, "tls", s.cfg.TLSConfig != nil)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listener's bound address. Useful when Config.Addr asks
// for an ephemeral port (":0"), including in tests.
func (s *TCPServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Stop closes the listener and waits for every in-flight connection to
// finish its current request.
func (s *TCPServer) Stop() error {
	close(s.quit)
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				logging.Get().Warn("accept error", "error", err)
				continue
			}
		}

		if !s.limiter.TryAcquire() {
			wire.WriteMessage(conn, wire.TypeError, wire.ErrorReply{Code: "Busy", Message: "connection limit reached"})
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.limiter.Release()
			s.handleConnection(conn)
		}()
	}
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer conn.Close()
	sess := newSession()
	sess.ID = fmt.Sprintf("conn-%p", conn)

	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		header, err := wire.ReadHeader(conn)
		if err != nil {
			if err != io.EOF {
				logging.Get().Debug("read header failed, closing connection", "session", sess.ID, "error", err)
			}
			return
		}

		if err := s.dispatch(conn, header, sess); err != nil {
			// dispatch already sent an ERROR frame; a non-nil err here
			// means the connection must close (protocol violation or a
			// failed CONNECT). An explicit DISCONNECT returns nil and ends
			// the loop through stateClosed below.
			return
		}
		if sess.state == stateClosed {
			return
		}
	}
}

// withTimeout runs fn, returning a Timeout-shaped error to the caller if it
// doesn't finish within the server's configured per-request timeout,
// without terminating the connection.
func (s *TCPServer) withTimeout(fn func() error) error {
	if s.cfg.RequestTimeout <= 0 {
		return fn()
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errs.ErrTimeout
	}
}
