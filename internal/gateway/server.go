package gateway

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"

	"torrentstream/internal/metrics"
)

// Server owns the listener, the connection manager, and the shared
// RequestHandler. Config mirrors spec.md §4.I's
// new(bind_addr, port, doc_root, resolve_cb, read_cb): DocRoot is accepted
// for API compatibility but unused by the core logic, since files are
// fetched entirely through the Producer.
type Server struct {
	Addr     string
	Port     int
	DocRoot  string
	Producer Producer
	Logger   *slog.Logger

	ln      net.Listener
	manager *ConnectionManager
	handler *RequestHandler
	nextID  atomic.Uint64
}

// Listen resolves the endpoint and opens a listener with address reuse
// semantics (Go's net package enables SO_REUSEADDR for TCP listeners by
// default), ready for Serve.
func (s *Server) Listen() error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.manager = NewConnectionManager()
	s.handler = &RequestHandler{Producer: s.Producer}

	addr := net.JoinHostPort(s.Addr, strconv.Itoa(s.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed. It wraps each accepted socket in a fresh Connection and hands it
// to the ConnectionManager, which runs it on its own goroutine — the
// idiomatic Go stand-in for the original's single-threaded async-accept
// reactor loop. Cancelling ctx (wired to SIGINT/SIGTERM/SIGQUIT by the
// caller, per spec.md §6) triggers Stop.
func (s *Server) Serve(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()
	defer close(done)

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		metrics.ConnectionsAcceptedTotal.Inc()
		id := strconv.FormatUint(s.nextID.Add(1), 10)
		c := newConnection(id, conn, s.handler, s.Logger, nil)
		s.manager.Start(c)
	}
}

// Stop closes the listener and stops every live connection. Idempotent:
// closing an already-closed listener is harmless, and StopAll is
// idempotent per connection.
func (s *Server) Stop() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.manager != nil {
		s.manager.StopAll()
	}
}

// LiveConnections reports the number of connections the manager currently
// considers live. Exposed for metrics/health wiring.
func (s *Server) LiveConnections() int {
	if s.manager == nil {
		return 0
	}
	return s.manager.Count()
}
