package gateway

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"torrentstream/internal/metrics"
)

// scratchBufferSize is the fixed per-connection I/O buffer: every body
// chunk is drawn from the same 512 KiB scratch buffer (spec.md §4.G), so a
// write must complete before the buffer is reused. The response header
// block is serialised by Reply.ToBuffers into a slice of its own.
const scratchBufferSize = 512 * 1024

// producerRetryInterval is the policy constant for how long the
// connection waits after the producer reports "no data ready yet" before
// retrying the read. Spec.md §9 calls this a policy, not a contract.
const producerRetryInterval = 1 * time.Second

type connState int

const (
	connReading connState = iota
	connHandling
	connWritingHeader
	connStreamingBody
	connWaitingProducer
	connClosing
)

var connStateNames = [...]string{
	"reading", "handling", "writing_header", "streaming_body",
	"waiting_producer", "closing",
}

func (s connState) String() string {
	if int(s) < len(connStateNames) {
		return connStateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Connection owns one accepted socket and drives it through the
// read -> parse -> handle -> write-header -> stream-body lifecycle
// described in spec.md §4.G. A goroutine per Connection stands in for the
// original's single thread pinned to that connection: since nothing else
// ever touches this Connection's state, the pinning requirement is
// satisfied for free.
type Connection struct {
	id      string
	conn    net.Conn
	handler *RequestHandler
	logger  *slog.Logger

	scratch [scratchBufferSize]byte

	mu      sync.Mutex
	state   connState
	aborted bool
	abortCh chan struct{}

	onDone func(*Connection)
}

// newConnection wraps an accepted socket. onDone is invoked exactly once,
// from the connection's own goroutine, when it is no longer live — the
// ConnectionManager uses it to drop its reference.
func newConnection(id string, conn net.Conn, handler *RequestHandler, logger *slog.Logger, onDone func(*Connection)) *Connection {
	return &Connection{
		id:      id,
		conn:    conn,
		handler: handler,
		logger:  logger,
		state:   connReading,
		abortCh: make(chan struct{}),
		onDone:  onDone,
	}
}

func (c *Connection) transitionTo(s connState) {
	c.mu.Lock()
	from := c.state
	c.state = s
	c.mu.Unlock()
	metrics.ConnStateTransitionsTotal.WithLabelValues(from.String(), s.String()).Inc()
}

// Stop sets the abort flag, unblocks any in-progress producer-retry wait,
// and closes the socket. It is idempotent, and safe to call concurrently
// with the connection's own goroutine (it is the only method that is).
func (c *Connection) Stop() {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return
	}
	c.aborted = true
	c.mu.Unlock()
	close(c.abortCh)
	_ = c.conn.Close()
}

func (c *Connection) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// Start runs the connection's full lifecycle to completion on the calling
// goroutine. It returns once the socket has been closed, either because
// the peer/connection requested close, an unrecoverable error occurred, or
// Stop was called.
func (c *Connection) Start() {
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()
	defer func() {
		_ = c.conn.Close()
		if c.onDone != nil {
			c.onDone(c)
		}
	}()

	reader := bufio.NewReaderSize(c.conn, scratchBufferSize)

	for {
		if c.isAborted() {
			return
		}

		c.transitionTo(connReading)
		req, ok := c.readRequest(reader)
		if !ok {
			return
		}

		c.transitionTo(connHandling)
		reply := c.handler.Handle(req)

		c.transitionTo(connWritingHeader)
		if !c.writeHeader(&reply) {
			return
		}
		metrics.RequestsByStatusTotal.WithLabelValues(fmt.Sprintf("%d", int(reply.Status))).Inc()

		if reply.Status == StatusBadRequest {
			c.transitionTo(connClosing)
			return
		}

		c.transitionTo(connStreamingBody)
		if !c.streamBody(req) {
			return
		}

		if !req.KeepAlive {
			c.transitionTo(connClosing)
			return
		}
	}
}

// readRequest feeds bytes from r to a fresh parser until Done or Bad. On
// Bad (or a read error), it attempts to flush a stock 400 and returns
// false so the caller tears the connection down.
func (c *Connection) readRequest(r *bufio.Reader) (*Request, bool) {
	parser := NewRequestParser()
	req := &Request{}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, false
		}

		result, _ := parser.Parse(req, []byte{b})
		switch result {
		case Done:
			return req, true
		case Bad:
			reply := stockReply(StatusBadRequest)
			c.writeHeader(&reply)
			metrics.ParserBadRequestsTotal.Inc()
			return nil, false
		case NeedMore:
			continue
		}
	}
}

// writeHeader serialises reply's status line and headers with
// Reply.ToBuffers and writes them in one burst, followed by the stock body
// for error replies.
func (c *Connection) writeHeader(reply *Reply) bool {
	buf := reply.ToBuffers()
	if _, err := c.conn.Write(buf); err != nil {
		return false
	}
	if reply.Content != "" {
		if _, err := c.conn.Write([]byte(reply.Content)); err != nil {
			return false
		}
	}
	return true
}

// streamBody runs the producer-read -> socket-write body loop until
// req.Offset reaches req.BodySize (the end sentinel). It returns false if
// the connection must be torn down (producer error or socket error).
func (c *Connection) streamBody(req *Request) bool {
	for req.Offset < req.BodySize {
		if c.isAborted() {
			return false
		}

		remaining := req.BodySize - req.Offset
		chunk := int64(scratchBufferSize)
		if remaining < chunk {
			chunk = remaining
		}

		n, ok := c.handler.Producer.Read(req.VideoIndex, req.Offset, c.scratch[:chunk])
		if !ok {
			return false
		}

		if n == 0 {
			metrics.ProducerBackpressureTotal.WithLabelValues(c.handler.Producer.Name()).Inc()
			c.transitionTo(connWaitingProducer)
			timer := time.NewTimer(producerRetryInterval)
			select {
			case <-timer.C:
			case <-c.abortCh:
				timer.Stop()
				return false
			}
			c.transitionTo(connStreamingBody)
			continue
		}

		if _, err := c.conn.Write(c.scratch[:n]); err != nil {
			return false
		}
		metrics.BytesStreamedTotal.Add(float64(n))
		req.Offset += int64(n)
	}
	return true
}
