// Package tcp is the stream-socket Communicator. It carries the same two-sided
// traffic as the RDMA connection context and refuses one-sided access.
package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/metrics"
	"github.com/piwi3910/rdmalink/internal/transport"
)

const (
	opSend = "send"
	opRecv = "recv"
)

// ErrConnClosed is returned by operations on a closed Conn.
var ErrConnClosed = errors.New("tcp connection closed")

// Conn adapts a connected stream socket. It owns the socket.
type Conn struct {
	conn   net.Conn
	id     string
	mu     sync.Mutex
	closed bool
}

// New takes ownership of conn.
func New(conn net.Conn) *Conn {
	c := &Conn{
		conn: conn,
		id:   uuid.New().String(),
	}

	metrics.RecordConnectionOpened(transport.NameTCP)
	log.Debug().
		Str("conn_id", c.id).
		Str("peer", conn.RemoteAddr().String()).
		Msg("TCP connection opened")

	return c
}

// ID returns the identifier used for this connection in logs.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Send writes all of p.
func (c *Conn) Send(p []byte) (int, error) {
	if c.isClosed() {
		return 0, ErrConnClosed
	}

	start := time.Now()
	n, err := c.conn.Write(p)
	metrics.RecordOperation(transport.NameTCP, opSend, err == nil, time.Since(start), n)

	if err != nil {
		return n, fmt.Errorf("tcp send: %w", err)
	}

	return n, nil
}

// Recv reads whatever is available into p, at most len(p) bytes. It returns
// io.EOF once the peer has closed its side.
func (c *Conn) Recv(p []byte) (int, error) {
	if c.isClosed() {
		return 0, ErrConnClosed
	}

	if len(p) == 0 {
		return 0, nil
	}

	start := time.Now()
	n, err := c.conn.Read(p)
	metrics.RecordOperation(transport.NameTCP, opRecv, err == nil, time.Since(start), n)

	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, io.EOF
		}

		return n, fmt.Errorf("tcp recv: %w", err)
	}

	return n, nil
}

// Write is not available on a stream socket.
func (c *Conn) Write(_ []byte, _ uint64, _ uint32) error {
	return fmt.Errorf("tcp write: %w", transport.ErrUnsupported)
}

// Read is not available on a stream socket.
func (c *Conn) Read(_ []byte, _ uint64, _ uint32) error {
	return fmt.Errorf("tcp read: %w", transport.ErrUnsupported)
}

// SetDeadline bounds pending and future Send and Recv calls.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Close closes the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	metrics.RecordConnectionClosed(transport.NameTCP)

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("tcp close: %w", err)
	}

	log.Debug().Str("conn_id", c.id).Msg("TCP connection closed")

	return nil
}
