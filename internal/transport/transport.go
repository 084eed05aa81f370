// Package transport defines the point-to-point communicator shared by the
// RDMA connection context (package rdma) and its TCP sibling (package tcp).
package transport

import (
	"errors"
	"fmt"
	"io"
)

// Transport names used in configuration, logs and metric labels.
const (
	NameRDMA = "rdma"
	NameTCP  = "tcp"
)

// ErrUnsupported is returned by transports that cannot perform one-sided
// remote memory access.
var ErrUnsupported = errors.New("operation not supported by transport")

// ErrUnknownTransport is returned by ParseName.
var ErrUnknownTransport = errors.New("unknown transport")

// Communicator moves bytes between two connected peers.
//
// Send and Recv are two-sided. Write and Read are one-sided accesses to the
// peer's registered memory at remoteAddr, authorized by rkey; offsets are
// expressed by slicing local or by adding to remoteAddr.
type Communicator interface {
	Send(p []byte) (int, error)
	Recv(p []byte) (int, error)
	Write(local []byte, remoteAddr uint64, rkey uint32) error
	Read(local []byte, remoteAddr uint64, rkey uint32) error
	Close() error
}

// ReceivePoster is implemented by communicators whose receives must be armed
// before the peer sends. After PostReceive(p), the next Recv reports how
// many bytes landed in p.
type ReceivePoster interface {
	PostReceive(p []byte) error
}

// ParseName validates a transport name.
func ParseName(name string) (string, error) {
	switch name {
	case NameRDMA, NameTCP:
		return name, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownTransport, name)
}

// Receive takes the next arrival into p: one message on a ReceivePoster, or
// whatever a single read yields on a stream transport.
func Receive(c Communicator, p []byte) (int, error) {
	if rp, ok := c.(ReceivePoster); ok {
		if err := rp.PostReceive(p); err != nil {
			return 0, err
		}
	}

	return c.Recv(p)
}

// ReceiveMessage receives one message into p. On a ReceivePoster it arms p
// and returns the size of the message that arrived; on a stream transport it
// reads until p is full.
func ReceiveMessage(c Communicator, p []byte) (int, error) {
	if rp, ok := c.(ReceivePoster); ok {
		if err := rp.PostReceive(p); err != nil {
			return 0, err
		}

		return c.Recv(p)
	}

	got := 0
	for got < len(p) {
		n, err := c.Recv(p[got:])
		got += n

		if err != nil {
			if errors.Is(err, io.EOF) && got > 0 {
				return got, io.ErrUnexpectedEOF
			}

			return got, err
		}

		if n == 0 {
			return got, io.ErrNoProgress
		}
	}

	return got, nil
}
