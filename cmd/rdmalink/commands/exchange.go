package commands

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/piwi3910/rdmalink/internal/transport"
)

// Message exchange modes.
const (
	modeWrite    = "write"
	modeSendRecv = "sendrecv"
)

const (
	// noticeSize is the tail of the buffer reserved for the write notice.
	noticeSize   = 32
	noticePrefix = "WROTE "

	defaultMessageSize = 4096
	defaultMessage     = "Hello from rdmalink."
	confirmation       = "Message received successfully."
)

var (
	errUnknownMode     = errors.New("unknown mode")
	errMessageTooLarge = errors.New("message does not fit the buffer")
	errBadNotice       = errors.New("malformed write notice")
)

func parseMode(mode, transportName string) error {
	switch mode {
	case modeSendRecv:
		return nil
	case modeWrite:
		if transportName != transport.NameRDMA {
			return fmt.Errorf("%s mode over %s: %w", mode, transportName, transport.ErrUnsupported)
		}

		return nil
	}

	return fmt.Errorf("%w: %q", errUnknownMode, mode)
}

// payload is the part of the buffer a message may occupy.
func (p *peer) payload() []byte {
	return p.buf[:len(p.buf)-noticeSize]
}

func (p *peer) notice() []byte {
	return p.buf[len(p.buf)-noticeSize:]
}

// serveMessage waits for one message from the client and returns it.
func (p *peer) serveMessage(mode string) (string, error) {
	if mode == modeWrite {
		return p.awaitWrite()
	}

	n, err := transport.Receive(p.comm, p.payload())
	if err != nil {
		return "", fmt.Errorf("receive message: %w", err)
	}

	msg := string(p.buf[:n])

	copy(p.buf, confirmation)

	if _, err := p.comm.Send(p.buf[:len(confirmation)]); err != nil {
		return "", fmt.Errorf("send confirmation: %w", err)
	}

	return msg, nil
}

// awaitWrite waits for the client's notice that its RDMA WRITE landed and
// returns the written bytes.
func (p *peer) awaitWrite() (string, error) {
	n, err := transport.Receive(p.comm, p.notice())
	if err != nil {
		return "", fmt.Errorf("receive write notice: %w", err)
	}

	text, ok := strings.CutPrefix(string(p.notice()[:n]), noticePrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", errBadNotice, p.notice()[:n])
	}

	size, err := strconv.Atoi(text)
	if err != nil || size < 0 || size > len(p.payload()) {
		return "", fmt.Errorf("%w: %q", errBadNotice, text)
	}

	return string(p.buf[:size]), nil
}

// sendMessage delivers msg to the server and returns its reply. In write
// mode there is no reply; the message is placed directly into the server's
// buffer and announced with a notice.
func (p *peer) sendMessage(mode, msg string) (string, error) {
	if len(msg) == 0 || len(msg) > len(p.payload()) {
		return "", fmt.Errorf("%w: %d bytes, room for %d", errMessageTooLarge, len(msg), len(p.payload()))
	}

	n := copy(p.buf, msg)

	if mode == modeWrite {
		if err := p.rdma.WriteToPeer(p.buf[:n], 0); err != nil {
			return "", err
		}

		notice := p.notice()
		clear(notice)
		m := copy(notice, noticePrefix+strconv.Itoa(n))

		if _, err := p.comm.Send(notice[:m]); err != nil {
			return "", fmt.Errorf("send write notice: %w", err)
		}

		return "", nil
	}

	if _, err := p.comm.Send(p.buf[:n]); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	m, err := transport.Receive(p.comm, p.payload())
	if err != nil {
		return "", fmt.Errorf("receive confirmation: %w", err)
	}

	return string(bytes.TrimRight(p.buf[:m], "\x00")), nil
}
