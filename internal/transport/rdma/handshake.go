package rdma

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/metrics"
)

const psnMask = 0xffffff

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Exchange builds the local handshake record, writes it to the control
// channel and then reads the peer's record. Both sides write first, so the
// exchange cannot deadlock on a full-duplex channel.
//
// A deadline or cancellation on ctx is applied to the control channel when it
// supports deadlines.
func (c *Conn) Exchange(ctx context.Context) (self, peer WireMsg, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		metrics.RecordHandshake(err == nil)
	}()

	if c.closed {
		return WireMsg{}, WireMsg{}, wrap(ErrHandshake, ErrConnClosed, "")
	}

	if err := ctx.Err(); err != nil {
		return WireMsg{}, WireMsg{}, wrap(ErrHandshake, err, "")
	}

	self, err = c.localWireMsg()
	if err != nil {
		return WireMsg{}, WireMsg{}, err
	}

	if d, ok := c.control.(deadliner); ok {
		if deadline, has := ctx.Deadline(); has {
			if err := d.SetDeadline(deadline); err != nil {
				return WireMsg{}, WireMsg{}, wrap(ErrHandshake, err, "set deadline")
			}
		}

		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			defer close(fired)

			_ = d.SetDeadline(time.Now())
		})

		// A cancellation that already started must land before the reset.
		defer func() {
			if !stop() {
				<-fired
			}

			_ = d.SetDeadline(time.Time{})
		}()
	}

	var out [WireMsgSize]byte
	self.put(out[:])

	if err := writeFull(c.control, out[:]); err != nil {
		return WireMsg{}, WireMsg{}, wrap(ErrHandshake, err, "send local record")
	}

	var in [WireMsgSize]byte
	if _, err := io.ReadFull(c.control, in[:]); err != nil {
		return WireMsg{}, WireMsg{}, wrap(ErrHandshake, err, "receive peer record")
	}

	if err := peer.UnmarshalBinary(in[:]); err != nil {
		return WireMsg{}, WireMsg{}, wrap(ErrHandshake, err, "")
	}

	c.local, c.peer, c.shaken = self, peer, true

	log.Debug().
		Str("conn_id", c.id).
		Str("local", self.String()).
		Str("peer", peer.String()).
		Msg("Handshake complete")

	return self, peer, nil
}

// localWireMsg must be called with c.mu held.
func (c *Conn) localWireMsg() (WireMsg, error) {
	gid, err := c.provider.QueryGID(c.ctx, c.cfg.IBPort, c.cfg.GIDIndex)
	if err != nil {
		return WireMsg{}, wrap(ErrHandshake, err, "query GID index %d", c.cfg.GIDIndex)
	}

	port, err := c.provider.QueryPort(c.ctx, c.cfg.IBPort)
	if err != nil {
		return WireMsg{}, wrap(ErrHandshake, err, "query port %d", c.cfg.IBPort)
	}

	msg := WireMsg{
		QPN: c.qpn,
		PSN: rand.Uint32() & psnMask, //nolint:gosec // G404: PSNs need not be unpredictable
		LID: port.LID,
		GID: gid,
	}

	if c.region != nil {
		msg.RKey = c.region.RemoteKey
		msg.VAddr = c.region.Address
	}

	return msg, nil
}

// writeFull retries short writes until p is written or an error occurs.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}

		if n == 0 {
			return io.ErrShortWrite
		}

		p = p[n:]
	}

	return nil
}

// Local returns the record sent during the last successful handshake.
func (c *Conn) Local() WireMsg {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.local
}

// Peer returns the record received during the last successful handshake.
func (c *Conn) Peer() WireMsg {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.peer
}

// peerBuffer must be called with c.mu held.
func (c *Conn) peerBuffer(offset uint64, n int) (uint64, uint32, error) {
	if !c.shaken {
		return 0, 0, ErrHandshakeIncomplete
	}

	if !c.peer.HasRemoteBuffer() {
		return 0, 0, ErrNoRemoteBuffer
	}

	if offset+uint64(n) < offset {
		return 0, 0, fmt.Errorf("%w: offset %d overflows", ErrOutOfRegion, offset)
	}

	return c.peer.VAddr + offset, c.peer.RKey, nil
}
