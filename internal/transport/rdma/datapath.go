package rdma

import (
	"math"
	"runtime"
	"time"

	"github.com/piwi3910/rdmalink/internal/metrics"
)

// Work request tags. Completions are matched to their waiter by tag.
const (
	WRIDReadWrite uint64 = 1
	WRIDRecv      uint64 = 2
	WRIDSend      uint64 = 3
)

// Operation names used in errors and metrics.
const (
	opSend  = "send"
	opRecv  = "recv"
	opPost  = "post_recv"
	opWrite = "write"
	opRead  = "read"
)

// Send transmits p, which must lie inside the registered region, to the
// peer's next posted receive and waits for the send completion.
func (c *Conn) Send(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()

	err := c.post(opSend, p, func(sge VerbsSGE) error {
		return c.provider.PostSend(c.qp, &VerbsSendWR{
			SGList:    []VerbsSGE{sge},
			WRID:      WRIDSend,
			Opcode:    WROpSend,
			SendFlags: SendFlagSignaled,
		})
	})
	if err == nil {
		_, err = c.await(opSend, WRIDSend)
	}

	metrics.RecordOperation(transportName, opSend, err == nil, time.Since(start), len(p))

	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// PostReceive arms a receive into p, which must lie inside the registered
// region. It must be posted before the peer sends.
func (c *Conn) PostReceive(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.post(opPost, p, func(sge VerbsSGE) error {
		return c.provider.PostRecv(c.qp, &VerbsRecvWR{
			SGList: []VerbsSGE{sge},
			WRID:   WRIDRecv,
		})
	})
}

// Recv waits for the next receive completion and returns the number of
// bytes that landed in the buffer given to PostReceive. p is not used; the
// data is already in the posted buffer.
func (c *Conn) Recv(_ []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()

	if err := c.ready(opRecv); err != nil {
		return 0, err
	}

	wc, err := c.await(opRecv, WRIDRecv)
	metrics.RecordOperation(transportName, opRecv, err == nil, time.Since(start), int(wc.ByteLen))

	if err != nil {
		return 0, err
	}

	return int(wc.ByteLen), nil
}

// Write copies local into the peer's memory at remoteAddr with an RDMA WRITE.
func (c *Conn) Write(local []byte, remoteAddr uint64, rkey uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rdma(opWrite, WROpRDMAWrite, local, remoteAddr, rkey)
}

// Read fills local from the peer's memory at remoteAddr with an RDMA READ.
func (c *Conn) Read(local []byte, remoteAddr uint64, rkey uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rdma(opRead, WROpRDMARead, local, remoteAddr, rkey)
}

// WriteToPeer writes local at offset into the buffer the peer advertised
// during the handshake.
func (c *Conn) WriteToPeer(local []byte, offset uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr, rkey, err := c.peerBuffer(offset, len(local))
	if err != nil {
		return wrap(ErrOperation, err, "%s", opWrite)
	}

	return c.rdma(opWrite, WROpRDMAWrite, local, addr, rkey)
}

// ReadFromPeer reads from offset in the buffer the peer advertised during
// the handshake.
func (c *Conn) ReadFromPeer(local []byte, offset uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr, rkey, err := c.peerBuffer(offset, len(local))
	if err != nil {
		return wrap(ErrOperation, err, "%s", opRead)
	}

	return c.rdma(opRead, WROpRDMARead, local, addr, rkey)
}

// rdma must be called with c.mu held.
func (c *Conn) rdma(op string, opcode WROpcode, local []byte, remoteAddr uint64, rkey uint32) error {
	start := time.Now()

	if rkey == 0 || remoteAddr == 0 {
		return wrap(ErrOperation, ErrNoRemoteBuffer, "%s", op)
	}

	err := c.post(op, local, func(sge VerbsSGE) error {
		return c.provider.PostSend(c.qp, &VerbsSendWR{
			SGList:     []VerbsSGE{sge},
			WRID:       WRIDReadWrite,
			Opcode:     opcode,
			SendFlags:  SendFlagSignaled,
			RemoteAddr: remoteAddr,
			RKey:       rkey,
		})
	})
	if err == nil {
		_, err = c.await(op, WRIDReadWrite)
	}

	metrics.RecordOperation(transportName, op, err == nil, time.Since(start), len(local))

	return err
}

// ready must be called with c.mu held.
func (c *Conn) ready(op string) error {
	switch {
	case c.closed || c.closing.Load():
		return wrap(ErrOperation, ErrConnClosed, "%s", op)
	case c.state == qpStateUnusable:
		return wrap(ErrOperation, ErrQPUnusable, "%s", op)
	case c.state != QPStateRTS:
		return wrap(ErrOperation, ErrNotReady, "%s in state %s", op, c.state)
	}

	return nil
}

// post validates p against the region and hands its scatter/gather entry to
// submit. Must be called with c.mu held.
func (c *Conn) post(op string, p []byte, submit func(VerbsSGE) error) error {
	if err := c.ready(op); err != nil {
		return err
	}

	if c.region == nil {
		return wrap(ErrOperation, ErrNoMemoryRegion, "%s", op)
	}

	if len(p) == 0 {
		return wrap(ErrOperation, ErrInvalidBuffer, "%s", op)
	}

	length, err := sgeLength(len(p))
	if err != nil {
		return wrap(ErrOperation, err, "%s", op)
	}

	if !c.region.Contains(p) {
		return wrap(ErrOperation, ErrOutOfRegion, "%s of %d bytes", op, len(p))
	}

	sge := VerbsSGE{
		Addr:   sliceAddr(p),
		Length: length,
		LKey:   c.region.LocalKey,
	}

	if err := submit(sge); err != nil {
		return wrap(ErrOperation, err, "%s", op)
	}

	return nil
}

// sgeLength converts a buffer length to the 32-bit length of one
// scatter/gather entry.
func sgeLength(n int) (uint32, error) {
	if uint64(n) > math.MaxUint32 { //nolint:gosec // G115: n is a slice length
		return 0, ErrBufferTooLarge
	}

	return uint32(n), nil //nolint:gosec // G115: checked above
}

// await spin-polls the completion queue until the completion tagged wrid
// arrives. Completions for other tags are kept for their own waiters.
// Must be called with c.mu held.
func (c *Conn) await(op string, wrid uint64) (VerbsWorkCompletion, error) {
	policy := c.cfg.SpinPolicy()
	start := time.Now()
	empty := 0

	for {
		if c.closing.Load() {
			metrics.RecordCompletionPolls(empty, false)
			return VerbsWorkCompletion{}, wrap(ErrOperation, ErrConnClosed, "%s", op)
		}

		if wc, ok := c.takeStashed(wrid); ok {
			metrics.RecordCompletionPolls(empty, true)
			return wc, completionErr(op, wc)
		}

		wcs, err := c.provider.PollCQ(c.cq, 1)
		if err != nil {
			metrics.RecordCompletionPolls(empty, false)
			return VerbsWorkCompletion{}, wrap(ErrOperation, err, "%s", op)
		}

		if len(wcs) > 0 {
			c.stash = append(c.stash, wcs...)
			continue
		}

		empty++

		if policy.Timeout > 0 && time.Since(start) > policy.Timeout {
			metrics.RecordCompletionPolls(empty, false)
			return VerbsWorkCompletion{}, wrap(ErrOperation, ErrCompletionTimeout, "%s after %s", op, policy.Timeout)
		}

		if policy.Interval > 0 {
			time.Sleep(policy.Interval)
		} else {
			runtime.Gosched()
		}
	}
}

func (c *Conn) takeStashed(wrid uint64) (VerbsWorkCompletion, bool) {
	for i, wc := range c.stash {
		if wc.WRID == wrid {
			c.stash = append(c.stash[:i], c.stash[i+1:]...)
			return wc, true
		}
	}

	return VerbsWorkCompletion{}, false
}

func completionErr(op string, wc VerbsWorkCompletion) error {
	if wc.Status == WCSuccess {
		return nil
	}

	return wrap(ErrOperation, &CompletionError{
		Op:        op,
		WRID:      wc.WRID,
		Status:    wc.Status,
		VendorErr: wc.VendorErr,
	}, "")
}
