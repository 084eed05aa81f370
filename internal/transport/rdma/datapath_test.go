package rdma

import (
	"errors"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestSendRecvRoundTrip(t *testing.T) {
	a, b := connectedPeers(t, 4096, 4096)

	require.NoError(t, b.conn.PostReceive(b.buf[:1024]))

	msg := []byte("hello over reliable connection")
	copy(a.buf, msg)

	n, err := a.conn.Send(a.buf[:len(msg)])
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	n, err = b.conn.Recv(nil)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)
	assert.Equal(t, msg, b.buf[:n])
}

func TestSendWaitsForPeerReceive(t *testing.T) {
	a, b := connectedPeers(t, 4096, 4096)

	copy(a.buf, "patience")

	var g errgroup.Group

	g.Go(func() error {
		_, err := a.conn.Send(a.buf[:8])
		return err
	})

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.conn.PostReceive(b.buf))
	require.NoError(t, g.Wait())

	n, err := b.conn.Recv(nil)
	require.NoError(t, err)
	assert.Equal(t, "patience", string(b.buf[:n]))
}

func TestSendRecvBothDirections(t *testing.T) {
	a, b := connectedPeers(t, 256, 256)

	for i := 0; i < 5; i++ {
		sender, receiver := a, b
		if i%2 == 1 {
			sender, receiver = b, a
		}

		require.NoError(t, receiver.conn.PostReceive(receiver.buf[128:]))

		sender.buf[0] = byte(i)
		_, err := sender.conn.Send(sender.buf[:1])
		require.NoError(t, err)

		n, err := receiver.conn.Recv(nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, byte(i), receiver.buf[128])
	}
}

func TestWriteLandsAtOffset(t *testing.T) {
	a, b := connectedPeers(t, 4096, 4096)

	copy(a.buf[10:], "remote-bytes")
	peer := a.conn.Peer()

	err := a.conn.Write(a.buf[10:22], peer.VAddr+128, peer.RKey)
	require.NoError(t, err)
	assert.Equal(t, "remote-bytes", string(b.buf[128:140]))

	copy(a.buf[100:], "again")
	require.NoError(t, a.conn.WriteToPeer(a.buf[100:105], 1000))
	assert.Equal(t, "again", string(b.buf[1000:1005]))
}

func TestReadFromPeer(t *testing.T) {
	a, b := connectedPeers(t, 4096, 4096)

	copy(b.buf[2048:], "pulled by read")

	require.NoError(t, a.conn.ReadFromPeer(a.buf[:14], 2048))
	assert.Equal(t, "pulled by read", string(a.buf[:14]))

	peer := a.conn.Peer()
	require.NoError(t, a.conn.Read(a.buf[20:26], peer.VAddr+2048, peer.RKey))
	assert.Equal(t, "pulled", string(a.buf[20:26]))
}

func TestWriteWithoutRemoteBuffer(t *testing.T) {
	a, _ := connectedPeers(t, 4096, 0)

	assert.False(t, a.conn.Peer().HasRemoteBuffer())

	err := a.conn.WriteToPeer(a.buf[:4], 0)
	require.ErrorIs(t, err, ErrOperation)
	require.ErrorIs(t, err, ErrNoRemoteBuffer)

	err = a.conn.Write(a.buf[:4], 0, 0)
	require.ErrorIs(t, err, ErrNoRemoteBuffer)

	err = a.conn.Read(a.buf[:4], 0x1000, 0)
	require.ErrorIs(t, err, ErrNoRemoteBuffer)

	// Refused before anything was posted.
	assert.Equal(t, int64(0), a.provider.GetMetrics()["rdma_writes"])
	assert.Equal(t, int64(0), a.provider.GetMetrics()["rdma_reads"])
}

func TestPeerBufferBeforeHandshake(t *testing.T) {
	conn, _ := newLocalConn(t)

	err := conn.WriteToPeer([]byte("x"), 0)
	require.ErrorIs(t, err, ErrOperation)
	require.ErrorIs(t, err, ErrHandshakeIncomplete)
}

func TestOperationsRequireRTS(t *testing.T) {
	conn, _ := newLocalConn(t)

	buf := make([]byte, 64)
	_, _, err := conn.AttachBuffer(buf)
	require.NoError(t, err)

	_, err = conn.Send(buf)
	require.ErrorIs(t, err, ErrNotReady)

	err = conn.PostReceive(buf)
	require.ErrorIs(t, err, ErrNotReady)

	_, err = conn.Recv(buf)
	require.ErrorIs(t, err, ErrNotReady)

	err = conn.Write(buf, 0x1000, 1)
	require.ErrorIs(t, err, ErrNotReady)

	err = conn.Read(buf, 0x1000, 1)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestOperationsRequireRegion(t *testing.T) {
	a, _ := connectedPeers(t, 0, 0)

	_, err := a.conn.Send(make([]byte, 4))
	require.ErrorIs(t, err, ErrOperation)
	require.ErrorIs(t, err, ErrNoMemoryRegion)

	err = a.conn.PostReceive(make([]byte, 4))
	require.ErrorIs(t, err, ErrNoMemoryRegion)
}

func TestOperationsRejectForeignBuffers(t *testing.T) {
	a, b := connectedPeers(t, 64, 64)

	_, err := a.conn.Send(make([]byte, 4))
	require.ErrorIs(t, err, ErrOutOfRegion)

	err = a.conn.WriteToPeer(a.buf[:0], 0)
	require.ErrorIs(t, err, ErrInvalidBuffer)

	err = b.conn.PostReceive(a.buf)
	require.ErrorIs(t, err, ErrOutOfRegion)
}

func TestSGELength(t *testing.T) {
	n, err := sgeLength(4096)
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), n)

	if strconv.IntSize < 64 {
		t.Skip("slice lengths stay below 4 GiB on this platform")
	}

	limit := int64(math.MaxUint32)

	n, err = sgeLength(int(limit))
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), n)

	_, err = sgeLength(int(limit + 1))
	require.ErrorIs(t, err, ErrBufferTooLarge)
}

func TestBadCompletionIsReported(t *testing.T) {
	a, _ := connectedPeers(t, 64, 64)

	peer := a.conn.Peer()
	err := a.conn.Write(a.buf[:8], peer.VAddr, peer.RKey+99)
	require.ErrorIs(t, err, ErrOperation)

	var ce *CompletionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, WCRemoteAccessErr, ce.Status)
	assert.Equal(t, WRIDReadWrite, ce.WRID)
	assert.Equal(t, opWrite, ce.Op)
}

func TestInjectedCompletionStatus(t *testing.T) {
	a, b := connectedPeers(t, 64, 64)

	require.NoError(t, b.conn.PostReceive(b.buf))
	a.provider.InjectCompletionStatus(WCRetryExcErr)

	_, err := a.conn.Send(a.buf[:8])

	var ce *CompletionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, WCRetryExcErr, ce.Status)
	assert.Equal(t, WRIDSend, ce.WRID)
}

func TestRecvTimesOut(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
	}{
		{"spin", 0},
		{"sleep", time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := newTestPeers(t, "mlx5_0", "mlx5_1", 64, 64)
			connectPeers(t, a, b)

			a.conn.cfg.PollInterval = tt.interval
			a.conn.cfg.PollTimeout = 30 * time.Millisecond

			_, err := a.conn.Recv(nil)
			require.ErrorIs(t, err, ErrOperation)
			require.ErrorIs(t, err, ErrCompletionTimeout)
		})
	}
}

func TestCompletionsForOtherWaitersAreKept(t *testing.T) {
	a, b := connectedPeers(t, 4096, 4096)

	// b has a receive completion waiting when it starts its own write.
	require.NoError(t, b.conn.PostReceive(b.buf[:64]))
	copy(a.buf, "queued")
	_, err := a.conn.Send(a.buf[:6])
	require.NoError(t, err)

	copy(b.buf[512:], "write")
	require.NoError(t, b.conn.WriteToPeer(b.buf[512:517], 0))
	assert.Equal(t, "write", string(a.buf[:5]))

	n, err := b.conn.Recv(nil)
	require.NoError(t, err)
	assert.Equal(t, "queued", string(b.buf[:n]))
}

func TestClosedConnRefusesOperations(t *testing.T) {
	a, _ := connectedPeers(t, 64, 64)

	require.NoError(t, a.conn.Close())

	_, err := a.conn.Send(a.buf[:1])
	require.ErrorIs(t, err, ErrConnClosed)
	assert.False(t, errors.Is(err, ErrNotReady))
}

func TestCloseDuringBlockedRecv(t *testing.T) {
	a, b := newTestPeers(t, "mlx5_0", "mlx5_1", 64, 64)
	connectPeers(t, a, b)

	a.conn.cfg.PollTimeout = 0
	require.NoError(t, a.conn.PostReceive(a.buf))

	recvErr := make(chan error, 1)

	go func() {
		_, err := a.conn.Recv(nil)
		recvErr <- err
	}()

	// Let Recv take the mutex and start spinning.
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)

	go func() {
		closed <- a.conn.Close()
	}()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while Recv was waiting")
	}

	select {
	case err := <-recvErr:
		require.ErrorIs(t, err, ErrOperation)
		require.ErrorIs(t, err, ErrConnClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
}

func TestStateDoesNotWaitForOperations(t *testing.T) {
	a, b := newTestPeers(t, "mlx5_0", "mlx5_1", 64, 64)
	connectPeers(t, a, b)

	a.conn.cfg.PollTimeout = 0
	require.NoError(t, a.conn.PostReceive(a.buf))

	done := make(chan struct{})

	go func() {
		defer close(done)

		_, _ = a.conn.Recv(nil)
	}()

	time.Sleep(20 * time.Millisecond)

	state := make(chan QPState, 1)
	go func() { state <- a.conn.State() }()

	select {
	case s := <-state:
		assert.Equal(t, QPStateRTS, s)
	case <-time.After(2 * time.Second):
		t.Fatal("State blocked behind Recv")
	}

	require.NoError(t, a.conn.Close())
	<-done
}
