package rdma

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newLocalConn(t *testing.T) (*Conn, *SimulatedVerbsProvider) {
	t.Helper()

	provider := NewSimulatedVerbsProviderOn(NewSimulatedFabric())
	require.NoError(t, provider.Init())

	conn, err := NewConn(nil, provider, testConfig("mlx5_0"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn, provider
}

func TestAttachBufferTwiceKeepsOneRegion(t *testing.T) {
	conn, provider := newLocalConn(t)

	first := make([]byte, 1024)
	lkey1, rkey1, err := conn.AttachBuffer(first)
	require.NoError(t, err)

	second := make([]byte, 2048)
	lkey2, rkey2, err := conn.AttachBuffer(second)
	require.NoError(t, err)

	assert.NotEqual(t, lkey1, lkey2)
	assert.NotEqual(t, rkey1, rkey2)
	assert.Equal(t, 1, provider.LiveMemoryRegions())

	metrics := provider.GetMetrics()
	assert.Equal(t, int64(2), metrics["mrs_registered"])
	assert.Equal(t, int64(1), metrics["mrs_deregistered"])

	assert.Equal(t, lkey2, conn.LocalKey())
	assert.Equal(t, rkey2, conn.RemoteKey())
	assert.Equal(t, sliceAddr(second), conn.BufferAddress())
	assert.Len(t, conn.Buffer(), 2048)
}

func TestAttachBufferRejectsEmpty(t *testing.T) {
	conn, provider := newLocalConn(t)

	_, _, err := conn.AttachBuffer(nil)
	require.ErrorIs(t, err, ErrRegistration)
	require.ErrorIs(t, err, ErrInvalidBuffer)

	_, _, err = conn.AttachBuffer([]byte{})
	require.ErrorIs(t, err, ErrInvalidBuffer)
	assert.Zero(t, provider.LiveMemoryRegions())
}

func TestAttachBufferFailureLeavesNoRegion(t *testing.T) {
	conn, provider := newLocalConn(t)

	_, _, err := conn.AttachBuffer(make([]byte, 64))
	require.NoError(t, err)

	boom := errors.New("out of pinned memory")
	provider.InjectFailure("RegMR", boom)

	_, _, err = conn.AttachBuffer(make([]byte, 64))
	require.ErrorIs(t, err, ErrRegistration)
	require.ErrorIs(t, err, boom)

	assert.Nil(t, conn.Region())
	assert.Zero(t, provider.LiveMemoryRegions())
	assert.Zero(t, conn.RemoteKey())
}

func TestAllocateBuffer(t *testing.T) {
	conn, provider := newLocalConn(t)

	region, err := conn.AllocateBuffer(8192)
	require.NoError(t, err)

	assert.Len(t, region.Buffer, 8192)
	assert.Equal(t, uint64(8192), region.Length)
	assert.Zero(t, region.Address%uint64(unix.Getpagesize()))
	assert.Same(t, region, conn.Region())

	// The mapping is usable memory.
	region.Buffer[8191] = 0xab
	assert.Equal(t, byte(0xab), conn.Buffer()[8191])

	require.NoError(t, conn.DetachBuffer())
	assert.Nil(t, conn.Region())
	assert.Zero(t, provider.LiveMemoryRegions())

	_, err = conn.AllocateBuffer(0)
	require.ErrorIs(t, err, ErrInvalidBuffer)
}

func TestAllocateBufferFailureUnmaps(t *testing.T) {
	conn, provider := newLocalConn(t)

	provider.InjectFailure("RegMR", ErrMRCreation)

	_, err := conn.AllocateBuffer(4096)
	require.ErrorIs(t, err, ErrRegistration)
	require.ErrorIs(t, err, ErrMRCreation)
	assert.Nil(t, conn.Region())
}

func TestDetachBufferWithoutRegion(t *testing.T) {
	conn, _ := newLocalConn(t)

	require.NoError(t, conn.DetachBuffer())
	require.NoError(t, conn.DetachBuffer())

	assert.Nil(t, conn.Buffer())
	assert.Zero(t, conn.BufferAddress())
	assert.Zero(t, conn.LocalKey())
	assert.Zero(t, conn.RemoteKey())
}

func TestMemoryRegionContains(t *testing.T) {
	conn, _ := newLocalConn(t)

	buf := make([]byte, 256)
	_, _, err := conn.AttachBuffer(buf)
	require.NoError(t, err)

	region := conn.Region()

	assert.True(t, region.Contains(buf))
	assert.True(t, region.Contains(buf[10:20]))
	assert.True(t, region.Contains(buf[255:]))
	assert.False(t, region.Contains(buf[10:10]))
	assert.False(t, region.Contains(make([]byte, 8)))
	assert.False(t, region.Contains(nil))
}
