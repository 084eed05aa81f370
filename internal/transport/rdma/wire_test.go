package rdma

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleWireMsg() WireMsg {
	return WireMsg{
		QPN:   0x000123,
		PSN:   0xabcdef,
		LID:   7,
		GID:   [16]byte{0xfe, 0x80, 15: 0x01},
		RKey:  0xdeadbeef,
		VAddr: 0x7f0000001000,
	}
}

func TestWireMsgLayout(t *testing.T) {
	msg := sampleWireMsg()

	data, err := msg.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, WireMsgSize)
	assert.Equal(t, 40, WireMsgSize)

	assert.Equal(t, uint32(0x000123), binary.NativeEndian.Uint32(data[0:]))
	assert.Equal(t, uint32(0xabcdef), binary.NativeEndian.Uint32(data[4:]))
	assert.Equal(t, uint16(7), binary.NativeEndian.Uint16(data[8:]))
	assert.Equal(t, msg.GID[:], data[10:26])
	assert.Equal(t, []byte{0, 0}, data[26:28])
	assert.Equal(t, uint32(0xdeadbeef), binary.NativeEndian.Uint32(data[28:]))
	assert.Equal(t, uint64(0x7f0000001000), binary.NativeEndian.Uint64(data[32:]))
}

func TestWireMsgDecode(t *testing.T) {
	msg := sampleWireMsg()

	data, err := msg.MarshalBinary()
	require.NoError(t, err)

	// Padding is ignored on the way in.
	data[26], data[27] = 0xff, 0xff

	var got WireMsg
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, msg, got)
}

func TestWireMsgDecodeWrongSize(t *testing.T) {
	var msg WireMsg

	for _, n := range []int{0, 10, 39, 41} {
		err := msg.UnmarshalBinary(make([]byte, n))
		assert.ErrorIs(t, err, ErrShortWireMsg, "size %d", n)
	}
}

func TestWireMsgRemoteBuffer(t *testing.T) {
	tests := []struct {
		name  string
		rkey  uint32
		vaddr uint64
		want  bool
	}{
		{"both set", 1, 0x1000, true},
		{"no region", 0, 0, false},
		{"rkey only", 1, 0, false},
		{"vaddr only", 0, 0x1000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := WireMsg{RKey: tt.rkey, VAddr: tt.vaddr}
			assert.Equal(t, tt.want, msg.HasRemoteBuffer())
		})
	}
}

func TestWireMsgString(t *testing.T) {
	s := sampleWireMsg().String()

	assert.Contains(t, s, "qpn=0x000123")
	assert.Contains(t, s, "gid=fe80::1")
	assert.Contains(t, s, "rkey=0xdeadbeef")
}
