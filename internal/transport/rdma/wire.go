package rdma

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// WireMsgSize is the encoded size of a WireMsg.
const WireMsgSize = 40

// Field offsets within the encoded record. Bytes 26-27 are alignment padding.
const (
	wireOffQPN   = 0
	wireOffPSN   = 4
	wireOffLID   = 8
	wireOffGID   = 10
	wireOffRKey  = 28
	wireOffVAddr = 32
)

// WireMsg is the record each side sends over the control channel during the
// handshake. It carries everything the peer needs to address this queue pair
// and, optionally, its registered buffer.
type WireMsg struct {
	GID   [16]byte
	VAddr uint64
	QPN   uint32
	PSN   uint32
	RKey  uint32
	LID   uint16
}

// MarshalBinary encodes the record in host byte order.
func (m WireMsg) MarshalBinary() ([]byte, error) {
	buf := make([]byte, WireMsgSize)
	m.put(buf)

	return buf, nil
}

func (m WireMsg) put(buf []byte) {
	binary.NativeEndian.PutUint32(buf[wireOffQPN:], m.QPN)
	binary.NativeEndian.PutUint32(buf[wireOffPSN:], m.PSN)
	binary.NativeEndian.PutUint16(buf[wireOffLID:], m.LID)
	copy(buf[wireOffGID:wireOffGID+16], m.GID[:])
	buf[26], buf[27] = 0, 0
	binary.NativeEndian.PutUint32(buf[wireOffRKey:], m.RKey)
	binary.NativeEndian.PutUint64(buf[wireOffVAddr:], m.VAddr)
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (m *WireMsg) UnmarshalBinary(data []byte) error {
	if len(data) != WireMsgSize {
		return fmt.Errorf("%w: got %d", ErrShortWireMsg, len(data))
	}

	m.QPN = binary.NativeEndian.Uint32(data[wireOffQPN:])
	m.PSN = binary.NativeEndian.Uint32(data[wireOffPSN:])
	m.LID = binary.NativeEndian.Uint16(data[wireOffLID:])
	copy(m.GID[:], data[wireOffGID:wireOffGID+16])
	m.RKey = binary.NativeEndian.Uint32(data[wireOffRKey:])
	m.VAddr = binary.NativeEndian.Uint64(data[wireOffVAddr:])

	return nil
}

// HasRemoteBuffer reports whether the sender advertised a registered buffer.
func (m WireMsg) HasRemoteBuffer() bool {
	return m.RKey != 0 && m.VAddr != 0
}

// UsesGlobalRoute reports whether the sender must be addressed by GID.
func (m WireMsg) UsesGlobalRoute() bool {
	return m.LID == 0
}

func (m WireMsg) String() string {
	return fmt.Sprintf("qpn=0x%06x psn=0x%06x lid=%d gid=%s rkey=0x%x vaddr=0x%x",
		m.QPN, m.PSN, m.LID, netip.AddrFrom16(m.GID), m.RKey, m.VAddr)
}
