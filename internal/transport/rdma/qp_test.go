package rdma

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitAttr(t *testing.T) {
	attr, mask := initAttr(DefaultConfig())

	assert.Equal(t, QPStateInit, attr.State)
	assert.Equal(t, uint8(1), attr.PortNum)
	assert.Zero(t, attr.PKeyIndex)
	assert.Equal(t, MRAccessLocalWrite|MRAccessRemoteWrite|MRAccessRemoteRead, attr.QPAccessFlags)
	assert.Equal(t, QPAttrState|QPAttrPKeyIndex|QPAttrPort|QPAttrAccessFlags, mask)
}

func TestRTRAttrRoutedByLID(t *testing.T) {
	peer := WireMsg{QPN: 0x42, PSN: 0x1234, LID: 5, GID: [16]byte{0xfe, 0x80, 15: 9}}

	attr, mask := rtrAttr(DefaultConfig(), peer)

	assert.Equal(t, QPStateRTR, attr.State)
	assert.Zero(t, attr.Path.IsGlobal)
	assert.Equal(t, uint16(5), attr.Path.DLID)
	assert.Zero(t, attr.Path.GRH)
	assert.Equal(t, uint32(0x42), attr.DestQPN)
	assert.Equal(t, uint32(0x1234), attr.RQPsn)
	assert.Equal(t, MTU1024, attr.PathMTU)
	assert.Equal(t, uint8(1), attr.MaxDestRdAtomic)
	assert.Equal(t, uint8(12), attr.MinRnrTimer)
	assert.Zero(t, attr.Path.SL)
	assert.Zero(t, attr.Path.SrcPathBits)
	assert.Equal(t, uint8(1), attr.Path.PortNum)
	assert.NotZero(t, mask&QPAttrAV)
	assert.NotZero(t, mask&QPAttrDestQPN)
	assert.NotZero(t, mask&QPAttrRQPsn)
}

func TestRTRAttrRoutedByGID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GIDIndex = 3

	gid := [16]byte{0xfe, 0x80, 15: 0x33}
	attr, _ := rtrAttr(cfg, WireMsg{QPN: 7, LID: 0, GID: gid})

	assert.Equal(t, uint8(1), attr.Path.IsGlobal)
	assert.Zero(t, attr.Path.DLID)
	assert.Equal(t, gid, attr.Path.GRH.DGID)
	assert.Equal(t, uint8(1), attr.Path.GRH.HopLimit)
	// The source GID index is ours, never the peer's.
	assert.Equal(t, uint8(3), attr.Path.GRH.SGIDIndex)
}

func TestRTSAttr(t *testing.T) {
	attr, mask := rtsAttr(DefaultConfig(), WireMsg{PSN: 0xbeef})

	assert.Equal(t, QPStateRTS, attr.State)
	assert.Equal(t, uint32(0xbeef), attr.SQPsn)
	assert.Equal(t, uint8(14), attr.Timeout)
	assert.Equal(t, uint8(7), attr.RetryCnt)
	assert.Equal(t, uint8(7), attr.RnrRetry)
	assert.Equal(t, uint8(1), attr.MaxRdAtomic)
	assert.Equal(t, QPAttrState|QPAttrTimeout|QPAttrRetryCnt|QPAttrRnrRetry|QPAttrSQPsn|QPAttrMaxQPRdAtomic, mask)
}

func TestTransitionOutOfOrder(t *testing.T) {
	conn, provider := newLocalConn(t)

	tests := []struct {
		name string
		run  func() error
	}{
		{"RTR from RESET", func() error { return conn.ToRTR(WireMsg{LID: 1}) }},
		{"RTS from RESET", func() error { return conn.ToRTS(WireMsg{}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.ErrorIs(t, err, ErrStateTransition)
			require.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, QPStateReset, conn.State())
		})
	}

	// Rejected before reaching the provider.
	assert.Equal(t, int64(0), provider.GetMetrics()["qp_modifications"])

	require.NoError(t, conn.ToInit())

	err := conn.ToInit()
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, QPStateInit, conn.State())
}

func TestTransitionRejectedMakesQPUnusable(t *testing.T) {
	conn, provider := newLocalConn(t)

	boom := errors.New("firmware says no")
	provider.InjectFailure("ModifyQP", boom)

	err := conn.ToInit()
	require.ErrorIs(t, err, ErrStateTransition)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, qpStateUnusable, conn.State())

	err = conn.ToInit()
	require.ErrorIs(t, err, ErrQPUnusable)

	err = conn.ToRTR(WireMsg{LID: 1})
	require.ErrorIs(t, err, ErrQPUnusable)

	_, err = conn.Send([]byte("x"))
	require.ErrorIs(t, err, ErrOperation)
	require.ErrorIs(t, err, ErrQPUnusable)
}

func TestConnectInfiniBand(t *testing.T) {
	a, b := connectedPeers(t, 0, 0)

	assert.Equal(t, QPStateRTS, a.conn.State())
	assert.Equal(t, QPStateRTS, b.conn.State())

	attr, err := a.provider.QueryQP(a.conn.qp)
	require.NoError(t, err)
	assert.Zero(t, attr.Path.IsGlobal)
	assert.Equal(t, uint16(2), attr.Path.DLID)
	assert.Equal(t, b.conn.QPN(), attr.DestQPN)
	assert.Equal(t, b.conn.Local().PSN, attr.RQPsn)
	assert.Equal(t, a.conn.Local().PSN, attr.SQPsn)
}

func TestConnectRoCE(t *testing.T) {
	a, b := newTestPeers(t, "rxe0", "rxe0", 0, 0)
	connectPeers(t, a, b)

	attr, err := a.provider.QueryQP(a.conn.qp)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), attr.Path.IsGlobal)
	assert.Equal(t, b.conn.Local().GID, attr.Path.GRH.DGID)
	assert.Equal(t, QPStateRTS, b.conn.State())
}
