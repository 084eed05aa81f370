// Package rdma provides the RDMA side of rdmalink: the verbs provider layer,
// the connection context with its queue pair state machine, registered
// memory, the out-of-band handshake and the completion-driven data path.
//
// This file defines the interface between the connection context and the
// underlying RDMA hardware. It provides:
// - Hardware abstraction for different verbs implementations
// - CGo bindings for libibverbs (when built with hardware support)
// - A simulated in-process fabric for development and testing
//
// Build Tags:
// - Default: Uses the simulated provider (no hardware required)
// - rdma_hw: Uses actual libibverbs bindings (requires RDMA hardware)
//
// To build with hardware support:
//
//	go build -tags rdma_hw ./...
package rdma

import (
	"errors"
)

// Verbs errors.
var (
	ErrVerbsNotInitialized = errors.New("verbs not initialized")
	ErrDeviceNotFound      = errors.New("RDMA device not found")
	ErrContextCreation     = errors.New("failed to create device context")
	ErrPortQuery           = errors.New("failed to query port")
	ErrGIDQuery            = errors.New("failed to query GID")
	ErrPDCreation          = errors.New("failed to create protection domain")
	ErrCQCreation          = errors.New("failed to create completion queue")
	ErrQPCreation          = errors.New("failed to create queue pair")
	ErrMRCreation          = errors.New("failed to create memory region")
	ErrPostSend            = errors.New("failed to post send request")
	ErrPostRecv            = errors.New("failed to post receive request")
	ErrPollCQ              = errors.New("failed to poll completion queue")
	ErrModifyQP            = errors.New("failed to modify queue pair state")
	ErrInvalidHandle       = errors.New("invalid verbs handle")
)

// VerbsProvider defines the interface for RDMA verbs operations.
// This abstraction allows switching between simulated and hardware providers.
type VerbsProvider interface {
	// Initialization
	Init() error
	Close() error

	// Device Management
	GetDeviceList() ([]VerbsDeviceInfo, error)
	OpenDevice(name string) (VerbsContext, error)
	CloseDevice(ctx VerbsContext) error
	QueryPort(ctx VerbsContext, port uint8) (*VerbsPortAttr, error)
	QueryGID(ctx VerbsContext, port uint8, index int) ([16]byte, error)

	// Protection Domain
	AllocPD(ctx VerbsContext) (VerbsPD, error)
	DeallocPD(pd VerbsPD) error

	// Completion Queue
	CreateCQ(ctx VerbsContext, cqe int) (VerbsCQ, error)
	DestroyCQ(cq VerbsCQ) error
	PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error)

	// Queue Pair
	CreateQP(pd VerbsPD, init *VerbsQPInitAttr) (VerbsQP, uint32, error)
	DestroyQP(qp VerbsQP) error
	ModifyQP(qp VerbsQP, attr *VerbsQPAttr, mask QPAttrMask) error
	QueryQP(qp VerbsQP) (*VerbsQPAttr, error)

	// Memory Registration
	RegMR(pd VerbsPD, buf []byte, access int) (*VerbsMRInfo, error)
	DeregMR(mr VerbsMR) error

	// Work Requests
	PostSend(qp VerbsQP, wr *VerbsSendWR) error
	PostRecv(qp VerbsQP, wr *VerbsRecvWR) error

	// Metrics
	GetMetrics() map[string]interface{}
}

// Handle types for verbs objects.
type VerbsContext uintptr
type VerbsPD uintptr
type VerbsCQ uintptr
type VerbsQP uintptr
type VerbsMR uintptr

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC QPType = 2 // Reliable Connection (IBV_QPT_RC)
)

// QPState is the verbs queue pair state.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateErr
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateSQD:
		return "SQD"
	case QPStateSQE:
		return "SQE"
	case QPStateErr:
		return "ERR"
	case qpStateUnusable:
		return "UNUSABLE"
	default:
		return "UNKNOWN"
	}
}

// QPAttrMask selects which VerbsQPAttr fields a ModifyQP call applies.
type QPAttrMask int

const (
	QPAttrState           QPAttrMask = 1 << 0
	QPAttrCurState        QPAttrMask = 1 << 1
	QPAttrAccessFlags     QPAttrMask = 1 << 3
	QPAttrPKeyIndex       QPAttrMask = 1 << 4
	QPAttrPort            QPAttrMask = 1 << 5
	QPAttrAV              QPAttrMask = 1 << 7
	QPAttrPathMTU         QPAttrMask = 1 << 8
	QPAttrTimeout         QPAttrMask = 1 << 9
	QPAttrRetryCnt        QPAttrMask = 1 << 10
	QPAttrRnrRetry        QPAttrMask = 1 << 11
	QPAttrRQPsn           QPAttrMask = 1 << 12
	QPAttrMaxQPRdAtomic   QPAttrMask = 1 << 13
	QPAttrMinRnrTimer     QPAttrMask = 1 << 15
	QPAttrSQPsn           QPAttrMask = 1 << 16
	QPAttrMaxDestRdAtomic QPAttrMask = 1 << 17
	QPAttrDestQPN         QPAttrMask = 1 << 20
)

// Memory region access flags.
const (
	MRAccessLocalWrite   = 1 << 0
	MRAccessRemoteWrite  = 1 << 1
	MRAccessRemoteRead   = 1 << 2
	MRAccessRemoteAtomic = 1 << 3
)

// Path MTU enumeration as understood by the provider.
type PathMTU int

const (
	MTU256 PathMTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// MTUFromBytes maps a byte count to the provider MTU enumeration.
func MTUFromBytes(n int) (PathMTU, bool) {
	switch n {
	case 256:
		return MTU256, true
	case 512:
		return MTU512, true
	case 1024:
		return MTU1024, true
	case 2048:
		return MTU2048, true
	case 4096:
		return MTU4096, true
	}

	return 0, false
}

// Bytes returns the MTU size in bytes.
func (m PathMTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}

	return 128 << int(m)
}

// Work request opcodes.
type WROpcode int

const (
	WROpRDMAWrite WROpcode = iota
	WROpRDMAWriteWithImm
	WROpSend
	WROpSendWithImm
	WROpRDMARead
)

// Send flags.
const (
	SendFlagFence    = 1 << 0
	SendFlagSignaled = 1 << 1
	SendFlagInline   = 1 << 3
)

// Work completion status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalEECOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCLocalRddViolErr
	WCRemoteInvalidRdReqErr
	WCRemoteAbortedErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = [...]string{
	"success",
	"local length error",
	"local QP operation error",
	"local EE context operation error",
	"local protection error",
	"work request flushed error",
	"memory window bind error",
	"bad response error",
	"local access error",
	"remote invalid request error",
	"remote access error",
	"remote operation error",
	"transport retry counter exceeded",
	"RNR retry counter exceeded",
	"local RDD violation error",
	"remote invalid RD request",
	"operation aborted",
	"invalid EE context number",
	"invalid EE context state",
	"fatal error",
	"response timeout error",
	"general error",
}

func (s WCStatus) String() string {
	if s >= 0 && int(s) < len(wcStatusNames) {
		return wcStatusNames[s]
	}

	return "unknown"
}

// Work completion opcode.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpCompSwap
	WCOpFetchAdd
	WCOpBindMW
	WCOpLocalInv
	WCOpRecv            WCOpcode = 1 << 7
	WCOpRecvRDMAWithImm WCOpcode = WCOpRecv + 1
)

// Link layer reported by a port.
const (
	LinkLayerUnspecified = 0
	LinkLayerInfiniBand  = 1
	LinkLayerEthernet    = 2
)

// VerbsDeviceInfo contains RDMA device information.
type VerbsDeviceInfo struct {
	Name         string
	FWVer        string
	GUID         uint64
	NodeType     int
	Transport    int
	PhysPortCnt  int
	VendorID     uint32
	VendorPartID uint32
	HWVer        uint32
}

// VerbsPortAttr contains the port attributes the connection context needs.
type VerbsPortAttr struct {
	State     int
	MaxMTU    PathMTU
	ActiveMTU PathMTU
	LinkLayer int
	LID       uint16
	SMLID     uint16
	GIDTblLen int
}

// VerbsWorkCompletion represents a work completion entry.
type VerbsWorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	ImmData   uint32
	QPN       uint32
	SrcQP     uint32
	WCFlags   int
	PkeyIndex uint16
	SLID      uint16
	SL        uint8
	DLIDPath  uint8
}

// VerbsQPInitAttr describes a queue pair at creation time.
type VerbsQPInitAttr struct {
	SendCQ    VerbsCQ
	RecvCQ    VerbsCQ
	Type      QPType
	MaxSendWR int
	MaxRecvWR int
	MaxSendSG int
	MaxRecvSG int
	SigAll    bool
}

// VerbsQPAttr contains queue pair attributes.
type VerbsQPAttr struct {
	State           QPState
	CurState        QPState
	Path            VerbsAHAttr
	PathMTU         PathMTU
	QPN             uint32
	DestQPN         uint32
	RQPsn           uint32
	SQPsn           uint32
	QPAccessFlags   int
	Cap             VerbsQPCap
	PKeyIndex       uint16
	MaxRdAtomic     uint8
	MaxDestRdAtomic uint8
	MinRnrTimer     uint8
	PortNum         uint8
	Timeout         uint8
	RetryCnt        uint8
	RnrRetry        uint8
}

// VerbsAHAttr contains address handle attributes.
type VerbsAHAttr struct {
	GRH         VerbsGlobalRoute
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	StaticRate  uint8
	IsGlobal    uint8
	PortNum     uint8
}

// VerbsGlobalRoute contains global routing info.
type VerbsGlobalRoute struct {
	DGID         [16]byte
	FlowLabel    uint32
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
}

// VerbsQPCap contains queue pair capabilities.
type VerbsQPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSge    uint32
	MaxRecvSge    uint32
	MaxInlineData uint32
}

// VerbsMRInfo is what a successful registration hands back.
type VerbsMRInfo struct {
	Handle VerbsMR
	Addr   uint64
	Length uint64
	LKey   uint32
	RKey   uint32
}

// VerbsSendWR represents a send work request.
type VerbsSendWR struct {
	SGList     []VerbsSGE
	WRID       uint64
	Opcode     WROpcode
	SendFlags  int
	RemoteAddr uint64
	ImmData    uint32
	RKey       uint32
}

// VerbsRecvWR represents a receive work request.
type VerbsRecvWR struct {
	SGList []VerbsSGE
	WRID   uint64
}

// VerbsSGE represents a scatter/gather entry.
type VerbsSGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}
