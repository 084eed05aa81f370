//go:build rdma_hw && linux && cgo

package rdma

/*
#cgo LDFLAGS: -libverbs
#include <stdint.h>
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>

// ibv_query_port is a macro in recent rdma-core releases.
static int rl_query_port(struct ibv_context *ctx, uint8_t port, struct ibv_port_attr *attr) {
	return ibv_query_port(ctx, port, attr);
}

// Addresses travel as integers so no Go pointer is retained by the provider.
static struct ibv_mr *rl_reg_mr(struct ibv_pd *pd, uint64_t addr, size_t length, int access) {
	return ibv_reg_mr(pd, (void *)(uintptr_t)addr, length, access);
}

static int rl_post_send(struct ibv_qp *qp, uint64_t wr_id, int opcode, int flags,
		uint64_t addr, uint32_t length, uint32_t lkey, uint64_t remote_addr, uint32_t rkey) {
	struct ibv_sge sge;
	struct ibv_send_wr wr;
	struct ibv_send_wr *bad_wr = NULL;

	memset(&sge, 0, sizeof(sge));
	sge.addr = addr;
	sge.length = length;
	sge.lkey = lkey;

	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;
	wr.opcode = opcode;
	wr.send_flags = flags;
	wr.wr.rdma.remote_addr = remote_addr;
	wr.wr.rdma.rkey = rkey;

	return ibv_post_send(qp, &wr, &bad_wr);
}

static int rl_post_recv(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr, uint32_t length, uint32_t lkey) {
	struct ibv_sge sge;
	struct ibv_recv_wr wr;
	struct ibv_recv_wr *bad_wr = NULL;

	memset(&sge, 0, sizeof(sge));
	sge.addr = addr;
	sge.length = length;
	sge.lkey = lkey;

	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.sg_list = &sge;
	wr.num_sge = 1;

	return ibv_post_recv(qp, &wr, &bad_wr);
}

static int rl_poll_cq(struct ibv_cq *cq, int n, struct ibv_wc *wc) {
	return ibv_poll_cq(cq, n, wc);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HardwareSupport reports whether the libibverbs provider is compiled in.
const HardwareSupport = true

// HardwareVerbsProvider binds VerbsProvider to libibverbs. Handles are the
// addresses of the underlying C objects; the maps keep the typed pointers.
type HardwareVerbsProvider struct {
	deviceList  **C.struct_ibv_device
	devices     []*C.struct_ibv_device
	contexts    map[VerbsContext]*C.struct_ibv_context
	pds         map[VerbsPD]*C.struct_ibv_pd
	cqs         map[VerbsCQ]*C.struct_ibv_cq
	qps         map[VerbsQP]*C.struct_ibv_qp
	mrs         map[VerbsMR]*C.struct_ibv_mr
	metrics     *verbsMetrics
	mu          sync.Mutex
	initialized bool
}

// NewHardwareVerbsProvider creates a libibverbs-backed provider.
func NewHardwareVerbsProvider() *HardwareVerbsProvider {
	return &HardwareVerbsProvider{
		contexts: make(map[VerbsContext]*C.struct_ibv_context),
		pds:      make(map[VerbsPD]*C.struct_ibv_pd),
		cqs:      make(map[VerbsCQ]*C.struct_ibv_cq),
		qps:      make(map[VerbsQP]*C.struct_ibv_qp),
		mrs:      make(map[VerbsMR]*C.struct_ibv_mr),
		metrics:  &verbsMetrics{},
	}
}

func newHardwareProvider() (VerbsProvider, error) {
	return NewHardwareVerbsProvider(), nil
}

func errnoErr(sentinel error, ret C.int) error {
	if ret < 0 {
		ret = -ret
	}

	return fmt.Errorf("%w: %w", sentinel, unix.Errno(ret))
}

func (h *HardwareVerbsProvider) Init() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.initialized {
		return nil
	}

	var num C.int

	list, err := C.ibv_get_device_list(&num)
	if list == nil {
		return fmt.Errorf("%w: %w", ErrVerbsNotInitialized, err)
	}

	h.deviceList = list
	h.devices = unsafe.Slice(list, int(num))
	h.initialized = true

	return nil
}

func (h *HardwareVerbsProvider) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.deviceList != nil {
		C.ibv_free_device_list(h.deviceList)
		h.deviceList = nil
		h.devices = nil
	}

	h.initialized = false

	return nil
}

func (h *HardwareVerbsProvider) GetDeviceList() ([]VerbsDeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return nil, ErrVerbsNotInitialized
	}

	result := make([]VerbsDeviceInfo, 0, len(h.devices))

	for _, dev := range h.devices {
		info := VerbsDeviceInfo{
			Name:      C.GoString(C.ibv_get_device_name(dev)),
			GUID:      uint64(C.ibv_get_device_guid(dev)),
			NodeType:  int(dev.node_type),
			Transport: int(dev.transport_type),
		}

		if ctx := C.ibv_open_device(dev); ctx != nil {
			var attr C.struct_ibv_device_attr
			if C.ibv_query_device(ctx, &attr) == 0 {
				info.FWVer = C.GoString(&attr.fw_ver[0])
				info.VendorID = uint32(attr.vendor_id)
				info.VendorPartID = uint32(attr.vendor_part_id)
				info.HWVer = uint32(attr.hw_ver)
				info.PhysPortCnt = int(attr.phys_port_cnt)
			}

			C.ibv_close_device(ctx)
		}

		result = append(result, info)
	}

	return result, nil
}

func (h *HardwareVerbsProvider) OpenDevice(name string) (VerbsContext, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return 0, ErrVerbsNotInitialized
	}

	for _, dev := range h.devices {
		if C.GoString(C.ibv_get_device_name(dev)) != name {
			continue
		}

		ctx, err := C.ibv_open_device(dev)
		if ctx == nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrContextCreation, name, err)
		}

		handle := VerbsContext(uintptr(unsafe.Pointer(ctx)))
		h.contexts[handle] = ctx
		atomic.AddInt64(&h.metrics.DevicesOpened, 1)

		return handle, nil
	}

	return 0, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
}

func (h *HardwareVerbsProvider) CloseDevice(handle VerbsContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, ok := h.contexts[handle]
	if !ok {
		return ErrInvalidHandle
	}

	if ret := C.ibv_close_device(ctx); ret != 0 {
		return errnoErr(ErrContextCreation, ret)
	}

	delete(h.contexts, handle)
	atomic.AddInt64(&h.metrics.DevicesClosed, 1)

	return nil
}

func (h *HardwareVerbsProvider) QueryPort(handle VerbsContext, port uint8) (*VerbsPortAttr, error) {
	h.mu.Lock()
	ctx, ok := h.contexts[handle]
	h.mu.Unlock()

	if !ok {
		return nil, ErrInvalidHandle
	}

	var attr C.struct_ibv_port_attr
	if ret := C.rl_query_port(ctx, C.uint8_t(port), &attr); ret != 0 {
		return nil, errnoErr(ErrPortQuery, ret)
	}

	return &VerbsPortAttr{
		State:     int(attr.state),
		MaxMTU:    PathMTU(attr.max_mtu),
		ActiveMTU: PathMTU(attr.active_mtu),
		LinkLayer: int(attr.link_layer),
		LID:       uint16(attr.lid),
		SMLID:     uint16(attr.sm_lid),
		GIDTblLen: int(attr.gid_tbl_len),
	}, nil
}

func (h *HardwareVerbsProvider) QueryGID(handle VerbsContext, port uint8, index int) ([16]byte, error) {
	h.mu.Lock()
	ctx, ok := h.contexts[handle]
	h.mu.Unlock()

	if !ok {
		return [16]byte{}, ErrInvalidHandle
	}

	var gid C.union_ibv_gid
	if ret := C.ibv_query_gid(ctx, C.uint8_t(port), C.int(index), &gid); ret != 0 {
		return [16]byte{}, errnoErr(ErrGIDQuery, ret)
	}

	return [16]byte(gid), nil
}

func (h *HardwareVerbsProvider) AllocPD(handle VerbsContext) (VerbsPD, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, ok := h.contexts[handle]
	if !ok {
		return 0, ErrInvalidHandle
	}

	pd, err := C.ibv_alloc_pd(ctx)
	if pd == nil {
		return 0, fmt.Errorf("%w: %w", ErrPDCreation, err)
	}

	pdHandle := VerbsPD(uintptr(unsafe.Pointer(pd)))
	h.pds[pdHandle] = pd
	atomic.AddInt64(&h.metrics.PDsCreated, 1)

	return pdHandle, nil
}

func (h *HardwareVerbsProvider) DeallocPD(handle VerbsPD) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	pd, ok := h.pds[handle]
	if !ok {
		return ErrInvalidHandle
	}

	if ret := C.ibv_dealloc_pd(pd); ret != 0 {
		return errnoErr(ErrPDCreation, ret)
	}

	delete(h.pds, handle)
	atomic.AddInt64(&h.metrics.PDsDeallocated, 1)

	return nil
}

func (h *HardwareVerbsProvider) CreateCQ(handle VerbsContext, cqe int) (VerbsCQ, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, ok := h.contexts[handle]
	if !ok {
		return 0, ErrInvalidHandle
	}

	cq, err := C.ibv_create_cq(ctx, C.int(cqe), nil, nil, 0)
	if cq == nil {
		return 0, fmt.Errorf("%w: %w", ErrCQCreation, err)
	}

	cqHandle := VerbsCQ(uintptr(unsafe.Pointer(cq)))
	h.cqs[cqHandle] = cq
	atomic.AddInt64(&h.metrics.CQsCreated, 1)

	return cqHandle, nil
}

func (h *HardwareVerbsProvider) DestroyCQ(handle VerbsCQ) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cq, ok := h.cqs[handle]
	if !ok {
		return ErrInvalidHandle
	}

	if ret := C.ibv_destroy_cq(cq); ret != 0 {
		return errnoErr(ErrCQCreation, ret)
	}

	delete(h.cqs, handle)
	atomic.AddInt64(&h.metrics.CQsDestroyed, 1)

	return nil
}

func (h *HardwareVerbsProvider) PollCQ(handle VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error) {
	h.mu.Lock()
	cq, ok := h.cqs[handle]
	h.mu.Unlock()

	if !ok {
		return nil, ErrInvalidHandle
	}

	wcs := make([]C.struct_ibv_wc, numEntries)

	n := C.rl_poll_cq(cq, C.int(numEntries), &wcs[0])
	if n < 0 {
		return nil, errnoErr(ErrPollCQ, n)
	}

	if n == 0 {
		return nil, nil
	}

	result := make([]VerbsWorkCompletion, n)
	for i := range result {
		wc := &wcs[i]
		result[i] = VerbsWorkCompletion{
			WRID:      uint64(wc.wr_id),
			Status:    WCStatus(wc.status),
			Opcode:    WCOpcode(wc.opcode),
			VendorErr: uint32(wc.vendor_err),
			ByteLen:   uint32(wc.byte_len),
			QPN:       uint32(wc.qp_num),
			SrcQP:     uint32(wc.src_qp),
			WCFlags:   int(wc.wc_flags),
			PkeyIndex: uint16(wc.pkey_index),
			SLID:      uint16(wc.slid),
			SL:        uint8(wc.sl),
			DLIDPath:  uint8(wc.dlid_path_bits),
		}
	}

	atomic.AddInt64(&h.metrics.Completions, int64(n))

	return result, nil
}

func (h *HardwareVerbsProvider) CreateQP(pdHandle VerbsPD, init *VerbsQPInitAttr) (VerbsQP, uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pd, ok := h.pds[pdHandle]
	if !ok {
		return 0, 0, ErrInvalidHandle
	}

	sendCQ, ok := h.cqs[init.SendCQ]
	if !ok {
		return 0, 0, fmt.Errorf("%w: invalid send completion queue", ErrQPCreation)
	}

	recvCQ, ok := h.cqs[init.RecvCQ]
	if !ok {
		return 0, 0, fmt.Errorf("%w: invalid receive completion queue", ErrQPCreation)
	}

	var attr C.struct_ibv_qp_init_attr
	attr.send_cq = sendCQ
	attr.recv_cq = recvCQ
	attr.qp_type = C.enum_ibv_qp_type(init.Type)
	attr.cap.max_send_wr = C.uint32_t(init.MaxSendWR)
	attr.cap.max_recv_wr = C.uint32_t(init.MaxRecvWR)
	attr.cap.max_send_sge = C.uint32_t(init.MaxSendSG)
	attr.cap.max_recv_sge = C.uint32_t(init.MaxRecvSG)

	if init.SigAll {
		attr.sq_sig_all = 1
	}

	qp, err := C.ibv_create_qp(pd, &attr)
	if qp == nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrQPCreation, err)
	}

	handle := VerbsQP(uintptr(unsafe.Pointer(qp)))
	h.qps[handle] = qp
	atomic.AddInt64(&h.metrics.QPsCreated, 1)

	return handle, uint32(qp.qp_num), nil
}

func (h *HardwareVerbsProvider) DestroyQP(handle VerbsQP) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	qp, ok := h.qps[handle]
	if !ok {
		return ErrInvalidHandle
	}

	if ret := C.ibv_destroy_qp(qp); ret != 0 {
		return errnoErr(ErrQPCreation, ret)
	}

	delete(h.qps, handle)
	atomic.AddInt64(&h.metrics.QPsDestroyed, 1)

	return nil
}

func (h *HardwareVerbsProvider) ModifyQP(handle VerbsQP, attr *VerbsQPAttr, mask QPAttrMask) error {
	h.mu.Lock()
	qp, ok := h.qps[handle]
	h.mu.Unlock()

	if !ok {
		return ErrInvalidHandle
	}

	atomic.AddInt64(&h.metrics.QPModifications, 1)

	var a C.struct_ibv_qp_attr
	a.qp_state = C.enum_ibv_qp_state(attr.State)
	a.path_mtu = C.enum_ibv_mtu(attr.PathMTU)
	a.dest_qp_num = C.uint32_t(attr.DestQPN)
	a.rq_psn = C.uint32_t(attr.RQPsn)
	a.sq_psn = C.uint32_t(attr.SQPsn)
	a.qp_access_flags = C.uint(attr.QPAccessFlags)
	a.pkey_index = C.uint16_t(attr.PKeyIndex)
	a.port_num = C.uint8_t(attr.PortNum)
	a.max_rd_atomic = C.uint8_t(attr.MaxRdAtomic)
	a.max_dest_rd_atomic = C.uint8_t(attr.MaxDestRdAtomic)
	a.min_rnr_timer = C.uint8_t(attr.MinRnrTimer)
	a.timeout = C.uint8_t(attr.Timeout)
	a.retry_cnt = C.uint8_t(attr.RetryCnt)
	a.rnr_retry = C.uint8_t(attr.RnrRetry)

	a.ah_attr.dlid = C.uint16_t(attr.Path.DLID)
	a.ah_attr.sl = C.uint8_t(attr.Path.SL)
	a.ah_attr.src_path_bits = C.uint8_t(attr.Path.SrcPathBits)
	a.ah_attr.static_rate = C.uint8_t(attr.Path.StaticRate)
	a.ah_attr.is_global = C.uint8_t(attr.Path.IsGlobal)
	a.ah_attr.port_num = C.uint8_t(attr.Path.PortNum)
	a.ah_attr.grh.dgid = C.union_ibv_gid(attr.Path.GRH.DGID)
	a.ah_attr.grh.flow_label = C.uint32_t(attr.Path.GRH.FlowLabel)
	a.ah_attr.grh.sgid_index = C.uint8_t(attr.Path.GRH.SGIDIndex)
	a.ah_attr.grh.hop_limit = C.uint8_t(attr.Path.GRH.HopLimit)
	a.ah_attr.grh.traffic_class = C.uint8_t(attr.Path.GRH.TrafficClass)

	if ret := C.ibv_modify_qp(qp, &a, C.int(mask)); ret != 0 {
		atomic.AddInt64(&h.metrics.Errors, 1)
		return fmt.Errorf("%w to %s: %w", ErrModifyQP, attr.State, unix.Errno(ret))
	}

	return nil
}

func (h *HardwareVerbsProvider) QueryQP(handle VerbsQP) (*VerbsQPAttr, error) {
	h.mu.Lock()
	qp, ok := h.qps[handle]
	h.mu.Unlock()

	if !ok {
		return nil, ErrInvalidHandle
	}

	var (
		a    C.struct_ibv_qp_attr
		init C.struct_ibv_qp_init_attr
	)

	mask := QPAttrState | QPAttrPathMTU | QPAttrDestQPN | QPAttrRQPsn | QPAttrSQPsn | QPAttrAV | QPAttrAccessFlags

	if ret := C.ibv_query_qp(qp, &a, C.int(mask), &init); ret != 0 {
		return nil, errnoErr(ErrModifyQP, ret)
	}

	return &VerbsQPAttr{
		State:           QPState(a.qp_state),
		PathMTU:         PathMTU(a.path_mtu),
		QPN:             uint32(qp.qp_num),
		DestQPN:         uint32(a.dest_qp_num),
		RQPsn:           uint32(a.rq_psn),
		SQPsn:           uint32(a.sq_psn),
		QPAccessFlags:   int(a.qp_access_flags),
		PortNum:         uint8(a.port_num),
		MaxRdAtomic:     uint8(a.max_rd_atomic),
		MaxDestRdAtomic: uint8(a.max_dest_rd_atomic),
		MinRnrTimer:     uint8(a.min_rnr_timer),
		Timeout:         uint8(a.timeout),
		RetryCnt:        uint8(a.retry_cnt),
		RnrRetry:        uint8(a.rnr_retry),
		Path: VerbsAHAttr{
			DLID:     uint16(a.ah_attr.dlid),
			IsGlobal: uint8(a.ah_attr.is_global),
			PortNum:  uint8(a.ah_attr.port_num),
			GRH: VerbsGlobalRoute{
				DGID:      [16]byte(a.ah_attr.grh.dgid),
				SGIDIndex: uint8(a.ah_attr.grh.sgid_index),
				HopLimit:  uint8(a.ah_attr.grh.hop_limit),
			},
		},
		Cap: VerbsQPCap{
			MaxSendWR:  uint32(init.cap.max_send_wr),
			MaxRecvWR:  uint32(init.cap.max_recv_wr),
			MaxSendSge: uint32(init.cap.max_send_sge),
			MaxRecvSge: uint32(init.cap.max_recv_sge),
		},
	}, nil
}

// RegMR registers buf. The caller keeps buf reachable until DeregMR; the Go
// heap does not move objects, and mmap'ed buffers are outside it entirely.
func (h *HardwareVerbsProvider) RegMR(pdHandle VerbsPD, buf []byte, access int) (*VerbsMRInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pd, ok := h.pds[pdHandle]
	if !ok {
		return nil, ErrInvalidHandle
	}

	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMRCreation)
	}

	mr, err := C.rl_reg_mr(pd, C.uint64_t(sliceAddr(buf)), C.size_t(len(buf)), C.int(access))
	if mr == nil {
		atomic.AddInt64(&h.metrics.Errors, 1)
		return nil, fmt.Errorf("%w: %w", ErrMRCreation, err)
	}

	handle := VerbsMR(uintptr(unsafe.Pointer(mr)))
	h.mrs[handle] = mr
	atomic.AddInt64(&h.metrics.MRsRegistered, 1)

	return &VerbsMRInfo{
		Handle: handle,
		Addr:   uint64(uintptr(mr.addr)),
		Length: uint64(mr.length),
		LKey:   uint32(mr.lkey),
		RKey:   uint32(mr.rkey),
	}, nil
}

func (h *HardwareVerbsProvider) DeregMR(handle VerbsMR) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	mr, ok := h.mrs[handle]
	if !ok {
		return ErrInvalidHandle
	}

	if ret := C.ibv_dereg_mr(mr); ret != 0 {
		return errnoErr(ErrMRCreation, ret)
	}

	delete(h.mrs, handle)
	atomic.AddInt64(&h.metrics.MRsDeregistered, 1)

	return nil
}

// PostSend posts a single-SGE send, RDMA WRITE or RDMA READ.
func (h *HardwareVerbsProvider) PostSend(handle VerbsQP, wr *VerbsSendWR) error {
	h.mu.Lock()
	qp, ok := h.qps[handle]
	h.mu.Unlock()

	if !ok {
		return ErrInvalidHandle
	}

	if len(wr.SGList) != 1 {
		return fmt.Errorf("%w: exactly one scatter/gather entry is supported", ErrPostSend)
	}

	switch wr.Opcode {
	case WROpSend:
		atomic.AddInt64(&h.metrics.SendsPosted, 1)
	case WROpRDMAWrite:
		atomic.AddInt64(&h.metrics.RDMAWrites, 1)
	case WROpRDMARead:
		atomic.AddInt64(&h.metrics.RDMAReads, 1)
	default:
		return fmt.Errorf("%w: unsupported opcode %d", ErrPostSend, wr.Opcode)
	}

	sge := wr.SGList[0]

	ret := C.rl_post_send(qp, C.uint64_t(wr.WRID), C.int(wr.Opcode), C.int(wr.SendFlags),
		C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey),
		C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey))
	if ret != 0 {
		atomic.AddInt64(&h.metrics.Errors, 1)
		return errnoErr(ErrPostSend, ret)
	}

	return nil
}

func (h *HardwareVerbsProvider) PostRecv(handle VerbsQP, wr *VerbsRecvWR) error {
	h.mu.Lock()
	qp, ok := h.qps[handle]
	h.mu.Unlock()

	if !ok {
		return ErrInvalidHandle
	}

	if len(wr.SGList) != 1 {
		return fmt.Errorf("%w: exactly one scatter/gather entry is supported", ErrPostRecv)
	}

	sge := wr.SGList[0]

	ret := C.rl_post_recv(qp, C.uint64_t(wr.WRID), C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey))
	if ret != 0 {
		atomic.AddInt64(&h.metrics.Errors, 1)
		return errnoErr(ErrPostRecv, ret)
	}

	atomic.AddInt64(&h.metrics.RecvsPosted, 1)

	return nil
}

func (h *HardwareVerbsProvider) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":        false,
		"devices_opened":   atomic.LoadInt64(&h.metrics.DevicesOpened),
		"devices_closed":   atomic.LoadInt64(&h.metrics.DevicesClosed),
		"pds_created":      atomic.LoadInt64(&h.metrics.PDsCreated),
		"pds_deallocated":  atomic.LoadInt64(&h.metrics.PDsDeallocated),
		"cqs_created":      atomic.LoadInt64(&h.metrics.CQsCreated),
		"cqs_destroyed":    atomic.LoadInt64(&h.metrics.CQsDestroyed),
		"qps_created":      atomic.LoadInt64(&h.metrics.QPsCreated),
		"qps_destroyed":    atomic.LoadInt64(&h.metrics.QPsDestroyed),
		"qp_modifications": atomic.LoadInt64(&h.metrics.QPModifications),
		"mrs_registered":   atomic.LoadInt64(&h.metrics.MRsRegistered),
		"mrs_deregistered": atomic.LoadInt64(&h.metrics.MRsDeregistered),
		"sends_posted":     atomic.LoadInt64(&h.metrics.SendsPosted),
		"recvs_posted":     atomic.LoadInt64(&h.metrics.RecvsPosted),
		"rdma_reads":       atomic.LoadInt64(&h.metrics.RDMAReads),
		"rdma_writes":      atomic.LoadInt64(&h.metrics.RDMAWrites),
		"completions":      atomic.LoadInt64(&h.metrics.Completions),
		"errors":           atomic.LoadInt64(&h.metrics.Errors),
	}
}
