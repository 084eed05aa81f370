package rdma

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// ErrResourceBusy is returned when an object is destroyed while dependents are alive.
var ErrResourceBusy = errors.New("verbs resource busy")

// SimulatedFabric is an in-process switch shared by simulated providers.
// Queue pairs opened through any provider attached to the same fabric can
// reach each other by queue pair number, and data really moves between the
// registered buffers on both sides.
type SimulatedFabric struct {
	qps     map[uint32]*simulatedQP
	devices []*simulatedDevice
	nextQPN uint32
	nextKey uint32
	mu      sync.Mutex
}

type simulatedDevice struct {
	info VerbsDeviceInfo
	port VerbsPortAttr
	gids [][16]byte
}

var defaultFabric = NewSimulatedFabric()

// DefaultSimulatedFabric returns the process-wide fabric used by
// NewSimulatedVerbsProvider.
func DefaultSimulatedFabric() *SimulatedFabric {
	return defaultFabric
}

// NewSimulatedFabric creates an isolated fabric with the standard device set:
// two InfiniBand HCAs and one RoCE (Ethernet) soft device.
func NewSimulatedFabric() *SimulatedFabric {
	return &SimulatedFabric{
		qps:     make(map[uint32]*simulatedQP),
		nextQPN: 0x100,
		nextKey: 0x1000,
		devices: []*simulatedDevice{
			{
				info: VerbsDeviceInfo{
					Name:         "mlx5_0",
					GUID:         0xDEADBEEF00000001,
					NodeType:     1,      // CA
					Transport:    0,      // InfiniBand
					VendorID:     0x15b3, // Mellanox
					VendorPartID: 0x1017, // ConnectX-5
					FWVer:        "16.35.1012",
					PhysPortCnt:  1,
				},
				port: VerbsPortAttr{
					State:     4, // ACTIVE
					MaxMTU:    MTU4096,
					ActiveMTU: MTU4096,
					LinkLayer: LinkLayerInfiniBand,
					LID:       1,
					SMLID:     1,
					GIDTblLen: 1,
				},
				gids: [][16]byte{
					{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0x02, 0x02, 0xc9, 0xff, 0xfe, 0x00, 0x00, 0x01},
				},
			},
			{
				info: VerbsDeviceInfo{
					Name:         "mlx5_1",
					GUID:         0xDEADBEEF00000002,
					NodeType:     1,
					Transport:    0,
					VendorID:     0x15b3,
					VendorPartID: 0x1017,
					FWVer:        "16.35.1012",
					PhysPortCnt:  1,
				},
				port: VerbsPortAttr{
					State:     4,
					MaxMTU:    MTU4096,
					ActiveMTU: MTU4096,
					LinkLayer: LinkLayerInfiniBand,
					LID:       2,
					SMLID:     1,
					GIDTblLen: 1,
				},
				gids: [][16]byte{
					{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0x02, 0x02, 0xc9, 0xff, 0xfe, 0x00, 0x00, 0x02},
				},
			},
			{
				info: VerbsDeviceInfo{
					Name:        "rxe0",
					GUID:        0x505400FFFE000003,
					NodeType:    1,
					Transport:   0,
					FWVer:       "0.0.0",
					PhysPortCnt: 1,
				},
				port: VerbsPortAttr{
					State:     4,
					MaxMTU:    MTU4096,
					ActiveMTU: MTU1024,
					LinkLayer: LinkLayerEthernet,
					LID:       0,
					GIDTblLen: 2,
				},
				gids: [][16]byte{
					{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0x50, 0x54, 0x00, 0xff, 0xfe, 0x00, 0x00, 0x03},
					{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 192, 168, 0, 3},
				},
			},
		},
	}
}

func (f *SimulatedFabric) device(name string) *simulatedDevice {
	for _, d := range f.devices {
		if d.info.Name == name {
			return d
		}
	}

	return nil
}

// SimulatedVerbsProvider provides a simulated libibverbs implementation for testing.
type SimulatedVerbsProvider struct {
	fabric      *SimulatedFabric
	contexts    map[VerbsContext]*simulatedContext
	pds         map[VerbsPD]*simulatedPD
	cqs         map[VerbsCQ]*simulatedCQ
	qps         map[VerbsQP]*simulatedQP
	mrs         map[VerbsMR]*simulatedMR
	failures    map[string]error
	wcFailures  []WCStatus
	metrics     *verbsMetrics
	nextHandle  uintptr
	initialized bool
}

type simulatedContext struct {
	device *simulatedDevice
}

type simulatedPD struct {
	ctx VerbsContext
}

type simulatedCQ struct {
	completions []VerbsWorkCompletion
	ctx         VerbsContext
	size        int
}

type simulatedQP struct {
	owner     *SimulatedVerbsProvider
	device    *simulatedDevice
	sendCQ    *simulatedCQ
	recvCQ    *simulatedCQ
	recvQueue []VerbsRecvWR
	pending   []*pendingSend
	init      VerbsQPInitAttr
	attr      VerbsQPAttr
	pd        VerbsPD
	handle    VerbsQP
	qpNum     uint32
}

type simulatedMR struct {
	buf    []byte
	pd     VerbsPD
	addr   uint64
	access int
	lkey   uint32
	rkey   uint32
}

type pendingSend struct {
	src  *simulatedQP
	wr   VerbsSendWR
	data []byte
}

type verbsMetrics struct {
	DevicesOpened   int64
	DevicesClosed   int64
	PDsCreated      int64
	PDsDeallocated  int64
	CQsCreated      int64
	CQsDestroyed    int64
	QPsCreated      int64
	QPsDestroyed    int64
	QPModifications int64
	MRsRegistered   int64
	MRsDeregistered int64
	SendsPosted     int64
	RecvsPosted     int64
	RDMAReads       int64
	RDMAWrites      int64
	Completions     int64
	CQOverruns      int64
	Errors          int64
}

// NewSimulatedVerbsProvider creates a provider attached to the default fabric.
func NewSimulatedVerbsProvider() *SimulatedVerbsProvider {
	return NewSimulatedVerbsProviderOn(defaultFabric)
}

// NewSimulatedVerbsProviderOn creates a provider attached to the given fabric.
// Each provider plays the role of one host's verbs library.
func NewSimulatedVerbsProviderOn(fabric *SimulatedFabric) *SimulatedVerbsProvider {
	return &SimulatedVerbsProvider{
		fabric:   fabric,
		contexts: make(map[VerbsContext]*simulatedContext),
		pds:      make(map[VerbsPD]*simulatedPD),
		cqs:      make(map[VerbsCQ]*simulatedCQ),
		qps:      make(map[VerbsQP]*simulatedQP),
		mrs:      make(map[VerbsMR]*simulatedMR),
		failures: make(map[string]error),
		metrics:  &verbsMetrics{},
	}
}

// InjectFailure makes the next call of the named provider method fail with err.
// Method names match the VerbsProvider interface (e.g. "RegMR", "ModifyQP").
func (b *SimulatedVerbsProvider) InjectFailure(method string, err error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	b.failures[method] = err
}

// InjectCompletionStatus makes the next send-side completion report status.
func (b *SimulatedVerbsProvider) InjectCompletionStatus(status WCStatus) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	b.wcFailures = append(b.wcFailures, status)
}

// injected must be called with the fabric lock held.
func (b *SimulatedVerbsProvider) injected(method string) error {
	err, ok := b.failures[method]
	if !ok {
		return nil
	}

	delete(b.failures, method)
	atomic.AddInt64(&b.metrics.Errors, 1)

	return err
}

func (b *SimulatedVerbsProvider) Init() error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	b.initialized = true

	return nil
}

func (b *SimulatedVerbsProvider) Close() error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	for _, qp := range b.qps {
		b.fabric.removeQP(qp)
	}

	b.contexts = make(map[VerbsContext]*simulatedContext)
	b.pds = make(map[VerbsPD]*simulatedPD)
	b.cqs = make(map[VerbsCQ]*simulatedCQ)
	b.qps = make(map[VerbsQP]*simulatedQP)
	b.mrs = make(map[VerbsMR]*simulatedMR)
	b.initialized = false

	return nil
}

func (b *SimulatedVerbsProvider) GetDeviceList() ([]VerbsDeviceInfo, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if !b.initialized {
		return nil, ErrVerbsNotInitialized
	}

	result := make([]VerbsDeviceInfo, 0, len(b.fabric.devices))
	for _, d := range b.fabric.devices {
		result = append(result, d.info)
	}

	return result, nil
}

func (b *SimulatedVerbsProvider) OpenDevice(name string) (VerbsContext, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if !b.initialized {
		return 0, ErrVerbsNotInitialized
	}

	if err := b.injected("OpenDevice"); err != nil {
		return 0, err
	}

	device := b.fabric.device(name)
	if device == nil {
		return 0, ErrDeviceNotFound
	}

	b.nextHandle++
	ctx := VerbsContext(b.nextHandle)
	b.contexts[ctx] = &simulatedContext{device: device}
	atomic.AddInt64(&b.metrics.DevicesOpened, 1)

	return ctx, nil
}

func (b *SimulatedVerbsProvider) CloseDevice(ctx VerbsContext) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return ErrInvalidHandle
	}

	for _, pd := range b.pds {
		if pd.ctx == ctx {
			return fmt.Errorf("close device: %w", ErrResourceBusy)
		}
	}

	for _, cq := range b.cqs {
		if cq.ctx == ctx {
			return fmt.Errorf("close device: %w", ErrResourceBusy)
		}
	}

	delete(b.contexts, ctx)
	atomic.AddInt64(&b.metrics.DevicesClosed, 1)

	return nil
}

func (b *SimulatedVerbsProvider) QueryPort(ctx VerbsContext, port uint8) (*VerbsPortAttr, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if err := b.injected("QueryPort"); err != nil {
		return nil, err
	}

	c, ok := b.contexts[ctx]
	if !ok {
		return nil, ErrInvalidHandle
	}

	if port < 1 || int(port) > c.device.info.PhysPortCnt {
		return nil, fmt.Errorf("%w: port %d", ErrPortQuery, port)
	}

	attr := c.device.port

	return &attr, nil
}

func (b *SimulatedVerbsProvider) QueryGID(ctx VerbsContext, port uint8, index int) ([16]byte, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if err := b.injected("QueryGID"); err != nil {
		return [16]byte{}, err
	}

	c, ok := b.contexts[ctx]
	if !ok {
		return [16]byte{}, ErrInvalidHandle
	}

	if port < 1 || int(port) > c.device.info.PhysPortCnt {
		return [16]byte{}, fmt.Errorf("%w: port %d", ErrGIDQuery, port)
	}

	if index < 0 || index >= len(c.device.gids) {
		return [16]byte{}, fmt.Errorf("%w: index %d", ErrGIDQuery, index)
	}

	return c.device.gids[index], nil
}

func (b *SimulatedVerbsProvider) AllocPD(ctx VerbsContext) (VerbsPD, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if err := b.injected("AllocPD"); err != nil {
		return 0, err
	}

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextCreation
	}

	b.nextHandle++
	pd := VerbsPD(b.nextHandle)
	b.pds[pd] = &simulatedPD{ctx: ctx}
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return pd, nil
}

func (b *SimulatedVerbsProvider) DeallocPD(pd VerbsPD) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return ErrInvalidHandle
	}

	for _, mr := range b.mrs {
		if mr.pd == pd {
			return fmt.Errorf("dealloc pd: %w", ErrResourceBusy)
		}
	}

	for _, qp := range b.qps {
		if qp.pd == pd {
			return fmt.Errorf("dealloc pd: %w", ErrResourceBusy)
		}
	}

	delete(b.pds, pd)
	atomic.AddInt64(&b.metrics.PDsDeallocated, 1)

	return nil
}

func (b *SimulatedVerbsProvider) CreateCQ(ctx VerbsContext, cqe int) (VerbsCQ, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if err := b.injected("CreateCQ"); err != nil {
		return 0, err
	}

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextCreation
	}

	if cqe < 1 {
		return 0, fmt.Errorf("%w: cqe %d", ErrCQCreation, cqe)
	}

	b.nextHandle++
	cq := VerbsCQ(b.nextHandle)
	b.cqs[cq] = &simulatedCQ{
		ctx:         ctx,
		size:        cqe,
		completions: make([]VerbsWorkCompletion, 0, cqe),
	}
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return cq, nil
}

func (b *SimulatedVerbsProvider) DestroyCQ(cq VerbsCQ) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if _, ok := b.cqs[cq]; !ok {
		return ErrInvalidHandle
	}

	for _, qp := range b.qps {
		if qp.init.SendCQ == cq || qp.init.RecvCQ == cq {
			return fmt.Errorf("destroy cq: %w", ErrResourceBusy)
		}
	}

	delete(b.cqs, cq)
	atomic.AddInt64(&b.metrics.CQsDestroyed, 1)

	return nil
}

func (b *SimulatedVerbsProvider) PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if err := b.injected("PollCQ"); err != nil {
		return nil, err
	}

	simCQ, ok := b.cqs[cq]
	if !ok {
		return nil, ErrPollCQ
	}

	count := numEntries
	if len(simCQ.completions) < count {
		count = len(simCQ.completions)
	}

	if count == 0 {
		return nil, nil
	}

	result := make([]VerbsWorkCompletion, count)
	copy(result, simCQ.completions[:count])
	simCQ.completions = simCQ.completions[count:]

	atomic.AddInt64(&b.metrics.Completions, int64(count))

	return result, nil
}

func (b *SimulatedVerbsProvider) CreateQP(pd VerbsPD, init *VerbsQPInitAttr) (VerbsQP, uint32, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if err := b.injected("CreateQP"); err != nil {
		return 0, 0, err
	}

	simPD, ok := b.pds[pd]
	if !ok {
		return 0, 0, ErrPDCreation
	}

	if init == nil || init.Type != QPTypeRC {
		return 0, 0, fmt.Errorf("%w: only RC queue pairs are supported", ErrQPCreation)
	}

	if init.MaxSendWR < 1 || init.MaxRecvWR < 1 || init.MaxSendSG < 1 || init.MaxRecvSG < 1 {
		return 0, 0, fmt.Errorf("%w: invalid capabilities", ErrQPCreation)
	}

	sendCQ, ok := b.cqs[init.SendCQ]
	if !ok || sendCQ.ctx != simPD.ctx {
		return 0, 0, fmt.Errorf("%w: invalid send completion queue", ErrQPCreation)
	}

	recvCQ, ok := b.cqs[init.RecvCQ]
	if !ok || recvCQ.ctx != simPD.ctx {
		return 0, 0, fmt.Errorf("%w: invalid receive completion queue", ErrQPCreation)
	}

	b.nextHandle++
	handle := VerbsQP(b.nextHandle)
	b.fabric.nextQPN++
	qpn := b.fabric.nextQPN

	qp := &simulatedQP{
		owner:  b,
		device: b.contexts[simPD.ctx].device,
		pd:     pd,
		sendCQ: sendCQ,
		recvCQ: recvCQ,
		handle: handle,
		qpNum:  qpn,
		init:   *init,
		attr: VerbsQPAttr{
			State: QPStateReset,
			QPN:   qpn,
			Cap: VerbsQPCap{
				MaxSendWR:  uint32(init.MaxSendWR), //nolint:gosec // G115: bounded by QP config
				MaxRecvWR:  uint32(init.MaxRecvWR), //nolint:gosec // G115: bounded by QP config
				MaxSendSge: uint32(init.MaxSendSG), //nolint:gosec // G115: bounded by QP config
				MaxRecvSge: uint32(init.MaxRecvSG), //nolint:gosec // G115: bounded by QP config
			},
		},
	}

	b.qps[handle] = qp
	b.fabric.qps[qpn] = qp
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return handle, qpn, nil
}

func (b *SimulatedVerbsProvider) DestroyQP(qp VerbsQP) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrInvalidHandle
	}

	b.fabric.removeQP(simQP)
	delete(b.qps, qp)
	atomic.AddInt64(&b.metrics.QPsDestroyed, 1)

	return nil
}

// removeQP must be called with the fabric lock held.
func (f *SimulatedFabric) removeQP(qp *simulatedQP) {
	delete(f.qps, qp.qpNum)

	// Senders stuck waiting for this receiver never get an ACK.
	for _, p := range qp.pending {
		p.src.complete(p.wr, WCRetryExcErr, WCOpSend, 0)
	}

	qp.pending = nil

	for _, other := range f.qps {
		kept := other.pending[:0]
		for _, p := range other.pending {
			if p.src != qp {
				kept = append(kept, p)
			}
		}

		other.pending = kept
	}
}

func (b *SimulatedVerbsProvider) ModifyQP(qp VerbsQP, attr *VerbsQPAttr, mask QPAttrMask) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	atomic.AddInt64(&b.metrics.QPModifications, 1)

	if err := b.injected("ModifyQP"); err != nil {
		return err
	}

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrInvalidHandle
	}

	if attr == nil || mask&QPAttrState == 0 {
		return fmt.Errorf("%w: state not in attribute mask", ErrModifyQP)
	}

	if err := simQP.checkTransition(attr, mask); err != nil {
		return err
	}

	simQP.apply(attr, mask)

	return nil
}

func requireMask(mask, required QPAttrMask, from, to QPState) error {
	if mask&required != required {
		return fmt.Errorf("%w: %s->%s missing attributes 0x%x", ErrModifyQP, from, to, int(required&^mask))
	}

	return nil
}

// checkTransition enforces the legal RC transitions and their required attributes.
func (q *simulatedQP) checkTransition(attr *VerbsQPAttr, mask QPAttrMask) error {
	from, to := q.attr.State, attr.State

	switch {
	case to == QPStateReset || to == QPStateErr:
		return nil
	case from == QPStateReset && to == QPStateInit:
		if attr.PortNum < 1 || int(attr.PortNum) > q.device.info.PhysPortCnt {
			return fmt.Errorf("%w: invalid port %d", ErrModifyQP, attr.PortNum)
		}

		return requireMask(mask, QPAttrPKeyIndex|QPAttrPort|QPAttrAccessFlags, from, to)
	case from == QPStateInit && to == QPStateRTR:
		err := requireMask(mask, QPAttrAV|QPAttrPathMTU|QPAttrDestQPN|QPAttrRQPsn|
			QPAttrMaxDestRdAtomic|QPAttrMinRnrTimer, from, to)
		if err != nil {
			return err
		}

		if attr.PathMTU < MTU256 || attr.PathMTU > q.device.port.MaxMTU {
			return fmt.Errorf("%w: path MTU %d not supported", ErrModifyQP, attr.PathMTU.Bytes())
		}

		if attr.Path.IsGlobal != 0 {
			idx := int(attr.Path.GRH.SGIDIndex)
			if idx >= len(q.device.gids) {
				return fmt.Errorf("%w: source GID index %d out of range", ErrModifyQP, idx)
			}
		} else if q.device.port.LinkLayer == LinkLayerEthernet {
			return fmt.Errorf("%w: Ethernet link layer requires a global route", ErrModifyQP)
		}

		return nil
	case from == QPStateRTR && to == QPStateRTS:
		return requireMask(mask, QPAttrTimeout|QPAttrRetryCnt|QPAttrRnrRetry|QPAttrSQPsn|QPAttrMaxQPRdAtomic, from, to)
	default:
		return fmt.Errorf("%w: illegal transition %s->%s", ErrModifyQP, from, to)
	}
}

func (q *simulatedQP) apply(attr *VerbsQPAttr, mask QPAttrMask) {
	q.attr.State = attr.State
	if mask&QPAttrAccessFlags != 0 {
		q.attr.QPAccessFlags = attr.QPAccessFlags
	}

	if mask&QPAttrPKeyIndex != 0 {
		q.attr.PKeyIndex = attr.PKeyIndex
	}

	if mask&QPAttrPort != 0 {
		q.attr.PortNum = attr.PortNum
	}

	if mask&QPAttrAV != 0 {
		q.attr.Path = attr.Path
	}

	if mask&QPAttrPathMTU != 0 {
		q.attr.PathMTU = attr.PathMTU
	}

	if mask&QPAttrTimeout != 0 {
		q.attr.Timeout = attr.Timeout
	}

	if mask&QPAttrRetryCnt != 0 {
		q.attr.RetryCnt = attr.RetryCnt
	}

	if mask&QPAttrRnrRetry != 0 {
		q.attr.RnrRetry = attr.RnrRetry
	}

	if mask&QPAttrRQPsn != 0 {
		q.attr.RQPsn = attr.RQPsn
	}

	if mask&QPAttrMaxQPRdAtomic != 0 {
		q.attr.MaxRdAtomic = attr.MaxRdAtomic
	}

	if mask&QPAttrMinRnrTimer != 0 {
		q.attr.MinRnrTimer = attr.MinRnrTimer
	}

	if mask&QPAttrSQPsn != 0 {
		q.attr.SQPsn = attr.SQPsn
	}

	if mask&QPAttrMaxDestRdAtomic != 0 {
		q.attr.MaxDestRdAtomic = attr.MaxDestRdAtomic
	}

	if mask&QPAttrDestQPN != 0 {
		q.attr.DestQPN = attr.DestQPN
	}

	if attr.State == QPStateReset {
		q.recvQueue = nil
	}
}

func (b *SimulatedVerbsProvider) QueryQP(qp VerbsQP) (*VerbsQPAttr, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return nil, ErrQPCreation
	}

	attr := simQP.attr

	return &attr, nil
}

func (b *SimulatedVerbsProvider) RegMR(pd VerbsPD, buf []byte, access int) (*VerbsMRInfo, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if err := b.injected("RegMR"); err != nil {
		return nil, err
	}

	if _, ok := b.pds[pd]; !ok {
		return nil, ErrPDCreation
	}

	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMRCreation)
	}

	if access&(MRAccessRemoteWrite|MRAccessRemoteAtomic) != 0 && access&MRAccessLocalWrite == 0 {
		return nil, fmt.Errorf("%w: remote write requires local write", ErrMRCreation)
	}

	b.nextHandle++
	handle := VerbsMR(b.nextHandle)
	b.fabric.nextKey++
	lkey := b.fabric.nextKey
	b.fabric.nextKey++
	rkey := b.fabric.nextKey

	addr := uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	b.mrs[handle] = &simulatedMR{
		buf:    buf,
		pd:     pd,
		addr:   addr,
		access: access,
		lkey:   lkey,
		rkey:   rkey,
	}
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return &VerbsMRInfo{
		Handle: handle,
		Addr:   addr,
		Length: uint64(len(buf)),
		LKey:   lkey,
		RKey:   rkey,
	}, nil
}

func (b *SimulatedVerbsProvider) DeregMR(mr VerbsMR) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if _, ok := b.mrs[mr]; !ok {
		return ErrInvalidHandle
	}

	delete(b.mrs, mr)
	atomic.AddInt64(&b.metrics.MRsDeregistered, 1)

	return nil
}

// lookup resolves [addr, addr+length) through a registration in pd.
func (b *SimulatedVerbsProvider) lookup(pd VerbsPD, addr uint64, length uint32, match func(*simulatedMR) bool) ([]byte, bool) {
	for _, mr := range b.mrs {
		if mr.pd != pd || !match(mr) {
			continue
		}

		end := mr.addr + uint64(len(mr.buf))
		if addr < mr.addr || addr+uint64(length) > end {
			continue
		}

		off := addr - mr.addr

		return mr.buf[off : off+uint64(length)], true
	}

	return nil, false
}

func (q *simulatedQP) localSegments(sgl []VerbsSGE) ([][]byte, bool) {
	segs := make([][]byte, 0, len(sgl))
	for _, sge := range sgl {
		seg, ok := q.owner.lookup(q.pd, sge.Addr, sge.Length, func(mr *simulatedMR) bool {
			return mr.lkey == sge.LKey
		})
		if !ok {
			return nil, false
		}

		segs = append(segs, seg)
	}

	return segs, true
}

func (q *simulatedQP) complete(wr VerbsSendWR, status WCStatus, op WCOpcode, n uint32) {
	if status == WCSuccess && len(q.owner.wcFailures) > 0 {
		status = q.owner.wcFailures[0]
		q.owner.wcFailures = q.owner.wcFailures[1:]
		n = 0
	}

	// A failed work request moves the queue pair to the error state.
	if status != WCSuccess {
		q.attr.State = QPStateErr
	}

	if status == WCSuccess && wr.SendFlags&SendFlagSignaled == 0 && !q.init.SigAll {
		return
	}

	q.sendCQ.push(VerbsWorkCompletion{
		WRID:    wr.WRID,
		Status:  status,
		Opcode:  op,
		ByteLen: n,
		QPN:     q.qpNum,
	}, q.owner)
}

func (c *simulatedCQ) push(wc VerbsWorkCompletion, owner *SimulatedVerbsProvider) {
	if len(c.completions) >= c.size {
		atomic.AddInt64(&owner.metrics.CQOverruns, 1)
	}

	c.completions = append(c.completions, wc)
}

// route finds the connected peer of q, checking that the address vector
// programmed at RTR actually reaches the peer's port.
func (f *SimulatedFabric) route(q *simulatedQP) (*simulatedQP, WCStatus) {
	dst, ok := f.qps[q.attr.DestQPN]
	if !ok {
		return nil, WCRetryExcErr
	}

	if dst.attr.State != QPStateRTR && dst.attr.State != QPStateRTS {
		return nil, WCRetryExcErr
	}

	if dst.attr.DestQPN != q.qpNum {
		return nil, WCRetryExcErr
	}

	path := q.attr.Path
	if path.IsGlobal != 0 {
		found := false
		for _, gid := range dst.device.gids {
			if bytes.Equal(gid[:], path.GRH.DGID[:]) {
				found = true
				break
			}
		}

		if !found {
			return nil, WCRetryExcErr
		}
	} else if dst.device.port.LinkLayer != LinkLayerInfiniBand || dst.device.port.LID != path.DLID {
		return nil, WCRetryExcErr
	}

	return dst, WCSuccess
}

func (b *SimulatedVerbsProvider) PostSend(qp VerbsQP, wr *VerbsSendWR) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if err := b.injected("PostSend"); err != nil {
		return err
	}

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrInvalidHandle
	}

	if simQP.attr.State != QPStateRTS {
		return fmt.Errorf("%w: queue pair in state %s", ErrPostSend, simQP.attr.State)
	}

	if wr == nil || len(wr.SGList) > simQP.init.MaxSendSG {
		return fmt.Errorf("%w: invalid scatter/gather list", ErrPostSend)
	}

	outstanding := 0
	for _, other := range b.fabric.qps {
		for _, p := range other.pending {
			if p.src == simQP {
				outstanding++
			}
		}
	}

	if outstanding >= simQP.init.MaxSendWR {
		return fmt.Errorf("%w: send queue full", ErrPostSend)
	}

	local, ok := simQP.localSegments(wr.SGList)
	if !ok {
		simQP.complete(*wr, WCLocalProtErr, wcOpcodeFor(wr.Opcode), 0)
		return nil
	}

	switch wr.Opcode {
	case WROpSend:
		atomic.AddInt64(&b.metrics.SendsPosted, 1)
		b.fabric.send(simQP, *wr, bytes.Join(local, nil))
	case WROpRDMAWrite:
		atomic.AddInt64(&b.metrics.RDMAWrites, 1)
		b.fabric.rdma(simQP, *wr, local, MRAccessRemoteWrite)
	case WROpRDMARead:
		atomic.AddInt64(&b.metrics.RDMAReads, 1)
		b.fabric.rdma(simQP, *wr, local, MRAccessRemoteRead)
	default:
		return fmt.Errorf("%w: unsupported opcode %d", ErrPostSend, wr.Opcode)
	}

	return nil
}

func wcOpcodeFor(op WROpcode) WCOpcode {
	switch op {
	case WROpRDMAWrite, WROpRDMAWriteWithImm:
		return WCOpRDMAWrite
	case WROpRDMARead:
		return WCOpRDMARead
	default:
		return WCOpSend
	}
}

func (f *SimulatedFabric) send(src *simulatedQP, wr VerbsSendWR, data []byte) {
	dst, status := f.route(src)
	if status != WCSuccess {
		src.complete(wr, status, WCOpSend, 0)
		return
	}

	if len(dst.recvQueue) == 0 {
		// RNR retry 7 retries forever; anything less gives up immediately here.
		if src.attr.RnrRetry < 7 {
			src.complete(wr, WCRnrRetryExcErr, WCOpSend, 0)
			return
		}

		dst.pending = append(dst.pending, &pendingSend{src: src, wr: wr, data: data})

		return
	}

	f.deliver(src, wr, data, dst)
}

// deliver consumes the first posted receive of dst.
func (f *SimulatedFabric) deliver(src *simulatedQP, wr VerbsSendWR, data []byte, dst *simulatedQP) {
	recv := dst.recvQueue[0]
	dst.recvQueue = dst.recvQueue[1:]

	segs, ok := dst.localSegments(recv.SGList)
	if !ok {
		dst.completeRecv(recv, WCLocalProtErr, 0, src.qpNum)
		src.complete(wr, WCRemoteOpErr, WCOpSend, 0)

		return
	}

	capacity := 0
	for _, s := range segs {
		capacity += len(s)
	}

	if len(data) > capacity {
		dst.completeRecv(recv, WCLocalLenErr, 0, src.qpNum)
		src.complete(wr, WCRemoteInvalidReqErr, WCOpSend, 0)

		return
	}

	rest := data
	for _, s := range segs {
		n := copy(s, rest)
		rest = rest[n:]
	}

	n := uint32(len(data)) //nolint:gosec // G115: bounded by registered region length
	dst.completeRecv(recv, WCSuccess, n, src.qpNum)
	src.complete(wr, WCSuccess, WCOpSend, n)
}

func (q *simulatedQP) completeRecv(wr VerbsRecvWR, status WCStatus, n uint32, srcQP uint32) {
	if status != WCSuccess {
		q.attr.State = QPStateErr
	}

	q.recvCQ.push(VerbsWorkCompletion{
		WRID:    wr.WRID,
		Status:  status,
		Opcode:  WCOpRecv,
		ByteLen: n,
		QPN:     q.qpNum,
		SrcQP:   srcQP,
	}, q.owner)
}

func (f *SimulatedFabric) rdma(src *simulatedQP, wr VerbsSendWR, local [][]byte, access int) {
	op := WCOpRDMAWrite
	if access == MRAccessRemoteRead {
		op = WCOpRDMARead
	}

	dst, status := f.route(src)
	if status != WCSuccess {
		src.complete(wr, status, op, 0)
		return
	}

	total := 0
	for _, s := range local {
		total += len(s)
	}

	remote, ok := dst.owner.lookup(dst.pd, wr.RemoteAddr, uint32(total), func(mr *simulatedMR) bool { //nolint:gosec // G115: bounded by SGE lengths
		return mr.rkey == wr.RKey && mr.access&access != 0
	})
	if !ok || dst.attr.QPAccessFlags&access == 0 {
		src.complete(wr, WCRemoteAccessErr, op, 0)
		return
	}

	for _, s := range local {
		if op == WCOpRDMAWrite {
			copy(remote, s)
		} else {
			copy(s, remote)
		}

		remote = remote[len(s):]
	}

	src.complete(wr, WCSuccess, op, uint32(total)) //nolint:gosec // G115: bounded by SGE lengths
}

func (b *SimulatedVerbsProvider) PostRecv(qp VerbsQP, wr *VerbsRecvWR) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if err := b.injected("PostRecv"); err != nil {
		return err
	}

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrInvalidHandle
	}

	switch simQP.attr.State {
	case QPStateInit, QPStateRTR, QPStateRTS:
	default:
		return fmt.Errorf("%w: queue pair in state %s", ErrPostRecv, simQP.attr.State)
	}

	if wr == nil || len(wr.SGList) > simQP.init.MaxRecvSG {
		return fmt.Errorf("%w: invalid scatter/gather list", ErrPostRecv)
	}

	if len(simQP.recvQueue) >= simQP.init.MaxRecvWR {
		return fmt.Errorf("%w: receive queue full", ErrPostRecv)
	}

	copied := *wr
	copied.SGList = append([]VerbsSGE(nil), wr.SGList...)
	simQP.recvQueue = append(simQP.recvQueue, copied)
	atomic.AddInt64(&b.metrics.RecvsPosted, 1)

	if len(simQP.pending) > 0 {
		p := simQP.pending[0]
		simQP.pending = simQP.pending[1:]
		b.fabric.deliver(p.src, p.wr, p.data, simQP)
	}

	return nil
}

// LiveMemoryRegions reports how many registrations are currently held.
func (b *SimulatedVerbsProvider) LiveMemoryRegions() int {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	return len(b.mrs)
}

// LiveObjects reports the number of live contexts, PDs, CQs, QPs and MRs.
func (b *SimulatedVerbsProvider) LiveObjects() int {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	return len(b.contexts) + len(b.pds) + len(b.cqs) + len(b.qps) + len(b.mrs)
}

func (b *SimulatedVerbsProvider) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":        true,
		"devices_opened":   atomic.LoadInt64(&b.metrics.DevicesOpened),
		"devices_closed":   atomic.LoadInt64(&b.metrics.DevicesClosed),
		"pds_created":      atomic.LoadInt64(&b.metrics.PDsCreated),
		"pds_deallocated":  atomic.LoadInt64(&b.metrics.PDsDeallocated),
		"cqs_created":      atomic.LoadInt64(&b.metrics.CQsCreated),
		"cqs_destroyed":    atomic.LoadInt64(&b.metrics.CQsDestroyed),
		"qps_created":      atomic.LoadInt64(&b.metrics.QPsCreated),
		"qps_destroyed":    atomic.LoadInt64(&b.metrics.QPsDestroyed),
		"qp_modifications": atomic.LoadInt64(&b.metrics.QPModifications),
		"mrs_registered":   atomic.LoadInt64(&b.metrics.MRsRegistered),
		"mrs_deregistered": atomic.LoadInt64(&b.metrics.MRsDeregistered),
		"sends_posted":     atomic.LoadInt64(&b.metrics.SendsPosted),
		"recvs_posted":     atomic.LoadInt64(&b.metrics.RecvsPosted),
		"rdma_reads":       atomic.LoadInt64(&b.metrics.RDMAReads),
		"rdma_writes":      atomic.LoadInt64(&b.metrics.RDMAWrites),
		"completions":      atomic.LoadInt64(&b.metrics.Completions),
		"cq_overruns":      atomic.LoadInt64(&b.metrics.CQOverruns),
		"errors":           atomic.LoadInt64(&b.metrics.Errors),
	}
}
