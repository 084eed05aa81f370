package rdma

import (
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/piwi3910/rdmalink/internal/metrics"
)

// MemoryRegion represents registered memory for RDMA operations.
type MemoryRegion struct {
	Buffer    []byte
	Address   uint64
	Length    uint64
	LocalKey  uint32
	RemoteKey uint32
	handle    VerbsMR
	owned     bool
}

// Contains reports whether p lies entirely inside the region.
func (r *MemoryRegion) Contains(p []byte) bool {
	_, ok := r.offsetOf(p)
	return ok
}

func (r *MemoryRegion) offsetOf(p []byte) (uint64, bool) {
	if len(p) == 0 {
		return 0, false
	}

	addr := sliceAddr(p)
	if addr < r.Address || addr+uint64(len(p)) > r.Address+r.Length {
		return 0, false
	}

	return addr - r.Address, true
}

func sliceAddr(p []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(p))))
}

// AttachBuffer registers buf as the connection's memory region, replacing
// any region registered before. On failure no region is held.
func (c *Conn) AttachBuffer(buf []byte) (lkey, rkey uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, 0, wrap(ErrRegistration, ErrConnClosed, "")
	}

	if len(buf) == 0 {
		return 0, 0, wrap(ErrRegistration, ErrInvalidBuffer, "")
	}

	if err := c.releaseRegion(); err != nil {
		return 0, 0, wrap(ErrRegistration, err, "")
	}

	region, err := c.register(buf, false)
	if err != nil {
		return 0, 0, err
	}

	return region.LocalKey, region.RemoteKey, nil
}

// AllocateBuffer maps size bytes of page-aligned anonymous memory and
// registers it as the connection's memory region. The mapping is released
// when the region is detached or the connection is closed.
func (c *Conn) AllocateBuffer(size int) (*MemoryRegion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, wrap(ErrRegistration, ErrConnClosed, "")
	}

	if size <= 0 {
		return nil, wrap(ErrRegistration, ErrInvalidBuffer, "size %d", size)
	}

	if err := c.releaseRegion(); err != nil {
		return nil, wrap(ErrRegistration, err, "")
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, wrap(ErrRegistration, err, "map %d bytes", size)
	}

	region, err := c.register(buf, true)
	if err != nil {
		if unmapErr := unix.Munmap(buf); unmapErr != nil {
			log.Error().Err(unmapErr).Str("conn_id", c.id).Msg("Failed to unmap buffer after registration failure")
		}

		return nil, err
	}

	return region, nil
}

// register must be called with c.mu held and no region present.
func (c *Conn) register(buf []byte, owned bool) (*MemoryRegion, error) {
	info, err := c.provider.RegMR(c.pd, buf, accessFlags)
	if err != nil {
		metrics.RecordMemoryRegistration("register", false, 0)
		return nil, wrap(ErrRegistration, err, "register %d bytes", len(buf))
	}

	c.region = &MemoryRegion{
		Buffer:    buf,
		Address:   info.Addr,
		Length:    info.Length,
		LocalKey:  info.LKey,
		RemoteKey: info.RKey,
		handle:    info.Handle,
		owned:     owned,
	}

	metrics.RecordMemoryRegistration("register", true, int64(len(buf)))
	log.Debug().
		Str("conn_id", c.id).
		Int("length", len(buf)).
		Uint32("lkey", info.LKey).
		Uint32("rkey", info.RKey).
		Bool("allocated", owned).
		Msg("Memory region registered")

	return c.region, nil
}

// DetachBuffer deregisters the current region, if any.
func (c *Conn) DetachBuffer() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.releaseRegion(); err != nil {
		return wrap(ErrRegistration, err, "")
	}

	return nil
}

// releaseRegion must be called with c.mu held. The region is forgotten even
// when deregistration fails so that it is never released twice.
func (c *Conn) releaseRegion() error {
	region := c.region
	if region == nil {
		return nil
	}

	c.region = nil

	if err := c.provider.DeregMR(region.handle); err != nil {
		metrics.RecordMemoryRegistration("deregister", false, 0)
		return fmt.Errorf("deregister memory region: %w", err)
	}

	metrics.RecordMemoryRegistration("deregister", true, -int64(region.Length))

	if region.owned {
		if err := unix.Munmap(region.Buffer); err != nil {
			return fmt.Errorf("unmap memory region: %w", err)
		}
	}

	return nil
}

// Region returns the registered memory region, or nil.
func (c *Conn) Region() *MemoryRegion {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.region
}

// Buffer returns the registered buffer, or nil.
func (c *Conn) Buffer() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.region == nil {
		return nil
	}

	return c.region.Buffer
}

// BufferAddress returns the address of the registered buffer, or 0.
func (c *Conn) BufferAddress() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.region == nil {
		return 0
	}

	return c.region.Address
}

// LocalKey returns the lkey of the registered region, or 0.
func (c *Conn) LocalKey() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.region == nil {
		return 0
	}

	return c.region.LocalKey
}

// RemoteKey returns the rkey of the registered region, or 0.
func (c *Conn) RemoteKey() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.region == nil {
		return 0
	}

	return c.region.RemoteKey
}
