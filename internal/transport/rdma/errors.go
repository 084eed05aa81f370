package rdma

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a Conn wraps exactly one of these.
var (
	ErrSetup           = errors.New("rdma setup failed")
	ErrRegistration    = errors.New("memory registration failed")
	ErrStateTransition = errors.New("queue pair state transition failed")
	ErrHandshake       = errors.New("handshake failed")
	ErrOperation       = errors.New("rdma operation failed")
)

// Specific causes.
var (
	ErrInvalidBuffer       = errors.New("buffer must be non-empty")
	ErrBufferTooLarge      = errors.New("buffer exceeds the 4 GiB work request limit")
	ErrInvalidTransition   = errors.New("invalid queue pair transition")
	ErrQPUnusable          = errors.New("queue pair is unusable after a failed transition")
	ErrNotReady            = errors.New("queue pair is not ready to send")
	ErrNoMemoryRegion      = errors.New("no memory region attached")
	ErrOutOfRegion         = errors.New("buffer lies outside the registered region")
	ErrNoRemoteBuffer      = errors.New("no remote buffer advertised")
	ErrCompletionTimeout   = errors.New("timed out waiting for completion")
	ErrShortWireMsg        = errors.New("wire message must be exactly 40 bytes")
	ErrConnClosed          = errors.New("connection closed")
	ErrHandshakeIncomplete = errors.New("handshake has not completed")
)

// CompletionError describes a work request that completed unsuccessfully.
type CompletionError struct {
	Op        string
	WRID      uint64
	Status    WCStatus
	VendorErr uint32
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%s work request %d completed with %s (status %d, vendor error 0x%x)",
		e.Op, e.WRID, e.Status, int(e.Status), e.VendorErr)
}

// wrap attaches an error kind to a cause.
func wrap(kind, cause error, format string, args ...any) error {
	if format == "" {
		return fmt.Errorf("%w: %w", kind, cause)
	}

	return fmt.Errorf("%w: %s: %w", kind, fmt.Sprintf(format, args...), cause)
}
