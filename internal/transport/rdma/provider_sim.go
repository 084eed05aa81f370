//go:build !(rdma_hw && linux && cgo)

package rdma

// HardwareSupport reports whether the libibverbs provider is compiled in.
const HardwareSupport = false

func newHardwareProvider() (VerbsProvider, error) {
	return nil, ErrHardwareUnavailable
}
