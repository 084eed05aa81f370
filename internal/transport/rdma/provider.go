package rdma

import (
	"errors"
	"fmt"
)

// ErrHardwareUnavailable is returned when hardware verbs were requested from a
// binary built without the rdma_hw tag.
var ErrHardwareUnavailable = errors.New("libibverbs support not compiled in (build with -tags rdma_hw)")

// NewProvider returns an initialized verbs provider as selected by cfg.
func NewProvider(cfg *Config) (VerbsProvider, error) {
	var provider VerbsProvider

	if cfg.Simulated {
		provider = NewSimulatedVerbsProvider()
	} else {
		hw, err := newHardwareProvider()
		if err != nil {
			return nil, err
		}

		provider = hw
	}

	if err := provider.Init(); err != nil {
		return nil, fmt.Errorf("init verbs provider: %w", err)
	}

	return provider, nil
}
