//go:build !linux || !amd64

package kvm

import "github.com/keelvm/keel/internal/hv"

// Open reports that KVM is not available on this platform.
func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
