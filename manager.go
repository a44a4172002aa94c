package keel

import (
	"context"
	"io"
	"sync"

	"github.com/keelvm/keel/internal/hv"
	"github.com/keelvm/keel/internal/hv/kvm"
)

// Manager shares one hypervisor handle across many VMs. Use it when a
// host process runs a fleet; a single VM is simpler with New directly.
type Manager struct {
	hyp   hv.Hypervisor
	owned bool

	mu     sync.Mutex
	vms    []*VM
	closed bool
}

// NewManager opens the platform hypervisor (or takes one supplied with
// WithHypervisor) for use by every VM it creates.
func NewManager(opts ...Option) (*Manager, error) {
	initFromEnv()

	mgr := &Manager{}
	for _, o := range opts {
		if h, ok := o.(interface{ Hypervisor() hv.Hypervisor }); ok {
			mgr.hyp = h.Hypervisor()
		}
	}
	if mgr.hyp == nil {
		h, err := kvm.Open()
		if err != nil {
			return nil, err
		}
		mgr.hyp = h
		mgr.owned = true
	}
	return mgr, nil
}

// Create makes a VM on the manager's hypervisor. Per-VM options may
// still override memory, CPUs and logging.
func (mgr *Manager) Create(cfg Config, opts ...Option) (*VM, error) {
	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		return nil, ErrLifecycle
	}
	mgr.mu.Unlock()

	v, err := New(cfg, append([]Option{WithHypervisor(mgr.hyp)}, opts...)...)
	if err != nil {
		return nil, err
	}
	mgr.track(v)
	return v, nil
}

// Restore makes a VM on the manager's hypervisor from a snapshot
// stream. The VM is left paused.
func (mgr *Manager) Restore(ctx context.Context, cfg Config, r io.Reader, opts ...Option) (*VM, error) {
	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		return nil, ErrLifecycle
	}
	mgr.mu.Unlock()

	v, err := Restore(ctx, cfg, r, append([]Option{WithHypervisor(mgr.hyp)}, opts...)...)
	if err != nil {
		return nil, err
	}
	mgr.track(v)
	return v, nil
}

func (mgr *Manager) track(v *VM) {
	mgr.mu.Lock()
	mgr.vms = append(mgr.vms, v)
	mgr.mu.Unlock()
}

// VMs returns the manager's VMs that have not reached a terminal
// state.
func (mgr *Manager) VMs() []*VM {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	live := mgr.vms[:0]
	for _, v := range mgr.vms {
		if s := v.State(); s != StateShutdown && s != StateFailed {
			live = append(live, v)
		}
	}
	mgr.vms = live
	return append([]*VM(nil), live...)
}

// Close shuts down every VM and releases the hypervisor if the manager
// opened it. The first error wins.
func (mgr *Manager) Close() error {
	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		return nil
	}
	mgr.closed = true
	vms := mgr.vms
	mgr.vms = nil
	mgr.mu.Unlock()

	var firstErr error
	for _, v := range vms {
		if err := v.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if mgr.owned {
		if err := mgr.hyp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
