// Package keel runs hardware-isolated virtual machines from declarative
// configuration. A VM owns one guest: its memory layout, its virtio
// devices and its vCPU threads. VMs can be paused, resumed, snapshotted
// to a stream and live-migrated over any io.ReadWriter.
package keel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/keelvm/keel/internal/debug"
	"github.com/keelvm/keel/internal/hv"
	"github.com/keelvm/keel/internal/hv/kvm"
	"github.com/keelvm/keel/internal/migration"
	"github.com/keelvm/keel/internal/verr"
	"github.com/keelvm/keel/internal/vmm"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// Config is the declarative machine description.
type Config = vmm.Config

// DeviceConfig describes one attached device.
type DeviceConfig = vmm.DeviceConfig

// State is the lifecycle state of a VM.
type State = vmm.State

// Error carries the operation and device that produced an error. It
// unwraps to one of the sentinel errors below.
type Error = verr.Error

// Lifecycle states.
const (
	StateCreated  = vmm.StateCreated
	StateBooting  = vmm.StateBooting
	StateRunning  = vmm.StateRunning
	StatePaused   = vmm.StatePaused
	StateShutdown = vmm.StateShutdown
	StateFailed   = vmm.StateFailed
)

// Common sentinel errors. Use errors.Is to classify failures.
var (
	ErrResourceExhausted       = verr.ErrResourceExhausted
	ErrProtocolViolation       = verr.ErrProtocolViolation
	ErrCapabilityFailure       = verr.ErrCapabilityFailure
	ErrBackendDisconnected     = verr.ErrBackendDisconnected
	ErrMigrationFormatMismatch = verr.ErrMigrationFormatMismatch
	ErrMigrationTimeout        = verr.ErrMigrationTimeout
	ErrLifecycle               = verr.ErrLifecycle

	// ErrHypervisorUnsupported indicates no hypervisor is available.
	// This can happen when:
	// - Running on a platform without KVM
	// - Missing permissions on /dev/kvm
	// - Running in a VM or container without nested virtualization
	ErrHypervisorUnsupported = hv.ErrHypervisorUnsupported
)

var envInitOnce sync.Once

// initFromEnv wires process-wide debugging from environment variables.
// KEEL_VERBOSE enables slog debug output; KEEL_TRACE names a trace
// file. Called once, before the first VM is created.
func initFromEnv() {
	envInitOnce.Do(func() {
		if os.Getenv("KEEL_VERBOSE") != "" {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			})))
		}
		if err := debug.InitFromEnv(); err != nil {
			slog.Warn("trace init failed", "error", err)
		}
	})
}

// SupportsHypervisor reports whether a hypervisor is available on this
// system. Returns nil if available, or an error describing why not.
//
// Example:
//
//	if err := keel.SupportsHypervisor(); err != nil {
//	    log.Fatal("hypervisor unavailable:", err)
//	}
func SupportsHypervisor() error {
	h, err := kvm.Open()
	if err != nil {
		return err
	}
	return h.Close()
}

// LoadConfig reads and validates a YAML machine description.
func LoadConfig(path string) (Config, error) {
	return vmm.LoadConfig(path)
}

// VM is a virtual machine and its migration engine.
type VM struct {
	m      *vmm.Machine
	engine migration.Engine

	// ownedHyp is closed with the VM when the hypervisor was opened
	// by New rather than supplied by the caller.
	ownedHyp io.Closer
}

// New creates a VM from the given config. The hypervisor defaults to
// the platform driver; the VM does not run until Boot is called. The
// caller must call Close when finished.
func New(cfg Config, opts ...Option) (*VM, error) {
	initFromEnv()

	var (
		mo    vmm.Options
		owned io.Closer
	)
	for _, o := range opts {
		switch o := o.(type) {
		case interface{ SizeMiB() uint64 }:
			cfg.MemoryMiB = o.SizeMiB()
		case interface{ CPUs() int }:
			cfg.CPUs = o.CPUs()
		case interface{ Logger() *slog.Logger }:
			mo.Logger = o.Logger()
		case interface{ Hypervisor() hv.Hypervisor }:
			mo.Hypervisor = o.Hypervisor()
		case interface{ Loader() hv.VMLoader }:
			mo.Loader = o.Loader()
		default:
			return nil, fmt.Errorf("keel: unknown option %T", o)
		}
	}
	if mo.Hypervisor == nil {
		h, err := kvm.Open()
		if err != nil {
			return nil, err
		}
		mo.Hypervisor = h
		owned = h
	}

	m, err := vmm.New(cfg, mo)
	if err != nil {
		if owned != nil {
			owned.Close()
		}
		return nil, err
	}
	v := &VM{m: m, ownedHyp: owned}
	v.engine.Log = mo.Logger
	return v, nil
}

// Boot loads the guest and starts the vCPUs.
func (v *VM) Boot(ctx context.Context) error { return v.m.Boot(ctx) }

// Pause cooperatively stops the guest. Device state remains intact and
// Resume continues execution.
func (v *VM) Pause(ctx context.Context) error { return v.m.Pause(ctx) }

// Resume restarts a paused guest.
func (v *VM) Resume(ctx context.Context) error { return v.m.Resume(ctx) }

// Shutdown stops the guest and releases its devices. The VM cannot be
// restarted afterwards.
func (v *VM) Shutdown(ctx context.Context) error { return v.m.Shutdown(ctx) }

// State returns the current lifecycle state.
func (v *VM) State() State { return v.m.State() }

// Err returns the failure cause when State is StateFailed.
func (v *VM) Err() error { return v.m.Err() }

// WaitState blocks until the VM reaches the given state, the VM fails,
// or the context is done.
func (v *VM) WaitState(ctx context.Context, s State) error {
	return v.m.WaitState(ctx, s)
}

// Machine exposes the underlying lifecycle controller for device
// attach and detach.
func (v *VM) Machine() *vmm.Machine { return v.m }

// Snapshot writes a consistent full snapshot of the guest to w. A
// running VM is transiently paused for the duration.
func (v *VM) Snapshot(ctx context.Context, w io.Writer) error {
	return v.engine.Snapshot(ctx, v.m, w)
}

// MigrateTo live-migrates the guest over conn using iterative pre-copy.
// Once the target acknowledges the complete state the local VM is shut
// down; on failure it resumes running here.
func (v *VM) MigrateTo(ctx context.Context, conn io.ReadWriter) error {
	if err := v.engine.MigrateTo(ctx, v.m, conn); err != nil {
		return err
	}
	return v.m.Shutdown(ctx)
}

// Close shuts the VM down if it is still running and releases the
// hypervisor if New opened it.
func (v *VM) Close() error {
	err := v.m.Shutdown(context.Background())
	if v.ownedHyp != nil {
		if cerr := v.ownedHyp.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Restore creates a VM from cfg and populates it from the snapshot
// stream r. The VM is left paused; call Resume to run it.
func Restore(ctx context.Context, cfg Config, r io.Reader, opts ...Option) (*VM, error) {
	v, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := v.m.PrepareTarget(ctx); err != nil {
		v.Close()
		return nil, err
	}
	if err := v.engine.Restore(ctx, v.m, r); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

// MigrateFrom creates a VM from cfg and receives a live migration over
// conn. On success the guest is running locally and the source side
// has shut down.
func MigrateFrom(ctx context.Context, cfg Config, conn io.ReadWriter, opts ...Option) (*VM, error) {
	v, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := v.m.PrepareTarget(ctx); err != nil {
		v.Close()
		return nil, err
	}
	if err := v.engine.MigrateFrom(ctx, v.m, conn); err != nil {
		v.Close()
		return nil, err
	}
	if err := v.m.Resume(ctx); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}
