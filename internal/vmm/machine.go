// Package vmm is the VM lifecycle controller. A Machine owns one
// guest: its address-space layout, its hypervisor handles, its
// attached devices and the vCPU run loops. All lifecycle operations
// are serialized; concurrent callers see only the well-defined states
// Created, Booting, Running, Paused, Shutdown and Failed, never a
// half-transition.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/keelvm/keel/internal/boot"
	"github.com/keelvm/keel/internal/debug"
	"github.com/keelvm/keel/internal/gpa"
	"github.com/keelvm/keel/internal/hv"
	"github.com/keelvm/keel/internal/verr"
)

// State is the lifecycle state of a Machine.
type State int32

const (
	StateCreated State = iota
	StateBooting
	StateRunning
	StatePaused
	StateShutdown
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBooting:
		return "booting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateShutdown:
		return "shutdown"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrUnknownDevice reports a detach of a device id that is not
	// attached.
	ErrUnknownDevice = errors.New("unknown device")
)

// mmioWindowSize is the guest-physical window above RAM from which
// device register windows are allocated.
const mmioWindowSize = 256 << 20

// Options carries the collaborators a Machine needs.
type Options struct {
	// Hypervisor provides the virtualization capability. Required.
	Hypervisor hv.Hypervisor

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Loader overrides the kernel boot loader built from the config.
	// Used by tests and by migration targets.
	Loader hv.VMLoader
}

// Machine is one guest VM and its lifecycle state machine.
type Machine struct {
	cfg Config
	hyp hv.Hypervisor
	log *slog.Logger

	space  *gpa.Space
	loader hv.VMLoader

	mu   sync.Mutex
	cond *sync.Cond

	state   State
	failErr error
	vm      hv.VirtualMachine

	devices []*AttachedDevice
	pending []DeviceConfig
	nextIRQ uint32

	// vCPU coordination. Guarded by mu; cond broadcasts on every
	// change.
	ready       int
	parked      int
	released    bool
	stopping    bool
	runGen      uint64
	runCtx      context.Context
	runCancel   context.CancelFunc
	sliceCtx    context.Context
	sliceCancel context.CancelFunc

	runDone  chan struct{}
	runErr   error
	haltOnce sync.Once

	// opMu serializes lifecycle operations (boot, pause, resume,
	// attach, detach, shutdown). A shutdown requested during boot
	// waits here and applies as soon as boot completes.
	opMu sync.Mutex
}

// New creates a Machine in StateCreated. The address-space layout is
// fixed at creation: RAM at [0, memory), an MMIO window above it.
func New(cfg Config, opts Options) (*Machine, error) {
	if opts.Hypervisor == nil {
		return nil, fmt.Errorf("vmm: options need a hypervisor")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name != "" {
		logger = logger.With("vm", cfg.Name)
	}

	space, err := gpa.New(0, cfg.MemoryBytes()+mmioWindowSize)
	if err != nil {
		return nil, err
	}
	if err := space.Reserve(gpa.Range{Base: 0, Size: cfg.MemoryBytes(), Kind: gpa.KindRAM}); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:     cfg,
		hyp:     opts.Hypervisor,
		log:     logger,
		space:   space,
		loader:  opts.Loader,
		state:   StateCreated,
		nextIRQ: 5,
		pending: append([]DeviceConfig(nil), cfg.Devices...),
		runDone: make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m, nil
}

// setStateLocked moves the lifecycle state and records the transition
// in the trace. Caller holds m.mu.
func (m *Machine) setStateLocked(s State) {
	debug.State("machine", m.state.String(), s.String())
	m.state = s
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the failure that moved the machine to StateFailed.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failErr
}

// Space returns the guest-physical address layout.
func (m *Machine) Space() *gpa.Space { return m.space }

// VM returns the capability handle, nil before boot.
func (m *Machine) VM() hv.VirtualMachine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vm
}

// Config returns a copy of the machine description.
func (m *Machine) Config() Config { return m.cfg }

// WaitState blocks until the machine reaches s or ctx expires. A
// terminal state that is not s ends the wait with an error, since s
// can no longer arrive.
func (m *Machine) WaitState(ctx context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.waitLocked(ctx, func() bool {
		return m.state == s || m.state == StateShutdown || m.state == StateFailed
	})
	if err != nil {
		return err
	}
	if m.state != s {
		if m.state == StateFailed && m.failErr != nil {
			return m.failErr
		}
		return &verr.Error{Op: "vm.wait",
			Err: fmt.Errorf("machine is %s, not %s: %w", m.state, s, verr.ErrLifecycle)}
	}
	return nil
}

// waitLocked blocks on the condition variable until pred holds or ctx
// expires. Caller holds m.mu.
func (m *Machine) waitLocked(ctx context.Context, pred func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()
	for !pred() {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.cond.Wait()
	}
	return nil
}

// Boot builds the hypervisor VM, materializes devices, loads the
// guest image and releases the vCPUs. Valid only in StateCreated.
func (m *Machine) Boot(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.bootLocked(ctx, true)
}

// PrepareTarget builds the VM shell for a migration target: devices
// and vCPU threads exist and are parked, no guest image is loaded,
// and the machine reports StatePaused. Restored state is applied by
// the migration engine; Resume starts execution.
func (m *Machine) PrepareTarget(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.bootLocked(ctx, false)
}

func (m *Machine) bootLocked(ctx context.Context, start bool) error {
	m.mu.Lock()
	if m.state != StateCreated {
		state := m.state
		m.mu.Unlock()
		return &verr.Error{Op: "vm.boot", Err: fmt.Errorf("machine is %s: %w", state, verr.ErrLifecycle)}
	}
	m.setStateLocked(StateBooting)
	m.cond.Broadcast()
	m.mu.Unlock()

	fail := func(err error) error {
		m.mu.Lock()
		m.setStateLocked(StateFailed)
		m.failErr = err
		m.cond.Broadcast()
		m.mu.Unlock()
		return err
	}

	vm, err := m.hyp.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:          m.cfg.CPUs,
		MemSize:          m.cfg.MemoryBytes(),
		MemBase:          0,
		InterruptSupport: true,
	})
	if err != nil {
		return fail(&verr.Error{Op: "vm.boot", Err: fmt.Errorf("create VM: %w: %w", err, verr.ErrCapabilityFailure)})
	}
	m.mu.Lock()
	m.vm = vm
	m.mu.Unlock()

	if err := m.materializePending(ctx); err != nil {
		_ = vm.Close()
		return fail(err)
	}

	// The loader is built after device attach so the e820 map and the
	// device cmdline parameters see the final layout.
	loader := m.loader
	if loader == nil && start && m.cfg.Kernel != "" {
		loader, err = m.buildLoader()
		if err != nil {
			_ = vm.Close()
			return fail(err)
		}
	}
	if !start {
		loader = nil
	}
	if loader != nil {
		if err := loader.Load(vm); err != nil {
			_ = vm.Close()
			return fail(&verr.Error{Op: "vm.boot", Err: err})
		}
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.runCtx, m.runCancel = runCtx, runCancel
	if start {
		m.releaseLocked()
	}
	m.mu.Unlock()

	go func() {
		err := vm.Run(runCtx, vcpuDriver{m})
		m.mu.Lock()
		m.runErr = err
		m.mu.Unlock()
		close(m.runDone)
	}()

	// Running is reported only once every vCPU loop is live.
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.waitLocked(ctx, func() bool { return m.ready == m.cfg.CPUs || m.stopping }); err != nil {
		m.stopping = true
		if m.sliceCancel != nil {
			m.sliceCancel()
		}
		runCancel()
		m.cond.Broadcast()
		m.setStateLocked(StateFailed)
		m.failErr = err
		return &verr.Error{Op: "vm.boot", Err: fmt.Errorf("vcpus not ready: %w", err)}
	}
	if start {
		m.setStateLocked(StateRunning)
	} else {
		m.setStateLocked(StatePaused)
	}
	m.cond.Broadcast()
	m.log.Info("machine state", "state", m.state.String(), "cpus", m.cfg.CPUs,
		"memory_mib", m.cfg.MemoryMiB)
	return nil
}

func (m *Machine) buildLoader() (hv.VMLoader, error) {
	f, err := os.Open(m.cfg.Kernel)
	if err != nil {
		return nil, fmt.Errorf("vmm: open kernel: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("vmm: stat kernel: %w", err)
	}
	kernel, err := boot.LoadKernel(f, st.Size())
	if err != nil {
		return nil, err
	}

	var initramfs []byte
	if m.cfg.Initramfs != "" {
		initramfs, err = boot.ReadInitramfs(m.cfg.Initramfs)
		if err != nil {
			return nil, err
		}
	}

	cmdline := m.cfg.Cmdline
	for _, ad := range m.Devices() {
		if p := ad.Device.CmdlineParam(); p != "" {
			if cmdline != "" {
				cmdline += " "
			}
			cmdline += p
		}
	}
	return &boot.Loader{Kernel: kernel, Cmdline: cmdline, Initramfs: initramfs, Space: m.space}, nil
}

// vcpuDriver runs one vCPU's slice loop. Slices are bounded by the
// controller: pause and shutdown cancel the slice context; the loop
// parks between slices and exits when the machine stops.
type vcpuDriver struct{ m *Machine }

func (d vcpuDriver) Run(_ context.Context, vcpu hv.VirtualCPU) error {
	m := d.m

	m.mu.Lock()
	m.ready++
	m.parked++
	m.cond.Broadcast()
	var gen uint64
	for {
		for !m.stopping && !(m.released && m.runGen != gen) {
			m.cond.Wait()
		}
		if m.stopping {
			m.mu.Unlock()
			return nil
		}
		gen = m.runGen
		sliceCtx := m.sliceCtx
		m.parked--
		m.mu.Unlock()

		err := vcpu.Run(sliceCtx)

		m.mu.Lock()
		m.parked++
		m.cond.Broadcast()
		switch {
		case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// Controller-requested exit; park and wait.
		case errors.Is(err, hv.ErrVMHalted):
			m.log.Info("guest halted", "vcpu", vcpu.ID())
			m.stopping = true
			m.cond.Broadcast()
			m.haltOnce.Do(func() {
				go func() { _ = m.Shutdown(context.Background()) }()
			})
		default:
			vmErr := &verr.Error{
				Op:  "vcpu.run",
				Dev: fmt.Sprintf("vcpu%d", vcpu.ID()),
				Err: fmt.Errorf("%w: %w", err, verr.ErrCapabilityFailure),
			}
			m.failLocked(vmErr)
			m.mu.Unlock()
			return vmErr
		}
	}
}

// failLocked moves the machine to StateFailed and stops all vCPU
// loops. Caller holds m.mu.
func (m *Machine) failLocked(err error) {
	if m.state == StateFailed || m.state == StateShutdown {
		return
	}
	m.setStateLocked(StateFailed)
	m.failErr = err
	m.stopping = true
	if m.sliceCancel != nil {
		m.sliceCancel()
	}
	m.cond.Broadcast()
	m.log.Error("machine failed", "err", err)
}

// Fail moves the machine to StateFailed from outside the vCPU loops
// (device disconnect policy, embedder decision).
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLocked(err)
}

// releaseLocked opens a new run generation so parked vCPUs enter the
// guest again. Caller holds m.mu.
func (m *Machine) releaseLocked() {
	m.released = true
	m.runGen++
	m.sliceCtx, m.sliceCancel = context.WithCancel(m.runCtx)
	m.cond.Broadcast()
}

// parkLocked cancels the current slice and waits until every vCPU is
// parked. On deadline the vCPUs are released again. Caller holds m.mu.
func (m *Machine) parkLocked(ctx context.Context) error {
	m.released = false
	m.sliceCancel()
	if err := m.waitLocked(ctx, func() bool { return m.parked == m.cfg.CPUs || m.stopping }); err != nil {
		m.releaseLocked()
		return fmt.Errorf("vcpus not parked: %w: %w", err, verr.ErrMigrationTimeout)
	}
	return nil
}

// opCtx applies the configured timeout when the caller supplied no
// deadline.
func opCtx(ctx context.Context, fallback func() (context.Context, context.CancelFunc)) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return fallback()
}

// Pause drives the machine to StatePaused: every vCPU parks, then
// every device acknowledges quiescence. The transition is all or
// nothing; on timeout or device failure the machine returns to
// Running and the error reports which component missed the deadline.
func (m *Machine) Pause(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx, cancel := opCtx(ctx, func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, m.cfg.PauseTimeout)
	})
	defer cancel()

	m.mu.Lock()
	switch m.state {
	case StatePaused:
		m.mu.Unlock()
		return nil
	case StateRunning:
	default:
		state := m.state
		m.mu.Unlock()
		return &verr.Error{Op: "vm.pause", Err: fmt.Errorf("machine is %s: %w", state, verr.ErrLifecycle)}
	}
	if err := m.parkLocked(ctx); err != nil {
		m.mu.Unlock()
		return &verr.Error{Op: "vm.pause", Err: err}
	}
	if m.stopping {
		m.mu.Unlock()
		return &verr.Error{Op: "vm.pause", Err: verr.ErrLifecycle}
	}
	m.mu.Unlock()

	var quiesced []*AttachedDevice
	for _, ad := range m.Devices() {
		if err := ad.Device.Pause(ctx); err != nil {
			for _, q := range quiesced {
				_ = q.Device.Resume()
			}
			m.mu.Lock()
			m.releaseLocked()
			m.mu.Unlock()
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w", err, verr.ErrMigrationTimeout)
			}
			return &verr.Error{Op: "vm.pause", Dev: ad.ID, Err: err}
		}
		quiesced = append(quiesced, ad)
	}

	m.mu.Lock()
	m.setStateLocked(StatePaused)
	m.cond.Broadcast()
	m.mu.Unlock()
	m.log.Debug("machine state", "state", StatePaused.String())
	return nil
}

// Resume returns a Paused machine to Running.
func (m *Machine) Resume(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	switch m.state {
	case StateRunning:
		m.mu.Unlock()
		return nil
	case StatePaused:
	default:
		state := m.state
		m.mu.Unlock()
		return &verr.Error{Op: "vm.resume", Err: fmt.Errorf("machine is %s: %w", state, verr.ErrLifecycle)}
	}
	m.mu.Unlock()

	// A device that cannot resume is marked Failed by the transport;
	// the machine still resumes (the guest sees a failed device, not
	// a frozen VM).
	for _, ad := range m.Devices() {
		if err := ad.Device.Resume(); err != nil {
			m.log.Error("device resume failed", "device", ad.ID, "err", err)
		}
	}

	m.mu.Lock()
	m.releaseLocked()
	m.setStateLocked(StateRunning)
	m.cond.Broadcast()
	m.mu.Unlock()
	m.log.Debug("machine state", "state", StateRunning.String())
	return nil
}

// Shutdown stops vCPUs, stops devices, frees the address-space ranges
// and closes the capability handles. Idempotent. A shutdown issued
// while a boot is in flight waits for the boot and then applies.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	switch m.state {
	case StateShutdown:
		m.mu.Unlock()
		return nil
	case StateCreated:
		m.setStateLocked(StateShutdown)
		m.pending = nil
		m.cond.Broadcast()
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	if m.sliceCancel != nil {
		m.sliceCancel()
	}
	if m.runCancel != nil {
		m.runCancel()
	}
	m.cond.Broadcast()
	vm := m.vm
	m.mu.Unlock()

	if vm != nil {
		select {
		case <-m.runDone:
		case <-ctx.Done():
			return &verr.Error{Op: "vm.shutdown", Err: ctx.Err()}
		}
	}

	var firstErr error
	for _, ad := range m.Devices() {
		if err := ad.stop(ctx, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.mu.Lock()
	m.devices = nil
	m.mu.Unlock()

	if err := m.space.Free(gpa.Range{Base: 0, Size: m.cfg.MemoryBytes(), Kind: gpa.KindRAM}); err != nil && firstErr == nil {
		firstErr = err
	}
	if vm != nil {
		if err := vm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.mu.Lock()
	m.setStateLocked(StateShutdown)
	m.cond.Broadcast()
	m.mu.Unlock()
	m.log.Info("machine state", "state", StateShutdown.String())
	if firstErr != nil {
		return &verr.Error{Op: "vm.shutdown", Err: firstErr}
	}
	return nil
}

// transientPause parks the vCPUs without quiescing devices, for
// hot-plug window mutation while Running. The returned release
// function reopens execution.
func (m *Machine) transientPause(ctx context.Context) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return nil, fmt.Errorf("machine is %s: %w", m.state, verr.ErrLifecycle)
	}
	if err := m.parkLocked(ctx); err != nil {
		return nil, err
	}
	return func() {
		m.mu.Lock()
		m.releaseLocked()
		m.mu.Unlock()
	}, nil
}
