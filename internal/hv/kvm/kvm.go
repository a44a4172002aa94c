//go:build linux && amd64

// Package kvm is the Linux hypervisor driver. Guest RAM lives in a
// memfd so vhost-user backends can map it, vCPUs run on dedicated
// locked OS threads, and dirty page tracking uses the kernel's
// per-slot dirty log.
package kvm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/keelvm/keel/internal/hv"
)

// ramSlot is the memory slot backing all of guest RAM.
const ramSlot = 0

// vCPU cancellation works by setting immediate_exit and signalling the
// vCPU thread so KVM_RUN returns EINTR. The process must have a
// handler installed for that signal or delivery would kill it.
var exitSignalOnce sync.Once

func notifyExitSignal() {
	exitSignalOnce.Do(func() {
		signal.Notify(make(chan os.Signal, 1), unix.SIGUSR1)
	})
}

type hypervisor struct {
	fd int

	snapshotMsrsOnce sync.Once
	snapshotMsrs     []uint32
	snapshotMsrsErr  error
}

// Open connects to /dev/kvm and validates the API version.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	notifyExitSignal()

	return &hypervisor{fd: fd}, nil
}

func (h *hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

type virtualMachine struct {
	hv   *hypervisor
	vmFd int

	vcpus map[int]*virtualCPU

	memMu      sync.RWMutex
	memory     []byte
	memFd      int
	memoryBase uint64

	devMu   sync.RWMutex
	devices []hv.Device

	irqMu     sync.Mutex
	irqLevels map[uint32]bool

	dirtyMu  sync.Mutex
	tracking bool
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.MemorySize() == 0 {
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}
	if config.CPUCount() <= 0 {
		return nil, fmt.Errorf("kvm: invalid cpu count %d", config.CPUCount())
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm := &virtualMachine{
		hv:         h,
		vmFd:       vmFd,
		vcpus:      make(map[int]*virtualCPU),
		memFd:      -1,
		memoryBase: config.MemoryBase(),
		irqLevels:  make(map[uint32]bool),
	}

	if err := setTSSAddr(vmFd, 0xfffbd000); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("setting TSS addr: %w", err)
	}

	if config.NeedsInterruptSupport() {
		if err := createIRQChip(vmFd); err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("creating IRQ chip: %w", err)
		}

		if err := createPIT(vmFd); err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("creating PIT: %w", err)
		}
	}

	if err := config.Callbacks().OnCreateVM(vm); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("VM callback OnCreateVM: %w", err)
	}

	// Guest RAM is a shared memfd mapping so MemoryFile can hand the
	// same physical pages to vhost-user backends.
	memFd, err := unix.MemfdCreate("kvm-guest-ram", unix.MFD_CLOEXEC)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("create guest memory fd: %w", err)
	}

	if err := unix.Ftruncate(memFd, int64(config.MemorySize())); err != nil {
		unix.Close(memFd)
		unix.Close(vmFd)
		return nil, fmt.Errorf("size guest memory fd: %w", err)
	}

	mem, err := unix.Mmap(
		memFd,
		0,
		int(config.MemorySize()),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(memFd)
		unix.Close(vmFd)
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	vm.memory = mem
	vm.memFd = memFd

	if err := vm.setRAMRegion(0); err != nil {
		vm.cleanup()
		return nil, fmt.Errorf("set user memory region: %w", err)
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		vm.cleanup()
		return nil, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	for i := range config.CPUCount() {
		vcpuFd, err := createVCPU(vmFd, i)
		if err != nil {
			vm.cleanup()
			return nil, fmt.Errorf("create vCPU %d: %w", i, err)
		}

		run, err := unix.Mmap(
			vcpuFd,
			0,
			mmapSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
		)
		if err != nil {
			unix.Close(vcpuFd)
			vm.cleanup()
			return nil, fmt.Errorf("mmap vCPU %d kvm_run: %w", i, err)
		}

		cpuId, err := getSupportedCpuId(h.fd)
		if err != nil {
			unix.Close(vcpuFd)
			vm.cleanup()
			return nil, fmt.Errorf("get supported CPUID: %w", err)
		}

		if err := setVCPUID(vcpuFd, cpuId); err != nil {
			unix.Close(vcpuFd)
			vm.cleanup()
			return nil, fmt.Errorf("set vCPU %d CPUID: %w", i, err)
		}

		vcpu := &virtualCPU{
			vm:       vm,
			id:       i,
			fd:       vcpuFd,
			run:      run,
			runQueue: make(chan func(), 16),
		}

		vm.vcpus[i] = vcpu

		go vcpu.start()

		if err := config.Callbacks().OnCreateVCPU(vcpu); err != nil {
			vm.cleanup()
			return nil, fmt.Errorf("VM callback OnCreateVCPU %d: %w", i, err)
		}
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			vm.cleanup()
			return nil, fmt.Errorf("load VM: %w", err)
		}
	}

	return vm, nil
}

// implements hv.VirtualMachine.
func (v *virtualMachine) MemoryBase() uint64        { return v.memoryBase }
func (v *virtualMachine) MemorySize() uint64        { return uint64(len(v.memory)) }
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

// setRAMRegion registers (or re-registers, to change flags) the RAM
// slot with the kernel.
func (v *virtualMachine) setRAMRegion(flags uint32) error {
	return setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          ramSlot,
		Flags:         flags,
		GuestPhysAddr: v.memoryBase,
		MemorySize:    uint64(len(v.memory)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&v.memory[0]))),
	})
}

func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: ReadAt after close")
	}

	gpa := uint64(off)
	if gpa < v.memoryBase || gpa >= v.memoryBase+uint64(len(v.memory)) {
		return 0, fmt.Errorf("kvm: ReadAt GPA 0x%x out of bounds", gpa)
	}

	n = copy(p, v.memory[gpa-v.memoryBase:])
	if n < len(p) {
		err = fmt.Errorf("kvm: ReadAt short read")
	}

	return n, err
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: WriteAt after close")
	}

	gpa := uint64(off)
	if gpa < v.memoryBase || gpa >= v.memoryBase+uint64(len(v.memory)) {
		return 0, fmt.Errorf("kvm: WriteAt GPA 0x%x out of bounds", gpa)
	}

	n = copy(v.memory[gpa-v.memoryBase:], p)
	if n < len(p) {
		err = fmt.Errorf("kvm: WriteAt short write")
	}

	return n, err
}

// MemoryFile implements hv.MemoryFileVM.
func (v *virtualMachine) MemoryFile() (*os.File, error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memFd < 0 {
		return nil, fmt.Errorf("kvm: MemoryFile after close")
	}

	dupFd, err := unix.Dup(v.memFd)
	if err != nil {
		return nil, fmt.Errorf("kvm: dup guest memory fd: %w", err)
	}
	unix.CloseOnExec(dupFd)

	return os.NewFile(uintptr(dupFd), "kvm-guest-ram"), nil
}

// AddDevice implements hv.VirtualMachine.
func (v *virtualMachine) AddDevice(dev hv.Device) error {
	v.devMu.Lock()
	v.devices = append(v.devices, dev)
	v.devMu.Unlock()

	return dev.Init(v)
}

// RemoveDevice implements hv.VirtualMachine. MMIO windows are
// trap-based, so dropping the device from the dispatch list is all the
// unbinding there is.
func (v *virtualMachine) RemoveDevice(dev hv.Device) error {
	v.devMu.Lock()
	defer v.devMu.Unlock()

	for i, d := range v.devices {
		if d == dev {
			v.devices = append(v.devices[:i:i], v.devices[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("kvm: device not registered")
}

// InjectIRQ implements hv.VirtualMachine. Levels are tracked so
// repeated asserts of an already-high line do not reach the kernel.
func (v *virtualMachine) InjectIRQ(line uint32, level bool) error {
	v.irqMu.Lock()
	defer v.irqMu.Unlock()

	if cur, ok := v.irqLevels[line]; ok && cur == level {
		return nil
	}

	encoded := line
	if encoded>>16 == 0 {
		encoded = (irqChipIOAPIC << 16) | encoded
	}

	if err := irqLevel(v.vmFd, encoded, level); err != nil {
		return fmt.Errorf("kvm: set IRQ line %d: %w", line, err)
	}

	v.irqLevels[line] = level
	return nil
}

// StartDirtyTracking implements hv.VirtualMachine.
func (v *virtualMachine) StartDirtyTracking() error {
	v.dirtyMu.Lock()
	defer v.dirtyMu.Unlock()

	if v.tracking {
		return nil
	}

	if err := v.setRAMRegion(kvmMemLogDirtyPages); err != nil {
		return fmt.Errorf("kvm: enable dirty logging: %w", err)
	}

	v.tracking = true
	return nil
}

// FetchDirtyPages implements hv.VirtualMachine. KVM clears its
// internal log as part of KVM_GET_DIRTY_LOG, matching the
// fetch-and-reset contract.
func (v *virtualMachine) FetchDirtyPages() ([]uint64, error) {
	v.dirtyMu.Lock()
	defer v.dirtyMu.Unlock()

	if !v.tracking {
		return nil, hv.ErrNoDirtyTracking
	}

	pages := (v.MemorySize() + hv.PageSize - 1) / hv.PageSize
	bitmap := make([]uint64, (pages+63)/64)

	log := kvmDirtyLog{
		Slot:      ramSlot,
		BitmapPtr: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}
	if err := getDirtyLog(v.vmFd, &log); err != nil {
		return nil, fmt.Errorf("kvm: get dirty log: %w", err)
	}
	runtime.KeepAlive(bitmap)

	return bitmap, nil
}

// StopDirtyTracking implements hv.VirtualMachine.
func (v *virtualMachine) StopDirtyTracking() error {
	v.dirtyMu.Lock()
	defer v.dirtyMu.Unlock()

	if !v.tracking {
		return nil
	}

	if err := v.setRAMRegion(0); err != nil {
		return fmt.Errorf("kvm: disable dirty logging: %w", err)
	}

	v.tracking = false
	return nil
}

// Run implements hv.VirtualMachine. Each vCPU's RunConfig is executed
// on the vCPU's own locked thread; Run returns when all of them do.
func (v *virtualMachine) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("kvm: RunConfig is nil")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, vcpu := range v.vcpus {
		g.Go(func() error {
			done := make(chan error, 1)
			vcpu.runQueue <- func() {
				done <- cfg.Run(ctx, vcpu)
			}
			return <-done
		})
	}
	return g.Wait()
}

// VirtualCPUCall implements hv.VirtualMachine.
func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vcpu, ok := v.vcpus[id]
	if !ok {
		return fmt.Errorf("kvm: no vCPU %d found", id)
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- f(vcpu)
	}

	return <-done
}

// Close implements hv.VirtualMachine.
func (v *virtualMachine) Close() error {
	vcpus := v.vcpus
	v.vcpus = nil

	for _, vcpu := range vcpus {
		close(vcpu.runQueue)

		if err := unix.Close(vcpu.fd); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
		if err := unix.Munmap(vcpu.run); err != nil {
			slog.Error("kvm: munmap vcpu run", "error", err)
		}
	}

	v.cleanup()
	return nil
}

// cleanup tears down memory and the VM fd. Also the error-path
// destructor during NewVirtualMachine, where vCPU fds are closed
// separately.
func (v *virtualMachine) cleanup() {
	v.memMu.Lock()
	mem := v.memory
	memFd := v.memFd
	v.memory = nil
	v.memFd = -1
	v.memMu.Unlock()

	if mem != nil {
		if err := unix.Munmap(mem); err != nil {
			slog.Error("kvm: munmap memory", "error", err)
		}
	}
	if memFd >= 0 {
		if err := unix.Close(memFd); err != nil {
			slog.Error("kvm: close guest memory fd", "error", err)
		}
	}

	if v.vmFd >= 0 {
		if err := unix.Close(v.vmFd); err != nil {
			slog.Error("kvm: close vm fd", "error", err)
		}
		v.vmFd = -1
	}
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
	_ hv.MemoryFileVM   = &virtualMachine{}
	_ hv.Hypervisor     = &hypervisor{}
)
