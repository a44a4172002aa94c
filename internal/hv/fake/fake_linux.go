// Package fake is an hv driver with no hypervisor behind it. Guest
// memory is a memfd-backed host mapping and vCPUs park instead of
// executing, which is enough for every layer above hv: device models,
// lifecycle, snapshots and migration all run against it byte for byte
// as they would against kvm. Tests use the exported extras (guest MMIO
// access, IRQ observation, park gates) to play the guest's role.
package fake

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/keelvm/keel/internal/hv"
)

type Hypervisor struct {
	mu     sync.Mutex
	closed bool
	vms    []*VM
}

func New() *Hypervisor {
	return &Hypervisor{}
}

func (h *Hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

func (h *Hypervisor) Close() error {
	h.mu.Lock()
	vms := h.vms
	h.vms = nil
	h.closed = true
	h.mu.Unlock()

	for _, vm := range vms {
		_ = vm.Close()
	}
	return nil
}

func (h *Hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("fake: hypervisor closed")
	}
	h.mu.Unlock()

	if config.CPUCount() <= 0 {
		return nil, fmt.Errorf("fake: invalid cpu count %d", config.CPUCount())
	}
	size := config.MemorySize()
	if size == 0 || size%hv.PageSize != 0 {
		return nil, fmt.Errorf("fake: memory size %#x is not page aligned", size)
	}

	fd, err := unix.MemfdCreate("keel-fake-guest", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("fake: memfd_create: %w", err)
	}
	file := os.NewFile(uintptr(fd), "keel-fake-guest")
	if err := file.Truncate(int64(size)); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("fake: truncate guest memory: %w", err)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("fake: mmap guest memory: %w", err)
	}

	vm := &VM{
		hv:      h,
		memBase: config.MemoryBase(),
		memFile: file,
		mem:     mem,
		irq:     make(map[uint32]bool),
		halt:    make(chan struct{}),
	}
	for i := 0; i < config.CPUCount(); i++ {
		vcpu := &VirtualCPU{
			vm:   vm,
			id:   i,
			regs: make(map[hv.Register]uint64),
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}

	if cb := config.Callbacks(); cb != nil {
		if err := cb.OnCreateVM(vm); err != nil {
			_ = vm.Close()
			return nil, err
		}
		for _, vcpu := range vm.vcpus {
			if err := cb.OnCreateVCPU(vcpu); err != nil {
				_ = vm.Close()
				return nil, err
			}
		}
	}
	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			_ = vm.Close()
			return nil, err
		}
	}

	h.mu.Lock()
	h.vms = append(h.vms, vm)
	h.mu.Unlock()
	return vm, nil
}

type mmioBinding struct {
	region hv.MMIORegion
	dev    hv.MemoryMappedIODevice
}

// VM implements hv.VirtualMachine and hv.MemoryFileVM over a host
// memory mapping.
type VM struct {
	hv      *Hypervisor
	memBase uint64
	memFile *os.File

	memMu sync.RWMutex
	mem   []byte

	mu       sync.Mutex
	devices  []hv.Device
	bindings []mmioBinding
	irq      map[uint32]bool
	irqHook  func(line uint32, level bool)
	closed   bool

	dirtyMu  sync.Mutex
	tracking bool
	dirty    []uint64

	vcpus    []*VirtualCPU
	halt     chan struct{}
	haltOnce sync.Once
}

func (m *VM) Hypervisor() hv.Hypervisor { return m.hv }
func (m *VM) MemorySize() uint64        { return uint64(len(m.mem)) }
func (m *VM) MemoryBase() uint64        { return m.memBase }

func (m *VM) ReadAt(p []byte, off int64) (int, error) {
	m.memMu.RLock()
	defer m.memMu.RUnlock()
	if m.mem == nil {
		return 0, errors.New("fake: vm closed")
	}
	idx, err := m.index(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, m.mem[idx:idx+uint64(len(p))]), nil
}

func (m *VM) WriteAt(p []byte, off int64) (int, error) {
	m.memMu.RLock()
	defer m.memMu.RUnlock()
	if m.mem == nil {
		return 0, errors.New("fake: vm closed")
	}
	idx, err := m.index(off, len(p))
	if err != nil {
		return 0, err
	}
	n := copy(m.mem[idx:idx+uint64(len(p))], p)
	m.markDirty(idx, uint64(n))
	return n, nil
}

func (m *VM) index(off int64, n int) (uint64, error) {
	if off < 0 {
		return 0, fmt.Errorf("fake: negative guest address %#x", off)
	}
	gpa := uint64(off)
	if gpa < m.memBase || gpa+uint64(n) > m.memBase+uint64(len(m.mem)) {
		return 0, io.ErrUnexpectedEOF
	}
	return gpa - m.memBase, nil
}

func (m *VM) markDirty(idx, n uint64) {
	if n == 0 {
		return
	}
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	if !m.tracking {
		return
	}
	for page := idx / hv.PageSize; page <= (idx+n-1)/hv.PageSize; page++ {
		m.dirty[page/64] |= 1 << (page % 64)
	}
}

func (m *VM) StartDirtyTracking() error {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	pages := (uint64(len(m.mem)) + hv.PageSize - 1) / hv.PageSize
	m.dirty = make([]uint64, (pages+63)/64)
	m.tracking = true
	return nil
}

func (m *VM) FetchDirtyPages() ([]uint64, error) {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	if !m.tracking {
		return nil, hv.ErrNoDirtyTracking
	}
	out := make([]uint64, len(m.dirty))
	copy(out, m.dirty)
	for i := range m.dirty {
		m.dirty[i] = 0
	}
	return out, nil
}

func (m *VM) StopDirtyTracking() error {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	m.tracking = false
	m.dirty = nil
	return nil
}

func (m *VM) AddDevice(dev hv.Device) error {
	if err := dev.Init(m); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mmio, ok := dev.(hv.MemoryMappedIODevice); ok {
		for _, region := range mmio.MMIORegions() {
			for _, b := range m.bindings {
				if region.Address < b.region.Address+b.region.Size &&
					b.region.Address < region.Address+region.Size {
					return fmt.Errorf("fake: MMIO region [%#x,%#x) overlaps [%#x,%#x)",
						region.Address, region.Address+region.Size,
						b.region.Address, b.region.Address+b.region.Size)
				}
			}
			m.bindings = append(m.bindings, mmioBinding{region: region, dev: mmio})
		}
	}
	m.devices = append(m.devices, dev)
	return nil
}

func (m *VM) RemoveDevice(dev hv.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for i, d := range m.devices {
		if d == dev {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("fake: device not attached")
	}
	if mmio, ok := dev.(hv.MemoryMappedIODevice); ok {
		kept := m.bindings[:0]
		for _, b := range m.bindings {
			if b.dev != mmio {
				kept = append(kept, b)
			}
		}
		m.bindings = kept
	}
	return nil
}

// GuestMMIORead plays the guest's side of an MMIO load, dispatching to
// the device bound at addr. Test-only.
func (m *VM) GuestMMIORead(addr uint64, data []byte) error {
	dev, ok := m.binding(addr, uint64(len(data)))
	if !ok {
		return fmt.Errorf("fake: no device bound at %#x", addr)
	}
	return dev.ReadMMIO(addr, data)
}

// GuestMMIOWrite plays the guest's side of an MMIO store. Test-only.
func (m *VM) GuestMMIOWrite(addr uint64, data []byte) error {
	dev, ok := m.binding(addr, uint64(len(data)))
	if !ok {
		return fmt.Errorf("fake: no device bound at %#x", addr)
	}
	return dev.WriteMMIO(addr, data)
}

func (m *VM) binding(addr, size uint64) (hv.MemoryMappedIODevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bindings {
		if addr >= b.region.Address && addr+size <= b.region.Address+b.region.Size {
			return b.dev, true
		}
	}
	return nil, false
}

func (m *VM) InjectIRQ(line uint32, level bool) error {
	m.mu.Lock()
	m.irq[line] = level
	hook := m.irqHook
	m.mu.Unlock()
	if hook != nil {
		hook(line, level)
	}
	return nil
}

// IRQLevel reports the last level driven on line. Test-only.
func (m *VM) IRQLevel(line uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.irq[line]
}

// SetIRQHook registers an observer for InjectIRQ calls. Test-only.
func (m *VM) SetIRQHook(fn func(line uint32, level bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.irqHook = fn
}

// VirtualCPUCall hands the vCPU to f. No lock is held around the
// callback: each VirtualCPU method takes c.mu itself, so f may chain
// any of them.
func (m *VM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	if id < 0 || id >= len(m.vcpus) {
		return fmt.Errorf("fake: no vcpu %d", id)
	}
	return f(m.vcpus[id])
}

func (m *VM) Run(ctx context.Context, cfg hv.RunConfig) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, vcpu := range m.vcpus {
		g.Go(func() error {
			return cfg.Run(ctx, vcpu)
		})
	}
	return g.Wait()
}

// Halt makes every parked and future vCPU Run return ErrVMHalted, as
// if the guest shut itself down.
func (m *VM) Halt() {
	m.haltOnce.Do(func() { close(m.halt) })
}

func (m *VM) MemoryFile() (*os.File, error) {
	fd, err := unix.Dup(int(m.memFile.Fd()))
	if err != nil {
		return nil, fmt.Errorf("fake: dup guest memory fd: %w", err)
	}
	return os.NewFile(uintptr(fd), m.memFile.Name()), nil
}

func (m *VM) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Halt()

	m.memMu.Lock()
	mem := m.mem
	m.mem = nil
	m.memMu.Unlock()

	if mem != nil {
		_ = unix.Munmap(mem)
	}
	return m.memFile.Close()
}

// VirtualCPU parks until its context is cancelled or the VM halts. A
// park gate, when armed, delays the park to let tests exercise pause
// timeouts.
type VirtualCPU struct {
	vm *VM
	id int

	mu        sync.Mutex
	regs      map[hv.Register]uint64
	protected bool

	gate atomic.Pointer[chan struct{}]
}

func (c *VirtualCPU) VirtualMachine() hv.VirtualMachine { return c.vm }
func (c *VirtualCPU) ID() int                           { return c.id }

func (c *VirtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for reg, val := range regs {
		v, ok := val.(hv.Register64)
		if !ok {
			return fmt.Errorf("fake: unsupported register value %T", val)
		}
		c.regs[reg] = uint64(v)
	}
	return nil
}

func (c *VirtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for reg := range regs {
		regs[reg] = hv.Register64(c.regs[reg])
	}
	return nil
}

func (c *VirtualCPU) SetProtectedMode() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protected = true
	return nil
}

const vcpuStateVersion = 1

// SaveState encodes the register file deterministically.
func (c *VirtualCPU) SaveState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	regs := make([]hv.Register, 0, len(c.regs))
	for reg := range c.regs {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })

	var buf bytes.Buffer
	var hdr = struct {
		Version   uint32
		Protected uint8
		Count     uint32
	}{vcpuStateVersion, 0, uint32(len(regs))}
	if c.protected {
		hdr.Protected = 1
	}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	for _, reg := range regs {
		if err := binary.Write(&buf, binary.LittleEndian, uint64(reg)); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, c.regs[reg]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (c *VirtualCPU) LoadState(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := bytes.NewReader(data)
	var hdr struct {
		Version   uint32
		Protected uint8
		Count     uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("fake: vcpu state header: %w", err)
	}
	if hdr.Version != vcpuStateVersion {
		return fmt.Errorf("fake: vcpu state version %d not supported", hdr.Version)
	}
	regs := make(map[hv.Register]uint64, hdr.Count)
	for i := uint32(0); i < hdr.Count; i++ {
		var reg, val uint64
		if err := binary.Read(r, binary.LittleEndian, &reg); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &val); err != nil {
			return err
		}
		regs[hv.Register(reg)] = val
	}
	c.regs = regs
	c.protected = hdr.Protected != 0
	return nil
}

// SetParkGate arms a gate that Run waits on before honoring
// cancellation. Test-only.
func (c *VirtualCPU) SetParkGate(gate chan struct{}) {
	c.gate.Store(&gate)
}

func (c *VirtualCPU) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if gp := c.gate.Load(); gp != nil && *gp != nil {
			select {
			case <-*gp:
			case <-c.vm.halt:
				return hv.ErrVMHalted
			}
		}
		return ctx.Err()
	case <-c.vm.halt:
		return hv.ErrVMHalted
	}
}

var (
	_ hv.Hypervisor      = (*Hypervisor)(nil)
	_ hv.MemoryFileVM    = (*VM)(nil)
	_ hv.VirtualCPUAmd64 = (*VirtualCPU)(nil)
)
