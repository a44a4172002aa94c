// Package hv defines the hypervisor capability interface: the contract
// between the VMM core and whatever provides virtualization on the
// host. Everything above this package (virtio, vmm, migration) is
// written against these interfaces and never against a concrete
// hypervisor. Drivers live in subpackages (kvm for Linux, fake for
// tests); the VMM consumes capabilities, it does not reimplement them.
package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/keelvm/keel/internal/verr"
)

var (
	// ErrVMHalted reports that a vCPU executed a halt and the guest is
	// done. It is a clean exit, not a failure.
	ErrVMHalted = errors.New("virtual machine halted")

	ErrHypervisorUnsupported = fmt.Errorf("hypervisor unsupported on this platform: %w", verr.ErrCapabilityFailure)

	// ErrNoDirtyTracking reports that the hypervisor cannot log dirty
	// pages. Callers fall back to full-memory copies.
	ErrNoDirtyTracking = fmt.Errorf("dirty page tracking unavailable: %w", verr.ErrCapabilityFailure)
)

// PageSize is the guest page granularity used for dirty tracking.
const PageSize = 0x1000

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags
)

// VirtualCPU is one guest CPU. Register access and Run execute on the
// vCPU's own native thread; use VirtualMachine.VirtualCPUCall to get
// there from anywhere else.
type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	// SaveState and LoadState capture and restore the full
	// architectural state as an opaque, driver-versioned blob. Only
	// valid while the vCPU is parked.
	SaveState() ([]byte, error)
	LoadState(data []byte) error

	// Run enters the guest and returns when the context is cancelled,
	// the guest halts (ErrVMHalted) or the hypervisor fails.
	Run(ctx context.Context) error
}

// VirtualCPUAmd64 adds the amd64 mode setup the boot loader needs.
type VirtualCPUAmd64 interface {
	VirtualCPU

	// SetProtectedMode enters 32-bit protected mode with flat
	// segments and paging disabled, as the Linux boot protocol
	// expects at the bzImage entry point.
	SetProtectedMode() error
}

// RunConfig drives one vCPU for the lifetime of VirtualMachine.Run.
type RunConfig interface {
	Run(ctx context.Context, vcpu VirtualCPU) error
}

type Device interface {
	Init(vm VirtualMachine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MemoryMappedIODevice is a Device that claims MMIO windows. The
// hypervisor driver routes guest accesses inside those windows to
// ReadMMIO/WriteMMIO.
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// SimpleMMIODevice adapts plain functions to MemoryMappedIODevice.
type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) Init(vm VirtualMachine) error {
	return nil
}

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
)

// VirtualMachine is one guest. Guest-physical memory is addressed
// through ReaderAt/WriterAt; offsets are guest-physical addresses.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	MemorySize() uint64
	MemoryBase() uint64

	// Run starts one goroutine-managed native thread per vCPU, drives
	// each through cfg, and returns when all of them are done.
	Run(ctx context.Context, cfg RunConfig) error

	// VirtualCPUCall executes f on the native thread owning vCPU id.
	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error

	AddDevice(dev Device) error

	// RemoveDevice unbinds a hot-unplugged device's MMIO windows. The
	// caller guarantees no vCPU is executing while it runs.
	RemoveDevice(dev Device) error

	// InjectIRQ drives an interrupt line. Drivers track the level and
	// only forward changes to the hypervisor.
	InjectIRQ(line uint32, level bool) error

	// StartDirtyTracking begins logging guest writes at PageSize
	// granularity. FetchDirtyPages returns and clears the dirty
	// bitmap (one bit per page from MemoryBase). ErrNoDirtyTracking
	// when the driver cannot provide it.
	StartDirtyTracking() error
	FetchDirtyPages() ([]uint64, error)
	StopDirtyTracking() error
}

// MemoryFileVM is implemented by drivers whose guest memory is backed
// by a shareable file descriptor. vhost-user backends map that
// descriptor directly instead of copying guest RAM.
type MemoryFileVM interface {
	VirtualMachine

	// MemoryFile returns a dup of the backing file. The caller owns
	// the returned handle.
	MemoryFile() (*os.File, error)
}

// VMLoader places the initial guest state (kernel, boot params,
// initial registers) before the first Run.
type VMLoader interface {
	Load(vm VirtualMachine) error
}

type VMCallbacks interface {
	OnCreateVM(vm VirtualMachine) error
	OnCreateVCPU(vCpu VirtualCPU) error
}

type VMConfig interface {
	// All methods are dumb getters and may be called repeatedly from
	// multiple threads.

	CPUCount() int
	MemorySize() uint64
	MemoryBase() uint64
	NeedsInterruptSupport() bool
	Callbacks() VMCallbacks
	Loader() VMLoader
}

type SimpleVMConfig struct {
	NumCPUs          int
	MemSize          uint64
	MemBase          uint64
	InterruptSupport bool
	VMLoader         VMLoader

	CreateVM   func(vm VirtualMachine) error
	CreateVCPU func(vCpu VirtualCPU) error
}

// OnCreateVM implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVM(vm VirtualMachine) error {
	if c.CreateVM != nil {
		return c.CreateVM(vm)
	}
	return nil
}

// OnCreateVCPU implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVCPU(vCpu VirtualCPU) error {
	if c.CreateVCPU != nil {
		return c.CreateVCPU(vCpu)
	}
	return nil
}

func (c SimpleVMConfig) CPUCount() int               { return c.NumCPUs }
func (c SimpleVMConfig) MemorySize() uint64          { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64          { return c.MemBase }
func (c SimpleVMConfig) NeedsInterruptSupport() bool { return c.InterruptSupport }
func (c SimpleVMConfig) Callbacks() VMCallbacks      { return c }
func (c SimpleVMConfig) Loader() VMLoader            { return c.VMLoader }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
