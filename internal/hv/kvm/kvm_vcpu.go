//go:build linux && amd64

package kvm

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/keelvm/keel/internal/debug"
	"github.com/keelvm/keel/internal/hv"
)

type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

// start is the vCPU's thread. KVM requires all vCPU ioctls to come
// from the thread that created the coupling, so everything reaches the
// vCPU through runQueue.
func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

func (v *virtualCPU) requestImmediateExit(tid int) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// immediate_exit makes KVM_RUN return even if the signal lands
	// before the vCPU enters the guest.
	run.immediate_exit = 1

	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

// Run enters the guest and keeps re-entering across I/O and MMIO exits
// until the context is cancelled, the guest halts or something fails.
func (v *virtualCPU) Run(ctx context.Context) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// clear immediate_exit in case a previous slice was cancelled
	run.immediate_exit = 0

	if done := ctx.Done(); done != nil {
		tid := unix.Gettid()
		stop := context.AfterFunc(ctx, func() {
			_ = v.requestImmediateExit(tid)
		})
		defer stop()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		} else if err != nil {
			return fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		switch reason := kvmExitReason(run.exit_reason); reason {
		case kvmExitHlt, kvmExitShutdown:
			return hv.ErrVMHalted
		case kvmExitSystemEvent:
			system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
			if system.typ == kvmSystemEventShutdown {
				return hv.ErrVMHalted
			}
			return fmt.Errorf("kvm: vCPU %d exited with system event %d", v.id, system.typ)
		case kvmExitIo:
			v.handleIO((*kvmExitIoData)(unsafe.Pointer(&run.anon0[0])))
		case kvmExitMmio:
			if err := v.handleMMIO((*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))); err != nil {
				return err
			}
		case kvmExitIntr:
			// signal delivery without cancellation, re-enter
		case kvmExitInternalError:
			ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
			return fmt.Errorf("kvm: vCPU %d exited with internal error: %s", v.id, ie.Suberror)
		default:
			return fmt.Errorf("kvm: vCPU %d exited with unhandled reason %s", v.id, reason)
		}
	}
}

// handleIO services a port I/O exit. No port devices are modeled, so
// reads float high and writes are dropped; Linux probes several legacy
// ports during boot and must not be killed for it.
func (v *virtualCPU) handleIO(ioData *kvmExitIoData) {
	size := uint64(ioData.size) * uint64(ioData.count)
	data := v.run[ioData.dataOffset : ioData.dataOffset+size]

	if ioData.direction == 0 {
		for i := range data {
			data[i] = 0xff
		}
	}
}

func (v *virtualCPU) handleMMIO(mmioData *kvmExitMMIOData) error {
	addr := mmioData.physAddr
	size := mmioData.len
	if size > uint32(len(mmioData.data)) {
		return fmt.Errorf("kvm: MMIO access of %d bytes at 0x%016x", size, addr)
	}
	data := mmioData.data[:size]

	debug.MMIO("kvm", addr, int(size), mmioData.isWrite != 0)

	v.vm.devMu.RLock()
	defer v.vm.devMu.RUnlock()

	for _, dev := range v.vm.devices {
		mmioDev, ok := dev.(hv.MemoryMappedIODevice)
		if !ok {
			continue
		}

		for _, region := range mmioDev.MMIORegions() {
			if addr >= region.Address && addr+uint64(size) <= region.Address+region.Size {
				if mmioData.isWrite == 0 {
					if err := mmioDev.ReadMMIO(addr, data); err != nil {
						return fmt.Errorf("MMIO read at 0x%016x: %w", addr, err)
					}
				} else {
					if err := mmioDev.WriteMMIO(addr, data); err != nil {
						return fmt.Errorf("MMIO write at 0x%016x: %w", addr, err)
					}
				}

				return nil
			}
		}
	}

	v.logFaultingInstruction(addr)
	return fmt.Errorf("no device handles MMIO at 0x%016x", mmioData.physAddr)
}

// logFaultingInstruction disassembles the instruction behind an
// unhandled MMIO exit. Best effort: RIP is a virtual address, so the
// fetch only works while the guest runs identity mapped.
func (v *virtualCPU) logFaultingInstruction(addr uint64) {
	regs, err := getRegisters(v.fd)
	if err != nil {
		return
	}
	var code [15]byte
	if _, err := v.vm.ReadAt(code[:], int64(regs.Rip)); err != nil {
		return
	}
	text, err := debug.DisassembleFault(code[:], regs.Rip)
	if err != nil {
		return
	}
	slog.Debug("unhandled MMIO exit", "vcpu", v.id, "addr", fmt.Sprintf("0x%x", addr), "inst", text)
}

var gprFields = map[hv.Register]func(*kvmRegs) *uint64{
	hv.RegisterAMD64Rax:    func(r *kvmRegs) *uint64 { return &r.Rax },
	hv.RegisterAMD64Rbx:    func(r *kvmRegs) *uint64 { return &r.Rbx },
	hv.RegisterAMD64Rcx:    func(r *kvmRegs) *uint64 { return &r.Rcx },
	hv.RegisterAMD64Rdx:    func(r *kvmRegs) *uint64 { return &r.Rdx },
	hv.RegisterAMD64Rsi:    func(r *kvmRegs) *uint64 { return &r.Rsi },
	hv.RegisterAMD64Rdi:    func(r *kvmRegs) *uint64 { return &r.Rdi },
	hv.RegisterAMD64Rsp:    func(r *kvmRegs) *uint64 { return &r.Rsp },
	hv.RegisterAMD64Rbp:    func(r *kvmRegs) *uint64 { return &r.Rbp },
	hv.RegisterAMD64R8:     func(r *kvmRegs) *uint64 { return &r.R8 },
	hv.RegisterAMD64R9:     func(r *kvmRegs) *uint64 { return &r.R9 },
	hv.RegisterAMD64R10:    func(r *kvmRegs) *uint64 { return &r.R10 },
	hv.RegisterAMD64R11:    func(r *kvmRegs) *uint64 { return &r.R11 },
	hv.RegisterAMD64R12:    func(r *kvmRegs) *uint64 { return &r.R12 },
	hv.RegisterAMD64R13:    func(r *kvmRegs) *uint64 { return &r.R13 },
	hv.RegisterAMD64R14:    func(r *kvmRegs) *uint64 { return &r.R14 },
	hv.RegisterAMD64R15:    func(r *kvmRegs) *uint64 { return &r.R15 },
	hv.RegisterAMD64Rip:    func(r *kvmRegs) *uint64 { return &r.Rip },
	hv.RegisterAMD64Rflags: func(r *kvmRegs) *uint64 { return &r.Rflags },
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if len(regs) == 0 {
		return nil
	}

	kregs, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	for reg, val := range regs {
		field, ok := gprFields[reg]
		if !ok {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}

		v64, ok := val.(hv.Register64)
		if !ok {
			return fmt.Errorf("kvm: unsupported value type %T for register %v", val, reg)
		}

		*field(&kregs) = uint64(v64)
	}

	if err := setRegisters(v.fd, &kregs); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if len(regs) == 0 {
		return nil
	}

	kregs, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	for reg := range regs {
		field, ok := gprFields[reg]
		if !ok {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}

		regs[reg] = hv.Register64(*field(&kregs))
	}

	return nil
}

// SetProtectedMode puts the vCPU into 32-bit protected mode with flat
// segments and paging disabled.
func (v *virtualCPU) SetProtectedMode() error {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return err
	}

	sregs.Ds = kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 2 << 3,
		Present:  1,
		Type:     3, // Data: read/write, accessed
		Dpl:      0,
		Db:       1,
		S:        1, // Code/data
		L:        0,
		G:        1, // 4KB granularity
	}
	sregs.Es = sregs.Ds
	sregs.Fs = sregs.Ds
	sregs.Gs = sregs.Ds
	sregs.Ss = sregs.Ds

	sregs.Cs = kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 1 << 3,
		Present:  1,
		Type:     11, // Code: execute, read, accessed
		Dpl:      0,
		Db:       1,
		S:        1, // Code/data
		L:        0,
		G:        1, // 4KB granularity
	}

	sregs.Cr0 |= 1

	if err := setSRegs(v.fd, &sregs); err != nil {
		return err
	}

	return nil
}

// vcpuStateVersion tags the SaveState blob layout. Bump on any change
// to the encoded fields.
const vcpuStateVersion uint32 = 1

// MSRs worth carrying across save and restore. Filtered against what
// the host actually supports before use.
const (
	msrIA32TSC         = 0x00000010
	msrIA32SysenterCS  = 0x00000174
	msrIA32SysenterESP = 0x00000175
	msrIA32SysenterEIP = 0x00000176
	msrIA32PAT         = 0x00000277
	msrStar            = 0xc0000081
	msrLStar           = 0xc0000082
	msrCStar           = 0xc0000083
	msrSyscallMask     = 0xc0000084
	msrFsBase          = 0xc0000100
	msrGsBase          = 0xc0000101
	msrKernelGsBase    = 0xc0000102
	msrTscAux          = 0xc0000103
)

var stateMsrWhitelist = []uint32{
	msrIA32TSC,
	msrIA32SysenterCS,
	msrIA32SysenterESP,
	msrIA32SysenterEIP,
	msrIA32PAT,
	msrStar,
	msrLStar,
	msrCStar,
	msrSyscallMask,
	msrFsBase,
	msrGsBase,
	msrKernelGsBase,
	msrTscAux,
}

func (h *hypervisor) stateMSRs() ([]uint32, error) {
	h.snapshotMsrsOnce.Do(func() {
		supported, err := getMsrIndexList(h.fd)
		if err != nil {
			h.snapshotMsrsErr = err
			return
		}

		supportedSet := make(map[uint32]struct{}, len(supported))
		for _, idx := range supported {
			supportedSet[idx] = struct{}{}
		}

		var filtered []uint32
		for _, idx := range stateMsrWhitelist {
			if _, ok := supportedSet[idx]; ok {
				filtered = append(filtered, idx)
			}
		}

		h.snapshotMsrs = filtered
	})

	return h.snapshotMsrs, h.snapshotMsrsErr
}

// SaveState captures the full architectural state of the vCPU as a
// versioned blob. Only valid while the vCPU is parked.
func (v *virtualCPU) SaveState() ([]byte, error) {
	regs, err := getRegisters(v.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: get registers: %w", err)
	}
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: get special registers: %w", err)
	}
	fpu, err := getFPU(v.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: get FPU: %w", err)
	}
	xsave, err := getXsave(v.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: get XSAVE: %w", err)
	}
	xcrs, err := getXcrs(v.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: get XCRs: %w", err)
	}
	lapic, err := getLapic(v.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: get LAPIC: %w", err)
	}

	msrIndices, err := v.vm.hv.stateMSRs()
	if err != nil {
		return nil, fmt.Errorf("kvm: query MSR list: %w", err)
	}
	msrs, err := getMsrs(v.fd, msrIndices)
	if err != nil {
		return nil, fmt.Errorf("kvm: get MSRs: %w", err)
	}

	var buf bytes.Buffer
	for _, part := range []any{
		vcpuStateVersion,
		&regs,
		&sregs,
		&fpu,
		&xsave,
		&xcrs,
	} {
		if err := binary.Write(&buf, binary.LittleEndian, part); err != nil {
			return nil, fmt.Errorf("kvm: encode vCPU state: %w", err)
		}
	}
	buf.Write(lapic.Regs[:])

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(msrs))); err != nil {
		return nil, fmt.Errorf("kvm: encode vCPU state: %w", err)
	}
	for _, msr := range msrs {
		if err := binary.Write(&buf, binary.LittleEndian, msr.Index); err != nil {
			return nil, fmt.Errorf("kvm: encode vCPU state: %w", err)
		}
		if err := binary.Write(&buf, binary.LittleEndian, msr.Data); err != nil {
			return nil, fmt.Errorf("kvm: encode vCPU state: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// LoadState restores a blob produced by SaveState, possibly on a
// different host.
func (v *virtualCPU) LoadState(data []byte) error {
	r := bytes.NewReader(data)

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("kvm: decode vCPU state: %w", err)
	}
	if version != vcpuStateVersion {
		return fmt.Errorf("kvm: unsupported vCPU state version %d, want %d", version, vcpuStateVersion)
	}

	var (
		regs  kvmRegs
		sregs kvmSRegs
		fpu   kvmFPU
		xsave kvmXsave
		xcrs  kvmXcrs
		lapic kvmLapicState
	)
	for _, part := range []any{&regs, &sregs, &fpu, &xsave, &xcrs} {
		if err := binary.Read(r, binary.LittleEndian, part); err != nil {
			return fmt.Errorf("kvm: decode vCPU state: %w", err)
		}
	}
	if _, err := io.ReadFull(r, lapic.Regs[:]); err != nil {
		return fmt.Errorf("kvm: decode vCPU state: %w", err)
	}

	var msrCount uint32
	if err := binary.Read(r, binary.LittleEndian, &msrCount); err != nil {
		return fmt.Errorf("kvm: decode vCPU state: %w", err)
	}
	msrs := make([]kvmMsrEntry, msrCount)
	for i := range msrs {
		if err := binary.Read(r, binary.LittleEndian, &msrs[i].Index); err != nil {
			return fmt.Errorf("kvm: decode vCPU state: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &msrs[i].Data); err != nil {
			return fmt.Errorf("kvm: decode vCPU state: %w", err)
		}
	}

	// Restore order matters: sregs before regs so segment reloads do
	// not clobber RIP, MSRs and LAPIC last.
	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}
	if err := setRegisters(v.fd, &regs); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}
	if err := setFPU(v.fd, &fpu); err != nil {
		return fmt.Errorf("kvm: set FPU: %w", err)
	}
	if err := setXsave(v.fd, &xsave); err != nil {
		return fmt.Errorf("kvm: set XSAVE: %w", err)
	}
	if err := setXcrs(v.fd, &xcrs); err != nil {
		return fmt.Errorf("kvm: set XCRs: %w", err)
	}
	if len(msrs) > 0 {
		if err := setMsrs(v.fd, msrs); err != nil {
			return fmt.Errorf("kvm: set MSRs: %w", err)
		}
	}
	if err := setLapic(v.fd, &lapic); err != nil {
		return fmt.Errorf("kvm: set LAPIC: %w", err)
	}

	return nil
}

var (
	_ hv.VirtualCPU      = &virtualCPU{}
	_ hv.VirtualCPUAmd64 = &virtualCPU{}
)
