//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlInt(ioctl int) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), uint64(ioctl), 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getApiVersion   = ioctlInt(kvmGetApiVersion)
	createVm        = ioctlInt(kvmCreateVm)
	getVcpuMmapSize = ioctlInt(kvmGetVcpuMmapSize)
)

func createVCPU(fd int, id int) (int, error) {
	v1, err := ioctlWithRetry(uintptr(fd), uint64(kvmCreateVcpu), uintptr(id))
	if err != nil {
		return 0, err
	}

	return int(v1), nil
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))
	return err
}

func getDirtyLog(fd int, log *kvmDirtyLog) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmGetDirtyLog), uintptr(unsafe.Pointer(log)))
	return err
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetTssAddr), uintptr(addr))
	return err
}

func createIRQChip(vmFd int) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmCreateIrqchip), 0)
	return err
}

func createPIT(vmFd int) error {
	var cfg kvmPitConfig
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmCreatePit2), uintptr(unsafe.Pointer(&cfg)))
	return err
}

func irqLevel(vmFd int, irqLine uint32, level bool) error {
	var line kvmIRQLevel

	line.IRQOrStatus = irqLine
	if level {
		line.Level = 1
	} else {
		line.Level = 0
	}

	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmIrqLine), uintptr(unsafe.Pointer(&line)))
	return err
}

func getRegisters(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetRegs), uintptr(unsafe.Pointer(&regs))); err != nil {
		return kvmRegs{}, err
	}

	return regs, nil
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetRegs), uintptr(unsafe.Pointer(regs)))
	return err
}

func getSRegs(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetSregs), uintptr(unsafe.Pointer(&sregs))); err != nil {
		return kvmSRegs{}, err
	}

	return sregs, nil
}

func setSRegs(vcpuFd int, sregs *kvmSRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetSregs), uintptr(unsafe.Pointer(sregs)))
	return err
}

func getFPU(vcpuFd int) (kvmFPU, error) {
	var fpu kvmFPU

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetFpu), uintptr(unsafe.Pointer(&fpu))); err != nil {
		return kvmFPU{}, err
	}

	return fpu, nil
}

func setFPU(vcpuFd int, fpu *kvmFPU) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetFpu), uintptr(unsafe.Pointer(fpu)))
	return err
}

func getXsave(vcpuFd int) (kvmXsave, error) {
	var xsave kvmXsave

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetXsave), uintptr(unsafe.Pointer(&xsave))); err != nil {
		return kvmXsave{}, err
	}

	return xsave, nil
}

func setXsave(vcpuFd int, xsave *kvmXsave) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetXsave), uintptr(unsafe.Pointer(xsave)))
	return err
}

func getXcrs(vcpuFd int) (kvmXcrs, error) {
	var xcrs kvmXcrs

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetXcrs), uintptr(unsafe.Pointer(&xcrs))); err != nil {
		return kvmXcrs{}, err
	}

	return xcrs, nil
}

func setXcrs(vcpuFd int, xcrs *kvmXcrs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetXcrs), uintptr(unsafe.Pointer(xcrs)))
	return err
}

func getLapic(vcpuFd int) (kvmLapicState, error) {
	var lapic kvmLapicState

	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetLapic), uintptr(unsafe.Pointer(&lapic))); err != nil {
		return kvmLapicState{}, err
	}

	return lapic, nil
}

func setLapic(vcpuFd int, lapic *kvmLapicState) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetLapic), uintptr(unsafe.Pointer(lapic)))
	return err
}

// getMsrIndexList queries the host for every MSR index KVM can save
// and restore.
func getMsrIndexList(hvFd int) ([]uint32, error) {
	const maxMsrs = 1024

	size := unsafe.Sizeof(kvmMsrList{}) + 4*maxMsrs
	listData := make([]byte, size)
	list := (*kvmMsrList)(unsafe.Pointer(&listData[0]))
	list.Nmsrs = maxMsrs

	if _, err := ioctlWithRetry(uintptr(hvFd), kvmGetMsrIndexList, uintptr(unsafe.Pointer(list))); err != nil {
		return nil, fmt.Errorf("KVM_GET_MSR_INDEX_LIST: %w", err)
	}

	indices := make([]uint32, list.Nmsrs)
	raw := (*[maxMsrs]uint32)(unsafe.Pointer(&listData[unsafe.Sizeof(kvmMsrList{})]))
	copy(indices, raw[:list.Nmsrs])

	return indices, nil
}

// msrBuffer builds the variable-length kvm_msrs argument: a header
// followed by Nmsrs entries inline.
func msrBuffer(entries []kvmMsrEntry) ([]byte, *kvmMsrs, []kvmMsrEntry) {
	headerSize := unsafe.Sizeof(kvmMsrs{})
	entrySize := unsafe.Sizeof(kvmMsrEntry{})

	buf := make([]byte, headerSize+entrySize*uintptr(len(entries)))
	header := (*kvmMsrs)(unsafe.Pointer(&buf[0]))
	header.Nmsrs = uint32(len(entries))

	inline := unsafe.Slice((*kvmMsrEntry)(unsafe.Pointer(&buf[headerSize])), len(entries))
	copy(inline, entries)

	return buf, header, inline
}

func getMsrs(vcpuFd int, indices []uint32) ([]kvmMsrEntry, error) {
	entries := make([]kvmMsrEntry, len(indices))
	for i, idx := range indices {
		entries[i].Index = idx
	}

	buf, header, inline := msrBuffer(entries)

	n, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetMsrs), uintptr(unsafe.Pointer(header)))
	if err != nil {
		return nil, err
	}
	_ = buf

	return append([]kvmMsrEntry(nil), inline[:n]...), nil
}

func setMsrs(vcpuFd int, entries []kvmMsrEntry) error {
	buf, header, _ := msrBuffer(entries)

	n, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetMsrs), uintptr(unsafe.Pointer(header)))
	if err != nil {
		return err
	}
	_ = buf
	if int(n) != len(entries) {
		return fmt.Errorf("KVM_SET_MSRS: set %d of %d MSRs", n, len(entries))
	}

	return nil
}

func getSupportedCpuId(hvFd int) (*kvmCPUID2, error) {
	size := unsafe.Sizeof(kvmCPUID2{}) + unsafe.Sizeof(kvmCPUIDEntry2{})*255
	cpuidData := make([]byte, size)
	cpuid := (*kvmCPUID2)(unsafe.Pointer(&cpuidData[0]))
	cpuid.Nr = 255

	if _, err := ioctlWithRetry(uintptr(hvFd), kvmGetSupportedCpuid, uintptr(unsafe.Pointer(cpuid))); err != nil {
		return nil, fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	return cpuid, nil
}

func setVCPUID(vcpuFd int, cpuId *kvmCPUID2) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetCpuid2), uintptr(unsafe.Pointer(cpuId)))
	return err
}
