package boot

import (
	"fmt"

	"github.com/keelvm/keel/internal/gpa"
	"github.com/keelvm/keel/internal/hv"
)

// Fixed low-memory placement for the boot control structures. Both lie
// below every load address the boot protocol can choose.
const (
	zeroPageGPA = 0x7000
	cmdlineGPA  = 0x8000
)

// Loader implements hv.VMLoader for a Linux/amd64 direct boot. It
// places the kernel, command line, zero page and optional initramfs,
// then programs vCPU 0 for the 32-bit protected-mode entry point.
type Loader struct {
	Kernel    *Kernel
	Cmdline   string
	Initramfs []byte

	// Space supplies the e820 layout. Required.
	Space *gpa.Space
}

// Load implements hv.VMLoader.
func (l *Loader) Load(vm hv.VirtualMachine) error {
	if l.Kernel == nil {
		return fmt.Errorf("boot: loader has no kernel")
	}
	if l.Space == nil {
		return fmt.Errorf("boot: loader has no address space")
	}

	loadAddr := l.Kernel.LoadAddress()
	if err := l.Kernel.LoadIntoMemory(vm, loadAddr); err != nil {
		return err
	}

	var initrdGPA uint64
	var initrdSize uint32
	if len(l.Initramfs) > 0 {
		gpa, err := l.placeInitramfs(vm, loadAddr)
		if err != nil {
			return err
		}
		initrdGPA = gpa
		initrdSize = uint32(len(l.Initramfs))
	}

	e820 := E820FromSpace(l.Space)
	if err := l.Kernel.BuildZeroPage(vm, zeroPageGPA, loadAddr, l.Cmdline,
		cmdlineGPA, initrdGPA, initrdSize, e820); err != nil {
		return err
	}

	// The bzImage 32-bit entry: flat protected mode, esi = boot_params.
	return vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		amd64, ok := vcpu.(hv.VirtualCPUAmd64)
		if !ok {
			return fmt.Errorf("boot: vCPU %d does not support amd64 mode setup", vcpu.ID())
		}
		if err := amd64.SetProtectedMode(); err != nil {
			return fmt.Errorf("boot: enter protected mode: %w", err)
		}
		return vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rip:    hv.Register64(loadAddr),
			hv.RegisterAMD64Rsi:    hv.Register64(zeroPageGPA),
			hv.RegisterAMD64Rsp:    hv.Register64(0x6000),
			hv.RegisterAMD64Rflags: hv.Register64(0x2),
		})
	})
}

// placeInitramfs puts the archive at the highest page-aligned address
// that both fits in RAM and honors initrd_addr_max.
func (l *Loader) placeInitramfs(vm hv.VirtualMachine, loadAddr uint64) (uint64, error) {
	size := uint64(len(l.Initramfs))
	limit := vm.MemoryBase() + vm.MemorySize()
	if max := uint64(l.Kernel.Header.InitrdAddrMax); max != 0 && max+1 < limit {
		limit = max + 1
	}
	if limit < size {
		return 0, fmt.Errorf("boot: initramfs (%d bytes) does not fit below %#x", size, limit)
	}
	base := (limit - size) &^ (hv.PageSize - 1)
	kernelEnd := loadAddr + uint64(len(l.Kernel.Payload()))
	if init := uint64(l.Kernel.Header.InitSize); loadAddr+init > kernelEnd {
		kernelEnd = loadAddr + init
	}
	if base < kernelEnd {
		return 0, fmt.Errorf("boot: initramfs at %#x would overlap the kernel ending at %#x", base, kernelEnd)
	}
	if _, err := vm.WriteAt(l.Initramfs, int64(base)); err != nil {
		return 0, fmt.Errorf("boot: write initramfs: %w", err)
	}
	return base, nil
}

var _ hv.VMLoader = (*Loader)(nil)
