package boot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/keelvm/keel/internal/gpa"
	"github.com/keelvm/keel/internal/hv"
)

// Zero page field offsets, from the x86 boot protocol.
const (
	zeroPageSize = 4096

	setupHeaderOffset = 497

	zeroPageExtRamDiskImage = 192
	zeroPageExtRamDiskSize  = 196
	zeroPageExtCmdLinePtr   = 200
	zeroPageE820Entries     = 488
	zeroPageE820Table       = 720

	setupHeaderBootFlagOffset = setupHeaderOffset + 13
	setupHeaderHeaderOffset   = setupHeaderOffset + 17
	protocolVersionOffset     = setupHeaderOffset + 21
	typeOfLoaderOffset        = setupHeaderOffset + 31
	loadFlagsOffset           = setupHeaderOffset + 32
	code32StartOffset         = setupHeaderOffset + 35
	ramdiskImageOffset        = setupHeaderOffset + 39
	ramdiskSizeOffset         = setupHeaderOffset + 43
	heapEndPtrOffset          = setupHeaderOffset + 51
	cmdLinePtrOffset          = setupHeaderOffset + 55
	initrdAddrMaxOffset       = setupHeaderOffset + 59
	kernelAlignmentOffset     = setupHeaderOffset + 63
	relocatableKernelOffset   = setupHeaderOffset + 67
	minAlignmentOffset        = setupHeaderOffset + 68
	xloadflagsOffset          = setupHeaderOffset + 69
	cmdlineSizeOffset         = setupHeaderOffset + 71
	prefAddressOffset         = setupHeaderOffset + 103
	initSizeOffset            = setupHeaderOffset + 111

	e820EntrySize  = 20
	e820MaxEntries = 128

	typeOfLoaderUnknown uint8 = 0xff
	canUseHeapFlag      uint8 = 1 << 7
)

// E820 memory map entry types.
const (
	E820TypeRAM      uint32 = 1
	E820TypeReserved uint32 = 2
)

// E820Entry is one BIOS memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// E820FromSpace derives the e820 map from the allocator's layout: RAM
// ranges become usable memory, holes become reserved entries. MMIO
// windows are omitted; the kernel discovers them through the device
// cmdline parameters.
func E820FromSpace(space *gpa.Space) []E820Entry {
	var out []E820Entry
	for _, r := range space.Ranges() {
		switch r.Kind {
		case gpa.KindRAM:
			out = append(out, E820Entry{Addr: r.Base, Size: r.Size, Type: E820TypeRAM})
		case gpa.KindHole:
			out = append(out, E820Entry{Addr: r.Base, Size: r.Size, Type: E820TypeReserved})
		}
	}
	return out
}

// BuildZeroPage writes the boot_params page and the command line into
// guest memory.
func (k *Kernel) BuildZeroPage(vm hv.VirtualMachine, zeroPageGPA, loadAddr uint64, cmdline string, cmdlineGPA, initrdGPA uint64, initrdSize uint32, e820 []E820Entry) error {
	if vm == nil {
		return errors.New("boot: nil guest memory")
	}

	zp := make([]byte, zeroPageSize)
	if len(k.HeaderBytes) > zeroPageSize-setupHeaderOffset {
		return errors.New("boot: setup header larger than zero page space")
	}
	copy(zp[setupHeaderOffset:], k.HeaderBytes)

	binary.LittleEndian.PutUint16(zp[setupHeaderBootFlagOffset:], 0xaa55)
	copy(zp[setupHeaderHeaderOffset:], headerMagic)
	binary.LittleEndian.PutUint16(zp[protocolVersionOffset:], k.Header.ProtocolVersion)
	binary.LittleEndian.PutUint32(zp[kernelAlignmentOffset:], k.Header.KernelAlignment)
	zp[relocatableKernelOffset] = k.Header.RelocatableKernel
	zp[minAlignmentOffset] = k.Header.MinAlignment
	binary.LittleEndian.PutUint16(zp[xloadflagsOffset:], k.Header.XLoadFlags)
	binary.LittleEndian.PutUint32(zp[cmdlineSizeOffset:], k.Header.CmdlineSize)
	binary.LittleEndian.PutUint32(zp[initrdAddrMaxOffset:], k.Header.InitrdAddrMax)
	binary.LittleEndian.PutUint64(zp[prefAddressOffset:], k.Header.PrefAddress)
	binary.LittleEndian.PutUint32(zp[initSizeOffset:], k.Header.InitSize)

	zp[typeOfLoaderOffset] = typeOfLoaderUnknown
	zp[loadFlagsOffset] = k.Header.LoadFlags | canUseHeapFlag

	heapEnd := uint16(0x9800)
	if k.Header.LoadFlags&0x1 != 0 {
		heapEnd = 0xe000
	}
	binary.LittleEndian.PutUint16(zp[heapEndPtrOffset:], heapEnd-0x200)

	if loadAddr > 0xffffffff {
		return fmt.Errorf("boot: load address %#x exceeds 32-bit range", loadAddr)
	}
	binary.LittleEndian.PutUint32(zp[code32StartOffset:], uint32(loadAddr))

	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], uint32(cmdlineGPA))
	binary.LittleEndian.PutUint32(zp[zeroPageExtCmdLinePtr:], uint32(cmdlineGPA>>32))

	if initrdSize > 0 {
		if initrdGPA == 0 {
			return errors.New("boot: non-zero initrd size but GPA is zero")
		}
		binary.LittleEndian.PutUint32(zp[ramdiskImageOffset:], uint32(initrdGPA))
		binary.LittleEndian.PutUint32(zp[ramdiskSizeOffset:], initrdSize)
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskImage:], uint32(initrdGPA>>32))
	}

	if k.Header.CmdlineSize != 0 && len(cmdline) > int(k.Header.CmdlineSize) {
		return fmt.Errorf("boot: command line length %d exceeds kernel limit %d", len(cmdline), k.Header.CmdlineSize)
	}
	if _, err := vm.WriteAt(append([]byte(cmdline), 0), int64(cmdlineGPA)); err != nil {
		return fmt.Errorf("boot: write command line: %w", err)
	}

	if len(e820) == 0 {
		return errors.New("boot: e820 map must contain at least one entry")
	}
	if len(e820) > e820MaxEntries {
		return fmt.Errorf("boot: too many e820 entries (%d > %d)", len(e820), e820MaxEntries)
	}
	zp[zeroPageE820Entries] = byte(len(e820))
	for idx, ent := range e820 {
		base := zeroPageE820Table + idx*e820EntrySize
		binary.LittleEndian.PutUint64(zp[base:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], ent.Type)
	}

	if _, err := vm.WriteAt(zp, int64(zeroPageGPA)); err != nil {
		return fmt.Errorf("boot: write zero page: %w", err)
	}
	return nil
}

// LoadIntoMemory copies the payload into guest RAM at loadAddr after
// clearing [loadAddr, loadAddr+max(init_size, payload)).
func (k *Kernel) LoadIntoMemory(vm hv.VirtualMachine, loadAddr uint64) error {
	payload := k.Payload()
	clearLen := len(payload)
	if init := int(k.Header.InitSize); init > clearLen {
		clearLen = init
	}
	memEnd := vm.MemoryBase() + vm.MemorySize()
	if loadAddr < vm.MemoryBase() || loadAddr+uint64(clearLen) > memEnd {
		return fmt.Errorf("boot: kernel needs %#x bytes at %#x but RAM is [%#x-%#x)",
			clearLen, loadAddr, vm.MemoryBase(), memEnd)
	}
	if _, err := vm.WriteAt(make([]byte, clearLen), int64(loadAddr)); err != nil {
		return fmt.Errorf("boot: clear kernel memory: %w", err)
	}
	if _, err := vm.WriteAt(payload, int64(loadAddr)); err != nil {
		return fmt.Errorf("boot: write kernel payload: %w", err)
	}
	return nil
}
