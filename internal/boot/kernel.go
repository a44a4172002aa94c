// Package boot places a Linux kernel into guest memory following the
// x86 boot protocol: parse the bzImage setup header, copy the
// protected-mode payload, build the boot_params zero page with an e820
// map derived from the allocator's RAM layout, and program vCPU 0 for
// the 64-bit entry point.
package boot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerMagicOffset  = 0x202
	headerMagic        = "HdrS"
	headerLengthOffset = 0x201
)

// SetupHeader is the parsed Linux/x86 setup_header.
type SetupHeader struct {
	ProtocolVersion   uint16
	SetupSectors      uint8
	LoadFlags         uint8
	Code32Start       uint32
	RamdiskImage      uint32
	RamdiskSize       uint32
	HeapEndPtr        uint16
	CmdLinePtr        uint32
	InitrdAddrMax     uint32
	KernelAlignment   uint32
	RelocatableKernel uint8
	MinAlignment      uint8
	XLoadFlags        uint16
	CmdlineSize       uint32
	PrefAddress       uint64
	InitSize          uint32
}

// Kernel is a parsed bzImage held on the host side.
type Kernel struct {
	Data          []byte
	Header        SetupHeader
	HeaderBytes   []byte
	PayloadOffset int
}

// LoadKernel reads and validates a bzImage.
func LoadKernel(r io.ReaderAt, size int64) (*Kernel, error) {
	data, err := io.ReadAll(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, fmt.Errorf("boot: read kernel image: %w", err)
	}
	k := &Kernel{Data: data}
	if err := k.parseHeader(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Kernel) parseHeader() error {
	data := k.Data
	if len(data) < headerMagicOffset+4 {
		return errors.New("boot: kernel image too small")
	}
	if string(data[headerMagicOffset:headerMagicOffset+4]) != headerMagic {
		return errors.New("boot: missing HdrS signature; not a Linux bzImage")
	}

	headerLength := int(data[headerLengthOffset])
	headerEnd := headerMagicOffset + headerLength
	if headerEnd > len(data) || headerEnd <= setupHeaderOffset {
		return errors.New("boot: invalid setup header length")
	}
	k.HeaderBytes = make([]byte, headerEnd-setupHeaderOffset)
	copy(k.HeaderBytes, data[setupHeaderOffset:headerEnd])

	var hdr SetupHeader
	hdr.SetupSectors = data[setupHeaderOffset]
	if hdr.SetupSectors == 0 {
		hdr.SetupSectors = 4
	}
	hdr.ProtocolVersion = binary.LittleEndian.Uint16(data[protocolVersionOffset:])
	hdr.LoadFlags = data[loadFlagsOffset]
	hdr.Code32Start = binary.LittleEndian.Uint32(data[code32StartOffset:])
	hdr.RamdiskImage = binary.LittleEndian.Uint32(data[ramdiskImageOffset:])
	hdr.RamdiskSize = binary.LittleEndian.Uint32(data[ramdiskSizeOffset:])
	hdr.HeapEndPtr = binary.LittleEndian.Uint16(data[heapEndPtrOffset:])
	hdr.CmdLinePtr = binary.LittleEndian.Uint32(data[cmdLinePtrOffset:])
	hdr.InitrdAddrMax = binary.LittleEndian.Uint32(data[initrdAddrMaxOffset:])
	hdr.KernelAlignment = binary.LittleEndian.Uint32(data[kernelAlignmentOffset:])
	hdr.RelocatableKernel = data[relocatableKernelOffset]
	hdr.MinAlignment = data[minAlignmentOffset]
	hdr.XLoadFlags = binary.LittleEndian.Uint16(data[xloadflagsOffset:])
	hdr.CmdlineSize = binary.LittleEndian.Uint32(data[cmdlineSizeOffset:])
	hdr.PrefAddress = binary.LittleEndian.Uint64(data[prefAddressOffset:])
	hdr.InitSize = binary.LittleEndian.Uint32(data[initSizeOffset:])
	k.Header = hdr

	payloadOffset := 512 * (1 + int(hdr.SetupSectors))
	if payloadOffset > len(data) {
		return fmt.Errorf("boot: payload offset %d exceeds image size %d", payloadOffset, len(data))
	}
	k.PayloadOffset = payloadOffset

	if hdr.XLoadFlags&0x1 == 0 {
		return errors.New("boot: kernel does not advertise a 64-bit entry (XLF_KERNEL_64)")
	}
	return nil
}

// Payload returns the protected-mode payload of the image.
func (k *Kernel) Payload() []byte {
	return k.Data[k.PayloadOffset:]
}

// LoadAddress returns where the payload should be placed. Preference
// order: setup_header.pref_address, then 1 MiB for LOAD_HIGH kernels,
// 64 KiB otherwise.
func (k *Kernel) LoadAddress() uint64 {
	if k.Header.PrefAddress != 0 {
		return k.Header.PrefAddress
	}
	if k.Header.LoadFlags&0x1 != 0 {
		return 0x00100000
	}
	return 0x00010000
}

// EntryPoint64 returns the 64-bit entry GPA for a payload loaded at
// loadAddr. The boot protocol places it at load+0x200.
func (k *Kernel) EntryPoint64(loadAddr uint64) uint64 {
	return loadAddr + 0x200
}
