// Package virtiotest plays the guest driver's role against a virtio
// device under test: it programs the MMIO transport, lays out split
// virtqueues in guest memory, publishes descriptor chains and consumes
// the used ring. It carries its own copy of the guest-visible ABI, the
// way a real guest driver does, so it stays importable from every
// package that fronts a virtio transport.
package virtiotest

import (
	"encoding/binary"
	"io"
	"testing"
	"time"
)

// Memory is guest physical memory addressed by offset.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// MMIO dispatches guest-side register accesses, the way a vCPU exit
// handler would. fake hypervisor VMs implement it.
type MMIO interface {
	GuestMMIORead(addr uint64, data []byte) error
	GuestMMIOWrite(addr uint64, data []byte) error
}

// virtio-mmio register offsets and status bits, as the guest sees them.
const (
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfig            = 0x100

	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8
)

// Descriptor flags for WriteDesc.
const (
	FlagNext  = 1
	FlagWrite = 2

	descSize = 16
)

// Driver drives one device's register window.
type Driver struct {
	tb   testing.TB
	mmio MMIO
	base uint64
}

// NewDriver returns a driver for the device window at base.
func NewDriver(tb testing.TB, mmio MMIO, base uint64) *Driver {
	return &Driver{tb: tb, mmio: mmio, base: base}
}

func (g *Driver) Read32(offset uint64) uint32 {
	g.tb.Helper()
	var buf [4]byte
	if err := g.mmio.GuestMMIORead(g.base+offset, buf[:]); err != nil {
		g.tb.Fatalf("MMIO read at +%#x failed: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (g *Driver) Write32(offset uint64, value uint32) {
	g.tb.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := g.mmio.GuestMMIOWrite(g.base+offset, buf[:]); err != nil {
		g.tb.Fatalf("MMIO write at +%#x failed: %v", offset, err)
	}
}

func (g *Driver) Status() uint32 { return g.Read32(regStatus) }

func (g *Driver) SetStatus(value uint32) { g.Write32(regStatus, value) }

func (g *Driver) DeviceFeatures() uint64 {
	g.Write32(regDeviceFeaturesSel, 0)
	lo := g.Read32(regDeviceFeatures)
	g.Write32(regDeviceFeaturesSel, 1)
	hi := g.Read32(regDeviceFeatures)
	return uint64(hi)<<32 | uint64(lo)
}

func (g *Driver) WriteDriverFeatures(features uint64) {
	g.Write32(regDriverFeaturesSel, 0)
	g.Write32(regDriverFeatures, uint32(features))
	g.Write32(regDriverFeaturesSel, 1)
	g.Write32(regDriverFeatures, uint32(features>>32))
}

// SetupQueue programs ring addresses for one queue and flips it ready.
func (g *Driver) SetupQueue(index int, r *Ring) {
	g.tb.Helper()
	g.Write32(regQueueSel, uint32(index))
	if max := g.Read32(regQueueNumMax); uint32(r.Size) > max {
		g.tb.Fatalf("ring size %d exceeds queue %d max %d", r.Size, index, max)
	}
	g.Write32(regQueueNum, uint32(r.Size))
	g.Write32(regQueueDescLow, uint32(r.DescAddr))
	g.Write32(regQueueDescHigh, uint32(r.DescAddr>>32))
	g.Write32(regQueueAvailLow, uint32(r.AvailAddr))
	g.Write32(regQueueAvailHigh, uint32(r.AvailAddr>>32))
	g.Write32(regQueueUsedLow, uint32(r.UsedAddr))
	g.Write32(regQueueUsedHigh, uint32(r.UsedAddr>>32))
	g.Write32(regQueueReady, 1)
}

func (g *Driver) QueueReady(index int) bool {
	g.Write32(regQueueSel, uint32(index))
	return g.Read32(regQueueReady) == 1
}

func (g *Driver) Notify(queue int) {
	g.Write32(regQueueNotify, uint32(queue))
}

// BringUp walks the standard initialization sequence: acknowledge,
// negotiate features, program rings (rings[i] configures queue i, nil
// skips it) and set DRIVER_OK.
func (g *Driver) BringUp(features uint64, rings ...*Ring) {
	g.tb.Helper()
	g.SetStatus(statusAcknowledge)
	g.SetStatus(statusAcknowledge | statusDriver)
	g.WriteDriverFeatures(features)
	g.SetStatus(statusAcknowledge | statusDriver | statusFeaturesOK)
	for i, r := range rings {
		if r != nil {
			g.SetupQueue(i, r)
		}
	}
	g.SetStatus(statusAcknowledge | statusDriver | statusFeaturesOK | statusDriverOK)
}

// AckInterrupt reads and acknowledges pending interrupt bits.
func (g *Driver) AckInterrupt() uint32 {
	g.tb.Helper()
	pending := g.Read32(regInterruptStatus)
	if pending != 0 {
		g.Write32(regInterruptAck, pending)
	}
	return pending
}

func (g *Driver) ReadConfig32(offset uint64) uint32 {
	return g.Read32(regConfig + offset)
}

// UsedElem is one used ring entry as the driver reads it.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// BufSpec describes one descriptor of a chain: either a
// device-readable buffer holding a payload or a device-writable buffer
// with a capacity.
type BufSpec struct {
	data     []byte
	write    bool
	capacity uint32
}

// Readable builds a device-readable buffer spec holding data.
func Readable(data []byte) BufSpec { return BufSpec{data: data} }

// Writable builds a device-writable buffer spec of the given capacity.
func Writable(capacity uint32) BufSpec { return BufSpec{write: true, capacity: capacity} }

// Ring lays out one split virtqueue in guest memory and plays the
// driver's side of it: building descriptor chains, publishing them on
// the avail ring and consuming the used ring.
type Ring struct {
	Size      uint16
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	tb  testing.TB
	mem Memory

	nextDesc uint16
	availIdx uint16
	usedSeen uint16
	bufNext  uint64
	bufEnd   uint64
}

// NewRing lays out a ring of the given size at base: descriptor table
// at base, avail ring at +0x1000, used ring at +0x2000 and a payload
// arena behind them.
func NewRing(tb testing.TB, mem Memory, base uint64, size uint16) *Ring {
	return &Ring{
		Size:      size,
		DescAddr:  base,
		AvailAddr: base + 0x1000,
		UsedAddr:  base + 0x2000,
		tb:        tb,
		mem:       mem,
		bufNext:   base + 0x3000,
		bufEnd:    base + 0x80000,
	}
}

// Rebind points the ring at another memory image holding the same
// layout, as after a memory migration.
func (r *Ring) Rebind(mem Memory) { r.mem = mem }

func (r *Ring) WriteMem(addr uint64, data []byte) {
	r.tb.Helper()
	if _, err := r.mem.WriteAt(data, int64(addr)); err != nil {
		r.tb.Fatalf("guest write at %#x failed: %v", addr, err)
	}
}

func (r *Ring) ReadMem(addr uint64, n int) []byte {
	r.tb.Helper()
	buf := make([]byte, n)
	if _, err := r.mem.ReadAt(buf, int64(addr)); err != nil {
		r.tb.Fatalf("guest read at %#x failed: %v", addr, err)
	}
	return buf
}

func (r *Ring) Read16(addr uint64) uint16 {
	r.tb.Helper()
	return binary.LittleEndian.Uint16(r.ReadMem(addr, 2))
}

func (r *Ring) Write16(addr uint64, v uint16) {
	r.tb.Helper()
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	r.WriteMem(addr, buf[:])
}

// Alloc carves a payload buffer out of the ring's buffer arena.
func (r *Ring) Alloc(size uint32) uint64 {
	r.tb.Helper()
	if size == 0 {
		size = 1
	}
	addr := r.bufNext
	r.bufNext += (uint64(size) + 15) &^ 15
	if r.bufNext > r.bufEnd {
		r.tb.Fatal("ring buffer arena exhausted")
	}
	return addr
}

// WriteDesc stores one descriptor table entry.
func (r *Ring) WriteDesc(index uint16, addr uint64, length uint32, flags, next uint16) {
	r.tb.Helper()
	var buf [descSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	r.WriteMem(r.DescAddr+uint64(index)*descSize, buf[:])
}

// Publish appends head to the avail ring and bumps the avail index.
func (r *Ring) Publish(head uint16) {
	r.tb.Helper()
	r.Write16(r.AvailAddr+4+uint64(r.availIdx%r.Size)*2, head)
	r.availIdx++
	r.Write16(r.AvailAddr+2, r.availIdx)
}

// Push builds a descriptor chain from specs, fills readable payloads,
// and publishes it. It returns the head index and each descriptor's
// buffer address.
func (r *Ring) Push(specs ...BufSpec) (uint16, []uint64) {
	r.tb.Helper()
	head := r.nextDesc
	addrs := make([]uint64, len(specs))
	for i, spec := range specs {
		length := spec.capacity
		if !spec.write {
			length = uint32(len(spec.data))
		}
		addr := r.Alloc(length)
		addrs[i] = addr
		if !spec.write && len(spec.data) > 0 {
			r.WriteMem(addr, spec.data)
		}
		var flags uint16
		var next uint16
		if spec.write {
			flags |= FlagWrite
		}
		if i < len(specs)-1 {
			flags |= FlagNext
			next = (r.nextDesc + 1) % r.Size
		}
		r.WriteDesc(r.nextDesc, addr, length, flags, next)
		r.nextDesc = (r.nextDesc + 1) % r.Size
	}
	r.Publish(head)
	return head, addrs
}

func (r *Ring) UsedIdx() uint16 {
	r.tb.Helper()
	return r.Read16(r.UsedAddr + 2)
}

// WaitUsed blocks until n more used elements are published and returns
// them in order.
func (r *Ring) WaitUsed(n int) []UsedElem {
	r.tb.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if int(r.UsedIdx()-r.usedSeen) >= n {
			out := make([]UsedElem, n)
			for i := range out {
				slot := (r.usedSeen + uint16(i)) % r.Size
				elem := r.ReadMem(r.UsedAddr+4+uint64(slot)*8, 8)
				out[i] = UsedElem{
					ID:  binary.LittleEndian.Uint32(elem[0:4]),
					Len: binary.LittleEndian.Uint32(elem[4:8]),
				}
			}
			r.usedSeen += uint16(n)
			return out
		}
		if time.Now().After(deadline) {
			r.tb.Fatalf("timed out waiting for %d used elements (idx %d, seen %d)",
				n, r.UsedIdx(), r.usedSeen)
		}
		time.Sleep(time.Millisecond)
	}
}

// CopyRAM copies size bytes of guest memory from src to dst, carrying
// ring layouts and payload arenas across a restore.
func CopyRAM(tb testing.TB, dst io.WriterAt, src io.ReaderAt, size uint64) {
	tb.Helper()
	buf := make([]byte, size)
	if _, err := src.ReadAt(buf, 0); err != nil {
		tb.Fatalf("reading source guest memory failed: %v", err)
	}
	if _, err := dst.WriteAt(buf, 0); err != nil {
		tb.Fatalf("writing destination guest memory failed: %v", err)
	}
}
