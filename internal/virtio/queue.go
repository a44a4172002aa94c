// Package virtio implements the device model: split virtqueues, the
// MMIO transport with its device lifecycle, and the block, network,
// filesystem and console device classes. Devices touch guest memory in
// exactly one place outside their config window: the used ring, and
// only through Queue.PushUsed.
package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/keelvm/keel/internal/gpa"
	"github.com/keelvm/keel/internal/verr"
)

// GuestMemory provides access to guest physical memory. Both hv
// virtual machines and vhost shared-memory mappings satisfy it.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

const (
	descFNext  = 1
	descFWrite = 2

	availFNoInterrupt = 1

	descSize = 16
)

var (
	ErrQueueNotReady = fmt.Errorf("queue not ready")

	// ErrDescriptorLoop reports a descriptor chain that revisits an
	// index. The chain is rejected before any part of it is processed.
	ErrDescriptorLoop = fmt.Errorf("descriptor chain loops: %w", verr.ErrProtocolViolation)

	// ErrDescriptorRange reports a descriptor index outside the queue.
	ErrDescriptorRange = fmt.Errorf("descriptor index out of range: %w", verr.ErrProtocolViolation)

	// ErrQueueOutsideRAM reports ring addresses that are not wholly
	// inside allocated guest RAM.
	ErrQueueOutsideRAM = fmt.Errorf("queue ring outside guest RAM: %w", verr.ErrProtocolViolation)

	// ErrQueueMisaligned reports ring addresses that violate the
	// alignment the split ring layout requires.
	ErrQueueMisaligned = fmt.Errorf("queue ring misaligned: %w", verr.ErrProtocolViolation)
)

// Descriptor is one entry of a descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// IsWrite reports whether the buffer is device-writable.
func (d Descriptor) IsWrite() bool { return d.Flags&descFWrite != 0 }

// HasNext reports whether the chain continues after this descriptor.
func (d Descriptor) HasNext() bool { return d.Flags&descFNext != 0 }

// Chain is a fully walked descriptor chain.
type Chain struct {
	Head  uint16
	Descs []Descriptor
}

// Readable returns the device-readable descriptors. Drivers place
// them before all writable ones; filtering by flag keeps a malformed
// ordering from ever directing a device write at a readable buffer.
func (c *Chain) Readable() []Descriptor {
	var out []Descriptor
	for _, d := range c.Descs {
		if !d.IsWrite() {
			out = append(out, d)
		}
	}
	return out
}

// Writable returns the device-writable descriptors.
func (c *Chain) Writable() []Descriptor {
	var out []Descriptor
	for _, d := range c.Descs {
		if d.IsWrite() {
			out = append(out, d)
		}
	}
	return out
}

// Queue is one split virtqueue. The transport configures it during
// device setup; exactly one worker goroutine consumes it while the
// device is Active. The internal mutex protects the ring cursors so
// snapshot capture can race safely with a draining worker.
type Queue struct {
	Index   int
	MaxSize uint16

	mem GuestMemory

	mu           sync.Mutex
	size         uint16
	ready        bool
	descAddr     uint64
	availAddr    uint64
	usedAddr     uint64
	lastAvailIdx uint16
	usedIdx      uint16
}

// NewQueue creates an unconfigured queue.
func NewQueue(mem GuestMemory, index int, maxSize uint16) *Queue {
	return &Queue{Index: index, MaxSize: maxSize, mem: mem}
}

// Reset clears all configuration and cursors.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.size = 0
	q.ready = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

// SetSize sets the ring size chosen by the driver.
func (q *Queue) SetSize(size uint16) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if size > q.MaxSize {
		return fmt.Errorf("queue %d size %d exceeds max %d: %w",
			q.Index, size, q.MaxSize, verr.ErrProtocolViolation)
	}
	q.size = size
	return nil
}

// SetAddresses configures the ring addresses.
func (q *Queue) SetAddresses(desc, avail, used uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.descAddr = desc
	q.availAddr = avail
	q.usedAddr = used
}

// Size returns the driver-chosen ring size.
func (q *Queue) Size() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Ready reports whether the queue has been validated and enabled.
func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

// Addresses returns the configured ring addresses (desc, avail, used).
func (q *Queue) Addresses() (uint64, uint64, uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.descAddr, q.availAddr, q.usedAddr
}

// ringFootprints returns the byte extents of the three rings for the
// current size, including the event words.
func (q *Queue) ringFootprints() (desc, avail, used uint64) {
	n := uint64(q.size)
	return n * descSize, 6 + 2*n, 6 + 8*n
}

// Validate checks the configured rings against the address-space
// allocator: each ring must lie wholly inside allocated guest RAM and
// honor the split-ring alignment rules. On success the queue becomes
// ready. Validation failures are protocol violations and leave the
// queue disabled.
func (q *Queue) Validate(space *gpa.Space) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return fmt.Errorf("queue %d readied with size 0: %w", q.Index, verr.ErrProtocolViolation)
	}
	if q.descAddr%16 != 0 || q.availAddr%2 != 0 || q.usedAddr%4 != 0 {
		return fmt.Errorf("queue %d rings desc=%#x avail=%#x used=%#x: %w",
			q.Index, q.descAddr, q.availAddr, q.usedAddr, ErrQueueMisaligned)
	}
	descLen, availLen, usedLen := q.ringFootprints()
	for _, region := range []struct {
		name string
		addr uint64
		size uint64
	}{
		{"descriptor table", q.descAddr, descLen},
		{"available ring", q.availAddr, availLen},
		{"used ring", q.usedAddr, usedLen},
	} {
		if !space.Contains(region.addr, region.size, gpa.KindRAM) {
			return fmt.Errorf("queue %d %s [%#x,%#x): %w",
				q.Index, region.name, region.addr, region.addr+region.size, ErrQueueOutsideRAM)
		}
	}
	q.ready = true
	return nil
}

// PopAvail fetches the next available descriptor chain. The chain is
// fully walked before the avail cursor moves; a malformed chain
// (loop, out-of-range index) consumes the avail entry but returns an
// error without any buffer having been touched.
func (q *Queue) PopAvail() (*Chain, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensureReadyLocked(); err != nil {
		return nil, false, err
	}

	_, availIdx, err := q.readAvailHeaderLocked()
	if err != nil {
		return nil, false, err
	}
	if q.lastAvailIdx == availIdx {
		return nil, false, nil
	}

	ringIndex := q.lastAvailIdx % q.size
	head, err := q.readAvailEntryLocked(ringIndex)
	if err != nil {
		return nil, false, err
	}

	chain, err := q.walkChainLocked(head)

	// The entry is consumed either way; a bad chain must not wedge
	// the queue by being fetched forever.
	q.lastAvailIdx++

	if err != nil {
		return nil, false, err
	}
	return chain, true, nil
}

// walkChainLocked walks the chain from head, failing on the first
// revisited or out-of-range index. Nothing is processed on failure.
func (q *Queue) walkChainLocked(head uint16) (*Chain, error) {
	visited := make([]bool, q.size)
	chain := &Chain{Head: head}

	index := head
	for {
		if index >= q.size {
			return nil, fmt.Errorf("queue %d descriptor %d (size %d): %w",
				q.Index, index, q.size, ErrDescriptorRange)
		}
		if visited[index] {
			return nil, fmt.Errorf("queue %d chain from head %d revisits descriptor %d: %w",
				q.Index, head, index, ErrDescriptorLoop)
		}
		visited[index] = true

		desc, err := q.readDescriptorLocked(index)
		if err != nil {
			return nil, err
		}
		chain.Descs = append(chain.Descs, desc)

		if !desc.HasNext() {
			return chain, nil
		}
		index = desc.Next
	}
}

// PushUsed publishes a completed chain: the used element is written
// first, then the used index. This ordering is what makes the
// completion visible to the driver; callers notify only after PushUsed
// returns.
func (q *Queue) PushUsed(head uint16, written uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensureReadyLocked(); err != nil {
		return err
	}

	slot := q.usedIdx % q.size
	base := q.usedAddr + 4 + uint64(slot)*8
	if err := q.writeGuestUint32Locked(base, uint32(head)); err != nil {
		return err
	}
	if err := q.writeGuestUint32Locked(base+4, written); err != nil {
		return err
	}
	q.usedIdx++
	return q.writeGuestUint16Locked(q.usedAddr+2, q.usedIdx)
}

// InterruptsSuppressed reports whether the driver currently asks to
// skip used-buffer notifications. Suppression is advisory in both
// directions; notifications are best-effort hints.
func (q *Queue) InterruptsSuppressed() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureReadyLocked(); err != nil {
		return false, err
	}
	flags, _, err := q.readAvailHeaderLocked()
	if err != nil {
		return false, err
	}
	return flags&availFNoInterrupt != 0, nil
}

// ReadBuffer copies the full payload of a device-readable descriptor.
func (q *Queue) ReadBuffer(d Descriptor) ([]byte, error) {
	if d.Len == 0 {
		return nil, nil
	}
	buf := make([]byte, d.Len)
	if err := q.readGuestInto(d.Addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadBufferInto copies min(len(buf), d.Len) payload bytes into buf
// and returns the count.
func (q *Queue) ReadBufferInto(d Descriptor, buf []byte) (int, error) {
	n := len(buf)
	if uint32(n) > d.Len {
		n = int(d.Len)
	}
	if n == 0 {
		return 0, nil
	}
	if err := q.readGuestInto(d.Addr, buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// WriteBuffer copies data into a device-writable descriptor and
// returns the number of bytes written (bounded by the buffer length).
func (q *Queue) WriteBuffer(d Descriptor, data []byte) (int, error) {
	n := len(data)
	if uint32(n) > d.Len {
		n = int(d.Len)
	}
	if n == 0 {
		return 0, nil
	}
	if err := q.writeGuestFrom(d.Addr, data[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// Gather concatenates the payloads of the given descriptors.
func (q *Queue) Gather(descs []Descriptor) ([]byte, error) {
	var total int
	for _, d := range descs {
		total += int(d.Len)
	}
	buf := make([]byte, 0, total)
	for _, d := range descs {
		part, err := q.ReadBuffer(d)
		if err != nil {
			return nil, err
		}
		buf = append(buf, part...)
	}
	return buf, nil
}

// Scatter spreads data across the given descriptors in order and
// returns the number of bytes placed. Data beyond the combined
// capacity is dropped.
func (q *Queue) Scatter(descs []Descriptor, data []byte) (uint32, error) {
	var written uint32
	for _, d := range descs {
		if len(data) == 0 {
			break
		}
		n, err := q.WriteBuffer(d, data)
		if err != nil {
			return written, err
		}
		written += uint32(n)
		data = data[n:]
	}
	return written, nil
}

// Cursors returns the avail and used cursors for snapshot capture.
func (q *Queue) Cursors() (lastAvail, used uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastAvailIdx, q.usedIdx
}

// SetCursors restores the ring cursors. Used by snapshot restore and
// by the vhost front-end when a backend reports its vring base.
func (q *Queue) SetCursors(lastAvail, used uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastAvailIdx = lastAvail
	q.usedIdx = used
}

// restore rebuilds the full queue configuration from a snapshot.
func (q *Queue) restore(snap QueueSnapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.size = snap.Size
	q.ready = snap.Ready
	q.descAddr = snap.DescAddr
	q.availAddr = snap.AvailAddr
	q.usedAddr = snap.UsedAddr
	q.lastAvailIdx = snap.LastAvailIdx
	q.usedIdx = snap.UsedIdx
}

func (q *Queue) snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueSnapshot{
		Size:         q.size,
		MaxSize:      q.MaxSize,
		Ready:        q.ready,
		DescAddr:     q.descAddr,
		AvailAddr:    q.availAddr,
		UsedAddr:     q.usedAddr,
		LastAvailIdx: q.lastAvailIdx,
		UsedIdx:      q.usedIdx,
	}
}

func (q *Queue) ensureReadyLocked() error {
	if !q.ready || q.size == 0 {
		return ErrQueueNotReady
	}
	if q.mem == nil {
		return fmt.Errorf("queue %d has no guest memory", q.Index)
	}
	return nil
}

func (q *Queue) readAvailHeaderLocked() (flags uint16, idx uint16, err error) {
	var header [4]byte
	if err := q.readGuestInto(q.availAddr, header[:]); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint16(header[0:2]), binary.LittleEndian.Uint16(header[2:4]), nil
}

func (q *Queue) readAvailEntryLocked(ringIndex uint16) (uint16, error) {
	var buf [2]byte
	if err := q.readGuestInto(q.availAddr+4+uint64(ringIndex)*2, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) readDescriptorLocked(index uint16) (Descriptor, error) {
	var buf [descSize]byte
	if err := q.readGuestInto(q.descAddr+uint64(index)*descSize, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *Queue) readGuestInto(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := q.mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *Queue) writeGuestFrom(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := q.mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func (q *Queue) writeGuestUint16Locked(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return q.writeGuestFrom(addr, buf[:])
}

func (q *Queue) writeGuestUint32Locked(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return q.writeGuestFrom(addr, buf[:])
}

func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("virtio: negative length %d", length)
	}
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("virtio: guest address %#x out of range", addr)
	}
	if uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("virtio: guest access length overflow addr=%#x length=%d", addr, length)
	}
	return int64(addr), nil
}
