package virtio

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"github.com/keelvm/keel/internal/verr"
)

const (
	BlkDeviceID     = 2
	blkQueueCount   = 1
	blkQueueRequest = 0

	// BlkQueueMax is the request queue depth the block class offers.
	BlkQueueMax = 128

	// SectorSize is the virtio-blk addressing unit.
	SectorSize = 512

	blkConfigLen = 24
	blkIDLen     = 20
)

// Virtio block request types.
const (
	VIRTIO_BLK_T_IN           = 0 // Read
	VIRTIO_BLK_T_OUT          = 1 // Write
	VIRTIO_BLK_T_FLUSH        = 4 // Flush
	VIRTIO_BLK_T_GET_ID       = 8 // Get device ID
	VIRTIO_BLK_T_DISCARD      = 11
	VIRTIO_BLK_T_WRITE_ZEROES = 13
)

// Virtio block status codes.
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Virtio block feature bits.
const (
	VIRTIO_BLK_F_SIZE_MAX = 1 << 1 // Max size of any single segment
	VIRTIO_BLK_F_SEG_MAX  = 1 << 2 // Max number of segments
	VIRTIO_BLK_F_RO       = 1 << 5 // Read-only device
	VIRTIO_BLK_F_BLK_SIZE = 1 << 6 // Block size available
	VIRTIO_BLK_F_FLUSH    = 1 << 9 // Flush command supported
)

// BlockBackend is the storage behind a block device. Offsets are byte
// offsets; callers stay within [0, Size()).
type BlockBackend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	Sync() error
	ReadOnly() bool
}

// FileBackend serves a block device from a host file.
type FileBackend struct {
	file     *os.File
	size     int64
	readOnly bool
}

// NewFileBackend wraps an open file. The device capacity is the file
// size at creation, rounded down to whole sectors.
func NewFileBackend(file *os.File, readOnly bool) (*FileBackend, error) {
	fi, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("virtio-blk: stat backing file: %w", err)
	}
	return &FileBackend{
		file:     file,
		size:     fi.Size() / SectorSize * SectorSize,
		readOnly: readOnly,
	}, nil
}

func (f *FileBackend) ReadAt(p []byte, off int64) (int, error)  { return f.file.ReadAt(p, off) }
func (f *FileBackend) WriteAt(p []byte, off int64) (int, error) { return f.file.WriteAt(p, off) }
func (f *FileBackend) Size() int64                              { return f.size }
func (f *FileBackend) Sync() error                              { return f.file.Sync() }
func (f *FileBackend) ReadOnly() bool                           { return f.readOnly }

// MemBackend serves a block device from a byte slice.
type MemBackend struct {
	mu       sync.RWMutex
	data     []byte
	readOnly bool
}

// NewMemBackend creates an in-memory disk of the given byte size,
// rounded down to whole sectors.
func NewMemBackend(size int64, readOnly bool) *MemBackend {
	return &MemBackend{data: make([]byte, size/SectorSize*SectorSize), readOnly: readOnly}
}

func (m *MemBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 || off >= int64(len(m.data)) {
		return 0, fmt.Errorf("virtio-blk: read offset %d outside disk of %d bytes", off, len(m.data))
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("virtio-blk: read past end of disk")
	}
	return n, nil
}

func (m *MemBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off >= int64(len(m.data)) {
		return 0, fmt.Errorf("virtio-blk: write offset %d outside disk of %d bytes", off, len(m.data))
	}
	n := copy(m.data[off:], p)
	if n < len(p) {
		return n, fmt.Errorf("virtio-blk: write past end of disk")
	}
	return n, nil
}

func (m *MemBackend) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

func (m *MemBackend) Sync() error    { return nil }
func (m *MemBackend) ReadOnly() bool { return m.readOnly }

// Blk implements the virtio block device class.
type Blk struct {
	backend BlockBackend
	serial  string

	mu   sync.Mutex
	dev  *Device
	q    *Queue
	work *pump
}

// NewBlk creates a block class over a backend. serial is the GET_ID
// reply, truncated to 20 bytes.
func NewBlk(backend BlockBackend, serial string) *Blk {
	if serial == "" {
		serial = "keel-blk"
	}
	return &Blk{backend: backend, serial: serial}
}

func (b *Blk) DeviceID() uint16   { return BlkDeviceID }
func (b *Blk) DeviceName() string { return "blk" }

func (b *Blk) DeviceFeatures() uint64 { return BlockFeatures(b.backend) }

func (b *Blk) NumQueues() int          { return blkQueueCount }
func (b *Blk) QueueMaxSize(int) uint16 { return BlkQueueMax }
func (b *Blk) Bind(dev *Device)        { b.mu.Lock(); b.dev = dev; b.mu.Unlock() }

func (b *Blk) WriteConfig(uint64, uint32) error {
	return fmt.Errorf("virtio-blk: config space is read-only")
}

func (b *Blk) ConfigBytes() []byte { return BlockConfig(b.backend) }

// BlockFeatures returns the feature bits a block device offers over a
// backend, regardless of the transport carrying it.
func BlockFeatures(backend BlockBackend) uint64 {
	features := uint64(VIRTIO_BLK_F_SIZE_MAX | VIRTIO_BLK_F_SEG_MAX | VIRTIO_BLK_F_BLK_SIZE | VIRTIO_BLK_F_FLUSH)
	if backend.ReadOnly() {
		features |= VIRTIO_BLK_F_RO
	}
	return features
}

// BlockConfig builds the virtio-blk config space for a backend.
func BlockConfig(backend BlockBackend) []byte {
	var buf [blkConfigLen]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(backend.Size())/SectorSize)
	binary.LittleEndian.PutUint32(buf[8:12], 1<<20)        // size_max: 1MB per segment
	binary.LittleEndian.PutUint32(buf[12:16], BlkQueueMax) // seg_max
	// geometry left zero
	binary.LittleEndian.PutUint32(buf[20:24], SectorSize) // blk_size
	return buf[:]
}

func (b *Blk) Activate(features uint64, queues []*Queue) error {
	q := queues[blkQueueRequest]
	if !q.Ready() {
		return fmt.Errorf("virtio-blk: request queue not ready: %w", verr.ErrProtocolViolation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.work != nil {
		return fmt.Errorf("virtio-blk: already active")
	}
	b.q = q
	dev := b.dev
	b.work = newPump(b.drain, func(err error) { dev.Fail(err) })
	b.work.start()
	b.work.notify()
	return nil
}

func (b *Blk) Notify(queue int) error {
	b.mu.Lock()
	work := b.work
	b.mu.Unlock()
	if queue == blkQueueRequest && work != nil {
		work.notify()
	}
	return nil
}

func (b *Blk) Quiesce(ctx context.Context) error {
	b.mu.Lock()
	work := b.work
	b.mu.Unlock()
	return pauseAll(ctx, work)
}

func (b *Blk) Resume() error {
	b.mu.Lock()
	work := b.work
	b.mu.Unlock()
	resumeAll(work)
	return nil
}

func (b *Blk) Reset() {
	b.mu.Lock()
	work := b.work
	b.work = nil
	b.q = nil
	b.mu.Unlock()
	stopJoinAll(work)
}

func (b *Blk) Shutdown(ctx context.Context) error {
	b.Reset()
	return b.backend.Sync()
}

type blkClassState struct {
	Serial   string
	Capacity uint64
}

func (b *Blk) SaveState() ([]byte, error) {
	var buf bytes.Buffer
	state := blkClassState{
		Serial:   b.serial,
		Capacity: uint64(b.backend.Size()) / SectorSize,
	}
	if err := gob.NewEncoder(&buf).Encode(&state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadState checks that the restored device sits on an equivalent
// disk. Capacity drift means the snapshot describes different storage.
func (b *Blk) LoadState(data []byte) error {
	var state blkClassState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return err
	}
	capacity := uint64(b.backend.Size()) / SectorSize
	if state.Capacity != capacity {
		return fmt.Errorf("virtio-blk: snapshot capacity %d sectors, backend has %d: %w",
			state.Capacity, capacity, verr.ErrMigrationFormatMismatch)
	}
	b.serial = state.Serial
	return nil
}

// drain processes every pending request on the request queue.
func (b *Blk) drain() error {
	b.mu.Lock()
	q, dev := b.q, b.dev
	b.mu.Unlock()
	if q == nil {
		return nil
	}

	for {
		chain, ok, err := q.PopAvail()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		written, err := ServeBlockRequest(b.backend, b.serial, q, chain)
		if err != nil {
			return err
		}
		if err := q.PushUsed(chain.Head, written); err != nil {
			return err
		}
		if err := dev.SignalUsed(q); err != nil {
			dev.log.Warn("used notification dropped", "err", err)
		}
	}
}

// ServeBlockRequest executes one virtio-blk request chain against a
// backend and returns the used length to publish. The same routine
// serves the in-process class and socket-attached data planes. Request
// layout:
//
//	[header, device-readable, 16 bytes]
//	[data descriptors, readable for writes / writable for reads]
//	[status, device-writable, 1 byte]
func ServeBlockRequest(backend BlockBackend, serial string, q *Queue, chain *Chain) (uint32, error) {
	readable := chain.Readable()
	writable := chain.Writable()

	if len(readable) == 0 || readable[0].Len < 16 {
		return 0, fmt.Errorf("virtio-blk: request header missing or short: %w", verr.ErrProtocolViolation)
	}
	if len(writable) == 0 || writable[len(writable)-1].Len < 1 {
		return 0, fmt.Errorf("virtio-blk: request has no status descriptor: %w", verr.ErrProtocolViolation)
	}

	var hdr [16]byte
	if _, err := q.ReadBufferInto(readable[0], hdr[:]); err != nil {
		return 0, err
	}
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	statusDesc := writable[len(writable)-1]
	dataIn := readable[1:]                // payload for writes
	dataOut := writable[:len(writable)-1] // payload for reads
	offset := int64(sector) * SectorSize

	status := byte(VIRTIO_BLK_S_OK)
	var written uint32

	switch reqType {
	case VIRTIO_BLK_T_IN:
		n, st, err := blkReadInto(backend, q, dataOut, offset)
		if err != nil {
			return 0, err
		}
		written, status = n, st

	case VIRTIO_BLK_T_OUT:
		st, err := blkWriteFrom(backend, q, dataIn, offset)
		if err != nil {
			return 0, err
		}
		status = st

	case VIRTIO_BLK_T_FLUSH:
		if err := backend.Sync(); err != nil {
			status = VIRTIO_BLK_S_IOERR
		}

	case VIRTIO_BLK_T_GET_ID:
		id := make([]byte, blkIDLen)
		copy(id, serial)
		n, err := q.Scatter(dataOut, id)
		if err != nil {
			return 0, err
		}
		written = n

	default:
		status = VIRTIO_BLK_S_UNSUPP
	}

	if _, err := q.WriteBuffer(statusDesc, []byte{status}); err != nil {
		return 0, err
	}
	return written + 1, nil
}

// blkReadInto serves a VIRTIO_BLK_T_IN request. Guest memory errors
// propagate; backend errors become an IOERR status.
func blkReadInto(backend BlockBackend, q *Queue, descs []Descriptor, offset int64) (uint32, byte, error) {
	var written uint32
	for _, desc := range descs {
		buf := make([]byte, desc.Len)
		if _, err := backend.ReadAt(buf, offset); err != nil {
			return written, VIRTIO_BLK_S_IOERR, nil
		}
		n, err := q.WriteBuffer(desc, buf)
		if err != nil {
			return written, 0, err
		}
		written += uint32(n)
		offset += int64(n)
	}
	return written, VIRTIO_BLK_S_OK, nil
}

// blkWriteFrom serves a VIRTIO_BLK_T_OUT request.
func blkWriteFrom(backend BlockBackend, q *Queue, descs []Descriptor, offset int64) (byte, error) {
	if backend.ReadOnly() {
		return VIRTIO_BLK_S_IOERR, nil
	}
	for _, desc := range descs {
		buf, err := q.ReadBuffer(desc)
		if err != nil {
			return 0, err
		}
		n, err := backend.WriteAt(buf, offset)
		if err != nil {
			return VIRTIO_BLK_S_IOERR, nil
		}
		offset += int64(n)
	}
	return VIRTIO_BLK_S_OK, nil
}

var _ Handler = (*Blk)(nil)
