package virtio

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/keelvm/keel/internal/verr"
)

const (
	FSDeviceID = 26 // VIRTIO_ID_FS

	fsQueueHiprio  = 0
	fsQueueRequest = 1
	fsQueueCount   = 2
	fsQueueNumMax  = 128

	fsTagSize   = 36
	fsConfigLen = fsTagSize + 4
)

// FUSE wire format, little-endian throughout.
//
//	struct fuse_in_header  { len, opcode, unique, nodeid, uid, gid, pid, padding }
//	struct fuse_out_header { len, error, unique }
const (
	fuseHdrInSize  = 40
	fuseHdrOutSize = 16
	fuseAttrSize   = 88
	fuseRootID     = 1
)

// FUSE opcodes (implemented subset).
const (
	FUSE_LOOKUP  = 1
	FUSE_FORGET  = 2
	FUSE_GETATTR = 3
	FUSE_OPEN    = 14
	FUSE_READ    = 15
	FUSE_WRITE   = 16
	FUSE_RELEASE = 18
	FUSE_FLUSH   = 25
	FUSE_INIT    = 26
	FUSE_OPENDIR = 27
	FUSE_READDIR = 28

	FUSE_RELEASEDIR = 29
)

// FuseAttr mirrors struct fuse_attr.
type FuseAttr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	ATimeSec  uint64
	MTimeSec  uint64
	CTimeSec  uint64
	ATimeNsec uint32
	MTimeNsec uint32
	CTimeNsec uint32
	Mode      uint32
	NLink     uint32
	UID       uint32
	GID       uint32
	RDev      uint32
	BlkSize   uint32
	Flags     uint32
}

func encodeFuseAttr(dst []byte, attr FuseAttr) {
	if len(dst) < fuseAttrSize {
		return
	}
	binary.LittleEndian.PutUint64(dst[0:8], attr.Ino)
	binary.LittleEndian.PutUint64(dst[8:16], attr.Size)
	binary.LittleEndian.PutUint64(dst[16:24], attr.Blocks)
	binary.LittleEndian.PutUint64(dst[24:32], attr.ATimeSec)
	binary.LittleEndian.PutUint64(dst[32:40], attr.MTimeSec)
	binary.LittleEndian.PutUint64(dst[40:48], attr.CTimeSec)
	binary.LittleEndian.PutUint32(dst[48:52], attr.ATimeNsec)
	binary.LittleEndian.PutUint32(dst[52:56], attr.MTimeNsec)
	binary.LittleEndian.PutUint32(dst[56:60], attr.CTimeNsec)
	binary.LittleEndian.PutUint32(dst[60:64], attr.Mode)
	binary.LittleEndian.PutUint32(dst[64:68], attr.NLink)
	binary.LittleEndian.PutUint32(dst[68:72], attr.UID)
	binary.LittleEndian.PutUint32(dst[72:76], attr.GID)
	binary.LittleEndian.PutUint32(dst[76:80], attr.RDev)
	binary.LittleEndian.PutUint32(dst[80:84], attr.BlkSize)
	binary.LittleEndian.PutUint32(dst[84:88], attr.Flags)
}

// FSBackend is the filesystem behind a virtio-fs device. Node 1 is the
// root directory. Errnos are returned negated, FUSE-style; 0 means
// success. Implementations must be safe for concurrent calls.
type FSBackend interface {
	Init() (maxWrite uint32, flags uint32)
	GetAttr(nodeID uint64) (FuseAttr, int32)
	Lookup(parent uint64, name string) (uint64, FuseAttr, int32)
	Open(nodeID uint64, flags uint32) (fh uint64, errno int32)
	Release(nodeID, fh uint64)
	Read(nodeID, fh, off uint64, size uint32) ([]byte, int32)
	Write(nodeID, fh, off uint64, data []byte) (uint32, int32)
	Flush(nodeID, fh uint64) int32
	ReadDir(nodeID, off uint64, maxBytes uint32) ([]byte, int32)
}

// FS implements the virtio filesystem device class: a hiprio queue and
// one request queue, both carrying FUSE request/reply pairs.
type FS struct {
	tag     string
	backend FSBackend

	mu     sync.Mutex
	dev    *Device
	queues []*Queue
	pumps  []*pump
}

// NewFS creates a filesystem class. tag is the mount tag the guest
// sees, truncated to 36 bytes.
func NewFS(tag string, backend FSBackend) (*FS, error) {
	if backend == nil {
		return nil, fmt.Errorf("virtio-fs: backend required")
	}
	if tag == "" {
		return nil, fmt.Errorf("virtio-fs: mount tag required")
	}
	if len(tag) > fsTagSize {
		tag = tag[:fsTagSize]
	}
	return &FS{tag: tag, backend: backend}, nil
}

func (f *FS) DeviceID() uint16        { return FSDeviceID }
func (f *FS) DeviceName() string      { return "fs" }
func (f *FS) DeviceFeatures() uint64  { return 0 }
func (f *FS) NumQueues() int          { return fsQueueCount }
func (f *FS) QueueMaxSize(int) uint16 { return fsQueueNumMax }

func (f *FS) Bind(dev *Device) {
	f.mu.Lock()
	f.dev = dev
	f.mu.Unlock()
}

func (f *FS) ConfigBytes() []byte {
	var buf [fsConfigLen]byte
	copy(buf[:fsTagSize], f.tag)
	binary.LittleEndian.PutUint32(buf[fsTagSize:], 1) // num_request_queues
	return buf[:]
}

func (f *FS) WriteConfig(uint64, uint32) error {
	return fmt.Errorf("virtio-fs: config space is read-only")
}

func (f *FS) Activate(features uint64, queues []*Queue) error {
	if !queues[fsQueueRequest].Ready() {
		return fmt.Errorf("virtio-fs: request queue not ready: %w", verr.ErrProtocolViolation)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pumps) != 0 {
		return fmt.Errorf("virtio-fs: already active")
	}
	f.queues = queues
	dev := f.dev
	fail := func(err error) { dev.Fail(err) }
	f.pumps = make([]*pump, len(queues))
	for i, q := range queues {
		if !q.Ready() {
			continue
		}
		f.pumps[i] = newPump(func() error { return f.drain(q) }, fail)
		f.pumps[i].start()
		f.pumps[i].notify()
	}
	return nil
}

func (f *FS) Notify(queue int) error {
	f.mu.Lock()
	var p *pump
	if queue >= 0 && queue < len(f.pumps) {
		p = f.pumps[queue]
	}
	f.mu.Unlock()
	if p != nil {
		p.notify()
	}
	return nil
}

func (f *FS) Quiesce(ctx context.Context) error {
	f.mu.Lock()
	pumps := append([]*pump(nil), f.pumps...)
	f.mu.Unlock()
	return pauseAll(ctx, pumps...)
}

func (f *FS) Resume() error {
	f.mu.Lock()
	pumps := append([]*pump(nil), f.pumps...)
	f.mu.Unlock()
	resumeAll(pumps...)
	return nil
}

func (f *FS) Reset() {
	f.mu.Lock()
	pumps := f.pumps
	f.pumps = nil
	f.queues = nil
	f.mu.Unlock()
	stopJoinAll(pumps...)
}

func (f *FS) Shutdown(ctx context.Context) error {
	f.Reset()
	return nil
}

type fsClassState struct {
	Tag string
}

func (f *FS) SaveState() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&fsClassState{Tag: f.tag}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *FS) LoadState(data []byte) error {
	var state fsClassState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return err
	}
	if state.Tag != f.tag {
		return fmt.Errorf("virtio-fs: snapshot tag %q, device has %q: %w",
			state.Tag, f.tag, verr.ErrMigrationFormatMismatch)
	}
	return nil
}

func (f *FS) drain(q *Queue) error {
	f.mu.Lock()
	dev := f.dev
	f.mu.Unlock()

	for {
		chain, ok, err := q.PopAvail()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		used, err := f.handleRequest(q, chain)
		if err != nil {
			return err
		}
		if err := q.PushUsed(chain.Head, used); err != nil {
			return err
		}
		if err := dev.SignalUsed(q); err != nil {
			dev.log.Warn("used notification dropped", "err", err)
		}
	}
}

// handleRequest serves one FUSE request/reply exchange: readable
// descriptors carry the request, writable ones receive the reply.
// FORGET carries no reply buffers at all and completes with length 0.
func (f *FS) handleRequest(q *Queue, chain *Chain) (uint32, error) {
	req, err := q.Gather(chain.Readable())
	if err != nil {
		return 0, err
	}
	if len(req) < fuseHdrInSize {
		return 0, fmt.Errorf("virtio-fs: request of %d bytes lacks header: %w",
			len(req), verr.ErrProtocolViolation)
	}
	if binary.LittleEndian.Uint32(req[4:8]) == FUSE_FORGET {
		return 0, nil
	}

	writable := chain.Writable()
	var respCap int
	for _, d := range writable {
		respCap += int(d.Len)
	}
	if respCap < fuseHdrOutSize {
		return 0, fmt.Errorf("virtio-fs: reply buffers of %d bytes lack header room: %w",
			respCap, verr.ErrProtocolViolation)
	}

	resp := make([]byte, respCap)
	used := f.dispatch(req, resp)
	if int(used) > respCap {
		return 0, fmt.Errorf("virtio-fs: reply of %d bytes exceeds %d-byte buffers: %w",
			used, respCap, verr.ErrProtocolViolation)
	}
	written, err := q.Scatter(writable, resp[:used])
	if err != nil {
		return 0, err
	}
	return written, nil
}

// dispatch decodes the FUSE header and runs one operation. The reply,
// including the out header, lands in resp; the return value is its
// total length.
func (f *FS) dispatch(req, resp []byte) uint32 {
	opcode := binary.LittleEndian.Uint32(req[4:8])
	unique := binary.LittleEndian.Uint64(req[8:16])
	nodeID := binary.LittleEndian.Uint64(req[16:24])
	payload := req[fuseHdrInSize:]

	reply := func(errno int32, extra []byte) uint32 {
		length := uint32(fuseHdrOutSize + len(extra))
		binary.LittleEndian.PutUint32(resp[0:4], length)
		binary.LittleEndian.PutUint32(resp[4:8], uint32(errno))
		binary.LittleEndian.PutUint64(resp[8:16], unique)
		copy(resp[fuseHdrOutSize:], extra)
		return length
	}

	switch opcode {
	case FUSE_INIT:
		if len(payload) < 16 {
			return reply(-int32(unix.EINVAL), nil)
		}
		maxWrite, flags := f.backend.Init()
		if maxWrite == 0 {
			maxWrite = 128 * 1024
		}
		// fuse_init_out, zero-padded to the modern 64-byte layout.
		extra := make([]byte, 64)
		binary.LittleEndian.PutUint32(extra[0:4], 7)  // major
		binary.LittleEndian.PutUint32(extra[4:8], 31) // minor
		binary.LittleEndian.PutUint32(extra[8:12], 128*1024)
		binary.LittleEndian.PutUint32(extra[12:16], flags)
		binary.LittleEndian.PutUint16(extra[16:18], 16) // max_background
		binary.LittleEndian.PutUint16(extra[18:20], 32) // congestion_threshold
		binary.LittleEndian.PutUint32(extra[20:24], maxWrite)
		binary.LittleEndian.PutUint32(extra[24:28], 1) // time_gran
		return reply(0, extra)

	case FUSE_GETATTR:
		attr, errno := f.backend.GetAttr(nodeID)
		if errno != 0 {
			return reply(errno, nil)
		}
		// fuse_attr_out = { attr_valid, attr_valid_nsec, dummy, attr }
		extra := make([]byte, 16+fuseAttrSize)
		binary.LittleEndian.PutUint64(extra[0:8], 1)
		encodeFuseAttr(extra[16:], attr)
		return reply(0, extra)

	case FUSE_LOOKUP:
		name := string(payload)
		if i := strings.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		nid, attr, errno := f.backend.Lookup(nodeID, name)
		if errno != 0 {
			return reply(errno, nil)
		}
		// fuse_entry_out
		extra := make([]byte, 40+fuseAttrSize)
		binary.LittleEndian.PutUint64(extra[0:8], nid)
		binary.LittleEndian.PutUint64(extra[16:24], 1) // entry_valid
		binary.LittleEndian.PutUint64(extra[24:32], 1) // attr_valid
		encodeFuseAttr(extra[40:], attr)
		return reply(0, extra)

	case FUSE_OPEN, FUSE_OPENDIR:
		if len(payload) < 8 {
			return reply(-int32(unix.EINVAL), nil)
		}
		flags := binary.LittleEndian.Uint32(payload[0:4])
		fh, errno := f.backend.Open(nodeID, flags)
		if errno != 0 {
			return reply(errno, nil)
		}
		extra := make([]byte, 16)
		binary.LittleEndian.PutUint64(extra[0:8], fh)
		return reply(0, extra)

	case FUSE_READ:
		if len(payload) < 24 {
			return reply(-int32(unix.EINVAL), nil)
		}
		fh := binary.LittleEndian.Uint64(payload[0:8])
		off := binary.LittleEndian.Uint64(payload[8:16])
		size := binary.LittleEndian.Uint32(payload[16:20])
		data, errno := f.backend.Read(nodeID, fh, off, size)
		if errno != 0 {
			return reply(errno, nil)
		}
		if len(data) > len(resp)-fuseHdrOutSize {
			data = data[:len(resp)-fuseHdrOutSize]
		}
		return reply(0, data)

	case FUSE_WRITE:
		if len(payload) < 40 {
			return reply(-int32(unix.EINVAL), nil)
		}
		fh := binary.LittleEndian.Uint64(payload[0:8])
		off := binary.LittleEndian.Uint64(payload[8:16])
		size := binary.LittleEndian.Uint32(payload[16:20])
		data := payload[40:]
		if uint32(len(data)) > size {
			data = data[:size]
		}
		n, errno := f.backend.Write(nodeID, fh, off, data)
		if errno != 0 {
			return reply(errno, nil)
		}
		// fuse_write_out
		extra := make([]byte, 8)
		binary.LittleEndian.PutUint32(extra[0:4], n)
		return reply(0, extra)

	case FUSE_FLUSH:
		if len(payload) < 8 {
			return reply(-int32(unix.EINVAL), nil)
		}
		fh := binary.LittleEndian.Uint64(payload[0:8])
		return reply(f.backend.Flush(nodeID, fh), nil)

	case FUSE_RELEASE, FUSE_RELEASEDIR:
		if len(payload) < 8 {
			return reply(-int32(unix.EINVAL), nil)
		}
		fh := binary.LittleEndian.Uint64(payload[0:8])
		f.backend.Release(nodeID, fh)
		return reply(0, nil)

	case FUSE_READDIR:
		if len(payload) < 24 {
			return reply(-int32(unix.EINVAL), nil)
		}
		off := binary.LittleEndian.Uint64(payload[8:16])
		size := binary.LittleEndian.Uint32(payload[16:20])
		if int(size) > len(resp)-fuseHdrOutSize {
			size = uint32(len(resp) - fuseHdrOutSize)
		}
		entries, errno := f.backend.ReadDir(nodeID, off, size)
		if errno != 0 {
			return reply(errno, nil)
		}
		return reply(0, entries)

	default:
		return reply(-int32(unix.ENOSYS), nil)
	}
}

var _ Handler = (*FS)(nil)
