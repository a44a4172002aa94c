package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/keelvm/keel/internal/verr"
	"github.com/keelvm/keel/internal/virtio/virtiotest"
)

func fuseReq(opcode uint32, unique, nodeID uint64, payload []byte) []byte {
	buf := make([]byte, fuseHdrInSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:8], opcode)
	binary.LittleEndian.PutUint64(buf[8:16], unique)
	binary.LittleEndian.PutUint64(buf[16:24], nodeID)
	copy(buf[fuseHdrInSize:], payload)
	return buf
}

// fsCall pushes one FUSE request on the request queue and returns the
// reply errno and body after checking the out header.
func fsCall(t *testing.T, drv *virtiotest.Driver, ring *virtiotest.Ring, req []byte, respCap uint32) (int32, []byte) {
	t.Helper()
	_, addrs := ring.Push(virtiotest.Readable(req), virtiotest.Writable(respCap))
	drv.Notify(fsQueueRequest)
	used := ring.WaitUsed(1)
	if used[0].Len < fuseHdrOutSize {
		t.Fatalf("reply of %d bytes lacks an out header", used[0].Len)
	}
	resp := ring.ReadMem(addrs[1], int(used[0].Len))
	if length := binary.LittleEndian.Uint32(resp[0:4]); length != used[0].Len {
		t.Fatalf("reply header length %d, used len %d", length, used[0].Len)
	}
	if unique := binary.LittleEndian.Uint64(resp[8:16]); unique != binary.LittleEndian.Uint64(req[8:16]) {
		t.Fatalf("reply unique %d, request unique %d", unique, binary.LittleEndian.Uint64(req[8:16]))
	}
	errno := int32(binary.LittleEndian.Uint32(resp[4:8]))
	return errno, resp[fuseHdrOutSize:]
}

type dirent struct {
	ino  uint64
	off  uint64
	typ  uint32
	name string
}

func parseDirents(t *testing.T, data []byte) []dirent {
	t.Helper()
	var out []dirent
	for len(data) > 0 {
		if len(data) < 24 {
			t.Fatalf("truncated dirent header: %d bytes left", len(data))
		}
		nameLen := binary.LittleEndian.Uint32(data[16:20])
		rec := (24 + int(nameLen) + 7) &^ 7
		if rec > len(data) {
			t.Fatalf("truncated dirent: record %d bytes, %d left", rec, len(data))
		}
		out = append(out, dirent{
			ino:  binary.LittleEndian.Uint64(data[0:8]),
			off:  binary.LittleEndian.Uint64(data[8:16]),
			typ:  binary.LittleEndian.Uint32(data[20:24]),
			name: string(data[24 : 24+nameLen]),
		})
		data = data[rec:]
	}
	return out
}

func seedMemFS(t *testing.T) *MemFS {
	t.Helper()
	fs := NewMemFS(false)
	if err := fs.AddFile("hello.txt", []byte("hello, guest!\n")); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}
	if err := fs.AddFile("data/nested/blob.bin", bytes.Repeat([]byte{7}, 3000)); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}
	if err := fs.AddDir("empty"); err != nil {
		t.Fatalf("AddDir failed: %v", err)
	}
	return fs
}

func activeFS(t *testing.T, backend FSBackend) (*testEnv, *Device, *virtiotest.Driver, *virtiotest.Ring) {
	t.Helper()
	env := newTestEnv(t)
	fs, err := NewFS("share", backend)
	if err != nil {
		t.Fatalf("NewFS failed: %v", err)
	}
	dev := env.addDevice(fs)
	drv := env.driver(dev)
	hiprio := virtiotest.NewRing(t, env.vm, ringBase0, 16)
	request := virtiotest.NewRing(t, env.vm, ringBase1, 16)
	drv.BringUp(FeatureVersion1, hiprio, request)
	if got := dev.State(); got != StateActive {
		t.Fatalf("state after bring-up = %v, want %v", got, StateActive)
	}
	return env, dev, drv, request
}

func TestFSConfigSpace(t *testing.T) {
	_, _, drv, _ := activeFS(t, seedMemFS(t))

	var tag [36]byte
	for i := 0; i < len(tag); i += 4 {
		binary.LittleEndian.PutUint32(tag[i:i+4], drv.ReadConfig32(uint64(i)))
	}
	want := make([]byte, 36)
	copy(want, "share")
	if !bytes.Equal(tag[:], want) {
		t.Errorf("config tag = %q, want %q zero-padded", tag, "share")
	}
	if nrq := drv.ReadConfig32(36); nrq != 1 {
		t.Errorf("num_request_queues = %d, want 1", nrq)
	}
}

func TestFSInit(t *testing.T) {
	_, _, drv, ring := activeFS(t, seedMemFS(t))

	payload := make([]byte, 16)
	binary.LittleEndian.PutUint32(payload[0:4], 7)
	binary.LittleEndian.PutUint32(payload[4:8], 31)
	errno, body := fsCall(t, drv, ring, fuseReq(FUSE_INIT, 1, 0, payload), 256)
	if errno != 0 {
		t.Fatalf("INIT errno = %d, want 0", errno)
	}
	if len(body) != 64 {
		t.Fatalf("init_out = %d bytes, want 64", len(body))
	}
	if major := binary.LittleEndian.Uint32(body[0:4]); major != 7 {
		t.Errorf("major = %d, want 7", major)
	}
	if minor := binary.LittleEndian.Uint32(body[4:8]); minor != 31 {
		t.Errorf("minor = %d, want 31", minor)
	}
	if maxWrite := binary.LittleEndian.Uint32(body[20:24]); maxWrite != 128*1024 {
		t.Errorf("max_write = %d, want %d", maxWrite, 128*1024)
	}
}

func TestFSLookupGetAttr(t *testing.T) {
	_, _, drv, ring := activeFS(t, seedMemFS(t))

	errno, body := fsCall(t, drv, ring,
		fuseReq(FUSE_LOOKUP, 2, fuseRootID, append([]byte("hello.txt"), 0)), 256)
	if errno != 0 {
		t.Fatalf("LOOKUP errno = %d, want 0", errno)
	}
	nodeID := binary.LittleEndian.Uint64(body[0:8])
	if nodeID == 0 || nodeID == fuseRootID {
		t.Fatalf("LOOKUP returned node %d", nodeID)
	}
	if size := binary.LittleEndian.Uint64(body[48:56]); size != uint64(len("hello, guest!\n")) {
		t.Errorf("entry size = %d, want %d", size, len("hello, guest!\n"))
	}

	// GETATTR on the root reports a directory.
	errno, body = fsCall(t, drv, ring, fuseReq(FUSE_GETATTR, 3, fuseRootID, make([]byte, 16)), 256)
	if errno != 0 {
		t.Fatalf("GETATTR errno = %d, want 0", errno)
	}
	if mode := binary.LittleEndian.Uint32(body[76:80]); mode&memfsModeDir == 0 {
		t.Errorf("root mode = %#o, want a directory", mode)
	}

	// Missing names are in-band errors.
	errno, _ = fsCall(t, drv, ring, fuseReq(FUSE_LOOKUP, 4, fuseRootID, append([]byte("nope"), 0)), 256)
	if errno != -int32(unix.ENOENT) {
		t.Errorf("LOOKUP errno = %d, want -ENOENT", errno)
	}
}

func TestFSReadWrite(t *testing.T) {
	memfs := seedMemFS(t)
	_, _, drv, ring := activeFS(t, memfs)

	errno, body := fsCall(t, drv, ring,
		fuseReq(FUSE_LOOKUP, 5, fuseRootID, append([]byte("hello.txt"), 0)), 256)
	if errno != 0 {
		t.Fatalf("LOOKUP errno = %d, want 0", errno)
	}
	node := binary.LittleEndian.Uint64(body[0:8])

	openIn := make([]byte, 8)
	binary.LittleEndian.PutUint32(openIn[0:4], uint32(unix.O_RDWR))
	errno, body = fsCall(t, drv, ring, fuseReq(FUSE_OPEN, 6, node, openIn), 64)
	if errno != 0 {
		t.Fatalf("OPEN errno = %d, want 0", errno)
	}
	fh := binary.LittleEndian.Uint64(body[0:8])

	readIn := make([]byte, 40)
	binary.LittleEndian.PutUint64(readIn[0:8], fh)
	binary.LittleEndian.PutUint32(readIn[16:20], 4096)
	errno, body = fsCall(t, drv, ring, fuseReq(FUSE_READ, 7, node, readIn), 8192)
	if errno != 0 {
		t.Fatalf("READ errno = %d, want 0", errno)
	}
	if string(body) != "hello, guest!\n" {
		t.Errorf("READ returned %q, want %q", body, "hello, guest!\n")
	}

	writeIn := make([]byte, 40+5)
	binary.LittleEndian.PutUint64(writeIn[0:8], fh)
	binary.LittleEndian.PutUint64(writeIn[8:16], 7)
	binary.LittleEndian.PutUint32(writeIn[16:20], 5)
	copy(writeIn[40:], "world")
	errno, body = fsCall(t, drv, ring, fuseReq(FUSE_WRITE, 8, node, writeIn), 64)
	if errno != 0 {
		t.Fatalf("WRITE errno = %d, want 0", errno)
	}
	if n := binary.LittleEndian.Uint32(body[0:4]); n != 5 {
		t.Errorf("WRITE count = %d, want 5", n)
	}

	// The write is visible host-side.
	got, err := memfs.ReadFile("hello.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != "hello, world!\n" {
		t.Errorf("file content = %q, want %q", got, "hello, world!\n")
	}

	relIn := make([]byte, 24)
	binary.LittleEndian.PutUint64(relIn[0:8], fh)
	errno, _ = fsCall(t, drv, ring, fuseReq(FUSE_RELEASE, 9, node, relIn), 64)
	if errno != 0 {
		t.Errorf("RELEASE errno = %d, want 0", errno)
	}
}

func TestFSReadDir(t *testing.T) {
	_, _, drv, ring := activeFS(t, seedMemFS(t))

	openIn := make([]byte, 8)
	errno, body := fsCall(t, drv, ring, fuseReq(FUSE_OPENDIR, 10, fuseRootID, openIn), 64)
	if errno != 0 {
		t.Fatalf("OPENDIR errno = %d, want 0", errno)
	}
	fh := binary.LittleEndian.Uint64(body[0:8])

	readIn := make([]byte, 40)
	binary.LittleEndian.PutUint64(readIn[0:8], fh)
	binary.LittleEndian.PutUint32(readIn[16:20], 4096)
	errno, body = fsCall(t, drv, ring, fuseReq(FUSE_READDIR, 11, fuseRootID, readIn), 8192)
	if errno != 0 {
		t.Fatalf("READDIR errno = %d, want 0", errno)
	}

	var names []string
	var dirs int
	for _, ent := range parseDirents(t, body) {
		names = append(names, ent.name)
		if ent.typ == uint32(unix.DT_DIR) {
			dirs++
		}
	}
	want := []string{"data", "empty", "hello.txt"}
	if len(names) != len(want) {
		t.Fatalf("READDIR names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("READDIR names = %v, want %v (sorted)", names, want)
		}
	}
	if dirs != 2 {
		t.Errorf("READDIR saw %d directories, want 2", dirs)
	}
}

func TestFSForgetNoReply(t *testing.T) {
	_, dev, drv, ring := activeFS(t, seedMemFS(t))

	// FORGET carries no reply buffers; the device completes it with
	// length 0 instead of treating it as a violation.
	ring.Push(virtiotest.Readable(fuseReq(FUSE_FORGET, 12, 2, make([]byte, 8))))
	drv.Notify(fsQueueRequest)
	if used := ring.WaitUsed(1); used[0].Len != 0 {
		t.Errorf("FORGET used len = %d, want 0", used[0].Len)
	}
	if got := dev.State(); got != StateActive {
		t.Fatalf("state after FORGET = %v, want %v", got, StateActive)
	}

	// The queue still serves requests.
	errno, _ := fsCall(t, drv, ring, fuseReq(FUSE_GETATTR, 13, fuseRootID, make([]byte, 16)), 256)
	if errno != 0 {
		t.Errorf("GETATTR errno = %d after FORGET, want 0", errno)
	}
}

func TestFSUnknownOpcode(t *testing.T) {
	_, dev, drv, ring := activeFS(t, seedMemFS(t))

	errno, _ := fsCall(t, drv, ring, fuseReq(999, 14, fuseRootID, nil), 64)
	if errno != -int32(unix.ENOSYS) {
		t.Errorf("unknown opcode errno = %d, want -ENOSYS", errno)
	}
	if got := dev.State(); got != StateActive {
		t.Errorf("state = %v, want %v", got, StateActive)
	}
}

func TestFSMissingReplyBufferFailsDevice(t *testing.T) {
	env, dev, drv, ring := activeFS(t, seedMemFS(t))

	// Anything but FORGET must carry room for the reply header.
	ring.Push(virtiotest.Readable(fuseReq(FUSE_GETATTR, 15, fuseRootID, make([]byte, 16))))
	drv.Notify(fsQueueRequest)

	if err := env.waitFailure(); !errors.Is(err, verr.ErrProtocolViolation) {
		t.Fatalf("failure = %v, want protocol violation", err)
	}
	waitState(t, dev, StateFailed)
}

func TestFSSnapshotTagGuard(t *testing.T) {
	a, err := NewFS("share", NewMemFS(false))
	if err != nil {
		t.Fatalf("NewFS failed: %v", err)
	}
	state, err := a.SaveState()
	if err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	b, err := NewFS("other", NewMemFS(false))
	if err != nil {
		t.Fatalf("NewFS failed: %v", err)
	}
	if err := b.LoadState(state); !errors.Is(err, verr.ErrMigrationFormatMismatch) {
		t.Fatalf("LoadState with a different tag = %v, want format mismatch", err)
	}

	twin, err := NewFS("share", NewMemFS(false))
	if err != nil {
		t.Fatalf("NewFS failed: %v", err)
	}
	if err := twin.LoadState(state); err != nil {
		t.Fatalf("LoadState with a matching tag failed: %v", err)
	}
}
