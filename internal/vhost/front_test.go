//go:build linux

package vhost

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/keelvm/keel/internal/gpa"
	"github.com/keelvm/keel/internal/hv"
	"github.com/keelvm/keel/internal/hv/fake"
	"github.com/keelvm/keel/internal/verr"
	"github.com/keelvm/keel/internal/virtio"
	"github.com/keelvm/keel/internal/virtio/virtiotest"
)

const (
	frontRAMSize = 4 << 20
	frontIRQ     = 11

	// Guest address for the hand-built ring, inside the RAM window.
	ringBase = 0x100000
)

// frontEnv is one fake VM plus the address space mirroring its RAM,
// the platform a front-ended device plugs into.
type frontEnv struct {
	t     *testing.T
	vm    *fake.VM
	space *gpa.Space

	failMu   sync.Mutex
	failures []error
}

func newFrontEnv(t *testing.T) *frontEnv {
	t.Helper()
	hyp := fake.New()
	t.Cleanup(func() { _ = hyp.Close() })

	vm, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: 1, MemSize: frontRAMSize})
	if err != nil {
		t.Fatalf("NewVirtualMachine failed: %v", err)
	}
	space, err := gpa.New(0, 1<<30)
	if err != nil {
		t.Fatalf("gpa.New failed: %v", err)
	}
	if err := space.Reserve(gpa.Range{Base: 0, Size: frontRAMSize, Kind: gpa.KindRAM}); err != nil {
		t.Fatalf("reserving guest RAM failed: %v", err)
	}
	return &frontEnv{t: t, vm: vm.(*fake.VM), space: space}
}

func (e *frontEnv) newFront(path string, policy DisconnectPolicy) *Front {
	e.t.Helper()
	front, err := NewFront(FrontConfig{
		SocketPath: path,
		Name:       "blk0",
		DeviceID:   virtio.BlkDeviceID,
		Memory:     e.vm,
		Policy:     policy,
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		e.t.Fatalf("NewFront failed: %v", err)
	}
	e.t.Cleanup(front.Close)
	return front
}

func (e *frontEnv) addDevice(front *Front, mmioBase uint64) *virtio.Device {
	e.t.Helper()
	dev, err := virtio.NewDevice(virtio.DeviceConfig{
		Handler:   front,
		Space:     e.space,
		MMIOBase:  mmioBase,
		IRQLine:   frontIRQ,
		Logger:    slog.New(slog.DiscardHandler),
		OnFailure: e.recordFailure,
	})
	if err != nil {
		e.t.Fatalf("NewDevice failed: %v", err)
	}
	if err := e.vm.AddDevice(dev); err != nil {
		e.t.Fatalf("AddDevice failed: %v", err)
	}
	e.t.Cleanup(func() { _ = dev.Stop(context.Background()) })
	return dev
}

func (e *frontEnv) recordFailure(err error) {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	e.failures = append(e.failures, err)
}

func (e *frontEnv) waitFailure() error {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e.failMu.Lock()
		var err error
		if n := len(e.failures); n > 0 {
			err = e.failures[n-1]
		}
		e.failMu.Unlock()
		if err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}
	e.t.Fatal("timed out waiting for a device failure")
	return nil
}

func waitDevState(t *testing.T, dev *virtio.Device, want virtio.DeviceState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if dev.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("device state = %v, want %v", dev.State(), want)
}

// bringUpBlock plays the guest driver: negotiate, program one ring,
// DRIVER_OK.
func bringUpBlock(t *testing.T, e *frontEnv, dev *virtio.Device) (*virtiotest.Driver, *virtiotest.Ring) {
	t.Helper()
	drv := virtiotest.NewDriver(t, e.vm, dev.MMIOBase())
	ring := virtiotest.NewRing(t, e.vm, ringBase, 16)
	drv.BringUp(virtio.FeatureVersion1, ring)
	if got := dev.State(); got != virtio.StateActive {
		t.Fatalf("state after bring-up = %v, want %v", got, virtio.StateActive)
	}
	return drv, ring
}

func TestFrontBlockIO(t *testing.T) {
	disk := virtio.NewMemBackend(1<<20, false)
	path, _ := startBackend(t, NewBlockPlane(disk, "front-serial"))

	env := newFrontEnv(t)
	front := env.newFront(path, PolicyFail)
	dev := env.addDevice(front, 0)
	drv, ring := bringUpBlock(t, env, dev)

	// The config space comes from the backend.
	capacity := uint64(drv.ReadConfig32(4))<<32 | uint64(drv.ReadConfig32(0))
	if want := uint64((1 << 20) / virtio.SectorSize); capacity != want {
		t.Errorf("capacity = %d sectors, want %d", capacity, want)
	}

	payload := bytes.Repeat([]byte{0x5a}, 2*virtio.SectorSize)
	head, addrs := ring.Push(
		virtiotest.Readable(blkReq(virtio.VIRTIO_BLK_T_OUT, 9)),
		virtiotest.Readable(payload),
		virtiotest.Writable(1),
	)
	drv.Notify(0)
	used := ring.WaitUsed(1)
	if used[0].ID != uint32(head) {
		t.Errorf("used id = %d, want %d", used[0].ID, head)
	}
	if st := ring.ReadMem(addrs[2], 1)[0]; st != virtio.VIRTIO_BLK_S_OK {
		t.Fatalf("write status = %d, want OK", st)
	}

	// The completion surfaced as a used-buffer interrupt.
	deadline := time.Now().Add(5 * time.Second)
	for drv.AckInterrupt()&0x1 == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a used-buffer interrupt")
		}
		time.Sleep(time.Millisecond)
	}

	_, addrs = ring.Push(
		virtiotest.Readable(blkReq(virtio.VIRTIO_BLK_T_IN, 9)),
		virtiotest.Writable(uint32(2*virtio.SectorSize)),
		virtiotest.Writable(1),
	)
	drv.Notify(0)
	ring.WaitUsed(1)
	if got := ring.ReadMem(addrs[1], 2*virtio.SectorSize); !bytes.Equal(got, payload) {
		t.Error("readback differs from the written payload")
	}

	// GET_ID reports the backend's serial.
	_, addrs = ring.Push(
		virtiotest.Readable(blkReq(virtio.VIRTIO_BLK_T_GET_ID, 0)),
		virtiotest.Writable(20),
		virtiotest.Writable(1),
	)
	drv.Notify(0)
	ring.WaitUsed(1)
	if id := bytes.TrimRight(ring.ReadMem(addrs[1], 20), "\x00"); string(id) != "front-serial" {
		t.Errorf("device id = %q, want front-serial", id)
	}
}

func TestFrontQuiesceResume(t *testing.T) {
	disk := virtio.NewMemBackend(1<<20, false)
	path, _ := startBackend(t, NewBlockPlane(disk, ""))

	env := newFrontEnv(t)
	front := env.newFront(path, PolicyFail)
	dev := env.addDevice(front, 0)
	drv, ring := bringUpBlock(t, env, dev)

	ring.Push(
		virtiotest.Readable(blkReq(virtio.VIRTIO_BLK_T_OUT, 1)),
		virtiotest.Readable(make([]byte, virtio.SectorSize)),
		virtiotest.Writable(1),
	)
	drv.Notify(0)
	ring.WaitUsed(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dev.Pause(ctx); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if got := dev.State(); got != virtio.StatePaused {
		t.Fatalf("state after pause = %v, want %v", got, virtio.StatePaused)
	}

	// The pause pulled the backend's cursors into the queue.
	lastAvail, usedIdx := dev.Queue(0).Cursors()
	if lastAvail != 1 || usedIdx != 1 {
		t.Errorf("cursors after one request = (%d, %d), want (1, 1)", lastAvail, usedIdx)
	}

	// Work published while parked is not served.
	ring.Push(
		virtiotest.Readable(blkReq(virtio.VIRTIO_BLK_T_OUT, 2)),
		virtiotest.Readable(make([]byte, virtio.SectorSize)),
		virtiotest.Writable(1),
	)
	time.Sleep(20 * time.Millisecond)
	if got := ring.UsedIdx(); got != 1 {
		t.Fatalf("used idx moved to %d while paused", got)
	}

	// It drains on resume without another kick: the backend rescans
	// the ring when it re-enables.
	if err := dev.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	ring.WaitUsed(1)
}

func TestFrontDisconnectFailsDevice(t *testing.T) {
	disk := virtio.NewMemBackend(1<<20, false)
	path, backend := startBackend(t, NewBlockPlane(disk, ""))

	env := newFrontEnv(t)
	front := env.newFront(path, PolicyReset)
	dev := env.addDevice(front, 0)
	bringUpBlock(t, env, dev)

	// Kill the backend out from under the session.
	if err := backend.Close(); err != nil {
		t.Fatalf("backend close failed: %v", err)
	}

	err := env.waitFailure()
	if !errors.Is(err, verr.ErrBackendDisconnected) {
		t.Errorf("failure = %v, want ErrBackendDisconnected", err)
	}
	waitDevState(t, dev, virtio.StateFailed)

	// The device failed alone: the machine keeps running.
	if _, err := env.vm.WriteAt([]byte{1}, 0); err != nil {
		t.Errorf("guest memory write after device failure: %v", err)
	}
	if front.Policy() != PolicyReset {
		t.Errorf("policy = %v, want %v", front.Policy(), PolicyReset)
	}
}

// stubBackend answers the control channel from canned replies, with
// one override to misbehave on purpose.
type stubBackend struct {
	listener *net.UnixListener
	override func(conn *Conn, msg *Message) bool
	done     chan struct{}
}

func newStubBackend(t *testing.T, override func(conn *Conn, msg *Message) bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub.sock")
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	s := &stubBackend{listener: listener, override: override, done: make(chan struct{})}
	go s.run()
	t.Cleanup(func() {
		listener.Close()
		<-s.done
	})
	return path
}

func (s *stubBackend) run() {
	defer close(s.done)
	sock, err := s.listener.AcceptUnix()
	if err != nil {
		return
	}
	conn := NewConn(sock)
	defer conn.Close()
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if s.override != nil && s.override(conn, msg) {
			msg.CloseFiles()
			continue
		}
		var payload []byte
		switch msg.Type {
		case VHOST_USER_GET_FEATURES:
			payload = putU64(virtio.FeatureVersion1 | virtio.VIRTIO_BLK_F_FLUSH | VHOST_USER_F_PROTOCOL_FEATURES)
		case VHOST_USER_GET_PROTOCOL_FEATURES:
			payload = putU64(backendProtoFeatures)
		case VHOST_USER_GET_QUEUE_NUM:
			payload = putU64(1)
		case VHOST_USER_GET_CONFIG:
			payload = make([]byte, 24)
		case VHOST_USER_GET_VRING_BASE:
			payload = VringState{}.encode()
		default:
			payload = putU64(ackOK)
		}
		err = conn.WriteMessage(msg.Type, flagReply, payload)
		msg.CloseFiles()
		if err != nil {
			return
		}
	}
}

func TestFrontBadReplyFailsDevice(t *testing.T) {
	// The stub answers SET_VRING_ADDR with the wrong message type.
	path := newStubBackend(t, func(conn *Conn, msg *Message) bool {
		if msg.Type != VHOST_USER_SET_VRING_ADDR {
			return false
		}
		_ = conn.WriteMessage(VHOST_USER_GET_STATUS, flagReply, putU64(ackOK))
		return true
	})

	env := newFrontEnv(t)
	front := env.newFront(path, PolicyFail)
	dev := env.addDevice(front, 0)

	// Bring-up reaches the backend activation, which trips over the
	// bad reply and fails the device.
	drv := virtiotest.NewDriver(t, env.vm, dev.MMIOBase())
	ring := virtiotest.NewRing(t, env.vm, ringBase, 16)
	drv.BringUp(virtio.FeatureVersion1, ring)

	err := env.waitFailure()
	if !errors.Is(err, verr.ErrProtocolViolation) {
		t.Errorf("failure = %v, want ErrProtocolViolation", err)
	}
	waitDevState(t, dev, virtio.StateFailed)

	// The device failed alone: the machine keeps running.
	if _, err := env.vm.WriteAt([]byte{1}, 0); err != nil {
		t.Errorf("guest memory write after device failure: %v", err)
	}
}

func TestFrontSnapshotRestore(t *testing.T) {
	// Fixed so the restored device lands at the same guest address.
	// Must sit inside the test env's 1 GiB extent, above its RAM.
	const mmioBase = 0x30000000
	disk := virtio.NewMemBackend(1<<20, false)
	pathA, _ := startBackend(t, NewBlockPlane(disk, "snap-serial"))

	src := newFrontEnv(t)
	frontA := src.newFront(pathA, PolicyFail)
	devA := src.addDevice(frontA, mmioBase)
	drvA, ring := bringUpBlock(t, src, devA)

	payload := bytes.Repeat([]byte{0xc3}, virtio.SectorSize)
	_, addrs := ring.Push(
		virtiotest.Readable(blkReq(virtio.VIRTIO_BLK_T_OUT, 7)),
		virtiotest.Readable(payload),
		virtiotest.Writable(1),
	)
	drvA.Notify(0)
	ring.WaitUsed(1)
	if st := ring.ReadMem(addrs[2], 1)[0]; st != virtio.VIRTIO_BLK_S_OK {
		t.Fatalf("write status = %d, want OK", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := devA.Pause(ctx); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	snap, err := devA.SaveState()
	if err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	// Second machine at the same addresses: same disk, fresh backend
	// session, copied RAM.
	pathB, _ := startBackend(t, NewBlockPlane(disk, "snap-serial"))
	dst := newFrontEnv(t)
	virtiotest.CopyRAM(t, dst.vm, src.vm, frontRAMSize)

	frontB := dst.newFront(pathB, PolicyFail)
	devB := dst.addDevice(frontB, mmioBase)
	if err := devB.LoadState(snap); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if err := devB.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	waitDevState(t, devB, virtio.StateActive)

	// The restored session resumes the copied ring where the snapshot
	// stopped: the next request reads the migrated sector back intact.
	ring.Rebind(dst.vm)
	drvB := virtiotest.NewDriver(t, dst.vm, devB.MMIOBase())
	_, addrs = ring.Push(
		virtiotest.Readable(blkReq(virtio.VIRTIO_BLK_T_IN, 7)),
		virtiotest.Writable(uint32(virtio.SectorSize)),
		virtiotest.Writable(1),
	)
	drvB.Notify(0)
	used := ring.WaitUsed(1)
	if want := uint32(virtio.SectorSize) + 1; used[0].Len != want {
		t.Errorf("read used len = %d, want %d", used[0].Len, want)
	}
	if got := ring.ReadMem(addrs[1], virtio.SectorSize); !bytes.Equal(got, payload) {
		t.Error("sector readback differs after restore")
	}
	if st := ring.ReadMem(addrs[2], 1)[0]; st != virtio.VIRTIO_BLK_S_OK {
		t.Errorf("read status = %d, want OK", st)
	}
}

func TestDisconnectPolicyDefaultsToReset(t *testing.T) {
	p, err := ParseDisconnectPolicy("")
	if err != nil {
		t.Fatalf("ParseDisconnectPolicy(%q) = %v", "", err)
	}
	if p != PolicyReset {
		t.Errorf("default policy = %v, want %v", p, PolicyReset)
	}
	// The zero value of FrontConfig selects the same default.
	var cfg FrontConfig
	if cfg.Policy != PolicyReset {
		t.Errorf("zero-value policy = %v, want %v", cfg.Policy, PolicyReset)
	}
	if p, err := ParseDisconnectPolicy("fail"); err != nil || p != PolicyFail {
		t.Errorf("ParseDisconnectPolicy(%q) = %v, %v", "fail", p, err)
	}
	if _, err := ParseDisconnectPolicy("sideways"); err == nil {
		t.Error("unknown policy text accepted")
	}
}

func TestFrontConfigGuard(t *testing.T) {
	pathA, _ := startBackend(t, NewBlockPlane(virtio.NewMemBackend(1<<20, false), ""))
	pathB, _ := startBackend(t, NewBlockPlane(virtio.NewMemBackend(2<<20, false), ""))

	env := newFrontEnv(t)
	frontA := env.newFront(pathA, PolicyFail)
	frontB := env.newFront(pathB, PolicyFail)

	snap, err := frontA.SaveState()
	if err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if err := frontB.LoadState(snap); !errors.Is(err, verr.ErrMigrationFormatMismatch) {
		t.Errorf("LoadState across disk sizes = %v, want ErrMigrationFormatMismatch", err)
	}
	if err := frontA.LoadState(snap); err != nil {
		t.Errorf("LoadState on the matching session failed: %v", err)
	}
}
