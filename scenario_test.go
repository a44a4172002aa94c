//go:build linux

package keel

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keelvm/keel/internal/hv/fake"
	"github.com/keelvm/keel/internal/vhost"
	"github.com/keelvm/keel/internal/virtio"
	"github.com/keelvm/keel/internal/virtio/virtiotest"
)

// startBlockBackend serves a vhost-user block backend on a fresh
// socket and returns the socket path.
func startBlockBackend(t *testing.T, disk virtio.BlockBackend) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vhost.sock")
	b, err := vhost.NewBackend(vhost.BackendConfig{
		SocketPath: path,
		Plane:      vhost.NewBlockPlane(disk, "scenario"),
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.Serve(); err != nil {
			t.Errorf("backend Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		b.Close()
		<-done
	})
	return path
}

func blockReq(reqType uint32, sector uint64) []byte {
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], reqType)
	binary.LittleEndian.PutUint64(hdr[8:16], sector)
	return hdr[:]
}

// TestScenarioBlockMigration runs the full path end to end: a guest
// with a vhost-user block device writes a sector, live-migrates to a
// second machine on shared storage, and reads the sector back through
// the migrated device.
func TestScenarioBlockMigration(t *testing.T) {
	const ringBase = 0x100000

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	disk := virtio.NewMemBackend(1<<20, false)
	srcSock := startBlockBackend(t, disk)
	dstSock := startBlockBackend(t, disk)

	cfg := Config{
		Name:      "scenario",
		CPUs:      2,
		MemoryMiB: 256,
		Devices: []DeviceConfig{
			{ID: "disk0", Type: "vhost-blk", Socket: srcSock},
		},
	}

	src := newTestVM(t, cfg)
	if err := src.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	srcDev, ok := src.Machine().Device("disk0")
	if !ok {
		t.Fatal("disk0 not attached")
	}
	srcMem := src.Machine().VM().(*fake.VM)

	// Play the guest driver: negotiate, program a ring, write one
	// sector of a recognizable pattern.
	drv := virtiotest.NewDriver(t, srcMem, srcDev.Device.MMIOBase())
	ring := virtiotest.NewRing(t, srcMem, ringBase, 16)
	drv.BringUp(virtio.FeatureVersion1, ring)

	payload := bytes.Repeat([]byte{0xa7}, virtio.SectorSize)
	_, addrs := ring.Push(
		virtiotest.Readable(blockReq(virtio.VIRTIO_BLK_T_OUT, 5)),
		virtiotest.Readable(payload),
		virtiotest.Writable(1),
	)
	drv.Notify(0)
	ring.WaitUsed(1)
	if st := ring.ReadMem(addrs[2], 1)[0]; st != virtio.VIRTIO_BLK_S_OK {
		t.Fatalf("write status = %d, want OK", st)
	}

	// Live-migrate to a second machine whose device fronts the same
	// storage through its own backend session.
	dstCfg := cfg
	dstCfg.Devices = []DeviceConfig{
		{ID: "disk0", Type: "vhost-blk", Socket: dstSock},
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var g errgroup.Group
	var dst *VM
	g.Go(func() error { return src.MigrateTo(ctx, a) })
	g.Go(func() error {
		var err error
		dst, err = MigrateFrom(ctx, dstCfg, b,
			WithHypervisor(fake.New()),
			WithLogger(slog.New(slog.DiscardHandler)))
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("migration: %v", err)
	}
	t.Cleanup(func() { _ = dst.Close() })

	if got := dst.State(); got != StateRunning {
		t.Fatalf("target state = %v, want %v", got, StateRunning)
	}

	dstDev, ok := dst.Machine().Device("disk0")
	if !ok {
		t.Fatal("disk0 missing on target")
	}
	if got, want := dstDev.Device.MMIOBase(), srcDev.Device.MMIOBase(); got != want {
		t.Fatalf("target MMIO base = %#x, want %#x", got, want)
	}

	// The migrated ring picks up where the source stopped: read the
	// sector back through the target's device.
	dstMem := dst.Machine().VM().(*fake.VM)
	ring.Rebind(dstMem)
	drvB := virtiotest.NewDriver(t, dstMem, dstDev.Device.MMIOBase())
	_, addrs = ring.Push(
		virtiotest.Readable(blockReq(virtio.VIRTIO_BLK_T_IN, 5)),
		virtiotest.Writable(uint32(virtio.SectorSize)),
		virtiotest.Writable(1),
	)
	drvB.Notify(0)
	ring.WaitUsed(1)
	if got := ring.ReadMem(addrs[1], virtio.SectorSize); !bytes.Equal(got, payload) {
		t.Error("sector readback differs after migration")
	}
	if st := ring.ReadMem(addrs[2], 1)[0]; st != virtio.VIRTIO_BLK_S_OK {
		t.Errorf("read status = %d, want OK", st)
	}
}
