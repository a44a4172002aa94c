//go:build linux

package vmm

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/keelvm/keel/internal/hv"
	"github.com/keelvm/keel/internal/hv/fake"
	"github.com/keelvm/keel/internal/verr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestMachine(t *testing.T, cfg Config) *Machine {
	t.Helper()
	m, err := New(cfg, Options{Hypervisor: fake.New(), Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func bootMachine(t *testing.T, cfg Config) *Machine {
	t.Helper()
	m := newTestMachine(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	return m
}

func diskImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 1<<20), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLifecycle(t *testing.T) {
	m := bootMachine(t, Config{Name: "lifecycle", CPUs: 2})
	ctx := context.Background()

	if got := m.State(); got != StateRunning {
		t.Fatalf("state after boot = %v, want %v", got, StateRunning)
	}
	if err := m.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := m.State(); got != StatePaused {
		t.Fatalf("state after pause = %v, want %v", got, StatePaused)
	}
	// Pause of a paused machine is a no-op.
	if err := m.Pause(ctx); err != nil {
		t.Fatalf("second Pause: %v", err)
	}
	if err := m.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := m.State(); got != StateRunning {
		t.Fatalf("state after resume = %v, want %v", got, StateRunning)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := m.State(); got != StateShutdown {
		t.Fatalf("state after shutdown = %v, want %v", got, StateShutdown)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestBootRequiresCreated(t *testing.T) {
	m := bootMachine(t, Config{CPUs: 1})
	err := m.Boot(context.Background())
	if !errors.Is(err, verr.ErrLifecycle) {
		t.Fatalf("second Boot error = %v, want lifecycle error", err)
	}
}

func TestResumeRequiresPaused(t *testing.T) {
	m := newTestMachine(t, Config{CPUs: 1})
	err := m.Resume(context.Background())
	if !errors.Is(err, verr.ErrLifecycle) {
		t.Fatalf("Resume before boot = %v, want lifecycle error", err)
	}
}

func TestShutdownFromCreated(t *testing.T) {
	m := newTestMachine(t, Config{CPUs: 1})
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := m.State(); got != StateShutdown {
		t.Fatalf("state = %v, want %v", got, StateShutdown)
	}
}

func TestPauseTimeoutLeavesRunning(t *testing.T) {
	m := bootMachine(t, Config{CPUs: 1, PauseTimeout: 50 * time.Millisecond})

	// Arm a gate so the vCPU ignores the pause request until we say so.
	gate := make(chan struct{})
	err := m.VM().VirtualCPUCall(0, func(v hv.VirtualCPU) error {
		v.(*fake.VirtualCPU).SetParkGate(gate)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = m.Pause(context.Background())
	if !errors.Is(err, verr.ErrMigrationTimeout) {
		t.Fatalf("Pause error = %v, want deadline class", err)
	}
	if got := m.State(); got != StateRunning {
		t.Fatalf("state after failed pause = %v, want %v", got, StateRunning)
	}

	// With the gate open the same pause succeeds.
	close(gate)
	if err := m.Pause(context.Background()); err != nil {
		t.Fatalf("Pause after gate open: %v", err)
	}
	if got := m.State(); got != StatePaused {
		t.Fatalf("state = %v, want %v", got, StatePaused)
	}
}

func TestGuestHaltDrivesShutdown(t *testing.T) {
	m := bootMachine(t, Config{CPUs: 2})

	m.VM().(*fake.VM).Halt()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.WaitState(ctx, StateShutdown); err != nil {
		t.Fatalf("machine never reached shutdown: %v (state %v)", err, m.State())
	}
}

func TestAttachBeforeBoot(t *testing.T) {
	cfg := Config{
		CPUs: 1,
		Devices: []DeviceConfig{
			{ID: "disk0", Type: "blk", Path: diskImage(t)},
			{ID: "tty", Type: "console"},
		},
	}
	m := bootMachine(t, cfg)

	devs := m.Devices()
	if len(devs) != 2 {
		t.Fatalf("got %d devices, want 2", len(devs))
	}
	memEnd := cfg.MemoryBytes()
	if memEnd == 0 {
		memEnd = 128 << 20
	}
	for _, ad := range devs {
		if base := ad.Device.MMIOBase(); base < memEnd {
			t.Errorf("device %s window %#x overlaps RAM", ad.ID, base)
		}
		if irq := ad.Device.IRQLine(); irq < 5 {
			t.Errorf("device %s irq = %d, want >= 5", ad.ID, irq)
		}
	}
	if devs[0].Device.IRQLine() == devs[1].Device.IRQLine() {
		t.Error("devices share an IRQ line")
	}
}

func TestHotplug(t *testing.T) {
	m := bootMachine(t, Config{CPUs: 1})
	ctx := context.Background()

	if err := m.AttachDevice(ctx, DeviceConfig{ID: "disk0", Type: "blk", Path: diskImage(t)}); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}
	if _, ok := m.Device("disk0"); !ok {
		t.Fatal("disk0 not attached")
	}
	if got := m.State(); got != StateRunning {
		t.Fatalf("state after hot-plug = %v, want %v", got, StateRunning)
	}

	// Duplicate ids are rejected.
	if err := m.AttachDevice(ctx, DeviceConfig{ID: "disk0", Type: "console"}); err == nil {
		t.Fatal("duplicate attach succeeded")
	}

	ad, _ := m.Device("disk0")
	window := ad.Device.MMIOBase()

	if err := m.DetachDevice(ctx, "disk0"); err != nil {
		t.Fatalf("DetachDevice: %v", err)
	}
	if _, ok := m.Device("disk0"); ok {
		t.Fatal("disk0 still attached after detach")
	}
	if err := m.DetachDevice(ctx, "disk0"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("second detach = %v, want %v", err, ErrUnknownDevice)
	}

	// The freed window is reusable.
	if err := m.AttachDevice(ctx, DeviceConfig{ID: "disk1", Type: "blk", Path: diskImage(t)}); err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	ad, _ = m.Device("disk1")
	if got := ad.Device.MMIOBase(); got != window {
		t.Errorf("new device window = %#x, want reused %#x", got, window)
	}
}

func TestPendingDetach(t *testing.T) {
	m := newTestMachine(t, Config{CPUs: 1})
	ctx := context.Background()

	if err := m.AttachDevice(ctx, DeviceConfig{ID: "tty", Type: "console"}); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}
	if err := m.DetachDevice(ctx, "tty"); err != nil {
		t.Fatalf("DetachDevice: %v", err)
	}
	if err := m.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if got := len(m.Devices()); got != 0 {
		t.Fatalf("got %d devices, want 0", got)
	}
}

func TestStateComponents(t *testing.T) {
	m := bootMachine(t, Config{CPUs: 2, Devices: []DeviceConfig{{ID: "tty", Type: "console"}}})

	var ids []string
	for _, c := range m.StateComponents() {
		ids = append(ids, c.MigrationID())
	}
	want := []string{"machine", "vcpu0", "vcpu1", "virtio-console@0x8000000"}
	if len(ids) != len(want) {
		t.Fatalf("component ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("component ids = %v, want %v", ids, want)
		}
	}
}

func TestMachineStateCompatibility(t *testing.T) {
	src := bootMachine(t, Config{CPUs: 2})
	blob, err := src.StateComponents()[0].SaveState()
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	same := bootMachine(t, Config{CPUs: 2})
	if err := same.StateComponents()[0].LoadState(blob); err != nil {
		t.Fatalf("LoadState on matching layout: %v", err)
	}

	other := bootMachine(t, Config{CPUs: 1})
	err = other.StateComponents()[0].LoadState(blob)
	if !errors.Is(err, verr.ErrMigrationFormatMismatch) {
		t.Fatalf("LoadState on mismatched layout = %v, want format mismatch", err)
	}
}

func TestVCPUStateRoundTrip(t *testing.T) {
	m := bootMachine(t, Config{CPUs: 1})
	ctx := context.Background()
	if err := m.Pause(ctx); err != nil {
		t.Fatal(err)
	}

	err := m.VM().VirtualCPUCall(0, func(v hv.VirtualCPU) error {
		return v.SetRegisters(map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rip: hv.Register64(0x100000),
			hv.RegisterAMD64Rsi: hv.Register64(0x7000),
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	comps := m.StateComponents()
	vcpu := comps[1]
	if vcpu.MigrationID() != "vcpu0" {
		t.Fatalf("component 1 = %s, want vcpu0", vcpu.MigrationID())
	}
	blob, err := vcpu.SaveState()
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	dst := bootMachine(t, Config{CPUs: 1})
	if err := dst.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	if err := dst.StateComponents()[1].LoadState(blob); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: hv.Register64(0)}
	err = dst.VM().VirtualCPUCall(0, func(v hv.VirtualCPU) error {
		return v.GetRegisters(regs)
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := uint64(regs[hv.RegisterAMD64Rip].(hv.Register64)); got != 0x100000 {
		t.Fatalf("restored rip = %#x, want %#x", got, 0x100000)
	}
}

func TestPrepareTarget(t *testing.T) {
	m := newTestMachine(t, Config{CPUs: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.PrepareTarget(ctx); err != nil {
		t.Fatalf("PrepareTarget: %v", err)
	}
	if got := m.State(); got != StatePaused {
		t.Fatalf("state = %v, want %v", got, StatePaused)
	}
	if err := m.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := m.State(); got != StateRunning {
		t.Fatalf("state = %v, want %v", got, StateRunning)
	}
}
