//go:build linux

package keel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/keelvm/keel/internal/hv"
	"github.com/keelvm/keel/internal/hv/fake"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testConfig = Config{Name: "test", CPUs: 2, MemoryMiB: 8}

func newTestVM(t *testing.T, cfg Config) *VM {
	t.Helper()
	v, err := New(cfg,
		WithHypervisor(fake.New()),
		WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = v.Close() })
	return v
}

// stampMemory writes a marker page the snapshot tests check for.
func stampMemory(t *testing.T, v *VM, seed byte) {
	t.Helper()
	page := make([]byte, hv.PageSize)
	for i := range page {
		page[i] = seed
	}
	binary.LittleEndian.PutUint64(page, 0x6b65656c)
	if _, err := v.Machine().VM().WriteAt(page, 0x3000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
}

func verifyMemory(t *testing.T, v *VM, seed byte) {
	t.Helper()
	page := make([]byte, hv.PageSize)
	if _, err := v.Machine().VM().ReadAt(page, 0x3000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if got := binary.LittleEndian.Uint64(page); got != 0x6b65656c {
		t.Fatalf("marker = %#x", got)
	}
	if page[8] != seed {
		t.Fatalf("fill = %#x, want %#x", page[8], seed)
	}
}

func TestVMLifecycle(t *testing.T) {
	ctx := context.Background()
	v := newTestVM(t, testConfig)

	if got := v.State(); got != StateCreated {
		t.Fatalf("state = %v, want %v", got, StateCreated)
	}
	if err := v.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if err := v.WaitState(ctx, StateRunning); err != nil {
		t.Fatalf("WaitState: %v", err)
	}
	if err := v.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := v.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := v.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := v.State(); got != StateShutdown {
		t.Fatalf("state = %v, want %v", got, StateShutdown)
	}
}

func TestBootAfterShutdownFails(t *testing.T) {
	ctx := context.Background()
	v := newTestVM(t, testConfig)
	if err := v.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := v.Boot(ctx); !errors.Is(err, ErrLifecycle) {
		t.Fatalf("Boot after shutdown = %v, want ErrLifecycle", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	src := newTestVM(t, testConfig)
	if err := src.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	stampMemory(t, src, 0x5a)

	var buf bytes.Buffer
	if err := src.Snapshot(ctx, &buf); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got := src.State(); got != StateRunning {
		t.Fatalf("source state after snapshot = %v, want %v", got, StateRunning)
	}

	dst, err := Restore(ctx, testConfig, &buf,
		WithHypervisor(fake.New()),
		WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	t.Cleanup(func() { _ = dst.Close() })

	if got := dst.State(); got != StatePaused {
		t.Fatalf("target state = %v, want %v", got, StatePaused)
	}
	verifyMemory(t, dst, 0x5a)
	if err := dst.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
}

func TestRestoreRejectsConfigMismatch(t *testing.T) {
	ctx := context.Background()
	src := newTestVM(t, testConfig)
	if err := src.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	var buf bytes.Buffer
	if err := src.Snapshot(ctx, &buf); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	bigger := testConfig
	bigger.MemoryMiB = 16
	_, err := Restore(ctx, bigger, &buf,
		WithHypervisor(fake.New()),
		WithLogger(slog.New(slog.DiscardHandler)))
	if !errors.Is(err, ErrMigrationFormatMismatch) {
		t.Fatalf("Restore = %v, want ErrMigrationFormatMismatch", err)
	}
}

func TestLiveMigration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	src := newTestVM(t, testConfig)
	if err := src.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	stampMemory(t, src, 0x7e)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var g errgroup.Group
	var dst *VM
	g.Go(func() error { return src.MigrateTo(ctx, a) })
	g.Go(func() error {
		var err error
		dst, err = MigrateFrom(ctx, testConfig, b,
			WithHypervisor(fake.New()),
			WithLogger(slog.New(slog.DiscardHandler)))
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("migration: %v", err)
	}
	t.Cleanup(func() { _ = dst.Close() })

	if got := src.State(); got != StateShutdown {
		t.Fatalf("source state = %v, want %v", got, StateShutdown)
	}
	if got := dst.State(); got != StateRunning {
		t.Fatalf("target state = %v, want %v", got, StateRunning)
	}
	verifyMemory(t, dst, 0x7e)
}

func TestOptionsOverrideConfig(t *testing.T) {
	v, err := New(Config{Name: "opts"},
		WithHypervisor(fake.New()),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithMemoryMiB(32),
		WithCPUs(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = v.Close() })

	cfg := v.Machine().Config()
	if cfg.MemoryMiB != 32 {
		t.Fatalf("MemoryMiB = %d, want 32", cfg.MemoryMiB)
	}
	if cfg.CPUs != 4 {
		t.Fatalf("CPUs = %d, want 4", cfg.CPUs)
	}
}

func TestManagerSharesHypervisor(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(WithHypervisor(fake.New()))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	a, err := mgr.Create(testConfig, WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := mgr.Create(testConfig, WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := a.Boot(ctx); err != nil {
		t.Fatalf("Boot a: %v", err)
	}
	if err := b.Boot(ctx); err != nil {
		t.Fatalf("Boot b: %v", err)
	}
	if got := len(mgr.VMs()); got != 2 {
		t.Fatalf("VMs() = %d, want 2", got)
	}

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := len(mgr.VMs()); got != 1 {
		t.Fatalf("VMs() after shutdown = %d, want 1", got)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := b.State(); got != StateShutdown {
		t.Fatalf("b state after manager close = %v, want %v", got, StateShutdown)
	}

	// A closed manager refuses new VMs.
	if _, err := mgr.Create(testConfig); !errors.Is(err, ErrLifecycle) {
		t.Fatalf("Create after Close = %v, want ErrLifecycle", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.yaml")
	data := []byte("name: web\ncpus: 2\nmemory_mib: 128\ndevices:\n  - id: nic0\n    type: net\n    dhcp: true\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "web" || cfg.CPUs != 2 || cfg.MemoryMiB != 128 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].Type != "net" || !cfg.Devices[0].DHCP {
		t.Fatalf("devices = %+v", cfg.Devices)
	}
}
