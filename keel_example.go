//go:build ignore

// This file demonstrates every public API in the keel package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/keelvm/keel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// =========================================================================
	// SupportsHypervisor - early startup check
	// =========================================================================
	if err := keel.SupportsHypervisor(); err != nil {
		// Show a friendly error to the user instead of proceeding.
		return fmt.Errorf("hypervisor unavailable: %w", err)
	}

	// =========================================================================
	// Config - declarative machine description
	// =========================================================================
	cfg, err := keel.LoadConfig("vm.yaml")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Or build one in code.
	cfg = keel.Config{
		Name:      "demo",
		CPUs:      2,
		MemoryMiB: 256,
		Kernel:    "bzImage",
		Cmdline:   "console=hvc0",
		Devices: []keel.DeviceConfig{
			{ID: "disk0", Type: "blk", Path: "disk.img"},
			{ID: "nic0", Type: "net", DHCP: true, DNS: true,
				Forwards: map[uint16]string{2222: "127.0.0.1:22"}},
			{ID: "share0", Type: "fs", Path: "/srv/share", Tag: "share"},
			{ID: "con0", Type: "console"},
			{ID: "fast0", Type: "vhost-blk", Socket: "/run/fast.sock",
				DisconnectPolicy: "reset"},
		},
	}

	// =========================================================================
	// New + options - create and boot a VM
	// =========================================================================
	vm, err := keel.New(cfg,
		keel.WithMemoryMiB(512), // overrides cfg.MemoryMiB
		keel.WithCPUs(4),        // overrides cfg.CPUs
	)
	if err != nil {
		return fmt.Errorf("new vm: %w", err)
	}
	defer vm.Close()

	if err := vm.Boot(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	// =========================================================================
	// State inspection
	// =========================================================================
	_ = vm.State() // StateCreated, StateBooting, StateRunning, StatePaused,
	// StateShutdown, StateFailed
	if vm.State() == keel.StateFailed {
		return vm.Err() // the failure cause
	}

	// Block until the guest halts (or the context expires).
	waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	_ = vm.WaitState(waitCtx, keel.StateShutdown)

	// =========================================================================
	// Pause / Resume
	// =========================================================================
	if err := vm.Pause(ctx); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	if err := vm.Resume(ctx); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	// =========================================================================
	// Device hot-plug via the lifecycle controller
	// =========================================================================
	m := vm.Machine()
	if err := m.AttachDevice(ctx, keel.DeviceConfig{
		ID: "disk1", Type: "blk", Path: "scratch.img",
	}); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	if err := m.DetachDevice(ctx, "disk1"); err != nil {
		return fmt.Errorf("detach: %w", err)
	}

	// =========================================================================
	// Snapshot / Restore
	// =========================================================================
	f, err := os.Create("vm.snap")
	if err != nil {
		return err
	}
	if err := vm.Snapshot(ctx, f); err != nil { // transient pause, then resumes
		f.Close()
		return fmt.Errorf("snapshot: %w", err)
	}
	f.Close()

	snap, err := os.Open("vm.snap")
	if err != nil {
		return err
	}
	defer snap.Close()
	restored, err := keel.Restore(ctx, cfg, snap) // left paused
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	defer restored.Close()
	if err := restored.Resume(ctx); err != nil {
		return fmt.Errorf("resume restored: %w", err)
	}

	// =========================================================================
	// Live migration - source side
	// =========================================================================
	conn, err := net.Dial("tcp", "target:7001")
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := vm.MigrateTo(ctx, conn); err != nil {
		// On failure the VM resumes running here.
		return fmt.Errorf("migrate out: %w", err)
	}

	// =========================================================================
	// Live migration - target side
	// =========================================================================
	ln, err := net.Listen("tcp", ":7001")
	if err != nil {
		return err
	}
	inbound, err := ln.Accept()
	ln.Close()
	if err != nil {
		return err
	}
	incoming, err := keel.MigrateFrom(ctx, cfg, inbound) // running on success
	inbound.Close()
	if err != nil {
		return fmt.Errorf("migrate in: %w", err)
	}
	defer incoming.Close()

	// =========================================================================
	// Manager - a fleet on one hypervisor handle
	// =========================================================================
	mgr, err := keel.NewManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	worker, err := mgr.Create(cfg, keel.WithMemoryMiB(128))
	if err != nil {
		return err
	}
	_ = worker.Boot(ctx)
	for _, v := range mgr.VMs() {
		fmt.Println(v.State())
	}

	// =========================================================================
	// Error classification
	// =========================================================================
	err = vm.Boot(ctx) // second boot is invalid
	switch {
	case errors.Is(err, keel.ErrLifecycle):
		// operation not valid in the current state
	case errors.Is(err, keel.ErrResourceExhausted):
		// address space or queue capacity exhausted
	case errors.Is(err, keel.ErrProtocolViolation):
		// malformed guest or backend traffic
	case errors.Is(err, keel.ErrCapabilityFailure):
		// host hypervisor rejected an operation
	case errors.Is(err, keel.ErrBackendDisconnected):
		// external device backend went away
	case errors.Is(err, keel.ErrMigrationFormatMismatch):
		// snapshot/stream incompatible with this build or config
	case errors.Is(err, keel.ErrMigrationTimeout):
		// a bounded phase overran its budget
	}
	var kerr *keel.Error
	if errors.As(err, &kerr) {
		fmt.Println(kerr.Op, kerr.Dev) // operation and device context
	}

	return nil
}
