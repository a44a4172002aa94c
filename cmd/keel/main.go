// Command keel runs virtual machines from declarative YAML configs.
//
//	keel run [flags] <config.yaml>
//	keel restore [flags] <config.yaml> <snapshot>
//	keel recv [flags] <config.yaml>
//
// A running VM shuts down gracefully on SIGINT or SIGTERM. SIGUSR1
// writes a snapshot (run with -snapshot) without stopping the guest.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/keelvm/keel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keel: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [flags] [args]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run      boot a VM from a config file\n")
	fmt.Fprintf(os.Stderr, "  restore  boot a VM from a snapshot\n")
	fmt.Fprintf(os.Stderr, "  recv     receive a live migration\n\n")
	fmt.Fprintf(os.Stderr, "Run '%s <command> -h' for command flags.\n", os.Args[0])
}

func run() error {
	if len(os.Args) < 2 {
		usage()
		return fmt.Errorf("command required")
	}

	if err := keel.SupportsHypervisor(); err != nil {
		return err
	}

	switch os.Args[1] {
	case "run":
		return cmdRun(os.Args[2:])
	case "restore":
		return cmdRestore(os.Args[2:])
	case "recv":
		return cmdRecv(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", os.Args[1])
	}
}

type commonFlags struct {
	cpus    int
	memory  uint64
	verbose bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.IntVar(&c.cpus, "cpus", 0, "Override the vCPU count")
	fs.Uint64Var(&c.memory, "memory", 0, "Override guest RAM in MiB")
	fs.BoolVar(&c.verbose, "verbose", false, "Enable debug logging")
}

func (c *commonFlags) options() []keel.Option {
	var opts []keel.Option
	if c.cpus > 0 {
		opts = append(opts, keel.WithCPUs(c.cpus))
	}
	if c.memory > 0 {
		opts = append(opts, keel.WithMemoryMiB(c.memory))
	}
	if c.verbose {
		opts = append(opts, keel.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))))
	}
	return opts
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("keel run", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	snapshot := fs.String("snapshot", "", "Write a snapshot here on SIGUSR1")
	migrateTo := fs.String("migrate-to", "", "On SIGINT, migrate to this address instead of shutting down")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s run [flags] <config.yaml>\n\nFlags:\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("config file required")
	}

	cfg, err := keel.LoadConfig(fs.Arg(0))
	if err != nil {
		return err
	}
	vm, err := keel.New(cfg, common.options()...)
	if err != nil {
		return err
	}
	defer vm.Close()

	ctx := context.Background()
	if err := vm.Boot(ctx); err != nil {
		return err
	}
	slog.Info("vm running", "name", cfg.Name, "cpus", vm.Machine().Config().CPUs,
		"memory_mib", vm.Machine().Config().MemoryMiB)

	return supervise(ctx, vm, *snapshot, *migrateTo)
}

func cmdRestore(args []string) error {
	fs := flag.NewFlagSet("keel restore", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s restore [flags] <config.yaml> <snapshot>\n\nFlags:\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return fmt.Errorf("config file and snapshot required")
	}

	cfg, err := keel.LoadConfig(fs.Arg(0))
	if err != nil {
		return err
	}
	f, err := os.Open(fs.Arg(1))
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := context.Background()
	vm, err := keel.Restore(ctx, cfg, f, common.options()...)
	if err != nil {
		return err
	}
	defer vm.Close()
	if err := vm.Resume(ctx); err != nil {
		return err
	}
	slog.Info("vm restored", "name", cfg.Name, "snapshot", fs.Arg(1))

	return supervise(ctx, vm, "", "")
}

func cmdRecv(args []string) error {
	fs := flag.NewFlagSet("keel recv", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	listen := fs.String("listen", ":7001", "Address to accept the migration on")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s recv [flags] <config.yaml>\n\nFlags:\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("config file required")
	}

	cfg, err := keel.LoadConfig(fs.Arg(0))
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return err
	}
	slog.Info("waiting for migration", "addr", ln.Addr().String())
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := context.Background()
	vm, err := keel.MigrateFrom(ctx, cfg, conn, common.options()...)
	if err != nil {
		return err
	}
	defer vm.Close()
	slog.Info("vm migrated in", "name", cfg.Name, "from", conn.RemoteAddr().String())

	return supervise(ctx, vm, "", "")
}

// supervise waits for the guest to halt or a signal to arrive. SIGUSR1
// snapshots to snapshotPath while the guest keeps running; SIGINT and
// SIGTERM migrate out when migrateTo is set, otherwise shut down.
func supervise(ctx context.Context, vm *keel.VM, snapshotPath, migrateTo string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	var halted atomic.Bool
	done := make(chan error, 1)
	go func() {
		err := vm.WaitState(ctx, keel.StateShutdown)
		halted.Store(true)
		done <- err
	}()

	for {
		select {
		case err := <-done:
			if err != nil {
				return err
			}
			if verr := vm.Err(); verr != nil {
				return verr
			}
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGUSR1 {
				if snapshotPath == "" {
					slog.Warn("SIGUSR1 without -snapshot, ignoring")
					continue
				}
				if err := writeSnapshot(ctx, vm, snapshotPath); err != nil {
					slog.Error("snapshot failed", "error", err)
					continue
				}
				slog.Info("snapshot written", "path", snapshotPath)
				continue
			}
			if halted.Load() {
				continue
			}
			if migrateTo != "" {
				slog.Info("migrating out", "addr", migrateTo)
				if err := migrateOut(ctx, vm, migrateTo); err != nil {
					return err
				}
				slog.Info("migration complete")
				return nil
			}
			slog.Info("shutting down", "signal", sig.String())
			return vm.Shutdown(ctx)
		}
	}
}

func writeSnapshot(ctx context.Context, vm *keel.VM, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := vm.Snapshot(ctx, f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func migrateOut(ctx context.Context, vm *keel.VM, addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	return vm.MigrateTo(ctx, conn)
}
