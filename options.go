package keel

import (
	"log/slog"

	"github.com/keelvm/keel/internal/hv"
)

// Option configures a VM at creation time. Options override the
// corresponding Config fields.
type Option interface {
	IsOption()
}

// WithMemoryMiB sets the guest RAM size in MiB.
func WithMemoryMiB(size uint64) Option {
	return &memoryOption{sizeMiB: size}
}

type memoryOption struct{ sizeMiB uint64 }

func (*memoryOption) IsOption()         {}
func (o *memoryOption) SizeMiB() uint64 { return o.sizeMiB }

// WithCPUs sets the vCPU count.
func WithCPUs(n int) Option {
	return &cpuOption{n: n}
}

type cpuOption struct{ n int }

func (*cpuOption) IsOption()   {}
func (o *cpuOption) CPUs() int { return o.n }

// WithLogger routes the VM's structured logs to the given logger
// instead of slog.Default.
func WithLogger(l *slog.Logger) Option {
	return &loggerOption{l: l}
}

type loggerOption struct{ l *slog.Logger }

func (*loggerOption) IsOption()              {}
func (o *loggerOption) Logger() *slog.Logger { return o.l }

// WithHypervisor supplies an already-open hypervisor instead of the
// platform default. The caller keeps ownership and closes it after
// the VM.
func WithHypervisor(h hv.Hypervisor) Option {
	return &hypervisorOption{h: h}
}

type hypervisorOption struct{ h hv.Hypervisor }

func (*hypervisorOption) IsOption()                  {}
func (o *hypervisorOption) Hypervisor() hv.Hypervisor { return o.h }

// WithLoader overrides the kernel boot loader built from the config.
func WithLoader(l hv.VMLoader) Option {
	return &loaderOption{l: l}
}

type loaderOption struct{ l hv.VMLoader }

func (*loaderOption) IsOption()            {}
func (o *loaderOption) Loader() hv.VMLoader { return o.l }
