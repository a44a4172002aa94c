package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/keelvm/keel/internal/hv"
	"github.com/keelvm/keel/internal/verr"
	"github.com/keelvm/keel/internal/vmm"
)

// DefaultDirtyRounds is the pre-copy round cap. After this many rounds
// the source stops waiting for the guest to quiet down and pauses.
const DefaultDirtyRounds = 3

// DefaultDirtyFraction stops pre-copy early: once a round's dirty set
// falls below this fraction of RAM, another round cannot help much.
const DefaultDirtyFraction = 0.01

// Engine drives snapshots and migrations for machines. The zero value
// is usable.
type Engine struct {
	// Log defaults to slog.Default.
	Log *slog.Logger

	// DirtyRounds caps live pre-copy rounds; 0 means
	// DefaultDirtyRounds.
	DirtyRounds int

	// DirtyFraction overrides DefaultDirtyFraction; 0 means the
	// default.
	DirtyFraction float64
}

func (e *Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *Engine) dirtyRounds() int {
	if e.DirtyRounds > 0 {
		return e.DirtyRounds
	}
	return DefaultDirtyRounds
}

func (e *Engine) dirtyFraction() float64 {
	if e.DirtyFraction > 0 {
		return e.DirtyFraction
	}
	return DefaultDirtyFraction
}

// components widens the machine's state set to the engine's interface.
func components(m *vmm.Machine) []Migratable {
	comps := m.StateComponents()
	out := make([]Migratable, len(comps))
	for i, c := range comps {
		out[i] = c
	}
	return out
}

func localManifest(m *vmm.Machine, comps []Migratable) Manifest {
	return buildManifest(m.Config().MemoryBytes(), hv.PageSize, comps)
}

// migrateCtx applies the machine's migrate timeout when the caller
// supplied no deadline, and pushes the deadline onto the connection
// when it supports one.
func migrateCtx(ctx context.Context, m *vmm.Machine, conn io.ReadWriter) (context.Context, context.CancelFunc) {
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, m.Config().MigrateTimeout)
	}
	if d, ok := conn.(interface{ SetDeadline(time.Time) error }); ok {
		if deadline, has := ctx.Deadline(); has {
			_ = d.SetDeadline(deadline)
		}
	}
	return ctx, cancel
}

// classify folds I/O deadline errors into the migration timeout class
// so callers can test for it from any depth.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return fmt.Errorf("%w: %w", err, verr.ErrMigrationTimeout)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", err, verr.ErrMigrationTimeout)
	}
	return err
}

// abortError carries the remote side's MsgAbort text.
func abortError(payload []byte) error {
	return fmt.Errorf("migration: remote aborted: %s", string(payload))
}

// sendAbort tells the peer the transfer is off. Best effort; the
// underlying error is what the caller reports.
func sendAbort(w io.Writer, err error) {
	_ = writeFrame(w, MsgAbort, []byte(err.Error()))
}
