package migration

import (
	"context"
	"fmt"
	"io"

	"github.com/keelvm/keel/internal/debug"
	"github.com/keelvm/keel/internal/gpa"
	"github.com/keelvm/keel/internal/hv"
	"github.com/keelvm/keel/internal/verr"
	"github.com/keelvm/keel/internal/vmm"
)

// Restore applies a snapshot stream to a prepared target machine (see
// vmm.Machine.PrepareTarget). The machine must be Paused with the same
// description the snapshot was taken from; it stays Paused afterwards
// so the caller decides when it runs.
func (e *Engine) Restore(ctx context.Context, m *vmm.Machine, r io.Reader) error {
	if m.State() != vmm.StatePaused {
		return &verr.Error{Op: "migration.restore",
			Err: fmt.Errorf("machine is %s: %w", m.State(), verr.ErrLifecycle)}
	}
	return e.applyStream(ctx, m, r)
}

// MigrateFrom receives a live migration on conn into a prepared
// target machine. The machine stays Paused on success; the caller
// resumes it once the source side is confirmed down. A manifest the
// target cannot reproduce aborts the transfer before any state is
// touched.
func (e *Engine) MigrateFrom(ctx context.Context, m *vmm.Machine, conn io.ReadWriter) error {
	if m.State() != vmm.StatePaused {
		return &verr.Error{Op: "migration.receive",
			Err: fmt.Errorf("machine is %s: %w", m.State(), verr.ErrLifecycle)}
	}
	ctx, cancel := migrateCtx(ctx, m, conn)
	defer cancel()

	if err := e.applyStream(ctx, m, conn); err != nil {
		sendAbort(conn, err)
		return classify(err)
	}
	return classify(writeFrame(conn, MsgReady, nil))
}

// applyStream consumes one stream and applies it to m, stopping at
// MsgDone. The MsgReady handshake, where owed, is the caller's.
func (e *Engine) applyStream(ctx context.Context, m *vmm.Machine, r io.Reader) error {
	comps := components(m)
	byID := make(map[string]Migratable, len(comps))
	for _, c := range comps {
		byID[c.MigrationID()] = c
	}

	typ, payload, err := readFrame(r)
	if err != nil {
		return err
	}
	if typ == MsgAbort {
		return abortError(payload)
	}
	if typ != MsgManifest {
		return fmt.Errorf("migration: expected manifest, got %s: %w", typ, verr.ErrMigrationFormatMismatch)
	}
	manifest, err := decodeManifest(payload)
	if err != nil {
		return err
	}
	if err := manifest.check(localManifest(m, comps)); err != nil {
		return err
	}

	vm := m.VM()
	loaded := make(map[string]bool, len(comps))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		typ, payload, err := readFrame(r)
		if err != nil {
			return err
		}
		switch typ {
		case MsgMemoryFull:
			base, data, err := decodeMemoryChunk(payload)
			if err != nil {
				return err
			}
			if err := e.writeMemory(m, vm, base, data); err != nil {
				return err
			}

		case MsgMemoryDirty:
			pages, err := decodeDirtyPages(payload, manifest.PageSize)
			if err != nil {
				return err
			}
			for _, p := range pages {
				if err := e.writeMemory(m, vm, p.base, p.data); err != nil {
					return err
				}
			}

		case MsgState:
			frame, err := decodeState(payload)
			if err != nil {
				return err
			}
			c, ok := byID[frame.ID]
			if !ok {
				return fmt.Errorf("migration: state for unknown component %q: %w",
					frame.ID, verr.ErrMigrationFormatMismatch)
			}
			if err := c.LoadState(frame.Data); err != nil {
				return fmt.Errorf("migration: load %s: %w", frame.ID, err)
			}
			loaded[frame.ID] = true

		case MsgDone:
			for _, c := range comps {
				if !loaded[c.MigrationID()] {
					return fmt.Errorf("migration: stream ended without state for %q: %w",
						c.MigrationID(), verr.ErrMigrationFormatMismatch)
				}
			}
			e.log().Info("migration stream applied", "components", len(comps))
			debug.Migration("target", "applied", fmt.Sprintf("%d components", len(comps)))
			return nil

		case MsgAbort:
			return abortError(payload)

		default:
			return fmt.Errorf("migration: unexpected %s frame: %w", typ, verr.ErrMigrationFormatMismatch)
		}
	}
}

// writeMemory applies one incoming run of guest bytes, refusing
// anything outside the machine's RAM.
func (e *Engine) writeMemory(m *vmm.Machine, vm hv.VirtualMachine, base uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !m.Space().Contains(base, uint64(len(data)), gpa.KindRAM) {
		return fmt.Errorf("migration: memory frame at %#x+%#x outside guest RAM: %w",
			base, len(data), verr.ErrMigrationFormatMismatch)
	}
	if _, err := vm.WriteAt(data, int64(base)); err != nil {
		return fmt.Errorf("migration: write guest memory at %#x: %w", base, err)
	}
	return nil
}
