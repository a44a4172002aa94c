package migration

import (
	"context"
	"fmt"
	"io"
	"math/bits"
	"time"

	"github.com/keelvm/keel/internal/debug"
	"github.com/keelvm/keel/internal/hv"
	"github.com/keelvm/keel/internal/verr"
	"github.com/keelvm/keel/internal/vmm"
)

// Snapshot writes the machine's complete state to w. A running
// machine is paused for the duration and resumed afterwards; a paused
// machine stays paused. The stream is self-contained: manifest,
// component state, full memory.
func (e *Engine) Snapshot(ctx context.Context, m *vmm.Machine, w io.Writer) error {
	resume := false
	switch m.State() {
	case vmm.StateRunning:
		if err := m.Pause(ctx); err != nil {
			return err
		}
		resume = true
	case vmm.StatePaused:
	default:
		return &verr.Error{Op: "migration.snapshot",
			Err: fmt.Errorf("machine is %s: %w", m.State(), verr.ErrLifecycle)}
	}

	err := e.writeStream(m, w)
	if resume {
		if rerr := m.Resume(ctx); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// writeStream emits the full stationary stream for a paused machine.
// Control-plane state goes before memory so the target can rebuild its
// layout before any contents land in it.
func (e *Engine) writeStream(m *vmm.Machine, w io.Writer) error {
	comps := components(m)
	payload, err := encodeManifest(localManifest(m, comps))
	if err != nil {
		return err
	}
	if err := writeFrame(w, MsgManifest, payload); err != nil {
		return err
	}
	if err := e.sendState(comps, w); err != nil {
		return err
	}
	if err := e.sendFullMemory(m, w); err != nil {
		return err
	}
	return writeFrame(w, MsgDone, nil)
}

func (e *Engine) sendFullMemory(m *vmm.Machine, w io.Writer) error {
	vm := m.VM()
	buf := make([]byte, memoryChunkSize)
	for _, r := range m.Space().RAMRanges() {
		for off := uint64(0); off < r.Size; off += memoryChunkSize {
			n := min(uint64(memoryChunkSize), r.Size-off)
			chunk := buf[:n]
			if _, err := vm.ReadAt(chunk, int64(r.Base+off)); err != nil {
				return fmt.Errorf("migration: read guest memory at %#x: %w", r.Base+off, err)
			}
			payload, err := encodeMemoryChunk(r.Base+off, chunk)
			if err != nil {
				return err
			}
			if err := writeFrame(w, MsgMemoryFull, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) sendState(comps []Migratable, w io.Writer) error {
	for _, c := range comps {
		data, err := c.SaveState()
		if err != nil {
			return fmt.Errorf("migration: save %s: %w", c.MigrationID(), err)
		}
		payload, err := encodeState(c.MigrationID(), data)
		if err != nil {
			return err
		}
		if err := writeFrame(w, MsgState, payload); err != nil {
			return err
		}
	}
	return nil
}

// MigrateTo moves a running machine to the peer on conn. Memory is
// copied live in pre-copy rounds; once the dirty set is small (or the
// round cap is hit) the machine pauses for the final copy and the
// component state. On success the source is left Paused and must not
// run again; the caller shuts it down once it trusts the target. Any
// failure resumes the source.
func (e *Engine) MigrateTo(ctx context.Context, m *vmm.Machine, conn io.ReadWriter) error {
	if m.State() != vmm.StateRunning {
		return &verr.Error{Op: "migration.send",
			Err: fmt.Errorf("machine is %s: %w", m.State(), verr.ErrLifecycle)}
	}
	ctx, cancel := migrateCtx(ctx, m, conn)
	defer cancel()

	// The target speaks exactly once: MsgReady after a complete
	// stream, or MsgAbort the moment it gives up. Watching for that
	// concurrently keeps an early abort from wedging the source
	// behind a blocked write.
	resCh := make(chan peerResult, 1)
	go watchPeer(conn, resCh)

	err := e.migrateTo(ctx, m, conn)
	if err == nil {
		select {
		case res := <-resCh:
			if res.err != nil {
				err = res.err
			}
		case <-ctx.Done():
			err = ctx.Err()
		}
	} else {
		// A write failure may be the echo of the peer aborting; the
		// peer's reason wins.
		select {
		case res := <-resCh:
			if res.err != nil {
				err = res.err
			}
		default:
		}
	}

	if err != nil {
		sendAbort(conn, err)
		if m.State() == vmm.StatePaused {
			if rerr := m.Resume(ctx); rerr != nil {
				e.log().Error("source resume after failed migration", "err", rerr)
			}
		}
	}
	return classify(err)
}

type peerResult struct {
	ready bool
	err   error
}

// watchPeer reads the target's single response frame. Anything other
// than MsgReady kills in-flight writes by expiring the write deadline,
// when the connection supports one.
func watchPeer(conn io.ReadWriter, resCh chan<- peerResult) {
	typ, payload, err := readFrame(conn)
	var res peerResult
	switch {
	case err != nil:
		res.err = err
	case typ == MsgReady:
		res.ready = true
	case typ == MsgAbort:
		res.err = abortError(payload)
	default:
		res.err = fmt.Errorf("migration: expected ready, got %s: %w", typ, verr.ErrMigrationFormatMismatch)
	}
	if !res.ready {
		if d, ok := conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = d.SetWriteDeadline(time.Unix(1, 0))
		}
	}
	resCh <- res
}

func (e *Engine) migrateTo(ctx context.Context, m *vmm.Machine, conn io.ReadWriter) error {
	vm := m.VM()
	live := true
	if err := vm.StartDirtyTracking(); err != nil {
		// No dirty logging means no pre-copy: pause up front and send
		// a stationary stream.
		e.log().Warn("dirty tracking unavailable, falling back to stop-and-copy", "err", err)
		live = false
	} else {
		defer func() { _ = vm.StopDirtyTracking() }()
	}

	if !live {
		if err := m.Pause(ctx); err != nil {
			return err
		}
		return e.writeStream(m, conn)
	}

	comps := components(m)
	payload, err := encodeManifest(localManifest(m, comps))
	if err != nil {
		return err
	}
	if err := writeFrame(conn, MsgManifest, payload); err != nil {
		return err
	}

	// Round zero copies everything while the guest keeps running;
	// writes raced by the copy land in the dirty log.
	debug.Migration("source", "pre-copy", "round 0 full memory")
	if err := e.sendFullMemory(m, conn); err != nil {
		return err
	}

	totalPages := m.Config().MemoryBytes() / hv.PageSize
	var carry []uint64
	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		bitmap, err := vm.FetchDirtyPages()
		if err != nil {
			return fmt.Errorf("migration: fetch dirty pages: %w: %w", err, verr.ErrCapabilityFailure)
		}
		pages := pagesFromBitmap(bitmap)
		e.log().Debug("pre-copy round", "round", round, "dirty_pages", len(pages))
		if float64(len(pages)) < e.dirtyFraction()*float64(totalPages) || round >= e.dirtyRounds() {
			// Convergence (or the cap): stop the guest and fold these
			// pages into the final copy.
			carry = pages
			break
		}
		if err := e.sendDirtyPages(vm, vm.MemoryBase(), pages, conn); err != nil {
			return err
		}
	}

	if err := m.Pause(ctx); err != nil {
		return err
	}

	bitmap, err := vm.FetchDirtyPages()
	if err != nil {
		return fmt.Errorf("migration: fetch dirty pages: %w: %w", err, verr.ErrCapabilityFailure)
	}
	final := mergePages(carry, pagesFromBitmap(bitmap))
	e.log().Debug("stop-and-copy", "dirty_pages", len(final))
	debug.Migration("source", "stop-and-copy", fmt.Sprintf("%d dirty pages", len(final)))
	if err := e.sendDirtyPages(vm, vm.MemoryBase(), final, conn); err != nil {
		return err
	}
	if err := e.sendState(comps, conn); err != nil {
		return err
	}
	return writeFrame(conn, MsgDone, nil)
}

// maxPagesPerFrame keeps a dirty frame within the frame size cap.
const maxPagesPerFrame = 4096

func (e *Engine) sendDirtyPages(vm hv.VirtualMachine, memBase uint64, pages []uint64, w io.Writer) error {
	for len(pages) > 0 {
		batch := pages
		if len(batch) > maxPagesPerFrame {
			batch = batch[:maxPagesPerFrame]
		}
		pages = pages[len(batch):]

		frame := make([]dirtyPage, 0, len(batch))
		for _, page := range batch {
			data := make([]byte, hv.PageSize)
			base := memBase + page*hv.PageSize
			if _, err := vm.ReadAt(data, int64(base)); err != nil {
				return fmt.Errorf("migration: read dirty page at %#x: %w", base, err)
			}
			frame = append(frame, dirtyPage{base: base, data: data})
		}
		if err := writeFrame(w, MsgMemoryDirty, encodeDirtyPages(frame)); err != nil {
			return err
		}
	}
	return nil
}

// pagesFromBitmap expands a dirty bitmap (one bit per page) into page
// numbers.
func pagesFromBitmap(bitmap []uint64) []uint64 {
	var pages []uint64
	for i, word := range bitmap {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			pages = append(pages, uint64(i)*64+uint64(bit))
			word &^= 1 << bit
		}
	}
	return pages
}

// mergePages unions two sorted page lists.
func mergePages(a, b []uint64) []uint64 {
	out := make([]uint64, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i, j = i+1, j+1
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
