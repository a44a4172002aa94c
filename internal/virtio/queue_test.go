package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/keelvm/keel/internal/gpa"
	"github.com/keelvm/keel/internal/verr"
	"github.com/keelvm/keel/internal/virtio/virtiotest"
)

const queueTestRAM = 1 << 20

// flatMemory is a bare block of guest memory for queue-level tests.
type flatMemory []byte

func (m flatMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, io.ErrUnexpectedEOF
	}
	return copy(p, m[off:]), nil
}

func (m flatMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, io.ErrUnexpectedEOF
	}
	return copy(m[off:], p), nil
}

// recordingMemory logs write offsets to observe publication order.
type recordingMemory struct {
	flatMemory
	mu     sync.Mutex
	writes []uint64
}

func (m *recordingMemory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	m.writes = append(m.writes, uint64(off))
	m.mu.Unlock()
	return m.flatMemory.WriteAt(p, off)
}

func (m *recordingMemory) reset() {
	m.mu.Lock()
	m.writes = nil
	m.mu.Unlock()
}

func (m *recordingMemory) snapshotWrites() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.writes...)
}

func ramSpace(t *testing.T, size uint64) *gpa.Space {
	t.Helper()
	space, err := gpa.New(0, size)
	if err != nil {
		t.Fatalf("gpa.New failed: %v", err)
	}
	if err := space.Reserve(gpa.Range{Base: 0, Size: size, Kind: gpa.KindRAM}); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	return space
}

// readyQueue builds a validated 16-entry queue over mem.
func readyQueue(t *testing.T, mem GuestMemory) (*Queue, *virtiotest.Ring) {
	t.Helper()
	ring := virtiotest.NewRing(t, mem, 0x1000, 16)
	q := NewQueue(mem, 0, 128)
	if err := q.SetSize(16); err != nil {
		t.Fatalf("SetSize failed: %v", err)
	}
	q.SetAddresses(ring.DescAddr, ring.AvailAddr, ring.UsedAddr)
	if err := q.Validate(ramSpace(t, queueTestRAM)); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	return q, ring
}

func TestQueuePopAvail(t *testing.T) {
	q, ring := readyQueue(t, make(flatMemory, queueTestRAM))

	head, _ := ring.Push(virtiotest.Readable([]byte("abc")), virtiotest.Readable([]byte("de")), virtiotest.Writable(32))

	chain, ok, err := q.PopAvail()
	if err != nil || !ok {
		t.Fatalf("PopAvail = (%v, %v), want a chain", ok, err)
	}
	if chain.Head != head {
		t.Errorf("chain head = %d, want %d", chain.Head, head)
	}
	if len(chain.Descs) != 3 {
		t.Fatalf("chain has %d descriptors, want 3", len(chain.Descs))
	}
	if r := chain.Readable(); len(r) != 2 || r[0].Len != 3 || r[1].Len != 2 {
		t.Errorf("readable descriptors = %+v, want lengths 3 and 2", r)
	}
	if w := chain.Writable(); len(w) != 1 || w[0].Len != 32 {
		t.Errorf("writable descriptors = %+v, want one of length 32", w)
	}

	if _, ok, err := q.PopAvail(); err != nil || ok {
		t.Fatalf("second PopAvail = (%v, %v), want empty", ok, err)
	}
}

func TestQueueChainCycle(t *testing.T) {
	t.Run("SelfLoop", func(t *testing.T) {
		q, ring := readyQueue(t, make(flatMemory, queueTestRAM))
		ring.WriteDesc(4, 0x8000, 8, virtiotest.FlagNext, 4)
		ring.Publish(4)

		_, _, err := q.PopAvail()
		if !errors.Is(err, ErrDescriptorLoop) {
			t.Fatalf("PopAvail = %v, want descriptor loop", err)
		}
		if !errors.Is(err, verr.ErrProtocolViolation) {
			t.Errorf("loop error %v does not wrap the protocol violation class", err)
		}
		if got := ring.UsedIdx(); got != 0 {
			t.Errorf("used index = %d after a rejected chain, want 0", got)
		}
		// The poisoned entry is consumed; the queue is not wedged.
		if _, ok, err := q.PopAvail(); err != nil || ok {
			t.Fatalf("PopAvail after rejection = (%v, %v), want empty", ok, err)
		}
	})

	t.Run("TwoStepLoop", func(t *testing.T) {
		q, ring := readyQueue(t, make(flatMemory, queueTestRAM))
		ring.WriteDesc(0, 0x8000, 8, virtiotest.FlagNext, 1)
		ring.WriteDesc(1, 0x8010, 8, virtiotest.FlagNext, 0)
		ring.Publish(0)

		if _, _, err := q.PopAvail(); !errors.Is(err, ErrDescriptorLoop) {
			t.Fatalf("PopAvail = %v, want descriptor loop", err)
		}
	})

	t.Run("IndexOutOfRange", func(t *testing.T) {
		q, ring := readyQueue(t, make(flatMemory, queueTestRAM))
		ring.WriteDesc(0, 0x8000, 8, virtiotest.FlagNext, 16)
		ring.Publish(0)

		_, _, err := q.PopAvail()
		if !errors.Is(err, ErrDescriptorRange) {
			t.Fatalf("PopAvail = %v, want descriptor range error", err)
		}
		if !errors.Is(err, verr.ErrProtocolViolation) {
			t.Errorf("range error %v does not wrap the protocol violation class", err)
		}
	})

	t.Run("RecoversWithGoodChain", func(t *testing.T) {
		q, ring := readyQueue(t, make(flatMemory, queueTestRAM))
		ring.WriteDesc(0, 0x8000, 8, virtiotest.FlagNext, 0)
		ring.Publish(0)
		if _, _, err := q.PopAvail(); !errors.Is(err, ErrDescriptorLoop) {
			t.Fatalf("PopAvail = %v, want descriptor loop", err)
		}

		head, _ := ring.Push(virtiotest.Readable([]byte("ok")))
		chain, ok, err := q.PopAvail()
		if err != nil || !ok {
			t.Fatalf("PopAvail after rejection = (%v, %v), want a chain", ok, err)
		}
		if chain.Head != head {
			t.Errorf("chain head = %d, want %d", chain.Head, head)
		}
	})
}

func TestQueuePushUsed(t *testing.T) {
	mem := &recordingMemory{flatMemory: make(flatMemory, queueTestRAM)}
	q, ring := readyQueue(t, mem)

	head, _ := ring.Push(virtiotest.Readable([]byte("x")))
	if _, _, err := q.PopAvail(); err != nil {
		t.Fatalf("PopAvail failed: %v", err)
	}
	mem.reset()

	if err := q.PushUsed(head, 7); err != nil {
		t.Fatalf("PushUsed failed: %v", err)
	}

	elem := ring.ReadMem(ring.UsedAddr+4, 8)
	if id := binary.LittleEndian.Uint32(elem[0:4]); id != uint32(head) {
		t.Errorf("used element id = %d, want %d", id, head)
	}
	if n := binary.LittleEndian.Uint32(elem[4:8]); n != 7 {
		t.Errorf("used element len = %d, want 7", n)
	}
	if got := ring.UsedIdx(); got != 1 {
		t.Errorf("used index = %d, want 1", got)
	}

	// The element lands before the index that publishes it.
	writes := mem.snapshotWrites()
	elemAt, idxAt := -1, -1
	for i, off := range writes {
		switch off {
		case ring.UsedAddr + 4:
			elemAt = i
		case ring.UsedAddr + 2:
			idxAt = i
		}
	}
	if elemAt < 0 || idxAt < 0 || elemAt > idxAt {
		t.Fatalf("write offsets %#x: used element must precede the index", writes)
	}
}

func TestQueueValidate(t *testing.T) {
	mem := make(flatMemory, queueTestRAM)
	newQ := func(t *testing.T, desc, avail, used uint64, size uint16) *Queue {
		t.Helper()
		q := NewQueue(mem, 0, 128)
		if size > 0 {
			if err := q.SetSize(size); err != nil {
				t.Fatalf("SetSize failed: %v", err)
			}
		}
		q.SetAddresses(desc, avail, used)
		return q
	}

	t.Run("ZeroSize", func(t *testing.T) {
		q := newQ(t, 0x1000, 0x2000, 0x3000, 0)
		if err := q.Validate(ramSpace(t, queueTestRAM)); !errors.Is(err, verr.ErrProtocolViolation) {
			t.Fatalf("Validate = %v, want protocol violation", err)
		}
		if q.Ready() {
			t.Error("queue became ready with size 0")
		}
	})

	t.Run("MisalignedDesc", func(t *testing.T) {
		q := newQ(t, 0x1008, 0x2000, 0x3000, 16)
		if err := q.Validate(ramSpace(t, queueTestRAM)); !errors.Is(err, ErrQueueMisaligned) {
			t.Fatalf("Validate = %v, want misaligned", err)
		}
	})

	t.Run("MisalignedAvail", func(t *testing.T) {
		q := newQ(t, 0x1000, 0x2001, 0x3000, 16)
		if err := q.Validate(ramSpace(t, queueTestRAM)); !errors.Is(err, ErrQueueMisaligned) {
			t.Fatalf("Validate = %v, want misaligned", err)
		}
	})

	t.Run("MisalignedUsed", func(t *testing.T) {
		q := newQ(t, 0x1000, 0x2000, 0x3002, 16)
		if err := q.Validate(ramSpace(t, queueTestRAM)); !errors.Is(err, ErrQueueMisaligned) {
			t.Fatalf("Validate = %v, want misaligned", err)
		}
	})

	t.Run("OutsideRAM", func(t *testing.T) {
		space, err := gpa.New(0, queueTestRAM)
		if err != nil {
			t.Fatalf("gpa.New failed: %v", err)
		}
		if err := space.Reserve(gpa.Range{Base: 0, Size: queueTestRAM / 2, Kind: gpa.KindRAM}); err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		q := newQ(t, queueTestRAM/2+0x1000, 0x2000, 0x3000, 16)
		err = q.Validate(space)
		if !errors.Is(err, ErrQueueOutsideRAM) {
			t.Fatalf("Validate = %v, want outside-RAM error", err)
		}
		if !errors.Is(err, verr.ErrProtocolViolation) {
			t.Errorf("outside-RAM error %v does not wrap the protocol violation class", err)
		}
	})

	t.Run("FootprintCrossesBoundary", func(t *testing.T) {
		space, err := gpa.New(0, queueTestRAM)
		if err != nil {
			t.Fatalf("gpa.New failed: %v", err)
		}
		if err := space.Reserve(gpa.Range{Base: 0, Size: queueTestRAM / 2, Kind: gpa.KindRAM}); err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		// The descriptor table starts inside RAM but spills past it.
		q := newQ(t, queueTestRAM/2-0x10, 0x2000, 0x3000, 16)
		if err := q.Validate(space); !errors.Is(err, ErrQueueOutsideRAM) {
			t.Fatalf("Validate = %v, want outside-RAM error", err)
		}
	})

	t.Run("Valid", func(t *testing.T) {
		q := newQ(t, 0x1000, 0x2000, 0x3000, 16)
		if err := q.Validate(ramSpace(t, queueTestRAM)); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if !q.Ready() {
			t.Error("queue not ready after successful validation")
		}
	})
}

func TestQueueNotReady(t *testing.T) {
	q := NewQueue(make(flatMemory, 0x1000), 0, 128)
	if _, _, err := q.PopAvail(); !errors.Is(err, ErrQueueNotReady) {
		t.Errorf("PopAvail = %v, want not-ready error", err)
	}
	if err := q.PushUsed(0, 0); !errors.Is(err, ErrQueueNotReady) {
		t.Errorf("PushUsed = %v, want not-ready error", err)
	}
}

func TestQueueSizeBounds(t *testing.T) {
	q := NewQueue(make(flatMemory, 0x1000), 0, 128)
	if err := q.SetSize(256); !errors.Is(err, verr.ErrProtocolViolation) {
		t.Errorf("SetSize(256) = %v, want protocol violation", err)
	}
	if err := q.SetSize(128); err != nil {
		t.Errorf("SetSize(128) failed: %v", err)
	}
}

func TestQueueGatherScatter(t *testing.T) {
	q, ring := readyQueue(t, make(flatMemory, queueTestRAM))

	_, addrs := ring.Push(
		virtiotest.Readable([]byte("hello")),
		virtiotest.Readable([]byte(" world")),
		virtiotest.Writable(4),
		virtiotest.Writable(16),
	)
	chain, ok, err := q.PopAvail()
	if err != nil || !ok {
		t.Fatalf("PopAvail = (%v, %v), want a chain", ok, err)
	}

	data, err := q.Gather(chain.Readable())
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("gathered %q, want %q", data, "hello world")
	}

	payload := []byte("0123456789abcdef0123")
	n, err := q.Scatter(chain.Writable(), payload)
	if err != nil {
		t.Fatalf("Scatter failed: %v", err)
	}
	if n != uint32(len(payload)) {
		t.Fatalf("Scatter wrote %d bytes, want %d", n, len(payload))
	}
	if got := ring.ReadMem(addrs[2], 4); !bytes.Equal(got, payload[:4]) {
		t.Errorf("first writable buffer = %q, want %q", got, payload[:4])
	}
	if got := ring.ReadMem(addrs[3], 16); !bytes.Equal(got, payload[4:]) {
		t.Errorf("second writable buffer = %q, want %q", got, payload[4:])
	}

	// Excess input is clamped to the chain's capacity.
	n, err = q.Scatter(chain.Writable(), make([]byte, 32))
	if err != nil {
		t.Fatalf("Scatter overflow failed: %v", err)
	}
	if n != 20 {
		t.Errorf("Scatter overflow wrote %d bytes, want 20", n)
	}
}

func TestQueueInterruptSuppression(t *testing.T) {
	q, ring := readyQueue(t, make(flatMemory, queueTestRAM))

	ring.Write16(ring.AvailAddr, availFNoInterrupt)
	sup, err := q.InterruptsSuppressed()
	if err != nil {
		t.Fatalf("InterruptsSuppressed failed: %v", err)
	}
	if !sup {
		t.Error("suppression flag set but not reported")
	}

	ring.Write16(ring.AvailAddr, 0)
	sup, err = q.InterruptsSuppressed()
	if err != nil {
		t.Fatalf("InterruptsSuppressed failed: %v", err)
	}
	if sup {
		t.Error("suppression reported with the flag clear")
	}
}

func TestQueueSnapshotRoundTrip(t *testing.T) {
	mem := make(flatMemory, queueTestRAM)
	q, ring := readyQueue(t, mem)

	head, _ := ring.Push(virtiotest.Readable([]byte("x")))
	if _, _, err := q.PopAvail(); err != nil {
		t.Fatalf("PopAvail failed: %v", err)
	}
	if err := q.PushUsed(head, 1); err != nil {
		t.Fatalf("PushUsed failed: %v", err)
	}

	snap := q.snapshot()
	restored := NewQueue(mem, 0, 128)
	restored.restore(snap)

	if !restored.Ready() {
		t.Fatal("restored queue not ready")
	}
	if got := restored.Size(); got != 16 {
		t.Errorf("restored size = %d, want 16", got)
	}
	d1, a1, u1 := q.Addresses()
	d2, a2, u2 := restored.Addresses()
	if d1 != d2 || a1 != a2 || u1 != u2 {
		t.Errorf("restored addresses (%#x,%#x,%#x), want (%#x,%#x,%#x)", d2, a2, u2, d1, a1, u1)
	}
	la, used := restored.Cursors()
	if la != 1 || used != 1 {
		t.Errorf("restored cursors = (%d,%d), want (1,1)", la, used)
	}

	// The restored queue picks up exactly where the source stopped.
	head2, _ := ring.Push(virtiotest.Readable([]byte("y")))
	chain, ok, err := restored.PopAvail()
	if err != nil || !ok {
		t.Fatalf("PopAvail on restored queue = (%v, %v), want a chain", ok, err)
	}
	if chain.Head != head2 {
		t.Errorf("restored queue popped head %d, want %d", chain.Head, head2)
	}
}
