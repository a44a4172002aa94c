// Package gpa manages the guest-physical address layout of a VM.
//
// A Space owns one contiguous guest-physical extent and hands out
// disjoint ranges from it. RAM, MMIO windows and reserved holes all
// come from the same allocator so that overlap bugs are impossible by
// construction: a range is either free or owned by exactly one caller.
package gpa

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/keelvm/keel/internal/verr"
)

// Kind classifies what an allocated range is used for.
type Kind uint8

const (
	KindRAM Kind = iota
	KindMMIO
	// KindHole marks firmware or architectural holes that must never
	// be handed out again but are not backed by anything.
	KindHole
)

func (k Kind) String() string {
	switch k {
	case KindRAM:
		return "ram"
	case KindMMIO:
		return "mmio"
	case KindHole:
		return "hole"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	// ErrOutOfSpace reports that no free span can hold the requested
	// allocation.
	ErrOutOfSpace = fmt.Errorf("out of address space: %w", verr.ErrResourceExhausted)

	// ErrInvalidRange reports a zero-size, misaligned, out-of-extent
	// or never-allocated range argument.
	ErrInvalidRange = errors.New("invalid range")

	// ErrConflict reports that a reservation overlaps an existing
	// allocation.
	ErrConflict = errors.New("range conflict")
)

// Range is a guest-physical interval [Base, Base+Size).
type Range struct {
	Base uint64
	Size uint64
	Kind Kind
}

// End returns the first address after the range.
func (r Range) End() uint64 { return r.Base + r.Size }

func (r Range) String() string {
	return fmt.Sprintf("%s[%#x-%#x)", r.Kind, r.Base, r.End())
}

// contains reports whether [base, base+size) lies wholly inside r.
func (r Range) contains(base, size uint64) bool {
	end := base + size
	if end < base {
		return false
	}
	return base >= r.Base && end <= r.End()
}

// span is a free interval. Tracked separately from Range so the two
// trees cannot be mixed up.
type span struct {
	base uint64
	size uint64
}

func (s span) end() uint64 { return s.base + s.size }

// Space is a guest-physical address allocator over one contiguous
// extent. All methods are safe for concurrent use; a single mutex
// guards both trees (allocation happens at VM-lifecycle frequency,
// never on the data path).
type Space struct {
	mu sync.Mutex

	base uint64
	size uint64

	// allocated ranges and free spans, both keyed by base address.
	alloc *btree.BTreeG[Range]
	free  *btree.BTreeG[span]
}

const btreeDegree = 8

// New creates a Space managing [base, base+size).
func New(base, size uint64) (*Space, error) {
	if size == 0 {
		return nil, fmt.Errorf("gpa: zero-size extent: %w", ErrInvalidRange)
	}
	if base+size < base {
		return nil, fmt.Errorf("gpa: extent [%#x, %#x+%#x) wraps the address space: %w",
			base, base, size, ErrInvalidRange)
	}
	s := &Space{
		base:  base,
		size:  size,
		alloc: btree.NewG(btreeDegree, func(a, b Range) bool { return a.Base < b.Base }),
		free:  btree.NewG(btreeDegree, func(a, b span) bool { return a.base < b.base }),
	}
	s.free.ReplaceOrInsert(span{base: base, size: size})
	return s, nil
}

// Base returns the start of the managed extent.
func (s *Space) Base() uint64 { return s.base }

// Size returns the size of the managed extent.
func (s *Space) Size() uint64 { return s.size }

// End returns the first address after the managed extent.
func (s *Space) End() uint64 { return s.base + s.size }

// Allocate finds the best-fitting free span for size bytes aligned to
// align (a power of two; 0 and 1 both mean byte alignment), claims it
// and returns the resulting range. Among all spans that fit, the
// smallest wins; ties go to the lowest address. On failure nothing is
// committed.
func (s *Space) Allocate(size, align uint64, kind Kind) (Range, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if size == 0 {
		return Range{}, fmt.Errorf("gpa: zero-size allocation: %w", ErrInvalidRange)
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return Range{}, fmt.Errorf("gpa: alignment %#x is not a power of 2: %w", align, ErrInvalidRange)
	}

	var best span
	found := false
	s.free.Ascend(func(sp span) bool {
		start := alignUp(sp.base, align)
		if start < sp.base {
			return true // alignment overflowed
		}
		pad := start - sp.base
		if sp.size < pad || sp.size-pad < size {
			return true
		}
		// Strict < keeps the lowest-address span on ties because we
		// scan in address order.
		if !found || sp.size < best.size {
			best = sp
			found = true
		}
		return true
	})
	if !found {
		return Range{}, fmt.Errorf("gpa: no free span fits %#x bytes aligned to %#x: %w",
			size, align, ErrOutOfSpace)
	}

	r := Range{Base: alignUp(best.base, align), Size: size, Kind: kind}
	s.carve(best, r.Base, r.Size)
	s.alloc.ReplaceOrInsert(r)
	return r, nil
}

// Reserve claims the exact range r. It is used for fixed windows whose
// addresses are dictated from outside the allocator (architectural
// MMIO bases, firmware holes). Overlap with any allocated range is
// ErrConflict; a range outside the managed extent is ErrInvalidRange.
func (s *Space) Reserve(r Range) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Size == 0 || r.End() < r.Base {
		return fmt.Errorf("gpa: reserve %v: %w", r, ErrInvalidRange)
	}
	if r.Base < s.base || r.End() > s.End() {
		return fmt.Errorf("gpa: reserve %v outside extent [%#x-%#x): %w",
			r, s.base, s.End(), ErrInvalidRange)
	}

	// The range must lie inside a single free span. Anything else
	// means some part of it is already owned.
	sp, ok := s.spanCovering(r.Base, r.Size)
	if !ok {
		return fmt.Errorf("gpa: reserve %v overlaps an existing allocation: %w", r, ErrConflict)
	}

	s.carve(sp, r.Base, r.Size)
	s.alloc.ReplaceOrInsert(r)
	return nil
}

// Free releases a range previously returned by Allocate or claimed by
// Reserve. The argument must match exactly; freed space coalesces with
// adjacent free spans and is immediately reusable.
func (s *Space) Free(r Range) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	got, ok := s.alloc.Get(Range{Base: r.Base})
	if !ok || got.Size != r.Size || got.Kind != r.Kind {
		return fmt.Errorf("gpa: free %v does not match an allocation: %w", r, ErrInvalidRange)
	}
	s.alloc.Delete(got)
	s.release(span{base: got.Base, size: got.Size})
	return nil
}

// Contains reports whether [base, base+size) lies wholly inside one
// allocated range of the given kind. Virtio uses this to validate
// guest-supplied ring addresses against RAM.
func (s *Space) Contains(base, size uint64, kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owner Range
	ok := false
	s.alloc.DescendLessOrEqual(Range{Base: base}, func(r Range) bool {
		owner = r
		ok = true
		return false
	})
	return ok && owner.Kind == kind && owner.contains(base, size)
}

// Ranges returns a copy of all allocated ranges in address order.
func (s *Space) Ranges() []Range {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Range, 0, s.alloc.Len())
	s.alloc.Ascend(func(r Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

// RAMRanges returns a copy of the allocated RAM ranges in address
// order. The boot loader derives the e820 map from this.
func (s *Space) RAMRanges() []Range {
	var out []Range
	for _, r := range s.Ranges() {
		if r.Kind == KindRAM {
			out = append(out, r)
		}
	}
	return out
}

// FreeBytes returns the total free space. Diagnostic only; a sum of
// fragmented spans may not be allocatable as one block.
func (s *Space) FreeBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total uint64
	s.free.Ascend(func(sp span) bool {
		total += sp.size
		return true
	})
	return total
}

// spanCovering finds the free span that wholly contains
// [base, base+size), if any. Caller holds s.mu.
func (s *Space) spanCovering(base, size uint64) (span, bool) {
	var sp span
	ok := false
	s.free.DescendLessOrEqual(span{base: base}, func(cand span) bool {
		sp = cand
		ok = true
		return false
	})
	if !ok || base+size > sp.end() {
		return span{}, false
	}
	return sp, true
}

// carve removes [base, base+size) from free span sp, reinserting the
// left and right remainders. Caller holds s.mu and guarantees the cut
// lies inside sp.
func (s *Space) carve(sp span, base, size uint64) {
	s.free.Delete(sp)
	if left := base - sp.base; left > 0 {
		s.free.ReplaceOrInsert(span{base: sp.base, size: left})
	}
	if right := sp.end() - (base + size); right > 0 {
		s.free.ReplaceOrInsert(span{base: base + size, size: right})
	}
}

// release returns sp to the free tree, merging with the spans that end
// at its start or begin at its end. Caller holds s.mu.
func (s *Space) release(sp span) {
	s.free.DescendLessOrEqual(span{base: sp.base}, func(left span) bool {
		if left.end() == sp.base {
			s.free.Delete(left)
			sp = span{base: left.base, size: left.size + sp.size}
		}
		return false
	})
	s.free.AscendGreaterOrEqual(span{base: sp.end()}, func(right span) bool {
		if right.base == sp.end() {
			s.free.Delete(right)
			sp = span{base: sp.base, size: sp.size + right.size}
		}
		return false
	})
	s.free.ReplaceOrInsert(sp)
}

// alignUp aligns value up to align, which must be a power of 2.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
