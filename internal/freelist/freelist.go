package freelist

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/walloc/internal/conv"
	"github.com/hupe1980/walloc/internal/memory"
)

var (
	// ErrInvalidFree is returned when Free or Realloc is called with an
	// offset that is not a currently live allocation.
	ErrInvalidFree = errors.New("freelist: offset is not a live allocation")
	// ErrOutOfMemory is returned when neither the free list nor region
	// growth can satisfy a request.
	ErrOutOfMemory = errors.New("freelist: out of memory")
	// ErrInvalidSize is returned for zero-size requests.
	ErrInvalidSize = errors.New("freelist: invalid size")
	// ErrCorruptState is returned when restored state fails validation.
	ErrCorruptState = errors.New("freelist: corrupt allocator state")
)

const (
	// minAlign is the base allocation alignment.
	minAlign = 8
	// largeAlign is the cache-line alignment applied to large requests.
	largeAlign = 64
	// largeThreshold is the request size above which largeAlign applies.
	largeThreshold = 1024
	// minBlock is the smallest remainder worth keeping as a free block;
	// smaller remainders are absorbed into the allocation.
	minBlock = 8
)

// Span is a contiguous free range [Offset, Offset+Size).
type Span struct {
	Offset uint32
	Size   uint32
}

// Live describes a live allocation; Actual includes alignment rounding.
type Live struct {
	Offset    uint32
	Requested uint32
	Actual    uint32
}

// Stats is a point-in-time snapshot of allocator accounting.
type Stats struct {
	ManagedBytes    uint64 // base to committed end
	UsedBytes       uint64 // sum of actual sizes of live allocations
	FreeBytes       uint64
	FreeBlocks      int
	LiveAllocations int
	TotalAllocs     uint64
	TotalFrees      uint64
	PeakUsedBytes   uint64
}

// Allocator is a first-fit free-list allocator over [base, committed end)
// of the linear memory region. It grows the region on demand; growth and all
// list mutation happen under the allocator's mutex, so no concurrent caller
// can observe a partially-grown buffer through this path.
type Allocator struct {
	mu     sync.Mutex
	region *memory.Region
	base   uint32
	end    uint64 // committed end of the managed range; may reach 4 GiB exactly

	free []Span // sorted by Offset, adjacent spans always coalesced
	live map[uint32]Live

	usedBytes   uint64
	peakUsed    uint64
	totalAllocs uint64
	totalFrees  uint64
}

// New creates an allocator managing [base, region committed end). The region
// is grown to cover at least the base if it does not already.
func New(region *memory.Region, base uint32) (*Allocator, error) {
	if base%largeAlign != 0 {
		return nil, fmt.Errorf("freelist: base %d not %d-aligned", base, largeAlign)
	}
	if err := region.GrowTo(uint64(base)); err != nil {
		return nil, err
	}

	end := region.Len()
	a := &Allocator{
		region: region,
		base:   base,
		end:    end,
		live:   make(map[uint32]Live),
	}
	if end > uint64(base) {
		size, err := conv.Uint64ToUint32(end - uint64(base))
		if err != nil {
			return nil, err
		}
		a.free = []Span{{Offset: base, Size: size}}
	}
	return a, nil
}

// Base returns the first offset of the managed range.
func (a *Allocator) Base() uint32 {
	return a.base
}

// Allocate reserves size bytes and returns the offset. First-fit: the lowest
// free block that fits is split; if none fits, the region is grown by the
// needed amount and the search retried once. Fails with ErrOutOfMemory when
// growth is refused, leaving the allocator unchanged.
func (a *Allocator) Allocate(size uint32) (uint32, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-size allocation", ErrInvalidSize)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked(size)
}

func (a *Allocator) allocateLocked(size uint32) (uint32, error) {
	aligned := alignFor(size)

	idx := a.firstFit(aligned)
	if idx < 0 {
		if err := a.growLocked(aligned); err != nil {
			return 0, err
		}
		idx = a.firstFit(aligned)
		if idx < 0 {
			// Growth succeeded but the new tail span still does not fit;
			// should not happen since growLocked sizes for the request.
			return 0, fmt.Errorf("%w: no block for %d bytes after growth", ErrOutOfMemory, aligned)
		}
	}

	blk := &a.free[idx]
	offset := blk.Offset
	actual := aligned

	if blk.Size-aligned >= minBlock {
		blk.Offset += aligned
		blk.Size -= aligned
	} else {
		// Remainder too small to track; hand it to the allocation.
		actual = blk.Size
		a.free = append(a.free[:idx], a.free[idx+1:]...)
	}

	a.live[offset] = Live{Offset: offset, Requested: size, Actual: actual}
	a.usedBytes += uint64(actual)
	if a.usedBytes > a.peakUsed {
		a.peakUsed = a.usedBytes
	}
	a.totalAllocs++
	return offset, nil
}

// Free returns the allocation at offset to the free list and immediately
// coalesces with both neighbours. Fails with ErrInvalidFree when offset is
// not live; the allocator state is untouched in that case.
func (a *Allocator) Free(offset uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked(offset)
}

func (a *Allocator) freeLocked(offset uint32) error {
	blk, ok := a.live[offset]
	if !ok {
		return fmt.Errorf("%w: offset %d", ErrInvalidFree, offset)
	}
	delete(a.live, offset)
	a.insertFree(Span{Offset: offset, Size: blk.Actual})
	a.usedBytes -= uint64(blk.Actual)
	a.totalFrees++
	return nil
}

// Realloc resizes the allocation at offset to newSize. Shrinks happen in
// place; growth first tries to extend into an adjacent free block, then
// falls back to allocate-copy-free. After a successful call exactly one of
// the old and new allocations is live; after a failed call the old one is.
func (a *Allocator) Realloc(offset uint32, newSize uint32) (uint32, error) {
	if newSize == 0 {
		return 0, fmt.Errorf("%w: zero-size realloc", ErrInvalidSize)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	blk, ok := a.live[offset]
	if !ok {
		return 0, fmt.Errorf("%w: offset %d", ErrInvalidFree, offset)
	}

	newAligned := alignFor(newSize)

	// Shrink (or same block) in place.
	if newAligned <= blk.Actual {
		if tail := blk.Actual - newAligned; tail >= minBlock {
			a.insertFree(Span{Offset: offset + newAligned, Size: tail})
			blk.Actual = newAligned
			a.usedBytes -= uint64(tail)
		}
		blk.Requested = newSize
		a.live[offset] = blk
		return offset, nil
	}

	// Grow in place into an adjacent free block.
	needed := newAligned - blk.Actual
	if idx := a.findFreeAt(offset + blk.Actual); idx >= 0 && a.free[idx].Size >= needed {
		next := &a.free[idx]
		if next.Size-needed >= minBlock {
			next.Offset += needed
			next.Size -= needed
		} else {
			needed = next.Size
			a.free = append(a.free[:idx], a.free[idx+1:]...)
		}
		blk.Actual += needed
		blk.Requested = newSize
		a.live[offset] = blk
		a.usedBytes += uint64(needed)
		if a.usedBytes > a.peakUsed {
			a.peakUsed = a.usedBytes
		}
		return offset, nil
	}

	// Move: allocate new, copy, free old.
	newOffset, err := a.allocateLocked(newSize)
	if err != nil {
		return 0, err
	}

	n := blk.Actual
	if newAligned < n {
		n = newAligned
	}
	buf := make([]byte, n)
	if err := a.region.Read(offset, buf); err != nil {
		// Undo the new allocation; the old block stays live.
		_ = a.freeLocked(newOffset)
		return 0, err
	}
	if err := a.region.Write(newOffset, buf); err != nil {
		_ = a.freeLocked(newOffset)
		return 0, err
	}

	_ = a.freeLocked(offset)
	return newOffset, nil
}

// IsLive reports whether offset is a currently live allocation.
func (a *Allocator) IsLive(offset uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.live[offset]
	return ok
}

// LiveSize returns the actual (rounded) size of the live allocation at
// offset, or false when offset is not live.
func (a *Allocator) LiveSize(offset uint32) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	blk, ok := a.live[offset]
	return blk.Actual, ok
}

// Stats returns a snapshot of allocator accounting.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var freeBytes uint64
	for _, s := range a.free {
		freeBytes += uint64(s.Size)
	}
	return Stats{
		ManagedBytes:    a.end - uint64(a.base),
		UsedBytes:       a.usedBytes,
		FreeBytes:       freeBytes,
		FreeBlocks:      len(a.free),
		LiveAllocations: len(a.live),
		TotalAllocs:     a.totalAllocs,
		TotalFrees:      a.totalFrees,
		PeakUsedBytes:   a.peakUsed,
	}
}

// SnapshotState returns the free spans and live allocations, both sorted by
// offset, for serialization.
func (a *Allocator) SnapshotState() ([]Span, []Live) {
	a.mu.Lock()
	defer a.mu.Unlock()

	spans := make([]Span, len(a.free))
	copy(spans, a.free)

	live := make([]Live, 0, len(a.live))
	for _, blk := range a.live {
		live = append(live, blk)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Offset < live[j].Offset })
	return spans, live
}

// RestoreState replaces the allocator's book-keeping with a snapshotted
// state. The restored state must exactly tile the managed range; anything
// else fails with ErrCorruptState and leaves the allocator unchanged.
func (a *Allocator) RestoreState(spans []Span, live []Live, totalAllocs, totalFrees, peakUsed uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	end := a.region.Len()

	free := make([]Span, len(spans))
	copy(free, spans)
	liveMap := make(map[uint32]Live, len(live))
	var used uint64
	for _, blk := range live {
		liveMap[blk.Offset] = blk
		used += uint64(blk.Actual)
	}

	if err := validate(a.base, end, free, liveMap); err != nil {
		return err
	}

	a.end = end
	a.free = free
	a.live = liveMap
	a.usedBytes = used
	a.totalAllocs = totalAllocs
	a.totalFrees = totalFrees
	a.peakUsed = peakUsed
	if used > a.peakUsed {
		a.peakUsed = used
	}
	return nil
}

// Validate checks the core invariant: free and live blocks are disjoint and
// their union exactly tiles [base, committed end). Used by tests and by
// snapshot restore.
func (a *Allocator) Validate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return validate(a.base, a.end, a.free, a.live)
}

func validate(base uint32, end uint64, free []Span, live map[uint32]Live) error {
	type block struct {
		off, size uint32
		free      bool
	}
	blocks := make([]block, 0, len(free)+len(live))
	for _, s := range free {
		if s.Size == 0 {
			return fmt.Errorf("%w: zero-size free span at %d", ErrCorruptState, s.Offset)
		}
		blocks = append(blocks, block{s.Offset, s.Size, true})
	}
	for _, blk := range live {
		if blk.Actual == 0 {
			return fmt.Errorf("%w: zero-size live block at %d", ErrCorruptState, blk.Offset)
		}
		blocks = append(blocks, block{blk.Offset, blk.Actual, false})
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].off < blocks[j].off })

	cursor := uint64(base)
	prevFree := false
	for _, b := range blocks {
		if uint64(b.off) != cursor {
			return fmt.Errorf("%w: gap or overlap at offset %d (expected %d)", ErrCorruptState, b.off, cursor)
		}
		if b.free && prevFree {
			return fmt.Errorf("%w: uncoalesced free spans at %d", ErrCorruptState, b.off)
		}
		cursor = uint64(b.off) + uint64(b.size)
		prevFree = b.free
	}
	if cursor != end {
		return fmt.Errorf("%w: blocks end at %d, managed range ends at %d", ErrCorruptState, cursor, end)
	}
	return nil
}

// growLocked extends the managed range by at least need bytes by growing the
// region and appending (or extending) the tail free span.
func (a *Allocator) growLocked(need uint32) error {
	if err := a.region.GrowTo(a.end + uint64(need)); err != nil {
		if errors.Is(err, memory.ErrOutOfMemory) {
			return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
		}
		return err
	}

	newEnd := a.region.Len()
	tail, err := conv.Uint64ToUint32(newEnd - a.end)
	if err != nil {
		return err
	}

	a.insertFree(Span{Offset: uint32(a.end), Size: tail})
	a.end = newEnd
	return nil
}

// firstFit returns the index of the lowest free span of at least size bytes,
// or -1.
func (a *Allocator) firstFit(size uint32) int {
	for i := range a.free {
		if a.free[i].Size >= size {
			return i
		}
	}
	return -1
}

// findFreeAt returns the index of the free span starting exactly at offset,
// or -1.
func (a *Allocator) findFreeAt(offset uint32) int {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].Offset >= offset })
	if i < len(a.free) && a.free[i].Offset == offset {
		return i
	}
	return -1
}

// insertFree inserts a span keeping the list sorted, then coalesces with
// both neighbours so adjacent free blocks never survive past this call.
func (a *Allocator) insertFree(s Span) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].Offset >= s.Offset })

	a.free = append(a.free, Span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = s

	// Merge with the next span.
	if i+1 < len(a.free) && a.free[i].Offset+a.free[i].Size == a.free[i+1].Offset {
		a.free[i].Size += a.free[i+1].Size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	// Merge with the previous span.
	if i > 0 && a.free[i-1].Offset+a.free[i-1].Size == a.free[i].Offset {
		a.free[i-1].Size += a.free[i].Size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// alignFor rounds size up for allocation: 64-byte cache lines for large
// blocks, 8 bytes otherwise.
func alignFor(size uint32) uint32 {
	if size > largeThreshold {
		return (size + largeAlign - 1) &^ uint32(largeAlign-1)
	}
	return (size + minAlign - 1) &^ uint32(minAlign-1)
}
