package arena

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

var (
	// ErrFull is returned when an allocation would exceed the arena capacity.
	// Recoverable: callers may fall back to the general allocator.
	ErrFull = errors.New("arena: arena full")
	// ErrInvalidCompaction is returned when Compact is asked to preserve more
	// bytes than are currently used. The cursor is left unchanged.
	ErrInvalidCompaction = errors.New("arena: preserve exceeds used span")
	// ErrInvalidConfig is returned for invalid construction parameters.
	ErrInvalidConfig = errors.New("arena: invalid configuration")
)

// State describes the arena lifecycle between resets.
type State uint8

const (
	// StateEmpty means no allocation since the last reset.
	StateEmpty State = iota
	// StateFilling means at least one allocation succeeded since the last reset.
	StateFilling
	// StateFull means an allocation was refused for lack of capacity.
	// Cleared by Reset or Compact.
	StateFull
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFilling:
		return "filling"
	case StateFull:
		return "full"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of arena accounting.
type Stats struct {
	Capacity       uint32 // fixed at construction
	Used           uint32 // bytes between base and cursor
	HighWaterMark  uint32 // maximum cursor observed, survives Reset
	LifetimeBytes  uint64 // cumulative bytes allocated
	LifetimeAllocs uint64
	SavedBytes     uint64 // bytes reclaimed by Compact
	Generation     uint32
	State          State
}

// Arena is a bump allocator over [base, base+capacity) of the linear memory.
// The cursor only ever moves forward under Alloc and backward under
// Reset/Compact; it never exceeds the capacity.
type Arena struct {
	name     string
	base     uint32
	capacity uint32
	align    uint32

	cursor     atomic.Int64 // bytes used, relative to base
	full       atomic.Bool
	highWater  atomic.Int64
	lifetime   atomic.Uint64
	allocs     atomic.Uint64
	saved      atomic.Uint64
	generation atomic.Uint32

	mu sync.Mutex // serializes Reset/Compact/RestoreState
}

// New creates an arena covering [base, base+capacity). The alignment must be
// a power of two and base must satisfy it, so every returned offset does too.
func New(name string, base, capacity, align uint32) (*Arena, error) {
	if align == 0 || bits.OnesCount32(align) != 1 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidConfig, align)
	}
	if base%align != 0 {
		return nil, fmt.Errorf("%w: base %d not aligned to %d", ErrInvalidConfig, base, align)
	}
	if capacity == 0 {
		return nil, fmt.Errorf("%w: zero capacity", ErrInvalidConfig)
	}

	a := &Arena{
		name:     name,
		base:     base,
		capacity: capacity,
		align:    align,
	}
	// Generation starts at 1 so the zero Handle is never valid.
	a.generation.Store(1)
	return a, nil
}

// Alloc reserves size bytes and returns the absolute offset. The returned
// offset satisfies the arena's alignment. Lock-free; safe under concurrent
// callers. Returns ErrFull when the aligned request does not fit.
func (a *Arena) Alloc(size uint32) (uint32, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-size allocation", ErrInvalidConfig)
	}

	mask := uint64(a.align - 1)
	for {
		old := a.cursor.Load()
		start := (uint64(old) + mask) &^ mask
		end := start + uint64(size)
		if end > uint64(a.capacity) {
			a.full.Store(true)
			return 0, fmt.Errorf("%w: %s tier needs %d bytes, %d of %d used",
				ErrFull, a.name, size, old, a.capacity)
		}
		if a.cursor.CompareAndSwap(old, int64(end)) {
			a.noteAlloc(size, int64(end))
			return a.base + uint32(start), nil
		}
	}
}

func (a *Arena) noteAlloc(size uint32, newCursor int64) {
	a.lifetime.Add(uint64(size))
	a.allocs.Add(1)
	for {
		hw := a.highWater.Load()
		if newCursor <= hw || a.highWater.CompareAndSwap(hw, newCursor) {
			return
		}
	}
}

// Reset moves the cursor back to the base, invalidating every offset issued
// since the last reset. O(1). The high-water mark is retained for
// diagnostics.
func (a *Arena) Reset() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	reclaimed := uint64(a.cursor.Load())
	a.cursor.Store(0)
	a.full.Store(false)
	a.generation.Add(1)
	return reclaimed
}

// Compact moves the cursor back to preserve bytes past the base, keeping the
// prefix and discarding everything allocated after it. The cursor never
// moves forward: preserving more than is currently used fails with
// ErrInvalidCompaction and leaves the arena untouched, since forward
// movement would expose uninitialized memory as live data.
func (a *Arena) Compact(preserve uint32) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	used := a.cursor.Load()
	if int64(preserve) > used {
		return 0, fmt.Errorf("%w: preserve %d, used %d", ErrInvalidCompaction, preserve, used)
	}

	reclaimed := uint64(used) - uint64(preserve)
	a.cursor.Store(int64(preserve))
	a.full.Store(false)
	a.saved.Add(reclaimed)
	a.generation.Add(1)
	return reclaimed, nil
}

// Name returns the tier name the arena was created with.
func (a *Arena) Name() string { return a.name }

// Base returns the first offset owned by the arena.
func (a *Arena) Base() uint32 { return a.base }

// Capacity returns the fixed arena capacity in bytes.
func (a *Arena) Capacity() uint32 { return a.capacity }

// Alignment returns the tier alignment.
func (a *Arena) Alignment() uint32 { return a.align }

// Used returns the bytes currently between base and cursor.
func (a *Arena) Used() uint32 { return uint32(a.cursor.Load()) }

// End returns the absolute offset one past the arena's range.
func (a *Arena) End() uint32 { return a.base + a.capacity }

// Generation returns the current generation counter.
func (a *Arena) Generation() uint32 { return a.generation.Load() }

// Contains reports whether the absolute offset lies inside the arena range.
func (a *Arena) Contains(offset uint32) bool {
	return offset >= a.base && offset < a.base+a.capacity
}

// State returns the current lifecycle state.
func (a *Arena) State() State {
	if a.full.Load() {
		return StateFull
	}
	if a.cursor.Load() == 0 {
		return StateEmpty
	}
	return StateFilling
}

// Stats returns a snapshot of the arena accounting.
func (a *Arena) Stats() Stats {
	return Stats{
		Capacity:       a.capacity,
		Used:           uint32(a.cursor.Load()),
		HighWaterMark:  uint32(a.highWater.Load()),
		LifetimeBytes:  a.lifetime.Load(),
		LifetimeAllocs: a.allocs.Load(),
		SavedBytes:     a.saved.Load(),
		Generation:     a.generation.Load(),
		State:          a.State(),
	}
}

// RestoreState rewinds the arena to a previously snapshotted state.
// Used by snapshot restore; never during normal operation.
func (a *Arena) RestoreState(used, highWater uint32, lifetimeBytes, lifetimeAllocs, saved uint64, generation uint32) error {
	if used > a.capacity || highWater > a.capacity {
		return fmt.Errorf("%w: restored cursor %d exceeds capacity %d", ErrInvalidConfig, used, a.capacity)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.cursor.Store(int64(used))
	a.highWater.Store(int64(highWater))
	a.lifetime.Store(lifetimeBytes)
	a.allocs.Store(lifetimeAllocs)
	a.saved.Store(saved)
	a.generation.Store(generation)
	a.full.Store(false)
	return nil
}
