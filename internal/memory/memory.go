package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/walloc/internal/mem"
	"github.com/hupe1980/walloc/internal/mmap"
)

const (
	// PageSize is the growth granularity (64 KiB, wasm page size).
	PageSize = 1 << 16
	// MaxPages caps the address space at 4 GiB (65536 pages).
	MaxPages = 1 << 16
)

var (
	// ErrOutOfMemory is returned when growth would exceed the page ceiling.
	ErrOutOfMemory = errors.New("memory: out of memory")
	// ErrOutOfBounds is returned when an access range exceeds committed memory.
	ErrOutOfBounds = errors.New("memory: access out of bounds")
	// ErrMisaligned is returned when a flag offset is not 4-byte aligned.
	ErrMisaligned = errors.New("memory: misaligned flag offset")
	// ErrClosed is returned when the region has been closed.
	ErrClosed = errors.New("memory: region is closed")
	// ErrInvalidConfig is returned for invalid page counts at construction.
	ErrInvalidConfig = errors.New("memory: invalid configuration")
)

// Backing selects how the region's bytes are stored.
type Backing int

const (
	// BackingMmap reserves the maximum up front as an anonymous mapping and
	// commits pages on demand.
	BackingMmap Backing = iota
	// BackingHeap uses a Go slice, reallocated on growth.
	BackingHeap
)

// Region is a growable linear memory of whole 64 KiB pages.
//
// Concurrency: GrowTo and Close take the exclusive lock; Read, Write and the
// flag primitives take the shared lock, so they may run concurrently with
// each other but never observe a partially-grown buffer. Writers to
// overlapping ranges must coordinate externally - the allocator guarantees
// this by never issuing overlapping live regions.
type Region struct {
	mu       sync.RWMutex
	data     []byte
	maxBytes uint64
	res      *mmap.Reservation // nil for heap backing
	closed   bool

	growGate func(delta uint64) error

	dirtyMu sync.Mutex
	dirty   *roaring.Bitmap // page indexes touched by writes
}

// New creates a region with initialPages committed and a ceiling of maxPages.
func New(initialPages, maxPages int, backing Backing) (*Region, error) {
	if maxPages <= 0 || maxPages > MaxPages {
		return nil, fmt.Errorf("%w: maxPages %d not in (0, %d]", ErrInvalidConfig, maxPages, MaxPages)
	}
	if initialPages < 0 || initialPages > maxPages {
		return nil, fmt.Errorf("%w: initialPages %d not in [0, %d]", ErrInvalidConfig, initialPages, maxPages)
	}

	r := &Region{
		maxBytes: uint64(maxPages) * PageSize,
		dirty:    roaring.New(),
	}

	initialBytes := initialPages * PageSize

	switch backing {
	case BackingMmap:
		res, err := mmap.Reserve(maxPages * PageSize)
		if err != nil {
			return nil, fmt.Errorf("reserve linear memory: %w", err)
		}
		if err := res.Commit(initialBytes); err != nil {
			_ = res.Close()
			return nil, fmt.Errorf("commit initial pages: %w", err)
		}
		r.res = res
		r.data = res.Bytes()
	case BackingHeap:
		r.data = mem.AllocAligned(initialBytes)
	default:
		return nil, fmt.Errorf("%w: unknown backing %d", ErrInvalidConfig, backing)
	}

	return r, nil
}

// Len returns the committed length in bytes (always a page multiple).
func (r *Region) Len() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.data))
}

// Pages returns the committed page count.
func (r *Region) Pages() uint32 {
	return uint32(r.Len() / PageSize)
}

// MaxBytes returns the addressable ceiling in bytes.
func (r *Region) MaxBytes() uint64 {
	return r.maxBytes
}

// GrowTo extends committed memory so that at least minBytes are addressable,
// rounding up to whole pages. A no-op when already large enough. Returns
// ErrOutOfMemory (with the region unchanged) when the ceiling would be
// exceeded; callers are expected to treat that as recoverable.
func (r *Region) GrowTo(minBytes uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if minBytes <= uint64(len(r.data)) {
		return nil
	}
	if minBytes > r.maxBytes {
		return fmt.Errorf("%w: need %d bytes, ceiling is %d", ErrOutOfMemory, minBytes, r.maxBytes)
	}

	newLen := pageAlign(minBytes)
	if newLen > r.maxBytes {
		newLen = r.maxBytes
	}

	if r.growGate != nil {
		if err := r.growGate(newLen - uint64(len(r.data))); err != nil {
			return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
		}
	}

	if r.res != nil {
		if err := r.res.Commit(int(newLen)); err != nil {
			return fmt.Errorf("commit pages: %w", err)
		}
		r.data = r.res.Bytes()
		return nil
	}

	grown := mem.AllocAligned(int(newLen))
	copy(grown, r.data)
	r.data = grown
	return nil
}

// SetGrowGate installs a hook consulted before committing delta more bytes.
// A gate error refuses the growth and surfaces as ErrOutOfMemory; used to
// enforce an external commit budget. Must be set before the region is shared.
func (r *Region) SetGrowGate(gate func(delta uint64) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.growGate = gate
}

// Read copies len(dst) bytes starting at offset into dst.
func (r *Region) Read(offset uint32, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.check(offset, uint64(len(dst))); err != nil {
		return err
	}
	copy(dst, r.data[offset:])
	return nil
}

// Write copies src into the region starting at offset.
func (r *Region) Write(offset uint32, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.check(offset, uint64(len(src))); err != nil {
		return err
	}
	copy(r.data[offset:], src)
	r.markDirty(offset, uint64(len(src)))
	return nil
}

// ReadUint32 reads a little-endian uint32 at offset.
func (r *Region) ReadUint32(offset uint32) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.check(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.data[offset:]), nil
}

// WriteUint32 writes a little-endian uint32 at offset.
func (r *Region) WriteUint32(offset uint32, v uint32) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.check(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(r.data[offset:], v)
	r.markDirty(offset, 4)
	return nil
}

// StoreFlag atomically stores v at the 4-byte-aligned offset with release
// ordering. Producers publishing out-of-band writes set their data first and
// the flag last; consumers pairing with LoadFlag observe the data writes.
func (r *Region) StoreFlag(offset uint32, v uint32) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkFlag(offset); err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.data[offset])), v)
	r.markDirty(offset, 4)
	return nil
}

// LoadFlag atomically loads the uint32 at the 4-byte-aligned offset with
// acquire ordering.
func (r *Region) LoadFlag(offset uint32) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkFlag(offset); err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.data[offset]))), nil
}

// DirtyPages returns a copy of the page indexes written so far.
func (r *Region) DirtyPages() *roaring.Bitmap {
	r.dirtyMu.Lock()
	defer r.dirtyMu.Unlock()
	return r.dirty.Clone()
}

// AdviseSequential hints the kernel that the committed range is about to be
// scanned front to back (used before snapshotting). Advisory only.
func (r *Region) AdviseSequential() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.res != nil && !r.closed {
		_ = r.res.Advise(mmap.AccessSequential)
	}
}

// Close releases the backing memory. The region is unusable afterwards.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.data = nil
	if r.res != nil {
		return r.res.Close()
	}
	return nil
}

// check validates [offset, offset+length) against committed memory.
// Caller holds at least the read lock.
func (r *Region) check(offset uint32, length uint64) error {
	if r.closed {
		return ErrClosed
	}
	if uint64(offset)+length > uint64(len(r.data)) {
		return fmt.Errorf("%w: [%d, %d) exceeds committed length %d",
			ErrOutOfBounds, offset, uint64(offset)+length, len(r.data))
	}
	return nil
}

func (r *Region) checkFlag(offset uint32) error {
	if offset%4 != 0 {
		return fmt.Errorf("%w: offset %d", ErrMisaligned, offset)
	}
	return r.check(offset, 4)
}

// markDirty records the pages covered by [offset, offset+length).
// Caller holds at least the read lock; the bitmap has its own mutex since
// roaring bitmaps are not safe for concurrent mutation.
func (r *Region) markDirty(offset uint32, length uint64) {
	first := uint64(offset) / PageSize
	last := (uint64(offset) + length - 1) / PageSize

	r.dirtyMu.Lock()
	r.dirty.AddRange(first, last+1)
	r.dirtyMu.Unlock()
}

func pageAlign(n uint64) uint64 {
	return (n + PageSize - 1) &^ uint64(PageSize-1)
}
