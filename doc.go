// Package walloc provides a tiered linear-memory allocator for real-time
// rendering workloads.
//
// Walloc manages a single contiguous address space modeled on a 32-bit,
// page-granular linear memory: 64 KiB pages, uint32 offsets, a hard 4 GiB
// ceiling and zero-initialized growth that never moves or corrupts issued
// regions. Two allocation disciplines share that space: bump arenas for
// objects with well-known lifetimes (per-frame render data, per-scene data,
// per-entity data) and a first-fit general allocator with splitting and
// coalescing for everything else.
//
// # Quick Start
//
//	w, _ := walloc.New(
//	    walloc.WithTotalCapacity(64<<20),
//	    walloc.WithTierPercents(50, 30, 15),
//	)
//	defer w.Close()
//
//	// Per-frame data: bump-allocated, reclaimed wholesale.
//	h, _ := w.AllocateTiered(4096, walloc.TierRender)
//	_ = w.WriteHandle(h, vertexData)
//	// ... at the frame boundary:
//	w.ResetTier(walloc.TierRender)
//
//	// Arbitrary-lifetime data: explicit free.
//	off, _ := w.Allocate(1024)
//	defer w.Free(off)
//
// # Handles and Generations
//
// AllocateTiered returns a Handle carrying the tier's generation counter.
// Resetting or compacting a tier bumps the generation, so access through a
// handle issued before the reset fails with ErrStaleHandle instead of
// silently reading reused memory. When an arena is full the allocation
// overflows into the general allocator; the handle is tagged Fallback,
// survives tier resets and must be released with Free.
//
// # Concurrency
//
// Arena allocation is lock-free (a single compare-and-swap advances the
// cursor) and safe under concurrent callers. Resets, compactions and all
// general-allocator operations serialize internally. Reads and writes may
// run concurrently with allocation; callers writing overlapping ranges must
// coordinate among themselves, and tier resets must not race allocations in
// the same tier.
//
// # Persistence
//
// Snapshot serializes the allocator (geometry, cursors, free list and every
// dirty page, compressed) to an io.Writer; Restore rebuilds an identical
// allocator from it. Only pages actually written are stored, so a sparse
// address space produces a small snapshot.
package walloc
