// Package arena provides a fixed-capacity bump allocator over a sub-range
// of the linear memory region.
//
// # Concurrency Model
//
// Alloc is lock-free: a single compare-and-swap advances the cursor, so
// concurrent allocators never receive overlapping offsets and never block.
// Reset, Compact and RestoreState take the arena's mutex and must not run
// concurrently with allocations. The typical usage pattern is:
//   - Allocate from multiple goroutines during a frame (SAFE)
//   - Reset once at the frame/scene boundary (NOT concurrent with allocations)
//
// # Generations
//
// Every Reset and Compact bumps the generation counter. Handles carry the
// generation they were issued under; a mismatch turns "dangling reference
// after reset" into a checked error instead of silent corruption.
package arena
