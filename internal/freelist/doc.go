// Package freelist implements the general-purpose allocator: first-fit over
// a sorted free list with block splitting on allocate and eager coalescing
// on free.
//
// The allocator manages the tail of the linear memory region, from its base
// offset to the committed end, and grows the region in whole pages when the
// free list cannot satisfy a request. Eager coalescing keeps external
// fragmentation bounded; there is no periodic defragmentation pass, a
// deliberate simplicity/performance trade-off.
//
// Sizes are rounded to 8 bytes, or to a 64-byte cache line for requests
// above 1 KiB. Offset 0 is never issued: the managed range starts past the
// reserved prefix, so 0 can serve as the null sentinel at the host boundary.
//
// All operations take the allocator's mutex; free-list mutation is
// multi-step and cannot be made lock-free with a single compare-and-swap.
package freelist
