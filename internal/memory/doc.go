// Package memory implements the linear memory region: a single contiguous
// 32-bit address space that grows in 64 KiB pages up to a fixed ceiling.
//
// The region owns its bytes exclusively and never hands out internal slices;
// all access goes through bounds-checked copies (Read/Write) or the atomic
// flag primitives. Committed length is monotonically non-decreasing and the
// base offset of every committed byte is stable for the lifetime of the
// region, so offsets can be stored and exchanged freely.
//
// Two backings are available:
//
//   - BackingMmap (default on supported platforms): the full maximum is
//     reserved up front as an anonymous mapping and pages are committed on
//     demand. Committed bytes never move.
//   - BackingHeap: a plain Go slice reallocated on growth. Offsets remain
//     valid because all access is offset-based, but the backing array may
//     move during GrowTo.
//
// The region also tracks which pages have been written (a roaring bitmap of
// page indexes) so snapshots of a mostly-empty address space stay sparse.
package memory
