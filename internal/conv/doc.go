// Package conv provides checked integer conversions.
//
// Offsets in the linear memory address space are uint32 while Go slice
// indexing wants int; these helpers make the narrowing explicit and return
// errors instead of silently truncating.
package conv
