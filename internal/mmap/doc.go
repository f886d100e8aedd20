// Package mmap provides anonymous reserve/commit memory mappings.
//
// # Overview
//
// The linear memory region needs a contiguous address range that can grow
// in page increments without ever moving already-committed bytes. Reserving
// the full maximum up front (inaccessible) and committing pages on demand
// gives exactly that: offsets stay stable, uncommitted pages stay unbacked,
// and touching memory past the committed length faults instead of silently
// corrupting neighbours.
//
// # Usage
//
//	r, err := mmap.Reserve(maxBytes)
//	if err != nil { ... }
//	defer r.Close()
//
//	// Commit the first 64 KiB; the returned slice is zero-initialized.
//	if err := r.Commit(65536); err != nil { ... }
//	data := r.Bytes()
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with PROT_NONE for the reservation,
//     mprotect(2) to commit pages read-write
//   - Windows: VirtualAlloc with MEM_RESERVE, then MEM_COMMIT
//
// # Thread Safety
//
// Commit and Close must be externally synchronized. Bytes of an already
// committed prefix may be read and written concurrently.
package mmap
