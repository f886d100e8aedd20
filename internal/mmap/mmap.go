package mmap

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrClosed is returned when attempting to use a closed reservation.
	ErrClosed = errors.New("mmap: reservation is closed")
	// ErrInvalidSize is returned when a size is negative or zero.
	ErrInvalidSize = errors.New("mmap: invalid size")
	// ErrCommitShrink is returned when Commit is called with a length smaller
	// than what is already committed. Committed memory never shrinks.
	ErrCommitShrink = errors.New("mmap: committed length cannot shrink")
)

// AccessPattern provides hints to the kernel about how the data will be accessed.
type AccessPattern int

const (
	// AccessDefault is the default access pattern (no specific advice).
	AccessDefault AccessPattern = iota
	// AccessSequential expects data to be accessed sequentially.
	AccessSequential
	// AccessRandom expects data to be accessed randomly.
	AccessRandom
)

// Reservation is a contiguous anonymous mapping of fixed maximum size.
// Pages are inaccessible until committed; the base address never changes,
// so byte offsets into the reservation remain valid across commits.
type Reservation struct {
	data      []byte // full reserved range
	committed int
	closed    atomic.Bool
	// Platform-specific hooks captured at reservation time.
	commit  func(data []byte, from, to int) error
	release func(data []byte) error
	advise  func(data []byte, pattern AccessPattern) error
}

// Reserve reserves size bytes of address space without backing memory.
func Reserve(size int) (*Reservation, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	data, commit, release, advise, err := osReserve(size)
	if err != nil {
		return nil, err
	}

	return &Reservation{
		data:    data,
		commit:  commit,
		release: release,
		advise:  advise,
	}, nil
}

// Commit makes the prefix [0, length) readable and writable. Newly committed
// pages are zero-initialized by the OS. Commit never shrinks: a length below
// the current committed length is an error, an equal one is a no-op.
// Commit boundaries must be multiples of the OS page size (the unix
// implementation mprotects at page granularity).
func (r *Reservation) Commit(length int) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if length < 0 || length > len(r.data) {
		return ErrInvalidSize
	}
	if length < r.committed {
		return ErrCommitShrink
	}
	if length == r.committed {
		return nil
	}

	if err := r.commit(r.data, r.committed, length); err != nil {
		return err
	}
	r.committed = length
	return nil
}

// Bytes returns the committed prefix of the reservation.
func (r *Reservation) Bytes() []byte {
	if r.closed.Load() {
		return nil
	}
	return r.data[:r.committed]
}

// Committed returns the committed length in bytes.
func (r *Reservation) Committed() int {
	return r.committed
}

// Max returns the reserved (maximum) length in bytes.
func (r *Reservation) Max() int {
	return len(r.data)
}

// Advise hints the kernel about the expected access pattern for the
// committed prefix. Advisory only; errors from unsupported platforms are
// swallowed by the platform layer.
func (r *Reservation) Advise(pattern AccessPattern) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.committed == 0 {
		return nil
	}
	return r.advise(r.data[:r.committed], pattern)
}

// Close releases the reservation. It is idempotent. The caller must ensure
// no goroutine touches Bytes() after Close returns.
func (r *Reservation) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.release(r.data)
}
