//go:build unix || linux || darwin || freebsd || openbsd || netbsd

package mmap

import (
	"golang.org/x/sys/unix"
)

func osReserve(size int) ([]byte, func([]byte, int, int) error, func([]byte) error, func([]byte, AccessPattern) error, error) {
	// PROT_NONE reservation: the address range is claimed but every access
	// faults until committed via mprotect. MAP_NORESERVE would be redundant
	// since PROT_NONE pages carry no commit charge on Linux.
	data, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	return data, osCommit, unix.Munmap, osAdvise, nil
}

func osCommit(data []byte, from, to int) error {
	return unix.Mprotect(data[from:to], unix.PROT_READ|unix.PROT_WRITE)
}

func osAdvise(data []byte, pattern AccessPattern) error {
	var advice int
	switch pattern {
	case AccessSequential:
		advice = unix.MADV_SEQUENTIAL
	case AccessRandom:
		advice = unix.MADV_RANDOM
	default:
		advice = unix.MADV_NORMAL
	}

	err := unix.Madvise(data, advice)
	if err == unix.EINVAL {
		// Likely a page alignment issue - the hint is advisory, ignore it.
		return nil
	}
	return err
}
