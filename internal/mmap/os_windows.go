//go:build windows

package mmap

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func osReserve(size int) ([]byte, func([]byte, int, int) error, func([]byte) error, func([]byte, AccessPattern) error, error) {
	// MEM_RESERVE claims the address range without backing it; pages become
	// accessible only after a MEM_COMMIT in osCommit.
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	commit := func(b []byte, from, to int) error {
		p := uintptr(unsafe.Pointer(&b[0])) + uintptr(from)
		_, err := windows.VirtualAlloc(p, uintptr(to-from), windows.MEM_COMMIT, windows.PAGE_READWRITE)
		return err
	}

	release := func(b []byte) error {
		// MEM_RELEASE with size 0 frees the whole reservation.
		return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
	}

	advise := func(b []byte, pattern AccessPattern) error {
		// Windows has no madvise equivalent; the OS page cache handles
		// sequential access well enough without hints.
		return nil
	}

	return data, commit, release, advise, nil
}
