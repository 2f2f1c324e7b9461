//go:build linux || darwin

package vm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// unixBackend reserves address space with an anonymous PROT_NONE mapping up
// front, then uses mprotect/madvise to commit and decommit sub-ranges of it.
// This mirrors the teacher's SharedMemoryProvider use of a single real mmap
// call, but swaps syscall for golang.org/x/sys/unix and adds the commit/
// decommit staging the original C library implements with a second mmap
// call under MAP_FIXED.
type unixBackend struct{}

// DefaultBackend returns the Backend this platform build was compiled with.
func DefaultBackend() Backend { return unixBackend{} }

func (unixBackend) Reserve(size uintptr) (uintptr, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReserve, err)
	}
	return uintptr(unsafe.Pointer(&data[0])), nil
}

func (unixBackend) Commit(addr, size uintptr, prot Prot) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	if err := unix.Mprotect(b, toUnixProt(prot)); err != nil {
		return fmt.Errorf("%w: %v", ErrCommit, err)
	}
	return nil
}

func (unixBackend) Decommit(addr, size uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("vm: decommit: %w", err)
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func (unixBackend) Release(addr, size uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("vm: release: %w", err)
	}
	return nil
}

func (unixBackend) Info() (MemoryInfo, error) {
	total, err := totalPhysicalMemory()
	if err != nil {
		return MemoryInfo{}, fmt.Errorf("vm: info: %w", err)
	}
	return MemoryInfo{
		TotalMemory: total,
		CommitSize:  DefaultCommitSize,
		PageSize:    uintptr(os.Getpagesize()),
		CommitFlags: ProtRead | ProtWrite,
	}, nil
}

func toUnixProt(prot Prot) int {
	out := unix.PROT_NONE
	if prot&ProtRead != 0 {
		out |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		out |= unix.PROT_WRITE
	}
	if prot&ProtExecute != 0 {
		out |= unix.PROT_EXEC
	}
	return out
}
