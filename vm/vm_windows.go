//go:build windows

package vm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsBackend maps Reserve/Commit/Decommit/Release directly onto
// VirtualAlloc/VirtualFree the way wbi__allocateVirtualSpace and
// wbi__commitMemory do in the original library's win32 path; unlike the
// unix build, Windows natively supports committing a sub-range of an
// existing reservation, so no mprotect-style staging is needed.
type windowsBackend struct{}

// DefaultBackend returns the Backend this platform build was compiled with.
func DefaultBackend() Backend { return windowsBackend{} }

func (windowsBackend) Reserve(size uintptr) (uintptr, error) {
	addr, err := windows.VirtualAlloc(0, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReserve, err)
	}
	return addr, nil
}

func (windowsBackend) Commit(addr, size uintptr, prot Prot) error {
	_, err := windows.VirtualAlloc(addr, size, windows.MEM_COMMIT, toWindowsProt(prot))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommit, err)
	}
	return nil
}

func (windowsBackend) Decommit(addr, size uintptr) error {
	if err := windows.VirtualFree(addr, size, windows.MEM_DECOMMIT); err != nil {
		return fmt.Errorf("vm: decommit: %w", err)
	}
	return nil
}

func (windowsBackend) Release(addr, size uintptr) error {
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("vm: release: %w", err)
	}
	return nil
}

func (windowsBackend) Info() (MemoryInfo, error) {
	var status windows.MemoryStatusEx
	status.Length = uint32(unsafe.Sizeof(status))
	if err := windows.GlobalMemoryStatusEx(&status); err != nil {
		return MemoryInfo{}, fmt.Errorf("vm: info: %w", err)
	}
	var sysInfo windows.SystemInfo
	windows.GetSystemInfo(&sysInfo)
	return MemoryInfo{
		TotalMemory: uintptr(status.TotalPhys),
		CommitSize:  DefaultCommitSize,
		PageSize:    uintptr(sysInfo.PageSize),
		CommitFlags: ProtRead | ProtWrite,
	}, nil
}

func toWindowsProt(prot Prot) uint32 {
	switch {
	case prot&ProtExecute != 0 && prot&ProtWrite != 0:
		return windows.PAGE_EXECUTE_READWRITE
	case prot&ProtExecute != 0 && prot&ProtRead != 0:
		return windows.PAGE_EXECUTE_READ
	case prot&ProtExecute != 0:
		return windows.PAGE_EXECUTE
	case prot&ProtWrite != 0:
		return windows.PAGE_READWRITE
	case prot&ProtRead != 0:
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_NOACCESS
	}
}
