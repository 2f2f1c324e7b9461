//go:build linux

package vm

import "golang.org/x/sys/unix"

func totalPhysicalMemory() (uintptr, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uintptr(info.Totalram) * uintptr(info.Unit), nil
}
