//go:build darwin

package vm

import "golang.org/x/sys/unix"

func totalPhysicalMemory() (uintptr, error) {
	v, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0, err
	}
	return uintptr(v), nil
}
