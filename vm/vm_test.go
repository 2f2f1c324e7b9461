package vm_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/walloc/vm"
)

func TestBackendReserveCommitRelease(t *testing.T) {
	b := vm.DefaultBackend()

	info, err := b.Info()
	require.NoError(t, err)
	require.Greater(t, info.PageSize, uintptr(0))
	require.Greater(t, info.TotalMemory, uintptr(0))

	size := info.PageSize * 4
	addr, err := b.Reserve(size)
	require.NoError(t, err)
	require.NotZero(t, addr)
	defer func() {
		require.NoError(t, b.Release(addr, size))
	}()

	require.NoError(t, b.Commit(addr, info.PageSize, vm.ProtRead|vm.ProtWrite))

	// Committed pages are writable and read back what was written.
	p := (*[8]byte)(unsafe.Pointer(addr))
	for i := range p {
		p[i] = 0xAB
	}
	for i := range p {
		require.Equal(t, byte(0xAB), p[i])
	}

	require.NoError(t, b.Decommit(addr, info.PageSize))
}

func TestBreakerPassesThroughUntilTripped(t *testing.T) {
	b := vm.WithBreaker(vm.DefaultBackend(), "test")
	info, err := b.Info()
	require.NoError(t, err)

	addr, err := b.Reserve(info.PageSize)
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Release(addr, info.PageSize)) }()

	require.NoError(t, b.Commit(addr, info.PageSize, vm.ProtRead|vm.ProtWrite))
}
