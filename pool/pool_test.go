package pool_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/walloc/arena"
	"github.com/nmxmxh/walloc/pool"
	"github.com/nmxmxh/walloc/vm"
)

func testInfo(t *testing.T) vm.MemoryInfo {
	t.Helper()
	info, err := vm.DefaultBackend().Info()
	require.NoError(t, err)
	info.CommitSize = 4096
	return info
}

func TestRetrieveReleaseLIFOOrder(t *testing.T) {
	p, err := pool.Bootstrap(vm.DefaultBackend(), testInfo(t), 8, 0, pool.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Destroy()) })

	slots := make([]unsafe.Pointer, 100)
	for i := range slots {
		s, err := p.Retrieve()
		require.NoError(t, err)
		slots[i] = s
	}
	require.Equal(t, 100, p.Count())

	for i := 0; i < 100; i += 2 {
		require.NoError(t, p.Release(slots[i]))
	}
	require.Equal(t, 50, p.Count())

	for i := 0; i < 50; i++ {
		got, err := p.Retrieve()
		require.NoError(t, err)
		want := slots[98-2*i]
		require.Equal(t, want, got)
	}
}

// fixedPool builds a pool directly over an InitFixed arena (no bootstrap
// footprint), so a 1 KiB buffer with 16-byte elements holds exactly 64
// slots, matching spec.md's S4/boundary scenario precisely.
func fixedPool(t *testing.T, size int, elemSize uintptr, flags pool.Flags) *pool.Pool {
	t.Helper()
	buf := make([]byte, size)
	a, err := arena.InitFixed(buf, 0, arena.DefaultConfig())
	require.NoError(t, err)
	p, err := pool.Init(a, elemSize, flags|pool.FlagFixedSize, pool.DefaultConfig())
	require.NoError(t, err)
	return p
}

func TestFixedPoolExhaustion(t *testing.T) {
	p := fixedPool(t, 1024, 16, 0)

	for i := 0; i < 64; i++ {
		_, err := p.Retrieve()
		require.NoError(t, err)
	}
	_, err := p.Retrieve()
	require.Error(t, err)
}

func TestFixedPoolExhaustionRecoversAfterRelease(t *testing.T) {
	p := fixedPool(t, 1024, 16, 0)

	var slots []unsafe.Pointer
	for i := 0; i < 64; i++ {
		s, err := p.Retrieve()
		require.NoError(t, err)
		slots = append(slots, s)
	}
	_, err := p.Retrieve()
	require.Error(t, err)

	require.NoError(t, p.Release(slots[0]))
	got, err := p.Retrieve()
	require.NoError(t, err)
	require.Equal(t, slots[0], got)
}

func TestElementSizeBelowPointerSizeRejected(t *testing.T) {
	buf := make([]byte, 256)
	_, err := pool.BootstrapFixed(buf, 1, 0, pool.DefaultConfig())
	require.Error(t, err)
}

func TestDoubleFreeDetected(t *testing.T) {
	p, err := pool.Bootstrap(vm.DefaultBackend(), testInfo(t), 8, 0, pool.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Destroy()) })

	s, err := p.Retrieve()
	require.NoError(t, err)
	require.NoError(t, p.Release(s))
	err = p.Release(s)
	require.Error(t, err)
}

func TestCompactingReleaseSwapsWithLast(t *testing.T) {
	p, err := pool.Bootstrap(vm.DefaultBackend(), testInfo(t), 8, pool.FlagCompacting, pool.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Destroy()) })

	var slots []unsafe.Pointer
	for i := 0; i < 8; i++ {
		s, err := p.Retrieve()
		require.NoError(t, err)
		slots = append(slots, s)
	}
	// Tag the last live slot with a distinguishing value so the swap is
	// observable by content rather than by address identity: compacting
	// release copies bytes into the freed index, it never moves addresses.
	*(*int64)(slots[7]) = 0xBEEF

	require.NoError(t, p.Release(slots[2]))
	require.Equal(t, 7, p.Count())
	require.Equal(t, int64(0xBEEF), *(*int64)(p.At(2)),
		"swap-with-last copies the former last slot's content into the freed index")
}

func TestIndexAndAt(t *testing.T) {
	p, err := pool.Bootstrap(vm.DefaultBackend(), testInfo(t), 8, 0, pool.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Destroy()) })

	s0, err := p.Retrieve()
	require.NoError(t, err)
	s1, err := p.Retrieve()
	require.NoError(t, err)

	require.Equal(t, 0, p.Index(s0))
	require.Equal(t, 1, p.Index(s1))
	require.Equal(t, s1, p.At(1))
	require.Equal(t, -1, p.Index(unsafe.Pointer(uintptr(1))))
}
