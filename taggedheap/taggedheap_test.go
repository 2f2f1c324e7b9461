package taggedheap_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/walloc/taggedheap"
	"github.com/nmxmxh/walloc/vm"
)

func testInfo(t *testing.T) vm.MemoryInfo {
	t.Helper()
	info, err := vm.DefaultBackend().Info()
	require.NoError(t, err)
	info.CommitSize = 1 << 16
	return info
}

const wordSize = unsafe.Sizeof(int(0))

func TestTagIsolationAndFreeErasure(t *testing.T) {
	h, err := taggedheap.Bootstrap(vm.DefaultBackend(), testInfo(t), 65*wordSize, 0, 0, taggedheap.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Destroy()) })

	const (
		tagA = 0
		tagB = 1
		tagC = 2
	)

	pa, err := h.Alloc(tagA, 64*wordSize)
	require.NoError(t, err)
	pb, err := h.Alloc(tagB, 64*wordSize)
	require.NoError(t, err)
	pc, err := h.Alloc(tagC, 64*wordSize)
	require.NoError(t, err)

	a := unsafe.Slice((*int)(pa), 64)
	b := unsafe.Slice((*int)(pb), 64)
	c := unsafe.Slice((*int)(pc), 64)
	for i := 0; i < 64; i++ {
		a[i] = i
		b[i] = 64 - i
		c[i] = 64 + i
	}

	require.NoError(t, h.Free(tagB))

	pb2, err := h.Alloc(tagB, 64*wordSize)
	require.NoError(t, err)
	b2 := unsafe.Slice((*int)(pb2), 64)
	for i := 0; i < 64; i++ {
		require.Zero(t, b2[i])
	}

	// A and C are untouched by B's free/realloc cycle.
	for i := 0; i < 64; i++ {
		require.Equal(t, i, a[i])
		require.Equal(t, 64+i, c[i])
	}
}

func TestOversizeAllocIsContractViolation(t *testing.T) {
	h, err := taggedheap.Bootstrap(vm.DefaultBackend(), testInfo(t), 64, 0, 0, taggedheap.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Destroy()) })

	_, err = h.Alloc(0, 64)
	require.NoError(t, err)

	h2, err := taggedheap.Bootstrap(vm.DefaultBackend(), testInfo(t), 64, 0, 0, taggedheap.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h2.Destroy()) })
	_, err = h2.Alloc(0, 65)
	require.Error(t, err)
}

func TestTagOutOfRange(t *testing.T) {
	h, err := taggedheap.Bootstrap(vm.DefaultBackend(), testInfo(t), 64, 4, 0, taggedheap.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Destroy()) })

	_, err = h.Alloc(4, 8)
	require.Error(t, err)
	_, err = h.Alloc(-1, 8)
	require.Error(t, err)
}

func TestBestFitPicksSmallestFittingSubArena(t *testing.T) {
	const subArena = 1000
	h, err := taggedheap.Bootstrap(vm.DefaultBackend(), testInfo(t), subArena, 0, taggedheap.FlagSearchForBestFit, taggedheap.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Destroy()) })

	const tag = 0

	// sub1: first allocation creates the head sub-arena, consuming ~100
	// of 1000 bytes (rounded up to the heap's 8-byte alignment) and
	// leaving ~900 free.
	p1, err := h.Alloc(tag, 100)
	require.NoError(t, err)

	// sub2: 901 bytes overflows sub1's remaining space, so a new
	// sub-arena is created and linked at the head; it absorbs the full
	// 901-byte request, leaving ~96 free.
	p2, err := h.Alloc(tag, 901)
	require.NoError(t, err)

	// sub3: 950 bytes overflows sub2's remaining ~96, and (with best fit
	// enabled) sub1's remaining ~896 doesn't fit a 950-byte request
	// either, so a third sub-arena is created, leaving ~48 free. Chain
	// head is now sub3 -> sub2 -> sub1.
	p3, err := h.Alloc(tag, 950)
	require.NoError(t, err)

	// The head (sub3, ~48 free) can't fit an 80-byte request. Best fit
	// scans sub2 (~96 free, fits) and sub1 (~896 free, fits) and must
	// pick the smaller fit: sub2.
	p4, err := h.Alloc(tag, 80)
	require.NoError(t, err)

	inSubArena := func(base, ptr unsafe.Pointer) bool {
		b, p := uintptr(base), uintptr(ptr)
		return p >= b && p < b+subArena
	}
	require.True(t, inSubArena(p2, p4), "80-byte best-fit request should land in sub2 (least remaining space among those that fit), not sub1 (most remaining) or sub3 (head, doesn't fit)")
	require.False(t, inSubArena(p1, p4))
	require.False(t, inSubArena(p3, p4))
}
