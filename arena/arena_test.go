package arena_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/walloc/arena"
	"github.com/nmxmxh/walloc/vm"
)

func testInfo(t *testing.T) vm.MemoryInfo {
	t.Helper()
	info, err := vm.DefaultBackend().Info()
	require.NoError(t, err)
	info.CommitSize = 4096
	return info
}

func TestPushAlignmentAndMonotonicity(t *testing.T) {
	a, err := arena.Init(vm.DefaultBackend(), testInfo(t), 0, arena.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Destroy()) })

	prevHead := a.Head()
	for _, n := range []uintptr{40, 80, 160, 320} {
		p, err := a.Push(n)
		require.NoError(t, err)
		require.Zero(t, uintptr(p)%8)
		require.GreaterOrEqual(t, a.Head(), prevHead)
		prevHead = a.Head()
	}
}

func TestPushWriteReadAndClear(t *testing.T) {
	a, err := arena.Init(vm.DefaultBackend(), testInfo(t), 0, arena.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Destroy()) })

	p1, err := a.Push(150 * unsafe.Sizeof(int(0)))
	require.NoError(t, err)
	ints := unsafe.Slice((*int)(p1), 150)
	for i := range ints {
		ints[i] = i
	}
	for i := range ints {
		require.Equal(t, i, ints[i])
	}

	require.NoError(t, a.Clear())
	p2, err := a.Push(600)
	require.NoError(t, err)
	require.Equal(t, p1, p2)

	zeros := unsafe.Slice((*int)(p2), 150)
	for i := range zeros {
		require.Zero(t, zeros[i])
	}
}

func TestStackPushPopRoundTrip(t *testing.T) {
	a, err := arena.Init(vm.DefaultBackend(), testInfo(t), arena.FlagStack, arena.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Destroy()) })

	p1, err := a.Push(32)
	require.NoError(t, err)
	_ = p1
	p2, err := a.Push(64)
	require.NoError(t, err)
	require.NoError(t, a.Pop())
	p3, err := a.Push(48)
	require.NoError(t, err)
	require.Equal(t, p2, p3)
}

func TestPopOnNonStackArenaIsContractViolation(t *testing.T) {
	a, err := arena.Init(vm.DefaultBackend(), testInfo(t), 0, arena.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Destroy()) })

	err = a.Pop()
	require.Error(t, err)
}

func TestStartTempEndTempRestoresHead(t *testing.T) {
	a, err := arena.Init(vm.DefaultBackend(), testInfo(t), 0, arena.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Destroy()) })

	before := a.Head()
	require.NoError(t, a.StartTemp())
	_, err = a.Push(4096)
	require.NoError(t, err)
	require.NoError(t, a.EndTemp())
	require.Equal(t, before, a.Head())

	// A second StartTemp while nested is a silent no-op rather than an error.
	require.NoError(t, a.StartTemp())
	require.NoError(t, a.StartTemp())
	require.NoError(t, a.EndTemp())
}

func TestFixedArenaExhaustion(t *testing.T) {
	buf := make([]byte, 64)
	a, err := arena.InitFixed(buf, 0, arena.DefaultConfig())
	require.NoError(t, err)

	_, err = a.Push(64)
	require.NoError(t, err)
	_, err = a.Push(1)
	require.Error(t, err)
}

func TestBootstrapReservesFootprint(t *testing.T) {
	a, err := arena.Bootstrap(vm.DefaultBackend(), testInfo(t), 0, arena.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Destroy()) })

	require.Greater(t, a.Head(), a.Start())
}

func TestExtendedPushStoresSideBand(t *testing.T) {
	a, err := arena.Init(vm.DefaultBackend(), testInfo(t), arena.FlagExtended, arena.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Destroy()) })

	p, err := a.PushEx(16, 0xDEADBEEF)
	require.NoError(t, err)
	require.Equal(t, uint64(0xDEADBEEF), arena.Extended(p))
}
