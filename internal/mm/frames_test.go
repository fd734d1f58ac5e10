package mm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, numFrames int, reserved []Range) *FrameAllocator {
	t.Helper()
	fa, err := NewFrameAllocator(Config{NumFrames: numFrames, Reserved: reserved})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fa.Close() })
	return fa
}

func TestNewFrameAllocatorReservesRanges(t *testing.T) {
	fa := newTestAllocator(t, 16, []Range{{FirstFrame: 0, NumFrames: 4}})
	require.Equal(t, 12, fa.FreeCount())
}

func TestAllocFreeFrame(t *testing.T) {
	fa := newTestAllocator(t, 4, nil)
	p, err := fa.AllocFrame(0)
	require.NoError(t, err)
	require.Equal(t, 3, fa.FreeCount())

	fa.FreeFrame(0, p)
	require.Equal(t, 4, fa.FreeCount())
}

func TestAllocFrameExhaustion(t *testing.T) {
	fa := newTestAllocator(t, 2, nil)
	_, err := fa.AllocFrame(0)
	require.NoError(t, err)
	_, err = fa.AllocFrame(0)
	require.NoError(t, err)
	_, err = fa.AllocFrame(0)
	require.Error(t, err)
}

func TestAllocContiguous(t *testing.T) {
	fa := newTestAllocator(t, 8, nil)
	base, err := fa.AllocContiguous(0, 4)
	require.NoError(t, err)
	require.Equal(t, PhysAddr(0), base)
	require.Equal(t, 4, fa.FreeCount())
}

func TestAllocContiguousFailsWhenFragmented(t *testing.T) {
	fa := newTestAllocator(t, 4, nil)
	p0, err := fa.AllocFrame(0)
	require.NoError(t, err)
	p1, err := fa.AllocFrame(0)
	require.NoError(t, err)
	fa.FreeFrame(0, p0)
	_ = p1

	_, err = fa.AllocContiguous(0, 2)
	require.Error(t, err)
}

func TestFreeFrameDoubleFreePanics(t *testing.T) {
	fa := newTestAllocator(t, 2, nil)
	p, err := fa.AllocFrame(0)
	require.NoError(t, err)
	fa.FreeFrame(0, p)
	require.Panics(t, func() { fa.FreeFrame(0, p) })
}

func TestFreeFrameOutOfRangePanics(t *testing.T) {
	fa := newTestAllocator(t, 2, nil)
	require.Panics(t, func() { fa.FreeFrame(0, PhysAddr(1<<40)) })
}

func TestBytesViewsBackingMemory(t *testing.T) {
	fa := newTestAllocator(t, 2, nil)
	p, err := fa.AllocFrame(0)
	require.NoError(t, err)
	b := fa.Bytes(p, FrameSize)
	require.Len(t, b, FrameSize)
	b[0] = 0xAB
	require.Equal(t, byte(0xAB), fa.Bytes(p, FrameSize)[0])
}

func TestForceUnlockAfterFault(t *testing.T) {
	fa := newTestAllocator(t, 2, nil)
	fa.lock.Lock(1)
	require.True(t, fa.IsLockedBy(1))
	fa.ForceUnlock()
	require.True(t, fa.lock.TryLock(2))
}
