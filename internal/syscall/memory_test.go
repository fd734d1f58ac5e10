package syscall

import (
	"testing"

	"github.com/anyos-project/corekernel/internal/mm"
	"github.com/stretchr/testify/require"
)

func TestMmapMunmapRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	tid, _ := k.Spawn(1, "mapper")

	const virt = mm.VirtAddr(0x40000000)
	got, errno := k.Mmap(0, tid, virt, mm.FrameSize*2, true, false)
	require.Equal(t, OK, errno)
	require.Equal(t, virt, got)

	errno = k.Munmap(0, tid, virt)
	require.Equal(t, OK, errno)

	// a second unmap of the same region has nothing left to free
	errno = k.Munmap(0, tid, virt)
	require.NotEqual(t, OK, errno)
}

func TestMmapRejectsZeroLength(t *testing.T) {
	k := newTestKernel(t)
	tid, _ := k.Spawn(1, "mapper")

	_, errno := k.Mmap(0, tid, mm.VirtAddr(0x1000), 0, true, false)
	require.NotEqual(t, OK, errno)
}

func TestSbrkGrowsForward(t *testing.T) {
	k := newTestKernel(t)
	tid, _ := k.Spawn(1, "brk")

	brk := mm.VirtAddr(0x50000000)
	old, errno := k.Sbrk(0, tid, brk, mm.FrameSize)
	require.Equal(t, OK, errno)
	require.Equal(t, brk, old)

	_, errno = k.Sbrk(0, tid, brk, -1)
	require.NotEqual(t, OK, errno)
}
