package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anyos-project/corekernel/internal/mm"
)

func TestCreateIsIdempotentByName(t *testing.T) {
	r := NewRegistry(nil)
	a := r.Create("compositor")
	b := r.Create("compositor")
	require.Equal(t, a, b)
}

func TestEmitIsFIFOPerSubscriber(t *testing.T) {
	r := NewRegistry(nil)
	ch := r.Create("evt")
	sub, err := r.Subscribe(ch, 0)
	require.NoError(t, err)

	require.NoError(t, r.Emit(ch, Payload{1}, 0))
	require.NoError(t, r.Emit(ch, Payload{2}, 0))
	require.NoError(t, r.Emit(ch, Payload{3}, 0))

	for _, want := range []uint32{1, 2, 3} {
		p, ok, err := r.Poll(ch, sub)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, p[0])
	}
	_, ok, err := r.Poll(ch, sub)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEmitUnicastRoutesToOneSubscriber(t *testing.T) {
	r := NewRegistry(nil)
	ch := r.Create("evt")
	sub1, _ := r.Subscribe(ch, 0)
	sub2, _ := r.Subscribe(ch, 0)

	require.NoError(t, r.Emit(ch, Payload{42}, sub2))

	_, ok, _ := r.Poll(ch, sub1)
	require.False(t, ok, "sub1 must not receive a unicast addressed to sub2")
	p, ok, _ := r.Poll(ch, sub2)
	require.True(t, ok)
	require.Equal(t, uint32(42), p[0])
}

func TestEmitUnicastMissingSubscriberIsSilentlyDropped(t *testing.T) {
	r := NewRegistry(nil)
	ch := r.Create("evt")
	require.NoError(t, r.Emit(ch, Payload{1}, 999))
}

func TestEmitInvalidChannelErrors(t *testing.T) {
	r := NewRegistry(nil)
	require.Error(t, r.Emit(999, Payload{}, 0))
}

func newTestShm(t *testing.T) (*mm.FrameAllocator, *mm.VMM, *ShmManager) {
	t.Helper()
	fa, err := mm.NewFrameAllocator(mm.Config{NumFrames: 256})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fa.Close() })
	vmm, err := mm.NewVMM(fa, 1)
	require.NoError(t, err)
	return fa, vmm, NewShmManager(fa, vmm)
}

func TestShmCreateMapUnmapDestroyRoundTrip(t *testing.T) {
	fa, vmm, shm := newTestShm(t)
	as, err := vmm.NewAddressSpace(0)
	require.NoError(t, err)

	before := fa.FreeCount()

	id, err := shm.Create(0, 8192)
	require.NoError(t, err)

	virt, err := shm.Map(0, id, as)
	require.NoError(t, err)
	require.NotZero(t, virt)

	require.NoError(t, shm.Unmap(id, as))
	require.NoError(t, shm.Destroy(0, id))

	require.Equal(t, before, fa.FreeCount(), "shm_map(shm_create(n)) then unmap+destroy must restore allocator state")
}

func TestShmUnmapRemovesPageTableEntries(t *testing.T) {
	_, vmm, shm := newTestShm(t)
	as, err := vmm.NewAddressSpace(0)
	require.NoError(t, err)

	id, err := shm.Create(0, 8192)
	require.NoError(t, err)
	virt, err := shm.Map(0, id, as)
	require.NoError(t, err)

	_, _, ok := vmm.Translate(as, virt)
	require.True(t, ok)

	require.NoError(t, shm.Unmap(id, as))
	_, _, ok = vmm.Translate(as, virt)
	require.False(t, ok, "unmapped shm pages must leave the page table so address-space teardown cannot free region-owned frames")
}

func TestShmUnmapAllDropsDeadThreadsMappings(t *testing.T) {
	fa, vmm, shm := newTestShm(t)
	before := fa.FreeCount()

	as, err := vmm.NewAddressSpace(0)
	require.NoError(t, err)

	id, err := shm.Create(0, 4096)
	require.NoError(t, err)
	virt, err := shm.Map(0, id, as)
	require.NoError(t, err)

	// The owning thread dies without unmapping; the scheduler's cleanup
	// path drains everything the address space still held.
	shm.UnmapAll(as)

	_, _, ok := vmm.Translate(as, virt)
	require.False(t, ok)
	require.NoError(t, shm.Destroy(0, id))

	// Tearing the address space down afterwards must not double-free the
	// region's frames.
	require.NoError(t, vmm.DestroyAddressSpace(0, as))
	require.Equal(t, before, fa.FreeCount(), "allocator must balance after region destroy + AS destroy")
}

func TestShmDestroyWhileMappedFails(t *testing.T) {
	_, vmm, shm := newTestShm(t)
	as, err := vmm.NewAddressSpace(0)
	require.NoError(t, err)

	id, err := shm.Create(0, 4096)
	require.NoError(t, err)
	_, err = shm.Map(0, id, as)
	require.NoError(t, err)

	require.Error(t, shm.Destroy(0, id))
}

func TestShmTwoAddressSpacesShareBytes(t *testing.T) {
	_, vmm, shm := newTestShm(t)
	as1, err := vmm.NewAddressSpace(0)
	require.NoError(t, err)
	as2, err := vmm.NewAddressSpace(0)
	require.NoError(t, err)

	id, err := shm.Create(0, 4096)
	require.NoError(t, err)
	_, err = shm.Map(0, id, as1)
	require.NoError(t, err)
	_, err = shm.Map(0, id, as2)
	require.NoError(t, err)

	b, err := shm.Bytes(id)
	require.NoError(t, err)
	b[0] = 0xAB

	b2, err := shm.Bytes(id)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), b2[0], "two address spaces mapping the same shm id observe each other's writes")
}
