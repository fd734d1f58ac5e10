package syscall

import (
	"testing"

	"github.com/anyos-project/corekernel/internal/ipc"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
	"github.com/stretchr/testify/require"
)

func TestEvtChanCreateIsIdempotentByName(t *testing.T) {
	k := newTestKernel(t)
	a := k.EvtChanCreate("compositor")
	b := k.EvtChanCreate("compositor")
	require.Equal(t, a, b)
}

func TestEvtChanEmitAndPoll(t *testing.T) {
	k := newTestKernel(t)
	chanID := k.EvtChanCreate("input")
	subID, errno := k.EvtChanSubscribe(chanID, 0)
	require.Equal(t, OK, errno)

	payload := ipc.Payload{1, 2, 3, 4, 5}
	errno = k.EvtChanEmit(chanID, payload, 0)
	require.Equal(t, OK, errno)

	got, errno := k.EvtChanPoll(chanID, subID)
	require.Equal(t, OK, errno)
	require.Equal(t, payload, got)

	_, errno = k.EvtChanPoll(chanID, subID)
	require.Equal(t, kernelerr.ErrAgain, errno)
}

func TestShmReleasedWhenThreadDies(t *testing.T) {
	k := newTestKernel(t)
	tid, errno := k.LoadAndRun(0, "/bin/true", "proc", 1)
	require.Equal(t, OK, errno)

	id, errno := k.ShmCreate(0, 4096)
	require.Equal(t, OK, errno)
	_, errno = k.ShmMap(0, tid, id)
	require.Equal(t, OK, errno)

	// While the thread still maps the region it cannot be destroyed.
	require.NotEqual(t, OK, k.ShmDestroy(0, id))

	// Killing the thread drains its mappings, so the region is
	// destroyable again.
	require.Equal(t, OK, k.Kill(tid, 1))
	require.Equal(t, OK, k.ShmDestroy(0, id))
}

func TestShmCreateMapUnmapDestroy(t *testing.T) {
	k := newTestKernel(t)
	tid, _ := k.Spawn(1, "shm-user")

	id, errno := k.ShmCreate(0, 4096)
	require.Equal(t, OK, errno)

	virt, errno := k.ShmMap(0, tid, id)
	require.Equal(t, OK, errno)
	require.NotZero(t, virt)

	errno = k.ShmUnmap(tid, id)
	require.Equal(t, OK, errno)

	errno = k.ShmDestroy(0, id)
	require.Equal(t, OK, errno)
}
