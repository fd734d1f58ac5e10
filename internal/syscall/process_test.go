package syscall

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpawnExitWait(t *testing.T) {
	k := newTestKernel(t)

	tid, errno := k.Spawn(10, "worker")
	require.Equal(t, OK, errno)
	require.NotZero(t, tid)

	k.Exit(tid, 7, 1)

	code, errno := k.Wait(tid)
	require.Equal(t, OK, errno)
	require.Equal(t, 7, code)
}

func TestWaitUnknownTID(t *testing.T) {
	k := newTestKernel(t)
	_, errno := k.Wait(999)
	require.NotEqual(t, OK, errno)
}

func TestKillThread(t *testing.T) {
	k := newTestKernel(t)
	tid, _ := k.Spawn(5, "victim")

	errno := k.Kill(tid, 2)
	require.Equal(t, OK, errno)

	code, errno := k.Wait(tid)
	require.Equal(t, OK, errno)
	require.Equal(t, 137, code)
}

func TestGetUIDIsZero(t *testing.T) {
	k := newTestKernel(t)
	require.Equal(t, uint32(0), k.GetUID())
}
