package cpulock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockUnlock(t *testing.T) {
	l := New()
	require.Equal(t, NoOwner, l.OwnerCPU())
	l.Lock(3)
	require.True(t, l.IsLockedBy(3))
	require.False(t, l.IsLockedBy(0))
	l.Unlock()
	require.Equal(t, NoOwner, l.OwnerCPU())
}

func TestTryLockContested(t *testing.T) {
	l := New()
	l.Lock(1)
	require.False(t, l.TryLock(2))
	l.Unlock()
	require.True(t, l.TryLock(2))
	require.True(t, l.IsLockedBy(2))
}

func TestForceUnlockRecoversFromFault(t *testing.T) {
	l := New()
	l.Lock(1)
	require.True(t, l.IsLockedBy(1))
	// Simulate the fault-recovery path: the faulting CPU owns the lock,
	// so it is safe to force it open.
	if l.IsLockedBy(1) {
		l.ForceUnlock()
	}
	require.Equal(t, NoOwner, l.OwnerCPU())
	require.True(t, l.TryLock(2))
}
