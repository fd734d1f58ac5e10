package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anyos-project/corekernel/internal/mm"
)

func newTestVMM(t *testing.T, numCPUs int) *mm.VMM {
	t.Helper()
	fa, err := mm.NewFrameAllocator(mm.Config{NumFrames: 256})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fa.Close() })
	vmm, err := mm.NewVMM(fa, numCPUs)
	require.NoError(t, err)
	return vmm
}

func TestSpawnAndWait(t *testing.T) {
	s, err := New(Config{NumCPUs: 2})
	require.NoError(t, err)

	tid, err := s.Spawn(5, "worker")
	require.NoError(t, err)
	require.NotZero(t, tid)

	go s.ExitCurrent(tid, 0, 1)

	code, err := s.Wait(tid)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	tcb, ok := s.Lookup(tid)
	require.True(t, ok)
	require.Equal(t, Terminated, tcb.snapshotState())
}

func TestIdleThreadNeverEnqueued(t *testing.T) {
	s, err := New(Config{NumCPUs: 1})
	require.NoError(t, err)
	idle := s.IdleTID(0)

	tid, err := s.Spawn(3, "t")
	require.NoError(t, err)
	require.NotEqual(t, idle, tid)

	dispatched := s.Tick(0)
	require.Equal(t, tid, dispatched, "the non-idle Ready thread must be picked over idle")
}

func TestKillThreadRemovesFromQueue(t *testing.T) {
	s, err := New(Config{NumCPUs: 1})
	require.NoError(t, err)
	tid, err := s.Spawn(3, "t")
	require.NoError(t, err)

	require.NoError(t, s.KillThread(tid, 1))

	tcb, ok := s.Lookup(tid)
	require.True(t, ok)
	require.Equal(t, Terminated, tcb.snapshotState())

	// A terminated thread must never be re-dispatched.
	for i := 0; i < 4; i++ {
		require.NotEqual(t, tid, s.Tick(0))
	}
}

func TestKillCriticalThreadFails(t *testing.T) {
	s, err := New(Config{NumCPUs: 1})
	require.NoError(t, err)
	idle := s.IdleTID(0)
	tcb, ok := s.Lookup(idle)
	require.True(t, ok)
	require.True(t, tcb.Critical)
	require.Error(t, s.KillThread(idle, 1))
}

func TestExitWithoutLiveSiblingEnqueuesDeferredDestroy(t *testing.T) {
	vmm := newTestVMM(t, 1)
	s, err := New(Config{NumCPUs: 1, VMM: vmm})
	require.NoError(t, err)

	tid, err := s.LoadAndRun(0, "/bin/true", "proc", 5)
	require.NoError(t, err)

	s.ExitCurrent(tid, 0, 1)
	require.Equal(t, 1, vmm.PendingDeferred())
}

type fakeShmCleaner struct {
	drained []*mm.AddressSpace
}

func (f *fakeShmCleaner) UnmapAll(as *mm.AddressSpace) { f.drained = append(f.drained, as) }

func TestTerminateDrainsShmMappings(t *testing.T) {
	vmm := newTestVMM(t, 1)
	cleaner := &fakeShmCleaner{}
	s, err := New(Config{NumCPUs: 1, VMM: vmm, Shm: cleaner})
	require.NoError(t, err)

	tid, err := s.LoadAndRun(0, "/bin/true", "proc", 5)
	require.NoError(t, err)
	tcb, ok := s.Lookup(tid)
	require.True(t, ok)

	require.NoError(t, s.KillThread(tid, 1))
	require.Len(t, cleaner.drained, 1)
	require.Same(t, tcb.AddressSpace, cleaner.drained[0])

	// Kernel-only threads have no address space and nothing to drain.
	ktid, err := s.Spawn(5, "kthread")
	require.NoError(t, err)
	require.NoError(t, s.KillThread(ktid, 2))
	require.Len(t, cleaner.drained, 1)
}

func TestSigChldDeliveredToParent(t *testing.T) {
	s, err := New(Config{NumCPUs: 1})
	require.NoError(t, err)

	var notified int
	s.OnSigChld(func(parentTID int) { notified = parentTID })

	parent, err := s.Spawn(5, "parent")
	require.NoError(t, err)

	// Spawn records the booting CPU's current thread as the parent, so
	// re-point the child's ParentTID at our test parent directly.
	tid, err := s.Spawn(5, "child")
	require.NoError(t, err)
	tcb, _ := s.Lookup(tid)
	tcb.mu.Lock()
	tcb.ParentTID = parent
	tcb.mu.Unlock()

	s.ExitCurrent(tid, 0, 1)
	require.Equal(t, parent, notified)

	ptcb, _ := s.Lookup(parent)
	ptcb.mu.Lock()
	defer ptcb.mu.Unlock()
	require.True(t, ptcb.Signals&SigChld != 0)
}

func TestBadRSPRecoverySparesCriticalThread(t *testing.T) {
	vmm := newTestVMM(t, 1)
	s, err := New(Config{NumCPUs: 1, VMM: vmm})
	require.NoError(t, err)
	idle := s.IdleTID(0)

	s.BadRSPRecovery(0, 0xdeadbeef, vmm, nil, 1)

	tcb, ok := s.Lookup(idle)
	require.True(t, ok)
	require.NotEqual(t, Terminated, tcb.snapshotState())
	require.Equal(t, uint64(0xdeadbeef), s.BadRSP())
}

func TestBadRSPRecoveryTerminatesNonCriticalAndForceUnlocksSchedLock(t *testing.T) {
	vmm := newTestVMM(t, 1)
	s, err := New(Config{NumCPUs: 1, VMM: vmm})
	require.NoError(t, err)

	tid, err := s.Spawn(5, "victim")
	require.NoError(t, err)
	s.mu.Lock()
	s.cpus[0].currentTID = tid
	s.mu.Unlock()

	s.lock.Lock(0)
	s.BadRSPRecovery(0, 0, vmm, nil, 1)

	tcb, _ := s.Lookup(tid)
	tcb.mu.Lock()
	defer tcb.mu.Unlock()
	require.Equal(t, Terminated, tcb.State)
	require.Equal(t, 139, tcb.ExitCode)
	require.False(t, s.lock.IsLockedBy(0), "scheduler lock must be force-unlocked during recovery")
}
