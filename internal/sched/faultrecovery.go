package sched

import (
	"github.com/anyos-project/corekernel/internal/mm"
)

// LockSource is anything force-unlockable by the fault-recovery path: the
// physical frame allocator, the scheduler's own lock, the TCP
// connection-table lock, and so on. Each wraps a *cpulock.CPULock.
type LockSource interface {
	IsLockedBy(cpu int) bool
	ForceUnlock()
}

// BadRSPRecovery is the fault-recovery escape path: when an ISR
// discovers cpu's stack pointer is corrupt (or a user thread violated
// an invariant), this unwinds every lock cpu holds without
// touching other CPUs' critical sections, then parks cpu on its idle
// thread so the next tick can pick up any Ready thread.
//
// badRSP is saved to a fixed slot purely for diagnostics; it plays no
// role in recovery itself.
func (s *Scheduler) BadRSPRecovery(cpu int, badRSP uint64, vmm *mm.VMM, extraLocks []LockSource, atTick uint64) {
	s.badRSP = badRSP

	s.mu.Lock()
	cs := s.cpus[cpu]
	tid := cs.currentTID
	s.mu.Unlock()

	if t, ok := s.Lookup(tid); ok {
		t.mu.Lock()
		critical := t.Critical
		t.mu.Unlock()
		if critical {
			// Spare it: mark Ready and re-enqueue.
			s.enqueue(t)
		} else {
			// Mark Terminated with exit code 139 (stack corruption) and
			// wake its waiter.
			s.terminate(t, 139, atTick)
		}
	}

	// Clear per-CPU has_thread, is_user, current_tid.
	s.mu.Lock()
	cs.hasThread = false
	cs.isUser = false
	cs.currentTID = cs.idleTID
	s.mu.Unlock()

	// If the scheduler lock was held by this CPU, force-unlock it.
	if s.lock.IsLockedBy(cpu) {
		s.lock.ForceUnlock()
	}

	// If the frame allocator or other dependent locks were held by this
	// CPU, force-unlock them.
	for _, l := range extraLocks {
		if l.IsLockedBy(cpu) {
			l.ForceUnlock()
		}
	}

	// Switch to kernel address space (CR3 = kernel_cr3) and park on the
	// idle stack; in this simulation "switching SP to the idle stack" is
	// modeled by marking the CPU's active CR3, since there is no real
	// stack to repoint.
	if vmm != nil {
		vmm.SetActiveCR3(cpu, vmm.KernelAddressSpace())
	}

	// "Enable interrupts and halt" has no analogue in a goroutine-driven
	// simulation: the caller's Run loop simply continues to the next
	// Tick, which will dispatch the idle thread (cs.currentTID is
	// already idleTID) and then any Ready thread on a subsequent tick.
}

// FaultKillAndIdle is the slow-path sibling invoked when TryExitCurrent
// can't acquire the scheduler lock: it mirrors
// BadRSPRecovery's teardown unconditionally, without the critical-thread
// sparing logic, since a thread that can't even exit cleanly via its own
// lock is assumed non-critical by construction (critical threads are
// kernel workers that never call try_exit_current).
func (s *Scheduler) FaultKillAndIdle(cpu int, signal int, vmm *mm.VMM, extraLocks []LockSource, atTick uint64) {
	s.mu.Lock()
	cs := s.cpus[cpu]
	tid := cs.currentTID
	s.mu.Unlock()

	if t, ok := s.Lookup(tid); ok {
		s.terminate(t, 128+signal, atTick)
	}

	s.mu.Lock()
	cs.hasThread = false
	cs.isUser = false
	cs.currentTID = cs.idleTID
	s.mu.Unlock()

	if s.lock.IsLockedBy(cpu) {
		s.lock.ForceUnlock()
	}
	for _, l := range extraLocks {
		if l.IsLockedBy(cpu) {
			l.ForceUnlock()
		}
	}
	if vmm != nil {
		vmm.SetActiveCR3(cpu, vmm.KernelAddressSpace())
	}
}

// BadRSP returns the diagnostic stack-pointer slot last written by
// BadRSPRecovery.
func (s *Scheduler) BadRSP() uint64 { return s.badRSP }
