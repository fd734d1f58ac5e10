// Package cpulock provides the owning-CPU lock primitive every global
// kernel lock in this module is built from: the physical allocator
// lock, the scheduler lock, and the TCP connection-table lock all
// record which simulated CPU holds them so a fault on that CPU can
// force the lock open without touching any other CPU's critical
// section.
package cpulock

import "sync"

// NoOwner is the sentinel OwnerCPU value reported while the lock is free.
const NoOwner = -1

// CPULock is a mutex that additionally records which CPU id currently
// holds it. ForceUnlock is the fault-recovery escape hatch: it is only
// ever safe to call after the caller has confirmed (via IsLockedBy) that
// it is the owner, at which point it is equivalent to Unlock but named
// for the call site that's recovering from a fault rather than releasing
// the lock in the ordinary course of a critical section.
type CPULock struct {
	mu    sync.Mutex
	owner int
	set   bool
}

// New returns an unlocked CPULock.
func New() *CPULock {
	return &CPULock{owner: NoOwner}
}

// Lock blocks until the lock is acquired, then records cpu as the owner.
func (l *CPULock) Lock(cpu int) {
	l.mu.Lock()
	l.owner = cpu
	l.set = true
}

// TryLock attempts to acquire the lock without blocking. On success it
// records cpu as the owner and returns true.
func (l *CPULock) TryLock(cpu int) bool {
	if !l.mu.TryLock() {
		return false
	}
	l.owner = cpu
	l.set = true
	return true
}

// Unlock releases the lock acquired by Lock/TryLock.
func (l *CPULock) Unlock() {
	l.set = false
	l.owner = NoOwner
	l.mu.Unlock()
}

// IsLockedBy reports whether cpu currently holds the lock. Safe to
// call without holding the lock; it only reads the cached owner, which
// only the owning CPU mutates.
func (l *CPULock) IsLockedBy(cpu int) bool {
	return l.set && l.owner == cpu
}

// OwnerCPU returns the current owner, or NoOwner if unlocked.
func (l *CPULock) OwnerCPU() int {
	if !l.set {
		return NoOwner
	}
	return l.owner
}

// ForceUnlock unconditionally releases the lock. Callers must have
// already established (via IsLockedBy) that the calling CPU is the
// owner; ForceUnlock does not itself re-check this, mirroring the
// original fault handler which clears the owner-CPU slot without rolling
// back whatever mutation was in flight.
func (l *CPULock) ForceUnlock() {
	l.set = false
	l.owner = NoOwner
	l.mu.Unlock()
}
