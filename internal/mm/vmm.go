package mm

import (
	"sync"

	"github.com/anyos-project/corekernel/pkg/cpulock"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// VirtAddr is a virtual address.
type VirtAddr uint64

// PageFlags encodes the permission bits installed alongside a mapping.
type PageFlags uint8

const (
	FlagPresent PageFlags = 1 << iota
	FlagWritable
	FlagUser
	FlagNoExecute
	FlagWriteCombining
)

// pageTable is a single level of a simulated address space: a sparse map
// from virtual page number to the next level down (or, at the leaf
// level, to a physical frame + flags). Using a Go map instead of a
// literal 512-entry PML4/PDPT/PD/PT array is the one place this package
// departs from a byte-for-byte hardware model, since there is no MMU
// walking these tables; what matters is sharing-by-reference of
// higher-half entries and frame-for-frame accounting, both of which a
// map expresses just as faithfully.
type pageTable struct {
	entries map[uint64]*mapping
}

type mapping struct {
	phys  PhysAddr
	flags PageFlags
	// next is set when this entry is an intermediate table rather than
	// a leaf page; used only for destroy_address_space's page walk.
	next *pageTable
}

func newPageTable() *pageTable {
	return &pageTable{entries: make(map[uint64]*mapping)}
}

// higherHalfStart is the virtual address at which kernel-space mappings
// begin; anything at or above it is shared template state, anything
// below it is the per-process lower half that destroy_address_space
// tears down.
const higherHalfStart = VirtAddr(1) << 47

// AddressSpace is one process's (or the kernel's) top-level page table.
type AddressSpace struct {
	cr3    PhysAddr // identifies this address space for logging/equality
	root   *pageTable
	kernel bool
}

// CR3 returns the physical address identifying this address space.
func (as *AddressSpace) CR3() PhysAddr { return as.cr3 }

// deferredEntry is one row of DEFERRED_PD_DESTROY.
type deferredEntry struct {
	as        *AddressSpace
	waitingOn int // tid; 0 means unconditionally destroyable
}

// VMM builds, mutates, activates, and tears down address spaces, and
// owns the deferred-destruction queue shared by the scheduler's fault
// recovery path.
type VMM struct {
	frames *FrameAllocator

	mu       sync.Mutex // guards template, nextCR3, deferred, activeCR3
	template *pageTable // higher-half entries shared by every address space
	kernel   *AddressSpace
	nextCR3  uint64

	deferred []deferredEntry

	// activeCR3 is CPU-local metadata: which address space each CPU is
	// currently running on. Every read and write, by the owning CPU or
	// by a cross-CPU reader (the deferred drain), takes mu.
	activeCR3 []PhysAddr

	lock *cpulock.CPULock
}

// NewVMM creates the kernel's own address space (the template every
// other address space's higher half is copied from) and a VMM sized for
// numCPUs simulated CPUs.
func NewVMM(frames *FrameAllocator, numCPUs int) (*VMM, error) {
	if numCPUs <= 0 {
		return nil, kernelerr.New("mm", "new_vmm", kernelerr.CodeInvalidArgs, "numCPUs must be > 0")
	}
	v := &VMM{
		frames:    frames,
		template:  newPageTable(),
		activeCR3: make([]PhysAddr, numCPUs),
		lock:      cpulock.New(),
	}
	kernelCR3, err := frames.AllocFrame(0)
	if err != nil {
		return nil, kernelerr.Wrap("mm", "new_vmm", kernelerr.CodeOutOfMemory, err)
	}
	v.kernel = &AddressSpace{cr3: kernelCR3, root: v.template, kernel: true}
	for cpu := range v.activeCR3 {
		v.activeCR3[cpu] = kernelCR3
	}
	return v, nil
}

// KernelCR3 returns the physical address of the kernel-only address
// space, used during address-space destruction.
func (v *VMM) KernelCR3() PhysAddr { return v.kernel.cr3 }

// KernelAddressSpace returns the shared kernel address space.
func (v *VMM) KernelAddressSpace() *AddressSpace { return v.kernel }

// MapPage installs a single-page mapping of virt -> phys in as, with the
// given flags. Higher-half mappings (virt >= higherHalfStart) are
// installed into the shared template and are therefore immediately
// visible to every address space; this mirrors "share by pointer, not
// by content copy."
func (v *VMM) MapPage(as *AddressSpace, virt VirtAddr, phys PhysAddr, flags PageFlags) error {
	if virt >= higherHalfStart && as != v.kernel {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.template.entries[uint64(virt)] = &mapping{phys: phys, flags: flags}
		return nil
	}
	as.root.entries[uint64(virt)] = &mapping{phys: phys, flags: flags}
	return nil
}

// UnmapPage removes a single lower-half mapping from as without freeing
// the backing frame; callers that own the frame through some other
// bookkeeping (shared-memory regions) use this so DestroyAddressSpace
// does not free frames it does not own. Higher-half addresses are
// ignored: template entries are shared and never unmapped per-space.
func (v *VMM) UnmapPage(as *AddressSpace, virt VirtAddr) {
	if virt >= higherHalfStart {
		return
	}
	delete(as.root.entries, uint64(virt))
}

// Translate looks up the physical address and flags virt currently maps
// to in as, checking the per-space lower half first and falling back to
// the shared higher-half template.
func (v *VMM) Translate(as *AddressSpace, virt VirtAddr) (PhysAddr, PageFlags, bool) {
	if m, ok := as.root.entries[uint64(virt)]; ok {
		return m.phys, m.flags, true
	}
	if virt >= higherHalfStart {
		v.mu.Lock()
		defer v.mu.Unlock()
		if m, ok := v.template.entries[uint64(virt)]; ok {
			return m.phys, m.flags, true
		}
	}
	return 0, 0, false
}

// NewAddressSpace allocates a fresh top-level table for a new user
// process. The new table starts empty; no template entries are copied
// into it. Translate falls back to the shared kernel template for
// higher-half addresses, so any later v.MapPage into the higher half is
// visible to every existing address space without re-walking them.
func (v *VMM) NewAddressSpace(cpu int) (*AddressSpace, error) {
	cr3, err := v.frames.AllocFrame(cpu)
	if err != nil {
		return nil, kernelerr.Wrap("mm", "new_address_space", kernelerr.CodeOutOfMemory, err)
	}
	as := &AddressSpace{cr3: cr3, root: newPageTable()}
	return as, nil
}

// DestroyAddressSpace walks the lower half only (user region), frees
// every leaf page back to the frame allocator, then frees the top-level
// table's own frame. Must not be called while any CPU is running on
// as; callers (normally the deferred-drain path) are responsible for
// that precondition.
func (v *VMM) DestroyAddressSpace(cpu int, as *AddressSpace) error {
	if as == v.kernel {
		panic("mm: destroy_address_space: refusing to destroy the kernel address space")
	}
	for virt, m := range as.root.entries {
		if VirtAddr(virt) >= higherHalfStart {
			continue // shared template entry: not ours to free
		}
		v.frames.FreeFrame(cpu, m.phys)
		if m.next != nil {
			v.freeIntermediate(cpu, m.next)
		}
	}
	as.root.entries = nil
	v.frames.FreeFrame(cpu, as.cr3)
	return nil
}

func (v *VMM) freeIntermediate(cpu int, pt *pageTable) {
	for _, m := range pt.entries {
		v.frames.FreeFrame(cpu, m.phys)
		if m.next != nil {
			v.freeIntermediate(cpu, m.next)
		}
	}
}

// SetActiveCR3 records that cpu is now running on as. Called by the
// scheduler on every context switch.
func (v *VMM) SetActiveCR3(cpu int, as *AddressSpace) {
	v.mu.Lock()
	v.activeCR3[cpu] = as.cr3
	v.mu.Unlock()
}

// ActiveCR3 returns the address space cpu is currently running on.
func (v *VMM) ActiveCR3(cpu int) PhysAddr {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.activeCR3[cpu]
}

// EnqueueDeferredDestroy adds as to DEFERRED_PD_DESTROY. waitingOnTID is
// 0 if as is unconditionally destroyable (no other CPU can be running on
// it), or the tid of a still-live sibling thread otherwise.
func (v *VMM) EnqueueDeferredDestroy(as *AddressSpace, waitingOnTID int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deferred = append(v.deferred, deferredEntry{as: as, waitingOn: waitingOnTID})
}

// DrainDeferred destroys every queued address space whose waitingOn tid
// is zero or no longer live (per isLive), and whose cr3 is not the
// active CR3 of any CPU. It must be called from a CPU whose current CR3
// is the kernel CR3. Returns the number of address spaces
// actually destroyed.
func (v *VMM) DrainDeferred(cpu int, isLive func(tid int) bool) (int, error) {
	if v.ActiveCR3(cpu) != v.kernel.cr3 {
		return 0, kernelerr.New("mm", "drain_deferred", kernelerr.CodeInvariant, "draining CPU is not on the kernel CR3")
	}

	v.mu.Lock()
	remaining := v.deferred[:0]
	var toDestroy []*AddressSpace
	for _, e := range v.deferred {
		if e.waitingOn != 0 && isLive(e.waitingOn) {
			remaining = append(remaining, e)
			continue
		}
		if v.isActiveAnywhereLocked(e.as.cr3) {
			remaining = append(remaining, e)
			continue
		}
		toDestroy = append(toDestroy, e.as)
	}
	v.deferred = remaining
	v.mu.Unlock()

	for _, as := range toDestroy {
		if err := v.DestroyAddressSpace(cpu, as); err != nil {
			return 0, err
		}
	}
	return len(toDestroy), nil
}

func (v *VMM) isActiveAnywhereLocked(cr3 PhysAddr) bool {
	for _, active := range v.activeCR3 {
		if active == cr3 {
			return true
		}
	}
	return false
}

// PendingDeferred returns the current DEFERRED_PD_DESTROY queue depth,
// for diagnostics.
func (v *VMM) PendingDeferred() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.deferred)
}
