package ipc

import (
	"sync"

	"github.com/anyos-project/corekernel/internal/mm"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// shmBaseVirt is the start of the virtual-address range shared-memory
// mappings are carved from, chosen well clear of the kernel higher half
// and any region the process's own heap/stack would use in this
// simulation.
const shmBaseVirt = mm.VirtAddr(0x7000_0000_0000)

// shmRegion is one shm_create'd region: a contiguous run of physical
// frames, identified by a global id, with a per-process mapping
// refcount.
type shmRegion struct {
	id        int
	sizeBytes int
	base      mm.PhysAddr
	numFrames int
	// mappedAt records, per address space, the virtual base it was
	// mapped at and the caller's refcount, so repeated shm_map calls by
	// threads sharing an address space are refcounted rather than
	// double-allocating virtual ranges.
	mappedAt map[*mm.AddressSpace]shmMapping
}

type shmMapping struct {
	virt     mm.VirtAddr
	refcount int
}

// ShmManager implements shm_create/shm_map/shm_unmap/shm_destroy,
// backing every region with real frames from the shared FrameAllocator so
// that two address spaces mapping the same shm id observe each other's
// writes through the allocator's mmap'd bytes.
type ShmManager struct {
	mu        sync.Mutex
	frames    *mm.FrameAllocator
	vmm       *mm.VMM
	regions   map[int]*shmRegion
	nextID    int
	nextVirt  mm.VirtAddr
}

// NewShmManager constructs a manager backed by frames and vmm.
func NewShmManager(frames *mm.FrameAllocator, vmm *mm.VMM) *ShmManager {
	return &ShmManager{
		frames:   frames,
		vmm:      vmm,
		regions:  make(map[int]*shmRegion),
		nextID:   1,
		nextVirt: shmBaseVirt,
	}
}

// Create allocates size bytes worth of frames and returns a new shm id.
func (m *ShmManager) Create(cpu int, size int) (int, error) {
	if size <= 0 {
		return 0, kernelerr.New("ipc", "shm_create", kernelerr.CodeInvalidArgs, "size must be > 0")
	}
	numFrames := (size + mm.FrameSize - 1) / mm.FrameSize
	base, err := m.frames.AllocContiguous(cpu, numFrames)
	if err != nil {
		return 0, kernelerr.Wrap("ipc", "shm_create", kernelerr.CodeOutOfMemory, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.regions[id] = &shmRegion{
		id:        id,
		sizeBytes: size,
		base:      base,
		numFrames: numFrames,
		mappedAt:  make(map[*mm.AddressSpace]shmMapping),
	}
	return id, nil
}

// Map installs id's frames into as at a free virtual range, incrementing
// as's refcount on the region if already mapped there.
func (m *ShmManager) Map(cpu int, id int, as *mm.AddressSpace) (mm.VirtAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[id]
	if !ok {
		return 0, kernelerr.New("ipc", "shm_map", kernelerr.CodeNotFound, "invalid shm id")
	}

	if existing, ok := r.mappedAt[as]; ok {
		existing.refcount++
		r.mappedAt[as] = existing
		return existing.virt, nil
	}

	virt := m.nextVirt
	m.nextVirt += mm.VirtAddr(r.numFrames * mm.FrameSize)

	for i := 0; i < r.numFrames; i++ {
		frameVirt := virt + mm.VirtAddr(i*mm.FrameSize)
		framePhys := r.base + mm.PhysAddr(i*mm.FrameSize)
		if err := m.vmm.MapPage(as, frameVirt, framePhys, mm.FlagPresent|mm.FlagWritable|mm.FlagUser); err != nil {
			return 0, kernelerr.Wrap("ipc", "shm_map", kernelerr.CodeInvariant, err)
		}
	}
	r.mappedAt[as] = shmMapping{virt: virt, refcount: 1}
	return virt, nil
}

// Unmap decrements as's refcount on id; once the refcount reaches zero
// the mapping metadata is dropped and the pages are removed from as's
// page table (the underlying frames stay owned by the region until
// Destroy, so the address space's own teardown must not free them).
func (m *ShmManager) Unmap(id int, as *mm.AddressSpace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[id]
	if !ok {
		return kernelerr.New("ipc", "shm_unmap", kernelerr.CodeNotFound, "invalid shm id")
	}
	entry, ok := r.mappedAt[as]
	if !ok {
		return nil
	}
	entry.refcount--
	if entry.refcount <= 0 {
		m.removePagesLocked(r, as, entry)
		delete(r.mappedAt, as)
	} else {
		r.mappedAt[as] = entry
	}
	return nil
}

func (m *ShmManager) removePagesLocked(r *shmRegion, as *mm.AddressSpace, entry shmMapping) {
	for i := 0; i < r.numFrames; i++ {
		m.vmm.UnmapPage(as, entry.virt+mm.VirtAddr(i*mm.FrameSize))
	}
}

// Destroy frees id's frames back to the allocator. Cleanup on thread
// exit releases the dead address space's mappings (via UnmapAll); Destroy itself is only safe
// once no address space still maps the region.
func (m *ShmManager) Destroy(cpu int, id int) error {
	m.mu.Lock()
	r, ok := m.regions[id]
	if !ok {
		m.mu.Unlock()
		return kernelerr.New("ipc", "shm_destroy", kernelerr.CodeNotFound, "invalid shm id")
	}
	if len(r.mappedAt) > 0 {
		m.mu.Unlock()
		return kernelerr.New("ipc", "shm_destroy", kernelerr.CodeBusy, "region still mapped")
	}
	delete(m.regions, id)
	m.mu.Unlock()

	for i := 0; i < r.numFrames; i++ {
		m.frames.FreeFrame(cpu, r.base+mm.PhysAddr(i*mm.FrameSize))
	}
	return nil
}

// Size returns id's size in bytes.
func (m *ShmManager) Size(id int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[id]
	if !ok {
		return 0, kernelerr.New("ipc", "shm_size", kernelerr.CodeNotFound, "invalid shm id")
	}
	return r.sizeBytes, nil
}

// Bytes returns a byte slice view of id's backing frames, for callers
// that need direct access to shared content (e.g. the compositor reading
// a window's SHM surface) rather than going through a mapped AS.
func (m *ShmManager) Bytes(id int) ([]byte, error) {
	m.mu.Lock()
	r, ok := m.regions[id]
	m.mu.Unlock()
	if !ok {
		return nil, kernelerr.New("ipc", "shm_bytes", kernelerr.CodeNotFound, "invalid shm id")
	}
	return m.frames.Bytes(r.base, r.numFrames*mm.FrameSize), nil
}

// UnmapAll drops every mapping as holds across all regions, removing
// the pages from as's page table as well; called by the scheduler's
// thread-exit cleanup path for threads whose address space is going
// away, so a region a dead thread never explicitly unmapped does not
// stay refcounted forever (and its frames are not double-freed by the
// address space's own teardown).
func (m *ShmManager) UnmapAll(as *mm.AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if entry, ok := r.mappedAt[as]; ok {
			m.removePagesLocked(r, as, entry)
			delete(r.mappedAt, as)
		}
	}
}
