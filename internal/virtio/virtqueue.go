package virtio

import (
	"sync"

	"github.com/anyos-project/corekernel/internal/mm"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// Descriptor flags.
const (
	DescFlagNext     uint16 = 1 << 0
	DescFlagWrite    uint16 = 1 << 1
	DescFlagIndirect uint16 = 1 << 2
)

// Descriptor is one entry of the descriptor ring.
type Descriptor struct {
	Addr  mm.PhysAddr
	Len   uint32
	Flags uint16
	Next  uint16
}

// UsedElem is one entry of the used ring: the head descriptor index of a
// chain the device has finished with, plus the total length it wrote.
type UsedElem struct {
	ID  uint16
	Len uint32
}

// Virtqueue is the descriptor/available/used ring triple. Size is
// fixed at construction, per the queue size negotiated by Device.Init.
type Virtqueue struct {
	mu sync.Mutex

	size uint16
	desc []Descriptor

	// freeList threads free descriptors together via Descriptor.Next,
	// headed by freeHead; -1 (encoded as size) means empty.
	freeHead uint16
	numFree  uint16

	availRing  []uint16
	availIdx   uint16 // driver's next avail slot
	usedRing   []UsedElem
	usedIdx    uint16 // driver's next used slot to write (device side, for simulation)
	lastUsed   uint16 // driver's last-seen used index
}

// NewVirtqueue allocates a queue of the given size (must be a power of
// two per VirtIO convention, but this simulation does not enforce it
// since there is no hardware ring-wrap requirement to violate).
func NewVirtqueue(size uint16) *Virtqueue {
	vq := &Virtqueue{
		size:      size,
		desc:      make([]Descriptor, size),
		availRing: make([]uint16, 0, size),
		usedRing:  make([]UsedElem, 0, size),
	}
	for i := uint16(0); i < size; i++ {
		if i+1 < size {
			vq.desc[i].Next = i + 1
		} else {
			vq.desc[i].Next = size // sentinel: end of free list
		}
	}
	vq.freeHead = 0
	vq.numFree = size
	return vq
}

// Size returns the queue's negotiated descriptor count.
func (vq *Virtqueue) Size() uint16 { return vq.size }

// AddBuf allocates len(chain) descriptors from the free list, links
// them into a chain, appends the head to the available ring, and bumps
// the available index to make it visible to the device. Returns the
// head descriptor index.
func (vq *Virtqueue) AddBuf(chain []Descriptor) (uint16, error) {
	vq.mu.Lock()
	defer vq.mu.Unlock()

	if uint16(len(chain)) > vq.numFree {
		return 0, kernelerr.New("virtio", "add_buf", kernelerr.CodeQueueFull, "not enough free descriptors")
	}

	head := vq.freeHead
	idx := head
	for i, d := range chain {
		next := vq.desc[idx].Next // free-list successor, before d clobbers it
		vq.desc[idx] = d
		vq.desc[idx].Next = next
		if i < len(chain)-1 {
			vq.desc[idx].Flags |= DescFlagNext
			idx = next
		} else {
			vq.desc[idx].Flags &^= DescFlagNext
		}
	}
	vq.freeHead = vq.desc[idx].Next
	vq.numFree -= uint16(len(chain))

	// Append head to the available ring; a real ring wraps at size, but
	// since nothing here reads availRing by raw index (PopUsed only
	// consumes usedRing), a growable slice holding the same FIFO order
	// is behaviorally identical.
	vq.availRing = append(vq.availRing, head)
	vq.availIdx++
	return head, nil
}

// DeviceConsumeOne is the device-side half of the simulation: pop the
// oldest available-ring entry so a simulated device (in this repository,
// the tests) can "process" it. Real hardware reads this
// off the shared ring directly; here the driver and device share the
// same Virtqueue instance so this is just draining availRing in order.
func (vq *Virtqueue) DeviceConsumeOne() (head uint16, chain []Descriptor, ok bool) {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	if len(vq.availRing) == 0 {
		return 0, nil, false
	}
	head = vq.availRing[0]
	vq.availRing = vq.availRing[1:]

	idx := head
	for {
		chain = append(chain, vq.desc[idx])
		if vq.desc[idx].Flags&DescFlagNext == 0 {
			break
		}
		idx = vq.desc[idx].Next
	}
	return head, chain, true
}

// DevicePushUsed is the device-side completion: push (head, len) to the
// used ring. The device must have consumed head via DeviceConsumeOne
// first; an in-flight descriptor chain is owned by the device until its
// head appears here.
func (vq *Virtqueue) DevicePushUsed(head uint16, length uint32) {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	vq.usedRing = append(vq.usedRing, UsedElem{ID: head, Len: length})
	vq.usedIdx++
}

// PopUsed compares the used-idx to the driver's last-seen used index; if
// advanced, it reads the used-ring element and frees the chain's
// descriptors back to the free list.
func (vq *Virtqueue) PopUsed() (UsedElem, bool) {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	if vq.lastUsed >= uint16(len(vq.usedRing)) {
		return UsedElem{}, false
	}
	e := vq.usedRing[vq.lastUsed]
	vq.lastUsed++

	// Free the chain back to the free list.
	idx := e.ID
	for {
		next := vq.desc[idx].Next
		hasNext := vq.desc[idx].Flags&DescFlagNext != 0
		vq.desc[idx].Next = vq.freeHead
		vq.freeHead = idx
		vq.numFree++
		if !hasNext {
			break
		}
		idx = next
	}
	return e, true
}

// NumFree returns the current free-descriptor count, for diagnostics and
// the "size 1 must still service sequential I/O" test.
func (vq *Virtqueue) NumFree() uint16 {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	return vq.numFree
}
