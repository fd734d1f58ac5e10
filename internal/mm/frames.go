// Package mm implements the physical frame allocator and the
// virtual memory manager. Both are modeled over host memory: a
// single unix.Mmap'd anonymous region stands in for physical RAM, and a
// FrameAllocator hands out 4096-byte slices of it exactly the way the
// original hands out physical frames from an E820-derived bitmap.
package mm

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/anyos-project/corekernel/internal/logging"
	"github.com/anyos-project/corekernel/pkg/cpulock"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
)

// FrameSize is the fixed physical frame size.
const FrameSize = 4096

// PhysAddr is a physical address, always frame-aligned when it names a
// frame.
type PhysAddr uint64

// Range marks an inclusive-exclusive range of frame indices reserved
// before the allocator is handed control, e.g. the kernel image,
// bootloader scratch, or a device's identity-mapped range.
type Range struct {
	FirstFrame int
	NumFrames  int
}

// Config configures a new FrameAllocator.
type Config struct {
	NumFrames int
	Reserved  []Range
	Logger    *logging.Logger
}

// FrameAllocator owns simulated physical RAM: a bitmap of free/owned
// frames guarded by a single CPULock, plus the mmap'd bytes a frame's
// PhysAddr indexes into.
type FrameAllocator struct {
	lock      *cpulock.CPULock
	bitmap    []uint64 // bit set => frame is free
	numFrames int
	freeCount int
	mem       []byte
	logger    *logging.Logger
}

// NewFrameAllocator mmaps numFrames*FrameSize bytes of anonymous memory
// and marks every frame free except the ranges in cfg.Reserved, mirroring
// initialization "from a memory map ... by reserving kernel image,
// bootloader scratch, and device-claimed identity regions as non-free."
func NewFrameAllocator(cfg Config) (*FrameAllocator, error) {
	if cfg.NumFrames <= 0 {
		return nil, kernelerr.New("mm", "new_frame_allocator", kernelerr.CodeInvalidArgs, "numFrames must be > 0")
	}

	mem, err := unix.Mmap(-1, 0, cfg.NumFrames*FrameSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, kernelerr.Wrap("mm", "new_frame_allocator", kernelerr.CodeOutOfMemory, err)
	}

	words := (cfg.NumFrames + 63) / 64
	fa := &FrameAllocator{
		lock:      cpulock.New(),
		bitmap:    make([]uint64, words),
		numFrames: cfg.NumFrames,
		mem:       mem,
		logger:    cfg.Logger,
	}
	for i := range fa.bitmap {
		fa.bitmap[i] = ^uint64(0)
	}
	// Clear any bits beyond numFrames in the final word.
	if rem := cfg.NumFrames % 64; rem != 0 {
		fa.bitmap[words-1] = (uint64(1) << uint(rem)) - 1
	}
	fa.freeCount = cfg.NumFrames

	for _, r := range cfg.Reserved {
		for f := r.FirstFrame; f < r.FirstFrame+r.NumFrames && f < cfg.NumFrames; f++ {
			if fa.clearBit(f) {
				fa.freeCount--
			}
		}
	}

	if fa.logger != nil {
		fa.logger.Infof("frame allocator ready: %d frames, %d reserved", cfg.NumFrames, cfg.NumFrames-fa.freeCount)
	}
	return fa, nil
}

func (fa *FrameAllocator) setBit(frame int) (wasFree bool) {
	word, bit := frame/64, uint(frame%64)
	old := fa.bitmap[word]
	fa.bitmap[word] = old | (1 << bit)
	return old&(1<<bit) == 0
}

func (fa *FrameAllocator) clearBit(frame int) (wasFree bool) {
	word, bit := frame/64, uint(frame%64)
	old := fa.bitmap[word]
	fa.bitmap[word] = old &^ (1 << bit)
	return old&(1<<bit) != 0
}

func (fa *FrameAllocator) testBit(frame int) bool {
	word, bit := frame/64, uint(frame%64)
	return fa.bitmap[word]&(1<<bit) != 0
}

func (fa *FrameAllocator) frameAddr(frame int) PhysAddr {
	return PhysAddr(frame * FrameSize)
}

func (fa *FrameAllocator) frameIndex(p PhysAddr) int {
	return int(p) / FrameSize
}

// AllocFrame returns one free frame, or an error if none remain. Failure
// is an expected outcome, never a panic.
func (fa *FrameAllocator) AllocFrame(cpu int) (PhysAddr, error) {
	fa.lock.Lock(cpu)
	defer fa.lock.Unlock()

	for f := 0; f < fa.numFrames; f++ {
		if fa.testBit(f) {
			fa.clearBit(f) // single atomic step, so a mid-mutation fault cannot corrupt the bitmap
			fa.freeCount--
			return fa.frameAddr(f), nil
		}
	}
	return 0, kernelerr.New("mm", "alloc_frame", kernelerr.CodeOutOfMemory, "no free frames")
}

// AllocContiguous returns the base of n consecutive free frames, or
// fails; a contiguous-allocation failure is a valid outcome.
func (fa *FrameAllocator) AllocContiguous(cpu int, n int) (PhysAddr, error) {
	if n <= 0 {
		return 0, kernelerr.New("mm", "alloc_contiguous", kernelerr.CodeInvalidArgs, "n must be > 0")
	}
	fa.lock.Lock(cpu)
	defer fa.lock.Unlock()

	run := 0
	for f := 0; f < fa.numFrames; f++ {
		if fa.testBit(f) {
			run++
			if run == n {
				start := f - n + 1
				for i := start; i <= f; i++ {
					fa.clearBit(i)
				}
				fa.freeCount -= n
				return fa.frameAddr(start), nil
			}
		} else {
			run = 0
		}
	}
	return 0, kernelerr.New("mm", "alloc_contiguous", kernelerr.CodeOutOfMemory, fmt.Sprintf("no run of %d contiguous frames", n))
}

// FreeFrame returns a frame to the free set. Freeing an already-free
// frame is an invariant violation (double-free) and panics; only kernel
// bugs, never guest-reachable conditions, panic.
func (fa *FrameAllocator) FreeFrame(cpu int, p PhysAddr) {
	fa.lock.Lock(cpu)
	defer fa.lock.Unlock()

	f := fa.frameIndex(p)
	if f < 0 || f >= fa.numFrames {
		panic(fmt.Sprintf("mm: free_frame: out-of-range physical address %#x", p))
	}
	if !fa.setBit(f) {
		panic(fmt.Sprintf("mm: free_frame: double free of frame %#x", p))
	}
	fa.freeCount++
}

// Bytes returns the simulated physical memory backing p for length
// bytes. Callers (page-table walks, DMA bounce buffers, virtqueue rings)
// use this instead of a real physical-to-virtual identity map.
func (fa *FrameAllocator) Bytes(p PhysAddr, length int) []byte {
	return fa.mem[int(p) : int(p)+length]
}

// IsLockedBy reports whether cpu holds the allocator lock.
func (fa *FrameAllocator) IsLockedBy(cpu int) bool { return fa.lock.IsLockedBy(cpu) }

// ForceUnlock is the fault-recovery escape hatch:
// callers must have already confirmed IsLockedBy(cpu) before calling.
func (fa *FrameAllocator) ForceUnlock() { fa.lock.ForceUnlock() }

// FreeCount returns the number of currently-free frames.
func (fa *FrameAllocator) FreeCount() int {
	// freeCount is only mutated under lock; a racy read here is
	// acceptable for diagnostics (sysinfo kind 0) but callers that need
	// a consistent snapshot should pair this with their own lock.
	return fa.freeCount
}

// NumFrames returns the total frame count this allocator was created with.
func (fa *FrameAllocator) NumFrames() int { return fa.numFrames }

// Close releases the backing mmap. Only safe once every subsystem built
// on top of this allocator has stopped.
func (fa *FrameAllocator) Close() error {
	if fa.mem == nil {
		return nil
	}
	err := unix.Munmap(fa.mem)
	fa.mem = nil
	return err
}
