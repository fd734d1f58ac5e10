// Package syscall translates the external syscall ABI onto the
// subsystem packages that actually implement each call: internal/sched
// for process control, internal/mm for memory, internal/tcp for
// networking, internal/ipc for event channels and shared memory,
// internal/block for disk partitioning, and internal/compositor for the
// GPU query calls. One façade type translates the external,
// numerically-coded interface onto the packages' own Go APIs, returning
// the small negative-integer Errno ABI instead of Go errors at this one
// boundary.
package syscall

import (
	"sync"

	"github.com/anyos-project/corekernel/internal/block"
	"github.com/anyos-project/corekernel/internal/compositor"
	"github.com/anyos-project/corekernel/internal/ipc"
	"github.com/anyos-project/corekernel/internal/logging"
	"github.com/anyos-project/corekernel/internal/mm"
	"github.com/anyos-project/corekernel/internal/sched"
	"github.com/anyos-project/corekernel/internal/tcp"
	"github.com/anyos-project/corekernel/pkg/kernelerr"
	"github.com/anyos-project/corekernel/pkg/sysinfo"
)

// Errno is the syscall-boundary ABI; aliased from pkg/kernelerr so
// every subsystem's error Code maps onto it the same way.
type Errno = kernelerr.Errno

// OK is the zero/success Errno.
const OK = kernelerr.OK

// FileSystem is the external collaborator the file syscalls are
// delegated to; filesystem internals (FAT/ISO9660) live outside this
// module. The interface pins down only the contract those syscalls
// expect so a real filesystem package can be wired in without touching
// this file. Config.FS is nil by default. Kernel implements no file
// syscall methods, and nothing in this package calls Config.FS.
type FileSystem interface {
	Open(path string, flags int) (fd int, err error)
	Close(fd int) error
	Read(fd int, buf []byte) (n int, err error)
	Write(fd int, buf []byte) (n int, err error)
	Seek(fd int, offset int64, whence int) (int64, error)
	Stat(path string) (size int64, err error)
}

// Resolver is the external collaborator dns_resolve delegates to; like
// FileSystem, this pins down the contract only. Nil by default.
type Resolver interface {
	Resolve(host string) (ip uint32, err error)
}

// Config wires a Kernel over already-constructed subsystem instances.
// Process-level assembly (how many CPUs, which backend to probe) is the
// job of cmd/anyos-kernel; this package only translates calls onto
// whatever it is handed.
type Config struct {
	Logger     *logging.Logger
	Sched      *sched.Scheduler
	Frames     *mm.FrameAllocator
	VMM        *mm.VMM
	IPC        *ipc.Registry
	Shm        *ipc.ShmManager
	TCP        *tcp.Stack
	Disk       *block.Registry
	Desktop    *compositor.Desktop
	FS         FileSystem
	DNS        Resolver
	// Sys, when set, records every sysinfo table served so the
	// diagnostics surface can expose history as well as current state.
	Sys *sysinfo.Store
}

// Kernel is the single syscall-translation façade a process's thread
// context calls into.
type Kernel struct {
	cfg Config

	mu       sync.Mutex
	nextFD   int
	tcpConns map[int]tcp.Tuple // fd -> connection tuple
	tcpListeners map[int]uint16 // fd -> listening port
	mmapRegions map[mmapKey]mmapEntry

	udp *udpMux
}

type mmapKey struct {
	as   *mm.AddressSpace
	virt mm.VirtAddr
}

type mmapEntry struct {
	base      mm.PhysAddr
	numFrames int
}

// New constructs a Kernel over cfg.
func New(cfg Config) *Kernel {
	return &Kernel{
		cfg:          cfg,
		nextFD:       3, // 0/1/2 reserved for stdio, per the Files syscall convention
		tcpConns:     make(map[int]tcp.Tuple),
		tcpListeners: make(map[int]uint16),
		mmapRegions:  make(map[mmapKey]mmapEntry),
		udp:          newUDPMux(),
	}
}

func (k *Kernel) allocFD() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	fd := k.nextFD
	k.nextFD++
	return fd
}

func (k *Kernel) logf(format string, args ...any) {
	if k.cfg.Logger != nil {
		k.cfg.Logger.Debugf(format, args...)
	}
}

// threadAddressSpace returns tid's address space, or the kernel address
// space for kernel-only threads (AddressSpace == nil).
func (k *Kernel) threadAddressSpace(tid int) (*mm.AddressSpace, Errno) {
	t, ok := k.cfg.Sched.Lookup(tid)
	if !ok {
		return nil, kernelerr.ErrNotFound
	}
	if t.AddressSpace != nil {
		return t.AddressSpace, OK
	}
	return k.cfg.VMM.KernelAddressSpace(), OK
}
