package syscall

import (
	"testing"

	"github.com/anyos-project/corekernel/internal/block"
	"github.com/anyos-project/corekernel/internal/ipc"
	"github.com/anyos-project/corekernel/internal/logging"
	"github.com/anyos-project/corekernel/internal/mm"
	"github.com/anyos-project/corekernel/internal/sched"
	"github.com/anyos-project/corekernel/internal/tcp"
	"github.com/stretchr/testify/require"
)

// memBackend is a trivial in-memory block.Backend for disk syscall tests.
type memBackend struct {
	sectors [][512]byte
}

func newMemBackend(numSectors int) *memBackend {
	return &memBackend{sectors: make([][512]byte, numSectors)}
}

func (b *memBackend) ReadSectors(lba uint64, count uint32, dst []byte) error {
	for i := uint32(0); i < count; i++ {
		copy(dst[i*512:(i+1)*512], b.sectors[int(lba)+int(i)][:])
	}
	return nil
}

func (b *memBackend) WriteSectors(lba uint64, count uint32, src []byte) error {
	for i := uint32(0); i < count; i++ {
		copy(b.sectors[int(lba)+int(i)][:], src[i*512:(i+1)*512])
	}
	return nil
}

func (b *memBackend) NumSectors() uint64 { return uint64(len(b.sectors)) }

func (b *memBackend) Close() error { return nil }

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	logger := logging.NewLogger(logging.DefaultConfig())

	frames, err := mm.NewFrameAllocator(mm.Config{NumFrames: 4096, Logger: logger})
	require.NoError(t, err)
	vmm, err := mm.NewVMM(frames, 1)
	require.NoError(t, err)
	ipcRegistry := ipc.NewRegistry(logger)
	shm := ipc.NewShmManager(frames, vmm)
	scheduler, err := sched.New(sched.Config{NumCPUs: 1, VMM: vmm, Logger: logger, Shm: shm})
	require.NoError(t, err)

	tcpStack := tcp.New(tcp.StackConfig{Logger: logger, Waker: scheduler})

	disk := block.NewRegistry()
	disk.Register(newMemBackend(64))

	return New(Config{
		Logger:  logger,
		Sched:   scheduler,
		Frames:  frames,
		VMM:     vmm,
		IPC:     ipcRegistry,
		Shm:     shm,
		TCP:     tcpStack,
		Disk:    disk,
		Desktop: nil,
	})
}
