package virtio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anyos-project/corekernel/internal/mm"
)

func newTestFrames(t *testing.T) *mm.FrameAllocator {
	t.Helper()
	fa, err := mm.NewFrameAllocator(mm.Config{NumFrames: 256})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fa.Close() })
	return fa
}

func TestVirtqueueAddBufAndPopUsed(t *testing.T) {
	vq := NewVirtqueue(4)
	head, err := vq.AddBuf([]Descriptor{{Addr: 0x1000, Len: 512}})
	require.NoError(t, err)

	chainHead, chain, ok := vq.DeviceConsumeOne()
	require.True(t, ok)
	require.Equal(t, head, chainHead)
	require.Len(t, chain, 1)

	vq.DevicePushUsed(chainHead, 512)

	used, ok := vq.PopUsed()
	require.True(t, ok)
	require.Equal(t, head, used.ID)
	require.Equal(t, uint32(512), used.Len)
	require.Equal(t, uint16(4), vq.NumFree(), "descriptor must return to the free list after pop_used")
}

func TestVirtqueueSizeOneServicesSequentialIO(t *testing.T) {
	vq := NewVirtqueue(1)
	for i := 0; i < 8; i++ {
		head, err := vq.AddBuf([]Descriptor{{Addr: mm.PhysAddr(i * 512), Len: 512}})
		require.NoError(t, err, "iteration %d", i)
		h, _, ok := vq.DeviceConsumeOne()
		require.True(t, ok)
		require.Equal(t, head, h)
		vq.DevicePushUsed(h, 512)
		_, ok = vq.PopUsed()
		require.True(t, ok)
	}
}

func TestVirtqueueChainedDescriptorsRecycleCleanly(t *testing.T) {
	vq := NewVirtqueue(4)

	// A 3-descriptor chain followed by a single: both must come back to
	// the free list intact, leaving all 4 descriptors reusable.
	head, err := vq.AddBuf([]Descriptor{
		{Addr: 0x1000, Len: 512},
		{Addr: 0x2000, Len: 512, Flags: DescFlagWrite},
		{Addr: 0x3000, Len: 512, Flags: DescFlagWrite},
	})
	require.NoError(t, err)
	require.Equal(t, uint16(1), vq.NumFree())

	single, err := vq.AddBuf([]Descriptor{{Addr: 0x4000, Len: 256}})
	require.NoError(t, err)
	require.Equal(t, uint16(0), vq.NumFree())

	h, chain, ok := vq.DeviceConsumeOne()
	require.True(t, ok)
	require.Equal(t, head, h)
	require.Len(t, chain, 3)
	require.Equal(t, mm.PhysAddr(0x3000), chain[2].Addr)
	vq.DevicePushUsed(h, 1024)

	h, chain, ok = vq.DeviceConsumeOne()
	require.True(t, ok)
	require.Equal(t, single, h)
	require.Len(t, chain, 1)
	vq.DevicePushUsed(h, 256)

	_, ok = vq.PopUsed()
	require.True(t, ok)
	_, ok = vq.PopUsed()
	require.True(t, ok)
	require.Equal(t, uint16(4), vq.NumFree())

	// The recycled free list must support filling the queue again.
	_, err = vq.AddBuf([]Descriptor{{Addr: 1, Len: 1}, {Addr: 2, Len: 1}, {Addr: 3, Len: 1}, {Addr: 4, Len: 1}})
	require.NoError(t, err)
	require.Equal(t, uint16(0), vq.NumFree())
}

func TestVirtqueueFullQueueRejectsAddBuf(t *testing.T) {
	vq := NewVirtqueue(1)
	_, err := vq.AddBuf([]Descriptor{{Addr: 1, Len: 1}, {Addr: 2, Len: 1}})
	require.Error(t, err)
}

func newSimulatedPCIDevice() *PCIDevice {
	commonMem := make([]byte, CommonConfigSize)
	notifyMem := make([]byte, 64)
	isrMem := make([]byte, 4)
	deviceMem := make([]byte, 16)

	pci := &PCIDevice{
		BARs: map[int]*BAR{
			0: {Index: 0, Mem: commonMem},
			1: {Index: 1, Mem: notifyMem},
			2: {Index: 2, Mem: isrMem},
			3: {Index: 3, Mem: deviceMem},
		},
		Capabilities: []Capability{
			{Type: CfgCommon, BAR: 0, Offset: 0, Length: uint32(CommonConfigSize)},
			{Type: CfgNotify, BAR: 1, Offset: 0, Length: 64, NotifyOffMultiplier: 4},
			{Type: CfgISR, BAR: 2, Offset: 0, Length: 4},
			{Type: CfgDevice, BAR: 3, Offset: 0, Length: 16},
		},
	}

	// Simulate a device offering VERSION_1 and reporting 2 queues of
	// max size 256 and num_queues=2, by pre-seeding the common-config
	// bytes a real device's MMIO would already contain.
	cc := &commonConfig{mem: commonMem}
	cc.setU16(offNumQueues, 2)
	// The device_feature_select/device_feature pair is stateful in real
	// hardware; this simulation has a single device_feature word that
	// every select reads. It starts at 0 here, and each test seeds the
	// feature bits it needs before calling Device.Init.
	cc.setU32(offDeviceFeature, 0) // word 0 contents unused by this test
	cc.setU16(offQueueSize, 256)   // pre-seed max size read by selectQueue
	return pci
}

// fakeDeviceMem is an empty placeholder type; no test uses it.
type fakeDeviceMem struct{}

func TestDeviceInitSucceedsAndEnablesQueues(t *testing.T) {
	pci := newSimulatedPCIDevice()
	// Patch deviceFeatureSelect/deviceFeature semantics: word 1 must read
	// back bit 0 set (== bit 32 overall) so FeatureVersion1 is observed.
	// Emulate this with a tiny device-side responder goroutine is
	// overkill; instead seed the bytes so that regardless of which word
	// is selected, offDeviceFeature reads 1; sufficient for this
	// state-machine test since real per-word banking is an MMIO hardware
	// behavior out of scope for a simulation with no real register bank.
	cc := &commonConfig{mem: pci.BARs[0].Mem}
	cc.setU32(offDeviceFeature, 1)

	frames := newTestFrames(t)
	dev := NewDevice(pci, frames, DeviceConfig{DesiredFeatures: ^uint64(0), NumQueues: 2})
	require.NoError(t, dev.Init(0))

	require.Equal(t, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK, dev.Status)
	require.Len(t, dev.Queues, 2)
	require.Equal(t, uint16(128), dev.Queues[0].Size(), "queue size must be capped at 128 even though max_size=256")
}

func TestDeviceInitFailsWithoutVersion1(t *testing.T) {
	pci := newSimulatedPCIDevice()
	cc := &commonConfig{mem: pci.BARs[0].Mem}
	cc.setU32(offDeviceFeature, 0) // never reports VERSION_1 in either word

	frames := newTestFrames(t)
	dev := NewDevice(pci, frames, DeviceConfig{DesiredFeatures: ^uint64(0), NumQueues: 1})
	err := dev.Init(0)
	require.Error(t, err)
	require.NotZero(t, dev.Status&StatusFailed)
}

func TestDeviceInitMissingCapabilityFails(t *testing.T) {
	pci := &PCIDevice{BARs: map[int]*BAR{}}
	frames := newTestFrames(t)
	dev := NewDevice(pci, frames, DeviceConfig{NumQueues: 1})
	require.Error(t, dev.Init(0))
}
