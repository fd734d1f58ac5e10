package virtio

import "encoding/binary"

// Device status bits of the device_status register.
const (
	StatusAcknowledge uint8 = 1 << 0
	StatusDriver      uint8 = 1 << 1
	StatusDriverOK    uint8 = 1 << 2
	StatusFeaturesOK  uint8 = 1 << 3
	StatusFailed      uint8 = 1 << 7
)

// FeatureVersion1 is bit 32 of the device feature bitmap: "require
// VIRTIO_F_VERSION_1 ... or fail device".
const FeatureVersion1 uint64 = 1 << 32

// commonConfig is a view over the CfgCommon capability's MMIO bytes,
// laid out per the VirtIO 1.1 common configuration structure. Only the
// fields this driver touches are named.
type commonConfig struct {
	mem []byte
}

const (
	offDeviceFeatureSelect = 0
	offDeviceFeature       = 4
	offDriverFeatureSelect = 8
	offDriverFeature       = 12
	offMSIXConfig          = 16
	offNumQueues           = 18
	offDeviceStatus        = 20
	offQueueSelect         = 22
	offQueueSize           = 24
	offQueueMSIXVector     = 26
	offQueueEnable         = 28
	offQueueNotifyOff      = 30
	offQueueDesc           = 32
	offQueueDriver         = 40
	offQueueDevice         = 48
)

func (c *commonConfig) u8(off int) uint8    { return c.mem[off] }
func (c *commonConfig) setU8(off int, v uint8) { c.mem[off] = v }
func (c *commonConfig) u16(off int) uint16   { return binary.LittleEndian.Uint16(c.mem[off:]) }
func (c *commonConfig) setU16(off int, v uint16) { binary.LittleEndian.PutUint16(c.mem[off:], v) }
func (c *commonConfig) u32(off int) uint32   { return binary.LittleEndian.Uint32(c.mem[off:]) }
func (c *commonConfig) setU32(off int, v uint32) { binary.LittleEndian.PutUint32(c.mem[off:], v) }
func (c *commonConfig) u64(off int) uint64   { return binary.LittleEndian.Uint64(c.mem[off:]) }
func (c *commonConfig) setU64(off int, v uint64) { binary.LittleEndian.PutUint64(c.mem[off:], v) }

func (c *commonConfig) deviceStatus() uint8        { return c.u8(offDeviceStatus) }
func (c *commonConfig) setDeviceStatus(v uint8)    { c.setU8(offDeviceStatus, v) }
func (c *commonConfig) numQueues() uint16          { return c.u16(offNumQueues) }

// deviceFeatureBits reads bits 0-63 of the device feature bitmap via the
// device_feature_select window: select word 0 then word 1,
// reading 32 bits each time and composing a uint64.
func (c *commonConfig) deviceFeatureBits() uint64 {
	c.setU32(offDeviceFeatureSelect, 0)
	lo := c.u32(offDeviceFeature)
	c.setU32(offDeviceFeatureSelect, 1)
	hi := c.u32(offDeviceFeature)
	return uint64(lo) | uint64(hi)<<32
}

func (c *commonConfig) setDriverFeatureBits(bits uint64) {
	c.setU32(offDriverFeatureSelect, 0)
	c.setU32(offDriverFeature, uint32(bits))
	c.setU32(offDriverFeatureSelect, 1)
	c.setU32(offDriverFeature, uint32(bits>>32))
}

func (c *commonConfig) selectQueue(q uint16)       { c.setU16(offQueueSelect, q) }
func (c *commonConfig) queueMaxSize() uint16       { return c.u16(offQueueSize) }
func (c *commonConfig) setQueueSize(v uint16)      { c.setU16(offQueueSize, v) }
func (c *commonConfig) setQueueMSIXVector(v uint16) { c.setU16(offQueueMSIXVector, v) }
func (c *commonConfig) setQueueEnable(v uint16)     { c.setU16(offQueueEnable, v) }
func (c *commonConfig) queueNotifyOff() uint16      { return c.u16(offQueueNotifyOff) }
func (c *commonConfig) setQueueDesc(v uint64)       { c.setU64(offQueueDesc, v) }
func (c *commonConfig) setQueueDriver(v uint64)     { c.setU64(offQueueDriver, v) }
func (c *commonConfig) setQueueDevice(v uint64)     { c.setU64(offQueueDevice, v) }

// CommonConfigSize is the minimum byte length this driver requires of the
// CfgCommon capability's MMIO range.
const CommonConfigSize = 56
