// Package virtio implements the modern VirtIO PCI transport and
// virtqueue: capability discovery, MMIO BAR mapping, the common-config
// device-initialization state machine, and the descriptor/available/
// used ring algorithms. There is no real PCI bus to probe in this
// userspace simulation, so Capability/BAR stand in for walking the PCI
// capabilities list and mapping each referenced BAR; the initialization
// state machine that runs once they're in hand drives the device
// through the standard fixed MMIO-register protocol.
package virtio

// CfgType identifies a VirtIO PCI capability's role.
type CfgType uint8

const (
	CfgCommon CfgType = 1
	CfgNotify CfgType = 2
	CfgISR    CfgType = 3
	CfgDevice CfgType = 4
)

// Capability is one entry of the PCI capabilities list the device
// exposes: a (BAR index, offset, length) triple, plus, for CfgNotify,
// the notify_off_multiplier.
type Capability struct {
	Type                  CfgType
	BAR                   int
	Offset                uint32
	Length                uint32
	NotifyOffMultiplier   uint32
}

// BAR is a single memory-mapped I/O region. In this simulation it is a
// plain byte slice rather than a real uncacheable MMIO mapping; Device
// deduplicates mappings by BAR index.
type BAR struct {
	Index int
	Mem   []byte
}

// PCIDevice is the minimal PCI-level surface Device.Init needs: the
// capability list to walk and the BARs it references. A real driver
// would discover both by parsing PCI config space; here they are
// supplied directly by whatever constructs the simulated device (in this
// repository, the tests).
type PCIDevice struct {
	Capabilities []Capability
	BARs         map[int]*BAR

	// busMasterEnabled / memoryDecodeEnabled model "enable PCI bus
	// mastering + memory decoding"; Init sets both.
	BusMasterEnabled   bool
	MemoryDecodeEnabled bool
}

// FindCapability returns the first capability of the given type, or
// false if the device doesn't expose one; the caller marks the device
// FAILED on a miss.
func (p *PCIDevice) FindCapability(t CfgType) (Capability, bool) {
	for _, c := range p.Capabilities {
		if c.Type == t {
			return c, true
		}
	}
	return Capability{}, false
}

// BARBytes returns the byte-range within the named BAR a capability
// refers to.
func (p *PCIDevice) BARBytes(cap Capability) ([]byte, bool) {
	bar, ok := p.BARs[cap.BAR]
	if !ok {
		return nil, false
	}
	end := int(cap.Offset) + int(cap.Length)
	if end > len(bar.Mem) {
		return nil, false
	}
	return bar.Mem[cap.Offset:end], true
}
