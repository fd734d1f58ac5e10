// Package boot decodes the fixed-layout boot-information structure that
// the bootloader collaborator places at a known physical address before
// handing control to the kernel: the E820-style memory map, the
// framebuffer descriptor, and the ACPI RSDP address. Decoding goes
// through pkg/wire's cursor rather than unsafe struct casts, since this
// simulation never actually receives a pointer from real firmware.
package boot

import (
	"github.com/anyos-project/corekernel/pkg/kernelerr"
	"github.com/anyos-project/corekernel/pkg/wire"
)

// Magic is the 4-byte "ANYO" signature every boot-info blob must start
// with.
const Magic uint32 = 0x414E594F

// BootMode distinguishes the firmware path the bootloader collaborator
// came up through.
type BootMode uint8

const (
	BootModeLegacyBIOS BootMode = 0
	BootModeUEFI        BootMode = 1
)

// MemoryMapEntry is one E820-style region.
type MemoryMapEntry struct {
	BaseAddr uint64
	Length   uint64
	// Type follows the E820 convention: 1 = usable RAM, 2 = reserved,
	// 3 = ACPI reclaimable, 4 = ACPI NVS, 5 = bad memory.
	Type uint32
}

// FramebufferInfo describes the linear framebuffer the compositor
// composes into.
type FramebufferInfo struct {
	PhysAddr uint64
	Pitch    uint32
	Width    uint32
	Height   uint32
	BPP      uint8
}

// Info is the decoded boot-information structure.
type Info struct {
	BootDrive   uint8
	BootMode    BootMode
	KernelStart uint64
	KernelEnd   uint64
	AcpiRSDP    uint64
	Framebuffer FramebufferInfo
	MemoryMap   []MemoryMapEntry
}

// Encode serializes info into the fixed wire layout Decode expects,
// primarily for tests and for producing the boot-info files that
// cmd/anyos-kernel reads with --bootinfo.
func Encode(info Info) []byte {
	w := wire.NewWriter()
	w.U32(Magic)
	w.U8(info.BootDrive)
	w.U8(uint8(info.BootMode))
	w.Pad4()
	w.U64(info.KernelStart)
	w.U64(info.KernelEnd)
	w.U64(info.AcpiRSDP)
	w.U64(info.Framebuffer.PhysAddr)
	w.U32(info.Framebuffer.Pitch)
	w.U32(info.Framebuffer.Width)
	w.U32(info.Framebuffer.Height)
	w.U8(info.Framebuffer.BPP)
	w.Pad4()
	w.U32(uint32(len(info.MemoryMap)))
	for _, e := range info.MemoryMap {
		w.U64(e.BaseAddr)
		w.U64(e.Length)
		w.U32(e.Type)
		w.Pad4()
	}
	return w.Bytes()
}

// Decode parses a boot-info blob built by Encode (or, in a real freestanding
// build, copied verbatim out of the address the bootloader documented).
func Decode(buf []byte) (Info, error) {
	r := wire.NewReader(buf)
	var info Info

	magic, err := r.U32()
	if err != nil {
		return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
	}
	if magic != Magic {
		return info, kernelerr.New("boot", "decode", kernelerr.CodeProtocol, "bad boot-info magic")
	}

	bootDrive, err := r.U8()
	if err != nil {
		return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
	}
	mode, err := r.U8()
	if err != nil {
		return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
	}
	if err := r.Pad4(); err != nil {
		return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
	}
	info.BootDrive = bootDrive
	info.BootMode = BootMode(mode)

	if info.KernelStart, err = r.U64(); err != nil {
		return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
	}
	if info.KernelEnd, err = r.U64(); err != nil {
		return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
	}
	if info.AcpiRSDP, err = r.U64(); err != nil {
		return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
	}
	if info.Framebuffer.PhysAddr, err = r.U64(); err != nil {
		return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
	}
	if info.Framebuffer.Pitch, err = r.U32(); err != nil {
		return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
	}
	if info.Framebuffer.Width, err = r.U32(); err != nil {
		return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
	}
	if info.Framebuffer.Height, err = r.U32(); err != nil {
		return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
	}
	if info.Framebuffer.BPP, err = r.U8(); err != nil {
		return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
	}
	if err := r.Pad4(); err != nil {
		return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
	}

	count, err := r.U32()
	if err != nil {
		return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
	}
	info.MemoryMap = make([]MemoryMapEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e MemoryMapEntry
		if e.BaseAddr, err = r.U64(); err != nil {
			return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
		}
		if e.Length, err = r.U64(); err != nil {
			return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
		}
		if e.Type, err = r.U32(); err != nil {
			return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
		}
		if err := r.Pad4(); err != nil {
			return info, kernelerr.Wrap("boot", "decode", kernelerr.CodeProtocol, err)
		}
		info.MemoryMap = append(info.MemoryMap, e)
	}

	return info, nil
}

// UsableFrameRanges converts the usable (Type == 1) entries of the memory
// map into mm.Config-shaped frame counts, rounding each region down to a
// whole number of 4096-byte frames. Regions that are not Type == 1 are
// implicitly excluded, standing in for the reserved ranges (kernel
// image, bootloader scratch, device-claimed identity ranges) the frame
// allocator is initialized to treat as non-free.
func (info Info) UsableFrameRanges(frameSize int) (firstFrame, numFrames int) {
	var totalBytes uint64
	for _, e := range info.MemoryMap {
		if e.Type != 1 {
			continue
		}
		totalBytes += e.Length / uint64(frameSize) * uint64(frameSize)
	}
	return 0, int(totalBytes) / frameSize
}
