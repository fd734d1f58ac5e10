package boot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	info := Info{
		BootDrive:   0x80,
		BootMode:    BootModeUEFI,
		KernelStart: 0x100000,
		KernelEnd:   0x400000,
		AcpiRSDP:    0xE0000,
		Framebuffer: FramebufferInfo{
			PhysAddr: 0xFD000000,
			Pitch:    1920 * 4,
			Width:    1920,
			Height:   1080,
			BPP:      32,
		},
		MemoryMap: []MemoryMapEntry{
			{BaseAddr: 0, Length: 0x9FC00, Type: 1},
			{BaseAddr: 0x100000, Length: 0x7EF00000, Type: 1},
			{BaseAddr: 0xFFFC0000, Length: 0x40000, Type: 2},
		},
	}

	buf := Encode(info)
	decoded, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, info, decoded)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := Encode(Info{})
	buf[0] = 0

	_, err := Decode(buf)
	require.Error(t, err)
}

func TestUsableFrameRangesSumsType1Only(t *testing.T) {
	info := Info{
		MemoryMap: []MemoryMapEntry{
			{BaseAddr: 0, Length: 8192, Type: 1},
			{BaseAddr: 8192, Length: 4096, Type: 2},
			{BaseAddr: 12288, Length: 4096, Type: 1},
		},
	}
	_, numFrames := info.UsableFrameRanges(4096)
	require.Equal(t, 3, numFrames)
}
