package compositor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMenuBarEncodeDecodeRoundTrip(t *testing.T) {
	b := NewMenuBarBuilder()
	fileIdx := b.AddMenu("File")
	b.AddItem(fileIdx, 1, 0, "Open")
	b.AddItem(fileIdx, 2, ItemFlagSeparator, "")
	b.AddItem(fileIdx, 3, ItemFlagDisabled, "Save")
	editIdx := b.AddMenu("Edit")
	b.AddItem(editIdx, 4, ItemFlagChecked, "Word Wrap")

	bar, err := DecodeMenuBar(b.Encode())
	require.NoError(t, err)
	require.Len(t, bar.Menus, 2)
	require.Equal(t, "File", bar.Menus[0].Name)
	require.Equal(t, "Open", bar.Menus[0].Items[0].Label)
	require.Equal(t, ItemFlagSeparator, bar.Menus[0].Items[1].Flags)
	require.Equal(t, "Word Wrap", bar.Menus[1].Items[0].Label)
}

func TestDecodeMenuBarRejectsBadMagic(t *testing.T) {
	_, err := DecodeMenuBar([]byte("XXXX\x00\x00\x00\x00"))
	require.Error(t, err)
}

func TestDecodeMenuBarRejectsReservedItemIDZero(t *testing.T) {
	b := NewMenuBarBuilder()
	idx := b.AddMenu("File")
	b.AddItem(idx, 0, 0, "Bogus")
	_, err := DecodeMenuBar(b.Encode())
	require.Error(t, err, "item id 0 without SEPARATOR must be rejected")
}

func TestDecodeMenuBarAllowsItemIDZeroAsSeparator(t *testing.T) {
	b := NewMenuBarBuilder()
	idx := b.AddMenu("File")
	b.AddItem(idx, 0, ItemFlagSeparator, "")
	bar, err := DecodeMenuBar(b.Encode())
	require.NoError(t, err)
	require.Equal(t, uint32(0), bar.Menus[0].Items[0].ID)
}

func TestDecodeMenuBarTruncatedBufferErrors(t *testing.T) {
	b := NewMenuBarBuilder()
	idx := b.AddMenu("File")
	b.AddItem(idx, 1, 0, "Open")
	data := b.Encode()
	_, err := DecodeMenuBar(data[:len(data)-2])
	require.Error(t, err)
}
