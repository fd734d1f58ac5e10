package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	w.U32(0x414E594F)
	w.U16(7)
	w.Raw([]byte("hi"))
	w.Pad4()
	w.U64(0xDEADBEEFCAFEBABE)

	r := NewReader(w.Bytes())
	magic, err := r.U32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x414E594F), magic)

	n, err := r.U16()
	require.NoError(t, err)
	require.Equal(t, uint16(7), n)

	raw, err := r.Raw(2)
	require.NoError(t, err)
	require.Equal(t, "hi", string(raw))

	require.NoError(t, r.Pad4())

	v, err := r.U64()
	require.NoError(t, err)
	require.Equal(t, uint64(0xDEADBEEFCAFEBABE), v)
}

func TestReaderShortBuffer(t *testing.T) {
	r := NewReader([]byte{1, 2})
	_, err := r.U32()
	require.ErrorIs(t, err, ErrShortBuffer)
}
