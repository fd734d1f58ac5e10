package kernelerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsCode(t *testing.T) {
	err := New("sched", "kill_thread", CodeNotFound, "tid 7 not found")
	require.True(t, errors.Is(err, CodeNotFound))
	require.False(t, errors.Is(err, CodeBusy))
}

func TestWrapNilIsNil(t *testing.T) {
	require.Nil(t, Wrap("mm", "alloc_frame", CodeOutOfMemory, nil))
}

func TestWrapPreservesCode(t *testing.T) {
	inner := New("mm", "alloc_frame", CodeOutOfMemory, "no frames")
	outer := Wrap("sched", "new_address_space", CodeInvalidArgs, inner)
	require.True(t, Is(outer, CodeOutOfMemory))
	require.ErrorIs(t, outer, inner)
}

func TestErrorStringIncludesSubsystemAndOp(t *testing.T) {
	err := New("tcp", "connect", CodeTimeout, "handshake timed out")
	require.Contains(t, err.Error(), "tcp")
	require.Contains(t, err.Error(), "connect")
	require.Contains(t, err.Error(), "handshake timed out")
}
