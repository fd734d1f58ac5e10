package kernelerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToErrnoNilIsOK(t *testing.T) {
	require.Equal(t, OK, ToErrno(nil))
}

func TestToErrnoMapsKnownCodes(t *testing.T) {
	require.Equal(t, ErrNotFound, ToErrno(New("sched", "wait", CodeNotFound, "no such tid")))
	require.Equal(t, ErrBusy, ToErrno(New("ipc", "shm_destroy", CodeBusy, "still mapped")))
	require.Equal(t, ErrAgain, ToErrno(New("tcp", "recv", CodeWouldBlock, "no data")))
}

func TestToErrnoFallsBackToIOForBareErrors(t *testing.T) {
	require.Equal(t, ErrIO, ToErrno(errors.New("unstructured failure")))
}
