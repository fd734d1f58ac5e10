package sysinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutLatest(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(KindMemory, MemSummary{TotalFrames: 1024, FreeFrames: 900, FrameSize: 4096})
	require.NoError(t, err)
	seq, err := s.Put(KindMemory, MemSummary{TotalFrames: 1024, FreeFrames: 850, FrameSize: 4096})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	var got MemSummary
	require.NoError(t, s.Latest(KindMemory, &got))
	assert.Equal(t, 850, got.FreeFrames)
}

func TestLatestEmpty(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	defer s.Close()

	var got MemSummary
	assert.ErrorIs(t, s.Latest(KindThreads, &got), ErrNoSnapshot)
}

func TestHistoryOrderAndLimit(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 5; i++ {
		_, err := s.Put(KindCPUCounters, map[string]int{"tick": i})
		require.NoError(t, err)
	}
	all, err := s.History(KindCPUCounters, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.JSONEq(t, `{"tick":0}`, string(all[0]))
	assert.JSONEq(t, `{"tick":4}`, string(all[4]))

	limited, err := s.History(KindCPUCounters, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestKindsAreIsolated(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(KindMemory, MemSummary{TotalFrames: 1})
	require.NoError(t, err)

	var got []int
	assert.ErrorIs(t, s.Latest(KindThreads, &got), ErrNoSnapshot)
}

func TestCloseIdempotent(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Put(KindMemory, MemSummary{})
	assert.Error(t, err)
}
