package session

import (
	"testing"

	"github.com/guseggert/scriptstream/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func info(text string) Item {
	return Item{Type: stream.TypeInfo, Text: text}
}

func TestStartTwiceIsNoop(t *testing.T) {
	s := New()
	runID, err := s.Start(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), runID)

	_, ok := s.Append(runID, info("a"))
	require.True(t, ok)

	_, err = s.Start(nil)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, int64(1), s.RunID())
	assert.Equal(t, 1, s.ResultIndex())
	assert.Equal(t, []Item{{Key: 0, Type: stream.TypeInfo, Text: "a"}}, s.Results())
	assert.Equal(t, StatusRunning, s.Status())
}

func TestStartResetsResults(t *testing.T) {
	s := New()
	first, err := s.Start(nil)
	require.NoError(t, err)
	s.Append(first, info("a"))
	s.Append(first, info("b"))
	s.Finish(first)
	assert.Equal(t, StatusIdle, s.Status())
	assert.Len(t, s.Results(), 2)

	second, err := s.Start(nil)
	require.NoError(t, err)
	assert.Greater(t, second, first)
	assert.Equal(t, 0, s.ResultIndex())
	assert.Empty(t, s.Results())

	item, ok := s.Append(second, info("c"))
	require.True(t, ok)
	assert.Equal(t, 0, item.Key)
}

func TestAppendDiscardsStaleRun(t *testing.T) {
	s := New()
	first, err := s.Start(nil)
	require.NoError(t, err)
	s.Finish(first)
	second, err := s.Start(nil)
	require.NoError(t, err)

	_, ok := s.Append(first, info("late"))
	assert.False(t, ok)
	_, ok = s.Append(second, info("current"))
	assert.True(t, ok)
	assert.Equal(t, []Item{{Key: 0, Type: stream.TypeInfo, Text: "current"}}, s.Results())

	// finishing the old run must not touch the current one
	s.Finish(first)
	assert.Equal(t, StatusRunning, s.Status())
}

func TestAppendAfterFinishIsDiscarded(t *testing.T) {
	s := New()
	runID, err := s.Start(nil)
	require.NoError(t, err)
	s.Finish(runID)
	_, ok := s.Append(runID, info("x"))
	assert.False(t, ok)
}

func TestLimitDropsOldest(t *testing.T) {
	s := New(WithLimit(2))
	runID, err := s.Start(nil)
	require.NoError(t, err)
	for _, text := range []string{"a", "b", "c"} {
		s.Append(runID, info(text))
	}
	results := s.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "b", results[0].Text)
	assert.Equal(t, 1, results[0].Key)
	assert.Equal(t, "c", results[1].Text)
	assert.Equal(t, 3, s.ResultIndex())
}

func TestCancel(t *testing.T) {
	s := New()
	canceled := false
	runID, err := s.Start(func() { canceled = true })
	require.NoError(t, err)
	s.Append(runID, info("a"))

	s.Cancel()
	assert.True(t, canceled)
	assert.Equal(t, StatusIdle, s.Status())
	assert.Empty(t, s.Results())
	assert.Equal(t, 0, s.ResultIndex())

	_, ok := s.Append(runID, info("b"))
	assert.False(t, ok)

	next, err := s.Start(nil)
	require.NoError(t, err)
	assert.Equal(t, runID+1, next)
}

func TestStats(t *testing.T) {
	s := New()
	assert.Equal(t, Stats{}, s.Stats())

	s.RecordPass()
	s.RecordPass()
	s.RecordPass()
	s.RecordFail()
	st := s.Stats()
	assert.Equal(t, 4, st.Total())
	assert.InDelta(t, 75.0, st.PassedPct, 0.001)
	assert.InDelta(t, 25.0, st.FailedPct, 0.001)
	assert.InDelta(t, 0.0, st.OtherPct, 0.001)

	s.RecordOther()
	st = s.Stats()
	assert.Equal(t, 1, st.Other)
	assert.InDelta(t, 20.0, st.OtherPct, 0.001)
}

func TestSessionsAreIndependent(t *testing.T) {
	a, b := New(), New()
	runA, err := a.Start(nil)
	require.NoError(t, err)
	runB, err := b.Start(nil)
	require.NoError(t, err)
	assert.Equal(t, runA, runB)

	a.Append(runA, info("a"))
	assert.Empty(t, b.Results())
}

func TestOnAppend(t *testing.T) {
	var seen []Item
	s := New(WithOnAppend(func(item Item) { seen = append(seen, item) }))
	runID, err := s.Start(nil)
	require.NoError(t, err)

	s.Append(runID, info("a"))
	s.Append(runID+1, info("stale"))
	s.Append(runID, info("b"))

	require.Len(t, seen, 2)
	assert.Equal(t, 0, seen[0].Key)
	assert.Equal(t, "b", seen[1].Text)
	assert.Equal(t, 1, seen[1].Key)
}

func TestIsCurrent(t *testing.T) {
	s := New()
	assert.False(t, s.IsCurrent(0))

	first, err := s.Start(nil)
	require.NoError(t, err)
	assert.True(t, s.IsCurrent(first))

	s.Cancel()
	assert.False(t, s.IsCurrent(first))

	second, err := s.Start(nil)
	require.NoError(t, err)
	assert.False(t, s.IsCurrent(first))
	assert.True(t, s.IsCurrent(second))

	s.Finish(second)
	assert.False(t, s.IsCurrent(second))
}
