package clock

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestClock_NextRange_NeverRun(t *testing.T) {
	fake := clockwork.NewFakeClockAt(time.Date(2025, 12, 27, 11, 0, 0, 0, time.UTC))
	c := New(fake)

	r := c.NextRange(nil, 2*time.Hour)

	require.True(t, r.From.IsZero())
	require.Equal(t, time.Date(1, 1, 1, 2, 0, 0, 0, time.UTC), r.To)
}

func TestClock_NextRange_ChunkedCatchUp(t *testing.T) {
	// S2: watermark 2025-12-25T00:00:00Z, now 2025-12-27T00:00:00Z, period 1h.
	now := time.Date(2025, 12, 27, 0, 0, 0, 0, time.UTC)
	fake := clockwork.NewFakeClockAt(now)
	c := New(fake)

	watermark := time.Date(2025, 12, 25, 0, 0, 0, 0, time.UTC)
	r := c.NextRange(&watermark, time.Hour)

	require.Equal(t, watermark, r.From)
	require.Equal(t, watermark.Add(time.Hour), r.To)
	require.False(t, r.Empty())
}

func TestClock_NextRange_CappedByNow(t *testing.T) {
	now := time.Date(2025, 12, 27, 11, 0, 0, 0, time.UTC)
	fake := clockwork.NewFakeClockAt(now)
	c := New(fake)

	// S1: watermark 10:00Z, period 7200s (2h) -> ceiling 12:00Z, but now is
	// 11:00Z so to should be capped at now.
	watermark := time.Date(2025, 12, 27, 10, 0, 0, 0, time.UTC)
	r := c.NextRange(&watermark, 2*time.Hour)

	require.Equal(t, now, r.To)
}

func TestClock_NextRange_EmptyWhenToBeforeFrom(t *testing.T) {
	now := time.Date(2025, 12, 27, 9, 0, 0, 0, time.UTC)
	fake := clockwork.NewFakeClockAt(now)
	c := New(fake)

	watermark := time.Date(2025, 12, 27, 10, 0, 0, 0, time.UTC)
	r := c.NextRange(&watermark, time.Hour)

	require.True(t, r.Empty())
}

func TestSourceBindTimes_ShiftsByOffset(t *testing.T) {
	r := Range{
		From: time.Date(2025, 12, 27, 10, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 12, 27, 11, 0, 0, 0, time.UTC),
	}

	shifted := SourceBindTimes(r, -5)

	require.Equal(t, time.Date(2025, 12, 27, 5, 0, 0, 0, time.UTC), shifted.From)
	require.Equal(t, time.Date(2025, 12, 27, 6, 0, 0, 0, time.UTC), shifted.To)
}

func TestSourceBindTimes_ZeroOffsetIsNoop(t *testing.T) {
	r := Range{
		From: time.Date(2025, 12, 27, 10, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 12, 27, 11, 0, 0, 0, time.UTC),
	}

	require.Equal(t, r, SourceBindTimes(r, 0))
}
