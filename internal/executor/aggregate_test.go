package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAggregator_SingleSegment_MatchesSpecExample(t *testing.T) {
	a := newAggregator()
	a.observe("RETAIL", 10)
	a.observe("RETAIL", 20)
	a.observe("RETAIL", 30)

	watermark := time.Date(2025, 12, 27, 10, 58, 0, 0, time.UTC)
	tuples := a.tuples("DAILY_SALES", watermark)

	require.Len(t, tuples, 1)
	tuple := tuples[0]
	require.Equal(t, "RETAIL", tuple.SegmentCode)
	require.Equal(t, int64(3), tuple.RecCount)
	require.Equal(t, 10.0, tuple.MinVal)
	require.Equal(t, 30.0, tuple.MaxVal)
	require.Equal(t, 60.0, tuple.SumVal)
	require.Equal(t, 20.0, tuple.AvgVal)
	require.Equal(t, watermark, tuple.LoadTimestampUTC)
}

func TestAggregator_MissingSegment_UsesDefault(t *testing.T) {
	a := newAggregator()
	a.observe("", 5)

	tuples := a.tuples("LOADER1", time.Now().UTC())
	require.Len(t, tuples, 1)
	require.Equal(t, defaultSegment, tuples[0].SegmentCode)
}

func TestAggregator_MultipleSegments_Independent(t *testing.T) {
	a := newAggregator()
	a.observe("A", 1)
	a.observe("B", 100)
	a.observe("A", 3)

	tuples := a.tuples("LOADER1", time.Now().UTC())
	require.Len(t, tuples, 2)

	bySegment := map[string]float64{}
	for _, tp := range tuples {
		bySegment[tp.SegmentCode] = tp.SumVal
	}
	require.Equal(t, 4.0, bySegment["A"])
	require.Equal(t, 100.0, bySegment["B"])
}

func TestAggregator_Empty(t *testing.T) {
	a := newAggregator()
	require.True(t, a.empty())
	require.Empty(t, a.tuples("LOADER1", time.Now().UTC()))
}
