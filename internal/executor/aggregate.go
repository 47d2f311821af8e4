package executor

import (
	"time"

	"github.com/malbeclabs/loadctl/internal/domain"
)

// defaultSegment is used when the query result has no designated segment
// column (spec.md §4.4: "the constant segment \"_all_\" when absent").
const defaultSegment = "_all_"

// segmentAccumulator holds the running count/min/max/sum for one segment
// within a single executor run; avg is derived at flush time.
type segmentAccumulator struct {
	count int64
	min   float64
	max   float64
	sum   float64
}

func newSegmentAccumulator(first float64) *segmentAccumulator {
	return &segmentAccumulator{count: 1, min: first, max: first, sum: first}
}

func (a *segmentAccumulator) add(v float64) {
	a.count++
	if v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
	a.sum += v
}

// aggregator accumulates observed rows into one segmentAccumulator per
// segment_code for the duration of one executor run.
type aggregator struct {
	bySegment map[string]*segmentAccumulator
}

func newAggregator() *aggregator {
	return &aggregator{bySegment: make(map[string]*segmentAccumulator)}
}

func (a *aggregator) observe(segment string, value float64) {
	if segment == "" {
		segment = defaultSegment
	}
	if acc, ok := a.bySegment[segment]; ok {
		acc.add(value)
		return
	}
	a.bySegment[segment] = newSegmentAccumulator(value)
}

// tuples renders the accumulated state into one domain.SignalTuple per
// segment, all stamped with the same loadTimestampUTC (spec.md S1: every
// tuple in a run shares the run's advanced watermark).
func (a *aggregator) tuples(loaderCode string, loadTimestampUTC time.Time) []domain.SignalTuple {
	out := make([]domain.SignalTuple, 0, len(a.bySegment))
	for segment, acc := range a.bySegment {
		out = append(out, domain.SignalTuple{
			LoaderCode:       loaderCode,
			LoadTimestampUTC: loadTimestampUTC,
			SegmentCode:      segment,
			RecCount:         acc.count,
			MinVal:           acc.min,
			AvgVal:           acc.sum / float64(acc.count),
			MaxVal:           acc.max,
			SumVal:           acc.sum,
		})
	}
	return out
}

func (a *aggregator) empty() bool {
	return len(a.bySegment) == 0
}
