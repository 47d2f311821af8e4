// Package clock computes the half-open [from, to) time range the executor
// should pull on its next run, given a loader's watermark and scheduling
// fields. It wraps clockwork.Clock so tests can inject a fake clock, the
// same way telemetry/global-monitor/internal/gm.Runner takes a
// clockwork.Clock in its RunnerConfig.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Range is the half-open UTC time range [From, To) to pull on a run.
type Range struct {
	From time.Time
	To   time.Time
}

// Empty reports whether the range contains no time (To <= From), in which
// case the run is a no-op per spec.md §4.1.
func (r Range) Empty() bool {
	return !r.To.After(r.From)
}

// Clock wraps clockwork.Clock with the watermark-range computation used by
// the executor (C4) before every run.
type Clock struct {
	underlying clockwork.Clock
}

// New wraps the given clockwork.Clock. Pass clockwork.NewRealClock() in
// production and clockwork.NewFakeClock() in tests.
func New(c clockwork.Clock) *Clock {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Clock{underlying: c}
}

// NowUTC returns the current time in UTC.
func (c *Clock) NowUTC() time.Time {
	return c.underlying.Now().UTC()
}

// NewTicker delegates to the underlying clockwork.Clock, used by the
// scheduler's sweep loop.
func (c *Clock) NewTicker(d time.Duration) clockwork.Ticker {
	return c.underlying.NewTicker(d)
}

// NextRange computes [from, to) for a loader's next run.
//
//   from = watermark, or the zero time if the loader has never run.
//   to   = min(now, from + maxQueryPeriod)
//
// The returned range is always in UTC; the caller (the executor) is
// responsible for shifting bind parameters sent to the source database by
// sourceTimezoneOffsetHours, since the range itself is a control-plane
// concept and must stay comparable across loaders.
func (c *Clock) NextRange(watermark *time.Time, maxQueryPeriod time.Duration) Range {
	from := time.Time{}
	if watermark != nil {
		from = watermark.UTC()
	}
	now := c.NowUTC()
	to := now
	if maxQueryPeriod > 0 {
		ceiling := from.Add(maxQueryPeriod)
		if ceiling.Before(to) {
			to = ceiling
		}
	}
	return Range{From: from, To: to}
}

// SourceBindTimes shifts a control-plane UTC range into source-local time
// for binding into the upstream query, per spec.md §4.1: "the range bound
// sent to the source is shifted by -offset (source-local -> UTC
// normalization on read)". A positive sourceTimezoneOffsetHours means the
// source clock reads ahead of UTC, so converting UTC -> source-local adds
// the offset.
func SourceBindTimes(r Range, sourceTimezoneOffsetHours int) Range {
	if sourceTimezoneOffsetHours == 0 {
		return r
	}
	shift := time.Duration(sourceTimezoneOffsetHours) * time.Hour
	return Range{From: r.From.Add(shift), To: r.To.Add(shift)}
}
