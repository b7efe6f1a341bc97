// Package feed supplies historical bars to the engine in timestamp order.
package feed

import (
	"fmt"
	"io"
	"sort"

	"margin_trader/internal/event"
	apperrors "margin_trader/pkg/errors"
)

// Feed hands out bars one timestamp at a time. Next returns every bar
// sharing the next timestamp, io.EOF when the data is exhausted, or an
// error when the series violates time ordering.
type Feed interface {
	Next() ([]event.Market, error)
}

// SliceFeed serves a pre-loaded bar series. Bars for different instruments
// may interleave but each instrument's series must be non-decreasing in
// time; a regression is a data gap and aborts the run.
type SliceFeed struct {
	bars []event.Market
	pos  int
}

// NewSliceFeed wraps bars without copying. The caller must not mutate the
// slice afterwards.
func NewSliceFeed(bars []event.Market) *SliceFeed {
	return &SliceFeed{bars: bars}
}

func (f *SliceFeed) Next() ([]event.Market, error) {
	if f.pos >= len(f.bars) {
		return nil, io.EOF
	}

	start := f.pos
	ts := f.bars[start].Time
	if start > 0 && ts.Before(f.bars[start-1].Time) {
		return nil, fmt.Errorf("bar for %s at %s precedes %s: %w",
			f.bars[start].Instrument, ts, f.bars[start-1].Time, apperrors.ErrDataGap)
	}

	end := start
	for end < len(f.bars) && f.bars[end].Time.Equal(ts) {
		end++
	}
	f.pos = end
	return f.bars[start:end], nil
}

// Merge interleaves per-instrument series into one timestamp-ordered
// stream. Each input must already be sorted; the merge is stable so equal
// timestamps keep the argument order.
func Merge(series ...[]event.Market) []event.Market {
	total := 0
	for _, s := range series {
		total += len(s)
	}
	merged := make([]event.Market, 0, total)
	for _, s := range series {
		merged = append(merged, s...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Time.Before(merged[j].Time)
	})
	return merged
}
