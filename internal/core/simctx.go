package core

import (
	"time"

	apperrors "margin_trader/pkg/errors"
)

// SimulationContext is the explicit clock of a single backtest run. It is
// threaded through every component call instead of living in package state,
// so multiple independent backtests can run in one process.
type SimulationContext struct {
	now      time.Time
	barIndex int64
	started  bool
}

func NewSimulationContext() *SimulationContext {
	return &SimulationContext{barIndex: -1}
}

// Now returns the current simulated timestamp.
func (s *SimulationContext) Now() time.Time { return s.now }

// BarIndex returns the zero-based index of the bar being processed,
// or -1 before the first bar.
func (s *SimulationContext) BarIndex() int64 { return s.barIndex }

// Advance moves the simulated clock to ts. Moving backwards is a causal
// ordering violation and returns ErrDataGap.
func (s *SimulationContext) Advance(ts time.Time) error {
	if s.started && ts.Before(s.now) {
		return apperrors.ErrDataGap
	}
	s.now = ts
	s.barIndex++
	s.started = true
	return nil
}
