package router

import (
	"fmt"

	"github.com/shopspring/decimal"

	"margin_trader/internal/event"
	"margin_trader/internal/portfolio"
)

// Sizer converts a signal into an order quantity given the current account
// state. Exit signals never reach the sizer; the router closes the full
// open quantity for those.
type Sizer interface {
	Size(sig event.Signal, snap portfolio.Snapshot) (decimal.Decimal, error)
}

// FixedSizer orders the same quantity for every signal.
type FixedSizer struct {
	Quantity decimal.Decimal
}

func (s FixedSizer) Size(event.Signal, portfolio.Snapshot) (decimal.Decimal, error) {
	if s.Quantity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("fixed sizer quantity must be positive, got %s", s.Quantity)
	}
	return s.Quantity, nil
}

// FractionalSizer allocates a fraction of the buying power, scaled by the
// signal strength. Buying power is free margin times leverage.
type FractionalSizer struct {
	Fraction decimal.Decimal
	Leverage portfolio.LeverageFunc
}

func (s FractionalSizer) Size(sig event.Signal, snap portfolio.Snapshot) (decimal.Decimal, error) {
	mark, ok := snap.Marks[sig.Instrument]
	if !ok || mark.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("no mark price for %s", sig.Instrument)
	}
	strength := sig.Strength
	if strength.LessThanOrEqual(decimal.Zero) {
		strength = decimal.NewFromInt(1)
	}
	lev := s.Leverage(sig.Instrument)
	if lev.LessThanOrEqual(decimal.Zero) {
		lev = decimal.NewFromInt(1)
	}
	notional := snap.FreeMargin.Mul(lev).Mul(s.Fraction).Mul(strength)
	qty := notional.Div(mark)
	if qty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("no buying power for %s", sig.Instrument)
	}
	return qty, nil
}
