package strategy

import (
	"github.com/shopspring/decimal"

	"margin_trader/internal/core"
	"margin_trader/internal/event"
	"margin_trader/internal/portfolio"
)

// SMACross is a long-only moving average crossover. It opens when the fast
// average crosses above the slow one and exits on the cross back down.
type SMACross struct {
	fast, slow int
	closes     map[string][]decimal.Decimal
}

// NewSMACross constructs the strategy. fast must be smaller than slow.
func NewSMACross(fast, slow int) *SMACross {
	return &SMACross{
		fast:   fast,
		slow:   slow,
		closes: make(map[string][]decimal.Decimal),
	}
}

func (s *SMACross) Name() string { return "sma_cross" }

func (s *SMACross) OnBar(_ *core.SimulationContext, bar event.Market, snap portfolio.Snapshot) []event.Signal {
	history := append(s.closes[bar.Instrument], bar.Close)
	if len(history) > s.slow+1 {
		history = history[len(history)-s.slow-1:]
	}
	s.closes[bar.Instrument] = history

	if len(history) < s.slow+1 {
		return nil
	}

	fastNow := mean(history[len(history)-s.fast:])
	slowNow := mean(history[len(history)-s.slow:])
	fastPrev := mean(history[len(history)-s.fast-1 : len(history)-1])
	slowPrev := mean(history[len(history)-s.slow-1 : len(history)-1])

	crossedUp := fastPrev.LessThanOrEqual(slowPrev) && fastNow.GreaterThan(slowNow)
	crossedDown := fastPrev.GreaterThanOrEqual(slowPrev) && fastNow.LessThan(slowNow)

	pos, open := snap.Position(bar.Instrument)
	switch {
	case crossedUp && !open:
		return []event.Signal{{
			Instrument: bar.Instrument,
			Time:       bar.Time,
			Direction:  event.DirectionLong,
			Strength:   decimal.NewFromInt(1),
		}}
	case crossedDown && open && pos.Quantity.IsPositive():
		return []event.Signal{{
			Instrument: bar.Instrument,
			Time:       bar.Time,
			Direction:  event.DirectionExit,
			Strength:   decimal.NewFromInt(1),
		}}
	}
	return nil
}

func mean(values []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}
