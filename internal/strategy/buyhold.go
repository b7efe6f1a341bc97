package strategy

import (
	"github.com/shopspring/decimal"

	"margin_trader/internal/core"
	"margin_trader/internal/event"
	"margin_trader/internal/portfolio"
)

// BuyAndHold opens one long per instrument on its first bar and never
// trades again. Mostly useful as a benchmark.
type BuyAndHold struct {
	seen map[string]bool
}

func NewBuyAndHold() *BuyAndHold {
	return &BuyAndHold{seen: make(map[string]bool)}
}

func (b *BuyAndHold) Name() string { return "buy_and_hold" }

func (b *BuyAndHold) OnBar(_ *core.SimulationContext, bar event.Market, _ portfolio.Snapshot) []event.Signal {
	if b.seen[bar.Instrument] {
		return nil
	}
	b.seen[bar.Instrument] = true
	return []event.Signal{{
		Instrument: bar.Instrument,
		Time:       bar.Time,
		Direction:  event.DirectionLong,
		Strength:   decimal.NewFromInt(1),
	}}
}
