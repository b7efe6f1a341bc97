// Package strategy contains the signal generators shipped with the
// backtester plus the interface user strategies implement.
package strategy

import (
	"margin_trader/internal/core"
	"margin_trader/internal/event"
	"margin_trader/internal/portfolio"
)

// Strategy reacts to completed bars with trade intents. Implementations
// must be deterministic: the same bar sequence must produce the same
// signal sequence.
type Strategy interface {
	Name() string
	OnBar(sim *core.SimulationContext, bar event.Market, snap portfolio.Snapshot) []event.Signal
}
