package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionView is the read-only projection of an open position.
type PositionView struct {
	Instrument    string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	UsedMargin    decimal.Decimal
	OpenTime      time.Time
}

// Snapshot is an immutable view of the ledger handed to strategies, the
// order router, and the performance recorder. MarginLevel is only meaningful
// when HasOpenExposure is true; with no exposure the level is unbounded.
type Snapshot struct {
	Time            time.Time
	Cash            decimal.Decimal
	Equity          decimal.Decimal
	UsedMargin      decimal.Decimal
	FreeMargin      decimal.Decimal
	MarginLevel     decimal.Decimal
	HasOpenExposure bool
	Liquidating     bool
	Positions       map[string]PositionView
	// Marks holds the latest close per instrument seen so far, for
	// position sizing of instruments with no open position.
	Marks map[string]decimal.Decimal
}

// Position returns the view for instrument and whether one is open.
func (s Snapshot) Position(instrument string) (PositionView, bool) {
	v, ok := s.Positions[instrument]
	return v, ok
}

// SnapshotProvider is implemented by the portfolio for components that only
// need read access.
type SnapshotProvider interface {
	Snapshot() Snapshot
}
