package portfolio

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"margin_trader/internal/core"
	"margin_trader/internal/event"
	apperrors "margin_trader/pkg/errors"
)

// OrderSubmitter accepts liquidation orders raised by the margin check.
// The order router implements it so forced closes pass through the same
// pipeline as strategy orders, minus sizing and margin gating.
type OrderSubmitter interface {
	SubmitLiquidation(order event.Order) error
}

// Auditor receives notable account transitions for recording.
type Auditor interface {
	OnMarginCall(t time.Time, level decimal.Decimal, order event.Order)
	OnTrade(trade ClosedTrade)
}

// LeverageFunc resolves the leverage ratio for an instrument.
type LeverageFunc func(instrument string) decimal.Decimal

// Portfolio is the margin account ledger. It consumes market events to
// mark open positions and fill events to mutate cash and positions, and
// raises liquidation orders when the margin level breaches the stop-out
// threshold. All methods assume single-threaded dispatch.
type Portfolio struct {
	cash        decimal.Decimal
	positions   map[string]*Position
	marks       map[string]decimal.Decimal
	leverage    LeverageFunc
	stopOut     decimal.Decimal
	liquidating map[string]bool
	submitter   OrderSubmitter
	auditor     Auditor
	logger      core.ILogger
	history     []ClosedTrade
	now         time.Time
}

// New constructs a Portfolio with the given starting cash balance.
func New(initialBalance decimal.Decimal, leverage LeverageFunc, stopOut decimal.Decimal, logger core.ILogger) *Portfolio {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Portfolio{
		cash:        initialBalance,
		positions:   make(map[string]*Position),
		marks:       make(map[string]decimal.Decimal),
		leverage:    leverage,
		stopOut:     stopOut,
		liquidating: make(map[string]bool),
		logger:      logger,
	}
}

// SetSubmitter wires the liquidation order sink. Must be called before the
// first market event when stop-out handling is enabled.
func (p *Portfolio) SetSubmitter(s OrderSubmitter) { p.submitter = s }

// SetAuditor wires the trade/margin-call recorder.
func (p *Portfolio) SetAuditor(a Auditor) { p.auditor = a }

// HandleEvent implements event.Handler for market and fill events.
func (p *Portfolio) HandleEvent(_ *core.SimulationContext, ev event.Event) error {
	switch e := ev.(type) {
	case event.Market:
		return p.onMarket(e)
	case event.Fill:
		return p.onFill(e)
	}
	return nil
}

func (p *Portfolio) onMarket(m event.Market) error {
	p.now = m.Time
	p.marks[m.Instrument] = m.Close
	if pos, ok := p.positions[m.Instrument]; ok {
		pos.markToMarket(m.Close)
	}
	return p.checkMargin(m.Time)
}

func (p *Portfolio) onFill(f event.Fill) error {
	p.now = f.Time
	pos, ok := p.positions[f.Instrument]
	if !ok {
		pos = newPosition(f.Instrument, f.Time)
		p.positions[f.Instrument] = pos
	}

	realized, closed := pos.applyFill(f)
	p.cash = p.cash.Add(realized).Sub(f.Commission)
	p.marks[f.Instrument] = f.Price
	pos.markToMarket(f.Price)

	for i := range closed {
		p.history = append(p.history, closed[i])
		if p.auditor != nil {
			p.auditor.OnTrade(closed[i])
		}
	}

	if pos.Quantity.IsZero() {
		delete(p.positions, f.Instrument)
		delete(p.liquidating, f.Instrument)
	}

	p.logger.Debug("fill applied",
		"instrument", f.Instrument,
		"side", f.Side.String(),
		"quantity", f.Quantity.String(),
		"price", f.Price.String(),
		"cash", p.cash.String(),
	)

	if err := p.checkMargin(f.Time); err != nil {
		return err
	}
	if p.equity().IsNegative() {
		return fmt.Errorf("equity %s after fill %s: %w",
			p.equity().String(), f.OrderID, apperrors.ErrNegativeEquity)
	}
	return nil
}

func (p *Portfolio) equity() decimal.Decimal {
	eq := p.cash
	for _, pos := range p.positions {
		eq = eq.Add(pos.UnrealizedPnL)
	}
	return eq
}

func (p *Portfolio) usedMargin() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.positions {
		total = total.Add(p.positionMargin(pos))
	}
	return total
}

func (p *Portfolio) positionMargin(pos *Position) decimal.Decimal {
	lev := p.leverage(pos.Instrument)
	if lev.LessThanOrEqual(decimal.Zero) {
		lev = decimal.NewFromInt(1)
	}
	return pos.Quantity.Abs().Mul(pos.MarkPrice).Div(lev)
}

// checkMargin compares equity against used margin and, on a stop-out
// breach, submits a single full-close market order for the position with
// the largest used margin. Further breaches are handled on subsequent
// market or fill events, so cascades unwind one position at a time.
func (p *Portfolio) checkMargin(t time.Time) error {
	used := p.usedMargin()
	if used.IsZero() {
		return nil
	}
	eq := p.equity()
	level := eq.Div(used)
	if level.GreaterThanOrEqual(p.stopOut) {
		return nil
	}

	target := p.largestMarginPosition()
	if target == nil {
		// every open position is already being liquidated
		return nil
	}
	p.liquidating[target.Instrument] = true

	side := event.SideSell
	if target.Quantity.IsNegative() {
		side = event.SideBuy
	}
	order := event.Order{
		ID:         uuid.NewString(),
		Instrument: target.Instrument,
		Time:       t,
		Type:       event.OrderTypeMarket,
		Side:       side,
		Quantity:   target.Quantity.Abs(),
		Reason:     event.ReasonLiquidation,
	}

	p.logger.Warn("margin level breached stop-out, liquidating",
		"margin_level", level.String(),
		"stop_out", p.stopOut.String(),
		"instrument", target.Instrument,
		"quantity", order.Quantity.String(),
	)
	if p.auditor != nil {
		p.auditor.OnMarginCall(t, level, order)
	}
	if p.submitter == nil {
		return fmt.Errorf("margin level %s below stop-out %s with no liquidation route: %w",
			level.String(), p.stopOut.String(), apperrors.ErrLiquidationActive)
	}
	return p.submitter.SubmitLiquidation(order)
}

func (p *Portfolio) largestMarginPosition() *Position {
	names := make([]string, 0, len(p.positions))
	for name := range p.positions {
		names = append(names, name)
	}
	sort.Strings(names)

	var best *Position
	bestMargin := decimal.Zero
	for _, name := range names {
		if p.liquidating[name] {
			continue
		}
		pos := p.positions[name]
		m := p.positionMargin(pos)
		if best == nil || m.GreaterThan(bestMargin) {
			best = pos
			bestMargin = m
		}
	}
	return best
}

// CloseoutOrders builds full-close market orders for every open position,
// used when the data feed is exhausted so the run ends flat.
func (p *Portfolio) CloseoutOrders(t time.Time) []event.Order {
	names := make([]string, 0, len(p.positions))
	for name := range p.positions {
		names = append(names, name)
	}
	sort.Strings(names)

	orders := make([]event.Order, 0, len(names))
	for _, name := range names {
		pos := p.positions[name]
		side := event.SideSell
		if pos.Quantity.IsNegative() {
			side = event.SideBuy
		}
		orders = append(orders, event.Order{
			ID:         uuid.NewString(),
			Instrument: name,
			Time:       t,
			Type:       event.OrderTypeMarket,
			Side:       side,
			Quantity:   pos.Quantity.Abs(),
			Reason:     event.ReasonCloseout,
		})
	}
	return orders
}

// Liquidating reports whether any forced close is still pending.
func (p *Portfolio) Liquidating() bool { return len(p.liquidating) > 0 }

// Cash returns the current cash balance.
func (p *Portfolio) Cash() decimal.Decimal { return p.cash }

// History returns all closed trades in fill order.
func (p *Portfolio) History() []ClosedTrade { return p.history }

// Snapshot implements SnapshotProvider.
func (p *Portfolio) Snapshot() Snapshot {
	used := p.usedMargin()
	eq := p.equity()
	snap := Snapshot{
		Time:            p.now,
		Cash:            p.cash,
		Equity:          eq,
		UsedMargin:      used,
		FreeMargin:      eq.Sub(used),
		HasOpenExposure: !used.IsZero(),
		Liquidating:     len(p.liquidating) > 0,
		Positions:       make(map[string]PositionView, len(p.positions)),
		Marks:           make(map[string]decimal.Decimal, len(p.marks)),
	}
	if snap.HasOpenExposure {
		snap.MarginLevel = eq.Div(used)
	}
	for name, pos := range p.positions {
		snap.Positions[name] = PositionView{
			Instrument:    pos.Instrument,
			Quantity:      pos.Quantity,
			AvgEntryPrice: pos.AvgEntryPrice(),
			MarkPrice:     pos.MarkPrice,
			UnrealizedPnL: pos.UnrealizedPnL,
			RealizedPnL:   pos.RealizedPnL,
			UsedMargin:    p.positionMargin(pos),
			OpenTime:      pos.OpenTime,
		}
	}
	for name, mark := range p.marks {
		snap.Marks[name] = mark
	}
	return snap
}
