// Package sim fills orders against historical bars, modelling slippage,
// commission, partial fills, and order expiry.
package sim

import (
	"fmt"

	"github.com/shopspring/decimal"

	"margin_trader/internal/config"
	"margin_trader/internal/core"
	"margin_trader/internal/event"
	apperrors "margin_trader/pkg/errors"
)

// OrderStatus is the lifecycle state of an order inside the simulator.
// A partially filled order keeps StatusPartiallyFilled while its remainder
// rests between bars; for matching and expiry it is treated exactly like a
// submitted order, the state only records that some quantity has executed.
type OrderStatus int

const (
	StatusSubmitted OrderStatus = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case StatusSubmitted:
		return "SUBMITTED"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "EXPIRED"
	}
}

type pendingOrder struct {
	order        event.Order
	remaining    decimal.Decimal
	status       OrderStatus
	submittedBar int64
	triggered    bool // stop orders only
}

func (p *pendingOrder) terminal() bool {
	return p.status == StatusFilled || p.status == StatusCancelled || p.status == StatusExpired
}

// Auditor receives order lifecycle events that do not produce fills.
type Auditor interface {
	OnExpiry(order event.Order)
	OnCancel(order event.Order)
}

// Simulator is the execution venue of a backtest. Orders queue per
// instrument in arrival order; each market bar is matched against the queue
// and fills are published back onto the bus.
type Simulator struct {
	publisher  event.Publisher
	commission CommissionModel
	slippage   SlippageModel
	logger     core.ILogger

	allowPartial bool
	volumeShare  decimal.Decimal
	expiryBars   int64

	pending map[string][]*pendingOrder
	byID    map[string]*pendingOrder
	lastBar map[string]event.Market
	auditor Auditor
}

// New constructs a Simulator from the execution section of the config.
func New(publisher event.Publisher, cfg config.ExecutionConfig, logger core.ILogger) (*Simulator, error) {
	commission, err := NewCommissionModel(cfg.Commission)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	slippage, err := NewSlippageModel(cfg.Slippage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Simulator{
		publisher:    publisher,
		commission:   commission,
		slippage:     slippage,
		logger:       logger,
		allowPartial: cfg.AllowPartialFills,
		volumeShare:  decimal.NewFromFloat(cfg.VolumeShare),
		expiryBars:   int64(cfg.MaxOrderExpiryBars),
		pending:      make(map[string][]*pendingOrder),
		byID:         make(map[string]*pendingOrder),
		lastBar:      make(map[string]event.Market),
	}, nil
}

// SetAuditor wires the expiry/cancel recorder.
func (s *Simulator) SetAuditor(a Auditor) { s.auditor = a }

// Status reports the lifecycle state of an order by ID.
func (s *Simulator) Status(orderID string) (OrderStatus, error) {
	p, ok := s.byID[orderID]
	if !ok {
		return 0, fmt.Errorf("order %s: %w", orderID, apperrors.ErrOrderNotFound)
	}
	return p.status, nil
}

// Cancel withdraws a pending order. Terminal orders cannot be cancelled.
func (s *Simulator) Cancel(orderID string) error {
	p, ok := s.byID[orderID]
	if !ok || p.terminal() {
		return fmt.Errorf("order %s: %w", orderID, apperrors.ErrOrderNotFound)
	}
	p.status = StatusCancelled
	if s.auditor != nil {
		s.auditor.OnCancel(p.order)
	}
	s.logger.Info("order cancelled", "order_id", orderID, "instrument", p.order.Instrument)
	return nil
}

// HandleEvent implements event.Handler for order and market events.
func (s *Simulator) HandleEvent(sim *core.SimulationContext, ev event.Event) error {
	switch e := ev.(type) {
	case event.Order:
		return s.onOrder(sim, e)
	case event.Market:
		return s.onMarket(sim, e)
	}
	return nil
}

func (s *Simulator) onOrder(sim *core.SimulationContext, o event.Order) error {
	if _, exists := s.byID[o.ID]; exists {
		return fmt.Errorf("order %s: %w", o.ID, apperrors.ErrDuplicateOrder)
	}
	if o.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order %s has non-positive quantity %s: %w",
			o.ID, o.Quantity.String(), apperrors.ErrOrderRejected)
	}
	p := &pendingOrder{
		order:        o,
		remaining:    o.Quantity,
		status:       StatusSubmitted,
		submittedBar: sim.BarIndex(),
	}
	s.byID[o.ID] = p
	s.logger.Debug("order accepted",
		"order_id", o.ID,
		"instrument", o.Instrument,
		"type", o.Type.String(),
		"side", o.Side.String(),
	)

	// Market orders execute against the latest bar as soon as they arrive,
	// so a forced liquidation completes within the bar that triggered it.
	if o.Type == event.OrderTypeMarket {
		if bar, ok := s.lastBar[o.Instrument]; ok {
			s.fill(p, bar, s.slippage.Adjust(p.order.Side, p.remaining, bar.Close, bar.Volume), true)
			if p.terminal() {
				return nil
			}
		}
	}
	s.pending[o.Instrument] = append(s.pending[o.Instrument], p)
	return nil
}

// onMarket matches the instrument's queue against the bar in arrival order.
// Only partial-fill remainders and orders submitted before the first bar
// reach a market order here. Limit and stop orders become eligible on the
// bar after submission so a resting order can never use the bar it was
// derived from.
func (s *Simulator) onMarket(sim *core.SimulationContext, bar event.Market) error {
	s.lastBar[bar.Instrument] = bar
	queue := s.pending[bar.Instrument]
	if len(queue) == 0 {
		return nil
	}

	kept := queue[:0]
	for _, p := range queue {
		if p.terminal() {
			continue
		}
		if s.expired(sim, p) {
			p.status = StatusExpired
			if s.auditor != nil {
				s.auditor.OnExpiry(p.order)
			}
			s.logger.Info("order expired",
				"order_id", p.order.ID,
				"instrument", p.order.Instrument,
				"remaining", p.remaining.String(),
			)
			continue
		}
		s.match(sim, p, bar)
		if !p.terminal() {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		delete(s.pending, bar.Instrument)
	} else {
		s.pending[bar.Instrument] = kept
	}
	return nil
}

func (s *Simulator) expired(sim *core.SimulationContext, p *pendingOrder) bool {
	if s.expiryBars <= 0 || p.order.Type == event.OrderTypeMarket {
		return false
	}
	return sim.BarIndex()-p.submittedBar > s.expiryBars
}

func (s *Simulator) match(sim *core.SimulationContext, p *pendingOrder, bar event.Market) {
	switch p.order.Type {
	case event.OrderTypeMarket:
		s.fill(p, bar, s.slippage.Adjust(p.order.Side, p.remaining, bar.Close, bar.Volume), true)
	case event.OrderTypeLimit:
		if p.submittedBar >= sim.BarIndex() {
			return
		}
		limit := p.order.LimitPrice
		if bar.Low.LessThanOrEqual(limit) && limit.LessThanOrEqual(bar.High) {
			// a marketable limit never pays more than its limit price
			s.fill(p, bar, limit, false)
		}
	case event.OrderTypeStop:
		if p.submittedBar >= sim.BarIndex() {
			return
		}
		if !p.triggered && s.stopTriggered(p.order, bar) {
			p.triggered = true
		}
		if p.triggered {
			// triggers convert to a market fill at the close, so a gap
			// through the stop executes at the gapped price
			s.fill(p, bar, s.slippage.Adjust(p.order.Side, p.remaining, bar.Close, bar.Volume), true)
		}
	}
}

func (s *Simulator) stopTriggered(o event.Order, bar event.Market) bool {
	if o.Side == event.SideBuy {
		return bar.High.GreaterThanOrEqual(o.StopPrice)
	}
	return bar.Low.LessThanOrEqual(o.StopPrice)
}

func (s *Simulator) fill(p *pendingOrder, bar event.Market, price decimal.Decimal, slipped bool) {
	qty := p.remaining
	if s.allowPartial {
		avail := bar.Volume.Mul(s.volumeShare)
		if avail.LessThanOrEqual(decimal.Zero) {
			return
		}
		if avail.LessThan(qty) {
			qty = avail
		}
	}

	slip := decimal.Zero
	if slipped {
		slip = price.Sub(bar.Close).Abs().Mul(qty)
	}

	p.remaining = p.remaining.Sub(qty)
	if p.remaining.IsZero() {
		p.status = StatusFilled
	} else {
		p.status = StatusPartiallyFilled
	}

	f := event.Fill{
		OrderID:    p.order.ID,
		Instrument: p.order.Instrument,
		Time:       bar.Time,
		Side:       p.order.Side,
		Quantity:   qty,
		Price:      price,
		Commission: s.commission.Commission(qty, price),
		Slippage:   slip,
		Reason:     p.order.Reason,
	}
	s.logger.Debug("order filled",
		"order_id", p.order.ID,
		"instrument", p.order.Instrument,
		"quantity", qty.String(),
		"price", price.String(),
		"status", p.status.String(),
	)
	s.publisher.Publish(f)
}
