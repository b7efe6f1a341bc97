// Package router turns strategy signals into orders, enforcing margin
// requirements before anything reaches the execution simulator.
package router

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"margin_trader/internal/core"
	"margin_trader/internal/event"
	"margin_trader/internal/portfolio"
	apperrors "margin_trader/pkg/errors"
)

// RejectedOrder is the audit record for a signal the router refused.
// Rejections are not fatal; the run continues without the order.
type RejectedOrder struct {
	Time       time.Time
	Instrument string
	Direction  event.Direction
	Quantity   decimal.Decimal
	Err        error
}

// Auditor receives every rejection for recording.
type Auditor interface {
	OnRejection(r RejectedOrder)
}

// Router sits between strategies and the execution simulator. It sizes
// accepted signals, blocks orders the account cannot margin, and passes
// liquidation orders from the portfolio straight through.
type Router struct {
	publisher  event.Publisher
	account    portfolio.SnapshotProvider
	sizer      Sizer
	leverage   portfolio.LeverageFunc
	auditor    Auditor
	logger     core.ILogger
	rejections []RejectedOrder
}

// New constructs a Router. The publisher is the event bus the router
// emits orders into.
func New(publisher event.Publisher, account portfolio.SnapshotProvider, sizer Sizer, leverage portfolio.LeverageFunc, logger core.ILogger) *Router {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Router{
		publisher: publisher,
		account:   account,
		sizer:     sizer,
		leverage:  leverage,
		logger:    logger,
	}
}

// SetAuditor wires the rejection recorder.
func (r *Router) SetAuditor(a Auditor) { r.auditor = a }

// Rejections returns every rejection recorded so far, in signal order.
func (r *Router) Rejections() []RejectedOrder { return r.rejections }

// HandleEvent implements event.Handler for signal events.
func (r *Router) HandleEvent(_ *core.SimulationContext, ev event.Event) error {
	sig, ok := ev.(event.Signal)
	if !ok {
		return nil
	}
	return r.route(sig)
}

func (r *Router) route(sig event.Signal) error {
	snap := r.account.Snapshot()

	if snap.Liquidating {
		r.reject(sig, decimal.Zero, fmt.Errorf("forced close pending: %w", apperrors.ErrLiquidationActive))
		return nil
	}

	if sig.Direction == event.DirectionExit {
		return r.routeExit(sig, snap)
	}

	qty, err := r.sizer.Size(sig, snap)
	if err != nil {
		r.reject(sig, decimal.Zero, fmt.Errorf("sizing failed: %w: %w", apperrors.ErrOrderRejected, err))
		return nil
	}

	mark, ok := snap.Marks[sig.Instrument]
	if !ok || mark.LessThanOrEqual(decimal.Zero) {
		r.reject(sig, qty, fmt.Errorf("no mark price for %s: %w", sig.Instrument, apperrors.ErrOrderRejected))
		return nil
	}

	lev := r.leverage(sig.Instrument)
	if lev.LessThanOrEqual(decimal.Zero) {
		lev = decimal.NewFromInt(1)
	}
	required := qty.Mul(mark).Div(lev)
	if required.GreaterThan(snap.FreeMargin) {
		r.reject(sig, qty, fmt.Errorf("required margin %s exceeds free margin %s: %w",
			required.String(), snap.FreeMargin.String(), apperrors.ErrInsufficientMargin))
		return nil
	}

	side := event.SideBuy
	if sig.Direction == event.DirectionShort {
		side = event.SideSell
	}
	return r.publish(buildOrder(sig, side, qty))
}

func (r *Router) routeExit(sig event.Signal, snap portfolio.Snapshot) error {
	pos, open := snap.Position(sig.Instrument)
	if !open {
		r.reject(sig, decimal.Zero, fmt.Errorf("exit for %s: %w", sig.Instrument, apperrors.ErrNoOpenPosition))
		return nil
	}
	side := event.SideSell
	if pos.Quantity.IsNegative() {
		side = event.SideBuy
	}
	return r.publish(buildOrder(sig, side, pos.Quantity.Abs()))
}

// SubmitLiquidation publishes a forced close from the portfolio without
// sizing or margin checks. Implements portfolio.OrderSubmitter.
func (r *Router) SubmitLiquidation(order event.Order) error {
	r.logger.Warn("routing liquidation order",
		"instrument", order.Instrument,
		"side", order.Side.String(),
		"quantity", order.Quantity.String(),
	)
	r.publisher.Publish(order)
	return nil
}

func (r *Router) publish(order event.Order) error {
	r.logger.Debug("order routed",
		"order_id", order.ID,
		"instrument", order.Instrument,
		"type", order.Type.String(),
		"side", order.Side.String(),
		"quantity", order.Quantity.String(),
	)
	r.publisher.Publish(order)
	return nil
}

func (r *Router) reject(sig event.Signal, qty decimal.Decimal, err error) {
	rec := RejectedOrder{
		Time:       sig.Time,
		Instrument: sig.Instrument,
		Direction:  sig.Direction,
		Quantity:   qty,
		Err:        err,
	}
	r.rejections = append(r.rejections, rec)
	if r.auditor != nil {
		r.auditor.OnRejection(rec)
	}
	r.logger.Info("signal rejected",
		"instrument", sig.Instrument,
		"direction", sig.Direction.String(),
		"reason", err.Error(),
	)
}

// buildOrder maps the optional signal prices onto the order type: a stop
// price wins over a limit price when both are set.
func buildOrder(sig event.Signal, side event.Side, qty decimal.Decimal) event.Order {
	order := event.Order{
		ID:         uuid.NewString(),
		Instrument: sig.Instrument,
		Time:       sig.Time,
		Type:       event.OrderTypeMarket,
		Side:       side,
		Quantity:   qty,
		Reason:     event.ReasonStrategy,
	}
	switch {
	case sig.StopPrice.IsPositive():
		order.Type = event.OrderTypeStop
		order.StopPrice = sig.StopPrice
	case sig.LimitPrice.IsPositive():
		order.Type = event.OrderTypeLimit
		order.LimitPrice = sig.LimitPrice
	}
	return order
}
