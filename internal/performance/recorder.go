// Package performance records the account trajectory of a run and computes
// summary statistics from it.
package performance

import (
	"time"

	"github.com/shopspring/decimal"

	"margin_trader/internal/event"
	"margin_trader/internal/portfolio"
	"margin_trader/internal/router"
)

// EquitySample is one point on the equity curve.
type EquitySample struct {
	Time        time.Time
	Cash        decimal.Decimal
	Equity      decimal.Decimal
	UsedMargin  decimal.Decimal
	FreeMargin  decimal.Decimal
	MarginLevel decimal.Decimal
}

// MarginCall records one stop-out trigger.
type MarginCall struct {
	Time       time.Time
	Level      decimal.Decimal
	Instrument string
	Quantity   decimal.Decimal
}

// Recorder accumulates the audit trail of a single run: the equity curve,
// closed trades, rejections, margin calls, and order expiries. It is wired
// into the portfolio, router, and simulator as their auditor.
type Recorder struct {
	samples     []EquitySample
	trades      []portfolio.ClosedTrade
	rejections  []router.RejectedOrder
	marginCalls []MarginCall
	expired     []event.Order
	cancelled   []event.Order
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Sample appends an equity point. A sample at the same timestamp as the
// previous one replaces it, so intra-bar churn leaves one point per bar.
func (r *Recorder) Sample(snap portfolio.Snapshot) {
	s := EquitySample{
		Time:        snap.Time,
		Cash:        snap.Cash,
		Equity:      snap.Equity,
		UsedMargin:  snap.UsedMargin,
		FreeMargin:  snap.FreeMargin,
		MarginLevel: snap.MarginLevel,
	}
	if n := len(r.samples); n > 0 && r.samples[n-1].Time.Equal(snap.Time) {
		r.samples[n-1] = s
		return
	}
	r.samples = append(r.samples, s)
}

// OnTrade implements portfolio.Auditor.
func (r *Recorder) OnTrade(trade portfolio.ClosedTrade) {
	r.trades = append(r.trades, trade)
}

// OnMarginCall implements portfolio.Auditor.
func (r *Recorder) OnMarginCall(t time.Time, level decimal.Decimal, order event.Order) {
	r.marginCalls = append(r.marginCalls, MarginCall{
		Time:       t,
		Level:      level,
		Instrument: order.Instrument,
		Quantity:   order.Quantity,
	})
}

// OnRejection implements router.Auditor.
func (r *Recorder) OnRejection(rej router.RejectedOrder) {
	r.rejections = append(r.rejections, rej)
}

// OnExpiry implements sim.Auditor.
func (r *Recorder) OnExpiry(order event.Order) {
	r.expired = append(r.expired, order)
}

// OnCancel implements sim.Auditor.
func (r *Recorder) OnCancel(order event.Order) {
	r.cancelled = append(r.cancelled, order)
}

func (r *Recorder) EquityCurve() []EquitySample        { return r.samples }
func (r *Recorder) Trades() []portfolio.ClosedTrade    { return r.trades }
func (r *Recorder) Rejections() []router.RejectedOrder { return r.rejections }
func (r *Recorder) MarginCalls() []MarginCall          { return r.marginCalls }
func (r *Recorder) Expired() []event.Order             { return r.expired }
func (r *Recorder) Cancelled() []event.Order           { return r.cancelled }
