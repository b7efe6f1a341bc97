// Package event defines the typed events flowing through a backtest and the
// ordered bus that dispatches them.
package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates the event variants carried by the bus.
type Kind int

const (
	KindMarket Kind = iota
	KindSignal
	KindOrder
	KindFill
)

func (k Kind) String() string {
	switch k {
	case KindMarket:
		return "MARKET"
	case KindSignal:
		return "SIGNAL"
	case KindOrder:
		return "ORDER"
	case KindFill:
		return "FILL"
	default:
		return "UNKNOWN"
	}
}

// Event is the closed set of messages dispatched by the bus. Events are
// immutable once published.
type Event interface {
	Kind() Kind
	Timestamp() time.Time
	Symbol() string
}

// Side is the direction of an order or fill.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "BUY"
	}
	return "SELL"
}

// Opposite returns the closing side for s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Direction is the intent of a strategy signal.
type Direction int

const (
	DirectionLong Direction = iota
	DirectionShort
	DirectionExit
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "LONG"
	case DirectionShort:
		return "SHORT"
	default:
		return "EXIT"
	}
}

// OrderType distinguishes market, limit, and stop orders.
type OrderType int

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
	OrderTypeStop
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MKT"
	case OrderTypeLimit:
		return "LMT"
	default:
		return "STP"
	}
}

// OrderReason records which component originated an order.
type OrderReason int

const (
	ReasonStrategy OrderReason = iota
	ReasonLiquidation
	ReasonCloseout
)

func (r OrderReason) String() string {
	switch r {
	case ReasonStrategy:
		return "STRATEGY"
	case ReasonLiquidation:
		return "LIQUIDATION"
	default:
		return "CLOSEOUT"
	}
}

// Market carries one OHLCV bar for a single instrument.
type Market struct {
	Instrument string
	Time       time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
}

func (m Market) Kind() Kind           { return KindMarket }
func (m Market) Timestamp() time.Time { return m.Time }
func (m Market) Symbol() string       { return m.Instrument }

// Signal is a trade intent emitted by a strategy. Strength is a
// strategy-defined conviction weight consumed by the position sizer.
// LimitPrice or StopPrice, when set, ask the router for the matching
// non-market order type.
type Signal struct {
	Instrument string
	Time       time.Time
	Direction  Direction
	Strength   decimal.Decimal
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
}

func (s Signal) Kind() Kind           { return KindSignal }
func (s Signal) Timestamp() time.Time { return s.Time }
func (s Signal) Symbol() string       { return s.Instrument }

// Order is an instruction for the execution simulator. LimitPrice and
// StopPrice are only meaningful for the corresponding order types.
type Order struct {
	ID         string
	Instrument string
	Time       time.Time
	Type       OrderType
	Side       Side
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	Reason     OrderReason
}

func (o Order) Kind() Kind           { return KindOrder }
func (o Order) Timestamp() time.Time { return o.Time }
func (o Order) Symbol() string       { return o.Instrument }

// Fill reports an executed (possibly partial) order. Slippage is the total
// price concession versus the bar close, already embedded in Price.
type Fill struct {
	OrderID    string
	Instrument string
	Time       time.Time
	Side       Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	Slippage   decimal.Decimal
	Reason     OrderReason
}

func (f Fill) Kind() Kind           { return KindFill }
func (f Fill) Timestamp() time.Time { return f.Time }
func (f Fill) Symbol() string       { return f.Instrument }
