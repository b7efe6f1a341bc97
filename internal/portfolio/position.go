package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"margin_trader/internal/event"
)

// lot is a single entry parcel. Reducing fills consume lots in FIFO order.
type lot struct {
	quantity decimal.Decimal // always positive
	price    decimal.Decimal
}

// Position tracks the open exposure for one instrument. Quantity is signed:
// positive for long, negative for short. A Position only exists while
// Quantity is non-zero.
type Position struct {
	Instrument    string
	Quantity      decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Commission    decimal.Decimal
	MarkPrice     decimal.Decimal
	OpenTime      time.Time

	lots []lot
}

func newPosition(instrument string, openTime time.Time) *Position {
	return &Position{
		Instrument: instrument,
		OpenTime:   openTime,
	}
}

// AvgEntryPrice returns the volume-weighted average entry price of the
// remaining lots, or zero when flat.
func (p *Position) AvgEntryPrice() decimal.Decimal {
	total := decimal.Zero
	notional := decimal.Zero
	for _, l := range p.lots {
		total = total.Add(l.quantity)
		notional = notional.Add(l.quantity.Mul(l.price))
	}
	if total.IsZero() {
		return decimal.Zero
	}
	return notional.Div(total)
}

// Notional returns the absolute exposure at the latest mark price.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.MarkPrice)
}

// markToMarket revalues the position at price and recomputes unrealized P&L.
func (p *Position) markToMarket(price decimal.Decimal) {
	p.MarkPrice = price
	if p.Quantity.IsZero() {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	p.UnrealizedPnL = price.Sub(p.AvgEntryPrice()).Mul(p.Quantity)
}

// applyFill mutates the position with a fill and returns the P&L realized by
// it (zero for pure adds) plus the closed-trade records produced. Same
// direction fills append a lot; opposing fills consume lots FIFO; a fill
// larger than the open quantity flips the position, opening the remainder on
// the opposite side.
func (p *Position) applyFill(f event.Fill) (decimal.Decimal, []ClosedTrade) {
	signed := f.Quantity
	if f.Side == event.SideSell {
		signed = signed.Neg()
	}
	p.Commission = p.Commission.Add(f.Commission)

	realized := decimal.Zero
	var closed []ClosedTrade
	if p.Quantity.IsZero() || p.Quantity.Sign() == signed.Sign() {
		p.lots = append(p.lots, lot{quantity: f.Quantity, price: f.Price})
		p.Quantity = p.Quantity.Add(signed)
	} else {
		direction := decimal.NewFromInt(1)
		if p.Quantity.IsNegative() {
			direction = decimal.NewFromInt(-1)
		}
		openTime := p.OpenTime

		closing := decimal.Min(f.Quantity, p.Quantity.Abs())
		realized = p.realizeFIFO(closing, f.Price)
		closed = append(closed, ClosedTrade{
			Instrument:  p.Instrument,
			Side:        f.Side,
			Quantity:    closing,
			EntryPrice:  f.Price.Sub(realized.Div(closing).Mul(direction)),
			ExitPrice:   f.Price,
			RealizedPnL: realized,
			Commission:  f.Commission,
			OpenTime:    openTime,
			CloseTime:   f.Time,
			Reason:      f.Reason,
		})

		remainder := f.Quantity.Sub(closing)
		if remainder.IsPositive() {
			// Position flipped: remainder opens on the opposite side.
			p.lots = append(p.lots, lot{quantity: remainder, price: f.Price})
			if signed.IsPositive() {
				p.Quantity = remainder
			} else {
				p.Quantity = remainder.Neg()
			}
			p.OpenTime = f.Time
		} else if signed.IsPositive() {
			p.Quantity = p.Quantity.Add(closing)
		} else {
			p.Quantity = p.Quantity.Sub(closing)
		}
	}

	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.markToMarket(f.Price)
	return realized, closed
}

// realizeFIFO consumes up to quantity units from the lot queue at exitPrice
// and returns the realized P&L. The caller guarantees quantity does not
// exceed the open quantity.
func (p *Position) realizeFIFO(quantity, exitPrice decimal.Decimal) decimal.Decimal {
	direction := decimal.NewFromInt(1)
	if p.Quantity.IsNegative() {
		direction = decimal.NewFromInt(-1)
	}

	realized := decimal.Zero
	remaining := quantity
	for remaining.IsPositive() && len(p.lots) > 0 {
		head := &p.lots[0]
		consume := decimal.Min(remaining, head.quantity)
		realized = realized.Add(exitPrice.Sub(head.price).Mul(consume).Mul(direction))
		head.quantity = head.quantity.Sub(consume)
		remaining = remaining.Sub(consume)
		if head.quantity.IsZero() {
			p.lots = p.lots[1:]
		}
	}
	return realized
}

// ClosedTrade is the audit record of a position reduction. Partial closes
// produce one record per reducing fill; Quantity is the closed amount.
type ClosedTrade struct {
	Instrument  string
	Side        event.Side
	Quantity    decimal.Decimal
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	RealizedPnL decimal.Decimal
	Commission  decimal.Decimal
	OpenTime    time.Time
	CloseTime   time.Time
	Reason      event.OrderReason
}
