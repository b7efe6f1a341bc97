package router

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin_trader/internal/event"
	"margin_trader/internal/portfolio"
	apperrors "margin_trader/pkg/errors"
)

type capturePublisher struct {
	events []event.Event
}

func (c *capturePublisher) Publish(ev event.Event) { c.events = append(c.events, ev) }

type fakeAccount struct {
	snap portfolio.Snapshot
}

func (f *fakeAccount) Snapshot() portfolio.Snapshot { return f.snap }

func lev10(string) decimal.Decimal { return decimal.NewFromInt(10) }

func accountWith(freeMargin float64, marks map[string]float64) *fakeAccount {
	snap := portfolio.Snapshot{
		Cash:       decimal.NewFromFloat(freeMargin),
		Equity:     decimal.NewFromFloat(freeMargin),
		FreeMargin: decimal.NewFromFloat(freeMargin),
		Positions:  map[string]portfolio.PositionView{},
		Marks:      map[string]decimal.Decimal{},
	}
	for sym, px := range marks {
		snap.Marks[sym] = decimal.NewFromFloat(px)
	}
	return &fakeAccount{snap: snap}
}

func signal(dir event.Direction) event.Signal {
	return event.Signal{
		Instrument: "EURUSD",
		Time:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Direction:  dir,
		Strength:   decimal.NewFromInt(1),
	}
}

func TestRouterAcceptsAffordableOrder(t *testing.T) {
	pub := &capturePublisher{}
	acct := accountWith(10_000, map[string]float64{"EURUSD": 100})
	r := New(pub, acct, FixedSizer{Quantity: decimal.NewFromInt(50)}, lev10, nil)

	require.NoError(t, r.HandleEvent(nil, signal(event.DirectionLong)))

	require.Len(t, pub.events, 1)
	order, ok := pub.events[0].(event.Order)
	require.True(t, ok)
	assert.Equal(t, event.OrderTypeMarket, order.Type)
	assert.Equal(t, event.SideBuy, order.Side)
	assert.Equal(t, event.ReasonStrategy, order.Reason)
	assert.True(t, order.Quantity.Equal(decimal.NewFromInt(50)))
	assert.NotEmpty(t, order.ID)
	assert.Empty(t, r.Rejections())
}

func TestRouterRejectsInsufficientMargin(t *testing.T) {
	pub := &capturePublisher{}
	// 2,000 units at 100 needs 20,000 margin at 10x against 10,000 free.
	acct := accountWith(10_000, map[string]float64{"EURUSD": 100})
	r := New(pub, acct, FixedSizer{Quantity: decimal.NewFromInt(2000)}, lev10, nil)

	require.NoError(t, r.HandleEvent(nil, signal(event.DirectionShort)))

	assert.Empty(t, pub.events)
	require.Len(t, r.Rejections(), 1)
	assert.ErrorIs(t, r.Rejections()[0].Err, apperrors.ErrInsufficientMargin)
}

func TestRouterRejectsExitWithoutPosition(t *testing.T) {
	pub := &capturePublisher{}
	acct := accountWith(10_000, map[string]float64{"EURUSD": 100})
	r := New(pub, acct, FixedSizer{Quantity: decimal.NewFromInt(10)}, lev10, nil)

	require.NoError(t, r.HandleEvent(nil, signal(event.DirectionExit)))

	assert.Empty(t, pub.events)
	require.Len(t, r.Rejections(), 1)
	assert.ErrorIs(t, r.Rejections()[0].Err, apperrors.ErrNoOpenPosition)
}

func TestRouterExitClosesFullShort(t *testing.T) {
	pub := &capturePublisher{}
	acct := accountWith(10_000, map[string]float64{"EURUSD": 100})
	acct.snap.Positions["EURUSD"] = portfolio.PositionView{
		Instrument: "EURUSD",
		Quantity:   decimal.NewFromInt(-30),
	}
	r := New(pub, acct, FixedSizer{Quantity: decimal.NewFromInt(10)}, lev10, nil)

	require.NoError(t, r.HandleEvent(nil, signal(event.DirectionExit)))

	require.Len(t, pub.events, 1)
	order := pub.events[0].(event.Order)
	assert.Equal(t, event.SideBuy, order.Side)
	assert.True(t, order.Quantity.Equal(decimal.NewFromInt(30)))
}

func TestRouterBlocksSignalsDuringLiquidation(t *testing.T) {
	pub := &capturePublisher{}
	acct := accountWith(10_000, map[string]float64{"EURUSD": 100})
	acct.snap.Liquidating = true
	r := New(pub, acct, FixedSizer{Quantity: decimal.NewFromInt(10)}, lev10, nil)

	require.NoError(t, r.HandleEvent(nil, signal(event.DirectionLong)))

	assert.Empty(t, pub.events)
	require.Len(t, r.Rejections(), 1)
	assert.ErrorIs(t, r.Rejections()[0].Err, apperrors.ErrLiquidationActive)
}

func TestRouterLiquidationBypassesChecks(t *testing.T) {
	pub := &capturePublisher{}
	acct := accountWith(0, map[string]float64{"EURUSD": 100})
	acct.snap.Liquidating = true
	r := New(pub, acct, FixedSizer{Quantity: decimal.NewFromInt(10)}, lev10, nil)

	order := event.Order{
		ID:         "liq-1",
		Instrument: "EURUSD",
		Type:       event.OrderTypeMarket,
		Side:       event.SideSell,
		Quantity:   decimal.NewFromInt(500),
		Reason:     event.ReasonLiquidation,
	}
	require.NoError(t, r.SubmitLiquidation(order))
	require.Len(t, pub.events, 1)
	assert.Equal(t, "liq-1", pub.events[0].(event.Order).ID)
}

func TestRouterMapsSignalPricesToOrderType(t *testing.T) {
	pub := &capturePublisher{}
	acct := accountWith(100_000, map[string]float64{"EURUSD": 100})
	r := New(pub, acct, FixedSizer{Quantity: decimal.NewFromInt(10)}, lev10, nil)

	limit := signal(event.DirectionLong)
	limit.LimitPrice = decimal.NewFromInt(95)
	require.NoError(t, r.HandleEvent(nil, limit))

	stop := signal(event.DirectionShort)
	stop.StopPrice = decimal.NewFromInt(92)
	require.NoError(t, r.HandleEvent(nil, stop))

	require.Len(t, pub.events, 2)
	lo := pub.events[0].(event.Order)
	assert.Equal(t, event.OrderTypeLimit, lo.Type)
	assert.True(t, lo.LimitPrice.Equal(decimal.NewFromInt(95)))
	so := pub.events[1].(event.Order)
	assert.Equal(t, event.OrderTypeStop, so.Type)
	assert.True(t, so.StopPrice.Equal(decimal.NewFromInt(92)))
}

func TestFractionalSizer(t *testing.T) {
	acct := accountWith(10_000, map[string]float64{"EURUSD": 100})
	sizer := FractionalSizer{Fraction: decimal.NewFromFloat(0.5), Leverage: lev10}

	qty, err := sizer.Size(signal(event.DirectionLong), acct.Snapshot())
	require.NoError(t, err)
	// half of 10,000 free margin at 10x is 50,000 notional, 500 units at 100
	assert.True(t, qty.Equal(decimal.NewFromInt(500)), "qty %s", qty)
}
