package sim

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin_trader/internal/config"
	"margin_trader/internal/core"
	"margin_trader/internal/event"
	apperrors "margin_trader/pkg/errors"
)

type capturePublisher struct {
	fills []event.Fill
}

func (c *capturePublisher) Publish(ev event.Event) {
	if f, ok := ev.(event.Fill); ok {
		c.fills = append(c.fills, f)
	}
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func execConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		Commission: config.CommissionConfig{Model: "fixed", Rate: 0},
		Slippage:   config.SlippageConfig{Model: "fixed_bps", BasisPoints: 0},
	}
}

func newTestSim(t *testing.T, cfg config.ExecutionConfig) (*Simulator, *capturePublisher, *core.SimulationContext) {
	t.Helper()
	pub := &capturePublisher{}
	s, err := New(pub, cfg, nil)
	require.NoError(t, err)
	return s, pub, core.NewSimulationContext()
}

func ohlc(o, h, l, c float64, at time.Time) event.Market {
	return event.Market{
		Instrument: "EURUSD",
		Time:       at,
		Open:       decimal.NewFromFloat(o),
		High:       decimal.NewFromFloat(h),
		Low:        decimal.NewFromFloat(l),
		Close:      decimal.NewFromFloat(c),
		Volume:     decimal.NewFromInt(10_000),
	}
}

func advance(t *testing.T, s *Simulator, ctx *core.SimulationContext, bar event.Market) {
	t.Helper()
	require.NoError(t, ctx.Advance(bar.Time))
	require.NoError(t, s.HandleEvent(ctx, bar))
}

func order(id string, typ event.OrderType, side event.Side, qty float64) event.Order {
	return event.Order{
		ID:         id,
		Instrument: "EURUSD",
		Time:       t0,
		Type:       typ,
		Side:       side,
		Quantity:   decimal.NewFromFloat(qty),
	}
}

func TestMarketOrderFillsAtCloseImmediately(t *testing.T) {
	s, pub, ctx := newTestSim(t, execConfig())

	advance(t, s, ctx, ohlc(100, 101, 99, 100, t0))
	require.NoError(t, s.HandleEvent(ctx, order("m1", event.OrderTypeMarket, event.SideBuy, 10)))

	require.Len(t, pub.fills, 1)
	assert.True(t, pub.fills[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, pub.fills[0].Quantity.Equal(decimal.NewFromInt(10)))

	status, err := s.Status("m1")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, status)
}

func TestMarketOrderSlippage(t *testing.T) {
	cfg := execConfig()
	cfg.Slippage = config.SlippageConfig{Model: "fixed_bps", BasisPoints: 10}
	s, pub, ctx := newTestSim(t, cfg)

	advance(t, s, ctx, ohlc(100, 101, 99, 100, t0))
	require.NoError(t, s.HandleEvent(ctx, order("m1", event.OrderTypeMarket, event.SideBuy, 10)))

	require.Len(t, pub.fills, 1)
	// 10 bps on 100 is 0.10 adverse for a buy
	assert.True(t, pub.fills[0].Price.Equal(decimal.NewFromFloat(100.1)), "price %s", pub.fills[0].Price)
	assert.True(t, pub.fills[0].Slippage.Equal(decimal.NewFromInt(1)), "slippage %s", pub.fills[0].Slippage)
}

func TestLimitBuyFillsAtLimitPrice(t *testing.T) {
	s, pub, ctx := newTestSim(t, execConfig())

	advance(t, s, ctx, ohlc(102, 103, 101, 102, t0))
	o := order("l1", event.OrderTypeLimit, event.SideBuy, 10)
	o.LimitPrice = decimal.NewFromInt(100)
	require.NoError(t, s.HandleEvent(ctx, o))

	// same bar must not fill even though it was already trading above
	assert.Empty(t, pub.fills)

	advance(t, s, ctx, ohlc(103, 105, 98, 104, t0.Add(time.Hour)))
	require.Len(t, pub.fills, 1)
	assert.True(t, pub.fills[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, pub.fills[0].Slippage.IsZero())
}

func TestLimitOrderRestsUntilTouched(t *testing.T) {
	s, pub, ctx := newTestSim(t, execConfig())

	advance(t, s, ctx, ohlc(102, 103, 101, 102, t0))
	o := order("l1", event.OrderTypeLimit, event.SideBuy, 10)
	o.LimitPrice = decimal.NewFromInt(100)
	require.NoError(t, s.HandleEvent(ctx, o))

	advance(t, s, ctx, ohlc(102, 104, 101, 103, t0.Add(time.Hour)))
	assert.Empty(t, pub.fills)

	status, err := s.Status("l1")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, status)
}

func TestStopSellConvertsToMarketAtClose(t *testing.T) {
	s, pub, ctx := newTestSim(t, execConfig())

	advance(t, s, ctx, ohlc(100, 101, 99, 100, t0))
	o := order("s1", event.OrderTypeStop, event.SideSell, 10)
	o.StopPrice = decimal.NewFromInt(95)
	require.NoError(t, s.HandleEvent(ctx, o))

	// the bar gaps through the stop and the fill takes the gapped close
	advance(t, s, ctx, ohlc(96, 97, 90, 91, t0.Add(time.Hour)))
	require.Len(t, pub.fills, 1)
	assert.True(t, pub.fills[0].Price.Equal(decimal.NewFromInt(91)))
	assert.Equal(t, event.SideSell, pub.fills[0].Side)
}

func TestStopBuyTrigger(t *testing.T) {
	s, pub, ctx := newTestSim(t, execConfig())

	advance(t, s, ctx, ohlc(100, 101, 99, 100, t0))
	o := order("s1", event.OrderTypeStop, event.SideBuy, 10)
	o.StopPrice = decimal.NewFromInt(105)
	require.NoError(t, s.HandleEvent(ctx, o))

	advance(t, s, ctx, ohlc(100, 104, 99, 103, t0.Add(time.Hour)))
	assert.Empty(t, pub.fills)

	advance(t, s, ctx, ohlc(103, 106, 102, 105, t0.Add(2*time.Hour)))
	require.Len(t, pub.fills, 1)
	assert.True(t, pub.fills[0].Price.Equal(decimal.NewFromInt(105)))
}

func TestPartialFillsRespectVolumeShare(t *testing.T) {
	cfg := execConfig()
	cfg.AllowPartialFills = true
	cfg.VolumeShare = 0.25
	s, pub, ctx := newTestSim(t, cfg)

	bar := ohlc(100, 101, 99, 100, t0)
	bar.Volume = decimal.NewFromInt(20)
	advance(t, s, ctx, bar)

	require.NoError(t, s.HandleEvent(ctx, order("p1", event.OrderTypeMarket, event.SideBuy, 12)))

	// first slice capped at a quarter of the 20 volume
	require.Len(t, pub.fills, 1)
	assert.True(t, pub.fills[0].Quantity.Equal(decimal.NewFromInt(5)))

	status, err := s.Status("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyFilled, status)

	next := ohlc(100, 101, 99, 100, t0.Add(time.Hour))
	next.Volume = decimal.NewFromInt(40)
	advance(t, s, ctx, next)

	require.Len(t, pub.fills, 2)
	assert.True(t, pub.fills[1].Quantity.Equal(decimal.NewFromInt(7)))

	status, err = s.Status("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, status)
}

func TestOrderExpiry(t *testing.T) {
	cfg := execConfig()
	cfg.MaxOrderExpiryBars = 1
	s, pub, ctx := newTestSim(t, cfg)

	advance(t, s, ctx, ohlc(102, 103, 101, 102, t0))
	o := order("l1", event.OrderTypeLimit, event.SideBuy, 10)
	o.LimitPrice = decimal.NewFromInt(100)
	require.NoError(t, s.HandleEvent(ctx, o))

	advance(t, s, ctx, ohlc(102, 104, 101, 103, t0.Add(time.Hour)))
	advance(t, s, ctx, ohlc(102, 104, 98, 103, t0.Add(2*time.Hour)))

	assert.Empty(t, pub.fills)
	status, err := s.Status("l1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, status)
}

func TestPartialRemainderExpiresLikeSubmitted(t *testing.T) {
	cfg := execConfig()
	cfg.AllowPartialFills = true
	cfg.VolumeShare = 0.25
	cfg.MaxOrderExpiryBars = 1
	s, pub, ctx := newTestSim(t, cfg)

	advance(t, s, ctx, ohlc(102, 103, 101, 102, t0))
	o := order("l1", event.OrderTypeLimit, event.SideBuy, 12)
	o.LimitPrice = decimal.NewFromInt(100)
	require.NoError(t, s.HandleEvent(ctx, o))

	bar := ohlc(100, 101, 99, 100, t0.Add(time.Hour))
	bar.Volume = decimal.NewFromInt(20)
	advance(t, s, ctx, bar)

	require.Len(t, pub.fills, 1)
	assert.True(t, pub.fills[0].Quantity.Equal(decimal.NewFromInt(5)))
	status, err := s.Status("l1")
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyFilled, status)

	// the resting remainder ages out on the same schedule as a fresh order
	advance(t, s, ctx, ohlc(100, 101, 99, 100, t0.Add(2*time.Hour)))
	require.Len(t, pub.fills, 1)
	status, err = s.Status("l1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, status)
}

func TestCancelPendingOrder(t *testing.T) {
	s, pub, ctx := newTestSim(t, execConfig())

	advance(t, s, ctx, ohlc(102, 103, 101, 102, t0))
	o := order("l1", event.OrderTypeLimit, event.SideBuy, 10)
	o.LimitPrice = decimal.NewFromInt(100)
	require.NoError(t, s.HandleEvent(ctx, o))

	require.NoError(t, s.Cancel("l1"))
	assert.ErrorIs(t, s.Cancel("l1"), apperrors.ErrOrderNotFound)
	assert.ErrorIs(t, s.Cancel("missing"), apperrors.ErrOrderNotFound)

	advance(t, s, ctx, ohlc(103, 105, 98, 104, t0.Add(time.Hour)))
	assert.Empty(t, pub.fills)
}

func TestDuplicateOrderID(t *testing.T) {
	s, _, ctx := newTestSim(t, execConfig())

	advance(t, s, ctx, ohlc(100, 101, 99, 100, t0))
	require.NoError(t, s.HandleEvent(ctx, order("d1", event.OrderTypeMarket, event.SideBuy, 10)))
	err := s.HandleEvent(ctx, order("d1", event.OrderTypeMarket, event.SideBuy, 10))
	assert.ErrorIs(t, err, apperrors.ErrDuplicateOrder)
}

func TestCommissionModels(t *testing.T) {
	qty := decimal.NewFromInt(10)
	price := decimal.NewFromInt(100)

	fixed, err := NewCommissionModel(config.CommissionConfig{Model: "fixed", Rate: 2.5})
	require.NoError(t, err)
	assert.True(t, fixed.Commission(qty, price).Equal(decimal.NewFromFloat(2.5)))

	perUnit, err := NewCommissionModel(config.CommissionConfig{Model: "per_unit", Rate: 0.1})
	require.NoError(t, err)
	assert.True(t, perUnit.Commission(qty, price).Equal(decimal.NewFromInt(1)))

	bps, err := NewCommissionModel(config.CommissionConfig{Model: "bps", Rate: 5})
	require.NoError(t, err)
	assert.True(t, bps.Commission(qty, price).Equal(decimal.NewFromFloat(0.5)))

	_, err = NewCommissionModel(config.CommissionConfig{Model: "free"})
	assert.Error(t, err)
}

func TestVolumeImpactSlippage(t *testing.T) {
	model, err := NewSlippageModel(config.SlippageConfig{Model: "volume_impact", ImpactFactor: 0.1})
	require.NoError(t, err)

	price := decimal.NewFromInt(100)
	// 1,000 of 10,000 volume at factor 0.1 moves the price 1%
	got := model.Adjust(event.SideBuy, decimal.NewFromInt(1000), price, decimal.NewFromInt(10_000))
	assert.True(t, got.Equal(decimal.NewFromInt(101)), "got %s", got)

	got = model.Adjust(event.SideSell, decimal.NewFromInt(1000), price, decimal.NewFromInt(10_000))
	assert.True(t, got.Equal(decimal.NewFromInt(99)))

	// zero-volume bars fall back to the unadjusted price
	got = model.Adjust(event.SideBuy, decimal.NewFromInt(1000), price, decimal.Zero)
	assert.True(t, got.Equal(price))
}
