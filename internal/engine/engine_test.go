package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin_trader/internal/config"
	"margin_trader/internal/event"
	"margin_trader/internal/feed"
	"margin_trader/internal/router"
	"margin_trader/internal/strategy"
	apperrors "margin_trader/pkg/errors"
)

func testConfig(leverage float64) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Account.InitialBalance = 10_000
	cfg.Account.Leverage = leverage
	return cfg
}

func bars(closes ...float64) []event.Market {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]event.Market, len(closes))
	for i, c := range closes {
		px := decimal.NewFromFloat(c)
		out[i] = event.Market{
			Instrument: "EURUSD",
			Time:       t0.Add(time.Duration(i) * time.Hour),
			Open:       px, High: px, Low: px, Close: px,
			Volume: decimal.NewFromInt(100_000),
		}
	}
	return out
}

func TestBuyAndHoldEndsFlat(t *testing.T) {
	b, err := New(testConfig(10),
		feed.NewSliceFeed(bars(100, 105, 110)),
		strategy.NewBuyAndHold(),
		router.FixedSizer{Quantity: decimal.NewFromInt(10)},
		nil,
	)
	require.NoError(t, err)

	result, err := b.Run(context.Background())
	require.NoError(t, err)

	// bought 10 at 100, closed out at the final 110
	assert.True(t, result.Final.Cash.Equal(decimal.NewFromInt(10_100)), "cash %s", result.Final.Cash)
	assert.False(t, result.Final.HasOpenExposure)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, event.ReasonCloseout, result.Trades[0].Reason)
	assert.True(t, result.Trades[0].RealizedPnL.Equal(decimal.NewFromInt(100)))
	assert.Len(t, result.Curve, 3)
	assert.Empty(t, result.MarginCalls)
}

func TestMarginCallForcesLiquidation(t *testing.T) {
	b, err := New(testConfig(10),
		feed.NewSliceFeed(bars(100, 90, 81)),
		strategy.NewBuyAndHold(),
		router.FixedSizer{Quantity: decimal.NewFromInt(500)},
		nil,
	)
	require.NoError(t, err)

	result, err := b.Run(context.Background())
	require.NoError(t, err)

	// 50,000 notional on 10,000 cash; by 81 the margin level is under 0.2
	require.Len(t, result.MarginCalls, 1)
	assert.Equal(t, "EURUSD", result.MarginCalls[0].Instrument)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, event.ReasonLiquidation, result.Trades[0].Reason)
	assert.True(t, result.Trades[0].ExitPrice.Equal(decimal.NewFromInt(81)))

	// liquidation realizes the loss but never lets equity go negative
	assert.True(t, result.Final.Cash.Equal(decimal.NewFromInt(500)), "cash %s", result.Final.Cash)
	assert.False(t, result.Final.HasOpenExposure)
	assert.False(t, result.Final.Liquidating)
}

func TestAbortedRunKeepsPartialHistory(t *testing.T) {
	// the gap from 101 to 10 wipes out the account before the forced
	// liquidation can realize the loss, so the run aborts mid-replay
	b, err := New(testConfig(10),
		feed.NewSliceFeed(bars(100, 101, 10)),
		strategy.NewBuyAndHold(),
		router.FixedSizer{Quantity: decimal.NewFromInt(500)},
		nil,
	)
	require.NoError(t, err)

	result, err := b.Run(context.Background())
	require.ErrorIs(t, err, apperrors.ErrNegativeEquity)
	var dispatch *event.DispatchError
	require.ErrorAs(t, err, &dispatch)

	// everything sampled before the fatal bar survives the abort
	require.NotNil(t, result)
	require.Len(t, result.Curve, 2)
	assert.True(t, result.Curve[1].Equity.Equal(decimal.NewFromInt(10_500)), "equity %s", result.Curve[1].Equity)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, event.ReasonLiquidation, result.Trades[0].Reason)
	require.Len(t, result.MarginCalls, 1)
}

func TestDeterministicReplay(t *testing.T) {
	closes := []float64{100, 102, 99, 104, 101, 106, 98, 103, 107, 105}

	run := func() *Result {
		b, err := New(testConfig(10),
			feed.NewSliceFeed(bars(closes...)),
			strategy.NewSMACross(2, 4),
			router.FixedSizer{Quantity: decimal.NewFromInt(10)},
			nil,
		)
		require.NoError(t, err)
		result, err := b.Run(context.Background())
		require.NoError(t, err)
		return result
	}

	first, second := run(), run()
	assert.Equal(t, first.Curve, second.Curve)
	assert.Equal(t, first.Trades, second.Trades)
	assert.Equal(t, first.Report, second.Report)
}

func TestInvalidConfigIsFatalBeforeDispatch(t *testing.T) {
	cfg := testConfig(10)
	cfg.Account.InitialBalance = -1

	_, err := New(cfg,
		feed.NewSliceFeed(bars(100)),
		strategy.NewBuyAndHold(),
		router.FixedSizer{Quantity: decimal.NewFromInt(10)},
		nil,
	)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestOutOfOrderBarsAbortRun(t *testing.T) {
	series := bars(100, 101)
	series[0], series[1] = series[1], series[0]

	b, err := New(testConfig(10),
		feed.NewSliceFeed(series),
		strategy.NewBuyAndHold(),
		router.FixedSizer{Quantity: decimal.NewFromInt(10)},
		nil,
	)
	require.NoError(t, err)

	_, err = b.Run(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrDataGap)
}

func TestRunHonoursContextCancellation(t *testing.T) {
	b, err := New(testConfig(10),
		feed.NewSliceFeed(bars(100, 101, 102)),
		strategy.NewBuyAndHold(),
		router.FixedSizer{Quantity: decimal.NewFromInt(10)},
		nil,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInsufficientMarginIsRecordedNotFatal(t *testing.T) {
	b, err := New(testConfig(1),
		feed.NewSliceFeed(bars(100, 101, 102)),
		strategy.NewBuyAndHold(),
		// 1,000 units at 100 needs 100,000 margin against 10,000 equity
		router.FixedSizer{Quantity: decimal.NewFromInt(1000)},
		nil,
	)
	require.NoError(t, err)

	result, err := b.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Rejections, 1)
	assert.ErrorIs(t, result.Rejections[0].Err, apperrors.ErrInsufficientMargin)
	assert.True(t, result.Final.Cash.Equal(decimal.NewFromInt(10_000)))
	assert.Empty(t, result.Trades)
}
