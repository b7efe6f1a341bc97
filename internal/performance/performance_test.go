package performance

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin_trader/internal/portfolio"
)

func snapAt(equity float64, at time.Time) portfolio.Snapshot {
	e := decimal.NewFromFloat(equity)
	return portfolio.Snapshot{Time: at, Cash: e, Equity: e}
}

func TestSampleOverwritesSameTimestamp(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRecorder()

	r.Sample(snapAt(100_000, t0))
	r.Sample(snapAt(99_500, t0))
	r.Sample(snapAt(99_000, t0.Add(time.Hour)))

	curve := r.EquityCurve()
	require.Len(t, curve, 2)
	assert.True(t, curve[0].Equity.Equal(decimal.NewFromInt(99_500)))
	assert.True(t, curve[1].Equity.Equal(decimal.NewFromInt(99_000)))
}

func TestSummarizeReturnsAndDrawdown(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRecorder()

	// 100k -> 120k -> 90k -> 110k
	for i, eq := range []float64{100_000, 120_000, 90_000, 110_000} {
		r.Sample(snapAt(eq, t0.Add(time.Duration(i)*24*time.Hour)))
	}

	report := r.Summarize()
	assert.InDelta(t, 0.10, report.TotalReturn, 1e-9)
	// peak 120k to trough 90k is a 25% drawdown
	assert.InDelta(t, 0.25, report.MaxDrawdown, 1e-9)
	assert.Greater(t, report.Volatility, 0.0)
}

func TestSummarizeTradeStats(t *testing.T) {
	r := NewRecorder()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Sample(snapAt(100_000, t0))
	r.Sample(snapAt(100_300, t0.Add(time.Hour)))

	for _, pnl := range []float64{500, 200, -300, -100} {
		r.OnTrade(portfolio.ClosedTrade{RealizedPnL: decimal.NewFromFloat(pnl)})
	}

	report := r.Summarize()
	assert.Equal(t, 4, report.Trades)
	assert.InDelta(t, 0.5, report.WinRate, 1e-9)
	assert.InDelta(t, 1.75, report.ProfitFactor, 1e-9)
}

func TestSummarizeProfitFactorNoLosses(t *testing.T) {
	r := NewRecorder()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Sample(snapAt(100_000, t0))
	r.Sample(snapAt(101_000, t0.Add(time.Hour)))
	r.OnTrade(portfolio.ClosedTrade{RealizedPnL: decimal.NewFromInt(1000)})

	report := r.Summarize()
	assert.True(t, math.IsInf(report.ProfitFactor, 1))
	assert.InDelta(t, 1.0, report.WinRate, 1e-9)
}

func TestSummarizeEmptyRun(t *testing.T) {
	report := NewRecorder().Summarize()
	assert.Zero(t, report.TotalReturn)
	assert.Zero(t, report.MaxDrawdown)
	assert.Zero(t, report.Trades)
}
