package performance

import (
	"math"
	"time"

	"margin_trader/internal/portfolio"
)

const secondsPerYear = 365.25 * 24 * 3600

// Report summarizes a finished run. Ratios are plain float64: these are
// descriptive statistics, not ledger values.
type Report struct {
	TotalReturn      float64
	AnnualizedReturn float64
	Volatility       float64
	SharpeRatio      float64
	MaxDrawdown      float64
	WinRate          float64
	ProfitFactor     float64
	Trades           int
	MarginCalls      int
	Rejections       int
}

// Summarize computes the report from the recorder's audit trail. Fewer than
// two equity samples yield a zero report.
func (r *Recorder) Summarize() Report {
	report := Report{
		Trades:      len(r.trades),
		MarginCalls: len(r.marginCalls),
		Rejections:  len(r.rejections),
	}
	if len(r.samples) < 2 {
		return report
	}

	equity := make([]float64, len(r.samples))
	for i, s := range r.samples {
		equity[i] = s.Equity.InexactFloat64()
	}

	first, last := equity[0], equity[len(equity)-1]
	if first > 0 {
		report.TotalReturn = last/first - 1
	}

	elapsed := r.samples[len(r.samples)-1].Time.Sub(r.samples[0].Time)
	report.AnnualizedReturn = annualize(report.TotalReturn, elapsed)

	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] != 0 {
			returns = append(returns, equity[i]/equity[i-1]-1)
		}
	}
	periodsPerYear := float64(len(returns)) * secondsPerYear / elapsed.Seconds()
	vol := stddev(returns)
	report.Volatility = vol * math.Sqrt(periodsPerYear)
	if report.Volatility > 0 {
		report.SharpeRatio = mean(returns) * periodsPerYear / report.Volatility
	}

	report.MaxDrawdown = maxDrawdown(equity)
	report.WinRate, report.ProfitFactor = tradeStats(r.trades)
	return report
}

func annualize(totalReturn float64, elapsed time.Duration) float64 {
	years := elapsed.Seconds() / secondsPerYear
	if years <= 0 || totalReturn <= -1 {
		return 0
	}
	return math.Pow(1+totalReturn, 1/years) - 1
}

func maxDrawdown(equity []float64) float64 {
	peak := equity[0]
	worst := 0.0
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			dd := (peak - e) / peak
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func tradeStats(trades []portfolio.ClosedTrade) (winRate, profitFactor float64) {
	if len(trades) == 0 {
		return 0, 0
	}
	wins := 0
	grossProfit, grossLoss := 0.0, 0.0
	for _, tr := range trades {
		pnl := tr.RealizedPnL.InexactFloat64()
		if pnl > 0 {
			wins++
			grossProfit += pnl
		} else {
			grossLoss += -pnl
		}
	}
	winRate = float64(wins) / float64(len(trades))
	if grossLoss > 0 {
		profitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		profitFactor = math.Inf(1)
	}
	return winRate, profitFactor
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}
