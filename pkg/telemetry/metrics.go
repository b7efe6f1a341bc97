package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricBarsProcessedTotal  = "backtest_bars_processed_total"
	MetricOrdersPlacedTotal   = "backtest_orders_placed_total"
	MetricOrdersFilledTotal   = "backtest_orders_filled_total"
	MetricOrdersRejectedTotal = "backtest_orders_rejected_total"
	MetricOrdersExpiredTotal  = "backtest_orders_expired_total"
	MetricMarginCallsTotal    = "backtest_margin_calls_total"
	MetricRunsCompletedTotal  = "backtest_runs_completed_total"
	MetricRunDuration         = "backtest_run_duration_ms"
	MetricEquity              = "backtest_equity"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	BarsProcessedTotal  metric.Int64Counter
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersRejectedTotal metric.Int64Counter
	OrdersExpiredTotal  metric.Int64Counter
	MarginCallsTotal    metric.Int64Counter
	RunsCompletedTotal  metric.Int64Counter
	RunDuration         metric.Float64Histogram
	Equity              metric.Float64ObservableGauge

	// State for the equity gauge, keyed by run ID
	mu        sync.RWMutex
	equityMap map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			equityMap: make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.BarsProcessedTotal, err = meter.Int64Counter(MetricBarsProcessedTotal, metric.WithDescription("Total bars dispatched"))
	if err != nil {
		return err
	}
	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders routed"))
	if err != nil {
		return err
	}
	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total fills produced"))
	if err != nil {
		return err
	}
	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total signals rejected by the router"))
	if err != nil {
		return err
	}
	m.OrdersExpiredTotal, err = meter.Int64Counter(MetricOrdersExpiredTotal, metric.WithDescription("Total resting orders expired"))
	if err != nil {
		return err
	}
	m.MarginCallsTotal, err = meter.Int64Counter(MetricMarginCallsTotal, metric.WithDescription("Total forced liquidations triggered"))
	if err != nil {
		return err
	}
	m.RunsCompletedTotal, err = meter.Int64Counter(MetricRunsCompletedTotal, metric.WithDescription("Total backtest runs finished"))
	if err != nil {
		return err
	}
	m.RunDuration, err = meter.Float64Histogram(MetricRunDuration, metric.WithDescription("Wall-clock duration of a run"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.Equity, err = meter.Float64ObservableGauge(MetricEquity, metric.WithDescription("Latest account equity per run"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for run, val := range m.equityMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("run", run)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetEquity updates the value reported by the equity gauge for a run
func (m *MetricsHolder) SetEquity(runID string, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equityMap[runID] = equity
}
