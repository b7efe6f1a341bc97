// Package engine drives a backtest: it pulls bars from the feed, advances
// the simulated clock, and drains the event bus until the data runs out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"margin_trader/internal/config"
	"margin_trader/internal/core"
	"margin_trader/internal/event"
	"margin_trader/internal/feed"
	"margin_trader/internal/performance"
	"margin_trader/internal/portfolio"
	"margin_trader/internal/router"
	"margin_trader/internal/sim"
	"margin_trader/internal/strategy"
	apperrors "margin_trader/pkg/errors"
	"margin_trader/pkg/telemetry"
)

// Result is everything a finished run leaves behind.
type Result struct {
	RunID       string
	Strategy    string
	StartedAt   time.Time
	FinishedAt  time.Time
	Report      performance.Report
	Curve       []performance.EquitySample
	Trades      []portfolio.ClosedTrade
	Rejections  []router.RejectedOrder
	MarginCalls []performance.MarginCall
	Final       portfolio.Snapshot
}

// Backtest owns one run's components. A Backtest is single-use: construct,
// Run once, read the result.
type Backtest struct {
	cfg       *config.Config
	bus       *event.Bus
	clock     *core.SimulationContext
	account   *portfolio.Portfolio
	router    *router.Router
	simulator *sim.Simulator
	strat     strategy.Strategy
	recorder  *performance.Recorder
	data      feed.Feed
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
}

// New validates cfg and wires the run. A validation failure is fatal before
// any event is dispatched.
func New(cfg *config.Config, data feed.Feed, strat strategy.Strategy, sizer router.Sizer, logger core.ILogger) (*Backtest, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = core.NopLogger{}
	}

	leverage := func(instrument string) decimal.Decimal {
		return decimal.NewFromFloat(cfg.LeverageFor(instrument))
	}

	bus := event.NewBus()
	account := portfolio.New(
		decimal.NewFromFloat(cfg.Account.InitialBalance),
		leverage,
		decimal.NewFromFloat(cfg.Account.StopOutLevel),
		logger,
	)
	rtr := router.New(bus, account, sizer, leverage, logger)
	account.SetSubmitter(rtr)

	simulator, err := sim.New(bus, cfg.Execution, logger)
	if err != nil {
		return nil, err
	}

	recorder := performance.NewRecorder()
	account.SetAuditor(recorder)
	rtr.SetAuditor(recorder)
	simulator.SetAuditor(recorder)

	b := &Backtest{
		cfg:       cfg,
		bus:       bus,
		clock:     core.NewSimulationContext(),
		account:   account,
		router:    rtr,
		simulator: simulator,
		strat:     strat,
		recorder:  recorder,
		data:      data,
		logger:    logger,
	}
	b.subscribe()
	return b, nil
}

// SetMetrics wires the telemetry instruments. Optional; a nil holder keeps
// the run metric-free.
func (b *Backtest) SetMetrics(m *telemetry.MetricsHolder) { b.metrics = m }

// subscribe fixes the dispatch order for each bar: the ledger marks to
// market and runs its margin check, the simulator matches resting orders,
// then the strategy sees the post-mark snapshot.
func (b *Backtest) subscribe() {
	b.bus.Subscribe(event.KindMarket, b.account)
	b.bus.Subscribe(event.KindMarket, b.simulator)
	b.bus.Subscribe(event.KindMarket, event.HandlerFunc(b.onBar))
	b.bus.Subscribe(event.KindSignal, b.router)
	b.bus.Subscribe(event.KindOrder, b.simulator)
	b.bus.Subscribe(event.KindOrder, event.HandlerFunc(b.countOrder))
	b.bus.Subscribe(event.KindFill, b.account)
	b.bus.Subscribe(event.KindFill, event.HandlerFunc(b.countFill))
}

func (b *Backtest) onBar(clock *core.SimulationContext, ev event.Event) error {
	bar := ev.(event.Market)
	for _, sig := range b.strat.OnBar(clock, bar, b.account.Snapshot()) {
		b.bus.Publish(sig)
	}
	return nil
}

func (b *Backtest) countOrder(_ *core.SimulationContext, _ event.Event) error {
	if b.metrics != nil {
		b.metrics.OrdersPlacedTotal.Add(context.Background(), 1)
	}
	return nil
}

func (b *Backtest) countFill(_ *core.SimulationContext, _ event.Event) error {
	if b.metrics != nil {
		b.metrics.OrdersFilledTotal.Add(context.Background(), 1)
	}
	return nil
}

// Run replays the feed to completion. Open positions left at the end of the
// data are closed at the last seen price so the report reflects a flat
// account. Cancellation via ctx aborts between bars.
//
// On an abort the returned Result is non-nil and carries everything recorded
// up to the failing bar, so callers can inspect the equity curve and audit
// trail of a run that blew up mid-replay.
func (b *Backtest) Run(ctx context.Context) (*Result, error) {
	runID := uuid.NewString()
	started := time.Now()
	b.logger.Info("run started",
		"run_id", runID,
		"strategy", b.strat.Name(),
		"initial_balance", b.cfg.Account.InitialBalance,
	)

	for {
		select {
		case <-ctx.Done():
			return b.result(runID, started), ctx.Err()
		default:
		}

		bars, err := b.data.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return b.result(runID, started), fmt.Errorf("feed: %w", err)
		}
		if err := b.clock.Advance(bars[0].Time); err != nil {
			return b.result(runID, started), fmt.Errorf("advance to %s: %w", bars[0].Time, err)
		}
		for _, bar := range bars {
			b.bus.Publish(bar)
		}
		if err := b.bus.Drain(b.clock); err != nil {
			return b.result(runID, started), err
		}
		b.sample(runID, len(bars))
	}

	// end of data: flatten whatever is still open
	closeouts := b.account.CloseoutOrders(b.clock.Now())
	if len(closeouts) > 0 {
		b.logger.Info("closing open positions at end of data", "count", len(closeouts))
		for _, o := range closeouts {
			b.bus.Publish(o)
		}
		if err := b.bus.Drain(b.clock); err != nil {
			return b.result(runID, started), err
		}
		b.sample(runID, 0)
	}

	result := b.result(runID, started)

	if b.metrics != nil {
		b.metrics.RunsCompletedTotal.Add(ctx, 1)
		b.metrics.RunDuration.Record(ctx, float64(result.FinishedAt.Sub(result.StartedAt).Milliseconds()))
		for range result.Rejections {
			b.metrics.OrdersRejectedTotal.Add(ctx, 1)
		}
		for range result.MarginCalls {
			b.metrics.MarginCallsTotal.Add(ctx, 1)
		}
		for range b.recorder.Expired() {
			b.metrics.OrdersExpiredTotal.Add(ctx, 1)
		}
	}

	b.logger.Info("run finished",
		"run_id", runID,
		"total_return", result.Report.TotalReturn,
		"max_drawdown", result.Report.MaxDrawdown,
		"trades", result.Report.Trades,
		"margin_calls", result.Report.MarginCalls,
	)
	return result, nil
}

// result snapshots everything the recorder and ledger hold right now. Used
// for the final report and for the partial report handed back on abort.
func (b *Backtest) result(runID string, started time.Time) *Result {
	return &Result{
		RunID:       runID,
		Strategy:    b.strat.Name(),
		StartedAt:   started,
		FinishedAt:  time.Now(),
		Report:      b.recorder.Summarize(),
		Curve:       b.recorder.EquityCurve(),
		Trades:      b.recorder.Trades(),
		Rejections:  b.recorder.Rejections(),
		MarginCalls: b.recorder.MarginCalls(),
		Final:       b.account.Snapshot(),
	}
}

// Cancel withdraws a resting order by ID.
func (b *Backtest) Cancel(orderID string) error {
	return b.simulator.Cancel(orderID)
}

func (b *Backtest) sample(runID string, bars int) {
	snap := b.account.Snapshot()
	b.recorder.Sample(snap)
	if b.metrics != nil {
		b.metrics.BarsProcessedTotal.Add(context.Background(), int64(bars))
		b.metrics.SetEquity(runID, snap.Equity.InexactFloat64())
	}
}
