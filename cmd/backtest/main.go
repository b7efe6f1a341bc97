package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alitto/pond"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"margin_trader/internal/config"
	"margin_trader/internal/core"
	"margin_trader/internal/engine"
	"margin_trader/internal/event"
	"margin_trader/internal/feed"
	"margin_trader/internal/results"
	"margin_trader/internal/router"
	"margin_trader/internal/strategy"
	"margin_trader/pkg/logging"
	"margin_trader/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/backtest.yaml", "Path to configuration file")
	dataSpec := flag.String("data", "", "Bar data as SYMBOL=path.csv, comma-separated for multiple instruments")
	strategyName := flag.String("strategy", "sma", "Strategy: sma or buyhold")
	fast := flag.Int("fast", 10, "Fast window for the sma strategy")
	slow := flag.Int("slow", 30, "Slow window for the sma strategy")
	quantity := flag.Float64("qty", 0, "Fixed order quantity (overrides -fraction)")
	fraction := flag.Float64("fraction", 0.1, "Fraction of buying power per signal")
	sweep := flag.String("sweep", "", "SMA parameter sweep as fast/slow pairs, e.g. 5/20,10/30,20/50")
	workers := flag.Int("workers", 4, "Worker pool size for sweeps")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("backtest version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting backtest",
		"version", version,
		"strategy", *strategyName,
		"config", *configPath,
	)

	bars, err := loadBars(*dataSpec)
	if err != nil {
		logger.Error("Failed to load bar data", "error", err)
		os.Exit(1)
	}
	logger.Info("Bar data loaded", "bars", len(bars))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *telemetry.MetricsHolder
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("margin_trader")
		if err != nil {
			logger.Warn("Failed to initialize metrics exporter", "error", err)
		} else {
			metrics = telemetry.GetGlobalMetrics()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()
			g.Go(func() error {
				return serveMetrics(ctx, cfg.Telemetry.MetricsPort, logger)
			})
		}
	}

	var store *results.Store
	if cfg.Results.DBPath != "" {
		store, err = results.NewStore(cfg.Results.DBPath)
		if err != nil {
			logger.Error("Failed to open results store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	params, err := sweepParams(*strategyName, *fast, *slow, *sweep)
	if err != nil {
		logger.Error("Invalid sweep specification", "error", err)
		os.Exit(1)
	}

	runErr := runAll(ctx, cfg, bars, params, *strategyName, *quantity, *fraction, *workers, store, metrics, logger)
	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Metrics server stopped with error", "error", err)
	}
	if runErr != nil {
		logger.Error("Backtest failed", "error", runErr)
		os.Exit(1)
	}
}

type smaParams struct {
	fast, slow int
}

// runAll executes every parameter combination on a shared worker pool and
// persists finished runs. A single combination runs inline on one worker.
func runAll(ctx context.Context, cfg *config.Config, bars []event.Market, params []smaParams,
	strategyName string, quantity, fraction float64, workers int,
	store *results.Store, metrics *telemetry.MetricsHolder, logger core.ILogger) error {

	pool := pond.New(workers, len(params), pond.Context(ctx))

	var mu sync.Mutex
	var firstErr error

	for _, p := range params {
		p := p
		pool.Submit(func() {
			runLogger := logger.WithFields(map[string]interface{}{
				"fast": p.fast,
				"slow": p.slow,
			})
			result, err := runOne(ctx, cfg, bars, p, strategyName, quantity, fraction, metrics, runLogger)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				if result != nil && len(result.Curve) > 0 {
					last := result.Curve[len(result.Curve)-1]
					runLogger.Error("Run aborted",
						"error", err,
						"bars_recorded", len(result.Curve),
						"last_equity", last.Equity.String(),
						"trades", len(result.Trades),
						"margin_calls", len(result.MarginCalls),
					)
				} else {
					runLogger.Error("Run failed", "error", err)
				}
				return
			}
			runLogger.Info("Run complete",
				"run_id", result.RunID,
				"total_return", fmt.Sprintf("%.4f", result.Report.TotalReturn),
				"max_drawdown", fmt.Sprintf("%.4f", result.Report.MaxDrawdown),
				"sharpe", fmt.Sprintf("%.2f", result.Report.SharpeRatio),
				"trades", result.Report.Trades,
				"margin_calls", result.Report.MarginCalls,
			)
			if store != nil {
				err := store.SaveRun(ctx, results.Run{
					ID:         result.RunID,
					Strategy:   result.Strategy,
					StartedAt:  result.StartedAt,
					FinishedAt: result.FinishedAt,
					Config:     cfg.String(),
					Report:     result.Report,
					Curve:      result.Curve,
					Trades:     result.Trades,
				})
				if err != nil {
					runLogger.Error("Failed to persist run", "error", err)
				}
			}
		})
	}

	pool.StopAndWait()
	return firstErr
}

func runOne(ctx context.Context, cfg *config.Config, bars []event.Market, p smaParams,
	strategyName string, quantity, fraction float64,
	metrics *telemetry.MetricsHolder, logger core.ILogger) (*engine.Result, error) {

	var strat strategy.Strategy
	switch strategyName {
	case "sma":
		strat = strategy.NewSMACross(p.fast, p.slow)
	case "buyhold":
		strat = strategy.NewBuyAndHold()
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategyName)
	}

	var sizer router.Sizer
	if quantity > 0 {
		sizer = router.FixedSizer{Quantity: decimal.NewFromFloat(quantity)}
	} else {
		sizer = router.FractionalSizer{
			Fraction: decimal.NewFromFloat(fraction),
			Leverage: func(instrument string) decimal.Decimal {
				return decimal.NewFromFloat(cfg.LeverageFor(instrument))
			},
		}
	}

	b, err := engine.New(cfg, feed.NewSliceFeed(bars), strat, sizer, logger)
	if err != nil {
		return nil, err
	}
	b.SetMetrics(metrics)
	return b.Run(ctx)
}

// loadBars parses the -data flag and merges all instruments into one
// timestamp-ordered series.
func loadBars(spec string) ([]event.Market, error) {
	if spec == "" {
		return nil, fmt.Errorf("no bar data: pass -data SYMBOL=path.csv")
	}
	var series [][]event.Market
	for _, part := range strings.Split(spec, ",") {
		symbol, path, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed data entry %q, want SYMBOL=path.csv", part)
		}
		bars, err := feed.LoadCSV(strings.TrimSpace(path), strings.TrimSpace(symbol))
		if err != nil {
			return nil, err
		}
		series = append(series, bars)
	}
	return feed.Merge(series...), nil
}

// sweepParams expands the -sweep flag, falling back to the single -fast/-slow
// pair. Sweeps only make sense for the sma strategy.
func sweepParams(strategyName string, fast, slow int, sweep string) ([]smaParams, error) {
	if sweep == "" || strategyName != "sma" {
		return []smaParams{{fast: fast, slow: slow}}, nil
	}
	var params []smaParams
	for _, pair := range strings.Split(sweep, ",") {
		f, s, ok := strings.Cut(strings.TrimSpace(pair), "/")
		if !ok {
			return nil, fmt.Errorf("malformed sweep pair %q, want fast/slow", pair)
		}
		fv, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("sweep pair %q: %w", pair, err)
		}
		sv, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("sweep pair %q: %w", pair, err)
		}
		if fv <= 0 || sv <= fv {
			return nil, fmt.Errorf("sweep pair %q: need 0 < fast < slow", pair)
		}
		params = append(params, smaParams{fast: fv, slow: sv})
	}
	return params, nil
}

func serveMetrics(ctx context.Context, port int, logger core.ILogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening", "port", port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
