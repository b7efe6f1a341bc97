// Package results persists finished runs to SQLite so parameter sweeps can
// be compared after the fact.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"margin_trader/internal/performance"
	"margin_trader/internal/portfolio"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	strategy    TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	config      TEXT NOT NULL,
	report      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS equity_curve (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	ts          INTEGER NOT NULL,
	cash        TEXT NOT NULL,
	equity      TEXT NOT NULL,
	used_margin TEXT NOT NULL,
	free_margin TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	instrument   TEXT NOT NULL,
	side         TEXT NOT NULL,
	quantity     TEXT NOT NULL,
	entry_price  TEXT NOT NULL,
	exit_price   TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	commission   TEXT NOT NULL,
	opened_at    INTEGER NOT NULL,
	closed_at    INTEGER NOT NULL,
	reason       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_equity_run ON equity_curve(run_id, ts);
CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id);
`

// Run bundles everything saved for one finished backtest.
type Run struct {
	ID         string
	Strategy   string
	StartedAt  time.Time
	FinishedAt time.Time
	Config     string
	Report     performance.Report
	Curve      []performance.EquitySample
	Trades     []portfolio.ClosedTrade
}

// Store writes runs to a SQLite database.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL keeps readers (result viewers) from blocking sweep workers
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveRun writes the run, its equity curve, and its trades in one
// transaction.
func (s *Store) SaveRun(ctx context.Context, run Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// a run without losing trades has an infinite profit factor, which
	// JSON cannot carry
	sanitized := run.Report
	if math.IsInf(sanitized.ProfitFactor, 0) {
		sanitized.ProfitFactor = -1
	}
	report, err := json.Marshal(sanitized)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, strategy, started_at, finished_at, config, report) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Strategy, run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(), run.Config, string(report))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	curveStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO equity_curve (run_id, ts, cash, equity, used_margin, free_margin) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare equity insert: %w", err)
	}
	defer curveStmt.Close()
	for _, sample := range run.Curve {
		_, err = curveStmt.ExecContext(ctx, run.ID, sample.Time.UnixNano(),
			sample.Cash.String(), sample.Equity.String(),
			sample.UsedMargin.String(), sample.FreeMargin.String())
		if err != nil {
			return fmt.Errorf("failed to insert equity sample: %w", err)
		}
	}

	tradeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO trades (run_id, instrument, side, quantity, entry_price, exit_price, realized_pnl, commission, opened_at, closed_at, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare trade insert: %w", err)
	}
	defer tradeStmt.Close()
	for _, tr := range run.Trades {
		_, err = tradeStmt.ExecContext(ctx, run.ID, tr.Instrument, tr.Side.String(),
			tr.Quantity.String(), tr.EntryPrice.String(), tr.ExitPrice.String(),
			tr.RealizedPnL.String(), tr.Commission.String(),
			tr.OpenTime.UnixNano(), tr.CloseTime.UnixNano(), tr.Reason.String())
		if err != nil {
			return fmt.Errorf("failed to insert trade: %w", err)
		}
	}

	return tx.Commit()
}

// LoadReport reads back the stored report for a run ID.
func (s *Store) LoadReport(ctx context.Context, runID string) (performance.Report, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, runID).Scan(&raw)
	if err != nil {
		return performance.Report{}, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	var report performance.Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return performance.Report{}, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return report, nil
}

// ListRuns returns run IDs with their strategy names, most recent first.
func (s *Store) ListRuns(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, strategy FROM runs ORDER BY finished_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make(map[string]string)
	for rows.Next() {
		var id, strat string
		if err := rows.Scan(&id, &strat); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs[id] = strat
	}
	return runs, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
