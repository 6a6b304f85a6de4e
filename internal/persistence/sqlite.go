package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-bot/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	if err := repo.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			total_qty TEXT NOT NULL,
			executed_qty TEXT NOT NULL DEFAULT '0',
			avg_price TEXT NOT NULL DEFAULT '0',
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_symbol ON runs(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			order_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL DEFAULT '0',
			status TEXT NOT NULL,
			executed_qty TEXT NOT NULL DEFAULT '0',
			avg_price TEXT NOT NULL DEFAULT '0',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_run_id ON executions(run_id)`,

		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id)`,

		`CREATE TABLE IF NOT EXISTS oco_pairs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			tp_order_id INTEGER NOT NULL,
			sl_order_id INTEGER NOT NULL,
			tp_price TEXT NOT NULL,
			sl_price TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_oco_pairs_symbol ON oco_pairs(symbol)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// SaveRun inserts or replaces a run record.
func (r *SQLiteRepository) SaveRun(ctx context.Context, run RunRecord) error {
	query := `INSERT OR REPLACE INTO runs
		(run_id, strategy, symbol, side, total_qty, executed_qty, avg_price, status, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`

	_, err := r.db.ExecContext(ctx, query,
		run.RunID,
		run.Strategy,
		run.Symbol,
		string(run.Side),
		run.TotalQty.String(),
		run.ExecutedQty.String(),
		run.AvgPrice.String(),
		string(run.Status),
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	return nil
}

// UpdateRunStatus updates a run's status and progress.
func (r *SQLiteRepository) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, executedQty, avgPrice decimal.Decimal) error {
	query := `UPDATE runs SET status = ?, executed_qty = ?, avg_price = ?, updated_at = CURRENT_TIMESTAMP WHERE run_id = ?`

	_, err := r.db.ExecContext(ctx, query, string(status), executedQty.String(), avgPrice.String(), runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	return nil
}

// GetRun returns one run record, or nil when unknown.
func (r *SQLiteRepository) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	query := `SELECT run_id, strategy, symbol, side, total_qty, executed_qty, avg_price, status, started_at, updated_at
		FROM runs WHERE run_id = ?`

	var rec RunRecord
	var side, status, totalQty, executedQty, avgPrice string

	err := r.db.QueryRowContext(ctx, query, runID).Scan(
		&rec.RunID,
		&rec.Strategy,
		&rec.Symbol,
		&side,
		&totalQty,
		&executedQty,
		&avgPrice,
		&status,
		&rec.StartedAt,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	rec.Side = types.Side(side)
	rec.Status = types.RunStatus(status)
	rec.TotalQty, _ = decimal.NewFromString(totalQty)
	rec.ExecutedQty, _ = decimal.NewFromString(executedQty)
	rec.AvgPrice, _ = decimal.NewFromString(avgPrice)

	return &rec, nil
}

// GetActiveRuns returns all runs still marked ACTIVE.
func (r *SQLiteRepository) GetActiveRuns(ctx context.Context) ([]RunRecord, error) {
	query := `SELECT run_id, strategy, symbol, side, total_qty, executed_qty, avg_price, status, started_at, updated_at
		FROM runs WHERE status = ? ORDER BY started_at`

	rows, err := r.db.QueryContext(ctx, query, string(types.RunStatusActive))
	if err != nil {
		return nil, fmt.Errorf("query active runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var side, status, totalQty, executedQty, avgPrice string

		if err := rows.Scan(&rec.RunID, &rec.Strategy, &rec.Symbol, &side, &totalQty, &executedQty, &avgPrice, &status, &rec.StartedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		rec.Side = types.Side(side)
		rec.Status = types.RunStatus(status)
		rec.TotalQty, _ = decimal.NewFromString(totalQty)
		rec.ExecutedQty, _ = decimal.NewFromString(executedQty)
		rec.AvgPrice, _ = decimal.NewFromString(avgPrice)

		runs = append(runs, rec)
	}

	return runs, rows.Err()
}

// SaveExecution saves one placed order.
func (r *SQLiteRepository) SaveExecution(ctx context.Context, exec ExecutionRecord) error {
	query := `INSERT INTO executions
		(run_id, order_id, symbol, side, type, quantity, price, status, executed_qty, avg_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		exec.RunID,
		exec.OrderID,
		exec.Symbol,
		string(exec.Side),
		string(exec.Type),
		exec.Quantity.String(),
		exec.Price.String(),
		string(exec.Status),
		exec.ExecutedQty.String(),
		exec.AvgPrice.String(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	return nil
}

// GetExecutions returns all orders placed by a run, oldest first.
func (r *SQLiteRepository) GetExecutions(ctx context.Context, runID string) ([]ExecutionRecord, error) {
	query := `SELECT id, run_id, order_id, symbol, side, type, quantity, price, status, executed_qty, avg_price, created_at
		FROM executions WHERE run_id = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var execs []ExecutionRecord
	for rows.Next() {
		var e ExecutionRecord
		var side, orderType, status, quantity, price, executedQty, avgPrice string

		if err := rows.Scan(&e.ID, &e.RunID, &e.OrderID, &e.Symbol, &side, &orderType, &quantity, &price, &status, &executedQty, &avgPrice, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		e.Side = types.Side(side)
		e.Type = types.OrderType(orderType)
		e.Status = types.OrderStatus(status)
		e.Quantity, _ = decimal.NewFromString(quantity)
		e.Price, _ = decimal.NewFromString(price)
		e.ExecutedQty, _ = decimal.NewFromString(executedQty)
		e.AvgPrice, _ = decimal.NewFromString(avgPrice)

		execs = append(execs, e)
	}

	return execs, rows.Err()
}

// SaveEvent saves one run event.
func (r *SQLiteRepository) SaveEvent(ctx context.Context, event EventRecord) error {
	query := `INSERT INTO events (run_id, kind, payload) VALUES (?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query, event.RunID, event.Kind, event.Payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

// GetEvents returns the newest events for a run.
func (r *SQLiteRepository) GetEvents(ctx context.Context, runID string, limit int) ([]EventRecord, error) {
	query := `SELECT id, run_id, kind, payload, created_at
		FROM events WHERE run_id = ? ORDER BY id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.RunID, &e.Kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// SaveOCOPair saves a placed OCO pair.
func (r *SQLiteRepository) SaveOCOPair(ctx context.Context, pair OCOPairRecord) error {
	query := `INSERT INTO oco_pairs (symbol, side, quantity, tp_order_id, sl_order_id, tp_price, sl_price)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		pair.Symbol,
		string(pair.Side),
		pair.Quantity.String(),
		pair.TPOrderID,
		pair.SLOrderID,
		pair.TPPrice.String(),
		pair.SLPrice.String(),
	)
	if err != nil {
		return fmt.Errorf("insert oco pair: %w", err)
	}

	return nil
}

// GetOCOPairs returns the newest OCO pairs for a symbol.
func (r *SQLiteRepository) GetOCOPairs(ctx context.Context, symbol string, limit int) ([]OCOPairRecord, error) {
	query := `SELECT id, symbol, side, quantity, tp_order_id, sl_order_id, tp_price, sl_price, created_at
		FROM oco_pairs WHERE symbol = ? ORDER BY id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query oco pairs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pairs []OCOPairRecord
	for rows.Next() {
		var p OCOPairRecord
		var side, quantity, tpPrice, slPrice string

		if err := rows.Scan(&p.ID, &p.Symbol, &side, &quantity, &p.TPOrderID, &p.SLOrderID, &tpPrice, &slPrice, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		p.Side = types.Side(side)
		p.Quantity, _ = decimal.NewFromString(quantity)
		p.TPPrice, _ = decimal.NewFromString(tpPrice)
		p.SLPrice, _ = decimal.NewFromString(slPrice)

		pairs = append(pairs, p)
	}

	return pairs, rows.Err()
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
