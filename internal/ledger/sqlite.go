package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"grid-bot/internal/exchange"
)

// SQLiteStore keeps the state row and trade log in a WAL-mode SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: failed to create ledger dir: %v", ErrPersistence, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open sqlite: %v", ErrPersistence, err)
	}
	// One writer keeps the state row and the trade log in lockstep.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: failed to set pragma %s: %v", ErrPersistence, pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS bot_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			accumulated_losses REAL NOT NULL DEFAULT 0,
			daily_pnl REAL NOT NULL DEFAULT 0,
			total_trades INTEGER NOT NULL DEFAULT 0,
			current_grid_level REAL,
			updated_at INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			action TEXT NOT NULL,
			side TEXT NOT NULL,
			grid_level REAL NOT NULL,
			stake_amount REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			accumulated_losses_after REAL NOT NULL
		);`,
		`INSERT OR IGNORE INTO bot_state (id) VALUES (1);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: failed to create schema: %v", ErrPersistence, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Load(ctx context.Context) (Record, error) {
	var (
		rec       Record
		level     sql.NullFloat64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT accumulated_losses, daily_pnl, total_trades, current_grid_level, updated_at FROM bot_state WHERE id = 1",
	).Scan(&rec.AccumulatedLosses, &rec.DailyPnL, &rec.TotalTrades, &level, &updatedAt)
	if err == sql.ErrNoRows {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: failed to load state: %v", ErrPersistence, err)
	}

	if level.Valid {
		lvl := level.Float64
		rec.CurrentGridLevel = &lvl
	}
	if updatedAt > 0 {
		rec.UpdatedAt = time.UnixMicro(updatedAt)
	}
	return rec, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, rec Record, trade *Trade) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin tx: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	var level sql.NullFloat64
	if rec.CurrentGridLevel != nil {
		level = sql.NullFloat64{Float64: *rec.CurrentGridLevel, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE bot_state SET accumulated_losses = ?, daily_pnl = ?, total_trades = ?,
			current_grid_level = ?, updated_at = ? WHERE id = 1`,
		rec.AccumulatedLosses, rec.DailyPnL, rec.TotalTrades, level, rec.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to update state: %v", ErrPersistence, err)
	}

	if trade != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trades (ts, action, side, grid_level, stake_amount, realized_pnl, accumulated_losses_after)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
			trade.Timestamp.UnixMicro(), string(trade.Action), string(trade.Side), trade.GridLevel,
			trade.StakeAmount, trade.RealizedPnL, trade.AccumulatedLossesAfter,
		)
		if err != nil {
			return fmt.Errorf("%w: failed to insert trade: %v", ErrPersistence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %v", ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteStore) Trades(ctx context.Context, limit int) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, action, side, grid_level, stake_amount, realized_pnl, accumulated_losses_after
			FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query trades: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var (
			t            Trade
			ts           int64
			action, side string
		)
		if err := rows.Scan(&t.ID, &ts, &action, &side, &t.GridLevel, &t.StakeAmount, &t.RealizedPnL, &t.AccumulatedLossesAfter); err != nil {
			return nil, fmt.Errorf("%w: failed to scan trade: %v", ErrPersistence, err)
		}
		t.Timestamp = time.UnixMicro(ts)
		t.Action = Action(action)
		t.Side = exchange.Side(side)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows iteration error: %v", ErrPersistence, err)
	}
	return trades, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
