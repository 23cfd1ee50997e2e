package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/vitos/options_breakout/internal/domain"
	"go.uber.org/multierr"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// The engine loop and the control server share the handle; one
	// connection keeps SQLite writers serialized.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, multierr.Append(err, db.Close())
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tickers (
			symbol TEXT PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT 1,
			threshold REAL NOT NULL DEFAULT 0.5,
			max_positions INTEGER NOT NULL DEFAULT 2,
			capital_per_trade REAL NOT NULL DEFAULT 500,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker TEXT NOT NULL,
			option_type TEXT NOT NULL,
			symbol TEXT NOT NULL,
			streamer_symbol TEXT NOT NULL DEFAULT '',
			strike TEXT NOT NULL,
			expiration TEXT NOT NULL,
			entry_price REAL NOT NULL,
			current_price REAL NOT NULL,
			quantity INTEGER NOT NULL,
			status TEXT NOT NULL,
			pnl REAL NOT NULL DEFAULT 0,
			open_price_ref REAL NOT NULL DEFAULT 0,
			order_id TEXT NOT NULL,
			entry_time DATETIME NOT NULL,
			exit_time DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_ticker_status ON positions(ticker, status);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_entry_time ON positions(entry_time);`,
		`CREATE TABLE IF NOT EXISTS open_prices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker TEXT NOT NULL,
			symbol TEXT NOT NULL,
			option_type TEXT NOT NULL,
			strike TEXT NOT NULL,
			expiration TEXT NOT NULL,
			day TEXT NOT NULL,
			open_price REAL NOT NULL,
			current_price REAL NOT NULL,
			high_price REAL NOT NULL,
			low_price REAL NOT NULL,
			underlying_price REAL NOT NULL DEFAULT 0,
			interval_time TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL,
			UNIQUE (ticker, symbol, day)
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// TickerRepository Implementation

const tickerColumns = `symbol, enabled, threshold, max_positions, capital_per_trade, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTicker(row scanner) (*domain.TickerConfig, error) {
	var t domain.TickerConfig
	if err := row.Scan(&t.Symbol, &t.Enabled, &t.Threshold, &t.MaxPositions, &t.CapitalPerTrade, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) listTickers(ctx context.Context, where string) ([]*domain.TickerConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tickerColumns+` FROM tickers `+where+` ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickers []*domain.TickerConfig
	for rows.Next() {
		t, err := scanTicker(rows)
		if err != nil {
			return nil, err
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}

func (s *SQLiteStore) ListTickers(ctx context.Context) ([]*domain.TickerConfig, error) {
	return s.listTickers(ctx, "")
}

func (s *SQLiteStore) ListEnabledTickers(ctx context.Context) ([]*domain.TickerConfig, error) {
	return s.listTickers(ctx, "WHERE enabled = 1")
}

func (s *SQLiteStore) GetTicker(ctx context.Context, symbol string) (*domain.TickerConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tickerColumns+` FROM tickers WHERE symbol = ?`, strings.ToUpper(symbol))
	t, err := scanTicker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ticker %s", domain.ErrNotFound, symbol)
	}
	return t, err
}

// SaveTicker inserts or updates a ticker; created_at is kept on update.
func (s *SQLiteStore) SaveTicker(ctx context.Context, t *domain.TickerConfig) error {
	now := time.Now().UTC()
	t.Symbol = strings.ToUpper(t.Symbol)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	query := `INSERT INTO tickers (` + tickerColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(symbol) DO UPDATE SET
			  enabled=excluded.enabled,
			  threshold=excluded.threshold,
			  max_positions=excluded.max_positions,
			  capital_per_trade=excluded.capital_per_trade,
			  updated_at=excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		t.Symbol, t.Enabled, t.Threshold, t.MaxPositions, t.CapitalPerTrade, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *SQLiteStore) SetTickerEnabled(ctx context.Context, symbol string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tickers SET enabled = ?, updated_at = ? WHERE symbol = ?`,
		enabled, time.Now().UTC(), strings.ToUpper(symbol))
	return requireAffected(res, err, "ticker "+symbol)
}

func (s *SQLiteStore) DeleteTicker(ctx context.Context, symbol string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tickers WHERE symbol = ?", strings.ToUpper(symbol))
	return requireAffected(res, err, "ticker "+symbol)
}

func requireAffected(res sql.Result, err error, what string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	return nil
}

// PositionRepository Implementation

const positionColumns = `id, ticker, option_type, symbol, streamer_symbol, strike, expiration, entry_price, current_price,
	quantity, status, pnl, open_price_ref, order_id, entry_time, exit_time`

func scanPosition(row scanner) (*domain.Position, error) {
	var (
		p        domain.Position
		exitTime sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Ticker, &p.OptionType, &p.Symbol, &p.StreamerSymbol, &p.Strike, &p.Expiration,
		&p.EntryPrice, &p.CurrentPrice, &p.Quantity, &p.Status, &p.PnL, &p.OpenPriceRef, &p.OrderID,
		&p.EntryTime, &exitTime)
	if err != nil {
		return nil, err
	}
	if exitTime.Valid {
		t := exitTime.Time
		p.ExitTime = &t
	}
	return &p, nil
}

func (s *SQLiteStore) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// FindOpenPosition returns the OPEN position for ticker and symbol, or nil.
func (s *SQLiteStore) FindOpenPosition(ctx context.Context, ticker, symbol string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE ticker = ? AND symbol = ? AND status = ? ORDER BY id LIMIT 1`, ticker, symbol, domain.PositionOpen)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) CountOpenPositions(ctx context.Context, ticker string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions WHERE ticker = ? AND status = ?`,
		ticker, domain.PositionOpen).Scan(&n)
	return n, err
}

func (s *SQLiteStore) SaveNewPosition(ctx context.Context, pos *domain.Position) error {
	if pos.Status == "" {
		pos.Status = domain.PositionOpen
	}
	if pos.EntryTime.IsZero() {
		pos.EntryTime = time.Now().UTC()
	}
	if pos.CurrentPrice == 0 {
		pos.CurrentPrice = pos.EntryPrice
	}

	query := `INSERT INTO positions (ticker, option_type, symbol, streamer_symbol, strike, expiration, entry_price,
			  current_price, quantity, status, pnl, open_price_ref, order_id, entry_time)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		pos.Ticker, pos.OptionType, pos.Symbol, pos.StreamerSymbol, pos.Strike.String(), pos.Expiration, pos.EntryPrice,
		pos.CurrentPrice, pos.Quantity, pos.Status, pos.PnL, pos.OpenPriceRef, pos.OrderID, pos.EntryTime)
	if err != nil {
		return err
	}
	pos.ID, err = res.LastInsertId()
	return err
}

// MarkToMarket sets the position's current price and running P&L.
func (s *SQLiteStore) MarkToMarket(ctx context.Context, pos *domain.Position, mark float64) error {
	pos.CurrentPrice = mark
	pos.PnL = pos.PnLAt(mark)
	res, err := s.db.ExecContext(ctx, `UPDATE positions SET current_price = ?, pnl = ? WHERE id = ? AND status = ?`,
		pos.CurrentPrice, pos.PnL, pos.ID, domain.PositionOpen)
	return requireAffected(res, err, fmt.Sprintf("open position %d", pos.ID))
}

func (s *SQLiteStore) ListOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	return s.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = ? ORDER BY id`, domain.PositionOpen)
}

// ListPositions returns positions newest first. An empty status lists all;
// a non-positive limit returns every row.
func (s *SQLiteStore) ListPositions(ctx context.Context, status domain.PositionStatus, limit int) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY entry_time DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryPositions(ctx, query, args...)
}

func (s *SQLiteStore) GetPosition(ctx context.Context, id int64) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %d", domain.ErrNotFound, id)
	}
	return p, err
}

// ClosePosition finalizes an OPEN position with its current price, P&L and
// exit time. Closed positions are never updated again.
func (s *SQLiteStore) ClosePosition(ctx context.Context, pos *domain.Position) error {
	if pos.ExitTime == nil {
		now := time.Now().UTC()
		pos.ExitTime = &now
	}
	pos.PnL = pos.PnLAt(pos.CurrentPrice)
	res, err := s.db.ExecContext(ctx, `UPDATE positions SET status = ?, current_price = ?, pnl = ?, exit_time = ?
		WHERE id = ? AND status = ?`,
		domain.PositionClosed, pos.CurrentPrice, pos.PnL, *pos.ExitTime, pos.ID, domain.PositionOpen)
	if err := requireAffected(res, err, fmt.Sprintf("open position %d", pos.ID)); err != nil {
		return err
	}
	pos.Status = domain.PositionClosed
	return nil
}

// OpenPriceRepository Implementation

// GetOrCreateOpenPrice records observed as the day's open for its key unless
// a record already exists, refreshes the current/high/low tracking fields,
// and returns the stored open price.
func (s *SQLiteStore) GetOrCreateOpenPrice(ctx context.Context, observed *domain.OpenPriceRecord) (float64, error) {
	if observed.UpdatedAt.IsZero() {
		observed.UpdatedAt = time.Now().UTC()
	}
	mark := observed.OpenPrice

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO open_prices (ticker, symbol, option_type, strike, expiration, day,
		open_price, current_price, high_price, low_price, underlying_price, interval_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker, symbol, day) DO NOTHING`,
		observed.Ticker, observed.Symbol, observed.OptionType, observed.Strike.String(), observed.Expiration, observed.Day,
		mark, mark, mark, mark, observed.UnderlyingPrice, observed.IntervalTime, observed.UpdatedAt)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE open_prices SET
		current_price = ?, high_price = MAX(high_price, ?), low_price = MIN(low_price, ?),
		underlying_price = ?, updated_at = ?
		WHERE ticker = ? AND symbol = ? AND day = ?`,
		mark, mark, mark, observed.UnderlyingPrice, observed.UpdatedAt,
		observed.Ticker, observed.Symbol, observed.Day)
	if err != nil {
		return 0, err
	}

	var open float64
	if err := tx.QueryRowContext(ctx, `SELECT open_price FROM open_prices WHERE ticker = ? AND symbol = ? AND day = ?`,
		observed.Ticker, observed.Symbol, observed.Day).Scan(&open); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return open, nil
}

func (s *SQLiteStore) ListOpenPrices(ctx context.Context, day string) ([]*domain.OpenPriceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ticker, symbol, option_type, strike, expiration, day, open_price,
		current_price, high_price, low_price, underlying_price, interval_time, updated_at
		FROM open_prices WHERE day = ? ORDER BY ticker, symbol`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.OpenPriceRecord
	for rows.Next() {
		var (
			r      domain.OpenPriceRecord
			strike string
		)
		if err := rows.Scan(&r.Ticker, &r.Symbol, &r.OptionType, &strike, &r.Expiration, &r.Day, &r.OpenPrice,
			&r.CurrentPrice, &r.HighPrice, &r.LowPrice, &r.UnderlyingPrice, &r.IntervalTime, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if r.Strike, err = decimal.NewFromString(strike); err != nil {
			return nil, fmt.Errorf("%w: open price strike %q: %v", domain.ErrData, strike, err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}
