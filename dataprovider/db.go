// File: dataprovider/db.go
package dataprovider

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/whoiscaerus/fibpilot/utilities"
)

// SQLiteStore backs the pipeline's durable state: the candle cache, the
// intended-order ledger, and the append-only audit trail.
type SQLiteStore struct {
	db     *sql.DB
	logger *utilities.Logger
}

func NewSQLiteStore(cfg utilities.DatabaseConfig, logger *utilities.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", cfg.DBPath, err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS candles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		open_time INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		UNIQUE(symbol, timeframe, open_time)
	);
	CREATE INDEX IF NOT EXISTS idx_symbol_tf_time ON candles (symbol, timeframe, open_time);

	CREATE TABLE IF NOT EXISTS order_ledger (
		client_order_id TEXT PRIMARY KEY,
		broker_order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry REAL NOT NULL,
		stop_loss REAL NOT NULL,
		take_profit REAL NOT NULL,
		volume REAL NOT NULL,
		expiry_time INTEGER NOT NULL,
		correlation_id TEXT NOT NULL,
		setup_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		submitted_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS guard_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state TEXT NOT NULL,
		peak_equity REAL NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_id TEXT NOT NULL,
		category TEXT NOT NULL,
		symbol TEXT NOT NULL,
		details TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// --- Candle Caching ---

func (s *SQLiteStore) SaveCandle(c utilities.Candle) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO candles (symbol, timeframe, open_time, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Symbol, c.Timeframe, c.OpenTime.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume)
	return err
}

func (s *SQLiteStore) GetCandles(symbol, timeframe string, start, end time.Time) ([]utilities.Candle, error) {
	rows, err := s.db.Query(`SELECT open_time, open, high, low, close, volume FROM candles WHERE symbol=? AND timeframe=? AND open_time BETWEEN ? AND ? ORDER BY open_time ASC`,
		symbol, timeframe, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var candles []utilities.Candle
	for rows.Next() {
		var c utilities.Candle
		var ts int64
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.Symbol = symbol
		c.Timeframe = timeframe
		c.OpenTime = time.Unix(ts, 0).UTC()
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// LastCandleTime returns the open time of the newest cached candle for the
// stream, used as the resume cursor after a restart. ok is false when the
// cache holds nothing for the stream.
func (s *SQLiteStore) LastCandleTime(symbol, timeframe string) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(open_time) FROM candles WHERE symbol=? AND timeframe=?`, symbol, timeframe).Scan(&ts)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), true, nil
}

// --- Order Ledger ---

func (s *SQLiteStore) SaveLedgerEntry(e LedgerEntry) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO order_ledger (client_order_id, broker_order_id, symbol, side, entry, stop_loss, take_profit, volume, expiry_time, correlation_id, setup_key, status, submitted_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ClientOrderID, e.BrokerOrderID, e.Symbol, e.Side, e.Entry, e.StopLoss, e.TakeProfit, e.Volume, e.ExpiryTime.Unix(), e.CorrelationID, e.SetupKey, e.Status, e.SubmittedAt.Unix())
	return err
}

// LoadActiveLedger returns every ledger entry not yet closed, keyed by client
// order id.
func (s *SQLiteStore) LoadActiveLedger() (map[string]LedgerEntry, error) {
	rows, err := s.db.Query(`SELECT client_order_id, broker_order_id, symbol, side, entry, stop_loss, take_profit, volume, expiry_time, correlation_id, setup_key, status, submitted_at FROM order_ledger WHERE status != ?`, LedgerClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to query order ledger: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]LedgerEntry)
	for rows.Next() {
		var e LedgerEntry
		var expiry, submitted int64
		if err := rows.Scan(&e.ClientOrderID, &e.BrokerOrderID, &e.Symbol, &e.Side, &e.Entry, &e.StopLoss, &e.TakeProfit, &e.Volume, &expiry, &e.CorrelationID, &e.SetupKey, &e.Status, &submitted); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		e.ExpiryTime = time.Unix(expiry, 0).UTC()
		e.SubmittedAt = time.Unix(submitted, 0).UTC()
		entries[e.ClientOrderID] = e
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) UpdateLedgerStatus(clientOrderID, status string) error {
	_, err := s.db.Exec(`UPDATE order_ledger SET status = ? WHERE client_order_id = ?`, status, clientOrderID)
	return err
}

// --- Audit Trail ---

// Append writes one audit event. The table is append-only: there is no
// update or delete path for audit rows anywhere in this package.
func (s *SQLiteStore) Append(event AuditEvent) error {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO audit_events (correlation_id, category, symbol, details, created_at) VALUES (?, ?, ?, ?, ?)`,
		event.CorrelationID, event.Category, event.Symbol, event.Details, createdAt.Unix())
	return err
}

// --- Guard State ---

// SaveGuardState upserts the single guard row. State and peak equity survive
// restarts so a halted guard stays halted until an operator reset.
func (s *SQLiteStore) SaveGuardState(state string, peakEquity float64) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO guard_state (id, state, peak_equity, updated_at) VALUES (1, ?, ?, ?)`,
		state, peakEquity, time.Now().UTC().Unix())
	return err
}

// LoadGuardState returns the persisted guard state. ok is false when no state
// has ever been saved.
func (s *SQLiteStore) LoadGuardState() (string, float64, bool, error) {
	var state string
	var peak float64
	err := s.db.QueryRow(`SELECT state, peak_equity FROM guard_state WHERE id = 1`).Scan(&state, &peak)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return state, peak, true, nil
}

// --- Cleanup ---

func (s *SQLiteStore) CleanupOldCandles(olderThan time.Time) error {
	_, err := s.db.Exec(`DELETE FROM candles WHERE open_time < ?`, olderThan.Unix())
	return err
}

// StartScheduledCleanup periodically drops candles older than the retention
// window. Audit rows and ledger entries are never reaped.
func (s *SQLiteStore) StartScheduledCleanup(ctx context.Context, interval time.Duration, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-retention)
				if err := s.CleanupOldCandles(cutoff); err != nil {
					s.logger.LogError("Scheduled cleanup error: %v", err)
				} else {
					s.logger.LogDebug("Scheduled candle cleanup completed (cutoff %s).", cutoff.Format(time.RFC3339))
				}
			}
		}
	}()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
