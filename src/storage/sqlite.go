package storage

import (
	"database/sql"
	"fmt"
	"time"

	"coinstream/src/logger"
	"coinstream/src/models"

	_ "modernc.org/sqlite"
)

// -----------------------------------------------------------------------------

type AsyncSQLiteDB struct {
	Config *models.MConfig
	DB     *sql.DB
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewAsyncSQLiteDB(cfg *models.MConfig, log *logger.Logger) (*AsyncSQLiteDB, error) {
	return &AsyncSQLiteDB{
		Config: cfg,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) Initialize() error {
	dsn := d.Config.Storage.DBPath

	// Open DB
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		return err
	}

	d.DB = db

	// PRAGMA optimizations
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		d.Logger.Warning("Failed to set WAL mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
		d.Logger.Warning("Failed to set synchronous mode: %v", err)
	}

	return d.createTables()
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) createTables() error {
	// SQLite types: INTEGER for int64, REAL for float64, TEXT for string
	query := `
		CREATE TABLE IF NOT EXISTS closed_candles (
			trade_symbol TEXT,
			interval TEXT,
			open_time INTEGER,
			close_time INTEGER,
			open REAL,
			high REAL,
			low REAL,
			close REAL,
			volume REAL,
			PRIMARY KEY (trade_symbol, interval, open_time)
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create closed_candles: %w", err)
	}

	query = `
		CREATE TABLE IF NOT EXISTS user_preferences (
			user_id TEXT,
			asset_id TEXT,
			created_at INTEGER DEFAULT (strftime('%s', 'now')),
			PRIMARY KEY (user_id, asset_id)
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create user_preferences: %w", err)
	}

	return nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) GetPreferredSymbols(userID string) ([]string, error) {
	rows, err := d.DB.Query(
		"SELECT asset_id FROM user_preferences WHERE user_id = ? ORDER BY created_at",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences for '%s': %w", userID, err)
	}
	defer rows.Close()

	var assetIDs []string
	for rows.Next() {
		var assetID string
		if err := rows.Scan(&assetID); err != nil {
			return nil, err
		}
		assetIDs = append(assetIDs, assetID)
	}
	return assetIDs, rows.Err()
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) SaveClosedCandle(candle models.MCandle) error {
	_, err := d.DB.Exec(`
		INSERT INTO closed_candles
			(trade_symbol, interval, open_time, close_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trade_symbol, interval, open_time) DO UPDATE SET
			close_time = excluded.close_time,
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume`,
		candle.TradeSymbol, candle.Interval, candle.OpenTime, candle.CloseTime,
		candle.Open, candle.High, candle.Low, candle.Close, candle.Volume,
	)
	if err != nil {
		return fmt.Errorf("failed to save closed candle: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) RecentClosedCandles(tradeSymbol string, interval string, limit int) ([]models.MCandle, error) {
	rows, err := d.DB.Query(`
		SELECT trade_symbol, interval, open_time, close_time, open, high, low, close, volume
		FROM closed_candles
		WHERE trade_symbol = ? AND interval = ?
		ORDER BY open_time DESC
		LIMIT ?`,
		tradeSymbol, interval, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load candles for '%s': %w", tradeSymbol, err)
	}
	defer rows.Close()

	candles, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}

	// Query is newest-first, callers want oldest-first
	reverseCandles(candles)
	return candles, nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) CleanupOldData() error {
	cutoff := time.Now().Add(-time.Duration(d.Config.Storage.CandleRetentionHours) * time.Hour).UnixMilli()

	res, err := d.DB.Exec("DELETE FROM closed_candles WHERE close_time < ?", cutoff)
	if err != nil {
		return fmt.Errorf("failed to clean up old candles: %w", err)
	}

	if deleted, err := res.RowsAffected(); err == nil && deleted > 0 {
		d.Logger.Info("Cleaned up %d closed candles older than %dh", deleted, d.Config.Storage.CandleRetentionHours)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *AsyncSQLiteDB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Shared row helpers
// -----------------------------------------------------------------------------

func scanCandles(rows *sql.Rows) ([]models.MCandle, error) {
	var candles []models.MCandle
	for rows.Next() {
		var c models.MCandle
		if err := rows.Scan(&c.TradeSymbol, &c.Interval, &c.OpenTime, &c.CloseTime,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.State = models.CandleClosed
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

func reverseCandles(candles []models.MCandle) {
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
}
