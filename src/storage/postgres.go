package storage

import (
	"database/sql"
	"fmt"
	"time"

	"coinstream/src/logger"
	"coinstream/src/models"

	_ "github.com/lib/pq"
)

// -----------------------------------------------------------------------------

type PostgresDB struct {
	Config *models.MConfig
	DB     *sql.DB
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewPostgresDB(cfg *models.MConfig, log *logger.Logger) (*PostgresDB, error) {
	return &PostgresDB{
		Config: cfg,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Initialize() error {
	dsn := d.Config.Storage.DBConnectionString
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		return err
	}

	d.DB = db
	return d.createTables()
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) createTables() error {
	query := `
		CREATE TABLE IF NOT EXISTS closed_candles (
			trade_symbol TEXT,
			interval TEXT,
			open_time BIGINT,
			close_time BIGINT,
			open DOUBLE PRECISION,
			high DOUBLE PRECISION,
			low DOUBLE PRECISION,
			close DOUBLE PRECISION,
			volume DOUBLE PRECISION,
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
			created_at TIMESTAMPTZ DEFAULT now(),
			PRIMARY KEY (user_id, asset_id)
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create user_preferences: %w", err)
	}

	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) GetPreferredSymbols(userID string) ([]string, error) {
	rows, err := d.DB.Query(
		"SELECT asset_id FROM user_preferences WHERE user_id = $1 ORDER BY created_at",
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

func (d *PostgresDB) SaveClosedCandle(candle models.MCandle) error {
	_, err := d.DB.Exec(`
		INSERT INTO closed_candles
			(trade_symbol, interval, open_time, close_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (trade_symbol, interval, open_time) DO UPDATE SET
			close_time = EXCLUDED.close_time,
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume`,
		candle.TradeSymbol, candle.Interval, candle.OpenTime, candle.CloseTime,
		candle.Open, candle.High, candle.Low, candle.Close, candle.Volume,
	)
	if err != nil {
		return fmt.Errorf("failed to save closed candle: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) RecentClosedCandles(tradeSymbol string, interval string, limit int) ([]models.MCandle, error) {
	rows, err := d.DB.Query(`
		SELECT trade_symbol, interval, open_time, close_time, open, high, low, close, volume
		FROM closed_candles
		WHERE trade_symbol = $1 AND interval = $2
		ORDER BY open_time DESC
		LIMIT $3`,
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

func (d *PostgresDB) CleanupOldData() error {
	cutoff := time.Now().Add(-time.Duration(d.Config.Storage.CandleRetentionHours) * time.Hour).UnixMilli()

	res, err := d.DB.Exec("DELETE FROM closed_candles WHERE close_time < $1", cutoff)
	if err != nil {
		return fmt.Errorf("failed to clean up old candles: %w", err)
	}

	if deleted, err := res.RowsAffected(); err == nil && deleted > 0 {
		d.Logger.Info("Cleaned up %d closed candles older than %dh", deleted, d.Config.Storage.CandleRetentionHours)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
