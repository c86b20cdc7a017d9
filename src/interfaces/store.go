package interfaces

import "coinstream/src/models"

// -----------------------------------------------------------------------------
// IStore defines the contract for storage operations.
// -----------------------------------------------------------------------------

type IStore interface {

	// -----------------------------------------------------------------------------

	// Initialize sets up the database schema and tables.
	Initialize() error

	// -----------------------------------------------------------------------------

	// GetPreferredSymbols returns the asset ids a user has marked as preferred.
	GetPreferredSymbols(userID string) ([]string, error)

	// -----------------------------------------------------------------------------

	// SaveClosedCandle persists a closed candle. Failures are logged by the
	// caller and never interrupt the live stream.
	SaveClosedCandle(candle models.MCandle) error

	// -----------------------------------------------------------------------------

	// RecentClosedCandles returns the most recent closed candles for a pair,
	// newest last, capped at limit.
	RecentClosedCandles(tradeSymbol string, interval string, limit int) ([]models.MCandle, error)

	// -----------------------------------------------------------------------------

	// CleanupOldData removes candles older than the retention policy.
	CleanupOldData() error

	// -----------------------------------------------------------------------------

	// Close the database connection
	Close() error
}
