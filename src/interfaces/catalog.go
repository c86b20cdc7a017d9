package interfaces

import (
	"context"

	"coinstream/src/models"
)

// -----------------------------------------------------------------------------
// ICatalogSource is a single upstream catalog provider (CoinGecko, CoinCap...).
// -----------------------------------------------------------------------------

type ICatalogSource interface {

	// Name returns the unique identifier of the source
	Name() string

	// -----------------------------------------------------------------------------

	// FetchAssets retrieves up to limit assets ordered by market cap.
	FetchAssets(ctx context.Context, limit int) ([]models.MAssetRecord, error)

	// -----------------------------------------------------------------------------

	// FetchConversionRate returns how many units of quote one unit of base buys.
	FetchConversionRate(ctx context.Context, base string, quote string) (float64, error)
}

// -----------------------------------------------------------------------------
// ISymbolSetProvider exposes the set of trade symbols tradable on the exchange.
// -----------------------------------------------------------------------------

type ISymbolSetProvider interface {

	// -----------------------------------------------------------------------------

	// TradableSymbols returns the set of USDT pairs currently in TRADING status,
	// keyed by upper-case trade symbol (e.g. "BTCUSDT").
	TradableSymbols(ctx context.Context) (map[string]bool, error)
}
