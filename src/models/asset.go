package models

// -----------------------------------------------------------------------------
// Trend values derived from a price change
// -----------------------------------------------------------------------------

const (
	TrendBullish = "bullish"
	TrendBearish = "bearish"
	TrendNeutral = "neutral"
	TrendUnknown = "unknown"
)

// -----------------------------------------------------------------------------

// DeriveTrend maps a 24h (or intra-bar) percentage change to a trend label.
// A nil change means the source did not provide one.
func DeriveTrend(changePct *float64) string {
	if changePct == nil {
		return TrendUnknown
	}
	switch {
	case *changePct > 0:
		return TrendBullish
	case *changePct < 0:
		return TrendBearish
	default:
		return TrendNeutral
	}
}

// -----------------------------------------------------------------------------

// MAssetRecord is the canonical catalog entry for one asset. Records are
// built wholesale on each refresh cycle and never partially mutated; an asset
// only survives the build if its derived trade symbol is present in the
// authoritative exchange symbol set.
type MAssetRecord struct {
	ID                string   `json:"id"`                // source id, e.g. "bitcoin"
	Symbol            string   `json:"symbol"`            // base symbol, e.g. "btc"
	Name              string   `json:"name"`              // display name, e.g. "Bitcoin"
	TradeSymbol       string   `json:"tradeSymbol"`       // confirmed pair, e.g. "BTCUSDT"
	Image             string   `json:"image,omitempty"`
	MarketCap         float64  `json:"marketCap"`
	MarketCapRank     int      `json:"marketCapRank"`
	CurrentPrice      float64  `json:"currentPrice"`
	High24h           float64  `json:"high24h"`
	Low24h            float64  `json:"low24h"`
	PriceChangePct24h *float64 `json:"priceChangePercentage24h"`
	TotalVolume       float64  `json:"totalVolume"`
	Trend             string   `json:"trend"`
	LastUpdated       string   `json:"lastUpdated"` // RFC3339 from the source
}
