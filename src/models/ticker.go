package models

// MTickerUpdate is one live multi-ticker update for a single trade symbol,
// parsed from the upstream mini-ticker stream. Fields the stream cannot
// provide (market cap, rank) are intentionally absent.
type MTickerUpdate struct {
	TradeSymbol    string  `json:"tradeSymbol"`
	Symbol         string  `json:"symbol"` // base symbol, lower case
	CurrentPrice   float64 `json:"currentPrice"`
	High24h        float64 `json:"high24h"`
	Low24h         float64 `json:"low24h"`
	TotalVolume    float64 `json:"totalVolume"`    // base asset 24h volume
	VolumeQuote24h float64 `json:"volumeQuote24h"` // quote asset 24h volume
	EventTime      int64   `json:"eventTime"`      // unix ms
}

// -----------------------------------------------------------------------------

// Changed reports whether the update differs materially from prev, i.e.
// whether price or base volume moved. Equal updates are not re-emitted.
func (u MTickerUpdate) Changed(prev MTickerUpdate) bool {
	return u.CurrentPrice != prev.CurrentPrice || u.TotalVolume != prev.TotalVolume
}
