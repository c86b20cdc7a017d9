package models

// -----------------------------------------------------------------------------
// Candle states
// -----------------------------------------------------------------------------

const (
	CandleForming = "forming"
	CandleClosed  = "closed"
)

// -----------------------------------------------------------------------------

// MCandle is one interval bar. A forming candle is relayed only; a closed
// candle is immutable and may be cached briefly.
type MCandle struct {
	TradeSymbol string  `json:"tradeSymbol"`
	Interval    string  `json:"interval"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	OpenTime    int64   `json:"openTime"`  // unix ms
	CloseTime   int64   `json:"closeTime"` // unix ms
	State       string  `json:"state"`     // forming | closed
}

// -----------------------------------------------------------------------------

// MTickUpdate carries the in-progress OHLCV of a forming candle plus a trend
// derived against the bar's open price.
type MTickUpdate struct {
	TradeSymbol  string  `json:"tradeSymbol"`
	Interval     string  `json:"interval"`
	CurrentPrice float64 `json:"currentPrice"`
	OpenPrice    float64 `json:"openPrice"`
	HighPrice    float64 `json:"highPrice"`
	LowPrice     float64 `json:"lowPrice"`
	TotalVolume  float64 `json:"totalVolume"`
	ChangePct    float64 `json:"priceChangePercentage"` // vs bar open
	Trend        string  `json:"trend"`
	OpenTime     int64   `json:"openTime"`
	CloseTime    int64   `json:"closeTime"`
	EventTime    int64   `json:"eventTime"` // exchange event time, unix ms
	IsForming    bool    `json:"isForming"`
}
