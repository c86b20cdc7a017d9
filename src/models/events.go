package models

// -----------------------------------------------------------------------------
// Payloads emitted to sessions. A snapshot is sent once at subscription
// start; deltas follow on the same topic until the session is released.
// -----------------------------------------------------------------------------

// MAssetsSnapshot is the initial payload for ranking, secondary and
// preferences views.
type MAssetsSnapshot struct {
	Assets           []MAssetRecord `json:"assets"`
	PreferredSymbols []string       `json:"preferredSymbols,omitempty"`
}

// MDetailSnapshot is the initial payload for the symbol-detail views.
type MDetailSnapshot struct {
	Asset            MAssetRecord `json:"asset"`
	Interval         string       `json:"interval"`
	Bars             []MCandle    `json:"bars"`
	PreferredSymbols []string     `json:"preferredSymbols,omitempty"`
}

// MFeedDisconnected notifies dependent sessions that an upstream streaming
// connection dropped. It is informational; re-subscription is up to the
// client, the engine itself retries with backoff.
type MFeedDisconnected struct {
	FeedKey string `json:"feedKey"`
	Reason  string `json:"reason"`
}

// MErrorEvent is the explicit error payload for malformed requests or total
// upstream outage. "No data yet" is never an error, it is an empty snapshot.
type MErrorEvent struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
