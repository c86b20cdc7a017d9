package catalog

import (
	"context"
	"strings"
	"time"

	"coinstream/src/helpers"
	"coinstream/src/interfaces"
	"coinstream/src/logger"
	"coinstream/src/models"

	"github.com/goccy/go-json"
)

// -----------------------------------------------------------------------------

const symbolSetCacheKey = "assets:symbolset"

// exchangeInfoResponse mirrors the exchange's /exchangeInfo payload,
// reduced to the fields the filter needs.
type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		QuoteAsset string `json:"quoteAsset"`
	} `json:"symbols"`
}

// -----------------------------------------------------------------------------

// SymbolSetProvider fetches and caches the authoritative set of tradable
// USDT pairs from the exchange.
type SymbolSetProvider struct {
	network interfaces.INetworkManager
	cache   interfaces.ICache
	logger  *logger.Logger
	url     string
	ttl     time.Duration
}

// -----------------------------------------------------------------------------

func NewSymbolSetProvider(cfg models.MCatalogConfig, network interfaces.INetworkManager, cache interfaces.ICache, log *logger.Logger) *SymbolSetProvider {
	return &SymbolSetProvider{
		network: network,
		cache:   cache,
		logger:  log,
		url:     cfg.SymbolSetURL,
		ttl:     time.Duration(cfg.SymbolSetTTLSeconds) * time.Second,
	}
}

// -----------------------------------------------------------------------------

// TradableSymbols returns the set of USDT pairs in TRADING status,
// keyed by upper-case trade symbol. Cache-first with a 1h default TTL.
func (p *SymbolSetProvider) TradableSymbols(ctx context.Context) (map[string]bool, error) {
	var symbols []string
	if p.cache.Get(ctx, symbolSetCacheKey, &symbols) {
		return toSet(symbols), nil
	}

	body, err := p.network.Get(ctx, p.url, nil)
	if err != nil {
		return nil, &helpers.NetworkError{EngineError: helpers.EngineError{Message: "failed to fetch exchange symbol set", Cause: err}}
	}

	var info exchangeInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &helpers.NetworkError{EngineError: helpers.EngineError{Message: "failed to parse exchange symbol set", Cause: err}}
	}

	symbols = symbols[:0]
	for _, s := range info.Symbols {
		if s.Status == "TRADING" && s.QuoteAsset == "USDT" {
			symbols = append(symbols, strings.ToUpper(s.Symbol))
		}
	}

	p.logger.Debug("Refreshed exchange symbol set: %d tradable USDT pairs", len(symbols))
	p.cache.Set(ctx, symbolSetCacheKey, symbols, p.ttl)
	return toSet(symbols), nil
}

func toSet(symbols []string) map[string]bool {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return set
}
