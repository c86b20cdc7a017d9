package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"coinstream/src/helpers"
	"coinstream/src/interfaces"
	"coinstream/src/logger"
	"coinstream/src/models"
)

// -----------------------------------------------------------------------------

// Aggregator merges asset records from the configured catalog sources,
// filters them against the exchange symbol set and serves all reads
// cache-first. Lookups by id never hit upstream on their own: the cached
// list is the only source of truth, which keeps fan-out load away from
// the providers' rate limits.
type Aggregator struct {
	sources   []interfaces.ICatalogSource // fixed priority order, last writer wins per id
	symbolSet interfaces.ISymbolSetProvider
	cache     interfaces.ICache
	logger    *logger.Logger

	listLimit   int
	listTTL     time.Duration
	rankingTTL  time.Duration
	rankingSize int
}

// -----------------------------------------------------------------------------

func NewAggregator(cfg models.MCatalogConfig, sources []interfaces.ICatalogSource, symbolSet interfaces.ISymbolSetProvider, cache interfaces.ICache, log *logger.Logger) *Aggregator {
	return &Aggregator{
		sources:     sources,
		symbolSet:   symbolSet,
		cache:       cache,
		logger:      log,
		listLimit:   cfg.ListLimit,
		listTTL:     time.Duration(cfg.ListTTLSeconds) * time.Second,
		rankingTTL:  time.Duration(cfg.RankingTTLSeconds) * time.Second,
		rankingSize: cfg.RankingSize,
	}
}

// -----------------------------------------------------------------------------

// ListAssets returns the merged, filtered asset list. Cache-first; on a
// miss every source is queried concurrently and a single failed source
// only degrades the result.
func (a *Aggregator) ListAssets(ctx context.Context, limit int) ([]models.MAssetRecord, error) {
	if limit <= 0 || limit > a.listLimit {
		limit = a.listLimit
	}
	cacheKey := fmt.Sprintf("assets:list:%d", limit)

	var cached []models.MAssetRecord
	if a.cache.Get(ctx, cacheKey, &cached) {
		return cached, nil
	}

	type sourceResult struct {
		index  int
		assets []models.MAssetRecord
		err    error
	}

	results := make([]sourceResult, len(a.sources))
	var wg sync.WaitGroup
	for i, src := range a.sources {
		wg.Add(1)
		go func(i int, src interfaces.ICatalogSource) {
			defer wg.Done()
			assets, err := src.FetchAssets(ctx, limit)
			results[i] = sourceResult{index: i, assets: assets, err: err}
		}(i, src)
	}
	wg.Wait()

	merged := make(map[string]models.MAssetRecord)
	var lastErr error
	failures := 0
	for _, res := range results {
		if res.err != nil {
			failures++
			lastErr = sourceUnavailable(a.sources[res.index].Name(), res.err)
			a.logger.Warning("Catalog source '%s' failed: %v", a.sources[res.index].Name(), res.err)
			continue
		}
		// Sources are iterated in priority order so the last writer
		// for a given id is deterministic.
		for _, asset := range res.assets {
			merged[asset.ID] = asset
		}
	}

	if failures == len(a.sources) {
		return nil, helpers.NewAllSourcesFailed("asset list", lastErr)
	}

	tradable, err := a.symbolSet.TradableSymbols(ctx)
	if err != nil {
		return nil, err
	}

	assets := make([]models.MAssetRecord, 0, len(merged))
	for _, asset := range merged {
		asset.TradeSymbol = DeriveTradeSymbol(asset.Symbol)
		if !tradable[asset.TradeSymbol] {
			continue
		}
		asset.Trend = models.DeriveTrend(asset.PriceChangePct24h)
		assets = append(assets, asset)
	}

	sort.Slice(assets, func(i, j int) bool {
		return assets[i].MarketCap > assets[j].MarketCap
	})
	if len(assets) > limit {
		assets = assets[:limit]
	}

	a.cache.Set(ctx, cacheKey, assets, a.listTTL)
	a.logger.Debug("Refreshed asset list: %d eligible of %d merged", len(assets), len(merged))
	return assets, nil
}

// -----------------------------------------------------------------------------

// Ranking returns the top N assets by market cap. Cache-first with a
// short TTL; on a miss the primary source is asked for a sorted page,
// falling back through the remaining sources.
func (a *Aggregator) Ranking(ctx context.Context, topN int) ([]models.MAssetRecord, error) {
	if topN <= 0 || topN > a.rankingSize*10 {
		topN = a.rankingSize
	}
	cacheKey := fmt.Sprintf("assets:ranking:%d", topN)

	var cached []models.MAssetRecord
	if a.cache.Get(ctx, cacheKey, &cached) {
		return cached, nil
	}

	tradable, err := a.symbolSet.TradableSymbols(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, src := range a.sources {
		// Over-fetch so the eligibility filter still leaves topN rows.
		fetched, err := src.FetchAssets(ctx, topN*2)
		if err != nil {
			lastErr = sourceUnavailable(src.Name(), err)
			a.logger.Warning("Catalog source '%s' failed for ranking: %v", src.Name(), err)
			continue
		}

		assets := make([]models.MAssetRecord, 0, topN)
		for _, asset := range fetched {
			asset.TradeSymbol = DeriveTradeSymbol(asset.Symbol)
			if !tradable[asset.TradeSymbol] {
				continue
			}
			asset.Trend = models.DeriveTrend(asset.PriceChangePct24h)
			assets = append(assets, asset)
			if len(assets) == topN {
				break
			}
		}

		a.cache.Set(ctx, cacheKey, assets, a.rankingTTL)
		return assets, nil
	}

	return nil, helpers.NewAllSourcesFailed("ranking", lastErr)
}

// -----------------------------------------------------------------------------

// Secondary returns up to size assets from the cached list that sit
// below the current ranking, so the two views never overlap.
func (a *Aggregator) Secondary(ctx context.Context, size int) ([]models.MAssetRecord, error) {
	assets, err := a.ListAssets(ctx, 0)
	if err != nil {
		return nil, err
	}

	if len(assets) <= a.rankingSize {
		return []models.MAssetRecord{}, nil
	}
	rest := assets[a.rankingSize:]
	if size > 0 && len(rest) > size {
		rest = rest[:size]
	}
	return rest, nil
}

// -----------------------------------------------------------------------------

// ByID looks the asset up in the cached list only. A miss is a normal
// outcome, never an error, and never triggers a per-id upstream call.
func (a *Aggregator) ByID(ctx context.Context, id string) (models.MAssetRecord, bool) {
	assets, err := a.ListAssets(ctx, 0)
	if err != nil {
		a.logger.Warning("Asset lookup for '%s' could not refresh the list: %v", id, err)
		return models.MAssetRecord{}, false
	}

	for _, asset := range assets {
		if asset.ID == id {
			return asset, true
		}
	}
	return models.MAssetRecord{}, false
}

// -----------------------------------------------------------------------------

// BySymbolSubstring filters the cached list with a case-insensitive
// substring match on symbol and name.
func (a *Aggregator) BySymbolSubstring(ctx context.Context, query string) ([]models.MAssetRecord, error) {
	assets, err := a.ListAssets(ctx, 0)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return assets, nil
	}

	matched := make([]models.MAssetRecord, 0)
	for _, asset := range assets {
		if strings.Contains(strings.ToLower(asset.Symbol), needle) ||
			strings.Contains(strings.ToLower(asset.Name), needle) {
			matched = append(matched, asset)
		}
	}
	return matched, nil
}

// -----------------------------------------------------------------------------

// DeriveTradeSymbol maps a catalog ticker to its exchange USDT pair.
func DeriveTradeSymbol(symbol string) string {
	return strings.ToUpper(symbol) + "USDT"
}

// sourceUnavailable tags a single source failure so an all-sources
// failure still names the last upstream that broke.
func sourceUnavailable(source string, cause error) error {
	return &helpers.UpstreamUnavailableError{
		EngineError: helpers.EngineError{
			Message: "catalog source '" + source + "' unavailable",
			Cause:   cause,
		},
		Source: source,
	}
}
