package catalog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"coinstream/src/cache"
	"coinstream/src/helpers"
	"coinstream/src/interfaces"
	"coinstream/src/logger"
	"coinstream/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeSource struct {
	name   string
	assets []models.MAssetRecord
	err    error
	calls  int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchAssets(_ context.Context, _ int) ([]models.MAssetRecord, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.assets, nil
}

func (f *fakeSource) FetchConversionRate(_ context.Context, _ string, _ string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return 2.5, nil
}

type fakeSymbolSet struct {
	symbols map[string]bool
	err     error
}

func (f *fakeSymbolSet) TradableSymbols(_ context.Context) (map[string]bool, error) {
	return f.symbols, f.err
}

// -----------------------------------------------------------------------------

func pct(v float64) *float64 { return &v }

func asset(id string, symbol string, marketCap float64, changePct *float64) models.MAssetRecord {
	return models.MAssetRecord{
		ID:                id,
		Symbol:            symbol,
		Name:              id,
		MarketCap:         marketCap,
		CurrentPrice:      1,
		PriceChangePct24h: changePct,
	}
}

func testConfig() models.MCatalogConfig {
	return models.MCatalogConfig{
		ListLimit:         250,
		ListTTLSeconds:    900,
		RankingSize:       2,
		RankingTTLSeconds: 60,
		SecondarySize:     10,
	}
}

func newTestAggregator(t *testing.T, symbols *fakeSymbolSet, sources ...*fakeSource) *Aggregator {
	log := logger.NewLogger("error", "test")
	mem := cache.NewMemoryCache(log)
	t.Cleanup(func() { mem.Close() })

	srcs := make([]interfaces.ICatalogSource, 0, len(sources))
	for _, s := range sources {
		srcs = append(srcs, s)
	}
	return NewAggregator(testConfig(), srcs, symbols, mem, log)
}

// -----------------------------------------------------------------------------

func TestListAssetsMergesFiltersAndSorts(t *testing.T) {
	gecko := &fakeSource{name: "coingecko", assets: []models.MAssetRecord{
		asset("bitcoin", "btc", 1000, pct(2.0)),
		asset("ethereum", "eth", 500, pct(-1.5)),
		asset("dogecoin", "doge", 50, pct(0.0)),
	}}
	capSrc := &fakeSource{name: "coincap", assets: []models.MAssetRecord{
		asset("ethereum", "eth", 510, pct(-1.5)), // later source wins for eth
		asset("solana", "sol", 200, pct(4.0)),
		asset("unlisted", "xyz", 900, nil),
	}}
	symbols := &fakeSymbolSet{symbols: map[string]bool{
		"BTCUSDT": true, "ETHUSDT": true, "SOLUSDT": true,
	}}

	agg := newTestAggregator(t, symbols, gecko, capSrc)

	assets, err := agg.ListAssets(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, assets, 3) // doge and xyz dropped by eligibility

	assert.Equal(t, "bitcoin", assets[0].ID)
	assert.Equal(t, "ethereum", assets[1].ID)
	assert.Equal(t, "solana", assets[2].ID)

	// Last writer won for ethereum
	assert.Equal(t, 510.0, assets[1].MarketCap)

	// Derived fields
	assert.Equal(t, "BTCUSDT", assets[0].TradeSymbol)
	assert.Equal(t, models.TrendBullish, assets[0].Trend)
	assert.Equal(t, models.TrendBearish, assets[1].Trend)
}

// -----------------------------------------------------------------------------

func TestListAssetsIsCacheFirst(t *testing.T) {
	gecko := &fakeSource{name: "coingecko", assets: []models.MAssetRecord{
		asset("bitcoin", "btc", 1000, pct(1)),
	}}
	symbols := &fakeSymbolSet{symbols: map[string]bool{"BTCUSDT": true}}
	agg := newTestAggregator(t, symbols, gecko)

	ctx := context.Background()
	_, err := agg.ListAssets(ctx, 0)
	require.NoError(t, err)
	_, err = agg.ListAssets(ctx, 0)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&gecko.calls))
}

// -----------------------------------------------------------------------------

func TestListAssetsToleratesSingleSourceFailure(t *testing.T) {
	gecko := &fakeSource{name: "coingecko", err: errors.New("rate limited")}
	capSrc := &fakeSource{name: "coincap", assets: []models.MAssetRecord{
		asset("bitcoin", "btc", 1000, pct(1)),
	}}
	symbols := &fakeSymbolSet{symbols: map[string]bool{"BTCUSDT": true}}
	agg := newTestAggregator(t, symbols, gecko, capSrc)

	assets, err := agg.ListAssets(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, assets, 1)
}

// -----------------------------------------------------------------------------

func TestListAssetsAllSourcesFailedIsRetryable(t *testing.T) {
	gecko := &fakeSource{name: "coingecko", err: errors.New("down")}
	capSrc := &fakeSource{name: "coincap", err: errors.New("also down")}
	symbols := &fakeSymbolSet{symbols: map[string]bool{}}
	agg := newTestAggregator(t, symbols, gecko, capSrc)

	_, err := agg.ListAssets(context.Background(), 0)
	require.Error(t, err)

	var allFailed *helpers.AllSourcesFailedError
	require.True(t, errors.As(err, &allFailed))
	assert.True(t, allFailed.Retryable())

	// The wrapped cause names the upstream that broke
	var unavailable *helpers.UpstreamUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "coincap", unavailable.Source)
}

// -----------------------------------------------------------------------------

func TestByIDAbsentIsNotAnError(t *testing.T) {
	gecko := &fakeSource{name: "coingecko", assets: []models.MAssetRecord{
		asset("bitcoin", "btc", 1000, pct(1)),
	}}
	symbols := &fakeSymbolSet{symbols: map[string]bool{"BTCUSDT": true}}
	agg := newTestAggregator(t, symbols, gecko)

	ctx := context.Background()

	found, ok := agg.ByID(ctx, "bitcoin")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", found.TradeSymbol)

	_, ok = agg.ByID(ctx, "no-such-asset")
	assert.False(t, ok)

	// The miss must not have triggered any extra upstream call
	assert.Equal(t, int32(1), atomic.LoadInt32(&gecko.calls))
}

// -----------------------------------------------------------------------------

func TestBySymbolSubstringIsCaseInsensitive(t *testing.T) {
	gecko := &fakeSource{name: "coingecko", assets: []models.MAssetRecord{
		asset("bitcoin", "btc", 1000, pct(1)),
		asset("ethereum", "eth", 500, pct(1)),
	}}
	symbols := &fakeSymbolSet{symbols: map[string]bool{"BTCUSDT": true, "ETHUSDT": true}}
	agg := newTestAggregator(t, symbols, gecko)

	matched, err := agg.BySymbolSubstring(context.Background(), "BT")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "bitcoin", matched[0].ID)
}

// -----------------------------------------------------------------------------

func TestRankingFallsBackThroughSources(t *testing.T) {
	gecko := &fakeSource{name: "coingecko", err: errors.New("down")}
	capSrc := &fakeSource{name: "coincap", assets: []models.MAssetRecord{
		asset("bitcoin", "btc", 1000, pct(1)),
		asset("ethereum", "eth", 500, pct(1)),
		asset("solana", "sol", 200, pct(1)),
	}}
	symbols := &fakeSymbolSet{symbols: map[string]bool{"BTCUSDT": true, "ETHUSDT": true, "SOLUSDT": true}}
	agg := newTestAggregator(t, symbols, gecko, capSrc)

	ranking, err := agg.Ranking(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, ranking, 2)
	assert.Equal(t, "bitcoin", ranking[0].ID)
}

// -----------------------------------------------------------------------------

func TestSecondaryExcludesRanking(t *testing.T) {
	gecko := &fakeSource{name: "coingecko", assets: []models.MAssetRecord{
		asset("bitcoin", "btc", 1000, pct(1)),
		asset("ethereum", "eth", 500, pct(1)),
		asset("solana", "sol", 200, pct(1)),
		asset("cardano", "ada", 100, pct(1)),
	}}
	symbols := &fakeSymbolSet{symbols: map[string]bool{
		"BTCUSDT": true, "ETHUSDT": true, "SOLUSDT": true, "ADAUSDT": true,
	}}
	agg := newTestAggregator(t, symbols, gecko)

	// RankingSize is 2, so secondary starts at solana
	secondary, err := agg.Secondary(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, secondary, 2)
	assert.Equal(t, "solana", secondary[0].ID)
	assert.Equal(t, "cardano", secondary[1].ID)
}
