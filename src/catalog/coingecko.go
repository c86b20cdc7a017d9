package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"coinstream/src/interfaces"
	"coinstream/src/logger"
	"coinstream/src/models"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// -----------------------------------------------------------------------------

// geckoMarketRow mirrors one entry of the markets endpoint.
type geckoMarketRow struct {
	ID                 string   `json:"id"`
	Symbol             string   `json:"symbol"`
	Name               string   `json:"name"`
	Image              string   `json:"image"`
	MarketCap          float64  `json:"market_cap"`
	MarketCapRank      int      `json:"market_cap_rank"`
	CurrentPrice       float64  `json:"current_price"`
	High24h            float64  `json:"high_24h"`
	Low24h             float64  `json:"low_24h"`
	PriceChangePct24h  *float64 `json:"price_change_percentage_24h"`
	TotalVolume        float64  `json:"total_volume"`
	LastUpdated        string   `json:"last_updated"`
}

// -----------------------------------------------------------------------------

// CoinGeckoSource is the primary catalog provider. Requests are locally
// rate limited because the free tier blocks aggressively.
type CoinGeckoSource struct {
	network interfaces.INetworkManager
	logger  *logger.Logger
	limiter *rate.Limiter
	baseURL string
	apiKey  string
}

// -----------------------------------------------------------------------------

func NewCoinGeckoSource(cfg models.MCatalogSourceConfig, ratePerMinute int, network interfaces.INetworkManager, log *logger.Logger) *CoinGeckoSource {
	return &CoinGeckoSource{
		network: network,
		logger:  log,
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), 1),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

// -----------------------------------------------------------------------------

// Name implements interfaces.ICatalogSource.
func (s *CoinGeckoSource) Name() string { return "coingecko" }

// -----------------------------------------------------------------------------

// FetchAssets implements interfaces.ICatalogSource.
func (s *CoinGeckoSource) FetchAssets(ctx context.Context, limit int) ([]models.MAssetRecord, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]string{
		"vs_currency": "usd",
		"order":       "market_cap_desc",
		"per_page":    strconv.Itoa(limit),
		"page":        "1",
	}

	body, err := s.network.GetWithHeaders(ctx, s.baseURL+"/coins/markets", params, s.headers())
	if err != nil {
		return nil, err
	}

	var rows []geckoMarketRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("coingecko markets decode failed: %w", err)
	}

	assets := make([]models.MAssetRecord, 0, len(rows))
	for _, row := range rows {
		assets = append(assets, models.MAssetRecord{
			ID:                row.ID,
			Symbol:            strings.ToLower(row.Symbol),
			Name:              row.Name,
			Image:             row.Image,
			MarketCap:         row.MarketCap,
			MarketCapRank:     row.MarketCapRank,
			CurrentPrice:      row.CurrentPrice,
			High24h:           row.High24h,
			Low24h:            row.Low24h,
			PriceChangePct24h: row.PriceChangePct24h,
			TotalVolume:       row.TotalVolume,
			LastUpdated:       row.LastUpdated,
		})
	}
	return assets, nil
}

// -----------------------------------------------------------------------------

// FetchConversionRate implements interfaces.ICatalogSource via the
// simple-price endpoint.
func (s *CoinGeckoSource) FetchConversionRate(ctx context.Context, base string, quote string) (float64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	params := map[string]string{
		"ids":           base,
		"vs_currencies": quote,
	}

	body, err := s.network.GetWithHeaders(ctx, s.baseURL+"/simple/price", params, s.headers())
	if err != nil {
		return 0, err
	}

	var priced map[string]map[string]float64
	if err := json.Unmarshal(body, &priced); err != nil {
		return 0, fmt.Errorf("coingecko simple price decode failed: %w", err)
	}

	quoted, ok := priced[base]
	if !ok {
		return 0, fmt.Errorf("no price returned for '%s'", base)
	}
	value, ok := quoted[strings.ToLower(quote)]
	if !ok {
		return 0, fmt.Errorf("no '%s' quote returned for '%s'", quote, base)
	}
	return value, nil
}

func (s *CoinGeckoSource) headers() map[string]string {
	if s.apiKey == "" {
		return nil
	}
	return map[string]string{"x-cg-demo-api-key": s.apiKey}
}
