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

// coincapAssetRow mirrors one entry of the assets endpoint. CoinCap
// returns every numeric field as a string.
type coincapAssetRow struct {
	ID                string `json:"id"`
	Rank              string `json:"rank"`
	Symbol            string `json:"symbol"`
	Name              string `json:"name"`
	MarketCapUsd      string `json:"marketCapUsd"`
	VolumeUsd24Hr     string `json:"volumeUsd24Hr"`
	PriceUsd          string `json:"priceUsd"`
	ChangePercent24Hr string `json:"changePercent24Hr"`
}

type coincapAssetsResponse struct {
	Data      []coincapAssetRow `json:"data"`
	Timestamp int64             `json:"timestamp"`
}

type coincapRateResponse struct {
	Data struct {
		ID      string `json:"id"`
		RateUsd string `json:"rateUsd"`
	} `json:"data"`
}

// -----------------------------------------------------------------------------

// CoinCapSource is the secondary catalog provider.
type CoinCapSource struct {
	network interfaces.INetworkManager
	logger  *logger.Logger
	limiter *rate.Limiter
	baseURL string
	apiKey  string
}

// -----------------------------------------------------------------------------

func NewCoinCapSource(cfg models.MCatalogSourceConfig, ratePerMinute int, network interfaces.INetworkManager, log *logger.Logger) *CoinCapSource {
	return &CoinCapSource{
		network: network,
		logger:  log,
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), 1),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

// -----------------------------------------------------------------------------

// Name implements interfaces.ICatalogSource.
func (s *CoinCapSource) Name() string { return "coincap" }

// -----------------------------------------------------------------------------

// FetchAssets implements interfaces.ICatalogSource.
func (s *CoinCapSource) FetchAssets(ctx context.Context, limit int) ([]models.MAssetRecord, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]string{"limit": strconv.Itoa(limit)}
	body, err := s.network.GetWithHeaders(ctx, s.baseURL+"/assets", params, s.headers())
	if err != nil {
		return nil, err
	}

	var resp coincapAssetsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("coincap assets decode failed: %w", err)
	}

	assets := make([]models.MAssetRecord, 0, len(resp.Data))
	for _, row := range resp.Data {
		record := models.MAssetRecord{
			ID:           row.ID,
			Symbol:       strings.ToLower(row.Symbol),
			Name:         row.Name,
			MarketCap:    parseFloat(row.MarketCapUsd),
			CurrentPrice: parseFloat(row.PriceUsd),
			TotalVolume:  parseFloat(row.VolumeUsd24Hr),
		}
		if rank, err := strconv.Atoi(row.Rank); err == nil {
			record.MarketCapRank = rank
		}
		if row.ChangePercent24Hr != "" {
			if pct, err := strconv.ParseFloat(row.ChangePercent24Hr, 64); err == nil {
				record.PriceChangePct24h = &pct
			}
		}
		assets = append(assets, record)
	}
	return assets, nil
}

// -----------------------------------------------------------------------------

// FetchConversionRate implements interfaces.ICatalogSource via the rates
// endpoint. Both legs are quoted in USD, so rate = base / quote.
func (s *CoinCapSource) FetchConversionRate(ctx context.Context, base string, quote string) (float64, error) {
	baseUsd, err := s.fetchRateUsd(ctx, base)
	if err != nil {
		return 0, err
	}
	if strings.EqualFold(quote, "usd") {
		return baseUsd, nil
	}

	quoteUsd, err := s.fetchRateUsd(ctx, quote)
	if err != nil {
		return 0, err
	}
	if quoteUsd == 0 {
		return 0, fmt.Errorf("zero USD rate for '%s'", quote)
	}
	return baseUsd / quoteUsd, nil
}

func (s *CoinCapSource) fetchRateUsd(ctx context.Context, id string) (float64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	body, err := s.network.GetWithHeaders(ctx, s.baseURL+"/rates/"+id, nil, s.headers())
	if err != nil {
		return 0, err
	}

	var resp coincapRateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("coincap rate decode failed: %w", err)
	}
	rate := parseFloat(resp.Data.RateUsd)
	if rate == 0 {
		return 0, fmt.Errorf("no USD rate for '%s'", id)
	}
	return rate, nil
}

func (s *CoinCapSource) headers() map[string]string {
	if s.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + s.apiKey}
}

func parseFloat(value string) float64 {
	f, _ := strconv.ParseFloat(value, 64)
	return f
}
