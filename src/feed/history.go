package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"coinstream/src/helpers"
	"coinstream/src/interfaces"
	"coinstream/src/logger"
	"coinstream/src/models"

	"github.com/goccy/go-json"
)

// -----------------------------------------------------------------------------

// HistoryService serves historical bars. All configured providers are
// queried concurrently and the first successful answer wins; a provider
// failure only matters when every provider fails.
type HistoryService struct {
	network interfaces.INetworkManager
	cache   interfaces.ICache
	logger  *logger.Logger
	cfg     models.MHistoryConfig
}

// -----------------------------------------------------------------------------

func NewHistoryService(cfg models.MHistoryConfig, network interfaces.INetworkManager, cache interfaces.ICache, log *logger.Logger) *HistoryService {
	return &HistoryService{
		network: network,
		cache:   cache,
		logger:  log,
		cfg:     cfg,
	}
}

// -----------------------------------------------------------------------------

// GetBars returns up to limit closed candles for the pair, oldest first.
// limit is clamped to the configured maximum. baseSymbol is the plain
// ticker ("btc") used by providers that do not speak exchange pairs.
func (h *HistoryService) GetBars(ctx context.Context, tradeSymbol string, baseSymbol string, interval string, limit int) ([]models.MCandle, error) {
	if limit <= 0 || limit > h.cfg.MaxLimit {
		limit = h.cfg.MaxLimit
	}
	cacheKey := fmt.Sprintf("bars:%s:%s:%d", strings.ToUpper(tradeSymbol), interval, limit)

	var cached []models.MCandle
	if h.cache.Get(ctx, cacheKey, &cached) {
		return cached, nil
	}

	bars, err := h.race(ctx, tradeSymbol, baseSymbol, interval, limit)
	if err != nil {
		return nil, err
	}

	h.cache.Set(ctx, cacheKey, bars, time.Duration(h.cfg.BarsTTLSeconds)*time.Second)
	return bars, nil
}

// -----------------------------------------------------------------------------

type raceResult struct {
	provider string
	bars     []models.MCandle
	err      error
}

// race runs every provider concurrently and returns the first success.
func (h *HistoryService) race(ctx context.Context, tradeSymbol string, baseSymbol string, interval string, limit int) ([]models.MCandle, error) {
	providers := h.cfg.ProviderOrder
	if len(providers) == 0 {
		providers = []string{"exchange", "cryptocompare"}
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(h.cfg.RaceTimeoutSeconds)*time.Second)
	defer cancel()

	results := make(chan raceResult, len(providers))
	launched := 0
	for _, provider := range providers {
		fetch := h.fetcher(provider)
		if fetch == nil {
			h.logger.Warning("Unknown history provider '%s' skipped", provider)
			continue
		}
		launched++
		go func(provider string) {
			bars, err := fetch(ctx, tradeSymbol, baseSymbol, interval, limit)
			results <- raceResult{provider: provider, bars: bars, err: err}
		}(provider)
	}
	if launched == 0 {
		return nil, &helpers.ConfigurationError{EngineError: helpers.EngineError{Message: "no history providers configured"}}
	}

	var lastErr error
	for i := 0; i < launched; i++ {
		res := <-results
		if res.err != nil {
			lastErr = res.err
			h.logger.Warning("History provider '%s' failed: %v", res.provider, res.err)
			continue
		}
		// First success wins; remaining fetches are cancelled.
		cancel()
		return res.bars, nil
	}

	return nil, helpers.NewAllSourcesFailed("historical bars", lastErr)
}

func (h *HistoryService) fetcher(provider string) func(context.Context, string, string, string, int) ([]models.MCandle, error) {
	switch provider {
	case "exchange":
		return h.fetchExchangeKlines
	case "cryptocompare":
		return h.fetchCryptoCompare
	default:
		return nil
	}
}

// -----------------------------------------------------------------------------
// Exchange klines: rows of [openTime, o, h, l, c, v, closeTime, ...].
// -----------------------------------------------------------------------------

func (h *HistoryService) fetchExchangeKlines(ctx context.Context, tradeSymbol string, _ string, interval string, limit int) ([]models.MCandle, error) {
	params := map[string]string{
		"symbol":   strings.ToUpper(tradeSymbol),
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}

	body, err := h.network.Get(ctx, h.cfg.PrimaryURL, params)
	if err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("klines decode failed: %w", err)
	}

	bars := make([]models.MCandle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		var openTime, closeTime int64
		var o, hi, lo, c, v string
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			continue
		}
		json.Unmarshal(row[1], &o)
		json.Unmarshal(row[2], &hi)
		json.Unmarshal(row[3], &lo)
		json.Unmarshal(row[4], &c)
		json.Unmarshal(row[5], &v)
		json.Unmarshal(row[6], &closeTime)

		bar := models.MCandle{
			TradeSymbol: strings.ToUpper(tradeSymbol),
			Interval:    interval,
			OpenTime:    openTime,
			CloseTime:   closeTime,
			State:       models.CandleClosed,
		}
		fields := []struct {
			dest *float64
			raw  string
		}{
			{&bar.Open, o}, {&bar.High, hi}, {&bar.Low, lo},
			{&bar.Close, c}, {&bar.Volume, v},
		}
		corrupt := false
		for _, field := range fields {
			value, perr := parsePrice(field.raw)
			if perr != nil {
				corrupt = true
				break
			}
			*field.dest = value
		}
		if corrupt {
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// -----------------------------------------------------------------------------
// CryptoCompare histo endpoints: daily rows keyed by the base ticker,
// times in seconds.
// -----------------------------------------------------------------------------

type cryptoCompareResponse struct {
	Response string `json:"Response"`
	Message  string `json:"Message"`
	Data     struct {
		Data []struct {
			Time       int64   `json:"time"`
			Open       float64 `json:"open"`
			High       float64 `json:"high"`
			Low        float64 `json:"low"`
			Close      float64 `json:"close"`
			VolumeFrom float64 `json:"volumefrom"`
		} `json:"Data"`
	} `json:"Data"`
}

func (h *HistoryService) fetchCryptoCompare(ctx context.Context, tradeSymbol string, baseSymbol string, interval string, limit int) ([]models.MCandle, error) {
	params := map[string]string{
		"fsym":  strings.ToUpper(baseSymbol),
		"tsym":  "USD",
		"limit": strconv.Itoa(limit),
	}
	var headers map[string]string
	if h.cfg.FallbackAPIKey != "" {
		headers = map[string]string{"authorization": "Apikey " + h.cfg.FallbackAPIKey}
	}

	body, err := h.network.GetWithHeaders(ctx, h.cfg.FallbackURL, params, headers)
	if err != nil {
		return nil, err
	}

	var resp cryptoCompareResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("histoday decode failed: %w", err)
	}
	if resp.Response == "Error" {
		return nil, fmt.Errorf("histoday rejected: %s", resp.Message)
	}

	intervalMs := intervalToMillis(interval)
	bars := make([]models.MCandle, 0, len(resp.Data.Data))
	for _, row := range resp.Data.Data {
		openTime := row.Time * 1000
		bars = append(bars, models.MCandle{
			TradeSymbol: strings.ToUpper(tradeSymbol),
			Interval:    interval,
			Open:        row.Open,
			High:        row.High,
			Low:         row.Low,
			Close:       row.Close,
			Volume:      row.VolumeFrom,
			OpenTime:    openTime,
			CloseTime:   openTime + intervalMs - 1,
			State:       models.CandleClosed,
		})
	}
	return bars, nil
}

func intervalToMillis(interval string) int64 {
	if interval == "" {
		return 24 * 60 * 60 * 1000
	}
	unit := interval[len(interval)-1]
	n, err := strconv.ParseInt(interval[:len(interval)-1], 10, 64)
	if err != nil || n <= 0 {
		n = 1
	}
	switch unit {
	case 'm':
		return n * 60 * 1000
	case 'h':
		return n * 60 * 60 * 1000
	case 'd':
		return n * 24 * 60 * 60 * 1000
	case 'w':
		return n * 7 * 24 * 60 * 60 * 1000
	default:
		return 24 * 60 * 60 * 1000
	}
}
