package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coinstream/src/helpers"
	"coinstream/src/interfaces"
	"coinstream/src/logger"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------

const conversionRateTTL = 10 * time.Minute

// Converter computes asset-to-currency conversions. Rates are cached so
// repeated conversions of the same pair cost one upstream call per TTL.
// The amount math uses decimals to keep user-facing totals exact.
type Converter struct {
	sources []interfaces.ICatalogSource
	cache   interfaces.ICache
	logger  *logger.Logger
}

// -----------------------------------------------------------------------------

func NewConverter(sources []interfaces.ICatalogSource, cache interfaces.ICache, log *logger.Logger) *Converter {
	return &Converter{sources: sources, cache: cache, logger: log}
}

// -----------------------------------------------------------------------------

// Convert returns amount units of base expressed in quote.
func (c *Converter) Convert(ctx context.Context, base string, quote string, amount decimal.Decimal) (decimal.Decimal, error) {
	rate, err := c.rate(ctx, strings.ToLower(base), strings.ToLower(quote))
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate), nil
}

func (c *Converter) rate(ctx context.Context, base string, quote string) (decimal.Decimal, error) {
	cacheKey := fmt.Sprintf("convert:rate:%s:%s", base, quote)

	var cached string
	if c.cache.Get(ctx, cacheKey, &cached) {
		if rate, err := decimal.NewFromString(cached); err == nil {
			return rate, nil
		}
	}

	var lastErr error
	for _, src := range c.sources {
		value, err := src.FetchConversionRate(ctx, base, quote)
		if err != nil {
			lastErr = err
			c.logger.Warning("Conversion source '%s' failed for %s/%s: %v", src.Name(), base, quote, err)
			continue
		}

		rate := decimal.NewFromFloat(value)
		c.cache.Set(ctx, cacheKey, rate.String(), conversionRateTTL)
		return rate, nil
	}

	return decimal.Zero, helpers.NewAllSourcesFailed(fmt.Sprintf("conversion %s/%s", base, quote), lastErr)
}
