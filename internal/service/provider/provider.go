// Package provider holds the upstream market data clients used by the price oracle.
package provider

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	apphttp "SaleOracle/pkg/http"
)

const (
	NameCoinMarketCap = "coinmarketcap"
	NameCoinGecko     = "coingecko"
	NameSynthetic     = "synthetic"
)

type options struct {
	client        *apphttp.Client
	quoteCurrency string
	now           func() time.Time
}

// Option configures a provider client.
type Option func(*options)

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(c *apphttp.Client) Option {
	return func(o *options) { o.client = c }
}

// WithQuoteCurrency sets the fiat currency prices are quoted in. Defaults to USD.
func WithQuoteCurrency(code string) Option {
	return func(o *options) { o.quoteCurrency = strings.ToUpper(code) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{quoteCurrency: "USD", now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = apphttp.NewClient(apphttp.WithTimeout(10 * time.Second))
	}
	return o
}

// positiveDecimal reads a JSON number without going through float64.
func positiveDecimal(r gjson.Result, field string) (decimal.Decimal, error) {
	if !r.Exists() || r.Type != gjson.Number {
		return decimal.Zero, fmt.Errorf("%s missing from response", field)
	}
	d, err := decimal.NewFromString(r.Raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive, got %s", field, d)
	}
	return d, nil
}

func optionalDecimal(r gjson.Result) decimal.Decimal {
	if r.Type != gjson.Number {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(r.Raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
