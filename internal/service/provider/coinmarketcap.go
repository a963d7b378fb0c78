package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"SaleOracle/internal/domain/models"
	apphttp "SaleOracle/pkg/http"
)

const defaultCoinMarketCapURL = "https://pro-api.coinmarketcap.com/v1"

// CoinMarketCap fetches quotes from the CoinMarketCap Pro API.
type CoinMarketCap struct {
	baseURL string
	apiKey  string
	opts    options
}

func NewCoinMarketCap(baseURL, apiKey string, opts ...Option) *CoinMarketCap {
	if baseURL == "" {
		baseURL = defaultCoinMarketCapURL
	}
	return &CoinMarketCap{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		opts:    buildOptions(opts),
	}
}

func (c *CoinMarketCap) Name() string          { return NameCoinMarketCap }
func (c *CoinMarketCap) Source() models.Source { return models.SourcePrimary }

func (c *CoinMarketCap) FetchPrice(ctx context.Context, asset string) (models.Price, error) {
	symbol := strings.ToUpper(asset)
	quote := c.opts.quoteCurrency

	var body []byte
	err := c.opts.client.SendAndParse(ctx, &apphttp.RequestOptions{
		Method: apphttp.MethodGet,
		URL:    c.baseURL + "/cryptocurrency/quotes/latest",
		Headers: map[string]string{
			"X-CMC_PRO_API_KEY": c.apiKey,
		},
		QueryParams: map[string][]string{
			"symbol":  {symbol},
			"convert": {quote},
		},
	}, &body)
	if err != nil {
		return models.Price{}, wrap(c.Name(), err, c.opts.now())
	}

	doc := gjson.ParseBytes(body)
	if code := doc.Get("status.error_code").Int(); code != 0 {
		return models.Price{}, &Error{
			Provider: c.Name(),
			Err:      fmt.Errorf("api error %d: %s", code, doc.Get("status.error_message").String()),
		}
	}

	entry := doc.Get("data." + symbol)
	if entry.IsArray() {
		entry = entry.Get("0")
	}
	q := entry.Get("quote." + quote)

	amount, err := positiveDecimal(q.Get("price"), "price")
	if err != nil {
		return models.Price{}, &Error{Provider: c.Name(), Err: err}
	}

	observed := c.opts.now()
	if t, err := time.Parse(time.RFC3339Nano, q.Get("last_updated").String()); err == nil {
		observed = t.UTC()
	}

	return models.Price{
		Asset:            symbol,
		Amount:           amount,
		Change24hPercent: optionalDecimal(q.Get("percent_change_24h")),
		ObservedAt:       observed,
		Source:           c.Source(),
		Provider:         c.Name(),
	}, nil
}
