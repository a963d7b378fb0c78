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

const defaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// CoinGecko fetches prices from the CoinGecko simple price endpoint.
type CoinGecko struct {
	baseURL string
	apiKey  string
	ids     map[string]string
	opts    options
}

// NewCoinGecko creates a client. ids maps asset symbols to CoinGecko coin ids.
func NewCoinGecko(baseURL, apiKey string, ids map[string]string, opts ...Option) *CoinGecko {
	if baseURL == "" {
		baseURL = defaultCoinGeckoURL
	}
	norm := make(map[string]string, len(ids))
	for k, v := range ids {
		norm[strings.ToUpper(k)] = v
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		ids:     norm,
		opts:    buildOptions(opts),
	}
}

func (c *CoinGecko) Name() string          { return NameCoinGecko }
func (c *CoinGecko) Source() models.Source { return models.SourceSecondary }

func (c *CoinGecko) FetchPrice(ctx context.Context, asset string) (models.Price, error) {
	symbol := strings.ToUpper(asset)
	id, ok := c.ids[symbol]
	if !ok {
		return models.Price{}, &Error{Provider: c.Name(), Err: fmt.Errorf("no coin id configured for %s", symbol)}
	}
	vs := strings.ToLower(c.opts.quoteCurrency)

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["x-cg-demo-api-key"] = c.apiKey
	}

	var body []byte
	err := c.opts.client.SendAndParse(ctx, &apphttp.RequestOptions{
		Method:  apphttp.MethodGet,
		URL:     c.baseURL + "/simple/price",
		Headers: headers,
		QueryParams: map[string][]string{
			"ids":                     {id},
			"vs_currencies":           {vs},
			"include_24hr_change":     {"true"},
			"include_last_updated_at": {"true"},
		},
	}, &body)
	if err != nil {
		return models.Price{}, wrap(c.Name(), err, c.opts.now())
	}

	coin := gjson.GetBytes(body, id)
	amount, err := positiveDecimal(coin.Get(vs), id+"."+vs)
	if err != nil {
		return models.Price{}, &Error{Provider: c.Name(), Err: err}
	}

	observed := c.opts.now()
	if ts := coin.Get("last_updated_at").Int(); ts > 0 {
		observed = time.Unix(ts, 0).UTC()
	}

	return models.Price{
		Asset:            symbol,
		Amount:           amount,
		Change24hPercent: optionalDecimal(coin.Get(vs + "_24h_change")),
		ObservedAt:       observed,
		Source:           c.Source(),
		Provider:         c.Name(),
	}, nil
}
