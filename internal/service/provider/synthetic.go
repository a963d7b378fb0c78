package provider

import (
	"context"
	"math/rand"
	"strings"

	"github.com/shopspring/decimal"

	"SaleOracle/internal/domain/models"
)

// Synthetic produces random prices around a base value. It is meant for
// development setups without provider credentials.
type Synthetic struct {
	base   decimal.Decimal
	spread decimal.Decimal
	random func() float64
	opts   options
}

// NewSynthetic returns prices in [base*(1-spread%), base*(1+spread%)] and a
// 24h change in [-spread, spread] percent.
func NewSynthetic(base, spreadPercent float64, opts ...Option) *Synthetic {
	return &Synthetic{
		base:   decimal.NewFromFloat(base),
		spread: decimal.NewFromFloat(spreadPercent),
		random: rand.Float64,
		opts:   buildOptions(opts),
	}
}

// WithRandom replaces the random source; fn must return values in [0, 1).
func (s *Synthetic) WithRandom(fn func() float64) *Synthetic {
	s.random = fn
	return s
}

func (s *Synthetic) Name() string          { return NameSynthetic }
func (s *Synthetic) Source() models.Source { return models.SourceSynthetic }

func (s *Synthetic) FetchPrice(ctx context.Context, asset string) (models.Price, error) {
	if err := ctx.Err(); err != nil {
		return models.Price{}, &Error{Provider: s.Name(), Err: err}
	}

	hundred := decimal.NewFromInt(100)
	jitter := func() decimal.Decimal {
		// uniform in [-spread, spread]
		return decimal.NewFromFloat(s.random()*2 - 1).Mul(s.spread)
	}

	amount := s.base.Mul(hundred.Add(jitter())).Div(hundred).Round(4)
	if !amount.IsPositive() {
		amount = s.base
	}

	return models.Price{
		Asset:            strings.ToUpper(asset),
		Amount:           amount,
		Change24hPercent: jitter().Round(2),
		ObservedAt:       s.opts.now().UTC(),
		Source:           s.Source(),
		Provider:         s.Name(),
	}, nil
}
