// Package oracle serves cached reference-asset prices from an ordered chain of
// upstream providers with failover, backoff and rate-limit tracking.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"SaleOracle/internal/domain/models"
	"SaleOracle/internal/domain/repository"
	"SaleOracle/internal/service/provider"
	"SaleOracle/internal/service/ratelimit"
	"SaleOracle/pkg/cache"
	"SaleOracle/pkg/logger"
	"SaleOracle/pkg/metrics"
)

type Config struct {
	FreshnessWindow time.Duration
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DefaultBlock    time.Duration
}

func DefaultConfig() Config {
	return Config{
		FreshnessWindow: 60 * time.Second,
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        10 * time.Second,
		DefaultBlock:    5 * time.Minute,
	}
}

func (c Config) validate() error {
	switch {
	case c.FreshnessWindow <= 0:
		return fmt.Errorf("freshness window must be positive")
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative")
	case c.BaseDelay <= 0:
		return fmt.Errorf("base delay must be positive")
	case c.MaxDelay < c.BaseDelay:
		return fmt.Errorf("max delay must not be below base delay")
	case c.DefaultBlock <= 0:
		return fmt.Errorf("default block must be positive")
	}
	return nil
}

// Oracle is safe for concurrent use. Concurrent misses for the same asset may
// fetch twice; the last successful write wins.
type Oracle struct {
	providers []repository.PriceProvider
	cfg       Config

	store   EntryStore
	limiter *ratelimit.Limiter
	history repository.PriceHistory
	metrics repository.Metrics
	log     *logger.Logger
	now     func() time.Time
}

type Option func(*Oracle)

// WithStore replaces the default process-local entry store.
func WithStore(s EntryStore) Option {
	return func(o *Oracle) { o.store = s }
}

func WithLimiter(l *ratelimit.Limiter) Option {
	return func(o *Oracle) { o.limiter = l }
}

// WithHistory records every freshly fetched price. Recording errors are logged only.
func WithHistory(h repository.PriceHistory) Option {
	return func(o *Oracle) { o.history = h }
}

func WithMetrics(m repository.Metrics) Option {
	return func(o *Oracle) { o.metrics = m }
}

func WithLogger(l *logger.Logger) Option {
	return func(o *Oracle) { o.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

// New builds an oracle over providers. The first provider is the primary one;
// the order of the slice is the failover order.
func New(cfg Config, providers []repository.PriceProvider, opts ...Option) (*Oracle, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("oracle: at least one price provider is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}

	o := &Oracle{
		providers: append([]repository.PriceProvider(nil), providers...),
		cfg:       cfg,
		metrics:   metrics.Nop{},
		log:       logger.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.store == nil {
		o.store = NewCacheStore(cache.NewMemoryCache(cache.WithMemoryClock(o.now)), cfg.FreshnessWindow)
	}
	if o.limiter == nil {
		o.limiter = ratelimit.New(ratelimit.WithClock(o.now))
	}
	return o, nil
}

// GetPrice returns a price no older than the freshness window, fetching from
// the provider chain on a miss. Fails with ErrAllProvidersExhausted or ErrCancelled.
func (o *Oracle) GetPrice(ctx context.Context, asset string) (models.Price, error) {
	key := strings.ToUpper(strings.TrimSpace(asset))
	if key == "" {
		return models.Price{}, ErrInvalidAsset
	}
	if err := ctx.Err(); err != nil {
		return models.Price{}, cancelled(err)
	}

	start := time.Now()
	defer func() { o.metrics.RecordLatency("oracle_get_price", time.Since(start).Seconds()) }()

	if entry, ok := o.lookup(ctx, key); ok {
		return entry.Price, nil
	}

	price, err := o.fetchWithFailover(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			o.metrics.RecordError("oracle_cancelled")
		} else {
			o.metrics.RecordError("oracle_exhausted")
			o.log.Error("price providers exhausted", logger.String("asset", key), logger.Error(err))
		}
		return models.Price{}, err
	}

	if err := o.store.Save(ctx, models.CacheEntry{Price: price, StoredAt: o.now()}); err != nil {
		o.log.Warn("price cache write failed", logger.String("asset", key), logger.Error(err))
	}
	o.metrics.RecordLastPrice(key, price.Amount.InexactFloat64())

	if o.history != nil {
		if err := o.history.Record(ctx, price); err != nil {
			o.log.Warn("price history write failed", logger.String("asset", key), logger.Error(err))
		}
	}

	return price, nil
}

func (o *Oracle) lookup(ctx context.Context, asset string) (models.CacheEntry, bool) {
	entry, ok, err := o.store.Load(ctx, asset)
	if err != nil {
		o.log.Warn("price cache read failed", logger.String("asset", asset), logger.Error(err))
		ok = false
	}
	hit := ok && !entry.Stale(o.now(), o.cfg.FreshnessWindow)
	o.metrics.RecordCacheLookup(asset, hit)
	return entry, hit
}

func (o *Oracle) fetchWithFailover(ctx context.Context, asset string) (models.Price, error) {
	var (
		price      models.Price
		primaryErr error
		attempts   int
	)

	operation := func() error {
		attempts++
		p, err := o.callChain(ctx, asset, &primaryErr)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			return err
		}
		price = p
		return nil
	}

	notify := func(err error, wait time.Duration) {
		o.metrics.RecordRetry(asset)
		o.log.Warn("price providers failed, backing off",
			logger.String("asset", asset),
			logger.Int("attempt", attempts),
			logger.Duration("wait_ms", wait),
			logger.Error(err),
		)
	}

	err := backoff.RetryNotify(operation, o.newBackOff(ctx), notify)
	if err == nil {
		return price, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.Price{}, cancelled(ctxErr)
	}
	if primaryErr == nil {
		primaryErr = err
	}
	return models.Price{}, &ExhaustedError{
		Asset:    asset,
		Attempts: attempts,
		RetryAt:  o.primaryRetryAt(),
		Err:      primaryErr,
	}
}

// callChain walks the providers once, strictly in order, and returns the
// first success or the last error seen. The primary's error is stored in primaryErr.
func (o *Oracle) callChain(ctx context.Context, asset string, primaryErr *error) (models.Price, error) {
	var lastErr error

	for i, p := range o.providers {
		if err := ctx.Err(); err != nil {
			return models.Price{}, err
		}

		price, err := o.call(ctx, i, p, asset)
		if err == nil {
			return price, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.Price{}, ctxErr
		}

		if i == 0 {
			*primaryErr = err
		}
		lastErr = err
		o.log.Warn("price provider failed",
			logger.String("provider", p.Name()),
			logger.String("asset", asset),
			logger.Bool("primary", i == 0),
			logger.Error(err),
		)
	}
	return models.Price{}, lastErr
}

// call invokes one provider unless it is blocked or out of budget.
func (o *Oracle) call(ctx context.Context, position int, p repository.PriceProvider, asset string) (models.Price, error) {
	name := p.Name()
	if !o.limiter.Allow(name) {
		o.metrics.RecordProviderCall(name, "skipped")
		return models.Price{}, provider.RateLimited(name, o.limiter.BlockedUntil(name))
	}

	price, err := p.FetchPrice(ctx, asset)
	if err == nil && !price.Amount.IsPositive() {
		err = fmt.Errorf("non-positive price %s", price.Amount)
	}
	if err != nil {
		o.metrics.RecordProviderCall(name, "error")
		return models.Price{}, o.classify(name, err)
	}

	o.metrics.RecordProviderCall(name, "success")
	price.Asset = asset
	price.Provider = name
	price.Source = sourceAt(position, p)
	return price, nil
}

// classify normalises err into a *provider.Error and turns upstream 429s into
// a block window: the reset hint when it lies ahead, DefaultBlock otherwise.
func (o *Oracle) classify(name string, err error) error {
	var perr *provider.Error
	if !errors.As(err, &perr) {
		return &provider.Error{Provider: name, Err: err}
	}
	if !perr.Limited || perr.Status == 0 {
		return err
	}

	now := o.now()
	until := perr.ResetAt
	if !until.After(now) {
		until = now.Add(o.cfg.DefaultBlock)
	}
	o.limiter.Block(name, until)
	o.metrics.RecordRateLimitBlock(name)
	o.log.Warn("price provider rate limited",
		logger.String("provider", name),
		logger.Time("blocked_until", until),
	)
	return err
}

func sourceAt(position int, p repository.PriceProvider) models.Source {
	switch {
	case p.Source() == models.SourceSynthetic:
		return models.SourceSynthetic
	case position == 0:
		return models.SourcePrimary
	default:
		return models.SourceSecondary
	}
}

// primaryRetryAt returns the end of the primary's block window while it is
// active, zero otherwise.
func (o *Oracle) primaryRetryAt() time.Time {
	until := o.BlockedUntil(o.providers[0].Name())
	if !until.After(o.now()) {
		return time.Time{}
	}
	return until
}

// ClearCache drops every cached entry. Backend failures are logged.
func (o *Oracle) ClearCache(ctx context.Context) {
	if err := o.store.Clear(ctx); err != nil {
		o.metrics.RecordError("oracle_cache_clear")
		o.log.Error("price cache clear failed", logger.Error(err))
		return
	}
	o.log.Info("price cache cleared")
}

// Providers returns the provider names in failover order.
func (o *Oracle) Providers() []string {
	names := make([]string, len(o.providers))
	for i, p := range o.providers {
		names[i] = p.Name()
	}
	return names
}

// BlockedUntil returns the end of the named provider's active block window,
// zero when it is not blocked.
func (o *Oracle) BlockedUntil(name string) time.Time {
	return o.limiter.BlockedUntil(name)
}

// RateLimits returns the current block window of every provider in the chain.
func (o *Oracle) RateLimits() []models.RateLimitState {
	out := make([]models.RateLimitState, len(o.providers))
	for i, p := range o.providers {
		out[i] = models.RateLimitState{Provider: p.Name(), BlockedUntil: o.BlockedUntil(p.Name())}
	}
	return out
}
