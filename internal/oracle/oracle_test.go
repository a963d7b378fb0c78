package oracle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SaleOracle/internal/domain/models"
	"SaleOracle/internal/domain/repository"
	"SaleOracle/internal/service/provider"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeProvider struct {
	name   string
	source models.Source

	mu    sync.Mutex
	calls int
	fn    func(call int) (models.Price, error)
}

func (f *fakeProvider) Name() string          { return f.name }
func (f *fakeProvider) Source() models.Source { return f.source }

func (f *fakeProvider) FetchPrice(ctx context.Context, asset string) (models.Price, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n)
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func succeed(amount string) func(int) (models.Price, error) {
	return func(int) (models.Price, error) {
		return models.Price{Amount: decimal.RequireFromString(amount)}, nil
	}
}

func fail(err error) func(int) (models.Price, error) {
	return func(int) (models.Price, error) { return models.Price{}, err }
}

var errUpstream = errors.New("upstream unavailable")

func testConfig() Config {
	return Config{
		FreshnessWindow: 60 * time.Second,
		MaxRetries:      3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        2 * time.Millisecond,
		DefaultBlock:    5 * time.Minute,
	}
}

func newOracle(t *testing.T, clk *fakeClock, providers ...repository.PriceProvider) *Oracle {
	t.Helper()
	o, err := New(testConfig(), providers, WithClock(clk.Now))
	require.NoError(t, err)
	return o
}

func TestGetPriceServesCacheWithinFreshnessWindow(t *testing.T) {
	clk := newClock()
	primary := &fakeProvider{name: "primary", fn: succeed("150.25")}
	o := newOracle(t, clk, primary)

	for i := 0; i < 10; i++ {
		p, err := o.GetPrice(context.Background(), "sol")
		require.NoError(t, err)
		assert.True(t, p.Amount.Equal(decimal.RequireFromString("150.25")))
		clk.Advance(5 * time.Second)
	}
	assert.Equal(t, 1, primary.Calls())
}

func TestGetPriceRefetchesWhenStale(t *testing.T) {
	clk := newClock()
	primary := &fakeProvider{name: "primary", fn: succeed("150")}
	o := newOracle(t, clk, primary)

	_, err := o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)

	clk.Advance(59 * time.Second)
	_, err = o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, 1, primary.Calls())

	clk.Advance(time.Second)
	_, err = o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, 2, primary.Calls())
}

func TestGetPriceCachesPerAsset(t *testing.T) {
	clk := newClock()
	primary := &fakeProvider{name: "primary", fn: succeed("10")}
	o := newOracle(t, clk, primary)

	_, err := o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	p, err := o.GetPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, "ETH", p.Asset)
	assert.Equal(t, 2, primary.Calls())
}

func TestFailoverWithoutRateLimitRecordsNoBlock(t *testing.T) {
	clk := newClock()
	primary := &fakeProvider{name: "primary", fn: fail(&provider.Error{Provider: "primary", Status: http.StatusBadGateway})}
	secondary := &fakeProvider{name: "secondary", fn: succeed("149")}
	o := newOracle(t, clk, primary, secondary)

	p, err := o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)

	assert.Equal(t, models.SourceSecondary, p.Source)
	assert.Equal(t, "secondary", p.Provider)
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 1, secondary.Calls())
	for _, s := range o.RateLimits() {
		assert.False(t, s.Blocked(clk.Now()), s.Provider)
	}
}

func TestFailoverOn429UsesResetHint(t *testing.T) {
	clk := newClock()
	reset := clk.Now().Add(2 * time.Minute)
	primary := &fakeProvider{name: "primary", fn: fail(&provider.Error{
		Provider: "primary", Status: http.StatusTooManyRequests, Limited: true, ResetAt: reset,
	})}
	secondary := &fakeProvider{name: "secondary", fn: succeed("149")}
	o := newOracle(t, clk, primary, secondary)

	p, err := o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, models.SourceSecondary, p.Source)

	states := o.RateLimits()
	require.Len(t, states, 2)
	assert.Equal(t, "primary", states[0].Provider)
	assert.True(t, states[0].BlockedUntil.Equal(reset))
	assert.False(t, states[1].Blocked(clk.Now()))

	// the blocked primary is skipped on the next miss
	o.ClearCache(context.Background())
	_, err = o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 2, secondary.Calls())

	// and called again once the window has passed
	clk.Advance(2 * time.Minute)
	o.ClearCache(context.Background())
	_, err = o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, 2, primary.Calls())
}

func TestFailoverOn429WithoutHintUsesDefaultBlock(t *testing.T) {
	clk := newClock()
	primary := &fakeProvider{name: "primary", fn: fail(&provider.Error{
		Provider: "primary", Status: http.StatusTooManyRequests, Limited: true,
	})}
	secondary := &fakeProvider{name: "secondary", fn: succeed("149")}
	o := newOracle(t, clk, primary, secondary)

	_, err := o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.True(t, o.RateLimits()[0].BlockedUntil.Equal(clk.Now().Add(5*time.Minute)))
}

func TestRetryExhaustion(t *testing.T) {
	clk := newClock()
	primaryErr := &provider.Error{Provider: "primary", Status: http.StatusInternalServerError, Err: errUpstream}
	primary := &fakeProvider{name: "primary", fn: fail(primaryErr)}
	secondary := &fakeProvider{name: "secondary", fn: fail(errors.New("secondary down"))}
	o := newOracle(t, clk, primary, secondary)

	_, err := o.GetPrice(context.Background(), "SOL")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersExhausted)
	assert.ErrorIs(t, err, errUpstream)
	assert.ErrorIs(t, err, provider.ErrProviderCallFailed)
	assert.NotErrorIs(t, err, ErrCancelled)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, "SOL", exhausted.Asset)
	assert.True(t, exhausted.RetryAt.IsZero())

	cfg := testConfig()
	assert.Equal(t, cfg.MaxRetries+1, primary.Calls())
	assert.Equal(t, cfg.MaxRetries+1, secondary.Calls())
	assert.Equal(t, (cfg.MaxRetries+1)*2, primary.Calls()+secondary.Calls())
}

func TestRetryRecoversOnLaterAttempt(t *testing.T) {
	clk := newClock()
	primary := &fakeProvider{name: "primary", fn: func(call int) (models.Price, error) {
		if call == 1 {
			return models.Price{}, errUpstream
		}
		return models.Price{Amount: decimal.NewFromInt(151)}, nil
	}}
	secondary := &fakeProvider{name: "secondary", fn: fail(errUpstream)}
	o := newOracle(t, clk, primary, secondary)

	p, err := o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, models.SourcePrimary, p.Source)
	assert.Equal(t, 2, primary.Calls())
	assert.Equal(t, 1, secondary.Calls())
}

func TestExhaustedWhileAllBlockedCarriesRetryAt(t *testing.T) {
	clk := newClock()
	reset := clk.Now().Add(90 * time.Second)
	limited := func(name string) *fakeProvider {
		return &fakeProvider{name: name, fn: fail(&provider.Error{
			Provider: name, Status: http.StatusTooManyRequests, Limited: true, ResetAt: reset,
		})}
	}
	primary, secondary := limited("primary"), limited("secondary")
	o := newOracle(t, clk, primary, secondary)

	_, err := o.GetPrice(context.Background(), "SOL")
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.True(t, exhausted.RetryAt.Equal(reset))
	assert.ErrorIs(t, err, provider.ErrRateLimited)

	// later attempts skip both providers without calling them
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 1, secondary.Calls())
}

func TestExhaustedWhilePrimaryBlockedCarriesPrimaryWindow(t *testing.T) {
	clk := newClock()
	reset := clk.Now().Add(2 * time.Minute)
	primary := &fakeProvider{name: "primary", fn: fail(&provider.Error{
		Provider: "primary", Status: http.StatusTooManyRequests, Limited: true, ResetAt: reset,
	})}
	secondary := &fakeProvider{name: "secondary", fn: fail(&provider.Error{
		Provider: "secondary", Status: http.StatusBadGateway, Err: errUpstream,
	})}
	o := newOracle(t, clk, primary, secondary)

	_, err := o.GetPrice(context.Background(), "SOL")
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.True(t, exhausted.RetryAt.Equal(reset))
	assert.True(t, o.BlockedUntil("primary").Equal(reset))
	assert.True(t, o.BlockedUntil("secondary").IsZero())

	cfg := testConfig()
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, cfg.MaxRetries+1, secondary.Calls())
}

func TestExhaustedAfterPrimaryWindowPassedHasNoRetryAt(t *testing.T) {
	clk := newClock()
	primary := &fakeProvider{name: "primary", fn: fail(&provider.Error{
		Provider: "primary", Status: http.StatusTooManyRequests, Limited: true,
		ResetAt: clk.Now().Add(time.Minute),
	})}
	secondary := &fakeProvider{name: "secondary", fn: succeed("149")}
	o := newOracle(t, clk, primary, secondary)

	_, err := o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	primary.fn = fail(errUpstream)
	secondary.fn = fail(errUpstream)
	o.ClearCache(context.Background())

	_, err = o.GetPrice(context.Background(), "SOL")
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.True(t, exhausted.RetryAt.IsZero())
}

func TestCancellationDuringBackoffLeavesCacheUntouched(t *testing.T) {
	clk := newClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	primary := &fakeProvider{name: "primary", fn: fail(errUpstream)}
	secondary := &fakeProvider{name: "secondary", fn: func(int) (models.Price, error) {
		cancel()
		return models.Price{}, errUpstream
	}}
	o := newOracle(t, clk, primary, secondary)

	_, err := o.GetPrice(ctx, "SOL")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAllProvidersExhausted)
	assert.Equal(t, 1, primary.Calls())

	_, ok, err := o.store.Load(context.Background(), "SOL")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetPriceWithCancelledContext(t *testing.T) {
	clk := newClock()
	primary := &fakeProvider{name: "primary", fn: succeed("1")}
	o := newOracle(t, clk, primary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.GetPrice(ctx, "SOL")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, primary.Calls())
}

func TestClearCacheForcesRefetch(t *testing.T) {
	clk := newClock()
	primary := &fakeProvider{name: "primary", fn: succeed("150")}
	o := newOracle(t, clk, primary)

	_, err := o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	_, err = o.GetPrice(context.Background(), "BTC")
	require.NoError(t, err)

	o.ClearCache(context.Background())

	_, err = o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	_, err = o.GetPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 4, primary.Calls())
}

func TestSyntheticSourceIsPreserved(t *testing.T) {
	clk := newClock()
	synthetic := &fakeProvider{name: "synthetic", source: models.SourceSynthetic, fn: succeed("100")}
	o := newOracle(t, clk, synthetic)

	p, err := o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, models.SourceSynthetic, p.Source)
}

func TestNonPositivePriceIsAFailure(t *testing.T) {
	clk := newClock()
	primary := &fakeProvider{name: "primary", fn: succeed("0")}
	secondary := &fakeProvider{name: "secondary", fn: succeed("99")}
	o := newOracle(t, clk, primary, secondary)

	p, err := o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, "secondary", p.Provider)
}

func TestLocalCallBudgetSkipsProvider(t *testing.T) {
	clk := newClock()
	primary := &fakeProvider{name: "primary", fn: succeed("150")}
	secondary := &fakeProvider{name: "secondary", fn: succeed("149")}
	o, err := New(testConfig(), []repository.PriceProvider{primary, secondary},
		WithClock(clk.Now),
		WithLimiter(newBudgetLimiter(clk, 1)),
	)
	require.NoError(t, err)

	_, err = o.GetPrice(context.Background(), "SOL")
	require.NoError(t, err)
	p, err := o.GetPrice(context.Background(), "BTC")
	require.NoError(t, err)

	assert.Equal(t, "secondary", p.Provider)
	assert.Equal(t, 1, primary.Calls())
}

type recordingHistory struct {
	mu     sync.Mutex
	prices []models.Price
}

func (h *recordingHistory) Record(_ context.Context, p models.Price) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prices = append(h.prices, p)
	return nil
}

func (h *recordingHistory) Close() error { return nil }

func TestHistoryRecordsFreshFetchesOnly(t *testing.T) {
	clk := newClock()
	primary := &fakeProvider{name: "primary", fn: succeed("150")}
	history := &recordingHistory{}
	o, err := New(testConfig(), []repository.PriceProvider{primary}, WithClock(clk.Now), WithHistory(history))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := o.GetPrice(context.Background(), "SOL")
		require.NoError(t, err)
	}
	require.Len(t, history.prices, 1)
	assert.Equal(t, "primary", history.prices[0].Provider)
}

func TestConcurrentGetPrice(t *testing.T) {
	clk := newClock()
	primary := &fakeProvider{name: "primary", fn: succeed("150")}
	o := newOracle(t, clk, primary)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := o.GetPrice(context.Background(), "SOL")
			assert.NoError(t, err)
			assert.True(t, p.Amount.Equal(decimal.NewFromInt(150)))
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, primary.Calls(), 1)
}

func TestNewValidates(t *testing.T) {
	_, err := New(testConfig(), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.MaxDelay = 0
	_, err = New(cfg, []repository.PriceProvider{&fakeProvider{name: "p", fn: succeed("1")}})
	assert.Error(t, err)

	_, err = New(testConfig(), []repository.PriceProvider{&fakeProvider{name: "p", fn: succeed("1")}})
	assert.NoError(t, err)
}

func TestGetPriceRejectsEmptyAsset(t *testing.T) {
	o := newOracle(t, newClock(), &fakeProvider{name: "p", fn: succeed("1")})
	_, err := o.GetPrice(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidAsset)
}
