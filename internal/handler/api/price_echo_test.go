package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SaleOracle/internal/domain/models"
	"SaleOracle/internal/oracle"
	"SaleOracle/internal/pricing"
	xhttp "SaleOracle/pkg/http"
	xlogger "SaleOracle/pkg/logger"
)

var testNow = time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)

type fakeOracle struct {
	mu      sync.Mutex
	price   decimal.Decimal
	err     error
	assets  []string
	cleared int
	limits  []models.RateLimitState
}

func (f *fakeOracle) GetPrice(_ context.Context, asset string) (models.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets = append(f.assets, asset)
	if f.err != nil {
		return models.Price{}, f.err
	}
	return models.Price{
		Asset:      asset,
		Amount:     f.price,
		ObservedAt: testNow,
		Source:     models.SourcePrimary,
		Provider:   "coinmarketcap",
	}, nil
}

func (f *fakeOracle) ClearCache(context.Context) {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
}

func (f *fakeOracle) Providers() []string { return []string{"coinmarketcap", "coingecko"} }

func (f *fakeOracle) RateLimits() []models.RateLimitState { return f.limits }

func ptr[T any](v T) *T { return &v }

func testStages() []models.SaleStage {
	return []models.SaleStage{
		{
			ID: "private-sale", Name: "Private Sale", PricePerUnit: decimal.RequireFromString("0.1"),
			OpensAt:  ptr(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
			ClosesAt: ptr(time.Date(2025, 6, 15, 23, 59, 59, 0, time.UTC)),
		},
		{
			ID: "pre-sale", Name: "Pre-Sale", PricePerUnit: decimal.RequireFromString("0.15"),
			OpensAt:  ptr(time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC)),
			ClosesAt: ptr(time.Date(2025, 6, 30, 23, 59, 59, 0, time.UTC)),
		},
		{
			ID: "public-sale", Name: "Public Sale", PricePerUnit: decimal.RequireFromString("0.2"),
			OpensAt: ptr(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)),
		},
	}
}

func newTestHandler(t *testing.T, o *fakeOracle, stages []models.SaleStage) (*echo.Echo, *PriceEchoHandler) {
	t.Helper()
	engine, err := pricing.NewEngine(stages, o, "SOL", pricing.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	h := NewPriceEchoHandler(xlogger.Nop(), o, engine)
	h.now = func() time.Time { return testNow }
	e := echo.New()
	h.RegisterRoutes(e)
	return e, h
}

type envelope struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, e *echo.Echo, method, target string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func appErrors(t *testing.T, env envelope) []xhttp.AppError {
	t.Helper()
	var errs []xhttp.AppError
	require.NoError(t, json.Unmarshal(env.Data, &errs))
	require.NotEmpty(t, errs)
	return errs
}

func TestPriceReturnsOraclePrice(t *testing.T) {
	o := &fakeOracle{price: decimal.RequireFromString("140.5")}
	e, _ := newTestHandler(t, o, testStages())

	rec, env := do(t, e, http.MethodGet, "/api/v1/prices/sol")
	require.Equal(t, http.StatusOK, rec.Code)

	var p models.Price
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "SOL", p.Asset)
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("140.5")))
	assert.Equal(t, models.SourcePrimary, p.Source)
	assert.Equal(t, []string{"SOL"}, o.assets)
}

func TestPriceRejectsInvalidAsset(t *testing.T) {
	o := &fakeOracle{price: decimal.NewFromInt(1)}
	e, _ := newTestHandler(t, o, testStages())

	rec, _ := do(t, e, http.MethodGet, "/api/v1/prices/so-l")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, o.assets)
}

func TestPriceExhaustedMapsToServiceUnavailable(t *testing.T) {
	o := &fakeOracle{err: &oracle.ExhaustedError{
		Asset: "SOL", Attempts: 4, RetryAt: testNow.Add(90 * time.Second), Err: errors.New("429"),
	}}
	e, _ := newTestHandler(t, o, testStages())

	rec, env := do(t, e, http.MethodGet, "/api/v1/prices/SOL")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	assert.Equal(t, "ERR_PROVIDERS_EXHAUSTED", appErrors(t, env)[0].Code)
}

func TestPriceExhaustedWithoutBlockHasNoRetryAfter(t *testing.T) {
	o := &fakeOracle{err: &oracle.ExhaustedError{Asset: "SOL", Attempts: 4, Err: errors.New("502")}}
	e, _ := newTestHandler(t, o, testStages())

	rec, _ := do(t, e, http.MethodGet, "/api/v1/prices/SOL")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestPriceCancelledMapsToGatewayTimeout(t *testing.T) {
	o := &fakeOracle{err: fmt.Errorf("%w: %w", oracle.ErrCancelled, context.DeadlineExceeded)}
	e, _ := newTestHandler(t, o, testStages())

	rec, env := do(t, e, http.MethodGet, "/api/v1/prices/SOL")
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "ERR_TIMEOUT", appErrors(t, env)[0].Code)
}

func TestClearCache(t *testing.T) {
	o := &fakeOracle{}
	e, _ := newTestHandler(t, o, testStages())

	rec, _ := do(t, e, http.MethodDelete, "/api/v1/prices/cache")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, o.cleared)
}

func TestTokenPrice(t *testing.T) {
	o := &fakeOracle{price: decimal.NewFromInt(150)}
	e, _ := newTestHandler(t, o, testStages())

	rec, env := do(t, e, http.MethodGet, "/api/v1/token/price")
	require.Equal(t, http.StatusOK, rec.Code)

	var q models.ComposedQuote
	require.NoError(t, json.Unmarshal(env.Data, &q))
	assert.Equal(t, "pre-sale", q.Stage.ID)
	assert.True(t, q.PriceInQuote.Equal(decimal.RequireFromString("22.5")))
	assert.True(t, q.PriceChange.FromPrevious.Equal(decimal.NewFromInt(50)))
	require.NotNil(t, q.NextPrice)
	assert.True(t, q.NextPrice.InQuote.Equal(decimal.NewFromInt(30)))
}

func TestTokenPriceReferenceUnavailable(t *testing.T) {
	o := &fakeOracle{err: &oracle.ExhaustedError{
		Asset: "SOL", Attempts: 4, RetryAt: testNow.Add(1500 * time.Millisecond), Err: errors.New("429"),
	}}
	e, _ := newTestHandler(t, o, testStages())

	rec, env := do(t, e, http.MethodGet, "/api/v1/token/price")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	ae := appErrors(t, env)[0]
	assert.Equal(t, "ERR_REFERENCE_PRICE_UNAVAILABLE", ae.Code)
	assert.Equal(t, "pre-sale", ae.Params["stage"])
}

func TestTokenPriceWithoutStages(t *testing.T) {
	o := &fakeOracle{price: decimal.NewFromInt(150)}
	e, _ := newTestHandler(t, o, nil)

	rec, env := do(t, e, http.MethodGet, "/api/v1/token/price")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "ERR_NO_STAGES", appErrors(t, env)[0].Code)
	assert.Empty(t, o.assets)
}

func TestStages(t *testing.T) {
	e, _ := newTestHandler(t, &fakeOracle{}, testStages())

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"defaults to now", "", "pre-sale"},
		{"rfc3339", "?at=2025-06-10T08:00:00Z", "private-sale"},
		{"inclusive close", "?at=2025-06-15T23:59:59Z", "private-sale"},
		{"unix seconds", fmt.Sprintf("?at=%d", time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC).Unix()), "public-sale"},
		{"gap falls back to last", "?at=2025-06-15T23:59:59.5Z", "public-sale"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, e, http.MethodGet, "/api/v1/token/stages"+tt.query)
			require.Equal(t, http.StatusOK, rec.Code)

			var s models.StageSchedule
			require.NoError(t, json.Unmarshal(env.Data, &s))
			assert.Equal(t, tt.want, s.Current.ID)
			assert.Len(t, s.Stages, 3)
		})
	}
}

func TestStagesRejectsBadTime(t *testing.T) {
	e, _ := newTestHandler(t, &fakeOracle{}, testStages())

	rec, env := do(t, e, http.MethodGet, "/api/v1/token/stages?at=yesterday")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "at", appErrors(t, env)[0].Field)
}

func TestHealth(t *testing.T) {
	o := &fakeOracle{limits: []models.RateLimitState{
		{Provider: "coinmarketcap", BlockedUntil: testNow.Add(time.Minute)},
		{Provider: "coingecko", BlockedUntil: testNow.Add(-time.Minute)},
	}}
	e, _ := newTestHandler(t, o, testStages())

	rec, env := do(t, e, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var hr xhttp.HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &hr))
	assert.Equal(t, "ok", hr.Status)
	require.Len(t, hr.Providers, 2)
	assert.True(t, hr.Providers[0].Blocked)
	assert.Equal(t, "2025-06-20T12:01:00Z", hr.Providers[0].BlockedUntil)
	assert.False(t, hr.Providers[1].Blocked)

	o.limits[1].BlockedUntil = testNow.Add(time.Hour)
	_, env = do(t, e, http.MethodGet, "/health")
	require.NoError(t, json.Unmarshal(env.Data, &hr))
	assert.Equal(t, "degraded", hr.Status)
}

func TestToAppError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"context deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "ERR_TIMEOUT"},
		{"invalid asset", oracle.ErrInvalidAsset, http.StatusBadRequest, "ERR_BAD_REQUEST"},
		{"no stages", pricing.ErrNoStagesConfigured, http.StatusInternalServerError, "ERR_NO_STAGES"},
		{"cancelled quote", &pricing.QuoteError{StageID: "s", Asset: "SOL", Err: oracle.ErrCancelled}, http.StatusGatewayTimeout, "ERR_TIMEOUT"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "ERR_INTERNAL"},
		{"app error passes through", xhttp.NotFoundErrorf("missing %s", "x"), http.StatusNotFound, "ERR_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ae := toAppError(tt.err, testNow)
			assert.Equal(t, tt.status, ae.Status)
			assert.Equal(t, tt.code, ae.Code)
		})
	}
}
