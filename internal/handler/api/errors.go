package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"SaleOracle/internal/oracle"
	"SaleOracle/internal/pricing"
	xhttp "SaleOracle/pkg/http"
)

// toAppError maps oracle and pricing failures onto HTTP errors.
func toAppError(err error, now time.Time) *xhttp.AppError {
	var appErr *xhttp.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, oracle.ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return xhttp.GatewayTimeoutError("price request cancelled").WithError(err)
	case errors.Is(err, oracle.ErrInvalidAsset):
		return xhttp.BadRequestError("asset", "asset is required").WithError(err)
	case errors.Is(err, pricing.ErrNoStagesConfigured):
		return xhttp.NewAppError("ERR_NO_STAGES", "", "no sale stages configured", http.StatusInternalServerError).WithError(err)
	}

	var exhausted *oracle.ExhaustedError
	hasExhausted := errors.As(err, &exhausted)

	var quoteErr *pricing.QuoteError
	if errors.As(err, &quoteErr) {
		ae := xhttp.ServiceUnavailableError("ERR_REFERENCE_PRICE_UNAVAILABLE", "reference price unavailable").
			WithParam("stage", quoteErr.StageID).
			WithParam("asset", quoteErr.Asset).
			WithError(err)
		if hasExhausted {
			ae.WithRetryAfter(retryIn(exhausted, now))
		}
		return ae
	}

	if hasExhausted {
		return xhttp.ServiceUnavailableError("ERR_PROVIDERS_EXHAUSTED", "all price providers exhausted").
			WithParam("asset", exhausted.Asset).
			WithParam("attempts", exhausted.Attempts).
			WithRetryAfter(retryIn(exhausted, now)).
			WithError(err)
	}

	return xhttp.InternalError("unexpected error").WithError(err)
}

func retryIn(e *oracle.ExhaustedError, now time.Time) time.Duration {
	if e.RetryAt.IsZero() {
		return 0
	}
	return e.RetryAt.Sub(now)
}
