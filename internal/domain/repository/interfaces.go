package repository

import (
	"context"

	"SaleOracle/internal/domain/models"
)

// PriceProvider is one upstream market data source.
type PriceProvider interface {
	Name() string
	Source() models.Source
	FetchPrice(ctx context.Context, asset string) (models.Price, error)
}

// PriceHistory keeps every freshly fetched reference price.
type PriceHistory interface {
	Record(ctx context.Context, p models.Price) error
	Close() error
}

// TransitionNotifier announces sale stage changes.
type TransitionNotifier interface {
	NotifyTransition(ctx context.Context, ev models.StageTransitionEvent) error
	Close() error
}

type Metrics interface {
	RecordProviderCall(provider, result string)
	RecordCacheLookup(asset string, hit bool)
	RecordRetry(asset string)
	RecordRateLimitBlock(provider string)
	RecordLastPrice(asset string, price float64)
	RecordStageTransition(from, to string)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
