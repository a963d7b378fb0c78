//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"SaleOracle/pkg/config"
	"SaleOracle/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Observability
		ProvideRegistry,
		ProvideMetrics,
		ProvideLogger,

		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideRedisCache,
		ProvideClickHouseClient,

		// Repositories
		ProvidePriceHistory,
		ProvideTransitionNotifier,
		ProvidePriceProviders,

		// Domain services
		ProvideLimiter,
		ProvideOracle,
		ProvideSaleStages,
		ProvidePricingEngine,

		// Transport
		ProvideHandlers,
		ProvideHTTPServer,
		ProvideKafkaConsumer,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
