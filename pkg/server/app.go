package server

import (
	"context"
	"fmt"
	"time"

	xhttp "SaleOracle/pkg/http"
	pkgkafka "SaleOracle/pkg/kafka"
	applogger "SaleOracle/pkg/logger"
)

// Resource is an infrastructure client closed on shutdown, in reverse
// registration order.
type Resource struct {
	Name  string
	Close func() error
}

// App owns the process lifecycle: HTTP server, optional Kafka consumer and
// the infrastructure clients behind them.
type App struct {
	log             *applogger.Logger
	httpServer      *xhttp.Server
	consumer        *pkgkafka.Consumer
	resources       []Resource
	shutdownTimeout time.Duration
}

func New(log *applogger.Logger, httpServer *xhttp.Server, consumer *pkgkafka.Consumer, shutdownTimeout time.Duration) *App {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &App{
		log:             log,
		httpServer:      httpServer,
		consumer:        consumer,
		shutdownTimeout: shutdownTimeout,
	}
}

// AddResource registers a client to close on shutdown.
func (a *App) AddResource(name string, closeFn func() error) {
	a.resources = append(a.resources, Resource{Name: name, Close: closeFn})
}

// Run starts every component and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if a.consumer != nil {
		if err := a.consumer.Start(); err != nil {
			a.closeResources()
			return fmt.Errorf("start kafka consumer: %w", err)
		}
	}
	if err := a.httpServer.Start(); err != nil {
		a.shutdown()
		return fmt.Errorf("start http server: %w", err)
	}
	a.log.Info("sale oracle started")

	<-ctx.Done()
	a.log.Info("shutdown signal received")
	return a.shutdown()
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.httpServer.Stop(ctx); err != nil {
		a.log.Error("http shutdown failed", applogger.Error(err))
		firstErr = err
	}
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop failed", applogger.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	a.closeResources()
	a.log.Info("shutdown complete")
	return firstErr
}

func (a *App) closeResources() {
	for i := len(a.resources) - 1; i >= 0; i-- {
		r := a.resources[i]
		if err := r.Close(); err != nil {
			a.log.Warn("resource close failed", applogger.String("resource", r.Name), applogger.Error(err))
		}
	}
}
