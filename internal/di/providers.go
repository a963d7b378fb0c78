package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"SaleOracle/internal/domain/models"
	"SaleOracle/internal/domain/repository"
	"SaleOracle/internal/handler/api"
	"SaleOracle/internal/oracle"
	"SaleOracle/internal/pricing"
	internalrepo "SaleOracle/internal/repository"
	"SaleOracle/internal/service/provider"
	"SaleOracle/internal/service/ratelimit"
	"SaleOracle/internal/usecase"
	"SaleOracle/pkg/cache"
	pkgch "SaleOracle/pkg/clickhouse"
	"SaleOracle/pkg/config"
	xhttp "SaleOracle/pkg/http"
	pkgkafka "SaleOracle/pkg/kafka"
	"SaleOracle/pkg/logger"
	"SaleOracle/pkg/metrics"
	"SaleOracle/pkg/server"
)

// ProvideLogger creates the root logger. With a Kafka producer, error logs are
// aggregated and published to the logs topic.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*logger.Logger, error) {
	l, err := logger.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if producer != nil {
		l.AddCollector(&logger.CollectionConfig{
			Service:   "sale-oracle",
			Topic:     cfg.Kafka.LogsTopic,
			Publisher: producer,
		})
	}
	return l, nil
}

// ProvideRegistry creates the Prometheus registry shared by every collector.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg *prometheus.Registry) repository.Metrics {
	return metrics.NewWithRegisterer(reg)
}

// ProvideRedisCache connects to Redis when it is enabled; nil otherwise.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	c, err := cache.NewRedisCache(
		cache.WithRedisHost(cfg.Redis.Host),
		cache.WithRedisPort(cfg.Redis.Port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return c, nil
}

// ProvideClickHouseClient creates a ClickHouse client and the price history
// table when ClickHouse is enabled; nil otherwise.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := append([]string{"CREATE DATABASE IF NOT EXISTS " + cfg.ClickHouse.Database},
		internalrepo.PriceHistorySchema(historyTable(cfg))...)
	if err := client.InitSchema(ctx, stmts); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

func historyTable(cfg *config.Config) string {
	return cfg.ClickHouse.Database + "." + cfg.ClickHouse.Table
}

// ProvidePriceHistory records fetched prices in ClickHouse; nil without a client.
func ProvidePriceHistory(cfg *config.Config, ch *pkgch.Client, log *logger.Logger) repository.PriceHistory {
	if ch == nil {
		return nil
	}
	return internalrepo.NewClickHouseHistory(ch.DB(), historyTable(cfg),
		internalrepo.WithHistoryLogger(log.Named("price_history")))
}

// ProvideKafkaProducer creates a Kafka producer when Kafka is enabled; nil otherwise.
func ProvideKafkaProducer(cfg *config.Config, reg *prometheus.Registry) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithProducerRegisterer(reg),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideTransitionNotifier publishes stage transitions; nil without a producer.
func ProvideTransitionNotifier(cfg *config.Config, producer *pkgkafka.Producer) repository.TransitionNotifier {
	if producer == nil {
		return nil
	}
	return internalrepo.NewKafkaTransitionNotifier(producer, cfg.Kafka.TransitionsTopic)
}

// ProvidePriceProviders builds the provider chain in configured order.
func ProvidePriceProviders(cfg *config.Config) ([]repository.PriceProvider, error) {
	quote := provider.WithQuoteCurrency(cfg.Oracle.QuoteCurrency)
	out := make([]repository.PriceProvider, 0, len(cfg.Oracle.Providers))
	for _, name := range cfg.Oracle.Providers {
		switch name {
		case config.ProviderCoinMarketCap:
			client := xhttp.NewClient(xhttp.WithTimeout(cfg.CoinMarketCap.Timeout))
			out = append(out, provider.NewCoinMarketCap(cfg.CoinMarketCap.BaseURL, cfg.CoinMarketCap.APIKey,
				provider.WithHTTPClient(client), quote))
		case config.ProviderCoinGecko:
			client := xhttp.NewClient(xhttp.WithTimeout(cfg.CoinGecko.Timeout))
			out = append(out, provider.NewCoinGecko(cfg.CoinGecko.BaseURL, cfg.CoinGecko.APIKey, cfg.CoinGecko.IDs,
				provider.WithHTTPClient(client), quote))
		case config.ProviderSynthetic:
			out = append(out, provider.NewSynthetic(cfg.Synthetic.BasePrice, cfg.Synthetic.SpreadPercent, quote))
		default:
			return nil, fmt.Errorf("unknown price provider %q", name)
		}
	}
	return out, nil
}

// ProvideLimiter creates the per-provider rate-limit tracker.
func ProvideLimiter(cfg *config.Config) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.WithCallsPerMinute(cfg.Oracle.CallsPerMinute))
}

// ProvideOracle creates the reference price oracle.
func ProvideOracle(
	cfg *config.Config,
	providers []repository.PriceProvider,
	limiter *ratelimit.Limiter,
	redis *cache.RedisCache,
	history repository.PriceHistory,
	m repository.Metrics,
	log *logger.Logger,
) (*oracle.Oracle, error) {
	opts := []oracle.Option{
		oracle.WithLimiter(limiter),
		oracle.WithMetrics(m),
		oracle.WithLogger(log.Named("oracle")),
	}
	if cfg.Oracle.SharedCache && redis != nil {
		opts = append(opts, oracle.WithStore(oracle.NewCacheStore(redis, cfg.Oracle.FreshnessWindow)))
	}
	if history != nil {
		opts = append(opts, oracle.WithHistory(history))
	}

	return oracle.New(oracle.Config{
		FreshnessWindow: cfg.Oracle.FreshnessWindow,
		MaxRetries:      cfg.Oracle.MaxRetries,
		BaseDelay:       cfg.Oracle.BaseDelay,
		MaxDelay:        cfg.Oracle.MaxDelay,
		DefaultBlock:    cfg.Oracle.DefaultBlock,
	}, providers, opts...)
}

// ProvideSaleStages converts configured stages into domain stages.
func ProvideSaleStages(cfg *config.Config) ([]models.SaleStage, error) {
	stages := make([]models.SaleStage, 0, len(cfg.Sale.Stages))
	for _, sc := range cfg.Sale.Stages {
		price, err := decimal.NewFromString(sc.PricePerUnit)
		if err != nil {
			return nil, fmt.Errorf("sale stage %s: price_per_unit: %w", sc.ID, err)
		}
		opens, closes, err := sc.Window()
		if err != nil {
			return nil, fmt.Errorf("sale stage %s: %w", sc.ID, err)
		}
		stages = append(stages, models.SaleStage{
			ID:           sc.ID,
			Name:         sc.Name,
			PricePerUnit: price,
			UnitCap:      sc.UnitCap,
			OpensAt:      opens,
			ClosesAt:     closes,
		})
	}
	return stages, nil
}

// ProvidePricingEngine creates the sale-stage pricing engine.
func ProvidePricingEngine(
	cfg *config.Config,
	stages []models.SaleStage,
	o *oracle.Oracle,
	notifier repository.TransitionNotifier,
	m repository.Metrics,
	log *logger.Logger,
) (*pricing.Engine, error) {
	return pricing.NewEngine(stages, o, cfg.Oracle.ReferenceAsset,
		pricing.WithNotifier(notifier),
		pricing.WithMetrics(m),
		pricing.WithLogger(log.Named("pricing")),
	)
}

// ProvideHandlers creates the HTTP and websocket handlers.
func ProvideHandlers(cfg *config.Config, log *logger.Logger, o *oracle.Oracle, engine *pricing.Engine) []xhttp.Handler {
	return []xhttp.Handler{
		api.NewPriceEchoHandler(log.Named("api"), o, engine),
		api.NewQuoteStreamHandler(log.Named("stream"), engine, cfg.Stream.Interval),
	}
}

// ProvideHTTPServer creates the echo server.
func ProvideHTTPServer(cfg *config.Config, log *logger.Logger, handlers []xhttp.Handler, reg *prometheus.Registry) *xhttp.Server {
	opts := []xhttp.ServerOption{
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithSlowThreshold(cfg.Server.SlowThreshold),
		xhttp.WithRegistry(reg),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetrics(cfg.Metrics.Path))
	}
	return xhttp.NewServer(log.Named("http"), handlers, opts...)
}

// ProvideKafkaConsumer creates the admin command consumer when Kafka is
// enabled; nil otherwise.
func ProvideKafkaConsumer(
	cfg *config.Config,
	o *oracle.Oracle,
	m repository.Metrics,
	log *logger.Logger,
	reg *prometheus.Registry,
) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	cl := log.Named("kafka")
	consumer, err := pkgkafka.NewConsumer(cl,
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerRegisterer(reg),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}

	h := usecase.NewAdminCommandHandler(cfg.Kafka.AdminTopic, o, m, log.Named("admin"))
	if err := consumer.RegisterHandler(h); err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.NewHookChain(pkgkafka.TraceHook{}, pkgkafka.LoggingHook{Log: cl}))
	return consumer, nil
}

// ProvideApp creates the application and registers the clients it closes on shutdown.
func ProvideApp(
	cfg *config.Config,
	log *logger.Logger,
	srv *xhttp.Server,
	consumer *pkgkafka.Consumer,
	producer *pkgkafka.Producer,
	ch *pkgch.Client,
	redis *cache.RedisCache,
) *server.App {
	app := server.New(log, srv, consumer, cfg.Server.ShutdownTimeout)

	if redis != nil {
		app.AddResource("redis", redis.Close)
	}
	if ch != nil {
		app.AddResource("clickhouse", ch.Close)
	}
	if producer != nil {
		app.AddResource("kafka-producer", func() error {
			// flush pending error logs before the producer goes away
			log.RemoveCollector()
			return producer.Close()
		})
	}
	return app
}
