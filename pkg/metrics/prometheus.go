package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	providerCalls    *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	retries          *prometheus.CounterVec
	rateLimitBlocks  *prometheus.CounterVec
	stageTransitions *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	lastPrice        *prometheus.GaugeVec
	latency          *prometheus.HistogramVec
}

// New creates a Recorder registered on the default registry.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a Recorder registered on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		providerCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saleoracle_provider_calls_total",
				Help: "Upstream price provider calls by result",
			},
			[]string{"provider", "result"},
		),
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saleoracle_cache_lookups_total",
				Help: "Oracle cache lookups by outcome",
			},
			[]string{"asset", "outcome"},
		),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saleoracle_retries_total",
				Help: "Backoff retries of the provider chain",
			},
			[]string{"asset"},
		),
		rateLimitBlocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saleoracle_rate_limit_blocks_total",
				Help: "Rate-limit block windows recorded per provider",
			},
			[]string{"provider"},
		),
		stageTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saleoracle_stage_transitions_total",
				Help: "Observed sale stage transitions",
			},
			[]string{"from", "to"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saleoracle_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "saleoracle_last_price",
				Help: "Last fetched reference price per asset",
			},
			[]string{"asset"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "saleoracle_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordProviderCall(provider, result string) {
	r.providerCalls.WithLabelValues(provider, result).Inc()
}

func (r *Recorder) RecordCacheLookup(asset string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	r.cacheLookups.WithLabelValues(asset, outcome).Inc()
}

func (r *Recorder) RecordRetry(asset string) {
	r.retries.WithLabelValues(asset).Inc()
}

func (r *Recorder) RecordRateLimitBlock(provider string) {
	r.rateLimitBlocks.WithLabelValues(provider).Inc()
}

// RecordStageTransition counts a stage change. from is empty on cold start.
func (r *Recorder) RecordStageTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	r.stageTransitions.WithLabelValues(from, to).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLastPrice records the last price for an asset.
func (r *Recorder) RecordLastPrice(asset string, price float64) {
	r.lastPrice.WithLabelValues(asset).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordProviderCall(string, string)    {}
func (Nop) RecordCacheLookup(string, bool)       {}
func (Nop) RecordRetry(string)                   {}
func (Nop) RecordRateLimitBlock(string)          {}
func (Nop) RecordStageTransition(string, string) {}
func (Nop) RecordError(string)                   {}
func (Nop) RecordLastPrice(string, float64)      {}
func (Nop) RecordLatency(string, float64)        {}
