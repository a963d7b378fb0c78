// Package pricing derives the project token price from the active sale stage
// and the oracle's reference-asset price.
package pricing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"SaleOracle/internal/domain/models"
	"SaleOracle/internal/domain/repository"
	"SaleOracle/pkg/logger"
	"SaleOracle/pkg/metrics"
)

var hundred = decimal.NewFromInt(100)

// PriceSource is the part of the oracle the engine depends on.
type PriceSource interface {
	GetPrice(ctx context.Context, asset string) (models.Price, error)
}

// Engine holds the immutable stage sequence and the id of the stage seen by
// the previous successful quote.
type Engine struct {
	stages         []models.SaleStage
	oracle         PriceSource
	referenceAsset string

	notifier repository.TransitionNotifier
	metrics  repository.Metrics
	log      *logger.Logger
	now      func() time.Time

	mu           sync.Mutex
	lastObserved string
	observed     bool
}

type Option func(*Engine)

// WithNotifier publishes an event whenever a quote observes a new stage.
func WithNotifier(n repository.TransitionNotifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithMetrics(m repository.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine validates and copies stages. Their order is the sale order and is
// never changed. An empty sequence is accepted; quotes then fail with
// ErrNoStagesConfigured.
func NewEngine(stages []models.SaleStage, oracle PriceSource, referenceAsset string, opts ...Option) (*Engine, error) {
	if oracle == nil {
		return nil, fmt.Errorf("pricing: price source is required")
	}
	referenceAsset = strings.ToUpper(strings.TrimSpace(referenceAsset))
	if referenceAsset == "" {
		return nil, fmt.Errorf("pricing: reference asset is required")
	}

	seen := make(map[string]struct{}, len(stages))
	for _, s := range stages {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("pricing: %w", err)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("pricing: duplicate stage id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	e := &Engine{
		stages:         append([]models.SaleStage(nil), stages...),
		oracle:         oracle,
		referenceAsset: referenceAsset,
		metrics:        metrics.Nop{},
		log:            logger.Nop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Stages returns a copy of the configured sequence.
func (e *Engine) Stages() []models.SaleStage {
	return append([]models.SaleStage(nil), e.stages...)
}

func (e *Engine) ReferenceAsset() string { return e.referenceAsset }

// CurrentStage returns the first stage active at now, or the last stage when
// none is. Fails only when no stages are configured.
func (e *Engine) CurrentStage(now time.Time) (models.SaleStage, error) {
	i, err := e.stageIndex(now)
	if err != nil {
		return models.SaleStage{}, err
	}
	return e.stages[i], nil
}

func (e *Engine) stageIndex(now time.Time) (int, error) {
	if len(e.stages) == 0 {
		return 0, ErrNoStagesConfigured
	}
	for i, s := range e.stages {
		if s.ActiveAt(now) {
			return i, nil
		}
	}
	return len(e.stages) - 1, nil
}

// ProjectTokenPrice composes the current token quote. Oracle failures are
// returned as a *QuoteError matching ErrReferencePriceUnavailable.
func (e *Engine) ProjectTokenPrice(ctx context.Context) (*models.ComposedQuote, error) {
	start := time.Now()
	defer func() { e.metrics.RecordLatency("project_token_price", time.Since(start).Seconds()) }()

	now := e.now()
	idx, err := e.stageIndex(now)
	if err != nil {
		e.metrics.RecordError("no_stages")
		return nil, err
	}
	stage := e.stages[idx]

	ref, err := e.oracle.GetPrice(ctx, e.referenceAsset)
	if err != nil {
		e.metrics.RecordError("reference_price_unavailable")
		return nil, &QuoteError{StageID: stage.ID, Asset: e.referenceAsset, Err: err}
	}

	var prev, next *models.SaleStage
	if idx > 0 {
		p := e.stages[idx-1]
		prev = &p
	}
	if idx < len(e.stages)-1 {
		n := e.stages[idx+1]
		next = &n
	}

	quote := &models.ComposedQuote{
		Stage:            stage,
		PriceInReference: stage.PricePerUnit,
		PriceInQuote:     stage.PricePerUnit.Mul(ref.Amount),
		ReferencePrice:   ref,
		PriceChange: models.PriceChange{
			FromPrevious: decimal.Zero,
			ToNext:       decimal.Zero,
		},
	}

	if prev != nil {
		quote.PreviousPrice = pair(prev.PricePerUnit, ref.Amount)
		quote.PriceChange.FromPrevious = percentChange(prev.PricePerUnit, stage.PricePerUnit)
	}
	if next != nil {
		quote.NextPrice = pair(next.PricePerUnit, ref.Amount)
		quote.PriceChange.ToNext = percentChange(stage.PricePerUnit, next.PricePerUnit)
	}

	quote.Transition = e.observe(ctx, stage, prev, now)
	if next != nil && next.OpensAt != nil {
		d := next.OpensAt.Sub(now)
		quote.Transition.TimeUntilNextOpen = &d
	}

	return quote, nil
}

// observe records stage as the last observed one. From is set to the
// structurally previous stage whenever the stage differs from the one
// observed by the preceding quote.
func (e *Engine) observe(ctx context.Context, stage models.SaleStage, prev *models.SaleStage, now time.Time) models.StageTransition {
	e.mu.Lock()
	changed := e.observed && e.lastObserved != stage.ID
	e.lastObserved = stage.ID
	e.observed = true
	e.mu.Unlock()

	t := models.StageTransition{To: stage}
	if !changed {
		return t
	}
	t.From = prev

	fromID := ""
	if prev != nil {
		fromID = prev.ID
	}
	e.metrics.RecordStageTransition(fromID, stage.ID)
	e.log.Info("sale stage changed", logger.String("from", fromID), logger.String("to", stage.ID))

	if e.notifier != nil {
		ev := models.StageTransitionEvent{
			ID:         uuid.NewString(),
			From:       prev,
			To:         stage,
			ObservedAt: now,
		}
		if err := e.notifier.NotifyTransition(ctx, ev); err != nil {
			e.log.Warn("stage transition notify failed", logger.String("to", stage.ID), logger.Error(err))
		}
	}
	return t
}

func pair(unitPrice, reference decimal.Decimal) *models.PricePair {
	return &models.PricePair{InReference: unitPrice, InQuote: unitPrice.Mul(reference)}
}

// percentChange returns (to-from)/from*100.
func percentChange(from, to decimal.Decimal) decimal.Decimal {
	return to.Sub(from).Div(from).Mul(hundred)
}
