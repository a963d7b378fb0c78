package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SaleStage is one phase of the token sale. Stages are ordered by their
// position in the configured sequence, never by their dates.
type SaleStage struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	UnitCap      *int64          `json:"unit_cap,omitempty"`
	OpensAt      *time.Time      `json:"opens_at,omitempty"`
	ClosesAt     *time.Time      `json:"closes_at,omitempty"`
}

// Validate checks the invariants of a single stage.
func (s SaleStage) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("stage id is required")
	}
	if !s.PricePerUnit.IsPositive() {
		return fmt.Errorf("stage %s: price per unit must be positive", s.ID)
	}
	if s.UnitCap != nil && *s.UnitCap <= 0 {
		return fmt.Errorf("stage %s: unit cap must be positive", s.ID)
	}
	if s.OpensAt != nil && s.ClosesAt != nil && !s.OpensAt.Before(*s.ClosesAt) {
		return fmt.Errorf("stage %s: opens_at must be before closes_at", s.ID)
	}
	return nil
}

// ActiveAt reports whether now falls inside the stage window. Both bounds are inclusive.
func (s SaleStage) ActiveAt(now time.Time) bool {
	if s.OpensAt != nil && s.OpensAt.After(now) {
		return false
	}
	if s.ClosesAt != nil && s.ClosesAt.Before(now) {
		return false
	}
	return true
}

// StageTransition describes the stage change observed by a pricing query.
type StageTransition struct {
	From              *SaleStage     `json:"from,omitempty"`
	To                SaleStage      `json:"to"`
	TimeUntilNextOpen *time.Duration `json:"time_until_next_open,omitempty"`
}

// PricePair is a stage price expressed in both the reference asset and the quote currency.
type PricePair struct {
	InReference decimal.Decimal `json:"in_reference"`
	InQuote     decimal.Decimal `json:"in_quote"`
}

// PriceChange holds percentage deltas against the adjacent stages.
type PriceChange struct {
	FromPrevious decimal.Decimal `json:"from_previous"`
	ToNext       decimal.Decimal `json:"to_next"`
}

// ComposedQuote is the full project token price answer.
type ComposedQuote struct {
	Stage            SaleStage       `json:"stage"`
	PriceInReference decimal.Decimal `json:"price_in_reference"`
	PriceInQuote     decimal.Decimal `json:"price_in_quote"`
	ReferencePrice   Price           `json:"reference_price"`
	Transition       StageTransition `json:"stage_transition"`
	PreviousPrice    *PricePair      `json:"previous_price,omitempty"`
	NextPrice        *PricePair      `json:"next_price,omitempty"`
	PriceChange      PriceChange     `json:"price_change"`
}

// StageTransitionEvent is emitted when the active stage changes between queries.
type StageTransitionEvent struct {
	ID         string     `json:"id"`
	From       *SaleStage `json:"from,omitempty"`
	To         SaleStage  `json:"to"`
	ObservedAt time.Time  `json:"observed_at"`
}
