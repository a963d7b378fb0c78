package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source classifies where a Price came from.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
	SourceSynthetic Source = "synthetic"
)

// Price is a single reference-asset observation returned by the oracle.
type Price struct {
	Asset            string          `json:"asset"`
	Amount           decimal.Decimal `json:"amount"`
	Change24hPercent decimal.Decimal `json:"change_24h_percent"`
	ObservedAt       time.Time       `json:"observed_at"`
	Source           Source          `json:"source"`
	Provider         string          `json:"provider"`
}

// CacheEntry is the stored form of a Price together with the time it was cached.
type CacheEntry struct {
	Price    Price     `json:"price"`
	StoredAt time.Time `json:"stored_at"`
}

// Stale reports whether the entry is at least window old at now.
func (e CacheEntry) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(e.StoredAt) >= window
}

// RateLimitState tracks a provider block window. Zero BlockedUntil means eligible.
type RateLimitState struct {
	Provider     string    `json:"provider"`
	BlockedUntil time.Time `json:"blocked_until"`
}

// Blocked reports whether the provider must not be called at now.
func (s RateLimitState) Blocked(now time.Time) bool {
	return !s.BlockedUntil.IsZero() && now.Before(s.BlockedUntil)
}
