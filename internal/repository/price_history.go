package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"SaleOracle/internal/domain/models"
	domrepo "SaleOracle/internal/domain/repository"
	applogger "SaleOracle/pkg/logger"
)

// PriceHistorySchema returns the DDL for the observation table.
func PriceHistorySchema(table string) []string {
	return []string{fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            asset       LowCardinality(String),
            amount      Decimal(38, 18),
            change_24h  Decimal(38, 8),
            source      LowCardinality(String),
            provider    LowCardinality(String),
            observed_at DateTime64(3, 'UTC'),
            stored_at   DateTime64(3, 'UTC')
        ) ENGINE = MergeTree
        PARTITION BY toYYYYMM(stored_at)
        ORDER BY (asset, stored_at)
    `, table)}
}

// ClickHouseHistory appends every freshly fetched reference price to ClickHouse.
type ClickHouseHistory struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
	now   func() time.Time
}

type HistoryOption func(*ClickHouseHistory)

func WithHistoryLogger(l *applogger.Logger) HistoryOption {
	return func(h *ClickHouseHistory) { h.l = l }
}

func WithHistoryClock(now func() time.Time) HistoryOption {
	return func(h *ClickHouseHistory) { h.now = now }
}

func NewClickHouseHistory(db *sql.DB, table string, opts ...HistoryOption) *ClickHouseHistory {
	h := &ClickHouseHistory{db: db, table: table, l: applogger.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ domrepo.PriceHistory = (*ClickHouseHistory)(nil)

func (h *ClickHouseHistory) Record(ctx context.Context, p models.Price) error {
	start := time.Now()
	q := fmt.Sprintf("INSERT INTO %s (asset, amount, change_24h, source, provider, observed_at, stored_at) VALUES (?, ?, ?, ?, ?, ?, ?)", h.table)
	_, err := h.db.ExecContext(ctx, q,
		p.Asset,
		p.Amount,
		p.Change24hPercent,
		string(p.Source),
		p.Provider,
		p.ObservedAt.UTC(),
		h.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record price %s: %w", p.Asset, err)
	}
	h.l.Debug("clickhouse price recorded",
		applogger.String("table", h.table),
		applogger.String("asset", p.Asset),
		applogger.String("provider", p.Provider),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return nil
}

// Close is a no-op; the pool belongs to pkg/clickhouse.Client.
func (h *ClickHouseHistory) Close() error { return nil }
