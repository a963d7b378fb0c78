package usecase

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	domrepo "SaleOracle/internal/domain/repository"
	pkgkafka "SaleOracle/pkg/kafka"
	applogger "SaleOracle/pkg/logger"
)

const CommandClearCache = "clear_cache"

// CacheClearer is the oracle operation exposed to operators.
type CacheClearer interface {
	ClearCache(ctx context.Context)
}

// AdminCommand is the admin topic message schema.
type AdminCommand struct {
	Command string `json:"command"`
}

// AdminCommandHandler applies operator commands received over Kafka, so a
// cache clear reaches every replica.
type AdminCommandHandler struct {
	topic   string
	oracle  CacheClearer
	metrics domrepo.Metrics
	l       *applogger.Logger
}

func NewAdminCommandHandler(topic string, oracle CacheClearer, metrics domrepo.Metrics, l *applogger.Logger) *AdminCommandHandler {
	return &AdminCommandHandler{topic: topic, oracle: oracle, metrics: metrics, l: l}
}

func (h *AdminCommandHandler) Topic() string { return h.topic }

// Handle rejects malformed and unknown commands without retry.
func (h *AdminCommandHandler) Handle(ctx context.Context, b []byte) error {
	var cmd AdminCommand
	if err := json.Unmarshal(b, &cmd); err != nil {
		h.metrics.RecordError("admin_unmarshal")
		return pkgkafka.Permanent(fmt.Errorf("decode admin command: %w", err))
	}

	switch strings.ToLower(strings.TrimSpace(cmd.Command)) {
	case CommandClearCache:
		h.oracle.ClearCache(ctx)
		h.l.Info("admin command applied",
			applogger.String("command", CommandClearCache),
			applogger.String("trace_id", pkgkafka.TraceID(ctx)),
		)
		return nil
	default:
		h.metrics.RecordError("admin_unknown_command")
		return pkgkafka.Permanent(fmt.Errorf("unknown admin command %q", cmd.Command))
	}
}

var _ pkgkafka.MessageHandler = (*AdminCommandHandler)(nil)
