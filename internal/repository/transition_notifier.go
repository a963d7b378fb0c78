package repository

import (
	"context"
	"fmt"

	"SaleOracle/internal/domain/models"
	domrepo "SaleOracle/internal/domain/repository"
	pkgkafka "SaleOracle/pkg/kafka"
)

// EventPublisher is the producer surface the notifier needs.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}, headers ...pkgkafka.Header) error
	Close() error
}

// KafkaTransitionNotifier publishes stage transitions keyed by the new stage id.
type KafkaTransitionNotifier struct {
	producer EventPublisher
	topic    string
}

func NewKafkaTransitionNotifier(producer EventPublisher, topic string) *KafkaTransitionNotifier {
	return &KafkaTransitionNotifier{producer: producer, topic: topic}
}

var _ domrepo.TransitionNotifier = (*KafkaTransitionNotifier)(nil)

func (n *KafkaTransitionNotifier) NotifyTransition(ctx context.Context, ev models.StageTransitionEvent) error {
	err := n.producer.Publish(ctx, n.topic, []byte(ev.To.ID), ev,
		pkgkafka.Header{Key: pkgkafka.TraceIDHeader, Value: []byte(ev.ID)})
	if err != nil {
		return fmt.Errorf("notify transition to %s: %w", ev.To.ID, err)
	}
	return nil
}

// Close is a no-op; the producer is shared and closed by its owner.
func (n *KafkaTransitionNotifier) Close() error { return nil }
