package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SaleOracle/internal/domain/models"
	pkgkafka "SaleOracle/pkg/kafka"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestKafkaTransitionNotifierPublishesEvent(t *testing.T) {
	w := &captureWriter{}
	p, err := pkgkafka.NewProducer(pkgkafka.WithWriter(w))
	require.NoError(t, err)
	n := NewKafkaTransitionNotifier(p, "sale.stage-transitions")

	from := models.SaleStage{ID: "private-sale", Name: "Private Sale", PricePerUnit: decimal.RequireFromString("0.1")}
	ev := models.StageTransitionEvent{
		ID:         "0b6f2c1e-1111-4222-8333-444455556666",
		From:       &from,
		To:         models.SaleStage{ID: "pre-sale", Name: "Pre-Sale", PricePerUnit: decimal.RequireFromString("0.15")},
		ObservedAt: time.Date(2025, 6, 16, 0, 0, 1, 0, time.UTC),
	}
	require.NoError(t, n.NotifyTransition(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "sale.stage-transitions", msg.Topic)
	assert.Equal(t, []byte("pre-sale"), msg.Key)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, pkgkafka.TraceIDHeader, msg.Headers[0].Key)
	assert.Equal(t, ev.ID, string(msg.Headers[0].Value))

	var got models.StageTransitionEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, ev.ID, got.ID)
	require.NotNil(t, got.From)
	assert.Equal(t, "private-sale", got.From.ID)
	assert.True(t, got.To.PricePerUnit.Equal(decimal.RequireFromString("0.15")))
	assert.True(t, got.ObservedAt.Equal(ev.ObservedAt))
}

func TestKafkaTransitionNotifierWrapsError(t *testing.T) {
	boom := errors.New("broker down")
	p, err := pkgkafka.NewProducer(pkgkafka.WithWriter(&captureWriter{err: boom}))
	require.NoError(t, err)
	n := NewKafkaTransitionNotifier(p, "t")

	err = n.NotifyTransition(context.Background(), models.StageTransitionEvent{To: models.SaleStage{ID: "pre-sale"}})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "pre-sale")
}
