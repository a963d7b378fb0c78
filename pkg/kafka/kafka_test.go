package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SaleOracle/pkg/logger"
)

type memWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

func (w *memWriter) Messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type chanReader struct {
	in        chan kafka.Message
	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newChanReader(msgs ...kafka.Message) *chanReader {
	r := &chanReader{in: make(chan kafka.Message, len(msgs)+1)}
	for _, m := range msgs {
		r.in <- m
	}
	return r
}

func (r *chanReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.in:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *chanReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *chanReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *chanReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type funcHandler struct {
	topic string
	fn    func(context.Context, []byte) error
}

func (h funcHandler) Topic() string                              { return h.topic }
func (h funcHandler) Handle(ctx context.Context, b []byte) error { return h.fn(ctx, b) }

func TestProducerEncodesPayloads(t *testing.T) {
	w := &memWriter{}
	reg := prometheus.NewRegistry()
	p, err := NewProducer(WithWriter(w), WithProducerRegisterer(reg))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, "events", []byte("k"), map[string]int{"n": 1},
		Header{Key: TraceIDHeader, Value: []byte("abc")}))
	require.NoError(t, p.Publish(ctx, "events", nil, "raw"))
	require.NoError(t, p.PublishMessage(ctx, "logs", []byte(`{"x":1}`)))

	msgs := w.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "events", msgs[0].Topic)
	assert.Equal(t, []byte("k"), msgs[0].Key)
	assert.JSONEq(t, `{"n":1}`, string(msgs[0].Value))
	require.Len(t, msgs[0].Headers, 1)
	assert.Equal(t, "raw", string(msgs[1].Value))
	assert.Equal(t, "logs", msgs[2].Topic)
	assert.Nil(t, msgs[2].Key)

	assert.Equal(t, float64(2), testutil.ToFloat64(p.metrics.messages.WithLabelValues("events", "gzip", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.messages.WithLabelValues("logs", "gzip", "ok")))
}

func TestProducerWrapsWriteError(t *testing.T) {
	boom := errors.New("leader not available")
	p, err := NewProducer(WithWriter(&memWriter{err: boom}))
	require.NoError(t, err)

	err = p.Publish(context.Background(), "events", nil, "x")
	assert.ErrorIs(t, err, boom)
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	_, err := NewProducer()
	assert.Error(t, err)
}

func newTestConsumer(t *testing.T, r *chanReader, opts ...ConsumerOption) *Consumer {
	t.Helper()
	opts = append([]ConsumerOption{
		WithReaderFactory(func(string) Reader { return r }),
		WithConsumerRetry(2, time.Millisecond, 2*time.Millisecond),
	}, opts...)
	c, err := NewConsumer(logger.Nop(), opts...)
	require.NoError(t, err)
	return c
}

func TestConsumerHandlesAndCommits(t *testing.T) {
	r := newChanReader(
		kafka.Message{Offset: 1, Value: []byte(`a`)},
		kafka.Message{Offset: 2, Value: []byte(`b`)},
	)
	c := newTestConsumer(t, r)

	var mu sync.Mutex
	var got []string
	require.NoError(t, c.RegisterHandler(funcHandler{topic: "admin", fn: func(_ context.Context, b []byte) error {
		mu.Lock()
		got = append(got, string(b))
		mu.Unlock()
		return nil
	}}))
	require.NoError(t, c.Start())

	assert.Eventually(t, func() bool { return len(r.Committed()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, []int64{1, 2}, r.Committed())
	assert.True(t, r.closed)
}

func TestConsumerRetriesThenSucceeds(t *testing.T) {
	r := newChanReader(kafka.Message{Offset: 7, Value: []byte(`x`)})
	c := newTestConsumer(t, r)

	var calls atomic.Int32
	require.NoError(t, c.RegisterHandler(funcHandler{topic: "admin", fn: func(context.Context, []byte) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}}))
	require.NoError(t, c.Start())

	assert.Eventually(t, func() bool { return len(r.Committed()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestConsumerForwardsToDLQAfterRetries(t *testing.T) {
	r := newChanReader(kafka.Message{Offset: 3, Key: []byte("k"), Value: []byte(`bad`)})
	dlq := &memWriter{}
	c := newTestConsumer(t, r, WithConsumerDLQ("admin.dlq"), WithDLQWriter(dlq))

	var calls atomic.Int32
	require.NoError(t, c.RegisterHandler(funcHandler{topic: "admin", fn: func(context.Context, []byte) error {
		calls.Add(1)
		return errors.New("always")
	}}))
	require.NoError(t, c.Start())

	assert.Eventually(t, func() bool { return len(r.Committed()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	assert.Equal(t, int32(3), calls.Load())
	msgs := dlq.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "admin.dlq", msgs[0].Topic)
	assert.Equal(t, []byte("bad"), msgs[0].Value)
	assert.Equal(t, "source_topic", msgs[0].Headers[0].Key)
}

func TestConsumerDoesNotCommitFailuresWithoutDLQ(t *testing.T) {
	r := newChanReader(kafka.Message{Offset: 3, Value: []byte(`bad`)})
	c := newTestConsumer(t, r, WithConsumerRetry(0, time.Millisecond, time.Millisecond))

	done := make(chan struct{})
	require.NoError(t, c.RegisterHandler(funcHandler{topic: "admin", fn: func(context.Context, []byte) error {
		defer close(done)
		return errors.New("always")
	}}))
	require.NoError(t, c.Start())

	<-done
	require.NoError(t, c.Stop(context.Background()))
	assert.Empty(t, r.Committed())
}

func TestConsumerHookRejectionSkipsHandler(t *testing.T) {
	r := newChanReader(kafka.Message{Offset: 1, Value: []byte(`x`)})
	dlq := &memWriter{}
	c := newTestConsumer(t, r, WithConsumerDLQ("dlq"), WithDLQWriter(dlq))

	var handled atomic.Bool
	require.NoError(t, c.RegisterHandler(funcHandler{topic: "admin", fn: func(context.Context, []byte) error {
		handled.Store(true)
		return nil
	}}))
	c.WithConsumerHook(HookFuncs{Before: func(ctx context.Context, _ string, _ kafka.Message, b []byte) (context.Context, []byte, error) {
		return ctx, b, errors.New("schema mismatch")
	}})
	require.NoError(t, c.Start())

	assert.Eventually(t, func() bool { return len(dlq.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))
	assert.False(t, handled.Load())
}

func TestTraceHookAndChain(t *testing.T) {
	var order []string
	rec := func(name string) ConsumerHook {
		return HookFuncs{
			Before: func(ctx context.Context, _ string, _ kafka.Message, b []byte) (context.Context, []byte, error) {
				order = append(order, "before:"+name)
				return ctx, b, nil
			},
			After: func(context.Context, string, kafka.Message, error) { order = append(order, "after:"+name) },
		}
	}
	panicky := HookFuncs{After: func(context.Context, string, kafka.Message, error) { panic("boom") }}
	chain := NewHookChain(TraceHook{}, rec("a"), nil, panicky, rec("b"))

	km := kafka.Message{Headers: []kafka.Header{{Key: TraceIDHeader, Value: []byte("t-1")}}}
	ctx, _, err := chain.BeforeHandle(context.Background(), "admin", km, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "t-1", TraceID(ctx))

	assert.NotPanics(t, func() { chain.AfterHandle(ctx, "admin", km, nil) })
	assert.Equal(t, []string{"before:a", "before:b", "after:b", "after:a"}, order)
}

func TestHookChainTurnsPanicIntoError(t *testing.T) {
	chain := NewHookChain(HookFuncs{Before: func(context.Context, string, kafka.Message, []byte) (context.Context, []byte, error) {
		panic("bad hook")
	}})
	_, _, err := chain.BeforeHandle(context.Background(), "t", kafka.Message{}, nil)
	assert.ErrorContains(t, err, "bad hook")
}

func TestRegisterHandlerRejectsDuplicateTopic(t *testing.T) {
	c := newTestConsumer(t, newChanReader())
	h := funcHandler{topic: "admin", fn: func(context.Context, []byte) error { return nil }}
	require.NoError(t, c.RegisterHandler(h))
	assert.Error(t, c.RegisterHandler(h))
}

func TestProducerPayloadIsJSON(t *testing.T) {
	b, err := encode(struct {
		ID string `json:"id"`
	}{ID: "e1"})
	require.NoError(t, err)
	var m map[string]string
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "e1", m["id"])
}
