package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"SaleOracle/pkg/logger"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// Permanent marks a handler error as not worth retrying. The message goes
// straight to the DLQ, when one is configured.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer fetches from one reader per registered topic and dispatches to a
// worker pool. Offsets are committed after a successful handle, or after the
// message was forwarded to the DLQ.
type Consumer struct {
	cfg      *ConsumerConfig
	log      *logger.Logger
	handlers map[string]MessageHandler
	readers  map[string]Reader
	hook     ConsumerHook
	dlq      Writer
	metrics  *consumerMetrics

	msgs      chan *message
	ctx       context.Context
	cancel    context.CancelFunc
	fetchers  sync.WaitGroup
	workers   sync.WaitGroup
	partMu    sync.Mutex
	partLocks map[string]*sync.Mutex
	started   bool
	stopOnce  sync.Once
}

type message struct {
	topic string
	km    kafka.Message
}

// NewConsumer creates a consumer. Handlers must be registered before Start.
func NewConsumer(log *logger.Logger, opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:     "default",
		StartOffset: kafka.FirstOffset,
		WorkerCount: 1,
		BufferSize:  10,
		RetryMax:    3,
		BackoffMin:  50 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		MinBytes:    1,
		MaxBytes:    10e6,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 && cfg.NewReader == nil {
		return nil, fmt.Errorf("brokers are required")
	}
	if log == nil {
		log = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		cfg:       cfg,
		log:       log,
		handlers:  make(map[string]MessageHandler),
		readers:   make(map[string]Reader),
		hook:      NoopHook{},
		dlq:       cfg.DLQWriter,
		msgs:      make(chan *message, cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
		partLocks: make(map[string]*sync.Mutex),
	}
	if c.dlq == nil && cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.LeastBytes{}}
	}
	if cfg.Registerer != nil {
		c.metrics = newConsumerMetrics(cfg.Registerer)
	}
	return c, nil
}

// RegisterHandler registers a handler for its topic. A second handler for the
// same topic is rejected.
func (c *Consumer) RegisterHandler(handler MessageHandler) error {
	topic := handler.Topic()
	if _, ok := c.handlers[topic]; ok {
		return fmt.Errorf("handler already registered for topic %s", topic)
	}
	c.handlers[topic] = handler
	return nil
}

// WithConsumerHook sets the hook run around every handle.
func (c *Consumer) WithConsumerHook(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

// Start opens the readers and launches fetchers and workers.
func (c *Consumer) Start() error {
	if c.started {
		return fmt.Errorf("consumer already started")
	}
	if len(c.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}
	c.started = true

	for topic := range c.handlers {
		c.readers[topic] = c.newReader(topic)
	}
	for i := 0; i < c.cfg.WorkerCount; i++ {
		c.workers.Add(1)
		go c.work()
	}
	for topic, r := range c.readers {
		c.fetchers.Add(1)
		go c.fetch(topic, r)
		c.log.Info("kafka consumer subscribed", logger.String("topic", topic), logger.String("group", c.cfg.GroupID))
	}
	return nil
}

func (c *Consumer) newReader(topic string) Reader {
	if c.cfg.NewReader != nil {
		return c.cfg.NewReader(topic)
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.cfg.Brokers,
		Topic:       topic,
		GroupID:     c.cfg.GroupID,
		StartOffset: c.cfg.StartOffset,
		MinBytes:    c.cfg.MinBytes,
		MaxBytes:    c.cfg.MaxBytes,
	})
}

// Stop cancels fetching, lets workers drain the buffer and closes readers.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		c.cancel()
		c.fetchers.Wait()
		close(c.msgs)

		done := make(chan struct{})
		go func() {
			c.workers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
		}

		for topic, r := range c.readers {
			if err := r.Close(); err != nil {
				c.log.Warn("kafka reader close failed", logger.String("topic", topic), logger.Error(err))
			}
		}
		if c.dlq != nil {
			if err := c.dlq.Close(); err != nil {
				c.log.Warn("kafka dlq writer close failed", logger.Error(err))
			}
		}
		if stopErr == nil {
			c.log.Info("kafka consumer stopped")
		}
	})
	return stopErr
}

func (c *Consumer) fetch(topic string, r Reader) {
	defer c.fetchers.Done()
	for {
		km, err := r.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("kafka fetch failed", logger.String("topic", topic), logger.Error(err))
			select {
			case <-time.After(c.cfg.BackoffMin):
			case <-c.ctx.Done():
				return
			}
			continue
		}
		select {
		case c.msgs <- &message{topic: topic, km: km}:
			c.metrics.queued(topic, len(c.msgs))
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) work() {
	defer c.workers.Done()
	for m := range c.msgs {
		c.process(m)
	}
}

// process handles one message with retries, DLQ forwarding and commit.
func (c *Consumer) process(m *message) {
	handler, ok := c.handlers[m.topic]
	if !ok {
		return
	}
	start := time.Now()

	pl := c.partitionLock(m.topic, m.km.Partition)
	pl.Lock()
	defer pl.Unlock()

	err := c.handle(handler, m)
	if err != nil && c.ctx.Err() != nil {
		// stopping: leave the offset uncommitted so the message is redelivered
		return
	}
	if err != nil {
		c.log.Error("kafka message dropped after retries",
			logger.String("topic", m.topic),
			logger.Int64("offset", m.km.Offset),
			logger.Error(err),
		)
		if !c.forward(m, err) {
			c.metrics.handled(m.topic, "failed", time.Since(start))
			return
		}
		c.metrics.handled(m.topic, "dlq", time.Since(start))
	} else {
		c.metrics.handled(m.topic, "ok", time.Since(start))
	}

	commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.readers[m.topic].CommitMessages(commitCtx, m.km); err != nil {
		c.log.Warn("kafka commit failed", logger.String("topic", m.topic), logger.Int64("offset", m.km.Offset), logger.Error(err))
	}
}

func (c *Consumer) handle(handler MessageHandler, m *message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffMin
	b.MaxInterval = c.cfg.BackoffMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.cfg.RetryMax, 0))), c.ctx)

	op := func() error {
		ctx, data, err := c.hook.BeforeHandle(c.ctx, m.topic, m.km, m.km.Value)
		if err != nil {
			return backoff.Permanent(err)
		}
		err = c.safeHandle(ctx, handler, data)
		c.hook.AfterHandle(ctx, m.topic, m.km, err)
		if err != nil {
			c.hook.OnError(ctx, m.topic, m.km, err)
		}
		return err
	}
	err := backoff.Retry(op, policy)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func (c *Consumer) safeHandle(ctx context.Context, h MessageHandler, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = backoff.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Handle(ctx, data)
}

// forward writes m to the DLQ and reports whether its offset may be committed.
func (c *Consumer) forward(m *message, cause error) bool {
	if c.dlq == nil || c.cfg.DLQTopic == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.dlq.WriteMessages(ctx, kafka.Message{
		Topic: c.cfg.DLQTopic,
		Key:   m.km.Key,
		Value: m.km.Value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "source_topic", Value: []byte(m.topic)},
			{Key: "error", Value: []byte(cause.Error())},
		},
	})
	if err != nil {
		c.log.Error("kafka dlq write failed", logger.String("topic", c.cfg.DLQTopic), logger.Error(err))
		return false
	}
	return true
}

func (c *Consumer) partitionLock(topic string, partition int) *sync.Mutex {
	key := fmt.Sprintf("%s/%d", topic, partition)
	c.partMu.Lock()
	defer c.partMu.Unlock()
	l, ok := c.partLocks[key]
	if !ok {
		l = &sync.Mutex{}
		c.partLocks[key] = l
	}
	return l
}

type consumerMetrics struct {
	depth    *prometheus.GaugeVec
	outcomes *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func newConsumerMetrics(reg prometheus.Registerer) *consumerMetrics {
	f := promauto.With(reg)
	return &consumerMetrics{
		depth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "saleoracle_kafka_consumer_queue_depth",
			Help: "Messages waiting in the consumer buffer",
		}, []string{"topic"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saleoracle_kafka_consumer_messages_total",
			Help: "Consumed messages by outcome",
		}, []string{"topic", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "saleoracle_kafka_consumer_handle_seconds",
			Help: "Handling time per message including retries",
		}, []string{"topic"}),
	}
}

func (m *consumerMetrics) queued(topic string, depth int) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(topic).Set(float64(depth))
}

func (m *consumerMetrics) handled(topic, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(topic, outcome).Inc()
	m.latency.WithLabelValues(topic).Observe(d.Seconds())
}
