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

	"IntelliDetect/pkg/logger"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// Permanent marks a handler error as not worth retrying. The message goes
// straight to the failure path (DLQ and commit).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type partitionKey struct {
	topic     string
	partition int
}

// Consumer fans messages of the registered topics out to a worker pool.
// At most one message per (topic, partition) is in flight, so per-partition
// order is kept.
type Consumer struct {
	cfg      *ConsumerConfig
	log      *logger.Logger
	readers  map[string]messageReader
	handlers map[string]MessageHandler
	hook     ConsumerHook
	dlq      messageWriter

	ctx      context.Context
	cancel   context.CancelFunc
	readWg   sync.WaitGroup
	workWg   sync.WaitGroup
	stopOnce sync.Once
	msgChan  chan *message

	locksMu   sync.Mutex
	partLocks map[partitionKey]*sync.Mutex
}

type message struct {
	topic string
	data  []byte
	km    kafka.Message
}

// NewConsumer creates a new Kafka consumer.
func NewConsumer(log *logger.Logger, opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:     "default",
		WorkerCount: 1,
		BufferSize:  10,
		RetryMax:    3,
		BackoffMin:  50 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		MinBytes:    10e3,
		MaxBytes:    10e6,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if log == nil {
		log = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		cfg:       cfg,
		log:       log,
		readers:   make(map[string]messageReader),
		handlers:  make(map[string]MessageHandler),
		hook:      NoopHook{},
		ctx:       ctx,
		cancel:    cancel,
		msgChan:   make(chan *message, cfg.BufferSize),
		partLocks: make(map[partitionKey]*sync.Mutex),
	}

	initConsumerMetrics(prometheus.DefaultRegisterer)

	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.LeastBytes{}}
	}

	return c, nil
}

// RegisterHandler registers a message handler for a specific topic.
func (c *Consumer) RegisterHandler(handler MessageHandler) {
	topic := handler.Topic()
	if _, ok := c.handlers[topic]; ok {
		c.log.Warn("kafka handler already registered", logger.String("topic", topic))
		return
	}
	c.handlers[topic] = handler
}

// WithConsumerHook sets a hook implementation for lifecycle events.
func (c *Consumer) WithConsumerHook(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

// Start creates one reader per registered topic and starts the workers.
func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	for topic := range c.handlers {
		if _, ok := c.readers[topic]; ok {
			continue
		}
		c.readers[topic] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.cfg.Brokers,
			Topic:    topic,
			GroupID:  c.cfg.GroupID,
			MinBytes: c.cfg.MinBytes,
			MaxBytes: c.cfg.MaxBytes,
		})
	}

	for i := 0; i < c.cfg.WorkerCount; i++ {
		c.workWg.Add(1)
		go c.messageWorker()
	}

	for topic, reader := range c.readers {
		c.readWg.Add(1)
		go c.consumeMessages(topic, reader)
	}

	c.log.Info("kafka consumer started",
		logger.String("group_id", c.cfg.GroupID),
		logger.Int("workers", c.cfg.WorkerCount),
		logger.Int("topics", len(c.readers)),
	)
	return nil
}

// Stop stops fetching, drains in-flight messages and closes the readers.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error

	c.stopOnce.Do(func() {
		c.log.Info("kafka consumer stopping")
		c.cancel()

		// readers are the only senders, so msgChan closes after they exit
		c.readWg.Wait()
		close(c.msgChan)

		stopErr = waitGroup(ctx, &c.workWg)

		for topic, reader := range c.readers {
			if err := reader.Close(); err != nil {
				c.log.Warn("close kafka reader", logger.String("topic", topic), logger.Error(err))
			}
		}
		if c.dlq != nil {
			if err := c.dlq.Close(); err != nil {
				c.log.Warn("close dlq writer", logger.Error(err))
			}
		}
		if stopErr == nil {
			c.log.Info("kafka consumer stopped")
		}
	})

	return stopErr
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (c *Consumer) consumeMessages(topic string, reader messageReader) {
	defer c.readWg.Done()

	for {
		km, err := reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("fetch kafka message", logger.String("topic", topic), logger.Error(err))
			select {
			case <-time.After(c.cfg.BackoffMin):
			case <-c.ctx.Done():
				return
			}
			continue
		}

		// blocking send is the backpressure
		select {
		case c.msgChan <- &message{topic: topic, data: km.Value, km: km}:
			consumerStats.queued(topic, len(c.msgChan), cap(c.msgChan))
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) messageWorker() {
	defer c.workWg.Done()

	for msg := range c.msgChan {
		c.process(msg)
	}
}

// process runs the handler for one message with retries, then commits the
// offset on success or once the message is parked in the DLQ. A message that
// fails without a DLQ stays uncommitted and is redelivered after a rebalance.
func (c *Consumer) process(msg *message) {
	handler, ok := c.handlers[msg.topic]
	if !ok {
		return
	}

	pl := c.partitionLock(msg.topic, msg.km.Partition)
	pl.Lock()
	defer pl.Unlock()

	start := time.Now()
	attempts, err := c.handleWithRetry(handler, msg)
	if err != nil && c.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// shutdown interrupted the retries; leave the offset for redelivery
		return
	}

	dlqOK := false
	if err != nil {
		c.hook.OnError(context.Background(), msg.topic, msg.km, msg.data, err)
		c.log.Error("kafka message failed",
			logger.String("topic", msg.topic),
			logger.Int("partition", msg.km.Partition),
			logger.Int64("offset", msg.km.Offset),
			logger.Int("attempts", attempts),
			logger.Error(err),
		)
		dlqOK = c.toDLQ(msg, err)
	}

	if err == nil || dlqOK {
		if reader := c.readers[msg.topic]; reader != nil {
			if cerr := c.commit(reader, msg.km); cerr != nil {
				c.log.Error("commit kafka offset", logger.String("topic", msg.topic), logger.Error(cerr))
			}
		}
	}
	consumerStats.handled(msg.topic, err, time.Since(start))
}

func (c *Consumer) handleWithRetry(handler MessageHandler, msg *message) (int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.BackoffMin
	eb.MaxInterval = c.cfg.BackoffMax
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(c.cfg.RetryMax, 0))), c.ctx)

	attempts := 0
	op := func() error {
		attempts++
		hctx, hmsg, hdata, err := c.hook.BeforeHandle(context.Background(), msg.topic, msg.km, msg.data)
		if err != nil {
			return backoff.Permanent(err)
		}
		err = safeHandle(hctx, handler, hdata)
		c.hook.AfterHandle(hctx, msg.topic, hmsg, hdata, err)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.hook.OnError(context.Background(), msg.topic, msg.km, msg.data, err)
		c.log.Debug("retrying kafka message",
			logger.String("topic", msg.topic),
			logger.Int("attempt", attempts),
			logger.Duration("wait_ms", wait),
			logger.Error(err),
		)
	}
	err := backoff.RetryNotify(op, policy, notify)
	return attempts, err
}

// safeHandle turns a handler panic into a permanent error.
func safeHandle(ctx context.Context, handler MessageHandler, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = backoff.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler.Handle(ctx, data)
}

func (c *Consumer) toDLQ(msg *message, cause error) bool {
	if c.dlq == nil || c.cfg.DLQTopic == "" {
		return false
	}
	err := c.dlq.WriteMessages(context.Background(), kafka.Message{
		Topic: c.cfg.DLQTopic,
		Key:   msg.km.Key,
		Value: msg.data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "source_topic", Value: []byte(msg.topic)},
			{Key: "error", Value: []byte(cause.Error())},
		},
	})
	if err != nil {
		c.log.Error("write dlq", logger.String("topic", c.cfg.DLQTopic), logger.Error(err))
		return false
	}
	return true
}

func (c *Consumer) commit(reader messageReader, km kafka.Message) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return reader.CommitMessages(ctx, km)
	}, backoff.WithMaxRetries(eb, 2))
}

func (c *Consumer) partitionLock(topic string, partition int) *sync.Mutex {
	key := partitionKey{topic: topic, partition: partition}

	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.partLocks[key]
	if !ok {
		l = &sync.Mutex{}
		c.partLocks[key] = l
	}
	return l
}

type consumerMetrics struct {
	queueDepth    *prometheus.GaugeVec
	queueFullness *prometheus.GaugeVec
	messages      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

var (
	consumerStats     *consumerMetrics
	consumerStatsOnce sync.Once
)

func initConsumerMetrics(reg prometheus.Registerer) {
	consumerStatsOnce.Do(func() {
		factory := promauto.With(reg)
		consumerStats = &consumerMetrics{
			queueDepth: factory.NewGaugeVec(
				prometheus.GaugeOpts{Name: "intellidetect_kafka_consumer_queue_depth", Help: "Messages waiting for a worker"},
				[]string{"topic"},
			),
			queueFullness: factory.NewGaugeVec(
				prometheus.GaugeOpts{Name: "intellidetect_kafka_consumer_queue_fullness", Help: "Queue utilization ratio (len/cap)"},
				[]string{"topic"},
			),
			messages: factory.NewCounterVec(
				prometheus.CounterOpts{Name: "intellidetect_kafka_consumer_messages_total", Help: "Handled messages by result"},
				[]string{"topic", "result"},
			),
			latency: factory.NewHistogramVec(
				prometheus.HistogramOpts{Name: "intellidetect_kafka_consumer_handle_seconds", Help: "Handling time per message, retries included"},
				[]string{"topic"},
			),
		}
	})
}

func (m *consumerMetrics) queued(topic string, depth, capacity int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(topic).Set(float64(depth))
	if capacity > 0 {
		m.queueFullness.WithLabelValues(topic).Set(float64(depth) / float64(capacity))
	}
}

func (m *consumerMetrics) handled(topic string, err error, dur time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.messages.WithLabelValues(topic, result).Inc()
	m.latency.WithLabelValues(topic).Observe(dur.Seconds())
}
