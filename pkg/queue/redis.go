package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"IntelliDetect/pkg/logger"
)

// RedisQueue is a Redis list backed job queue. Ready messages live in a
// list, scheduled ones (delayed first runs and retries) in a sorted set
// scored by due time in milliseconds, and exhausted ones in a dead letter list.
type RedisQueue struct {
	logger    *logger.Logger
	config    *QueueConfig
	client    *redis.Client
	jobs      map[string]Job
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
	keyPrefix string
	// expected reports errors that are part of normal operation; they are
	// retried like any other but logged at debug level.
	expected func(error) bool
	now      func() time.Time
}

// RedisQueueOption configures RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithKeyPrefix sets custom key prefix.
func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) {
		r.keyPrefix = prefix
	}
}

// WithExpectedErrors marks errors that should not be logged as failures.
func WithExpectedErrors(fn func(error) bool) RedisQueueOption {
	return func(r *RedisQueue) {
		r.expected = fn
	}
}

// NewRedisQueue creates a new Redis queue.
func NewRedisQueue(lgr *logger.Logger, config *QueueConfig, client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	if config == nil {
		config = &QueueConfig{}
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 10 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if lgr == nil {
		lgr = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	rq := &RedisQueue{
		logger:    lgr,
		config:    config,
		client:    client,
		jobs:      make(map[string]Job),
		ctx:       ctx,
		cancel:    cancel,
		keyPrefix: "intellidetect:queue",
		expected:  func(error) bool { return false },
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(rq)
	}

	return rq
}

// RegisterJob registers a job for its message type. Jobs must be registered
// before Start.
func (r *RedisQueue) RegisterJob(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.Type()]; exists {
		r.logger.Warn("job already registered", logger.String("job", job.Name()))
		return
	}

	r.jobs[job.Type()] = job
	r.logger.Info("job registered",
		logger.String("job", job.Name()),
		logger.String("type", job.Type()))
}

// Start starts the workers and the scheduler. A queue without jobs only
// publishes.
func (r *RedisQueue) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return fmt.Errorf("queue already running")
	}

	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	r.isRunning = true

	if len(r.jobs) == 0 {
		r.logger.Info("redis publisher started", logger.String("addr", r.client.Options().Addr))
		return nil
	}

	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.wg.Add(1)
	go r.scheduler()

	r.logger.Info("redis queue started",
		logger.Int("workers", r.config.Workers),
		logger.String("addr", r.client.Options().Addr))
	return nil
}

// Stop gracefully stops the queue.
func (r *RedisQueue) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	r.cancel()
	r.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-ctx.Done():
		r.logger.Warn("timeout waiting for queue workers", logger.Error(ctx.Err()))
		return fmt.Errorf("timeout: %w", ctx.Err())
	case <-doneCh:
		r.logger.Info("redis queue stopped gracefully")
		return nil
	}
}

// Enqueue adds a message for immediate processing.
func (r *RedisQueue) Enqueue(ctx context.Context, msgType string, payload interface{}) error {
	msg, err := r.newMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := r.client.LPush(ctx, r.getQueueKey(), data).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	return nil
}

// EnqueueAt adds a message that becomes ready at the given time.
func (r *RedisQueue) EnqueueAt(ctx context.Context, msgType string, payload interface{}, at time.Time) error {
	msg, err := r.newMessage(msgType, payload)
	if err != nil {
		return err
	}
	return r.schedule(ctx, msg, at)
}

func (r *RedisQueue) newMessage(msgType string, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal payload: %w", err)
	}
	now := r.now()
	return Message{
		ID:        strconv.FormatInt(now.UnixNano(), 36),
		Type:      msgType,
		Payload:   raw,
		Timestamp: now,
	}, nil
}

// Stats returns the current list sizes.
func (r *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := r.client.Pipeline()
	ready := pipe.LLen(ctx, r.getQueueKey())
	scheduled := pipe.ZCard(ctx, r.getRetryKey())
	dead := pipe.LLen(ctx, r.getDeadLetterKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{Ready: ready.Val(), Scheduled: scheduled.Val(), Dead: dead.Val()}, nil
}

func (r *RedisQueue) worker(id int) {
	defer r.wg.Done()
	r.logger.Debug("queue worker started", logger.Int("worker_id", id))

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
			r.processNextMessage()
		}
	}
}

func (r *RedisQueue) processNextMessage() {
	result, err := r.client.BRPop(r.ctx, time.Second, r.getQueueKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		r.logger.Error("brpop error", logger.Error(err))
		select {
		case <-time.After(time.Second):
		case <-r.ctx.Done():
		}
		return
	}
	if len(result) < 2 {
		return
	}

	var msg Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		r.logger.Error("unmarshal message", logger.Error(err))
		return
	}

	r.processMessage(msg)
}

func (r *RedisQueue) processMessage(msg Message) {
	r.mu.RLock()
	job, exists := r.jobs[msg.Type]
	r.mu.RUnlock()
	if !exists {
		r.logger.Error("no job found",
			logger.String("type", msg.Type),
			logger.String("id", msg.ID))
		r.moveToDeadLetterQueue(msg)
		return
	}

	err := job.Handle(r.ctx, msg.Payload)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) && r.ctx.Err() != nil {
		// shutting down: put it back so it is not lost
		_ = r.schedule(context.Background(), msg, r.now())
		return
	}
	r.handleProcessingError(msg, job, err)
}

func (r *RedisQueue) handleProcessingError(msg Message, job Job, err error) {
	msg.LastError = err.Error()
	fields := []logger.Field{
		logger.String("id", msg.ID),
		logger.String("job", job.Name()),
		logger.Int("attempt", msg.Attempts+1),
		logger.Error(err),
	}

	if msg.Attempts >= r.config.RetryLimit {
		r.logger.Error("max retries reached", fields...)
		r.moveToDeadLetterQueue(msg)
		return
	}

	msg.Attempts++
	retryTime := r.now().Add(r.config.RetryDelay)
	if r.expected(err) {
		r.logger.Debug("message not ready, retry scheduled", fields...)
	} else {
		r.logger.Error("message processing error", fields...)
	}
	if err := r.schedule(context.Background(), msg, retryTime); err != nil {
		r.logger.Error("schedule retry", logger.Error(err))
	}
}

func (r *RedisQueue) schedule(ctx context.Context, msg Message, at time.Time) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return r.client.ZAdd(ctx, r.getRetryKey(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: data,
	}).Err()
}

func (r *RedisQueue) moveToDeadLetterQueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("marshal dlq", logger.Error(err))
		return
	}
	if err := r.client.LPush(context.Background(), r.getDeadLetterKey(), data).Err(); err != nil {
		r.logger.Error("lpush dlq", logger.Error(err))
	}
}

func (r *RedisQueue) scheduler() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.promoteDue(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("promote scheduled messages", logger.Error(err))
			}
		}
	}
}

// promoteDue moves scheduled messages whose time has come to the ready list.
// ZREM decides ownership so concurrent schedulers never move one twice.
func (r *RedisQueue) promoteDue(ctx context.Context) (int, error) {
	due, err := r.client.ZRangeByScore(ctx, r.getRetryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(r.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, member := range due {
		removed, err := r.client.ZRem(ctx, r.getRetryKey(), member).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}
		if err := r.client.LPush(ctx, r.getQueueKey(), member).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (r *RedisQueue) getQueueKey() string {
	return r.keyPrefix + ":messages"
}

func (r *RedisQueue) getRetryKey() string {
	return r.keyPrefix + ":scheduled"
}

func (r *RedisQueue) getDeadLetterKey() string {
	return r.keyPrefix + ":dlq"
}
