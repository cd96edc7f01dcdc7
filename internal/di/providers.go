package di

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"

	"IntelliDetect/internal/detect"
	"IntelliDetect/internal/domain/repository"
	"IntelliDetect/internal/handler/api"
	internalrepo "IntelliDetect/internal/repository"
	"IntelliDetect/internal/service/ratelimit"
	"IntelliDetect/internal/services/expression"
	"IntelliDetect/internal/services/sdk"
	"IntelliDetect/internal/usecase"
	"IntelliDetect/pkg/cache"
	pkgch "IntelliDetect/pkg/clickhouse"
	"IntelliDetect/pkg/config"
	xhttp "IntelliDetect/pkg/http"
	pkgkafka "IntelliDetect/pkg/kafka"
	"IntelliDetect/pkg/logger"
	"IntelliDetect/pkg/metrics"
	"IntelliDetect/pkg/queue"
	"IntelliDetect/pkg/server"
)

// ProvideKafkaProducer creates the producer shared by the anomaly publisher
// and the log collector. Events are keyed by strategy and item, so the hash
// balancer keeps each item's events ordered.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	opts := append(pkgkafka.ProducerOptionsFromConfig(cfg), pkgkafka.WithHashByKey(true))
	producer, err := pkgkafka.NewProducer(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideLogger creates the application logger. With the collector enabled
// error logs are aggregated and shipped to the log topic.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	if cfg.Log.Collector.Enabled && cfg.Kafka.LogTopic != "" {
		l.AddCollector(&logger.CollectionConfig{
			TimeInterval:   cfg.Log.Collector.Interval,
			CountThreshold: cfg.Log.Collector.CountThreshold,
			Topic:          cfg.Kafka.LogTopic,
			Source:         "intellidetect-" + cfg.Environment,
			Publisher:      producer,
		})
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideRedisCache connects to Redis when the cache or the deferred queue
// needs it; otherwise it returns nil.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	if cfg.Cache.Type == "memory" && !cfg.Queue.Enabled {
		return nil, nil
	}
	rc, err := cache.NewRedisCache(cache.RedisOptionsFromConfig(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rc, nil
}

// ProvideCache builds the cache selected by cache.type.
func ProvideCache(cfg *config.Config, rc *cache.RedisCache) (cache.Service, error) {
	c, err := cache.NewFromConfig(cfg, rc)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return c, nil
}

// ProvideClickHouseClient connects and applies the schema. It returns nil
// when clickhouse is disabled.
func ProvideClickHouseClient(cfg *config.Config, log *logger.Logger) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}

	client, err := pkgch.NewClient(pkgch.OptionsFromConfig(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.InitSchema(ctx, pkgch.Schema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	log.Info("clickhouse connected and schema ready", logger.String("database", cfg.ClickHouse.Database))
	return client, nil
}

// ProvideSDKClient creates the prediction service client.
func ProvideSDKClient(cfg *config.Config) *sdk.Client {
	return sdk.NewClient(cfg)
}

// ProvideEvaluator creates the expression evaluator.
func ProvideEvaluator() *expression.Evaluator {
	return expression.NewEvaluator()
}

// ProvideHistoryStore selects the previous-point source by detect.history.
func ProvideHistoryStore(cfg *config.Config, c cache.Service, ch *pkgch.Client) (repository.HistoryStore, error) {
	switch cfg.Detect.History {
	case "clickhouse":
		if ch == nil {
			return nil, fmt.Errorf("history store: clickhouse is disabled")
		}
		return internalrepo.NewCHHistoryStore(ch.DB(), qualified(cfg, pkgch.HistoryPointsTable)), nil
	default:
		return internalrepo.NewCacheHistoryStore(c, cfg.Cache.HistoryTTL), nil
	}
}

// ProvideItemStore keeps the latest item config for deferred points.
func ProvideItemStore(cfg *config.Config, c cache.Service) repository.ItemStore {
	// a deferred point may wait for the whole retry window
	ttl := time.Duration(cfg.Queue.RetryLimit+1) * cfg.Queue.RetryDelay
	return internalrepo.NewCacheItemStore(c, max(ttl, time.Hour))
}

// ProvideStrategy creates the detection strategy.
func ProvideStrategy(
	cfg *config.Config,
	client *sdk.Client,
	ev *expression.Evaluator,
	history repository.HistoryStore,
	m repository.Metrics,
	log *logger.Logger,
) *detect.IntelligentDetect {
	return detect.New(
		detect.WithPredictor(client),
		detect.WithGroupPredictor(client),
		detect.WithEvaluator(ev),
		detect.WithHistoryFetcher(history),
		detect.WithMetrics(m),
		detect.WithLogger(log),
		detect.WithPrecision(cfg.Detect.PointPrecision),
	)
}

// ProvideAnomalyPublisher creates the Kafka anomaly sink.
func ProvideAnomalyPublisher(cfg *config.Config, producer *pkgkafka.Producer) repository.AnomalyPublisher {
	return internalrepo.NewKafkaAnomalyPublisher(producer, cfg.Kafka.AnomalyTopic)
}

// ProvideAnomalyStorage creates the ClickHouse anomaly sink, nil when
// clickhouse is disabled.
func ProvideAnomalyStorage(cfg *config.Config, ch *pkgch.Client) repository.AnomalyStorage {
	if ch == nil {
		return nil
	}
	return internalrepo.NewCHAnomalyStorage(ch.DB(), qualified(cfg, pkgch.AnomalyEventsTable))
}

// ProvideQueue creates the deferred point queue, nil when disabled.
func ProvideQueue(cfg *config.Config, rc *cache.RedisCache, log *logger.Logger) *queue.RedisQueue {
	if !cfg.Queue.Enabled || rc == nil {
		return nil
	}
	return queue.NewRedisQueue(log, &queue.QueueConfig{
		Workers:    cfg.Queue.Workers,
		RetryLimit: cfg.Queue.RetryLimit,
		RetryDelay: cfg.Queue.RetryDelay,
	}, rc.Client(),
		queue.WithKeyPrefix(cfg.Queue.KeyPrefix),
		queue.WithExpectedErrors(detect.IsRetryable),
	)
}

// ProvideRequeuer hands deferred points to the queue.
func ProvideRequeuer(cfg *config.Config, q *queue.RedisQueue) repository.Requeuer {
	if q == nil {
		return nil
	}
	return internalrepo.NewQueueRequeuer(q, cfg.Queue.RetryDelay)
}

// ProvideDetectProcessor creates the detection use case.
func ProvideDetectProcessor(
	cfg *config.Config,
	strategy *detect.IntelligentDetect,
	pub repository.AnomalyPublisher,
	store repository.AnomalyStorage,
	history repository.HistoryStore,
	items repository.ItemStore,
	requeuer repository.Requeuer,
	m repository.Metrics,
	log *logger.Logger,
) *usecase.DetectProcessor {
	return usecase.NewDetectProcessor(strategy, pub, store, history, items, requeuer, m, log, usecase.ProcessorConfig{
		Backend:   cfg.Backend.Type,
		PreDetect: cfg.Detect.PreDetect,
		Workers:   cfg.Detect.Workers,
	})
}

// ProvideDeferredJob creates the queue job that redetects deferred points.
func ProvideDeferredJob(processor *usecase.DetectProcessor, log *logger.Logger) *usecase.DeferredJob {
	return usecase.NewDeferredJob(processor, log)
}

// ProvideKafkaConsumer creates the points consumer with tracing.
func ProvideKafkaConsumer(cfg *config.Config, log *logger.Logger) (*pkgkafka.Consumer, error) {
	consumer, err := pkgkafka.NewConsumer(log, pkgkafka.ConsumerOptionsFromConfig(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.NewTracingHook(log, 2*time.Second))
	return consumer, nil
}

// ProvidePointsHandler handles the points topic.
func ProvidePointsHandler(cfg *config.Config, processor *usecase.DetectProcessor, m repository.Metrics, log *logger.Logger) *usecase.PointsHandler {
	return usecase.NewPointsHandler(cfg.Kafka.PointsTopic, processor, m, log)
}

// ProvideDetectHandler exposes detection and health over HTTP.
func ProvideDetectHandler(
	cfg *config.Config,
	processor *usecase.DetectProcessor,
	rc *cache.RedisCache,
	ch *pkgch.Client,
	log *logger.Logger,
) *api.DetectHandler {
	checks := map[string]api.HealthCheck{}
	if rc != nil {
		checks["redis"] = func(ctx context.Context) error {
			return rc.Client().Ping(ctx).Err()
		}
	}
	if ch != nil {
		checks["clickhouse"] = ch.Health
	}

	limiter := ratelimit.New(cfg.Server.RateLimit.Capacity, cfg.Server.RateLimit.RefillPerSec)
	mw := []echo.MiddlewareFunc{ratelimit.Middleware(limiter, ratelimit.ByRealIP)}
	return api.NewDetectHandler(processor, checks, log, mw...)
}

// ProvideHTTPServer creates the HTTP server.
func ProvideHTTPServer(cfg *config.Config, h *api.DetectHandler, log *logger.Logger) *xhttp.Server {
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	return xhttp.NewServer(h, log,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithMetricsPath(metricsPath),
	)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	log *logger.Logger,
	consumer *pkgkafka.Consumer,
	points *usecase.PointsHandler,
	q *queue.RedisQueue,
	job *usecase.DeferredJob,
	processor *usecase.DetectProcessor,
	httpServer *xhttp.Server,
	producer *pkgkafka.Producer,
	ch *pkgch.Client,
	rc *cache.RedisCache,
	c cache.Service,
) *server.App {
	var qjob queue.Job
	if q != nil {
		qjob = job
	}
	return server.New(cfg, log, consumer, points, q, qjob, processor, httpServer, producer, ch, rc, c)
}

func qualified(cfg *config.Config, table string) string {
	return cfg.ClickHouse.Database + "." + table
}
