package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"IntelliDetect/internal/usecase"
	"IntelliDetect/pkg/cache"
	pkgch "IntelliDetect/pkg/clickhouse"
	"IntelliDetect/pkg/config"
	xhttp "IntelliDetect/pkg/http"
	pkgkafka "IntelliDetect/pkg/kafka"
	"IntelliDetect/pkg/logger"
	"IntelliDetect/pkg/queue"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	log        *logger.Logger
	consumer   *pkgkafka.Consumer
	points     pkgkafka.MessageHandler
	queue      *queue.RedisQueue
	job        queue.Job
	processor  *usecase.DetectProcessor
	httpServer *xhttp.Server
	producer   *pkgkafka.Producer
	chClient   *pkgch.Client
	redis      *cache.RedisCache
	cache      cache.Service
}

// New creates a new App. queue, job, chClient and redis may be nil when the
// matching feature is disabled.
func New(
	cfg *config.Config,
	log *logger.Logger,
	consumer *pkgkafka.Consumer,
	points pkgkafka.MessageHandler,
	q *queue.RedisQueue,
	job queue.Job,
	processor *usecase.DetectProcessor,
	httpServer *xhttp.Server,
	producer *pkgkafka.Producer,
	chClient *pkgch.Client,
	redis *cache.RedisCache,
	c cache.Service,
) *App {
	return &App{
		cfg:        cfg,
		log:        log,
		consumer:   consumer,
		points:     points,
		queue:      q,
		job:        job,
		processor:  processor,
		httpServer: httpServer,
		producer:   producer,
		chClient:   chClient,
		redis:      redis,
		cache:      c,
	}
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	a.log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Start launches the deferred queue, the points consumer and the HTTP server.
func (a *App) Start() error {
	if a.queue != nil && a.job != nil {
		a.queue.RegisterJob(a.job)
		if err := a.queue.Start(); err != nil {
			return fmt.Errorf("start deferred queue: %w", err)
		}
		a.log.Info("deferred queue started", logger.String("job", a.job.Name()))
	}

	if a.consumer != nil && a.points != nil {
		a.consumer.RegisterHandler(a.points)
		if err := a.consumer.Start(); err != nil {
			return fmt.Errorf("start kafka consumer: %w", err)
		}
		a.log.Info("kafka consumer started",
			logger.String("topic", a.points.Topic()),
			logger.Strings("brokers", a.cfg.Kafka.Brokers),
		)
	}

	if a.httpServer != nil {
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("start http server: %w", err)
		}
	}

	a.log.Info("intellidetect started",
		logger.String("env", a.cfg.Environment),
		logger.String("backend", a.cfg.Backend.Type),
		logger.String("history", a.cfg.Detect.History),
	)
	return nil
}

// Shutdown stops intake first so in-flight points drain, then closes the
// sinks and the infrastructure clients.
func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down")

	if a.httpServer != nil {
		if err := a.httpServer.Stop(ctx); err != nil {
			a.log.Error("http shutdown error", logger.Error(err))
		}
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", logger.Error(err))
		}
	}

	if a.queue != nil {
		if err := a.queue.Stop(ctx); err != nil {
			a.log.Warn("deferred queue stop error", logger.Error(err))
		}
	}

	if a.processor != nil {
		a.processor.Close()
	}

	// the logger collector publishes through the producer
	a.log.RemoveCollector()

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.Warn("kafka producer close error", logger.Error(err))
		}
	}

	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.log.Warn("clickhouse close error", logger.Error(err))
		}
	}

	// layered and redis caches share the redis client closed below
	if mc, ok := a.cache.(*cache.MemoryCache); ok {
		_ = mc.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close error", logger.Error(err))
		}
	}

	a.log.Info("shutdown complete")
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
