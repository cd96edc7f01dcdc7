//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"IntelliDetect/pkg/config"
	"IntelliDetect/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideMetrics,
		ProvideRedisCache,
		ProvideCache,
		ProvideClickHouseClient,
		ProvideSDKClient,
		ProvideEvaluator,

		// Repositories
		ProvideHistoryStore,
		ProvideItemStore,
		ProvideAnomalyPublisher,
		ProvideAnomalyStorage,
		ProvideQueue,
		ProvideRequeuer,

		// Use cases
		ProvideStrategy,
		ProvideDetectProcessor,
		ProvideDeferredJob,
		ProvidePointsHandler,

		// Transport
		ProvideKafkaConsumer,
		ProvideDetectHandler,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
