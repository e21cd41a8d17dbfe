//go:build wireinject
// +build wireinject

package di

import (
	"FinCascade/pkg/config"
	"FinCascade/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideMetrics,
		ProvideClickHouseClient,
		ProvideRedisClient,
		ProvideKafkaConsumer,

		// Repositories
		ProvideCHEventStore,
		ProvideEventStore,
		ProvideCache,
		ProvideFallbackStore,
		ProvideResultStore,
		ProvideResultPublisher,

		// Events
		ProvideEventHub,
		ProvideEventPipeline,

		// Cascade core
		ProvideDispatcher,
		ProvideOrchestrator,

		// Async intake
		ProvideKafkaAnalysisHandler,
		ProvideAnalysisQueue,

		// HTTP
		ProvideClientLimiter,
		ProvideAnalysisHandler,
		ProvideEventStreamHandler,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
