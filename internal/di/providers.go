package di

import (
	"context"
	"fmt"
	"time"

	"FinCascade/internal/domain/models"
	domrepo "FinCascade/internal/domain/repository"
	"FinCascade/internal/handler/api"
	mid "FinCascade/internal/middleware"
	internalrepo "FinCascade/internal/repository"
	"FinCascade/internal/service/dispatcher"
	"FinCascade/internal/service/events"
	"FinCascade/internal/service/ratelimit"
	"FinCascade/internal/services/stages"
	"FinCascade/internal/usecase"
	"FinCascade/pkg/cache"
	pkgch "FinCascade/pkg/clickhouse"
	"FinCascade/pkg/config"
	xhttp "FinCascade/pkg/http"
	pkgkafka "FinCascade/pkg/kafka"
	applogger "FinCascade/pkg/logger"
	"FinCascade/pkg/metrics"
	"FinCascade/pkg/queue"
	"FinCascade/pkg/server"

	"github.com/redis/go-redis/v9"
)

// ProvideLogger creates the application logger. Error logs are aggregated and
// shipped to logger.topic when Kafka is available.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
		Output: cfg.Logger.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if cfg.Logger.Topic != "" && producer != nil {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   30 * time.Second,
			CountThreshold: 100,
			Topic:          cfg.Logger.Topic,
			Publisher:      producer,
		})
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() domrepo.Metrics {
	return metrics.New()
}

// ProvideClickHouseClient creates a ClickHouse client for the event archive.
// Returns nil when the archive is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	// Initialize schema
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.InitSchema(ctx, internalrepo.EventSchema); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	return client, nil
}

// ProvideCHEventStore wraps the ClickHouse client. Nil when the archive is disabled.
func ProvideCHEventStore(ch *pkgch.Client, log *applogger.Logger) *internalrepo.CHEventStore {
	if ch == nil {
		return nil
	}
	store := internalrepo.NewCHEventStore(ch)
	store.SetLogger(log)
	return store
}

// ProvideEventStore exposes the archive for queries. A disabled archive is a nil interface.
func ProvideEventStore(store *internalrepo.CHEventStore) domrepo.EventStore {
	if store == nil {
		return nil
	}
	return store
}

// ProvideKafkaProducer creates a Kafka producer. Returns nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	return producer, nil
}

// ProvideKafkaConsumer creates a Kafka consumer for the async request topic.
// Returns nil unless both Kafka and the consumer are enabled.
func ProvideKafkaConsumer(cfg *config.Config, log *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled || !cfg.Kafka.Consumer.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideRedisClient connects to Redis. Returns nil when Redis is disabled.
func ProvideRedisClient(cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// ProvideCache builds the memory+Redis layered cache, or a memory-only cache without Redis.
func ProvideCache(cfg *config.Config, client *redis.Client) cache.Service {
	if client == nil {
		return cache.NewMemoryCache(cache.WithMemoryMaxSize(cfg.Redis.MemorySize))
	}
	return cache.NewLayeredCache(
		cache.NewRedisCache(client, cfg.Redis.Prefix),
		cache.WithLayeredMemorySize(cfg.Redis.MemorySize),
	)
}

// ProvideFallbackStore creates the last-known-good store used by the degrade policy.
func ProvideFallbackStore(cfg *config.Config, c cache.Service) *internalrepo.CacheFallbackStore {
	return internalrepo.NewCacheFallbackStore(c, cfg.Redis.FallbackTTL)
}

// ProvideResultStore keeps results of async runs for polling.
func ProvideResultStore(cfg *config.Config, c cache.Service) *internalrepo.CacheResultStore {
	return internalrepo.NewCacheResultStore(c, cfg.Queue.ResultTTL)
}

// ProvideResultPublisher fans async results out to the result store and, with Kafka, the results topic.
func ProvideResultPublisher(cfg *config.Config, producer *pkgkafka.Producer, results *internalrepo.CacheResultStore) domrepo.ResultPublisher {
	pubs := internalrepo.ResultPublishers{results}
	if producer != nil {
		pubs = append(pubs, internalrepo.NewKafkaResultPublisher(producer, cfg.Kafka.ResultsTopic))
	}
	return pubs
}

// ProvideEventHub creates the websocket fan-out for live events.
func ProvideEventHub(log *applogger.Logger) *events.Hub {
	return events.NewHub(events.WithHubLogger(log))
}

// ProvideEventPipeline builds the non-blocking event pipeline and its sinks.
func ProvideEventPipeline(
	cfg *config.Config,
	m domrepo.Metrics,
	log *applogger.Logger,
	hub *events.Hub,
	producer *pkgkafka.Producer,
	archive *internalrepo.CHEventStore,
) *mid.EventPipeline {
	sinks := []mid.NamedSink{
		{Name: "log", Sink: internalrepo.NewLogEventSink(log)},
		{Name: "websocket", Sink: hub},
	}
	if producer != nil {
		sinks = append(sinks, mid.NamedSink{Name: "kafka", Sink: internalrepo.NewKafkaEventSink(producer, cfg.Kafka.EventsTopic)})
	}
	if archive != nil {
		sinks = append(sinks, mid.NamedSink{Name: "clickhouse", Sink: archive})
	}
	return mid.NewEventPipeline(m, sinks,
		mid.WithBufferSize(cfg.Cascade.EventBuffer),
		mid.WithBatch(cfg.Cascade.EventBatchSize, cfg.Cascade.EventFlush),
		mid.WithPipelineLogger(log),
	)
}

// ProvideDispatcher creates the guarded dispatcher over the configured stage endpoints.
func ProvideDispatcher(cfg *config.Config, pipeline *mid.EventPipeline, m domrepo.Metrics, log *applogger.Logger) (*dispatcher.Dispatcher, error) {
	d, err := dispatcher.New(stages.NewHTTPStageClient(), endpointsFromConfig(cfg),
		dispatcher.WithBackoff(cfg.Cascade.BackoffBase, cfg.Cascade.BackoffMax),
		dispatcher.WithEventSink(pipeline),
		dispatcher.WithMetrics(m),
		dispatcher.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	return d, nil
}

func endpointsFromConfig(cfg *config.Config) []models.ServiceEndpoint {
	named := cfg.Endpoints.ByStage()
	out := make([]models.ServiceEndpoint, 0, len(named))
	for _, ne := range named {
		out = append(out, models.ServiceEndpoint{
			Name:             ne.Name,
			URL:              ne.URL,
			Timeout:          ne.Timeout,
			RetryCount:       ne.RetryCount,
			FailureThreshold: ne.FailureThreshold,
			OpenTimeout:      ne.OpenTimeout,
			RateLimit: models.RateLimit{
				Capacity:     ne.RateLimit.Capacity,
				RefillPerSec: ne.RateLimit.RefillPerSec,
			},
		})
	}
	return out
}

// ProvideOrchestrator creates the cascade orchestrator.
func ProvideOrchestrator(
	cfg *config.Config,
	d *dispatcher.Dispatcher,
	fallback *internalrepo.CacheFallbackStore,
	pipeline *mid.EventPipeline,
	m domrepo.Metrics,
	log *applogger.Logger,
) *usecase.CascadeOrchestrator {
	return usecase.NewCascadeOrchestrator(d,
		usecase.WithFallback(fallback),
		usecase.WithCascadeEvents(pipeline),
		usecase.WithCascadeMetrics(m),
		usecase.WithCascadeLogger(log),
		usecase.WithCascadeConfig(usecase.CascadeConfig{
			DefaultPolicy:   models.FailurePolicy(cfg.Cascade.DefaultPolicy),
			DefaultDeadline: cfg.Cascade.RequestDeadline,
			MaxDeadline:     cfg.Cascade.MaxRequestDeadline,
		}),
	)
}

// ProvideKafkaAnalysisHandler handles requests read from the requests topic.
// Nil when the consumer is disabled.
func ProvideKafkaAnalysisHandler(
	cfg *config.Config,
	consumer *pkgkafka.Consumer,
	orch *usecase.CascadeOrchestrator,
	pub domrepo.ResultPublisher,
	m domrepo.Metrics,
	log *applogger.Logger,
) *usecase.KafkaAnalysisHandler {
	if consumer == nil {
		return nil
	}
	return usecase.NewKafkaAnalysisHandler(cfg.Kafka.RequestsTopic, orch, pub, m, log)
}

// ProvideAnalysisQueue creates the Redis job queue behind the async API.
// Nil unless queue.enabled and Redis is available.
func ProvideAnalysisQueue(
	cfg *config.Config,
	client *redis.Client,
	orch *usecase.CascadeOrchestrator,
	pub domrepo.ResultPublisher,
	log *applogger.Logger,
) *queue.RedisQueue {
	if !cfg.Queue.Enabled || client == nil {
		return nil
	}
	q := queue.NewRedisQueue(log, &queue.QueueConfig{
		Workers:    cfg.Queue.Workers,
		RetryLimit: cfg.Queue.RetryLimit,
		RetryDelay: cfg.Queue.RetryDelay,
		RetryPoll:  cfg.Queue.RetryPoll,
	}, client, queue.ModeProducerConsumer, queue.WithKeyPrefix(cfg.Redis.Prefix+":queue"))
	q.RegisterJob(usecase.NewAnalysisJob(orch, pub, log))
	return q
}

// ProvideClientLimiter creates the per remote address limiter of the public API.
func ProvideClientLimiter(cfg *config.Config) *ratelimit.KeyedLimiter {
	rl := cfg.Server.ClientRateLimit
	if rl.Capacity <= 0 {
		return nil
	}
	return ratelimit.NewKeyed(rl.Capacity, rl.RefillPerSec)
}

// ProvideAnalysisHandler creates the REST handler. The async routes are only
// enabled when the queue exists.
func ProvideAnalysisHandler(
	log *applogger.Logger,
	orch *usecase.CascadeOrchestrator,
	d *dispatcher.Dispatcher,
	store domrepo.EventStore,
	clients *ratelimit.KeyedLimiter,
	q *queue.RedisQueue,
	results *internalrepo.CacheResultStore,
) *api.AnalysisEchoHandler {
	h := api.NewAnalysisEchoHandler(log, orch, d, store, clients)
	if q != nil {
		h = h.WithAsync(usecase.NewAnalysisSubmitter(orch, q), results, q)
	}
	return h
}

// ProvideEventStreamHandler creates the websocket event stream handler.
func ProvideEventStreamHandler(log *applogger.Logger, hub *events.Hub) *api.EventStreamHandler {
	return api.NewEventStreamHandler(log, hub)
}

// ProvideHTTPServer builds the echo server with all API routes.
func ProvideHTTPServer(cfg *config.Config, log *applogger.Logger, analysis *api.AnalysisEchoHandler, streams *api.EventStreamHandler) *xhttp.Server {
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	return xhttp.NewServer(xhttp.Handlers{analysis, streams},
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithMetricsPath(metricsPath),
		xhttp.WithLogger(log),
	)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	log *applogger.Logger,
	pipeline *mid.EventPipeline,
	orch *usecase.CascadeOrchestrator,
	httpServer *xhttp.Server,
	streams *api.EventStreamHandler,
	consumer *pkgkafka.Consumer,
	kh *usecase.KafkaAnalysisHandler,
	producer *pkgkafka.Producer,
	q *queue.RedisQueue,
	ch *pkgch.Client,
	c cache.Service,
) *server.App {
	comps := server.Components{
		Pipeline:   pipeline,
		Cascade:    orch,
		HTTP:       httpServer,
		Streams:    streams,
		Consumer:   consumer,
		Producer:   producer,
		Queue:      q,
		ClickHouse: ch,
		Cache:      c,
	}
	if kh != nil {
		comps.KafkaHandler = kh
	}
	return server.New(cfg, log, comps)
}
