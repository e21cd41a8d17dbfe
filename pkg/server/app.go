package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"FinCascade/internal/handler/api"
	"FinCascade/internal/middleware"
	"FinCascade/internal/usecase"
	"FinCascade/pkg/cache"
	pkgch "FinCascade/pkg/clickhouse"
	"FinCascade/pkg/config"
	xhttp "FinCascade/pkg/http"
	pkgkafka "FinCascade/pkg/kafka"
	applogger "FinCascade/pkg/logger"
	"FinCascade/pkg/queue"
)

// Components groups everything the App starts and stops.
// Only Pipeline and HTTP are required; the rest are nil when disabled in config.
type Components struct {
	Pipeline     *middleware.EventPipeline
	Cascade      *usecase.CascadeOrchestrator
	HTTP         *xhttp.Server
	Streams      *api.EventStreamHandler
	Consumer     *pkgkafka.Consumer
	KafkaHandler pkgkafka.MessageHandler
	Producer     *pkgkafka.Producer
	Queue        *queue.RedisQueue
	ClickHouse   *pkgch.Client
	Cache        cache.Service
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg *config.Config
	log *applogger.Logger
	c   Components
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, log *applogger.Logger, c Components) *App {
	if log == nil {
		log = applogger.Nop()
	}
	return &App{cfg: cfg, log: log, c: c}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		a.shutdown(ctx)
		return err
	}

	// Wait for interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.log.Info("shutdown signal received")
	a.shutdown(ctx)
	return nil
}

// Start brings up the event pipeline, the async intakes and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	a.c.Pipeline.Start(ctx)

	if a.c.Queue != nil {
		if err := a.c.Queue.Start(); err != nil {
			a.log.Error("analysis queue start error", applogger.Error(err))
			return err
		}
		a.log.Info("analysis queue started", applogger.Int("workers", a.cfg.Queue.Workers))
	}

	if a.c.Consumer != nil && a.c.KafkaHandler != nil {
		a.c.Consumer.WithConsumerHook(pkgkafka.NewHookChain(pkgkafka.TracingHook()))
		a.c.Consumer.RegisterHandler(a.c.KafkaHandler)
		go func() {
			if err := a.c.Consumer.Start(); err != nil {
				a.log.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		a.log.Info("kafka consumer started", applogger.String("topic", a.c.KafkaHandler.Topic()))
	}

	if err := a.c.HTTP.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		return err
	}
	a.log.Info("fincascade started",
		applogger.String("environment", a.cfg.Environment),
		applogger.String("policy", a.cfg.Cascade.DefaultPolicy),
	)
	return nil
}

// shutdown stops intake first, then drains events, then closes clients.
func (a *App) shutdown(ctx context.Context) {
	a.log.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.c.HTTP.Stop(shutdownCtx); err != nil {
		a.log.Error("http shutdown error", applogger.Error(err))
	}
	// Hijacked websocket connections outlive the HTTP server.
	if a.c.Streams != nil {
		a.c.Streams.Close()
	}

	if a.c.Consumer != nil {
		if err := a.c.Consumer.Stop(shutdownCtx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}
	if a.c.Queue != nil {
		if err := a.c.Queue.Stop(shutdownCtx); err != nil {
			a.log.Warn("analysis queue stop error", applogger.Error(err))
		}
	}

	if a.c.Cascade != nil {
		if err := a.c.Cascade.Drain(shutdownCtx); err != nil {
			a.log.Warn("fallback refresh drain error", applogger.Error(err))
		}
	}

	// Flushes buffered events into the sinks, so it runs before their clients close.
	a.c.Pipeline.Stop()
	// Error logs are shipped through the producer.
	a.log.RemoveCollector()

	if a.c.Producer != nil {
		if err := a.c.Producer.Close(); err != nil {
			a.log.Warn("kafka producer close error", applogger.Error(err))
		}
	}
	if a.c.ClickHouse != nil {
		if err := a.c.ClickHouse.Close(); err != nil {
			a.log.Warn("clickhouse close error", applogger.Error(err))
		}
	}
	if a.c.Cache != nil {
		if err := a.c.Cache.Close(); err != nil {
			a.log.Warn("cache close error", applogger.Error(err))
		}
	}

	a.log.Info("shutdown complete")
}
