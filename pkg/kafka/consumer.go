package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	applogger "FinCascade/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// MessageHandler processes the payloads of one topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type delivery struct {
	topic  string
	km     kafka.Message
	reader messageReader
}

// Consumer fetches from one reader per registered topic and hands messages to a
// worker pool. Messages of the same partition are handled one at a time.
// Offsets are committed after handling whatever the outcome; a message whose
// handler kept failing is copied to the DLQ topic first when one is configured.
type Consumer struct {
	cfg       ConsumerConfig
	log       *applogger.Logger
	hook      ConsumerHook
	handlers  map[string]MessageHandler
	readers   map[string]messageReader
	newReader func(topic string) messageReader
	dlq       messageWriter
	jobs      chan delivery

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	locks    sync.Map
}

// NewConsumer validates the options. Readers are created by Start.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := defaultConsumerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, errNoBrokers
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		cfg:      cfg,
		log:      cfg.Logger,
		hook:     HookFuncs{},
		handlers: make(map[string]MessageHandler),
		readers:  make(map[string]messageReader),
		jobs:     make(chan delivery, cfg.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	if c.log == nil {
		c.log = applogger.Nop()
	}
	c.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.cfg.Brokers,
			Topic:    topic,
			GroupID:  c.cfg.GroupID,
			MinBytes: c.cfg.MinBytes,
			MaxBytes: c.cfg.MaxBytes,
		})
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Topic: cfg.DLQTopic, Balancer: &kafka.Hash{}}
	}
	initConsumerMetrics()
	return c, nil
}

// WithConsumerHook replaces the lifecycle hook. Call before Start.
func (c *Consumer) WithConsumerHook(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

// RegisterHandler binds a handler to its topic. The first registration wins.
func (c *Consumer) RegisterHandler(h MessageHandler) {
	topic := h.Topic()
	if _, dup := c.handlers[topic]; dup {
		c.log.Warn("kafka consumer: duplicate handler ignored", applogger.String("topic", topic))
		return
	}
	c.handlers[topic] = h
}

// Start launches the workers and one fetch loop per topic. It does not block.
func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return errors.New("kafka consumer: no handlers registered")
	}
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.work()
	}
	for topic := range c.handlers {
		r := c.newReader(topic)
		c.readers[topic] = r
		c.wg.Add(1)
		go c.fetch(topic, r)
	}
	c.log.Info("kafka consumer: started",
		applogger.Int("workers", c.cfg.Workers),
		applogger.Int("topics", len(c.readers)),
		applogger.String("group", c.cfg.GroupID),
	)
	return nil
}

// Stop cancels fetching, waits for in-flight handlers within ctx and closes
// the readers. Buffered but unhandled messages stay uncommitted.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.cancel()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("kafka consumer: stop: %w", ctx.Err())
		}

		for topic, r := range c.readers {
			if cerr := r.Close(); cerr != nil {
				c.log.Warn("kafka consumer: close reader", applogger.String("topic", topic), applogger.Error(cerr))
			}
		}
		if c.dlq != nil {
			if cerr := c.dlq.Close(); cerr != nil {
				c.log.Warn("kafka consumer: close dlq writer", applogger.Error(cerr))
			}
		}
		c.log.Info("kafka consumer: stopped")
	})
	return err
}

func (c *Consumer) fetch(topic string, r messageReader) {
	defer c.wg.Done()
	for {
		km, err := r.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("kafka consumer: fetch failed", applogger.String("topic", topic), applogger.Error(err))
			if !c.wait(time.Second) {
				return
			}
			continue
		}
		select {
		case c.jobs <- delivery{topic: topic, km: km, reader: r}:
			consumerStats.queued(topic, len(c.jobs))
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) work() {
	defer c.wg.Done()
	for {
		select {
		case d := <-c.jobs:
			c.process(d)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) process(d delivery) {
	h, ok := c.handlers[d.topic]
	if !ok {
		return
	}
	mu := c.partitionLock(d.topic, d.km.Partition)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	outcome := "ok"
	if err := c.handleWithRetry(h, d); err != nil {
		outcome = "failed"
		c.log.Error("kafka consumer: handler failed",
			applogger.String("topic", d.topic),
			applogger.Int("partition", d.km.Partition),
			applogger.Int64("offset", d.km.Offset),
			applogger.Error(err),
		)
		if c.dlq != nil {
			outcome = "dlq"
			if derr := c.toDLQ(d); derr != nil {
				c.log.Error("kafka consumer: dlq write failed", applogger.String("topic", c.cfg.DLQTopic), applogger.Error(derr))
			}
		}
	}
	c.commit(d)
	consumerStats.done(d.topic, outcome, time.Since(start))
}

// handleWithRetry runs the hooks and the handler up to RetryMax+1 times.
// Handlers see a context that survives Stop so a started run can finish.
func (c *Consumer) handleWithRetry(h MessageHandler, d delivery) error {
	base := context.WithoutCancel(c.ctx)
	for attempt := 1; ; attempt++ {
		// A BeforeHandle error has already been reported to the hooks.
		ctx, km, data, err := c.hook.BeforeHandle(base, d.topic, d.km, d.km.Value)
		if err == nil {
			err = safeHandle(h, ctx, data)
			c.hook.AfterHandle(ctx, d.topic, km, data, err)
			if err == nil {
				return nil
			}
			c.hook.OnError(ctx, d.topic, km, data, err)
		}
		if attempt > c.cfg.RetryMax || !c.wait(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)) {
			return err
		}
	}
}

func safeHandle(h MessageHandler, ctx context.Context, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kafka consumer: handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, data)
}

func (c *Consumer) toDLQ(d delivery) error {
	headers := append([]kafka.Header{{Key: "source_topic", Value: []byte(d.topic)}}, d.km.Headers...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.dlq.WriteMessages(ctx, kafka.Message{Key: d.km.Key, Value: d.km.Value, Headers: headers, Time: time.Now()})
}

func (c *Consumer) commit(d delivery) {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = d.reader.CommitMessages(ctx, d.km)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.log.Error("kafka consumer: commit failed",
		applogger.String("topic", d.topic),
		applogger.Int64("offset", d.km.Offset),
		applogger.Error(err),
	)
}

func (c *Consumer) partitionLock(topic string, partition int) *sync.Mutex {
	key := fmt.Sprintf("%s/%d", topic, partition)
	mu, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// wait sleeps for d and reports false if the consumer stopped meanwhile.
func (c *Consumer) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// backoffWithJitter doubles min per attempt up to max and subtracts up to half of it.
func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	d := max
	if attempt < 32 {
		if exp := min << uint(attempt-1); exp > 0 && exp < max {
			d = exp
		}
	}
	if half := int64(d) / 2; half > 0 {
		d -= time.Duration(rand.Int64N(half))
	}
	return d
}
