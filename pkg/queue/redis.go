package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"FinCascade/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// QueueMode selects which halves of the queue run in this process.
type QueueMode int

const (
	ModeProducerConsumer QueueMode = iota
	ModeProducerOnly
	ModeConsumerOnly
)

func (m QueueMode) String() string {
	switch m {
	case ModeProducerOnly:
		return "producer-only"
	case ModeConsumerOnly:
		return "consumer-only"
	default:
		return "producer-consumer"
	}
}

func (m QueueMode) consumes() bool { return m != ModeProducerOnly }

var (
	ErrNotRunning = errors.New("queue: not running")
	ErrUnknownJob = errors.New("queue: no job registered for type")
)

// promoteDue moves retries whose time has come back onto the pending list.
// KEYS[1] retry zset, KEYS[2] pending list, ARGV[1] now in ms, ARGV[2] batch limit.
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
	redis.call('ZREM', KEYS[1], m)
	redis.call('LPUSH', KEYS[2], m)
end
return #due
`)

const promoteBatch = 100

// RedisQueue is a job queue on a Redis list with a sorted set of delayed
// retries and a dead letter list, all under one key prefix.
type RedisQueue struct {
	log    *logger.Logger
	cfg    QueueConfig
	client *redis.Client
	mode   QueueMode
	prefix string

	mu      sync.RWMutex
	jobs    map[string]Job
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisQueueOption configures RedisQueue.
type RedisQueueOption func(*RedisQueue)

func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func NewRedisQueue(lgr *logger.Logger, cfg *QueueConfig, client *redis.Client, mode QueueMode, opts ...RedisQueueOption) *RedisQueue {
	if lgr == nil {
		lgr = logger.Nop()
	}
	r := &RedisQueue{
		log:    lgr,
		cfg:    cfg.withDefaults(),
		client: client,
		mode:   mode,
		prefix: "fincascade:queue",
		jobs:   make(map[string]Job),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterJobs registers each job in turn.
func (r *RedisQueue) RegisterJobs(jobs []Job) {
	for _, j := range jobs {
		r.RegisterJob(j)
	}
}

// RegisterJob binds a job to its message type. Producer-only queues ignore it.
func (r *RedisQueue) RegisterJob(job Job) {
	if !r.mode.consumes() {
		r.log.Warn("queue: producer-only mode ignores jobs", logger.String("job", job.Name()))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.jobs[job.Type()]; dup {
		r.log.Warn("queue: job type already registered", logger.String("type", job.Type()))
		return
	}
	r.jobs[job.Type()] = job
	r.log.Debug("queue: job registered", logger.String("job", job.Name()), logger.String("type", job.Type()))
}

// Start pings Redis and, in consuming modes, launches the workers and the retry poller.
func (r *RedisQueue) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("queue: already running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue: redis ping: %w", err)
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true
	if r.mode.consumes() {
		for i := 0; i < r.cfg.Workers; i++ {
			r.wg.Add(1)
			go r.work()
		}
		r.wg.Add(1)
		go r.pollRetries()
	}
	r.log.Info("queue: started",
		logger.String("mode", r.mode.String()),
		logger.String("prefix", r.prefix),
		logger.Int("workers", r.cfg.Workers),
	)
	return nil
}

// Stop cancels the workers and waits for them within ctx. A message whose
// handler was interrupted is pushed back to the pending list.
func (r *RedisQueue) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("queue: stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: stop: %w", ctx.Err())
	}
}

// Enqueue stores payload as JSON under a fresh message id.
func (r *RedisQueue) Enqueue(ctx context.Context, msgType string, payload interface{}) error {
	r.mu.RLock()
	running := r.running
	_, known := r.jobs[msgType]
	r.mu.RUnlock()

	if !running {
		return ErrNotRunning
	}
	if r.mode.consumes() && !known {
		return fmt.Errorf("%w: %s", ErrUnknownJob, msgType)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: encode %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(Message{ID: uuid.NewString(), Type: msgType, Payload: body, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("queue: encode message: %w", err)
	}
	return r.client.LPush(ctx, r.key("messages"), data).Err()
}

// PublishMessage is Enqueue under the Publisher interface.
func (r *RedisQueue) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	return r.Enqueue(ctx, msgType, payload)
}

// Stats reports pending, retrying and dead letter counts.
func (r *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := r.client.Pipeline()
	pending := pipe.LLen(ctx, r.key("messages"))
	retrying := pipe.ZCard(ctx, r.key("retry"))
	dead := pipe.LLen(ctx, r.key("dlq"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return Stats{Pending: pending.Val(), Retrying: retrying.Val(), DeadLetters: dead.Val()}, nil
}

func (r *RedisQueue) key(suffix string) string { return r.prefix + ":" + suffix }

func (r *RedisQueue) work() {
	defer r.wg.Done()
	for r.ctx.Err() == nil {
		res, err := r.client.BRPop(r.ctx, time.Second, r.key("messages")).Result()
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil), r.ctx.Err() != nil:
			continue
		default:
			r.log.Error("queue: brpop", logger.Error(err))
			r.sleep(time.Second)
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			r.log.Error("queue: drop malformed message", logger.Error(err))
			continue
		}
		r.handle(msg, res[1])
	}
}

func (r *RedisQueue) handle(msg Message, raw string) {
	r.mu.RLock()
	job, ok := r.jobs[msg.Type]
	r.mu.RUnlock()
	if !ok {
		r.log.Error("queue: no job for message", logger.String("type", msg.Type), logger.String("id", msg.ID))
		r.push(r.key("dlq"), msg)
		return
	}

	start := time.Now()
	err := job.Handle(r.ctx, msg.Payload)
	if err == nil {
		return
	}
	if r.ctx.Err() != nil {
		// Interrupted by Stop: return the original message untouched.
		if perr := r.client.RPush(context.Background(), r.key("messages"), raw).Err(); perr != nil {
			r.log.Error("queue: requeue interrupted message", logger.String("id", msg.ID), logger.Error(perr))
		}
		return
	}

	msg.Attempts++
	msg.LastError = err.Error()
	r.log.Error("queue: job failed",
		logger.String("id", msg.ID),
		logger.String("job", job.Name()),
		logger.Int("attempt", msg.Attempts),
		logger.Duration("elapsed", time.Since(start)),
		logger.Error(err),
	)
	if msg.Attempts > r.cfg.RetryLimit {
		r.push(r.key("dlq"), msg)
		return
	}
	r.scheduleRetry(msg, time.Now().Add(r.cfg.RetryDelay))
}

func (r *RedisQueue) push(key string, msg Message) {
	data, err := json.Marshal(msg)
	if err == nil {
		err = r.client.LPush(context.Background(), key, data).Err()
	}
	if err != nil {
		r.log.Error("queue: push", logger.String("key", key), logger.String("id", msg.ID), logger.Error(err))
	}
}

func (r *RedisQueue) scheduleRetry(msg Message, at time.Time) {
	data, err := json.Marshal(msg)
	if err == nil {
		err = r.client.ZAdd(context.Background(), r.key("retry"), redis.Z{Score: float64(at.UnixMilli()), Member: data}).Err()
	}
	if err != nil {
		r.log.Error("queue: schedule retry", logger.String("id", msg.ID), logger.Error(err))
	}
}

func (r *RedisQueue) pollRetries() {
	defer r.wg.Done()
	t := time.NewTicker(r.cfg.RetryPoll)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			if _, err := r.promote(r.ctx, time.Now()); err != nil && r.ctx.Err() == nil {
				r.log.Error("queue: promote retries", logger.Error(err))
			}
		}
	}
}

// promote moves retries due at now back to the pending list and returns how many moved.
func (r *RedisQueue) promote(ctx context.Context, now time.Time) (int64, error) {
	keys := []string{r.key("retry"), r.key("messages")}
	return promoteDue.Run(ctx, r.client, keys, strconv.FormatInt(now.UnixMilli(), 10), promoteBatch).Int64()
}

func (r *RedisQueue) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.ctx.Done():
	}
}
