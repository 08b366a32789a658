package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/echoyidotfun/demind-agent-service/internal/metrics"
)

const (
	DefaultMinInterval  = 2 * time.Second
	DefaultSafetyMargin = 1 * time.Second
	DefaultRetryAfter   = 60 * time.Second
	DefaultRetryDelay   = 2 * time.Second
	DefaultMaxQueueSize = 100
	DefaultMaxAttempts  = 3
)

// Config for a Queue
type Config struct {
	// MinInterval is the minimum spacing between two consecutive calls
	MinInterval time.Duration
	// SafetyMargin is added on top of every server-instructed backoff
	SafetyMargin time.Duration
	// DefaultRetryAfter is used when a 429 carries no Retry-After hint
	DefaultRetryAfter time.Duration
	// RetryDelay is the fixed wait before retrying a transient error
	RetryDelay   time.Duration
	MaxQueueSize int
	MaxAttempts  int
}

func DefaultConfig() Config {
	return Config{
		MinInterval:       DefaultMinInterval,
		SafetyMargin:      DefaultSafetyMargin,
		DefaultRetryAfter: DefaultRetryAfter,
		RetryDelay:        DefaultRetryDelay,
		MaxQueueSize:      DefaultMaxQueueSize,
		MaxAttempts:       DefaultMaxAttempts,
	}
}

type jobResult struct {
	value interface{}
	err   error
}

type job struct {
	ctx    context.Context
	call   func(ctx context.Context) (interface{}, error)
	result chan jobResult
}

// Queue serializes calls toward one rate-limited provider: a single worker
// runs one call at a time, spaces consecutive calls by MinInterval and
// honours provider backoff for every caller sharing the queue.
type Queue struct {
	cfg     Config
	clock   Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	jobs chan *job

	mu           sync.Mutex
	lastCall     time.Time
	backoffUntil time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue starts the drain worker. Call Close to stop it.
func NewQueue(cfg Config, clock Clock, logger *zap.Logger, m *metrics.Metrics) *Queue {
	def := DefaultConfig()
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = def.DefaultRetryAfter
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		metrics: m,
		jobs:    make(chan *job, cfg.MaxQueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go q.run()

	return q
}

// Close stops the worker. Pending calls fail with ErrQueueClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.cancel()
		<-q.done
	})
}

// Len returns the number of pending calls
func (q *Queue) Len() int {
	return len(q.jobs)
}

// BackoffUntil returns the end of the current provider backoff window
func (q *Queue) BackoffUntil() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backoffUntil
}

// Enqueue submits call and waits for its result. It fails fast with
// ErrQueueFull when the queue is at capacity.
func Enqueue[T any](ctx context.Context, q *Queue, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if q.ctx.Err() != nil {
		return zero, ErrQueueClosed
	}

	j := &job{
		ctx: ctx,
		call: func(ctx context.Context) (interface{}, error) {
			return call(ctx)
		},
		result: make(chan jobResult, 1),
	}

	select {
	case q.jobs <- j:
	default:
		q.metrics.QueueFull()
		return zero, ErrQueueFull
	}
	q.metrics.SetQueueDepth(len(q.jobs))

	var res jobResult
	select {
	case res = <-j.result:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-q.done:
		select {
		case res = <-j.result:
		default:
			return zero, ErrQueueClosed
		}
	}

	if res.err != nil {
		return zero, res.err
	}
	value, _ := res.value.(T)
	return value, nil
}

// Do runs call through the queue with the client retry policy: a rate limit
// is retried after the queue-wide backoff, a transient error after
// RetryDelay, anything else is returned as is. After MaxAttempts it returns
// ErrRetriesExhausted.
func Do[T any](ctx context.Context, q *Queue, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		value, err := Enqueue(ctx, q, call)
		if err == nil {
			return value, nil
		}

		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrQueueClosed) {
			return zero, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		lastErr = err
		switch {
		case IsRateLimited(err):
			q.logger.Warn("Rate limited, backing off",
				zap.Int("attempt", attempt),
				zap.Time("backoff_until", q.BackoffUntil()))
		case IsTransient(err):
			q.logger.Warn("Transient upstream error, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", q.cfg.RetryDelay),
				zap.Error(err))
			if attempt < q.cfg.MaxAttempts {
				if err := q.clock.Sleep(ctx, q.cfg.RetryDelay); err != nil {
					return zero, err
				}
			}
		default:
			return zero, err
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, q.cfg.MaxAttempts, lastErr)
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		select {
		case <-q.ctx.Done():
			q.drain()
			return
		case j := <-q.jobs:
			q.metrics.SetQueueDepth(len(q.jobs))
			q.dispatch(j)
		}
	}
}

func (q *Queue) drain() {
	for {
		select {
		case j := <-q.jobs:
			j.result <- jobResult{err: ErrQueueClosed}
		default:
			q.metrics.SetQueueDepth(0)
			return
		}
	}
}

func (q *Queue) dispatch(j *job) {
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(q.ctx, cancel)
	defer stop()

	if err := ctx.Err(); err != nil {
		j.result <- jobResult{err: q.abortErr(err)}
		return
	}

	if wait := q.waitDuration(); wait > 0 {
		q.logger.Debug("Waiting before dispatch", zap.Duration("wait", wait))
		if err := q.clock.Sleep(ctx, wait); err != nil {
			j.result <- jobResult{err: q.abortErr(err)}
			return
		}
	}

	value, err := j.call(ctx)
	q.recordCall(err)

	j.result <- jobResult{value: value, err: err}
}

func (q *Queue) abortErr(err error) error {
	if q.ctx.Err() != nil {
		return ErrQueueClosed
	}
	return err
}

// waitDuration = max(0, backoffUntil-now, minInterval-(now-lastCall))
func (q *Queue) waitDuration() time.Duration {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var wait time.Duration
	if !q.backoffUntil.IsZero() {
		if d := q.backoffUntil.Sub(now); d > wait {
			wait = d
		}
	}
	if !q.lastCall.IsZero() {
		if d := q.cfg.MinInterval - now.Sub(q.lastCall); d > wait {
			wait = d
		}
	}
	return wait
}

// recordCall updates lastCall after every call and extends the backoff
// window on a rate-limit response.
func (q *Queue) recordCall(err error) {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.lastCall = now

	var rl *RateLimitError
	if errors.As(err, &rl) {
		hint := rl.RetryAfter
		if hint <= 0 {
			hint = q.cfg.DefaultRetryAfter
		}
		until := now.Add(hint + q.cfg.SafetyMargin)
		if until.After(q.backoffUntil) {
			q.backoffUntil = until
		}
		q.logger.Warn("Provider rate limit hit",
			zap.Duration("retry_after", hint),
			zap.Time("backoff_until", q.backoffUntil))
	}
}
