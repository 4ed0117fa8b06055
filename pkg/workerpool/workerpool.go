package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrej220/sshgate/pkg/lg"
	"github.com/cenkalti/backoff/v4"
)

const (
	TotalMaxWorkers = 10
	maxAttempts     = 3
)

var (
	ErrPoolClosed = errors.New("worker pool is shut down")
	ErrPoolFull   = errors.New("worker pool queue is full")
)

type JobFunc[T any] func(context.Context, T) error

type Job[T any] struct {
	Payload T
	Fn      JobFunc[T]
	Ctx     context.Context
	// MaxAttempts bounds how often Fn runs; 0 means the pool default.
	MaxAttempts int
	CleanupFunc func()
}

type Option func(*options)

type options struct {
	queueSize       int
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          lg.Logger
}

func WithQueueSize(n int) Option { return func(o *options) { o.queueSize = n } }

// WithRetryInterval sets the first and the largest pause between attempts.
func WithRetryInterval(initial, max time.Duration) Option {
	return func(o *options) { o.initialInterval, o.maxInterval = initial, max }
}

func WithLogger(l lg.Logger) Option { return func(o *options) { o.logger = l } }

// Pool runs submitted jobs on at most maxWorkers goroutines.
type Pool[T any] struct {
	jobs          chan Job[T]
	slots         chan struct{}
	activeWorkers int32
	wg            sync.WaitGroup
	quit          chan struct{}
	stopOnce      sync.Once
	submitMu      sync.RWMutex
	closed        bool
	maxWorkers    int
	opts          options
}

func NewPool[T any](maxWorkers int, opts ...Option) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	o := options{
		queueSize:       maxWorkers,
		initialInterval: 500 * time.Millisecond,
		maxInterval:     5 * time.Second,
		logger:          lg.Discard,
	}
	for _, opt := range opts {
		opt(&o)
	}
	pool := &Pool[T]{
		jobs:       make(chan Job[T], o.queueSize),
		slots:      make(chan struct{}, maxWorkers),
		quit:       make(chan struct{}),
		maxWorkers: maxWorkers,
		opts:       o,
	}
	pool.wg.Add(1)
	go pool.dispatch()
	return pool
}

// Stop rejects new jobs, drops queued ones and waits for running jobs.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	// wait out submits already past their closed check, so the drain below
	// sees every job that was accepted
	p.submitMu.Lock()
	p.closed = true
	p.submitMu.Unlock()
	p.wg.Wait()
	for {
		select {
		case job := <-p.jobs:
			cleanup(job)
		default:
			return
		}
	}
}

// Submit blocks until the job is queued or the pool shuts down.
func (p *Pool[T]) Submit(job Job[T]) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	logger := p.logger(job)
	select {
	case p.jobs <- job:
		logger.Debug("job submitted")
		return nil
	case <-p.quit:
		logger.Info("worker pool is shutting down, job rejected")
		return ErrPoolClosed
	}
}

// TrySubmit queues the job only if there is room right now.
func (p *Pool[T]) TrySubmit(job Job[T]) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrPoolFull
	}
}

func (p *Pool[T]) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.jobs:
			select {
			case p.slots <- struct{}{}:
			case <-p.quit:
				cleanup(job)
				return
			}
			p.wg.Add(1)
			atomic.AddInt32(&p.activeWorkers, 1)
			go p.worker(job)
		}
	}
}

func (p *Pool[T]) logger(job Job[T]) lg.Logger {
	if job.Ctx == nil {
		return p.opts.logger
	}
	return lg.FromContextOr(job.Ctx, p.opts.logger)
}

func (p *Pool[T]) newBackOff(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.initialInterval
	b.MaxInterval = p.opts.maxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	defer func() { <-p.slots }()
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer cleanup(job)

	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := job.MaxAttempts
	if attempts <= 0 {
		attempts = maxAttempts
	}
	logger := p.logger(job).With(lg.Any("job", job.Payload))
	logger.Debug("worker started", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))

	tries := 0
	err := backoff.Retry(func() (err error) {
		tries++
		defer func() {
			if r := recover(); r != nil {
				err = backoff.Permanent(fmt.Errorf("job panicked: %v", r))
			}
		}()
		return job.Fn(ctx, job.Payload)
	}, p.newBackOff(ctx, attempts))

	switch {
	case err == nil:
		logger.Debug("worker finished", lg.Int("attempts", tries))
	case ctx.Err() != nil:
		logger.Info("job canceled", lg.Err(ctx.Err()))
	default:
		logger.Warn("job failed", lg.Int("attempts", tries), lg.Err(err))
	}
}

func cleanup[T any](job Job[T]) {
	if job.CleanupFunc != nil {
		job.CleanupFunc()
	}
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}
