package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
)

// Handler processes one job. A nil return completes the job; an error
// schedules a retry unless it is Permanent or attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// ExhaustedFunc is called once a job reaches its terminal failed state.
type ExhaustedFunc func(job *Job, err error)

type Config struct {
	Attempts     int
	Backoff      time.Duration
	PollInterval time.Duration
	Concurrency  int
}

func DefaultConfig() Config {
	return Config{
		Attempts:     10,
		Backoff:      10 * time.Second,
		PollInterval: time.Second,
		Concurrency:  1,
	}
}

type registration struct {
	handler     Handler
	onExhausted ExhaustedFunc
}

type RegisterOption func(*registration)

func OnExhausted(fn ExhaustedFunc) RegisterOption {
	return func(r *registration) { r.onExhausted = fn }
}

type Queue struct {
	store   *Store
	config  Config
	logger  *log.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]*registration
}

func New(store *Store, config Config, logger *log.Logger, metrics *Metrics) *Queue {
	defaults := DefaultConfig()
	if config.Attempts <= 0 {
		config.Attempts = defaults.Attempts
	}
	if config.Backoff <= 0 {
		config.Backoff = defaults.Backoff
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}

	return &Queue{
		store:    store,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		handlers: map[string]*registration{},
	}
}

func (q *Queue) Store() *Store {
	return q.store
}

func (q *Queue) Register(jobType string, handler Handler, opts ...RegisterOption) {
	reg := &registration{handler: handler}
	for _, opt := range opts {
		opt(reg)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = reg
}

// Enqueue persists a job for later processing. It returns ErrDuplicate when
// a dedupe key was given and is already taken.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...Option) (*Job, error) {
	o := options{attempts: q.config.Attempts, backoff: q.config.Backoff}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s payload: %w", jobType, err)
	}

	now := q.now()
	job := &Job{
		ID:          model.CreateID(),
		Type:        jobType,
		Payload:     string(data),
		Status:      StatusPending,
		MaxAttempts: o.attempts,
		BackoffMS:   o.backoff.Milliseconds(),
		RunAt:       now.Add(o.delay).UnixMilli(),
		CreatedAt:   now.UnixMilli(),
		UpdatedAt:   now.UnixMilli(),
	}
	if o.dedupeKey != "" {
		job.DedupeKey.String = o.dedupeKey
		job.DedupeKey.Valid = true
	}

	inserted, err := q.store.Insert(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("enqueueing %s: %w", jobType, err)
	}
	if !inserted {
		return nil, ErrDuplicate
	}

	q.metrics.enqueued(jobType)
	return job, nil
}

// Run starts the pollers for every registered job type and blocks until ctx
// is done and in-flight jobs have finished.
func (q *Queue) Run(ctx context.Context) error {
	requeued, err := q.store.RequeueActive(ctx, q.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("recovering active jobs: %w", err)
	}
	if requeued > 0 {
		q.logger.Warnf("requeued %d jobs left active by a previous run", requeued)
	}

	q.mu.RLock()
	types := make([]string, 0, len(q.handlers))
	for jobType := range q.handlers {
		types = append(types, jobType)
	}
	q.mu.RUnlock()

	var wg sync.WaitGroup
	for _, jobType := range types {
		for i := 0; i < q.config.Concurrency; i++ {
			wg.Add(1)
			go func(jobType string) {
				defer wg.Done()
				q.poll(ctx, jobType)
			}(jobType)
		}
	}

	q.logger.Infof("processing %d job types", len(types))
	wg.Wait()
	return nil
}

func (q *Queue) poll(ctx context.Context, jobType string) {
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		// drain everything that is due before waiting again
		for ctx.Err() == nil {
			processed, err := q.RunOnce(ctx, jobType)
			if err != nil {
				q.logger.Errorf("%s: %v", jobType, err)
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes a single due job of the given type. It
// reports whether a job was processed.
func (q *Queue) RunOnce(ctx context.Context, jobType string) (bool, error) {
	q.mu.RLock()
	reg, ok := q.handlers[jobType]
	q.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w for %s", ErrNoHandler, jobType)
	}

	job, err := q.store.Claim(ctx, jobType, q.now().UnixMilli())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	handlerErr := call(ctx, reg.handler, job)
	return true, q.settle(context.WithoutCancel(ctx), reg, job, handlerErr)
}

// call runs handler, turning a panic into a permanent failure of the job.
func call(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("panic in %s handler: %v", job.Type, r))
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) settle(ctx context.Context, reg *registration, job *Job, handlerErr error) error {
	now := q.now()
	attempts := job.Attempts + 1

	if handlerErr == nil {
		q.metrics.processed(job.Type, outcomeComplete)
		return q.store.Complete(ctx, job.ID, attempts, now.UnixMilli())
	}

	if !IsPermanent(handlerErr) && attempts < job.MaxAttempts {
		delay := NextDelay(job.Backoff(), attempts)
		q.metrics.processed(job.Type, outcomeRetry)
		q.logger.Warnf("%s job %s attempt %d/%d failed, retrying in %s: %v",
			job.Type, job.ID, attempts, job.MaxAttempts, delay, handlerErr)
		return q.store.Reschedule(ctx, job.ID, attempts, now.Add(delay).UnixMilli(), handlerErr.Error(), now.UnixMilli())
	}

	q.metrics.processed(job.Type, outcomeFailed)
	q.logger.Errorf("%s job %s failed permanently after %d attempts at %s: %v",
		job.Type, job.ID, attempts, now.Format(time.RFC3339), handlerErr)
	if err := q.store.Fail(ctx, job.ID, attempts, handlerErr.Error(), now.UnixMilli()); err != nil {
		return err
	}

	if reg.onExhausted != nil {
		job.Attempts = attempts
		job.Status = StatusFailed
		job.LastError = handlerErr.Error()
		reg.onExhausted(job, handlerErr)
	}
	return nil
}

// Retry puts a terminally failed job back in the queue.
func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.store.Retry(ctx, id, q.now().UnixMilli())
}
