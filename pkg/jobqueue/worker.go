// Copyright 2026 Actionstat Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/actionstat/actionstat/pkg/log"
	"github.com/actionstat/actionstat/pkg/metrics"
	"github.com/actionstat/actionstat/pkg/safe"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultParkDelay    = 30 * time.Second
)

// JobContext is handed to job bodies. Ctx is cancelled when either the
// runtime shuts down or the body aborts itself locally; Cause(Ctx) then
// carries the reason.
type JobContext struct {
	Ctx   context.Context
	Job   *JobModel
	Queue *Queue

	abort context.CancelCauseFunc
}

// Abort cancels the job's context with a local reason. The body is expected
// to unwind and return Cancelled with the same reason.
func (jc *JobContext) Abort(reason CancelReason) {
	jc.abort(fmt.Errorf("cancelled: %s", reason))
}

// Payload unmarshals the job payload into v.
func (jc *JobContext) Payload(v any) error {
	return jc.Job.unmarshalPayload(v)
}

// SetPayload persists a new payload for the job, durable before it returns.
func (jc *JobContext) SetPayload(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	if err := jc.Queue.store.UpdatePayload(jc.Ctx, jc.Job.ID, data); err != nil {
		return err
	}
	jc.Job.Payload = data
	return nil
}

// JobFunc is a job body. A non-nil error is a permanent failure; otherwise
// the Outcome drives scheduling.
type JobFunc func(jc *JobContext) (Outcome, error)

// Config configures a queue runtime.
type Config struct {
	Name         string        `mapstructure:"name"`
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ParkDelay    time.Duration `mapstructure:"park_delay"`
}

// SetDefaults fills in zero fields.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ParkDelay <= 0 {
		c.ParkDelay = defaultParkDelay
	}
}

// Queue is a durable job queue runtime: it claims due jobs from the store
// and runs registered handlers with a bounded worker pool.
type Queue struct {
	cfg      Config
	store    *Store
	sink     *metrics.Sink
	handlers map[string]JobFunc

	mu      sync.Mutex
	started bool
	gen     int // bumped per Init so stale watchers cannot stop a restart
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithMetrics attaches a metrics sink.
func WithMetrics(sink *metrics.Sink) Option {
	return func(q *Queue) { q.sink = sink }
}

// NewQueue creates a queue runtime over the store. Call Init to start it.
func NewQueue(cfg Config, store *Store, opts ...Option) *Queue {
	cfg.SetDefaults()
	q := &Queue{
		cfg:      cfg,
		store:    store,
		handlers: make(map[string]JobFunc),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register binds a handler to a job name. Must be called before Init.
func (q *Queue) Register(name string, fn JobFunc) {
	q.handlers[name] = fn
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	// DedupKey suppresses the enqueue while another job with the same key
	// is in flight.
	DedupKey string
	// Delay defers the first delivery.
	Delay time.Duration
}

// Enqueue persists a job for asynchronous execution and returns its id. With
// a dedup key, an in-flight duplicate makes this a no-op returning the
// existing job's id.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (string, error) {
	if _, ok := q.handlers[name]; !ok {
		return "", fmt.Errorf("no handler registered for job %q", name)
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return "", err
	}
	job := &JobModel{
		Name:     name,
		Queue:    q.cfg.Name,
		DedupKey: opts.DedupKey,
		Payload:  data,
	}
	if opts.Delay > 0 {
		job.ProcessAt = time.Now().UTC().Add(opts.Delay)
	}
	return q.store.Enqueue(ctx, job)
}

// IsInFlight reports whether a job with the dedup key is still pending,
// running or parked.
func (q *Queue) IsInFlight(ctx context.Context, dedupKey string) (bool, error) {
	return q.store.IsInFlight(ctx, dedupKey)
}

// Init starts the worker pool. Safe to call more than once; only the first
// call starts workers. When the given context ends the pool winds itself
// down and releases the started slot, so a queue stopped by signal can be
// initialized again.
func (q *Queue) Init(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.started = true
	q.gen++
	gen := q.gen

	// Per-generation wait group: a restart must never Add to a group a
	// stale watcher is still waiting on.
	wg := &sync.WaitGroup{}
	q.wg = wg

	for i := 0; i < q.cfg.Concurrency; i++ {
		wg.Add(1)
		safe.Go(func() {
			defer wg.Done()
			q.runLoop(runCtx)
		})
	}
	safe.Go(func() {
		<-runCtx.Done()
		wg.Wait()
		q.release(gen)
	})
	log.Infow("job queue started", "queue", q.cfg.Name, "concurrency", q.cfg.Concurrency)
	return nil
}

// release flips the started flag once a generation's workers have exited.
// A stale generation is a no-op.
func (q *Queue) release(gen int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gen != gen || !q.started {
		return
	}
	q.started = false
	log.Infow("job queue stopped", "queue", q.cfg.Name)
}

// Close stops the workers and waits for in-flight jobs to settle. Idempotent
// and safe to call concurrently with Init.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	gen := q.gen
	cancel := q.cancel
	wg := q.wg
	q.mu.Unlock()

	cancel()
	wg.Wait()
	q.release(gen)
	return nil
}

func (q *Queue) runLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			job, err := q.store.ClaimNext(ctx, q.cfg.Name)
			if err != nil {
				if ctx.Err() == nil {
					log.Errorw("failed to claim job", "queue", q.cfg.Name, "error", err)
				}
				break
			}
			if job == nil {
				break
			}
			q.execute(ctx, job)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// execute runs one claimed job and applies its outcome.
func (q *Queue) execute(ctx context.Context, job *JobModel) {
	handler, ok := q.handlers[job.Name]
	if !ok {
		q.settleFailure(job, fmt.Errorf("no handler registered for job %q", job.Name))
		return
	}

	jobCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	jc := &JobContext{Ctx: jobCtx, Job: job, Queue: q, abort: abort}
	outcome, err := handler(jc)
	if err != nil {
		q.settleFailure(job, err)
		return
	}
	q.settle(job, outcome)
}

// settle applies an outcome. Persistence here uses a fresh context: the
// runtime context may already be cancelled and the job state must still be
// written out.
func (q *Queue) settle(job *JobModel, outcome Outcome) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	var err error
	switch outcome.Kind {
	case OutcomeDone:
		err = q.store.Complete(ctx, job.ID, outcome.Remove)
		if err == nil && q.sink != nil {
			q.sink.JobsProcessed.WithLabelValues(job.Name).Inc()
		}

	case OutcomeRetryLater:
		if job.Token == "" {
			q.settleFailure(job, ErrTokenMissing)
			return
		}
		err = q.store.Reschedule(ctx, job.ID, outcome.Delay)
		if err == nil && q.sink != nil {
			q.sink.JobsRescheduled.WithLabelValues(job.Name).Inc()
		}

	case OutcomeContinueNow:
		if job.Token == "" {
			q.settleFailure(job, ErrTokenMissing)
			return
		}
		err = q.store.RequeueImmediate(ctx, job.ID)

	case OutcomeCancelled:
		if outcome.Reason.Soft() {
			log.Infow("job stopped early", "job", job.Name, "id", job.ID, "reason", string(outcome.Reason))
			err = q.store.Complete(ctx, job.ID, outcome.Remove)
			if err == nil && q.sink != nil {
				q.sink.JobsProcessed.WithLabelValues(job.Name).Inc()
			}
		} else {
			log.Warnw("job parked", "job", job.Name, "id", job.ID, "reason", string(outcome.Reason))
			err = q.store.Park(ctx, job.ID, q.cfg.ParkDelay)
		}

	default:
		q.settleFailure(job, fmt.Errorf("unknown outcome kind %d", outcome.Kind))
		return
	}

	if err != nil {
		log.Errorw("failed to settle job", "job", job.Name, "id", job.ID, "error", err)
	}
}

// settleFailure records a permanent failure. Unexpected errors never trigger
// automatic retries.
func (q *Queue) settleFailure(job *JobModel, cause error) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	if errors.Is(cause, ErrTokenMissing) {
		log.Errorw("job failed: continuation without token", "job", job.Name, "id", job.ID)
	} else {
		log.Errorw("job failed", "job", job.Name, "id", job.ID, "error", cause)
	}
	if err := q.store.Fail(ctx, job.ID, cause); err != nil {
		log.Errorw("failed to record job failure", "job", job.Name, "id", job.ID, "error", err)
	}
	if q.sink != nil {
		q.sink.JobsFailed.WithLabelValues(job.Name).Inc()
	}
}
