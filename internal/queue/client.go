package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

// Handler processes one job. Returning nil acknowledges it; any error
// schedules a retry until the attempt budget is spent.
type Handler func(ctx context.Context, job *Job) error

type registration struct {
	queue       string
	handler     Handler
	concurrency int
	timeout     time.Duration
}

// Client enqueues jobs and runs the registered handlers
type Client struct {
	store    Store
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics
	now      func() time.Time
	workerID string

	mu      sync.Mutex
	regs    []*registration
	started bool
	cancel  context.CancelFunc
	cron    *cron.Cron
	wg      sync.WaitGroup
}

// NewClient creates a client on store. Metrics are registered on reg when it
// is not nil.
func NewClient(store Store, cfg Config, logger *slog.Logger, reg prometheus.Registerer) *Client {
	cfg.applyDefaults()

	return &Client{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		metrics:  newMetrics(reg),
		now:      time.Now,
		workerID: uuid.NewString(),
	}
}

// Enqueue stores payload on queueName. Without WithJobID the id is derived
// from the payload; an id that already exists yields Created=false.
func (c *Client) Enqueue(ctx context.Context, queueName string, payload any, opts ...EnqueueOption) (*JobHandle, error) {
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}

	o := enqueueOptions{
		maxAttempts: c.cfg.MaxAttempts,
		strategy:    BackoffExponential,
		delay:       c.cfg.Backoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", o.maxAttempts)
	}
	if o.strategy != BackoffExponential && o.strategy != BackoffFixed {
		return nil, fmt.Errorf("unknown backoff strategy %q", o.strategy)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	id := o.jobID
	if id == "" {
		if id, err = DeriveJobID(queueName, raw); err != nil {
			return nil, err
		}
	}

	job := &Job{
		ID:              id,
		Queue:           queueName,
		Payload:         raw,
		MaxAttempts:     o.maxAttempts,
		BackoffStrategy: o.strategy,
		BackoffDelay:    o.delay,
	}

	created, err := c.store.Add(ctx, job)
	if err != nil {
		return nil, err
	}

	result := "created"
	if !created {
		result = "duplicate"
	}
	c.metrics.enqueued.WithLabelValues(queueName, result).Inc()

	c.logger.Debug("Job enqueued",
		slog.String("queue", queueName),
		slog.String("job_id", id),
		slog.Bool("created", created),
	)

	return &JobHandle{ID: id, Queue: queueName, Created: created}, nil
}

// Process registers handler for queueName. It must be called before Start.
func (c *Client) Process(queueName string, handler Handler, opts ...ProcessOption) error {
	o := processOptions{concurrency: 1, timeout: c.cfg.JobTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrQueueStarted
	}
	for _, r := range c.regs {
		if r.queue == queueName {
			return fmt.Errorf("handler already registered for queue %s", queueName)
		}
	}

	c.regs = append(c.regs, &registration{
		queue:       queueName,
		handler:     handler,
		concurrency: o.concurrency,
		timeout:     o.timeout,
	})
	return nil
}

// Queues lists the queues with a registered handler
func (c *Client) Queues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.regs))
	for i, r := range c.regs {
		out[i] = r.queue
	}
	return out
}

// Start spawns the worker pools and the maintenance schedule
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrQueueStarted
	}

	runCtx, cancel := context.WithCancel(ctx)

	sched, err := c.newMaintenance(runCtx)
	if err != nil {
		cancel()
		return err
	}

	c.cancel = cancel
	c.cron = sched
	c.started = true

	for _, r := range c.regs {
		c.spawnWorkerPool(runCtx, r)
	}
	c.cron.Start()

	c.logger.Info("Queue client started",
		slog.String("worker_id", c.workerID),
		slog.Int("queues", len(c.regs)),
	)
	return nil
}

// Stop stops claiming new jobs and waits for in-flight handlers to settle
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel, sched := c.cancel, c.cron
	c.mu.Unlock()

	c.logger.Info("Stopping queue client...")
	cancel()
	<-sched.Stop().Done()
	c.wg.Wait()
	c.logger.Info("Queue client stopped")
}

// Job returns a job by id
func (c *Client) Job(ctx context.Context, queueName, id string) (*Job, error) {
	return c.store.Get(ctx, queueName, id)
}

// Jobs lists jobs of queueName in state
func (c *Client) Jobs(ctx context.Context, queueName string, state State, offset, limit int64) ([]*Job, error) {
	return c.store.List(ctx, queueName, state, offset, limit)
}

// Stats counts the jobs of queueName per state
func (c *Client) Stats(ctx context.Context, queueName string) (*Stats, error) {
	return c.store.Counts(ctx, queueName)
}

// Retry replays a dead job with a fresh attempt budget
func (c *Client) Retry(ctx context.Context, queueName, id string) error {
	if err := c.store.Requeue(ctx, queueName, id); err != nil {
		return err
	}
	c.logger.Info("Dead job requeued",
		slog.String("queue", queueName),
		slog.String("job_id", id),
	)
	return nil
}
