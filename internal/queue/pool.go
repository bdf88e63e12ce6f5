package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// spawnWorkerPool starts the configured number of goroutines for one queue
func (c *Client) spawnWorkerPool(ctx context.Context, reg *registration) {
	c.logger.Info("Spawning worker pool",
		slog.String("queue", reg.queue),
		slog.Int("concurrency", reg.concurrency),
	)

	for i := 0; i < reg.concurrency; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx, reg, i)
	}
}

// workerLoop claims and handles jobs until ctx is canceled
func (c *Client) workerLoop(ctx context.Context, reg *registration, workerNum int) {
	defer c.wg.Done()

	workerName := fmt.Sprintf("%s-%s-%d", c.workerID, reg.queue, workerNum)
	c.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	for {
		if ctx.Err() != nil {
			c.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return
		}

		handled, err := c.processNext(ctx, reg)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("Failed to process next job",
				slog.String("worker_name", workerName),
				slog.Any("error", err),
			)
		}
		if handled {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// processNext claims one job of reg.queue, runs the handler and settles the
// outcome. It reports whether a job was handled.
func (c *Client) processNext(ctx context.Context, reg *registration) (bool, error) {
	job, err := c.store.Claim(ctx, reg.queue, c.cfg.LeaseDuration)
	if errors.Is(err, ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	c.logger.Info("Processing job",
		slog.String("queue", job.Queue),
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	// in-flight handlers finish even when the pool is stopping
	runCtx := context.WithoutCancel(ctx)

	c.metrics.inFlight.WithLabelValues(reg.queue).Inc()
	start := c.now()
	handlerErr := c.execute(runCtx, reg, job)
	c.metrics.duration.WithLabelValues(reg.queue).Observe(time.Since(start).Seconds())
	c.metrics.inFlight.WithLabelValues(reg.queue).Dec()

	settleCtx, cancel := context.WithTimeout(runCtx, c.cfg.SettleTimeout)
	defer cancel()

	if err := c.settle(settleCtx, job, handlerErr); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			c.logger.Warn("Job lease lost before settlement",
				slog.String("queue", job.Queue),
				slog.String("job_id", job.ID),
			)
			return true, nil
		}
		return true, err
	}
	return true, nil
}

// execute runs the handler under the job timeout with a lease heartbeat
func (c *Client) execute(ctx context.Context, reg *registration, job *Job) (err error) {
	jobCtx, cancel := context.WithTimeout(ctx, reg.timeout)
	defer cancel()

	// the heartbeat must be gone before the caller settles the job
	heartbeatDone := make(chan struct{})
	heartbeatStopped := make(chan struct{})
	go func() {
		defer close(heartbeatStopped)
		c.sendJobHeartbeat(jobCtx, job, heartbeatDone)
	}()
	defer func() {
		close(heartbeatDone)
		<-heartbeatStopped
	}()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Job handler panicked",
				slog.String("queue", job.Queue),
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in job %s: %v", job.ID, r)
		}
	}()

	return reg.handler(jobCtx, job)
}

// sendJobHeartbeat extends the lease while the handler runs
func (c *Client) sendJobHeartbeat(ctx context.Context, job *Job, done <-chan struct{}) {
	interval := c.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := c.store.Extend(ctx, job, c.cfg.LeaseDuration); err != nil {
				c.logger.Warn("Failed to extend job lease",
					slog.String("job_id", job.ID),
					slog.Any("error", err),
				)
				if errors.Is(err, ErrLeaseLost) {
					return
				}
			}
		}
	}
}

// settle records the handler outcome: completed, retry after backoff, or dead
// once attempts reach the budget
func (c *Client) settle(ctx context.Context, job *Job, handlerErr error) error {
	if handlerErr == nil {
		if err := c.store.Complete(ctx, job); err != nil {
			return err
		}
		c.metrics.processed.WithLabelValues(job.Queue, "completed", "").Inc()
		c.logger.Info("Job completed successfully",
			slog.String("queue", job.Queue),
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempts),
		)
		return nil
	}

	reason := ReasonOf(handlerErr)
	level := slog.LevelWarn
	if reason == ReasonContract {
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, "Job failed",
		slog.String("queue", job.Queue),
		slog.String("job_id", job.ID),
		slog.String("reason", string(reason)),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Any("error", handlerErr),
	)

	if job.Attempts >= job.MaxAttempts {
		if err := c.store.Bury(ctx, job, reason, handlerErr.Error()); err != nil {
			return err
		}
		c.metrics.processed.WithLabelValues(job.Queue, "dead", string(reason)).Inc()
		c.logger.Error("Job moved to dead-letter",
			slog.String("queue", job.Queue),
			slog.String("job_id", job.ID),
			slog.Int("attempts", job.Attempts),
			slog.String("reason", string(reason)),
		)
		return nil
	}

	delay := Backoff(job.BackoffStrategy, job.BackoffDelay, job.Attempts, c.cfg.MaxBackoff)
	runAt := c.now().Add(delay)
	if err := c.store.Retry(ctx, job, runAt, reason, handlerErr.Error()); err != nil {
		return err
	}
	c.metrics.processed.WithLabelValues(job.Queue, "retry", string(reason)).Inc()
	c.logger.Info("Job scheduled for retry",
		slog.String("queue", job.Queue),
		slog.String("job_id", job.ID),
		slog.Duration("delay", delay),
		slog.Time("run_at", runAt),
	)
	return nil
}
