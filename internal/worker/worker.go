package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/node-events/internal/queue"
)

// Processor handles the jobs of one queue
type Processor interface {
	Handle(ctx context.Context, job *queue.Job) error
}

// Bridge feeds the queue from the broadcast channel until ctx is canceled
type Bridge interface {
	Start(ctx context.Context, channel string) error
}

// Registration binds a processor to its queue
type Registration struct {
	Queue       string
	Processor   Processor
	Concurrency int
	JobTimeout  time.Duration
}

// Config holds worker configuration
type Config struct {
	Logger     *slog.Logger
	Queue      *queue.Client
	Bridge     Bridge
	Channel    string
	Processors []Registration
}

// Worker runs the job processors and the broadcast bridge
type Worker struct {
	logger     *slog.Logger
	queue      *queue.Client
	bridge     Bridge
	channel    string
	processors []Registration
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:     cfg.Logger,
		queue:      cfg.Queue,
		bridge:     cfg.Bridge,
		channel:    cfg.Channel,
		processors: cfg.Processors,
	}
}

// Start registers the processors, starts the queue pools and runs the bridge
// until ctx is canceled. A bridge failure is returned; the queue keeps
// running until Stop.
func (w *Worker) Start(ctx context.Context) error {
	if len(w.processors) == 0 {
		return errors.New("no processors configured")
	}

	for _, p := range w.processors {
		opts := []queue.ProcessOption{queue.WithConcurrency(p.Concurrency)}
		if p.JobTimeout > 0 {
			opts = append(opts, queue.WithJobTimeout(p.JobTimeout))
		}
		if err := w.queue.Process(p.Queue, p.Processor.Handle, opts...); err != nil {
			return fmt.Errorf("failed to register processor for %s: %w", p.Queue, err)
		}
		w.logger.Info("Processor registered",
			slog.String("queue", p.Queue),
			slog.Int("concurrency", p.Concurrency),
			slog.Duration("job_timeout", p.JobTimeout),
		)
	}

	if err := w.queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}

	w.logger.Info("Starting worker", slog.String("channel", w.channel))

	if err := w.bridge.Start(ctx, w.channel); err != nil {
		return fmt.Errorf("bridge stopped: %w", err)
	}
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop waits for in-flight jobs to settle
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.queue.Stop()
	w.logger.Info("Worker stopped")
}
