package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/node-events/internal/classifier"
	"github.com/cuongbtq/node-events/internal/processor/linkverify"
	"github.com/cuongbtq/node-events/internal/processor/sendmail"
	"github.com/cuongbtq/node-events/internal/queue"
	"github.com/cuongbtq/node-events/internal/templates"
)

// Enqueuer stores jobs durably
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts ...queue.EnqueueOption) (*queue.JobHandle, error)
}

// UserDirectory resolves record owners to email addresses
type UserDirectory interface {
	UserEmail(ctx context.Context, userID string) (string, error)
}

// Renderer renders email templates
type Renderer interface {
	Render(tmpl classifier.Template, data templates.Data) (*templates.Email, error)
}

// DispatcherConfig tunes enqueue retries
type DispatcherConfig struct {
	EnqueueRetries int
	EnqueueBackoff time.Duration
}

// Dispatcher turns actions into queue jobs keyed by the action key
type Dispatcher struct {
	cfg      DispatcherConfig
	queue    Enqueuer
	users    UserDirectory
	renderer Renderer
	logger   *slog.Logger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(cfg DispatcherConfig, q Enqueuer, users UserDirectory, renderer Renderer, logger *slog.Logger) *Dispatcher {
	if cfg.EnqueueRetries <= 0 {
		cfg.EnqueueRetries = 3
	}
	if cfg.EnqueueBackoff <= 0 {
		cfg.EnqueueBackoff = 100 * time.Millisecond
	}
	return &Dispatcher{
		cfg:      cfg,
		queue:    q,
		users:    users,
		renderer: renderer,
		logger:   logger,
	}
}

// Dispatch enqueues the job for action
func (d *Dispatcher) Dispatch(ctx context.Context, action classifier.Action) (*queue.JobHandle, error) {
	switch a := action.(type) {
	case classifier.SendEmail:
		input, err := d.emailInput(ctx, a)
		if err != nil {
			return nil, err
		}
		return d.enqueueWithRetry(ctx, sendmail.QueueName, input, a.Key())

	case classifier.VerifyLink:
		input := linkverify.Input{
			RecordID:  a.Record.ID,
			Version:   a.Record.Version,
			FieldName: a.Field,
		}
		return d.enqueueWithRetry(ctx, linkverify.QueueName, input, a.Key())

	default:
		return nil, fmt.Errorf("unsupported action %T", action)
	}
}

func (d *Dispatcher) emailInput(ctx context.Context, a classifier.SendEmail) (*sendmail.Input, error) {
	rec := a.Record

	var ownerEmail string
	if rec.UserID != "" {
		email, err := d.users.UserEmail(ctx, rec.UserID)
		switch {
		case err == nil:
			ownerEmail = email
		case a.Recipient.Kind == classifier.RecipientOwner:
			return nil, fmt.Errorf("failed to resolve owner of record %s: %w", rec.ID, err)
		default:
			d.logger.Warn("Failed to resolve record owner",
				slog.String("record_id", rec.ID),
				slog.String("user_id", rec.UserID),
				slog.Any("error", err),
			)
		}
	}

	to := a.Recipient.Address
	if a.Recipient.Kind == classifier.RecipientOwner {
		to = ownerEmail
	}
	if to == "" {
		return nil, fmt.Errorf("no recipient for %s of record %s", a.Template, rec.ID)
	}

	email, err := d.renderer.Render(a.Template, templates.Data{Record: rec, OwnerEmail: ownerEmail})
	if err != nil {
		return nil, err
	}

	return &sendmail.Input{
		To:          to,
		Subject:     email.Subject,
		Content:     email.Content,
		From:        email.From,
		ReplyTo:     email.ReplyTo,
		Attachments: email.Attachments,
	}, nil
}

// enqueueWithRetry retries transient store failures with exponential backoff
func (d *Dispatcher) enqueueWithRetry(ctx context.Context, queueName string, payload any, jobID string) (*queue.JobHandle, error) {
	var lastErr error
	delay := d.cfg.EnqueueBackoff

	for attempt := 0; attempt <= d.cfg.EnqueueRetries; attempt++ {
		handle, err := d.queue.Enqueue(ctx, queueName, payload, queue.WithJobID(jobID))
		if err == nil {
			return handle, nil
		}
		lastErr = err

		if attempt == d.cfg.EnqueueRetries {
			break
		}

		d.logger.Warn("Failed to enqueue job, retrying...",
			slog.String("queue", queueName),
			slog.String("job_id", jobID),
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
	}

	return nil, fmt.Errorf("failed to enqueue %s after %d attempts: %w", jobID, d.cfg.EnqueueRetries+1, lastErr)
}
