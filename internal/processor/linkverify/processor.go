// Package linkverify consumes the link-verifier queue: it checks that the
// public page a record points to carries the record id and flags the record
// as verified.
package linkverify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/node-events/internal/event"
	"github.com/cuongbtq/node-events/internal/queue"
	"github.com/cuongbtq/node-events/internal/records"
	"github.com/cuongbtq/node-events/shared/validator"
)

// QueueName is the queue the processor consumes
const QueueName = "link-verifier"

// Input is the job payload of the link-verifier queue. Version is the
// revision the event carried; the check always runs on the latest one.
type Input struct {
	RecordID  string `json:"recordId" validate:"required"`
	Version   int64  `json:"version" validate:"gte=0"`
	FieldName string `json:"fieldName,omitempty"`
	// Index selects the element when the field holds a list of URLs
	Index int `json:"index,omitempty" validate:"gte=0"`
}

// RecordStore is the record source of truth
type RecordStore interface {
	LatestPublished(ctx context.Context, id string) (*event.Record, error)
	MarkVerified(ctx context.Context, id string, expectedVersion int64) error
}

// Config tunes the processor
type Config struct {
	Timeout time.Duration
	Field   string
}

// Processor handles link-verifier jobs
type Processor struct {
	cfg     Config
	store   RecordStore
	fetcher Fetcher
	logger  *slog.Logger
}

// NewProcessor creates a new link verification processor
func NewProcessor(cfg Config, store RecordStore, fetcher Fetcher, logger *slog.Logger) *Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Field == "" {
		cfg.Field = "website-url"
	}
	return &Processor{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		logger:  logger,
	}
}

// Handle is the queue handler
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var in Input
	if err := job.Decode(&in); err != nil {
		return queue.Retryable(queue.ReasonContract, err)
	}
	if err := validator.Validate.Struct(&in); err != nil {
		return queue.Retryable(queue.ReasonContract,
			fmt.Errorf("invalid link-verifier input: %s", strings.Join(validator.Violations(err), "; ")))
	}

	field := in.FieldName
	if field == "" {
		field = p.cfg.Field
	}

	// Step 1: load the current published revision, not the event snapshot
	rec, err := p.store.LatestPublished(ctx, in.RecordID)
	if err != nil {
		if errors.Is(err, records.ErrRecordNotFound) {
			return queue.Retryable(queue.ReasonNotFound, err)
		}
		return queue.Retryable(queue.ReasonTransport, err)
	}

	values, err := rec.Values()
	if err != nil {
		return queue.Retryable(queue.ReasonContract, err)
	}

	if rec.Verified() {
		p.logger.Info("Record already verified",
			slog.String("record_id", rec.ID),
			slog.Int64("version", rec.Version),
		)
		return nil
	}

	// Step 2: nothing to verify without a URL
	url := linkValue(values, field, in.Index)
	if url == "" {
		p.logger.Info("Record has no link to verify",
			slog.String("record_id", rec.ID),
			slog.String("field", field),
		)
		return nil
	}

	// Step 3: fetch under the verification timeout
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	body, err := p.fetcher.Fetch(fetchCtx, url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			return queue.Retryable(queue.ReasonTimeout, fmt.Errorf("GET %s timed out after %s: %w", url, p.cfg.Timeout, err))
		}
		return queue.Retryable(queue.ReasonTransport, err)
	}

	// Step 4: the page must carry the record id
	if !bytes.Contains(body, []byte(rec.ID)) {
		return queue.Retryable(queue.ReasonNoMatch, fmt.Errorf("marker %s not found at %s", rec.ID, url))
	}

	// Step 5: flag the revision we checked
	if err := p.store.MarkVerified(ctx, rec.ID, rec.Version); err != nil {
		if errors.Is(err, records.ErrVersionConflict) {
			return queue.Retryable(queue.ReasonConflict, err)
		}
		return queue.Retryable(queue.ReasonTransport, err)
	}

	p.logger.Info("Link verified",
		slog.String("record_id", rec.ID),
		slog.Int64("version", rec.Version),
		slog.String("url", url),
	)
	return nil
}

func linkValue(values map[string]any, field string, index int) string {
	switch v := values[field].(type) {
	case string:
		return v
	case []any:
		if index < len(v) {
			s, _ := v[index].(string)
			return s
		}
	}
	return ""
}
