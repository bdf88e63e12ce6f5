package handler

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/node-events/internal/queue"
	"github.com/cuongbtq/node-events/shared/broadcast"
)

// QueueInspector is the read/replay side of the job queue
type QueueInspector interface {
	Job(ctx context.Context, queueName, id string) (*queue.Job, error)
	Jobs(ctx context.Context, queueName string, state queue.State, offset, limit int64) ([]*queue.Job, error)
	Stats(ctx context.Context, queueName string) (*queue.Stats, error)
	Retry(ctx context.Context, queueName, id string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger        *slog.Logger
	Publisher     broadcast.Publisher
	Queue         QueueInspector
	Queues        []string
	Channel       string
	WebhookSecret string
	AdminToken    string
	Registry      *prometheus.Registry
}

// WebhookHandler accepts change events and fans them out on the broadcast channel
type WebhookHandler struct {
	logger    *slog.Logger
	publisher broadcast.Publisher
	channel   string
	secret    string
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	return &WebhookHandler{
		logger:    deps.Logger,
		publisher: deps.Publisher,
		channel:   deps.Channel,
		secret:    deps.WebhookSecret,
	}
}

// JobHandler handles queue inspection requests
type JobHandler struct {
	logger *slog.Logger
	queue  QueueInspector
	queues map[string]bool
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	queues := make(map[string]bool, len(deps.Queues))
	for _, q := range deps.Queues {
		queues[q] = true
	}
	return &JobHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
		queues: queues,
	}
}
