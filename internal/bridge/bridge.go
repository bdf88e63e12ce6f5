// Package bridge subscribes to the change event broadcast and turns each
// event into durable queue jobs.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cuongbtq/node-events/internal/classifier"
	"github.com/cuongbtq/node-events/internal/event"
	"github.com/cuongbtq/node-events/internal/queue"
	"github.com/cuongbtq/node-events/shared/broadcast"
)

// ErrSubscriptionClosed is returned when the broadcast subscription ends
// while the bridge is running
var ErrSubscriptionClosed = errors.New("broadcast subscription closed")

// ActionDispatcher enqueues the job of one action
type ActionDispatcher interface {
	Dispatch(ctx context.Context, action classifier.Action) (*queue.JobHandle, error)
}

// Bridge moves messages from a broadcast channel into the job queue
type Bridge struct {
	subscriber broadcast.Subscriber
	classifier *classifier.Classifier
	dispatcher ActionDispatcher
	logger     *slog.Logger

	messages *prometheus.CounterVec
	actions  *prometheus.CounterVec
}

// New creates a bridge. Metrics are registered on reg when it is not nil.
func New(sub broadcast.Subscriber, cls *classifier.Classifier, dispatcher ActionDispatcher, logger *slog.Logger, reg prometheus.Registerer) *Bridge {
	f := promauto.With(reg)

	return &Bridge{
		subscriber: sub,
		classifier: cls,
		dispatcher: dispatcher,
		logger:     logger,

		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "node_events",
			Subsystem: "bridge",
			Name:      "messages_total",
			Help:      "Broadcast messages received by decode result.",
		}, []string{"result"}), // decoded|invalid

		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "node_events",
			Subsystem: "bridge",
			Name:      "actions_total",
			Help:      "Classified actions by kind and enqueue result.",
		}, []string{"kind", "result"}), // created|duplicate|failed
	}
}

// Start subscribes to channel and handles messages until ctx is canceled.
// A failed subscription is returned immediately.
func (b *Bridge) Start(ctx context.Context, channel string) error {
	sub, err := b.subscriber.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			b.logger.Warn("Failed to close subscription", slog.Any("error", err))
		}
	}()

	b.logger.Info("Bridge subscribed", slog.String("channel", channel))

	messages := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Bridge stopped - context canceled", slog.String("channel", channel))
			return nil

		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %s", ErrSubscriptionClosed, channel)
			}
			b.HandleMessage(ctx, msg.Payload)
		}
	}
}

// HandleMessage decodes, classifies and dispatches one raw message. Invalid
// messages are logged and dropped.
func (b *Bridge) HandleMessage(ctx context.Context, raw []byte) {
	payload, err := event.Decode(raw)
	if err != nil {
		b.messages.WithLabelValues("invalid").Inc()
		b.logger.Warn("Dropping invalid change event",
			slog.Any("error", err),
			slog.Int("body_size", len(raw)),
		)
		return
	}
	b.messages.WithLabelValues("decoded").Inc()

	actions := b.classifier.Classify(payload)
	b.logger.Debug("Change event classified",
		slog.String("event_id", payload.EventID),
		slog.String("operation", string(payload.Operation)),
		slog.Int("actions", len(actions)),
	)

	for _, action := range actions {
		kind := string(action.Kind())

		handle, err := b.dispatcher.Dispatch(ctx, action)
		if err != nil {
			b.actions.WithLabelValues(kind, "failed").Inc()
			b.logger.Error("Failed to dispatch action",
				slog.String("event_id", payload.EventID),
				slog.String("kind", kind),
				slog.String("key", action.Key()),
				slog.Any("error", err),
			)
			continue
		}

		result := "created"
		if !handle.Created {
			result = "duplicate"
		}
		b.actions.WithLabelValues(kind, result).Inc()
		b.logger.Info("Action enqueued",
			slog.String("event_id", payload.EventID),
			slog.String("kind", kind),
			slog.String("queue", handle.Queue),
			slog.String("job_id", handle.ID),
			slog.Bool("created", handle.Created),
		)
	}
}
