package handler

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/node-events/internal/event"
)

const (
	// WebhookTokenHeader carries the shared secret of the change notifier
	WebhookTokenHeader = "x-webhook-token"

	maxWebhookBody = 1 << 20
)

// ReceiveEvent handles POST /webhooks/node-events
// Validates a change event and publishes the raw body on the broadcast channel
func (h *WebhookHandler) ReceiveEvent(c *gin.Context) {
	token := c.GetHeader(WebhookTokenHeader)
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
		h.logger.Warn("Rejected webhook with invalid token", slog.String("ip", c.ClientIP()))
		c.JSON(http.StatusForbidden, gin.H{
			"error": "invalid webhook token",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		h.logger.Error("Failed to read webhook body", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "failed to read body",
		})
		return
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "body too large",
		})
		return
	}

	payload, err := event.Decode(body)
	if err != nil {
		var decodeErr *event.DecodeError
		fields := []string{}
		if errors.As(err, &decodeErr) {
			fields = decodeErr.Violations
		}
		h.logger.Warn("Rejected invalid change event", slog.Any("fields", fields))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid change event",
			"fields": fields,
		})
		return
	}

	if err := h.publisher.Publish(c.Request.Context(), h.channel, body); err != nil {
		h.logger.Error("Failed to publish change event",
			slog.String("event_id", payload.EventID),
			slog.String("channel", h.channel),
			slog.Any("error", err),
		)
	} else {
		h.logger.Info("Change event published",
			slog.String("event_id", payload.EventID),
			slog.String("operation", string(payload.Operation)),
			slog.String("channel", h.channel),
		)
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "accepted",
	})
}
