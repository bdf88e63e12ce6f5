package sendmail

import (
	"github.com/cuongbtq/node-events/internal/templates"
)

// QueueName is the queue the processor consumes
const QueueName = "sendmail"

// Input is the job payload of the sendmail queue. To is checked by the
// processor since a configured test address replaces it.
type Input struct {
	To          string                 `json:"to"`
	Subject     string                 `json:"subject" validate:"required"`
	Content     string                 `json:"content" validate:"required"`
	ReplyTo     string                 `json:"replyTo,omitempty" validate:"omitempty,email"`
	From        string                 `json:"from,omitempty" validate:"omitempty,email"`
	Attachments []templates.Attachment `json:"attachments,omitempty"`
}

// Message is a delivery-ready email
type Message struct {
	From        string
	To          string
	ReplyTo     string
	Subject     string
	Text        string
	HTML        string
	Attachments []templates.Attachment
}
