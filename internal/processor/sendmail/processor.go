// Package sendmail consumes the sendmail queue and hands rendered messages to
// the mail transport.
package sendmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jaytaylor/html2text"

	"github.com/cuongbtq/node-events/internal/queue"
	"github.com/cuongbtq/node-events/internal/templates"
	"github.com/cuongbtq/node-events/shared/validator"
)

var htmlTag = regexp.MustCompile(`<[a-zA-Z!/][^>]*>`)

// Transport delivers a message
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// Config holds the sender identity and layout values
type Config struct {
	From             string
	ReplyTo          string
	TestAddress      string
	OrganizationName string
	ServiceName      string
}

// Processor handles sendmail jobs
type Processor struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger
}

// NewProcessor creates a new sendmail processor
func NewProcessor(cfg Config, transport Transport, logger *slog.Logger) *Processor {
	return &Processor{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
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
			fmt.Errorf("invalid sendmail input: %s", strings.Join(validator.Violations(err), "; ")))
	}
	if p.cfg.TestAddress == "" {
		if err := validator.Validate.Var(in.To, "required,email"); err != nil {
			return queue.Retryable(queue.ReasonContract,
				fmt.Errorf("invalid sendmail input: to%s", strings.Join(validator.Violations(err), "; ")))
		}
	}

	msg, err := p.Build(&in)
	if err != nil {
		return queue.Retryable(queue.ReasonContract, err)
	}

	p.logger.Debug("Sending email",
		slog.String("job_id", job.ID),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.Int("attachments", len(msg.Attachments)),
	)

	if err := p.transport.Send(ctx, msg); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return queue.Retryable(queue.ReasonTimeout, err)
		}
		return queue.Retryable(queue.ReasonTransport, err)
	}

	p.logger.Info("Email sent",
		slog.String("job_id", job.ID),
		slog.String("to", msg.To),
	)
	return nil
}

// Build renders the message for in. HTML content is wrapped in the default
// layout and gets a plain text alternative.
func (p *Processor) Build(in *Input) (*Message, error) {
	msg := &Message{
		From:    firstNonEmpty(in.From, p.cfg.From),
		To:      firstNonEmpty(p.cfg.TestAddress, in.To),
		ReplyTo: firstNonEmpty(in.ReplyTo, p.cfg.ReplyTo),
		Subject: in.Subject,
	}

	if IsHTML(in.Content) {
		html, err := templates.WrapLayout(templates.LayoutData{
			Subject:          in.Subject,
			OrganizationName: p.cfg.OrganizationName,
			ServiceName:      p.cfg.ServiceName,
			Content:          in.Content,
		})
		if err != nil {
			return nil, err
		}
		text, err := html2text.FromString(html)
		if err != nil {
			return nil, fmt.Errorf("failed to convert email to text: %w", err)
		}
		msg.HTML = html
		msg.Text = text
	} else {
		msg.Text = in.Content
	}

	for _, a := range in.Attachments {
		if a.Path == "" {
			continue
		}
		msg.Attachments = append(msg.Attachments, a)
	}

	return msg, nil
}

// IsHTML reports whether content contains markup
func IsHTML(content string) bool {
	return htmlTag.MatchString(content)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
