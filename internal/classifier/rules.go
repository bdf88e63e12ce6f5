package classifier

import "github.com/cuongbtq/node-events/internal/event"

// Record types handled by the built-in rules
const (
	TypeAccessibilityDeclaration = "accessibility-declaration"
	TypeAccessibilityReport      = "accessibility-report"
	TypeAccessibilityFeedback    = "accessibility-feedback"
)

// WebsiteURLField is the content value checked by link verification
const WebsiteURLField = "website-url"

// RulesConfig carries the addresses some rules notify. An empty address
// disables the rule.
type RulesConfig struct {
	OmbudsmanEmail string
	FeedbackEmail  string
}

// DefaultRules builds the production rule table
func DefaultRules(cfg RulesConfig) *Classifier {
	c := New()

	published := Key{
		RecordType: TypeAccessibilityDeclaration,
		Trigger:    TransitionTo(event.StatusPublished),
	}
	c.Register(published,
		func(rec *event.Record) Action {
			return SendEmail{
				Template:   TemplateDeclarationPublished,
				Recipient:  Recipient{Kind: RecipientOwner},
				RecordType: rec.Type,
				ToStatus:   event.StatusPublished,
				Record:     rec,
			}
		},
		func(rec *event.Record) Action {
			return VerifyLink{
				RecordType: rec.Type,
				ToStatus:   event.StatusPublished,
				Field:      WebsiteURLField,
				Record:     rec,
			}
		},
	)

	if cfg.OmbudsmanEmail != "" {
		c.Register(Key{RecordType: TypeAccessibilityReport, Trigger: Created()},
			notifyAddress(TemplateReportPublished, cfg.OmbudsmanEmail),
		)
	}

	if cfg.FeedbackEmail != "" {
		c.Register(Key{RecordType: TypeAccessibilityFeedback, Trigger: Created()},
			notifyAddress(TemplateFeedbackPublished, cfg.FeedbackEmail),
		)
	}

	return c
}

func notifyAddress(tmpl Template, address string) ActionFunc {
	return func(rec *event.Record) Action {
		return SendEmail{
			Template:   tmpl,
			Recipient:  Recipient{Kind: RecipientAddress, Address: address},
			RecordType: rec.Type,
			ToStatus:   rec.Status,
			Record:     rec,
		}
	}
}
