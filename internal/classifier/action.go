package classifier

import (
	"fmt"

	"github.com/cuongbtq/node-events/internal/event"
)

// ActionKind tags the Action variants
type ActionKind string

const (
	KindSendEmail  ActionKind = "send-email"
	KindVerifyLink ActionKind = "verify-link"
)

// Template names the email body to render for a SendEmail action
type Template string

const (
	TemplateDeclarationPublished Template = "declaration-published"
	TemplateReportPublished      Template = "report-published"
	TemplateFeedbackPublished    Template = "feedback-published"
)

// RecipientKind selects how the email recipient is resolved
type RecipientKind string

const (
	// RecipientOwner is the record owner's email, looked up by user id
	RecipientOwner RecipientKind = "owner"
	// RecipientAddress is a fixed configured address
	RecipientAddress RecipientKind = "address"
)

// Recipient describes who receives a SendEmail action
type Recipient struct {
	Kind    RecipientKind
	Address string
}

// Action is a downstream unit of work derived from a change event
type Action interface {
	Kind() ActionKind
	// Key is the deterministic deduplication key: kind, record id and version
	Key() string
	Subject() *event.Record

	sealed()
}

// SendEmail asks for a templated email about a record
type SendEmail struct {
	Template   Template
	Recipient  Recipient
	RecordType string
	ToStatus   event.Status
	Record     *event.Record
}

func (a SendEmail) Kind() ActionKind { return KindSendEmail }
func (a SendEmail) Subject() *event.Record { return a.Record }
func (a SendEmail) sealed() {}
func (a SendEmail) Key() string { return recordKey(string(a.Template), a.Record) }

// VerifyLink asks for the URL stored in Field to be checked for the record marker
type VerifyLink struct {
	RecordType string
	ToStatus   event.Status
	Field      string
	Record     *event.Record
}

func (a VerifyLink) Kind() ActionKind { return KindVerifyLink }
func (a VerifyLink) Subject() *event.Record { return a.Record }
func (a VerifyLink) sealed() {}
func (a VerifyLink) Key() string { return recordKey("link-verifier", a.Record) }

func recordKey(kind string, r *event.Record) string {
	return fmt.Sprintf("%s:%s_%d", kind, r.ID, r.Version)
}
