// Package templates renders the notification emails sent for classified
// change events and the layout every HTML email is wrapped in.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"

	"github.com/cuongbtq/node-events/internal/classifier"
	"github.com/cuongbtq/node-events/internal/event"
)

//go:embed html/*.html
var files embed.FS

var (
	bodies = template.Must(template.ParseFS(files,
		"html/declaration_published.html",
		"html/report_published.html",
		"html/feedback_published.html",
	))
	layout = template.Must(template.ParseFS(files, "html/layout.html"))
)

// report fields holding uploaded files to attach
var reportAttachmentFields = []string{"notified-feedback", "notified-answer"}

// Uploads locates files stored by the upload server
type Uploads struct {
	BaseURL    string
	AuthHeader string
	AuthSecret string
}

// Config holds the values shared by every rendered email
type Config struct {
	OrganizationName string
	ViewBaseURL      string
	Uploads          Uploads
}

// Attachment references a file the mail processor downloads before sending
type Attachment struct {
	Filename    string            `json:"filename"`
	Path        string            `json:"path"`
	HTTPHeaders map[string]string `json:"httpHeaders,omitempty"`
}

// Email is a rendered message ready to enqueue
type Email struct {
	Subject     string
	Content     string
	From        string
	ReplyTo     string
	Attachments []Attachment
}

// Data is the input of a render
type Data struct {
	Record     *event.Record
	OwnerEmail string
}

// Renderer turns templates and records into emails
type Renderer struct {
	cfg Config
}

// NewRenderer creates a renderer
func NewRenderer(cfg Config) *Renderer {
	cfg.ViewBaseURL = strings.TrimRight(cfg.ViewBaseURL, "/")
	cfg.Uploads.BaseURL = strings.TrimRight(cfg.Uploads.BaseURL, "/")
	return &Renderer{cfg: cfg}
}

type view struct {
	Record           *event.Record
	OwnerEmail       string
	Date             string
	Time             string
	ViewURL          string
	OrganizationName string
	ServiceType      string
	ServiceAddress   string

	values map[string]any
}

// Value renders content.values[field] as text
func (v view) Value(field string) string {
	switch val := v.values[field].(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "yes"
		}
		return "no"
	default:
		return fmt.Sprint(val)
	}
}

// Render builds the email for tmpl. Dates come from the record so the output
// is stable across retries.
func (r *Renderer) Render(tmpl classifier.Template, data Data) (*Email, error) {
	if data.Record == nil {
		return nil, fmt.Errorf("render %s: record is required", tmpl)
	}

	rec := data.Record
	values, err := rec.Values()
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", tmpl, err)
	}
	v := view{
		Record:           rec,
		OwnerEmail:       data.OwnerEmail,
		Date:             rec.UpdatedAt.Format("02/01/2006"),
		Time:             rec.UpdatedAt.Format("15:04"),
		ViewURL:          r.cfg.ViewBaseURL + "/" + rec.ID,
		OrganizationName: r.cfg.OrganizationName,
		values:           values,
	}

	email := &Email{}
	var name string

	switch tmpl {
	case classifier.TemplateDeclarationPublished:
		name = "declaration_published.html"
		email.Subject = "Accessibility declaration published: " + rec.Title

	case classifier.TemplateReportPublished:
		name = "report_published.html"
		email.Subject = fmt.Sprintf("Accessibility report %s / %s", v.Value("name"), v.Value("reported-pa"))
		email.Attachments = r.reportAttachments(rec, v.values)

	case classifier.TemplateFeedbackPublished:
		name = "feedback_published.html"
		if v.Value("device-type") == "website" {
			v.ServiceType, v.ServiceAddress = "website", v.Value("website-url")
		} else {
			v.ServiceType, v.ServiceAddress = "mobile app", v.Value("app-url")
		}
		email.Subject = fmt.Sprintf("Accessibility feedback %s - %s", v.ServiceAddress, v.Value("name"))
		email.From = data.OwnerEmail
		email.ReplyTo = data.OwnerEmail

	default:
		return nil, fmt.Errorf("unknown email template %q", tmpl)
	}

	var buf bytes.Buffer
	if err := bodies.ExecuteTemplate(&buf, name, v); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", tmpl, err)
	}
	email.Content = buf.String()

	return email, nil
}

func (r *Renderer) reportAttachments(rec *event.Record, values map[string]any) []Attachment {
	if r.cfg.Uploads.BaseURL == "" {
		return nil
	}

	var out []Attachment
	for _, field := range reportAttachmentFields {
		files, _ := values[field].([]any)
		if len(files) == 0 {
			continue
		}
		first, _ := files[0].(map[string]any)
		if id, _ := first["id"].(string); id == "" {
			continue
		}
		filename, _ := first["filename"].(string)

		a := Attachment{
			Filename: filename,
			Path:     fmt.Sprintf("%s/file/%s/%d/%s/0", r.cfg.Uploads.BaseURL, rec.ID, rec.Version, field),
		}
		if r.cfg.Uploads.AuthHeader != "" {
			a.HTTPHeaders = map[string]string{r.cfg.Uploads.AuthHeader: r.cfg.Uploads.AuthSecret}
		}
		out = append(out, a)
	}
	return out
}

// LayoutData fills the default email layout
type LayoutData struct {
	Subject          string
	OrganizationName string
	ServiceName      string
	Content          string
}

// WrapLayout embeds already rendered HTML content in the default layout
func WrapLayout(data LayoutData) (string, error) {
	var buf bytes.Buffer
	err := layout.ExecuteTemplate(&buf, "layout.html", struct {
		Subject          string
		OrganizationName string
		ServiceName      string
		Content          template.HTML
	}{
		Subject:          data.Subject,
		OrganizationName: data.OrganizationName,
		ServiceName:      data.ServiceName,
		Content:          template.HTML(data.Content),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render layout: %w", err)
	}
	return buf.String(), nil
}
