// Package event holds the typed form of the change notifications emitted by the
// record store and the single decode step that produces it.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of row mutation
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Status is a record lifecycle state. The set is open; these are the states
// the built-in rules know about.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusNeedsReview Status = "needs_review"
	StatusPublished   Status = "published"
	StatusArchived    Status = "archived"
)

// Table identifies the entity collection that changed
type Table struct {
	Name   string
	Schema string
}

// DeliveryInfo is supplied by the upstream notifier, informational only
type DeliveryInfo struct {
	CurrentRetry int
	MaxRetries   int
}

// Data carries the record snapshots before and after the mutation
type Data struct {
	Old *Record
	New *Record
}

// ChangeEventPayload is a decoded, validated change notification
type ChangeEventPayload struct {
	EventID          string
	CreatedAt        time.Time
	Table            Table
	Trigger          string
	Operation        Operation
	Data             Data
	DeliveryInfo     DeliveryInfo
	SessionVariables map[string]string
}

// Record is the generic versioned entity carried by change events
type Record struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Status    Status          `json:"status"`
	Version   int64           `json:"version"`
	UserID    string          `json:"user_id"`
	Title     string          `json:"title"`
	Language  string          `json:"language"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type recordContent struct {
	Values   map[string]any `json:"values"`
	Metadata struct {
		Verified bool `json:"verified"`
	} `json:"metadata"`
}

func (r *Record) content() (recordContent, error) {
	var c recordContent
	if len(r.Content) > 0 {
		if err := json.Unmarshal(r.Content, &c); err != nil {
			return c, fmt.Errorf("record %s: invalid content: %w", r.ID, err)
		}
	}
	return c, nil
}

// Values returns the form values stored under content.values. It fails when
// the content does not have the values/metadata shape.
func (r *Record) Values() (map[string]any, error) {
	c, err := r.content()
	if err != nil {
		return nil, err
	}
	if c.Values == nil {
		return map[string]any{}, nil
	}
	return c.Values, nil
}

// StringValue returns content.values[field] when it is a non-empty string.
// Undecodable content reads as empty.
func (r *Record) StringValue(field string) string {
	values, _ := r.Values()
	s, _ := values[field].(string)
	return s
}

// Verified reports whether content.metadata.verified is set
func (r *Record) Verified() bool {
	c, _ := r.content()
	return c.Metadata.Verified
}
