package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/node-events/shared/validator"
)

// DecodeError lists every violated field path of a rejected payload
type DecodeError struct {
	Violations []string
}

func (e *DecodeError) Error() string {
	return "invalid change event: " + strings.Join(e.Violations, "; ")
}

// wire types mirror the notifier JSON; timestamps stay strings until validated

type wirePayload struct {
	ID           string           `json:"id" validate:"required"`
	CreatedAt    string           `json:"created_at" validate:"required,timestamp"`
	Table        wireTable        `json:"table"`
	Trigger      wireTrigger      `json:"trigger"`
	DeliveryInfo wireDeliveryInfo `json:"delivery_info"`
	Event        wireEvent        `json:"event"`
}

type wireTable struct {
	Name   string `json:"name" validate:"required"`
	Schema string `json:"schema" validate:"required"`
}

type wireTrigger struct {
	Name string `json:"name" validate:"required"`
}

type wireDeliveryInfo struct {
	CurrentRetry *int `json:"current_retry" validate:"required,gte=0"`
	MaxRetries   *int `json:"max_retries" validate:"required,gte=0"`
}

type wireEvent struct {
	Op               string            `json:"op" validate:"required,oneof=INSERT UPDATE DELETE"`
	Data             wireData          `json:"data"`
	SessionVariables map[string]string `json:"session_variables,omitempty"`
}

type wireData struct {
	Old *wireRecord `json:"old"`
	New *wireRecord `json:"new"`
}

type wireRecord struct {
	ID        string          `json:"id" validate:"required"`
	Type      string          `json:"type" validate:"required"`
	Status    string          `json:"status" validate:"required"`
	Version   *int64          `json:"version" validate:"required,gte=0"`
	UserID    string          `json:"user_id" validate:"required"`
	Title     string          `json:"title" validate:"required"`
	Language  string          `json:"language" validate:"required"`
	Content   json.RawMessage `json:"content" validate:"required,jsonobject"`
	CreatedAt string          `json:"created_at" validate:"required,timestamp"`
	UpdatedAt string          `json:"updated_at" validate:"required,timestamp"`
}

// DecodeString is Decode for string input
func DecodeString(raw string) (*ChangeEventPayload, error) {
	return Decode([]byte(raw))
}

// Decode validates raw and returns the typed payload. Any failure is a
// *DecodeError; Decode never panics on malformed input.
func Decode(raw []byte) (*ChangeEventPayload, error) {
	var w wirePayload
	var violations []string
	seen := map[string]bool{}

	if err := json.Unmarshal(raw, &w); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return nil, &DecodeError{Violations: []string{"body: " + err.Error()}}
		}
		// the rest of the document is still populated; keep validating
		path := typeErr.Field
		if path == "" {
			return nil, &DecodeError{Violations: []string{"body: must be an object"}}
		}
		seen[path] = true
		violations = append(violations, fmt.Sprintf("%s: must be %s", path, describeType(typeErr)))
	}

	if err := validator.Validate.Struct(&w); err != nil {
		for _, v := range validator.Violations(err) {
			if path, _, _ := strings.Cut(v, ":"); seen[path] {
				continue
			}
			violations = append(violations, v)
		}
	}

	violations = append(violations, checkConsistency(&w)...)

	if len(violations) > 0 {
		return nil, &DecodeError{Violations: violations}
	}

	return w.toPayload()
}

func describeType(e *json.UnmarshalTypeError) string {
	switch e.Type.Kind().String() {
	case "int", "int64", "int32":
		return "an integer"
	case "string":
		return "a string"
	case "struct", "map":
		return "an object"
	default:
		return "a " + e.Type.String()
	}
}

// checkConsistency enforces the operation/snapshot pairing
func checkConsistency(w *wirePayload) []string {
	old, cur := w.Event.Data.Old, w.Event.Data.New

	var out []string
	switch Operation(w.Event.Op) {
	case OperationInsert:
		if cur == nil {
			out = append(out, "event.data.new: is required for INSERT")
		}
		if old != nil {
			out = append(out, "event.data.old: must be absent for INSERT")
		}
	case OperationUpdate:
		if cur == nil {
			out = append(out, "event.data.new: is required for UPDATE")
		}
		if old == nil {
			out = append(out, "event.data.old: is required for UPDATE")
		}
	case OperationDelete:
		if old == nil {
			out = append(out, "event.data.old: is required for DELETE")
		}
		if cur != nil {
			out = append(out, "event.data.new: must be absent for DELETE")
		}
	}

	if old != nil && cur != nil && old.ID != "" && cur.ID != "" && old.ID != cur.ID {
		out = append(out, "event.data.old.id: must match event.data.new.id")
	}
	return out
}

func (w *wirePayload) toPayload() (*ChangeEventPayload, error) {
	createdAt, err := validator.ParseTimestamp(w.CreatedAt)
	if err != nil {
		return nil, &DecodeError{Violations: []string{"created_at: must be a valid timestamp"}}
	}

	p := &ChangeEventPayload{
		EventID:   w.ID,
		CreatedAt: createdAt,
		Table:     Table{Name: w.Table.Name, Schema: w.Table.Schema},
		Trigger:   w.Trigger.Name,
		Operation: Operation(w.Event.Op),
		DeliveryInfo: DeliveryInfo{
			CurrentRetry: *w.DeliveryInfo.CurrentRetry,
			MaxRetries:   *w.DeliveryInfo.MaxRetries,
		},
		SessionVariables: w.Event.SessionVariables,
	}

	if p.Data.Old, err = w.Event.Data.Old.toRecord("event.data.old"); err != nil {
		return nil, err
	}
	if p.Data.New, err = w.Event.Data.New.toRecord("event.data.new"); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *wireRecord) toRecord(path string) (*Record, error) {
	if r == nil {
		return nil, nil
	}

	createdAt, err := validator.ParseTimestamp(r.CreatedAt)
	if err != nil {
		return nil, &DecodeError{Violations: []string{path + ".created_at: must be a valid timestamp"}}
	}
	updatedAt, err := validator.ParseTimestamp(r.UpdatedAt)
	if err != nil {
		return nil, &DecodeError{Violations: []string{path + ".updated_at: must be a valid timestamp"}}
	}

	return &Record{
		ID:        r.ID,
		Type:      r.Type,
		Status:    Status(r.Status),
		Version:   *r.Version,
		UserID:    r.UserID,
		Title:     r.Title,
		Language:  r.Language,
		Content:   bytes.Clone(r.Content),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

// Encode renders p in the notifier wire format
func Encode(p *ChangeEventPayload) ([]byte, error) {
	currentRetry, maxRetries := p.DeliveryInfo.CurrentRetry, p.DeliveryInfo.MaxRetries

	w := wirePayload{
		ID:        p.EventID,
		CreatedAt: formatTimestamp(p.CreatedAt),
		Table:     wireTable{Name: p.Table.Name, Schema: p.Table.Schema},
		Trigger:   wireTrigger{Name: p.Trigger},
		DeliveryInfo: wireDeliveryInfo{
			CurrentRetry: &currentRetry,
			MaxRetries:   &maxRetries,
		},
		Event: wireEvent{
			Op: string(p.Operation),
			Data: wireData{
				Old: fromRecord(p.Data.Old),
				New: fromRecord(p.Data.New),
			},
			SessionVariables: p.SessionVariables,
		},
	}

	b, err := json.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change event: %w", err)
	}
	return b, nil
}

func fromRecord(r *Record) *wireRecord {
	if r == nil {
		return nil
	}
	version := r.Version
	return &wireRecord{
		ID:        r.ID,
		Type:      r.Type,
		Status:    string(r.Status),
		Version:   &version,
		UserID:    r.UserID,
		Title:     r.Title,
		Language:  r.Language,
		Content:   r.Content,
		CreatedAt: formatTimestamp(r.CreatedAt),
		UpdatedAt: formatTimestamp(r.UpdatedAt),
	}
}

func formatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
