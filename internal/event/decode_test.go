package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validUpdate = `{
  "id": "85558393-c75d-4d2f-9c68-6e3bbcf6c3f2",
  "created_at": "2024-05-02T09:30:00.123456+00:00",
  "table": {"name": "node", "schema": "public"},
  "trigger": {"name": "node_events"},
  "delivery_info": {"current_retry": 0, "max_retries": 3},
  "event": {
    "op": "UPDATE",
    "session_variables": {"x-hasura-role": "editor"},
    "data": {
      "old": {
        "id": "abc", "type": "accessibility-declaration", "status": "needs_review",
        "version": 2, "user_id": "u1", "title": "T", "language": "it",
        "content": {"values": {"website-url": "https://example.org"}},
        "created_at": "2024-05-01T08:00:00Z", "updated_at": "2024-05-02T09:00:00Z"
      },
      "new": {
        "id": "abc", "type": "accessibility-declaration", "status": "published",
        "version": 3, "user_id": "u1", "title": "T", "language": "it",
        "content": {"values": {"website-url": "https://example.org"}},
        "created_at": "2024-05-01T08:00:00Z", "updated_at": "2024-05-02T09:30:00.123456"
      }
    }
  }
}`

func TestDecode_Valid(t *testing.T) {
	p, err := DecodeString(validUpdate)
	require.NoError(t, err)

	assert.Equal(t, "85558393-c75d-4d2f-9c68-6e3bbcf6c3f2", p.EventID)
	assert.Equal(t, OperationUpdate, p.Operation)
	assert.Equal(t, Table{Name: "node", Schema: "public"}, p.Table)
	assert.Equal(t, "node_events", p.Trigger)
	assert.Equal(t, DeliveryInfo{CurrentRetry: 0, MaxRetries: 3}, p.DeliveryInfo)
	assert.Equal(t, "editor", p.SessionVariables["x-hasura-role"])

	require.NotNil(t, p.Data.Old)
	require.NotNil(t, p.Data.New)
	assert.Equal(t, StatusNeedsReview, p.Data.Old.Status)
	assert.Equal(t, StatusPublished, p.Data.New.Status)
	assert.Equal(t, int64(3), p.Data.New.Version)
	assert.Equal(t, "https://example.org", p.Data.New.StringValue("website-url"))
	assert.Equal(t, 123456000, p.Data.New.UpdatedAt.Nanosecond())
	assert.True(t, p.CreatedAt.Equal(time.Date(2024, 5, 2, 9, 30, 0, 123456000, time.UTC)))
}

func TestDecode_Invalid(t *testing.T) {
	mutate := func(f func(m map[string]any)) string {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(validUpdate), &m))
		f(m)
		b, err := json.Marshal(m)
		require.NoError(t, err)
		return string(b)
	}
	eventOf := func(m map[string]any) map[string]any { return m["event"].(map[string]any) }
	dataOf := func(m map[string]any) map[string]any { return eventOf(m)["data"].(map[string]any) }

	tests := []struct {
		name    string
		raw     string
		wantErr []string
	}{
		{
			name:    "not json",
			raw:     "{not json",
			wantErr: []string{"body:"},
		},
		{
			name:    "json array",
			raw:     "[]",
			wantErr: []string{"body: must be an object"},
		},
		{
			name:    "missing operation",
			raw:     mutate(func(m map[string]any) { delete(eventOf(m), "op") }),
			wantErr: []string{"event.op: is required"},
		},
		{
			name:    "unknown operation",
			raw:     mutate(func(m map[string]any) { eventOf(m)["op"] = "PATCH" }),
			wantErr: []string{"event.op: must be one of INSERT UPDATE DELETE"},
		},
		{
			name:    "bad timestamp",
			raw:     mutate(func(m map[string]any) { m["created_at"] = "yesterday" }),
			wantErr: []string{"created_at: must be a valid timestamp"},
		},
		{
			name: "version with wrong type",
			raw: mutate(func(m map[string]any) {
				dataOf(m)["new"].(map[string]any)["version"] = "three"
			}),
			wantErr: []string{"event.data.new.version: must be"},
		},
		{
			name: "negative version",
			raw: mutate(func(m map[string]any) {
				dataOf(m)["new"].(map[string]any)["version"] = -1
			}),
			wantErr: []string{"event.data.new.version: must be greater than or equal to 0"},
		},
		{
			name: "content not an object",
			raw: mutate(func(m map[string]any) {
				dataOf(m)["new"].(map[string]any)["content"] = "text"
			}),
			wantErr: []string{"event.data.new.content"},
		},
		{
			name: "several nested violations",
			raw: mutate(func(m map[string]any) {
				rec := dataOf(m)["old"].(map[string]any)
				delete(rec, "title")
				delete(rec, "user_id")
				delete(m, "table")
			}),
			wantErr: []string{
				"event.data.old.title: is required",
				"event.data.old.user_id: is required",
				"table.name: is required",
			},
		},
		{
			name:    "update without old",
			raw:     mutate(func(m map[string]any) { delete(dataOf(m), "old") }),
			wantErr: []string{"event.data.old: is required for UPDATE"},
		},
		{
			name: "insert with old",
			raw:  mutate(func(m map[string]any) { eventOf(m)["op"] = "INSERT" }),
			wantErr: []string{"event.data.old: must be absent for INSERT"},
		},
		{
			name: "delete with new",
			raw:  mutate(func(m map[string]any) { eventOf(m)["op"] = "DELETE" }),
			wantErr: []string{"event.data.new: must be absent for DELETE"},
		},
		{
			name: "mismatched ids",
			raw: mutate(func(m map[string]any) {
				dataOf(m)["old"].(map[string]any)["id"] = "other"
			}),
			wantErr: []string{"event.data.old.id: must match event.data.new.id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p *ChangeEventPayload
			var err error
			require.NotPanics(t, func() { p, err = DecodeString(tt.raw) })
			require.Error(t, err)
			assert.Nil(t, p)

			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			joined := strings.Join(decodeErr.Violations, "\n")
			for _, want := range tt.wantErr {
				assert.Contains(t, joined, want)
			}
		})
	}
}

func TestDecode_InsertWithNullOld(t *testing.T) {
	raw := strings.Replace(validUpdate, `"op": "UPDATE"`, `"op": "INSERT"`, 1)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	m["event"].(map[string]any)["data"].(map[string]any)["old"] = nil
	b, err := json.Marshal(m)
	require.NoError(t, err)

	p, err := Decode(b)
	require.NoError(t, err)
	assert.Nil(t, p.Data.Old)
	assert.Equal(t, OperationInsert, p.Operation)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	record := func(status Status, version int64) *Record {
		return &Record{
			ID:        "abc",
			Type:      "accessibility-declaration",
			Status:    status,
			Version:   version,
			UserID:    "u1",
			Title:     "T",
			Language:  "it",
			Content:   json.RawMessage(`{"values":{"website-url":"https://example.org"}}`),
			CreatedAt: ts.Add(-time.Hour),
			UpdatedAt: ts,
		}
	}

	payloads := []*ChangeEventPayload{
		{
			EventID:      "e-1",
			CreatedAt:    ts,
			Table:        Table{Name: "node", Schema: "public"},
			Trigger:      "node_events",
			Operation:    OperationUpdate,
			Data:         Data{Old: record(StatusNeedsReview, 2), New: record(StatusPublished, 3)},
			DeliveryInfo: DeliveryInfo{CurrentRetry: 1, MaxRetries: 5},
			SessionVariables: map[string]string{
				"x-hasura-role": "admin",
			},
		},
		{
			EventID:   "e-2",
			CreatedAt: ts,
			Table:     Table{Name: "node", Schema: "public"},
			Trigger:   "node_events",
			Operation: OperationInsert,
			Data:      Data{New: record(StatusDraft, 1)},
		},
		{
			EventID:   "e-3",
			CreatedAt: ts,
			Table:     Table{Name: "node", Schema: "public"},
			Trigger:   "node_events",
			Operation: OperationDelete,
			Data:      Data{Old: record(StatusArchived, 7)},
		},
	}

	for _, want := range payloads {
		t.Run(string(want.Operation), func(t *testing.T) {
			raw, err := Encode(want)
			require.NoError(t, err)

			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestRecord_ContentHelpers(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		url      string
		verified bool
	}{
		{"values and metadata", `{"values":{"website-url":"https://a.example"},"metadata":{"verified":true}}`, "https://a.example", true},
		{"no url", `{"values":{}}`, "", false},
		{"url not a string", `{"values":{"website-url":42}}`, "", false},
		{"empty content", ``, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Record{Content: json.RawMessage(tt.content)}
			assert.Equal(t, tt.url, r.StringValue("website-url"))
			assert.Equal(t, tt.verified, r.Verified())
			values, err := r.Values()
			require.NoError(t, err)
			assert.NotNil(t, values)
		})
	}
}

func TestRecord_ValuesInvalidContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"values is a list", `{"values":["https://a.example"],"metadata":{"verified":false}}`},
		{"metadata is a string", `{"values":{},"metadata":"verified"}`},
		{"content is not an object", `"text"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Record{ID: "abc", Content: json.RawMessage(tt.content)}
			values, err := r.Values()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "record abc: invalid content")
			assert.Nil(t, values)
			assert.Empty(t, r.StringValue("website-url"))
		})
	}
}
