package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/node-events/internal/queue"
)

type ListJobsRequest struct {
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID       string          `json:"job_id"`
	Queue       string          `json:"queue"`
	State       string          `json:"state"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	RunAt       string          `json:"run_at,omitempty"`
	FinishedAt  string          `json:"finished_at,omitempty"`
}

type StatsResponse struct {
	Queue string       `json:"queue"`
	Jobs  *queue.Stats `json:"jobs"`
}

// NewJobDTO converts a queue job for the API
func NewJobDTO(job *queue.Job) JobDTO {
	return JobDTO{
		JobID:       job.ID,
		Queue:       job.Queue,
		State:       string(job.State),
		Payload:     job.Payload,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		LastError:   job.LastError,
		Reason:      string(job.Reason),
		CreatedAt:   formatTime(job.CreatedAt),
		UpdatedAt:   formatTime(job.UpdatedAt),
		RunAt:       formatTime(job.RunAt),
		FinishedAt:  formatTime(job.FinishedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
