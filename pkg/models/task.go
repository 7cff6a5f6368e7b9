package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Task represents one HLS to MP4 download task
type Task struct {
	ID          string      `json:"id" db:"id"`
	URL         string      `json:"url" db:"url"`
	Output      string      `json:"output" db:"output"`
	Manifest    string      `json:"manifest,omitempty" db:"-"`
	BaseURL     string      `json:"base_url,omitempty" db:"base_url"`
	Headers     TaskHeaders `json:"headers,omitempty" db:"headers"`
	Status      string      `json:"status" db:"status"`
	Priority    int         `json:"priority" db:"priority"`
	Total       int         `json:"total" db:"total"`
	Completed   int         `json:"completed" db:"completed"`
	Failed      int         `json:"failed" db:"failed"`
	ErrorMsg    string      `json:"error_msg,omitempty" db:"error_msg"`
	OutputURL   string      `json:"output_url,omitempty" db:"output_url"`
	WorkerID    string      `json:"worker_id,omitempty" db:"worker_id"`
	StartedAt   *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// Progress returns the fraction of settled segments, 0 when unknown
func (t *Task) Progress() float64 {
	if t.Total <= 0 {
		return 0
	}
	return float64(t.Completed+t.Failed) / float64(t.Total)
}

// TaskHeaders holds the HTTP headers sent with every manifest, key and segment request
type TaskHeaders map[string]string

// Value implements driver.Valuer for database storage
func (h TaskHeaders) Value() (driver.Value, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(h)
}

// Scan implements sql.Scanner for database retrieval
func (h *TaskHeaders) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, h)
}

// TaskStatus constants
const (
	TaskStatusPending   = "pending"
	TaskStatusQueued    = "queued"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusStopped   = "stopped"
)

// IsFinished returns true if the status is terminal
func IsFinished(status string) bool {
	return status == TaskStatusCompleted || status == TaskStatusFailed || status == TaskStatusStopped
}

// TaskPriority constants
const (
	TaskPriorityLow    = 0
	TaskPriorityNormal = 5
	TaskPriorityHigh   = 10
)
