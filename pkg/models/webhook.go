package models

import (
	"time"
)

// WebhookDelivery represents a single webhook delivery attempt
type WebhookDelivery struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Event       string     `json:"event"`
	Status      string     `json:"status"`
	StatusCode  int        `json:"status_code"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WebhookDeliveryStatus constants
const (
	WebhookDeliveryStatusPending   = "pending"
	WebhookDeliveryStatusDelivered = "delivered"
	WebhookDeliveryStatusFailed    = "failed"
)

// WebhookEvent represents the payload sent to webhooks
type WebhookEvent struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// TaskEventData is the data section of a task webhook
type TaskEventData struct {
	TaskID    string `json:"task_id"`
	URL       string `json:"url"`
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	OutputURL string `json:"output_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Webhook event types
const (
	WebhookEventTaskStarted   = "task.started"
	WebhookEventTaskCompleted = "task.completed"
	WebhookEventTaskFailed    = "task.failed"
	WebhookEventTaskStopped   = "task.stopped"
	WebhookEventTaskUploaded  = "task.uploaded"
)
