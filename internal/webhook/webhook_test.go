package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

func TestWebhookNotify(t *testing.T) {
	var (
		mu       sync.Mutex
		received []*http.Request
		bodies   [][]byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, r)
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	service := NewService(config.WebhookConfig{URLs: []string{server.URL}, Secret: "test-secret"}, nil)

	task := &models.Task{
		ID:        "task-1",
		URL:       "https://cdn.example.com/index.m3u8",
		Status:    models.TaskStatusCompleted,
		Total:     20,
		Completed: 19,
		Failed:    1,
	}

	err := service.NotifyTask(context.Background(), models.WebhookEventTaskCompleted, task)
	require.NoError(t, err)

	require.Len(t, received, 1)
	r := received[0]
	assert.Equal(t, http.MethodPost, r.Method)
	assert.Equal(t, models.WebhookEventTaskCompleted, r.Header.Get("X-Webhook-Event"))
	assert.NotEmpty(t, r.Header.Get("X-Webhook-Delivery"))
	assert.True(t, VerifySignature(bodies[0], "test-secret", r.Header.Get("X-Webhook-Signature")))

	var event struct {
		Event string               `json:"event"`
		Data  models.TaskEventData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &event))
	assert.Equal(t, models.WebhookEventTaskCompleted, event.Event)
	assert.Equal(t, 19, event.Data.Completed)
	assert.Equal(t, 1, event.Data.Failed)

	deliveries := service.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.WebhookDeliveryStatusDelivered, deliveries[0].Status)
	assert.Equal(t, http.StatusOK, deliveries[0].StatusCode)
}

func TestWebhookRetriesUntilDelivered(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	service := NewService(config.WebhookConfig{URLs: []string{server.URL}, MaxRetries: 3}, nil)
	service.backoff = time.Millisecond

	err := service.Notify(context.Background(), models.WebhookEventTaskStarted, map[string]string{"task_id": "t"})
	require.NoError(t, err)

	assert.Equal(t, int64(3), attempts.Load())
	deliveries := service.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, 2, deliveries[0].RetryCount)
	assert.Equal(t, models.WebhookDeliveryStatusDelivered, deliveries[0].Status)
}

func TestWebhookGivesUp(t *testing.T) {
	var attempts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	service := NewService(config.WebhookConfig{URLs: []string{server.URL}, MaxRetries: 1}, nil)
	service.backoff = time.Millisecond

	err := service.Notify(context.Background(), models.WebhookEventTaskFailed, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Equal(t, int64(2), attempts.Load())

	deliveries := service.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.WebhookDeliveryStatusFailed, deliveries[0].Status)
	assert.NotNil(t, deliveries[0].CompletedAt)
}

func TestWebhookDisabled(t *testing.T) {
	service := NewService(config.WebhookConfig{}, nil)
	assert.False(t, service.Enabled())
	assert.NoError(t, service.Notify(context.Background(), models.WebhookEventTaskStarted, nil))
	assert.Empty(t, service.Deliveries())
}

func TestWebhookSignature(t *testing.T) {
	payload := []byte(`{"event":"test"}`)
	secret := "test-secret"

	signature := generateSignature(payload, secret)
	assert.NotEmpty(t, signature)
	assert.Contains(t, signature, "sha256=")
	assert.True(t, VerifySignature(payload, secret, signature))
	assert.False(t, VerifySignature(payload, "other", signature))
}

func TestWebhookDeliveryHistoryIsBounded(t *testing.T) {
	service := NewService(config.WebhookConfig{}, nil)

	for i := 0; i < MaxRecordedDeliveries+5; i++ {
		service.record(models.WebhookDelivery{RetryCount: i})
	}

	deliveries := service.Deliveries()
	require.Len(t, deliveries, MaxRecordedDeliveries)
	assert.Equal(t, 5, deliveries[0].RetryCount)
	assert.Equal(t, MaxRecordedDeliveries+4, deliveries[len(deliveries)-1].RetryCount)
}
