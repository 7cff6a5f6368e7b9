package queue

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

func TestTaskPublishingRoundTrip(t *testing.T) {
	task := &models.Task{
		ID:       "task-1",
		URL:      "https://cdn.example.com/index.m3u8",
		Output:   "out.mp4",
		Headers:  models.TaskHeaders{"Cookie": "a=b"},
		Priority: models.TaskPriorityHigh,
	}

	msg, err := taskPublishing(task, 2)
	require.NoError(t, err)

	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, "task-1", msg.MessageId)
	assert.Equal(t, uint8(10), msg.Priority)
	assert.Equal(t, 2, retryCount(msg.Headers))

	decoded, err := decodeTask(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, task.URL, decoded.URL)
	assert.Equal(t, "a=b", decoded.Headers["Cookie"])
}

func TestDecodeTaskRejectsIncompleteMessages(t *testing.T) {
	_, err := decodeTask([]byte(`not json`))
	assert.Error(t, err)

	_, err = decodeTask([]byte(`{"id":"x"}`))
	assert.Error(t, err)
}

func TestPriorityOf(t *testing.T) {
	assert.Equal(t, uint8(0), priorityOf(-3))
	assert.Equal(t, uint8(5), priorityOf(5))
	assert.Equal(t, uint8(MaxPriority), priorityOf(99))
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 0, retryCount(amqp.Table{"x-retry-count": "3"}))
	assert.Equal(t, 3, retryCount(amqp.Table{"x-retry-count": int32(3)}))
	assert.Equal(t, 4, retryCount(amqp.Table{"x-retry-count": int64(4)}))
}

func TestCalculateBackoffDelay(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{3, 4 * time.Minute},
		{10, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoffDelay(tt.retries), "retries=%d", tt.retries)
	}
}
