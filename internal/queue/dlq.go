package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

const (
	DeadLetterQueueName    = "hlsmux_tasks_dlq"
	DeadLetterExchangeName = "hlsmux_dlq"
	RetryQueueName         = "hlsmux_tasks_retry"
	MaxRetries             = 3
)

// SetupDeadLetterQueue sets up the dead letter queue infrastructure
func (q *Queue) SetupDeadLetterQueue() error {
	// Declare dead letter exchange
	err := q.channel.ExchangeDeclare(
		DeadLetterExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}

	// Declare dead letter queue
	_, err = q.channel.QueueDeclare(
		DeadLetterQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	// Bind DLQ to exchange
	err = q.channel.QueueBind(
		DeadLetterQueueName,
		DeadLetterQueueName,
		DeadLetterExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}

	// Expired retry messages are dead-lettered back onto the task queue
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    ExchangeName,
		"x-dead-letter-routing-key": q.name,
	}

	_, err = q.channel.QueueDeclare(
		RetryQueueName,
		true,
		false,
		false,
		false,
		retryArgs,
	)
	if err != nil {
		return fmt.Errorf("failed to declare retry queue: %w", err)
	}

	q.logger.Debug("dead letter queue infrastructure set up")
	return nil
}

// PublishToRetryQueue schedules a failed task for another attempt after a backoff delay
func (q *Queue) PublishToRetryQueue(ctx context.Context, task *models.Task, retries int) error {
	if retries >= MaxRetries {
		return q.PublishToDeadLetterQueue(ctx, task, "max retries exceeded")
	}

	msg, err := taskPublishing(task, retries+1)
	if err != nil {
		return err
	}

	delay := calculateBackoffDelay(retries)
	msg.Expiration = fmt.Sprintf("%d", delay.Milliseconds())

	err = q.channel.PublishWithContext(ctx,
		"",
		RetryQueueName,
		false,
		false,
		msg,
	)
	if err != nil {
		return fmt.Errorf("failed to publish to retry queue: %w", err)
	}

	q.logger.WithTaskID(task.ID).Infof("task queued for retry #%d in %v", retries+1, delay)
	return nil
}

// PublishToDeadLetterQueue publishes a failed task to the dead letter queue
func (q *Queue) PublishToDeadLetterQueue(ctx context.Context, task *models.Task, reason string) error {
	msg, err := taskPublishing(task, 0)
	if err != nil {
		return err
	}
	msg.Headers["x-failure-reason"] = reason
	msg.Headers["x-failed-at"] = time.Now().Format(time.RFC3339)

	err = q.channel.PublishWithContext(ctx,
		DeadLetterExchangeName,
		DeadLetterQueueName,
		false,
		false,
		msg,
	)
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	q.logger.WithTaskID(task.ID).Warnf("task moved to dead letter queue: %s", reason)
	return nil
}

// GetDLQDepth returns the number of messages in the dead letter queue
func (q *Queue) GetDLQDepth() (int, error) {
	info, err := q.channel.QueueInspect(DeadLetterQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect DLQ: %w", err)
	}

	return info.Messages, nil
}

// calculateBackoffDelay calculates exponential backoff delay
func calculateBackoffDelay(retries int) time.Duration {
	// Exponential backoff: 30s, 1min, 2min, 4min...
	baseDelay := 30 * time.Second
	delay := baseDelay * (1 << retries)

	// Cap at 30 minutes
	if delay > 30*time.Minute {
		delay = 30 * time.Minute
	}

	return delay
}
