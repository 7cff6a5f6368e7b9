package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

const (
	DefaultQueueName = "hlsmux_tasks"
	ExchangeName     = "hlsmux"

	// MaxPriority is the x-max-priority of the task queue
	MaxPriority = 10
)

// TaskHandler processes one consumed task
type TaskHandler func(ctx context.Context, task *models.Task) error

// Queue provides message queue operations
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	name    string
	logger  *logging.Logger
}

// New creates a new queue client and declares the task, retry and dead letter queues
func New(cfg config.QueueConfig, logger *logging.Logger) (*Queue, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if logger == nil {
		logger = logging.NewNopLogger()
	}
	name := cfg.Name
	if name == "" {
		name = DefaultQueueName
	}

	q := &Queue{conn: conn, channel: channel, name: name, logger: logger}
	if err := q.declare(); err != nil {
		q.Close()
		return nil, err
	}
	if err := q.SetupDeadLetterQueue(); err != nil {
		q.Close()
		return nil, err
	}

	return q, nil
}

func (q *Queue) declare() error {
	// Declare exchange
	err := q.channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare queue
	_, err = q.channel.QueueDeclare(
		q.name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-max-priority": MaxPriority},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	// Bind queue to exchange
	err = q.channel.QueueBind(
		q.name,
		q.name,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// PublishTask publishes a download task to the queue
func (q *Queue) PublishTask(ctx context.Context, task *models.Task) error {
	msg, err := taskPublishing(task, 0)
	if err != nil {
		return err
	}

	err = q.channel.PublishWithContext(ctx,
		ExchangeName,
		q.name,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}

	q.logger.LogTaskEvent(task.ID, "published", task.Status, map[string]interface{}{"queue": q.name})
	return nil
}

// ConsumeTasks starts consuming tasks from the queue. A failed task is sent to
// the retry queue, and to the dead letter queue once its retries are exhausted.
func (q *Queue) ConsumeTasks(ctx context.Context, handler TaskHandler) error {
	// Set QoS to limit concurrent processing
	err := q.channel.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		q.name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				q.handle(ctx, msg, handler)
			}
		}
	}()

	return nil
}

func (q *Queue) handle(ctx context.Context, msg amqp.Delivery, handler TaskHandler) {
	task, err := decodeTask(msg.Body)
	if err != nil {
		q.logger.WithError(err).Warn("dropping malformed task message")
		msg.Nack(false, false)
		return
	}

	if err := handler(ctx, task); err != nil {
		retries := retryCount(msg.Headers)
		q.logger.WithTaskID(task.ID).WithError(err).Warnf("task failed on attempt %d", retries+1)
		if err := q.PublishToRetryQueue(ctx, task, retries); err != nil {
			// Requeue as-is when the retry queue is unavailable
			msg.Nack(false, true)
			return
		}
	}
	msg.Ack(false)
}

// GetQueueDepth returns the number of messages in the queue
func (q *Queue) GetQueueDepth() (int, error) {
	info, err := q.channel.QueueInspect(q.name)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}

func taskPublishing(task *models.Task, retries int) (amqp.Publishing, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal task: %w", err)
	}

	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    task.ID,
		Body:         body,
		Timestamp:    time.Now(),
		Priority:     priorityOf(task.Priority),
		Headers:      amqp.Table{"x-retry-count": int32(retries)},
	}, nil
}

func decodeTask(body []byte) (*models.Task, error) {
	var task models.Task
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if task.ID == "" || task.URL == "" {
		return nil, fmt.Errorf("task message is missing id or url")
	}
	return &task, nil
}

// priorityOf clamps a task priority into the queue's priority range
func priorityOf(priority int) uint8 {
	switch {
	case priority < 0:
		return 0
	case priority > MaxPriority:
		return MaxPriority
	}
	return uint8(priority)
}

func retryCount(headers amqp.Table) int {
	switch v := headers["x-retry-count"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
