// Package scheduler republishes tasks that were stored but never reached the
// queue, highest priority first.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultBatchSize = 100
)

// Repository defines the interface for task persistence
type Repository interface {
	ListTasks(ctx context.Context, status string, limit, offset int) ([]*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status, errorMsg string) error
}

// Publisher defines the interface for publishing tasks to the queue
type Publisher interface {
	PublishTask(ctx context.Context, task *models.Task) error
}

// Scheduler drains pending tasks into the queue
type Scheduler struct {
	mu        sync.Mutex
	queue     *PriorityQueue
	queued    map[string]bool
	repo      Repository
	publisher Publisher
	logger    *logging.Logger
	interval  time.Duration
	batchSize int
}

// New creates a new scheduler
func New(repo Repository, publisher Publisher, logger *logging.Logger, interval time.Duration, batchSize int) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	pq := &PriorityQueue{}
	heap.Init(pq)

	return &Scheduler{
		queue:     pq,
		queued:    make(map[string]bool),
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run sweeps every interval until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorWithErr("task sweep failed", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep loads pending tasks and publishes them in priority order. It returns
// how many were published. On a publish failure it stops and the remaining
// tasks are retried on the next sweep.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	tasks, err := s.repo.ListTasks(ctx, models.TaskStatusPending, s.batchSize, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Rebuild from the store so tasks queued elsewhere are not published twice
	s.queue = &PriorityQueue{}
	s.queued = make(map[string]bool)
	for _, task := range tasks {
		s.push(task)
	}

	published := 0
	for s.queue.Len() > 0 {
		item := heap.Pop(s.queue).(*QueueItem)
		task := item.Task
		task.Status = models.TaskStatusQueued

		if err := s.publisher.PublishTask(ctx, task); err != nil {
			task.Status = models.TaskStatusPending
			heap.Push(s.queue, item)
			return published, fmt.Errorf("failed to publish task %s: %w", task.ID, err)
		}
		delete(s.queued, task.ID)

		if err := s.repo.UpdateTaskStatus(ctx, task.ID, models.TaskStatusQueued, ""); err != nil {
			s.logger.WithTaskID(task.ID).ErrorWithErr("failed to mark task queued", err)
		}

		published++
		s.logger.WithTaskID(task.ID).WithField("priority", task.Priority).Info("scheduled pending task")
	}

	return published, nil
}

// Depth returns the number of tasks left unpublished by the last sweep
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) push(task *models.Task) {
	if s.queued[task.ID] {
		return
	}
	s.queued[task.ID] = true
	heap.Push(s.queue, &QueueItem{
		Task:      task,
		Priority:  task.Priority,
		Timestamp: task.CreatedAt,
	})
}

// PriorityQueue implements a priority queue for tasks
type PriorityQueue []*QueueItem

// QueueItem represents a task in the priority queue
type QueueItem struct {
	Task      *models.Task
	Priority  int
	Timestamp time.Time
	Index     int
}

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	// Higher priority first
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	// If same priority, FIFO (earlier timestamp first)
	return pq[i].Timestamp.Before(pq[j].Timestamp)
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].Index = i
	pq[j].Index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*QueueItem)
	item.Index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	*pq = old[0 : n-1]
	return item
}
