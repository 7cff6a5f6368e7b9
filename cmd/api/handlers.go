package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/cache"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/database"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	stopFlagTTL      = 24 * time.Hour
)

// TaskRepository is the subset of database.Repository used by the API
type TaskRepository interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, status string, limit, offset int) ([]*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status, errorMsg string) error
	GetTaskStats(ctx context.Context) (database.TaskStats, error)
	GetAverageProcessTime(ctx context.Context) (float64, error)
	GetActiveWorkers(ctx context.Context) (int, error)
}

// TaskQueue publishes tasks to workers
type TaskQueue interface {
	PublishTask(ctx context.Context, task *models.Task) error
	GetQueueDepth() (int, error)
	GetDLQDepth() (int, error)
}

// TaskCache exposes live progress and stop flags
type TaskCache interface {
	GetTaskProgress(ctx context.Context, taskID string) (*cache.Progress, error)
	RequestStop(ctx context.Context, taskID, reason string, ttl time.Duration) error
}

// API serves the task endpoints
type API struct {
	repo   TaskRepository
	queue  TaskQueue
	cache  TaskCache
	health func(ctx context.Context) error
	logger *logging.Logger
}

type createTaskRequest struct {
	URL      string            `json:"url" binding:"required"`
	Output   string            `json:"output"`
	BaseURL  string            `json:"base_url"`
	Headers  map[string]string `json:"headers"`
	Priority *int              `json:"priority"`
}

type stopTaskRequest struct {
	Reason string `json:"reason"`
}

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if api.health != nil {
		if err := api.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// Create task endpoint
func (api *API) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.BaseURL != "" {
		if err := validateURL(req.BaseURL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "base_url: " + err.Error()})
			return
		}
	}

	task := &models.Task{
		URL:      req.URL,
		Output:   req.Output,
		BaseURL:  req.BaseURL,
		Headers:  req.Headers,
		Status:   models.TaskStatusQueued,
		Priority: models.TaskPriorityNormal,
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}

	if err := api.repo.CreateTask(c.Request.Context(), task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to create task: %v", err)})
		return
	}

	if err := api.queue.PublishTask(c.Request.Context(), task); err != nil {
		// Left pending, the scheduler publishes it on its next sweep
		api.logger.WithTaskID(task.ID).ErrorWithErr("failed to queue task", err)
		if uerr := api.repo.UpdateTaskStatus(c.Request.Context(), task.ID, models.TaskStatusPending, ""); uerr != nil {
			api.logger.WithTaskID(task.ID).ErrorWithErr("failed to mark task pending", uerr)
		}
		task.Status = models.TaskStatusPending
		c.JSON(http.StatusAccepted, task)
		return
	}

	api.logger.LogTaskEvent(task.ID, "queued", task.Status, map[string]interface{}{"url": task.URL})
	c.JSON(http.StatusCreated, task)
}

// Get task endpoint. Running tasks include their live progress.
func (api *API) getTask(c *gin.Context) {
	taskID := c.Param("id")

	task, err := api.repo.GetTask(c.Request.Context(), taskID)
	if errors.Is(err, database.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	response := gin.H{"task": task, "progress": task.Progress()}
	if task.Status == models.TaskStatusRunning {
		live, err := api.cache.GetTaskProgress(c.Request.Context(), taskID)
		if err != nil {
			api.logger.WithTaskID(taskID).ErrorWithErr("failed to read live progress", err)
		} else if live != nil {
			response["live"] = live
		}
	}

	c.JSON(http.StatusOK, response)
}

// List tasks endpoint
func (api *API) listTasks(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultListLimit)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid offset"})
		return
	}

	status := c.Query("status")
	tasks, err := api.repo.ListTasks(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks":  tasks,
		"limit":  limit,
		"offset": offset,
	})
}

// Stop task endpoint. The worker running the task picks the flag up.
func (api *API) stopTask(c *gin.Context) {
	taskID := c.Param("id")

	var req stopTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	task, err := api.repo.GetTask(c.Request.Context(), taskID)
	if errors.Is(err, database.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if models.IsFinished(task.Status) {
		c.JSON(http.StatusConflict, gin.H{"error": "Task already finished", "status": task.Status})
		return
	}

	if err := api.cache.RequestStop(c.Request.Context(), taskID, req.Reason, stopFlagTTL); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to request stop: %v", err)})
		return
	}

	api.logger.LogTaskEvent(taskID, "stop_requested", task.Status, map[string]interface{}{"reason": req.Reason})
	c.JSON(http.StatusAccepted, gin.H{"message": "Stop requested", "task_id": taskID})
}

// Task statistics endpoint. Queue depths are omitted when the broker
// cannot be inspected.
func (api *API) taskStats(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := api.repo.GetTaskStats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	avg, err := api.repo.GetAverageProcessTime(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	workers, err := api.repo.GetActiveWorkers(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	response := gin.H{
		"tasks":               stats,
		"avg_process_seconds": avg,
		"active_workers":      workers,
	}

	if depth, err := api.queue.GetQueueDepth(); err != nil {
		api.logger.ErrorWithErr("failed to inspect task queue", err)
	} else {
		response["queue_depth"] = depth
	}
	if depth, err := api.queue.GetDLQDepth(); err != nil {
		api.logger.ErrorWithErr("failed to inspect dead letter queue", err)
	} else {
		response["dead_letter_depth"] = depth
	}

	c.JSON(http.StatusOK, response)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	return nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
