// Package downloader runs queued tasks through the pipeline and persists
// their lifecycle to the task store, cache, object storage and webhooks.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/cache"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/storage"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/tracing"
	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

var (
	// ErrTaskLocked is returned when another worker holds the task
	ErrTaskLocked = errors.New("task is locked by another worker")
	// ErrTooManyFailures marks a run whose failed segment ratio exceeded the limit
	ErrTooManyFailures = errors.New("too many segments failed")
)

// TaskStore persists task records
type TaskStore interface {
	MarkTaskRunning(ctx context.Context, id, workerID string) error
	UpdateTaskProgress(ctx context.Context, id string, total, completed, failed int) error
	CompleteTask(ctx context.Context, task *models.Task) error
}

// StateCache holds locks, live progress and stop flags
type StateCache interface {
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource string) error
	SetTaskProgress(ctx context.Context, progress *cache.Progress, ttl time.Duration) error
	StopRequested(ctx context.Context, taskID string) (string, bool, error)
	ClearStop(ctx context.Context, taskID string) error
}

// ObjectStore receives finished output files
type ObjectStore interface {
	UploadFile(ctx context.Context, objectName, filePath string) (int64, error)
	GetURL(ctx context.Context, objectName string) (string, error)
}

// Notifier announces task lifecycle events
type Notifier interface {
	NotifyTask(ctx context.Context, event string, task *models.Task) error
}

// Option customises a Service
type Option func(*Service)

// WithObjectStore uploads finished files to objects
func WithObjectStore(objects ObjectStore) Option {
	return func(s *Service) { s.objects = objects }
}

// WithNotifier sends lifecycle webhooks through n
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithControllerOptions passes extra options to every pipeline controller
func WithControllerOptions(opts ...pipeline.Option) Option {
	return func(s *Service) { s.controllerOpts = append(s.controllerOpts, opts...) }
}

// Service processes tasks one controller per task
type Service struct {
	cfg      config.DownloaderConfig
	pipeline config.PipelineConfig
	store    TaskStore
	state    StateCache
	objects  ObjectStore
	notifier Notifier
	logger   *logging.Logger
	workerID string

	controllerOpts []pipeline.Option

	mu      sync.Mutex
	running map[string]*pipeline.Controller
}

// NewService creates a new downloader service
func NewService(
	cfg config.DownloaderConfig,
	pipelineCfg config.PipelineConfig,
	store TaskStore,
	state StateCache,
	logger *logging.Logger,
	options ...Option,
) *Service {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.New().String()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Hour
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 2 * time.Second
	}
	if cfg.StopPollInterval <= 0 {
		cfg.StopPollInterval = 500 * time.Millisecond
	}
	// zero is a real policy: any failed segment fails the task
	if cfg.MaxFailureRatio < 0 {
		cfg.MaxFailureRatio = 1
	}

	s := &Service{
		cfg:      cfg,
		pipeline: pipelineCfg,
		store:    store,
		state:    state,
		logger:   logger.WithWorkerID(cfg.WorkerID),
		workerID: cfg.WorkerID,
		running:  make(map[string]*pipeline.Controller),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// WorkerID returns the identifier recorded on tasks this service runs
func (s *Service) WorkerID() string {
	return s.workerID
}

// Running returns the IDs of tasks currently running on this worker
func (s *Service) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// Stop stops a task running on this worker. It reports whether the task was found.
func (s *Service) Stop(taskID, reason string) bool {
	s.mu.Lock()
	ctrl, ok := s.running[taskID]
	s.mu.Unlock()
	if ok {
		ctrl.Stop(reason)
	}
	return ok
}

// ProcessTask downloads and muxes one task. A stopped task is not an error.
func (s *Service) ProcessTask(ctx context.Context, task *models.Task) error {
	span, ctx := tracing.StartTaskSpan(ctx, "downloader.process", task.ID)
	defer tracing.FinishSpan(span)

	logger := s.logger.WithTaskID(task.ID).WithContext(ctx)
	lockKey := "task:" + task.ID

	acquired, err := s.state.AcquireLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire task lock: %w", err)
	}
	if !acquired {
		return ErrTaskLocked
	}
	defer func() {
		if err := s.state.ReleaseLock(context.WithoutCancel(ctx), lockKey); err != nil {
			logger.ErrorWithErr("failed to release task lock", err)
		}
	}()

	if reason, requested, err := s.state.StopRequested(ctx, task.ID); err == nil && requested {
		logger.WithField("reason", reason).Info("task stopped before start")
		persistCtx := context.WithoutCancel(ctx)
		task.Status = models.TaskStatusStopped
		if err := s.state.ClearStop(persistCtx, task.ID); err != nil {
			logger.ErrorWithErr("failed to clear stop flag", err)
		}
		if err := s.store.CompleteTask(persistCtx, task); err != nil {
			logger.ErrorWithErr("failed to persist task result", err)
		}
		if err := s.notify(persistCtx, models.WebhookEventTaskStopped, task); err != nil {
			logger.ErrorWithErr("failed to deliver webhook", err)
		}
		return nil
	}

	if err := s.store.MarkTaskRunning(ctx, task.ID, s.workerID); err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	now := time.Now()
	task.Status = models.TaskStatusRunning
	task.WorkerID = s.workerID
	task.StartedAt = &now
	task.Output = s.resolveOutput(task)

	// The started webhook must not hold up the download
	started := *task
	var notifications errgroup.Group
	notifications.Go(func() error {
		return s.notify(ctx, models.WebhookEventTaskStarted, &started)
	})

	result, runErr := s.run(ctx, task, logger)
	s.settle(ctx, task, result, runErr)

	persistCtx := context.WithoutCancel(ctx)
	if err := s.state.ClearStop(persistCtx, task.ID); err != nil {
		logger.ErrorWithErr("failed to clear stop flag", err)
	}
	if err := s.store.CompleteTask(persistCtx, task); err != nil {
		logger.ErrorWithErr("failed to persist task result", err)
	}
	s.publish(persistCtx, task, task.Status, nil)

	if err := notifications.Wait(); err != nil {
		logger.ErrorWithErr("failed to deliver started webhook", err)
	}
	if err := s.notify(persistCtx, finishEvent(task.Status), task); err != nil {
		logger.ErrorWithErr("failed to deliver webhook", err)
	}

	logger.LogTaskEvent(task.ID, "finished", task.Status, map[string]interface{}{
		"total":     task.Total,
		"completed": task.Completed,
		"failed":    task.Failed,
	})

	tracing.SetTag(span, "status", task.Status)
	switch {
	case task.Status == models.TaskStatusFailed:
		err := fmt.Errorf("task %s failed: %s", task.ID, task.ErrorMsg)
		tracing.LogError(span, err)
		return err
	case ctx.Err() != nil:
		// Worker shutdown, hand the task back to the queue
		return ctx.Err()
	}
	return nil
}

// run drives the controller while reporting progress and watching the stop flag
func (s *Service) run(ctx context.Context, task *models.Task, logger *logging.Logger) (*pipeline.Result, error) {
	ctrl, err := pipeline.New(s.options(), append([]pipeline.Option{pipeline.WithLogger(logger)}, s.controllerOpts...)...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.running[task.ID] = ctrl
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
	}()

	// State changes are reported immediately, counters on the progress interval
	kick := make(chan struct{}, 1)
	unsubscribe := ctrl.Subscribe(func(e pipeline.Event) {
		if e.Type == pipeline.EventState {
			select {
			case kick <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	watchCtx, stopWatching := context.WithCancel(ctx)
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		s.watch(watchCtx, task, ctrl, kick)
	}()

	result, err := ctrl.Run(ctx, *task)
	stopWatching()
	watcher.Wait()

	return result, err
}

func (s *Service) watch(ctx context.Context, task *models.Task, ctrl *pipeline.Controller, kick <-chan struct{}) {
	progress := time.NewTicker(s.cfg.ProgressInterval)
	defer progress.Stop()
	poll := time.NewTicker(s.cfg.StopPollInterval)
	defer poll.Stop()

	report := func() {
		status := ctrl.Status()
		s.publish(ctx, task, string(status.State), &status)
		if err := s.store.UpdateTaskProgress(ctx, task.ID, status.Total, status.Completed, status.Failed); err != nil && ctx.Err() == nil {
			s.logger.WithTaskID(task.ID).ErrorWithErr("failed to store task progress", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			report()
		case <-progress.C:
			report()
		case <-poll.C:
			reason, requested, err := s.state.StopRequested(ctx, task.ID)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.WithTaskID(task.ID).ErrorWithErr("failed to check stop flag", err)
				}
				continue
			}
			// Stop is a no-op until the run is active, so keep polling
			if requested && ctrl.State().Active() {
				s.logger.WithTaskID(task.ID).WithField("reason", reason).Info("stop requested")
				ctrl.Stop(reason)
			}
		}
	}
}

// settle copies the run outcome onto task and uploads completed output
func (s *Service) settle(ctx context.Context, task *models.Task, result *pipeline.Result, runErr error) {
	if result != nil {
		task.Total = result.Total
		task.Completed = result.Completed
		task.Failed = result.Failed
	}

	switch {
	case errors.Is(runErr, pipeline.ErrStopped), errors.Is(runErr, context.Canceled):
		task.Status = models.TaskStatusStopped
		if task.Output != "" {
			os.Remove(task.Output)
		}
		return
	case runErr != nil:
		task.Status = models.TaskStatusFailed
		task.ErrorMsg = runErr.Error()
		return
	}

	if task.Total > 0 && float64(task.Failed)/float64(task.Total) > s.cfg.MaxFailureRatio {
		task.Status = models.TaskStatusFailed
		task.ErrorMsg = fmt.Errorf("%w: %d of %d", ErrTooManyFailures, task.Failed, task.Total).Error()
		return
	}

	if s.objects != nil {
		if err := s.upload(ctx, task); err != nil {
			task.Status = models.TaskStatusFailed
			task.ErrorMsg = err.Error()
			return
		}
	}

	task.Status = models.TaskStatusCompleted
}

func (s *Service) upload(ctx context.Context, task *models.Task) error {
	object := storage.ObjectName(task.ID, task.Output)
	if _, err := s.objects.UploadFile(ctx, object, task.Output); err != nil {
		return fmt.Errorf("failed to upload output: %w", err)
	}

	url, err := s.objects.GetURL(ctx, object)
	if err != nil {
		return fmt.Errorf("failed to get output url: %w", err)
	}
	task.OutputURL = url

	if err := s.notify(ctx, models.WebhookEventTaskUploaded, task); err != nil {
		s.logger.WithTaskID(task.ID).ErrorWithErr("failed to deliver webhook", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, task *models.Task, state string, status *pipeline.Status) {
	progress := &cache.Progress{
		TaskID:    task.ID,
		State:     state,
		Total:     task.Total,
		Completed: task.Completed,
		Failed:    task.Failed,
		UpdatedAt: time.Now().UTC(),
	}
	if status != nil {
		progress.Total = status.Total
		progress.Completed = status.Completed
		progress.Failed = status.Failed
		progress.Metrics = status.Metrics
	}

	if err := s.state.SetTaskProgress(ctx, progress, s.cfg.LockTTL); err != nil && ctx.Err() == nil {
		s.logger.WithTaskID(task.ID).ErrorWithErr("failed to cache task progress", err)
	}
}

func (s *Service) notify(ctx context.Context, event string, task *models.Task) error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.NotifyTask(ctx, event, task)
}

func (s *Service) options() pipeline.Options {
	p := s.pipeline
	return pipeline.Options{
		Concurrency:       p.Concurrency,
		Retry:             p.Retry,
		Timeout:           p.Timeout,
		UserAgent:         p.UserAgent,
		RequestsPerSecond: p.RequestsPerSecond,
		MemoryThreshold:   p.MemoryThreshold,
		PoolChunkSize:     p.PoolChunkSize,
		PoolMaxSize:       p.PoolMaxSize,
		TempDir:           p.TempDir,
		MaxErrors:         p.MaxErrors,
		StrictURLs:        p.StrictURLs,
		MetricsInterval:   p.MetricsInterval,
	}
}

// resolveOutput keeps every output inside the configured output directory
func (s *Service) resolveOutput(task *models.Task) string {
	name := filepath.Base(task.Output)
	if task.Output == "" || name == "." || name == string(filepath.Separator) {
		name = task.ID + ".mp4"
	}
	return filepath.Join(s.cfg.OutputDir, task.ID, name)
}

func finishEvent(status string) string {
	switch status {
	case models.TaskStatusCompleted:
		return models.WebhookEventTaskCompleted
	case models.TaskStatusStopped:
		return models.WebhookEventTaskStopped
	default:
		return models.WebhookEventTaskFailed
	}
}
