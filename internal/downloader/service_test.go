package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/cache"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/ts/tstest"
	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

// MockTaskStore is a mock implementation of TaskStore
type MockTaskStore struct {
	mock.Mock

	mu       sync.Mutex
	finished *models.Task
}

func (m *MockTaskStore) MarkTaskRunning(ctx context.Context, id, workerID string) error {
	args := m.Called(ctx, id, workerID)
	return args.Error(0)
}

func (m *MockTaskStore) UpdateTaskProgress(ctx context.Context, id string, total, completed, failed int) error {
	args := m.Called(ctx, id, total, completed, failed)
	return args.Error(0)
}

func (m *MockTaskStore) CompleteTask(ctx context.Context, task *models.Task) error {
	args := m.Called(ctx, task)
	m.mu.Lock()
	copied := *task
	m.finished = &copied
	m.mu.Unlock()
	return args.Error(0)
}

func (m *MockTaskStore) Finished() *models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

// MockObjectStore is a mock implementation of ObjectStore
type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) UploadFile(ctx context.Context, objectName, filePath string) (int64, error) {
	args := m.Called(ctx, objectName, filePath)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockObjectStore) GetURL(ctx context.Context, objectName string) (string, error) {
	args := m.Called(ctx, objectName)
	return args.String(0), args.Error(1)
}

type notifications struct {
	mu     sync.Mutex
	events []string
}

func (n *notifications) NotifyTask(ctx context.Context, event string, task *models.Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *notifications) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type hlsServer struct {
	*httptest.Server
	segments int
	missing  map[int]bool
	block    chan struct{}
}

func newHLSServer(t *testing.T, segments int) *hlsServer {
	s := &hlsServer{segments: segments, missing: map[int]bool{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(func() {
		if s.block != nil {
			close(s.block)
		}
		s.Close()
	})
	return s
}

func (s *hlsServer) manifestURL() string {
	return s.URL + "/live/index.m3u8"
}

func (s *hlsServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/live/index.m3u8" {
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:0\n")
		for i := 0; i < s.segments; i++ {
			fmt.Fprintf(&b, "#EXTINF:0.2,\nseg%d.ts\n", i)
		}
		b.WriteString("#EXT-X-ENDLIST\n")
		io.WriteString(w, b.String())
		return
	}

	seq, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/live/seg"), ".ts"))
	if err != nil || seq >= s.segments || s.missing[seq] {
		http.NotFound(w, r)
		return
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-r.Context().Done():
			return
		}
	}
	w.Write(tstest.Segment(tstest.SegmentOptions{Frames: 3, StartPTS: int64(seq*3)*3000 + 90000}))
}

type fixture struct {
	service  *Service
	store    *MockTaskStore
	cache    *cache.Cache
	notifier *notifications
	outDir   string
}

func newFixture(t *testing.T, options ...Option) *fixture {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := cache.NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	f := &fixture{
		store:    new(MockTaskStore),
		cache:    c,
		notifier: &notifications{},
		outDir:   t.TempDir(),
	}

	cfg := config.DownloaderConfig{
		WorkerID:         "worker-1",
		OutputDir:        f.outDir,
		LockTTL:          time.Minute,
		ProgressInterval: 20 * time.Millisecond,
		StopPollInterval: 10 * time.Millisecond,
		MaxFailureRatio:  1,
	}
	pipelineCfg := config.PipelineConfig{
		Concurrency: 2,
		Retry:       0,
		Timeout:     2 * time.Second,
		TempDir:     t.TempDir(),
	}

	options = append([]Option{WithNotifier(f.notifier)}, options...)
	f.service = NewService(cfg, pipelineCfg, f.store, c, logging.NewNopLogger(), options...)
	return f
}

func (f *fixture) expectRun(taskID string) {
	f.store.On("MarkTaskRunning", mock.Anything, taskID, "worker-1").Return(nil)
	f.store.On("UpdateTaskProgress", mock.Anything, taskID, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	f.store.On("CompleteTask", mock.Anything, mock.Anything).Return(nil)
}

func TestProcessTaskCompletesAndUploads(t *testing.T) {
	server := newHLSServer(t, 4)
	objects := new(MockObjectStore)
	f := newFixture(t, WithObjectStore(objects))
	f.expectRun("task-1")

	expectedPath := filepath.Join(f.outDir, "task-1", "video.mp4")
	objects.On("UploadFile", mock.Anything, "tasks/task-1/video.mp4", expectedPath).Return(int64(1024), nil)
	objects.On("GetURL", mock.Anything, "tasks/task-1/video.mp4").Return("http://minio/tasks/task-1/video.mp4", nil)

	task := &models.Task{ID: "task-1", URL: server.manifestURL(), Output: "../../elsewhere/video.mp4"}
	err := f.service.ProcessTask(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, expectedPath, task.Output)
	assert.Equal(t, 4, task.Total)
	assert.Equal(t, 4, task.Completed)
	assert.Equal(t, "http://minio/tasks/task-1/video.mp4", task.OutputURL)

	info, err := os.Stat(expectedPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	finished := f.store.Finished()
	require.NotNil(t, finished)
	assert.Equal(t, models.TaskStatusCompleted, finished.Status)
	assert.Equal(t, "worker-1", finished.WorkerID)

	progress, err := f.cache.GetTaskProgress(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, models.TaskStatusCompleted, progress.State)
	assert.Equal(t, 4, progress.Completed)

	assert.ElementsMatch(t, []string{
		models.WebhookEventTaskStarted,
		models.WebhookEventTaskUploaded,
		models.WebhookEventTaskCompleted,
	}, f.notifier.Events())

	// The lock is released once the task finishes
	acquired, err := f.cache.AcquireLock(context.Background(), "task:task-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	objects.AssertExpectations(t)
	f.store.AssertExpectations(t)
}

func TestProcessTaskLocked(t *testing.T) {
	f := newFixture(t)

	acquired, err := f.cache.AcquireLock(context.Background(), "task:task-2", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	err = f.service.ProcessTask(context.Background(), &models.Task{ID: "task-2", URL: "http://unused/index.m3u8"})
	assert.ErrorIs(t, err, ErrTaskLocked)
	f.store.AssertNotCalled(t, "MarkTaskRunning", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessTaskStoppedBeforeStart(t *testing.T) {
	f := newFixture(t)
	f.store.On("CompleteTask", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.cache.RequestStop(context.Background(), "task-3", "cancelled", time.Minute))

	task := &models.Task{ID: "task-3", URL: "http://unused/index.m3u8"}
	require.NoError(t, f.service.ProcessTask(context.Background(), task))

	assert.Equal(t, models.TaskStatusStopped, task.Status)
	assert.Equal(t, []string{models.WebhookEventTaskStopped}, f.notifier.Events())
	f.store.AssertNotCalled(t, "MarkTaskRunning", mock.Anything, mock.Anything, mock.Anything)

	_, requested, err := f.cache.StopRequested(context.Background(), "task-3")
	require.NoError(t, err)
	assert.False(t, requested)
}

func TestProcessTaskStopsOnStopFlag(t *testing.T) {
	server := newHLSServer(t, 4)
	server.block = make(chan struct{})

	f := newFixture(t)
	f.store.On("MarkTaskRunning", mock.Anything, "task-4", "worker-1").Return(nil).Run(func(mock.Arguments) {
		f.cache.RequestStop(context.Background(), "task-4", "user requested", time.Minute)
	})
	f.store.On("UpdateTaskProgress", mock.Anything, "task-4", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	f.store.On("CompleteTask", mock.Anything, mock.Anything).Return(nil)

	task := &models.Task{ID: "task-4", URL: server.manifestURL()}

	done := make(chan error, 1)
	go func() { done <- f.service.ProcessTask(context.Background(), task) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not stop")
	}

	assert.Equal(t, models.TaskStatusStopped, task.Status)
	assert.Equal(t, 0, task.Completed)
	assert.Contains(t, f.notifier.Events(), models.WebhookEventTaskStopped)
	assert.Empty(t, f.service.Running())

	_, err := os.Stat(task.Output)
	assert.True(t, os.IsNotExist(err), "partial output should be removed")
}

func TestProcessTaskFailureRatio(t *testing.T) {
	server := newHLSServer(t, 4)
	server.missing[1] = true
	server.missing[2] = true

	f := newFixture(t)
	f.service.cfg.MaxFailureRatio = 0.25
	f.expectRun("task-5")

	task := &models.Task{ID: "task-5", URL: server.manifestURL()}
	err := f.service.ProcessTask(context.Background(), task)
	require.Error(t, err)

	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, 2, task.Failed)
	assert.Contains(t, task.ErrorMsg, ErrTooManyFailures.Error())
	assert.Contains(t, f.notifier.Events(), models.WebhookEventTaskFailed)
}

func TestProcessTaskZeroFailureRatioFailsOnAnyFailure(t *testing.T) {
	server := newHLSServer(t, 4)
	server.missing[3] = true

	f := newFixture(t)
	f.service.cfg.MaxFailureRatio = 0
	f.expectRun("task-9")

	task := &models.Task{ID: "task-9", URL: server.manifestURL()}
	err := f.service.ProcessTask(context.Background(), task)
	require.Error(t, err)

	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, 1, task.Failed)
	assert.Contains(t, task.ErrorMsg, ErrTooManyFailures.Error())
}

func TestNewServiceFailureRatioDefault(t *testing.T) {
	tests := []struct {
		name  string
		ratio float64
		want  float64
	}{
		{"unset", -1, 1},
		{"zero kept", 0, 0},
		{"explicit", 0.5, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DownloaderConfig{WorkerID: "w", MaxFailureRatio: tt.ratio}
			s := NewService(cfg, config.PipelineConfig{}, nil, nil, logging.NewNopLogger())
			assert.Equal(t, tt.want, s.cfg.MaxFailureRatio)
		})
	}
}

func TestProcessTaskManifestNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	f := newFixture(t)
	f.expectRun("task-6")

	task := &models.Task{ID: "task-6", URL: server.URL + "/missing.m3u8"}
	err := f.service.ProcessTask(context.Background(), task)
	require.Error(t, err)

	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, task.ErrorMsg, "fetch manifest")

	finished := f.store.Finished()
	require.NotNil(t, finished)
	assert.Equal(t, models.TaskStatusFailed, finished.Status)
}

func TestProcessTaskUploadFailure(t *testing.T) {
	server := newHLSServer(t, 2)
	objects := new(MockObjectStore)
	f := newFixture(t, WithObjectStore(objects))
	f.expectRun("task-7")

	objects.On("UploadFile", mock.Anything, "tasks/task-7/task-7.mp4", mock.Anything).Return(int64(0), fmt.Errorf("bucket unavailable"))

	task := &models.Task{ID: "task-7", URL: server.manifestURL()}
	err := f.service.ProcessTask(context.Background(), task)
	require.Error(t, err)

	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, task.ErrorMsg, "bucket unavailable")
	objects.AssertNotCalled(t, "GetURL", mock.Anything, mock.Anything)
}

func TestResolveOutput(t *testing.T) {
	s := &Service{cfg: config.DownloaderConfig{OutputDir: "/data/out"}}

	tests := []struct {
		output string
		want   string
	}{
		{"", "/data/out/t1/t1.mp4"},
		{"movie.mp4", "/data/out/t1/movie.mp4"},
		{"/etc/passwd", "/data/out/t1/passwd"},
		{"../../x.mp4", "/data/out/t1/x.mp4"},
		{"/", "/data/out/t1/t1.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			got := s.resolveOutput(&models.Task{ID: "t1", Output: tt.output})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFinishEvent(t *testing.T) {
	assert.Equal(t, models.WebhookEventTaskCompleted, finishEvent(models.TaskStatusCompleted))
	assert.Equal(t, models.WebhookEventTaskStopped, finishEvent(models.TaskStatusStopped))
	assert.Equal(t, models.WebhookEventTaskFailed, finishEvent(models.TaskStatusFailed))
}
