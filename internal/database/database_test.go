package database

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

func TestDSN(t *testing.T) {
	got := dsn(config.DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "hls",
		Password: "secret",
		DBName:   "hlsmux",
		SSLMode:  "require",
		MaxConns: 10,
		MinConns: 2,
	})

	assert.Equal(t,
		"host=db.internal port=5433 user=hls password=secret dbname=hlsmux sslmode=require pool_max_conns=10 pool_min_conns=2",
		got)
}

func TestSchemaCoversTaskColumns(t *testing.T) {
	for _, column := range strings.Split(taskColumns, ",") {
		column = strings.TrimSpace(column)
		assert.Contains(t, schema, "\t"+column+" ", "schema declares %s", column)
	}
}

func TestObserveIgnoresNotFound(t *testing.T) {
	err := ErrTaskNotFound
	assert.NotPanics(t, func() { observe("get_task", time.Now(), &err) })
}

// testDB connects to the database named by HLSMUX_TEST_DATABASE_PORT on localhost
func testDB(t *testing.T) *DB {
	t.Helper()
	port := os.Getenv("HLSMUX_TEST_DATABASE_PORT")
	if port == "" {
		t.Skip("Skipping integration test - requires database connection")
	}
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	db, err := New(config.DatabaseConfig{
		Host: "localhost", Port: p, User: "postgres", Password: "postgres",
		DBName: "hlsmux_test", SSLMode: "disable", MaxConns: 4, MinConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func TestRepository_TaskLifecycle(t *testing.T) {
	repo := NewRepository(testDB(t))
	ctx := context.Background()

	task := &models.Task{
		URL:     "https://cdn.example.com/live/index.m3u8",
		Output:  "/tmp/out.mp4",
		Headers: models.TaskHeaders{"Referer": "https://example.com"},
	}
	require.NoError(t, repo.CreateTask(ctx, task))
	t.Cleanup(func() { repo.DeleteTask(context.Background(), task.ID) })
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	require.NoError(t, repo.MarkTaskRunning(ctx, task.ID, "worker-1"))
	require.NoError(t, repo.UpdateTaskProgress(ctx, task.ID, 20, 5, 1))

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, "worker-1", got.WorkerID)
	assert.Equal(t, 5, got.Completed)
	assert.Equal(t, "https://example.com", got.Headers["Referer"])
	assert.NotNil(t, got.StartedAt)

	got.Status = models.TaskStatusCompleted
	got.Completed, got.Failed = 19, 1
	got.OutputURL = "http://minio/downloads/out.mp4"
	require.NoError(t, repo.CompleteTask(ctx, got))
	assert.NotNil(t, got.CompletedAt)

	tasks, err := repo.ListTasks(ctx, models.TaskStatusCompleted, 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, tasks)

	_, err = repo.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
