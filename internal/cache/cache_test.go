package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/monitoring"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	// Create a mini Redis server for testing
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	cache, err := NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create cache: %v", err)
	}

	return cache, mr
}

func TestNewCache(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	if cache == nil {
		t.Fatal("Cache should not be nil")
	}

	// Test ping
	ctx := context.Background()
	if err := cache.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewCacheUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	host, port := mr.Host(), mr.Server().Addr().Port
	mr.Close()

	if _, err := NewCache(host, port, "", 0); err == nil {
		t.Error("Expected error connecting to a closed server")
	}
}

func TestCache_TaskProgress(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()

	progress := &Progress{
		TaskID:    "task-2",
		State:     "downloading",
		Total:     20,
		Completed: 7,
		Failed:    1,
		Metrics: monitoring.Snapshot{
			DownloadedBytes: 4096,
			Mux:             monitoring.Mux{Video: 42, Audio: 40},
		},
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}

	if err := cache.SetTaskProgress(ctx, progress, time.Minute); err != nil {
		t.Fatalf("SetTaskProgress failed: %v", err)
	}

	retrieved, err := cache.GetTaskProgress(ctx, "task-2")
	if err != nil {
		t.Fatalf("GetTaskProgress failed: %v", err)
	}

	if retrieved == nil {
		t.Fatal("Progress should not be nil")
	}

	if retrieved.Completed != 7 || retrieved.Failed != 1 || retrieved.Total != 20 {
		t.Errorf("Unexpected counters: %+v", retrieved)
	}

	if retrieved.Metrics.Mux.Video != 42 {
		t.Errorf("Expected 42 video samples, got %d", retrieved.Metrics.Mux.Video)
	}

	if !retrieved.UpdatedAt.Equal(progress.UpdatedAt) {
		t.Errorf("Expected UpdatedAt %s, got %s", progress.UpdatedAt, retrieved.UpdatedAt)
	}

	// Progress expires with its TTL
	mr.FastForward(2 * time.Minute)

	expired, err := cache.GetTaskProgress(ctx, "task-2")
	if err != nil {
		t.Fatalf("GetTaskProgress after expiry failed: %v", err)
	}

	if expired != nil {
		t.Error("Progress should have expired")
	}
}

func TestCache_StopFlags(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()

	_, requested, err := cache.StopRequested(ctx, "task-3")
	if err != nil {
		t.Fatalf("StopRequested failed: %v", err)
	}

	if requested {
		t.Error("Stop should not be requested initially")
	}

	if err := cache.RequestStop(ctx, "task-3", "user cancelled", time.Hour); err != nil {
		t.Fatalf("RequestStop failed: %v", err)
	}

	reason, requested, err := cache.StopRequested(ctx, "task-3")
	if err != nil {
		t.Fatalf("StopRequested failed: %v", err)
	}

	if !requested || reason != "user cancelled" {
		t.Errorf("Expected stop with reason, got %v %q", requested, reason)
	}

	if err := cache.ClearStop(ctx, "task-3"); err != nil {
		t.Fatalf("ClearStop failed: %v", err)
	}

	_, requested, err = cache.StopRequested(ctx, "task-3")
	if err != nil {
		t.Fatalf("StopRequested failed: %v", err)
	}

	if requested {
		t.Error("Stop flag should be cleared")
	}

	// An empty reason is stored as a default
	if err := cache.RequestStop(ctx, "task-4", "", time.Hour); err != nil {
		t.Fatalf("RequestStop failed: %v", err)
	}

	reason, _, _ = cache.StopRequested(ctx, "task-4")
	if reason != "requested" {
		t.Errorf("Expected default reason, got %q", reason)
	}
}

func TestCache_Locking(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()
	resource := "task:task-5"

	// Test AcquireLock
	acquired, err := cache.AcquireLock(ctx, resource, 1*time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	if !acquired {
		t.Error("First lock acquisition should succeed")
	}

	// Try to acquire again (should fail)
	acquired, err = cache.AcquireLock(ctx, resource, 1*time.Minute)
	if err != nil {
		t.Fatalf("Second AcquireLock failed: %v", err)
	}

	if acquired {
		t.Error("Second lock acquisition should fail")
	}

	// Test ReleaseLock
	err = cache.ReleaseLock(ctx, resource)
	if err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}

	// Should be able to acquire again
	acquired, err = cache.AcquireLock(ctx, resource, 1*time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock after release failed: %v", err)
	}

	if !acquired {
		t.Error("Lock acquisition after release should succeed")
	}

	// Locks expire with their TTL
	mr.FastForward(2 * time.Minute)

	acquired, err = cache.AcquireLock(ctx, resource, 1*time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock after expiry failed: %v", err)
	}

	if !acquired {
		t.Error("Lock acquisition after expiry should succeed")
	}
}

// Benchmark tests
func BenchmarkCache_SetTaskProgress(b *testing.B) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	cache, _ := NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	defer cache.Close()

	ctx := context.Background()
	progress := &Progress{TaskID: "benchmark-task", Total: 100, Completed: 50}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.SetTaskProgress(ctx, progress, 5*time.Minute)
	}
}
