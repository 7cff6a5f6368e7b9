package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordHTTPRequest(t *testing.T) {
	// Reset metrics
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	RecordHTTPRequest("GET", "/api/v1/tasks", "200", 0.123)

	// Verify counter incremented
	counter := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/tasks", "200"))
	if counter != 1.0 {
		t.Errorf("Expected counter to be 1.0, got %f", counter)
	}
}

func TestRecordSegmentFetch(t *testing.T) {
	SegmentsFetchedTotal.Reset()
	before := testutil.ToFloat64(DownloadedBytesTotal)

	RecordSegmentFetch("success", 1000)
	RecordSegmentFetch("success", 500)
	RecordSegmentFetch("failed", 0)

	success := testutil.ToFloat64(SegmentsFetchedTotal.WithLabelValues("success"))
	if success != 2.0 {
		t.Errorf("Expected success counter to be 2.0, got %f", success)
	}

	failed := testutil.ToFloat64(SegmentsFetchedTotal.WithLabelValues("failed"))
	if failed != 1.0 {
		t.Errorf("Expected failed counter to be 1.0, got %f", failed)
	}

	bytes := testutil.ToFloat64(DownloadedBytesTotal) - before
	if bytes != 1500.0 {
		t.Errorf("Expected 1500 downloaded bytes, got %f", bytes)
	}
}

func TestRecordSegmentRetry(t *testing.T) {
	before := testutil.ToFloat64(SegmentRetriesTotal)

	RecordSegmentRetry()
	RecordSegmentRetry()
	RecordSegmentRequest(0.2)

	if got := testutil.ToFloat64(SegmentRetriesTotal) - before; got != 2.0 {
		t.Errorf("Expected 2 retries, got %f", got)
	}
}

func TestTaskLifecycleMetrics(t *testing.T) {
	TasksTotal.Reset()
	TasksActive.Set(0)

	RecordTaskStarted()
	RecordTaskStarted()
	RecordTaskFinished("completed", 12.5)

	if active := testutil.ToFloat64(TasksActive); active != 1.0 {
		t.Errorf("Expected 1 active task, got %f", active)
	}

	if completed := testutil.ToFloat64(TasksTotal.WithLabelValues("completed")); completed != 1.0 {
		t.Errorf("Expected completed counter to be 1.0, got %f", completed)
	}
}

func TestRecordMuxSamples(t *testing.T) {
	MuxSamplesTotal.Reset()

	RecordMuxSamples("video", 30)
	RecordMuxSamples("audio", 43)
	RecordMuxSamples("video", 30)

	if video := testutil.ToFloat64(MuxSamplesTotal.WithLabelValues("video")); video != 60.0 {
		t.Errorf("Expected 60 video samples, got %f", video)
	}
	if audio := testutil.ToFloat64(MuxSamplesTotal.WithLabelValues("audio")); audio != 43.0 {
		t.Errorf("Expected 43 audio samples, got %f", audio)
	}
}

func TestUpdateSpillBytes(t *testing.T) {
	UpdateSpillBytes(4096)

	if spilled := testutil.ToFloat64(SpillBytes); spilled != 4096.0 {
		t.Errorf("Expected spill gauge to be 4096.0, got %f", spilled)
	}
}

func TestRecordStorageOperation(t *testing.T) {
	StorageOperationsTotal.Reset()
	StorageBytesTransferred.Reset()

	RecordStorageOperation("upload", "success", 1.234, 1048576)

	counter := testutil.ToFloat64(StorageOperationsTotal.WithLabelValues("upload", "success"))
	if counter != 1.0 {
		t.Errorf("Expected storage operation counter to be 1.0, got %f", counter)
	}

	bytes := testutil.ToFloat64(StorageBytesTransferred.WithLabelValues("upload"))
	if bytes != 1048576.0 {
		t.Errorf("Expected bytes transferred to be 1048576.0, got %f", bytes)
	}
}

func TestRecordDatabaseOperation(t *testing.T) {
	DatabaseOperationsTotal.Reset()

	RecordDatabaseOperation("select", "success", 0.05)
	RecordDatabaseOperation("insert", "error", 0.02)

	success := testutil.ToFloat64(DatabaseOperationsTotal.WithLabelValues("select", "success"))
	if success != 1.0 {
		t.Errorf("Expected select success counter to be 1.0, got %f", success)
	}

	failed := testutil.ToFloat64(DatabaseOperationsTotal.WithLabelValues("insert", "error"))
	if failed != 1.0 {
		t.Errorf("Expected insert error counter to be 1.0, got %f", failed)
	}
}

func TestRecordCacheAccess(t *testing.T) {
	CacheHitsTotal.Reset()
	CacheMissesTotal.Reset()

	RecordCacheAccess("progress", true)
	RecordCacheAccess("progress", true)
	RecordCacheAccess("progress", false)

	hits := testutil.ToFloat64(CacheHitsTotal.WithLabelValues("progress"))
	if hits != 2.0 {
		t.Errorf("Expected cache hits to be 2.0, got %f", hits)
	}

	misses := testutil.ToFloat64(CacheMissesTotal.WithLabelValues("progress"))
	if misses != 1.0 {
		t.Errorf("Expected cache misses to be 1.0, got %f", misses)
	}
}

func TestRecordError(t *testing.T) {
	ErrorsTotal.Reset()

	RecordError("api", "validation")
	RecordError("fetcher", "network")
	RecordError("api", "validation")

	apiErrors := testutil.ToFloat64(ErrorsTotal.WithLabelValues("api", "validation"))
	if apiErrors != 2.0 {
		t.Errorf("Expected API validation errors to be 2.0, got %f", apiErrors)
	}

	fetchErrors := testutil.ToFloat64(ErrorsTotal.WithLabelValues("fetcher", "network"))
	if fetchErrors != 1.0 {
		t.Errorf("Expected fetcher network errors to be 1.0, got %f", fetchErrors)
	}
}

func BenchmarkRecordHTTPRequest(b *testing.B) {
	for i := 0; i < b.N; i++ {
		RecordHTTPRequest("GET", "/api/v1/tasks", "200", 0.123)
	}
}

func BenchmarkRecordSegmentFetch(b *testing.B) {
	for i := 0; i < b.N; i++ {
		RecordSegmentFetch("success", 188*1000)
	}
}
