package database

import (
	"context"
	"fmt"
	"time"
)

// Monitoring-related repository methods

// TaskStats summarises task outcomes
type TaskStats struct {
	Total     int64 `json:"total"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Stopped   int64 `json:"stopped"`

	// Segment counters across finished tasks
	SegmentsCompleted int64 `json:"segments_completed"`
	SegmentsFailed    int64 `json:"segments_failed"`
}

// GetTaskStats returns statistics about tasks
func (r *Repository) GetTaskStats(ctx context.Context) (stats TaskStats, err error) {
	defer observe("get_task_stats", time.Now(), &err)

	query := `
		SELECT
			COUNT(*) as total,
			COUNT(*) FILTER (WHERE status = 'running') as running,
			COUNT(*) FILTER (WHERE status = 'completed') as completed,
			COUNT(*) FILTER (WHERE status = 'failed') as failed,
			COUNT(*) FILTER (WHERE status = 'stopped') as stopped,
			COALESCE(SUM(completed), 0),
			COALESCE(SUM(failed), 0)
		FROM tasks
	`

	err = r.db.Pool.QueryRow(ctx, query).Scan(
		&stats.Total, &stats.Running, &stats.Completed, &stats.Failed, &stats.Stopped,
		&stats.SegmentsCompleted, &stats.SegmentsFailed,
	)
	if err != nil {
		return TaskStats{}, fmt.Errorf("failed to get task stats: %w", err)
	}

	return stats, nil
}

// GetAverageProcessTime returns the average run time of tasks completed in the last day
func (r *Repository) GetAverageProcessTime(ctx context.Context) (avg float64, err error) {
	defer observe("get_average_process_time", time.Now(), &err)

	query := `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)
		FROM tasks
		WHERE started_at IS NOT NULL
		AND completed_at IS NOT NULL
		AND status = 'completed'
		AND created_at > NOW() - INTERVAL '24 hours'
	`

	if err = r.db.Pool.QueryRow(ctx, query).Scan(&avg); err != nil {
		return 0, fmt.Errorf("failed to get average process time: %w", err)
	}

	return avg, nil
}

// GetActiveWorkers returns the number of workers that updated a task recently
func (r *Repository) GetActiveWorkers(ctx context.Context) (count int, err error) {
	defer observe("get_active_workers", time.Now(), &err)

	query := `
		SELECT COUNT(DISTINCT worker_id)
		FROM tasks
		WHERE worker_id != ''
		AND updated_at > NOW() - INTERVAL '5 minutes'
	`

	if err = r.db.Pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get active workers: %w", err)
	}

	return count, nil
}
