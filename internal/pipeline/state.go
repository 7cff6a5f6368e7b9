package pipeline

import (
	"time"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/monitoring"
)

// State is the lifecycle state of a Controller
type State string

const (
	StateIdle        State = "idle"
	StatePreparing   State = "preparing"
	StateDownloading State = "downloading"
	StateFinalizing  State = "finalizing"
	StateCompleted   State = "completed"
)

// Active reports whether a run is in progress
func (s State) Active() bool {
	return s == StatePreparing || s == StateDownloading || s == StateFinalizing
}

// Status is a point-in-time view of a Controller
type Status struct {
	State     State               `json:"state"`
	Total     int                 `json:"total"`
	Completed int                 `json:"completed"`
	Failed    int                 `json:"failed"`
	Metrics   monitoring.Snapshot `json:"metrics"`
}

// Result summarises a finished run
type Result struct {
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Output    string        `json:"output"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"duration"`
}
