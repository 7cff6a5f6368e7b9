package pipeline

import (
	"sort"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/monitoring"
)

// EventType names a lifecycle event
type EventType string

const (
	EventState         EventType = "state"
	EventRetry         EventType = "retry"
	EventSegmentFailed EventType = "segment_failed"
	EventProgress      EventType = "progress"
	EventMetrics       EventType = "metrics"
	EventCompleted     EventType = "completed"
	EventStopped       EventType = "stopped"
	EventError         EventType = "error"
)

// Event is delivered to every subscribed Handler. Fields not relevant to the
// event type are zero.
type Event struct {
	Type     EventType
	State    State
	Sequence int64
	Attempt  int
	Err      error
	Reason   string

	Total     int
	Completed int
	Failed    int

	Snapshot *monitoring.Snapshot
	Result   *Result
}

// Handler receives events synchronously on the goroutine that produced them
type Handler func(Event)

// Subscribe registers h and returns a function that removes it
func (c *Controller) Subscribe(h Handler) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.handlers[id] = h
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.handlers, id)
		c.subMu.Unlock()
	}
}

// emit must not be called with c.mu held, handlers may call back into the controller
func (c *Controller) emit(e Event) {
	c.subMu.Lock()
	ids := make([]int, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.handlers[id])
	}
	c.subMu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}
