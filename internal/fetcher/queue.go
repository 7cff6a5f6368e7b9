package fetcher

import (
	"container/heap"
	"time"
)

// jobQueue implements a min-heap of jobs ordered by priority, then enqueue time
type jobQueue []*queueItem

type queueItem struct {
	Job       Job
	Priority  int64
	Timestamp time.Time
	Index     int
}

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	// Lower sequence first
	if q[i].Priority != q[j].Priority {
		return q[i].Priority < q[j].Priority
	}
	return q[i].Timestamp.Before(q[j].Timestamp)
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].Index = i
	q[j].Index = j
}

func (q *jobQueue) Push(x interface{}) {
	n := len(*q)
	item := x.(*queueItem)
	item.Index = n
	*q = append(*q, item)
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	*q = old[0 : n-1]
	return item
}

func (q *jobQueue) push(job Job) {
	heap.Push(q, &queueItem{Job: job, Priority: job.Priority, Timestamp: time.Now()})
}

func (q *jobQueue) pop() (Job, bool) {
	if q.Len() == 0 {
		return Job{}, false
	}
	return heap.Pop(q).(*queueItem).Job, true
}
