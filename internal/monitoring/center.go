// Package monitoring aggregates per-task download metrics and publishes snapshots.
package monitoring

import (
	"sync"
	"time"
)

// DefaultMaxErrors is the default capacity of the recent error ring
const DefaultMaxErrors = 10

// Media types accepted by RecordMux
const (
	MediaVideo = "video"
	MediaAudio = "audio"
)

// Speed holds throughput in bytes per second
type Speed struct {
	Instant float64 `json:"instant"`
	Average float64 `json:"average"`
}

// Buffer holds buffered payload bytes split by location
type Buffer struct {
	InMemory int64 `json:"in_memory"`
	OnDisk   int64 `json:"on_disk"`
}

// Mux holds muxed sample counts per media type
type Mux struct {
	Video int64 `json:"video"`
	Audio int64 `json:"audio"`
}

// ErrorEntry is one recent error
type ErrorEntry struct {
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Snapshot is an immutable view of the metrics at one instant
type Snapshot struct {
	Speed           Speed        `json:"speed"`
	Buffer          Buffer       `json:"buffer"`
	Mux             Mux          `json:"mux"`
	Errors          []ErrorEntry `json:"errors"`
	DownloadedBytes int64        `json:"downloaded_bytes"`
	ElapsedSeconds  float64      `json:"elapsed_seconds"`
}

// Subscriber receives a snapshot after every mutation
type Subscriber func(Snapshot)

// Center maintains the metrics for one task
type Center struct {
	maxErrors int
	now       func() time.Time

	mu         sync.RWMutex
	state      Snapshot
	totalBytes int64
	startTime  time.Time
	lastTick   time.Time

	subMu       sync.Mutex
	subscribers map[int]Subscriber
	nextID      int
}

// NewCenter creates a metrics center. A nil clock uses time.Now.
func NewCenter(maxErrors int, clock func() time.Time) *Center {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	if clock == nil {
		clock = time.Now
	}
	c := &Center{
		maxErrors:   maxErrors,
		now:         clock,
		subscribers: make(map[int]Subscriber),
	}
	c.resetLocked()
	return c
}

// Subscribe registers fn and returns a function that removes it
func (c *Center) Subscribe(fn Subscriber) func() {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

// Reset clears all counters and restarts the clocks
func (c *Center) Reset() {
	c.mu.Lock()
	c.resetLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Center) resetLocked() {
	now := c.now()
	c.state = Snapshot{}
	c.totalBytes = 0
	c.startTime = now
	c.lastTick = now
}

// RecordDownload adds bytes to the throughput counters
func (c *Center) RecordDownload(bytes int64) {
	c.mu.Lock()
	now := c.now()
	delta := millis(now.Sub(c.lastTick))
	elapsed := millis(now.Sub(c.startTime))

	c.totalBytes += bytes
	c.state.Speed.Instant = nonNegative(float64(bytes) / delta * 1000)
	c.state.Speed.Average = nonNegative(float64(c.totalBytes) / elapsed * 1000)
	c.state.DownloadedBytes = c.totalBytes
	c.state.ElapsedSeconds = elapsed / 1000

	c.lastTick = now
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// RecordBuffer sets the current buffer occupancy
func (c *Center) RecordBuffer(inMemory, onDisk int64) {
	c.mu.Lock()
	c.touchLocked()
	if inMemory < 0 {
		inMemory = 0
	}
	if onDisk < 0 {
		onDisk = 0
	}
	c.state.Buffer = Buffer{InMemory: inMemory, OnDisk: onDisk}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// RecordMux adds count samples for the media type. Unknown types are ignored.
func (c *Center) RecordMux(mediaType string, count int64) {
	if count < 0 {
		count = 0
	}

	c.mu.Lock()
	c.touchLocked()
	switch mediaType {
	case MediaVideo:
		c.state.Mux.Video += count
	case MediaAudio:
		c.state.Mux.Audio += count
	default:
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// PushError records err at the head of the recent error ring
func (c *Center) PushError(err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}

	c.mu.Lock()
	c.touchLocked()
	entry := ErrorEntry{Message: msg, Time: c.now()}
	errs := make([]ErrorEntry, 0, c.maxErrors)
	errs = append(errs, entry)
	errs = append(errs, c.state.Errors...)
	if len(errs) > c.maxErrors {
		errs = errs[:c.maxErrors]
	}
	c.state.Errors = errs
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// Snapshot returns a deep copy of the current state
func (c *Center) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Center) touchLocked() {
	c.state.ElapsedSeconds = nonNegative(c.now().Sub(c.startTime).Seconds())
}

func (c *Center) snapshotLocked() Snapshot {
	snap := c.state
	snap.Errors = append([]ErrorEntry(nil), c.state.Errors...)
	return snap
}

func (c *Center) publish(snap Snapshot) {
	c.subMu.Lock()
	subs := make([]Subscriber, 0, len(c.subscribers))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.subscribers[id]; ok {
			subs = append(subs, fn)
		}
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// millis converts d to milliseconds, never less than one
func millis(d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	if ms < 1 {
		return 1
	}
	return ms
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
