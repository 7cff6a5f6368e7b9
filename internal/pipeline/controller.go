// Package pipeline drives one HLS download from manifest to muxed MP4 file.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/bufpool"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/fetcher"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/metrics"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/monitoring"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/mp4"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/playlist"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/spill"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/tracing"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/ts"
	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

const (
	DefaultConcurrency     = 8
	DefaultRetry           = 3
	DefaultTimeout         = 15 * time.Second
	DefaultMetricsInterval = time.Second

	outputBufferSize = 1 << 20
)

// Options configures a Controller. Zero values fall back to the defaults,
// except Retry which is used as given.
type Options struct {
	Concurrency       int
	Retry             int
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64

	// MemoryThreshold is the resident payload size above which segments are spilled to disk
	MemoryThreshold int64
	PoolChunkSize   int
	PoolMaxSize     int
	TempDir         string

	MaxErrors       int
	StrictURLs      bool
	MetricsInterval time.Duration
}

// Option customises a Controller's collaborators
type Option func(*Controller)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithHTTPClient sets the client used for manifests, keys and segments
func WithHTTPClient(client *http.Client) Option {
	return func(c *Controller) { c.client = client }
}

// WithOutputOpener replaces FileOutput
func WithOutputOpener(open OutputOpener) Option {
	return func(c *Controller) { c.open = open }
}

// WithMetricsCenter shares an existing metrics center
func WithMetricsCenter(center *monitoring.Center) Option {
	return func(c *Controller) { c.center = center }
}

// WithBufferPool shares an existing buffer pool
func WithBufferPool(pool *bufpool.Pool) Option {
	return func(c *Controller) { c.pool = pool }
}

// Controller runs one task at a time. Every run owns its temp directory, key
// cache, pending map and sequence pointer.
type Controller struct {
	opts   Options
	logger *logging.Logger
	client *http.Client
	open   OutputOpener
	pool   *bufpool.Pool
	center *monitoring.Center

	newFetcher func(fetcher.Options) *fetcher.Fetcher

	mu    sync.Mutex
	state State
	run   *run

	subMu    sync.Mutex
	handlers map[int]Handler
	nextSub  int
}

// New creates an idle controller
func New(opts Options, options ...Option) (*Controller, error) {
	if opts.Retry < 0 {
		return nil, fmt.Errorf("retry must not be negative: %d", opts.Retry)
	}
	if opts.MemoryThreshold < 0 {
		return nil, fmt.Errorf("memory threshold must not be negative: %d", opts.MemoryThreshold)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MemoryThreshold == 0 {
		opts.MemoryThreshold = spill.DefaultThreshold
	}
	if opts.MetricsInterval == 0 {
		opts.MetricsInterval = DefaultMetricsInterval
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}

	c := &Controller{
		opts:     opts,
		state:    StateIdle,
		handlers: make(map[int]Handler),
	}
	for _, o := range options {
		o(c)
	}

	if c.logger == nil {
		c.logger = logging.NewNopLogger()
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.open == nil {
		c.open = FileOutput
	}
	if c.pool == nil {
		c.pool = bufpool.New(opts.PoolChunkSize, opts.PoolMaxSize)
	}
	if c.center == nil {
		c.center = monitoring.NewCenter(opts.MaxErrors, nil)
	}
	if c.newFetcher == nil {
		c.newFetcher = fetcher.New
	}

	return c, nil
}

// Metrics returns the controller's metrics center
func (c *Controller) Metrics() *monitoring.Center {
	return c.center
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the state, the segment counters of the latest run and a
// metrics snapshot
func (c *Controller) Status() Status {
	c.mu.Lock()
	state, r := c.state, c.run
	c.mu.Unlock()

	st := Status{State: state, Metrics: c.center.Snapshot()}
	if r != nil {
		st.Total, st.Completed, st.Failed = r.counts()
	}
	return st
}

type entry struct {
	data []byte
	desc *spill.Descriptor
	err  error
}

type arrival struct {
	result *fetcher.Result
	retry  *fetcher.RetryNotice
}

type run struct {
	id     string
	task   models.Task
	logger *logging.Logger

	fetcher  *fetcher.Fetcher
	playlist *models.Playlist
	demuxer  *ts.Demuxer
	muxer    *mp4.Muxer
	keys     *keyCache

	ctx      context.Context
	cancel   context.CancelFunc
	arrivals chan arrival
	started  time.Time

	// set under Controller.mu
	stopped bool

	resMu  sync.Mutex
	output io.WriteCloser
	spill  *spill.Spill

	// owned by the drain goroutine
	pending  map[int64]entry
	next     int64
	resident int64

	total     atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	finishOnce sync.Once
	done       chan struct{}
	result     *Result
	err        error
}

func (r *run) counts() (total, completed, failed int) {
	return int(r.total.Load()), int(r.completed.Load()), int(r.failed.Load())
}

func (r *run) settled() bool {
	total, completed, failed := r.counts()
	return completed+failed == total && len(r.pending) == 0
}

func (r *run) snapshotResult() *Result {
	total, completed, failed := r.counts()
	return &Result{
		Total:     total,
		Completed: completed,
		Failed:    failed,
		Output:    r.task.Output,
		Duration:  time.Since(r.started),
	}
}

func (r *run) finish(result *Result, err error) {
	r.finishOnce.Do(func() {
		r.result, r.err = result, err
		close(r.done)
	})
}

// release closes the output and removes spilled files. It is safe to call more than once.
func (r *run) release() error {
	r.resMu.Lock()
	defer r.resMu.Unlock()

	var errs []error
	if r.output != nil {
		if err := r.output.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
		r.output = nil
	}
	if r.spill != nil {
		if err := r.spill.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("clean spill: %w", err))
		}
		metrics.UpdateSpillBytes(0)
		r.spill = nil
	}
	return errors.Join(errs...)
}

// Start validates task, loads and parses its manifest, opens the output and
// schedules every segment. It returns once downloading has begun; use Wait for
// the outcome.
func (c *Controller) Start(ctx context.Context, task models.Task) error {
	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return ErrBusy
	}
	if task.URL == "" || task.Output == "" {
		c.mu.Unlock()
		return &TaskError{Op: "validate", Err: ErrInvalidTask}
	}

	r := c.newRun(ctx, task)
	from := c.state
	c.run = r
	c.state = StatePreparing
	c.mu.Unlock()

	metrics.RecordTaskStarted()
	r.logger.LogPipelineState(string(from), string(StatePreparing))
	c.emit(Event{Type: EventState, State: StatePreparing})

	if err := c.prepare(ctx, r); err != nil {
		if r.ctx.Err() != nil {
			r.release()
			return ErrStopped
		}
		c.fail(r, err)
		return err
	}

	if !c.setState(r, StateDownloading) {
		r.release()
		return ErrStopped
	}

	go c.drain(r)

	for _, seg := range r.playlist.Segments {
		r.fetcher.Enqueue(fetcher.Job{
			Sequence: seg.Sequence,
			Priority: seg.Sequence,
			URL:      seg.URL,
			Headers:  task.Headers,
		})
	}

	handler := fetcher.HandlerFuncs{
		Result: func(res fetcher.Result) { c.deliver(r, arrival{result: &res}) },
		Retry:  func(n fetcher.RetryNotice) { c.deliver(r, arrival{retry: &n}) },
	}
	if err := r.fetcher.Start(r.ctx, handler); err != nil {
		if errors.Is(err, fetcher.ErrStopped) {
			return ErrStopped
		}
		taskErr := &TaskError{Op: "start fetcher", Err: err}
		c.fail(r, taskErr)
		return taskErr
	}

	r.logger.LogTaskEvent(r.id, "downloading", string(StateDownloading), map[string]interface{}{
		"segments": len(r.playlist.Segments),
		"sequence": r.playlist.Sequence,
	})
	return nil
}

// Wait blocks until the latest run completes, fails or is stopped
func (c *Controller) Wait(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return nil, ErrNoRun
	}

	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run starts task and waits for it. Cancelling ctx stops the run.
func (c *Controller) Run(ctx context.Context, task models.Task) (*Result, error) {
	if err := c.Start(ctx, task); err != nil {
		return nil, err
	}

	res, err := c.Wait(ctx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		c.Stop("context cancelled")
		return nil, err
	}
	return res, err
}

// Stop abandons the current run and returns to idle. In-flight requests are
// cancelled and their results discarded.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	r := c.run
	if c.state == StateIdle || r == nil {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StateIdle
	active := from.Active()
	r.stopped = true
	c.mu.Unlock()

	if active {
		r.cancel()
		r.fetcher.Stop()
		if err := r.release(); err != nil {
			r.logger.WithError(err).Warn("failed to release resources on stop")
		}
		metrics.RecordTaskFinished("stopped", time.Since(r.started).Seconds())
		r.finish(r.snapshotResult(), ErrStopped)
	}

	r.logger.LogPipelineState(string(from), string(StateIdle))
	c.emit(Event{Type: EventState, State: StateIdle})
	c.emit(Event{Type: EventStopped, State: StateIdle, Reason: reason})
}

func (c *Controller) newRun(ctx context.Context, task models.Task) *run {
	id := task.ID
	if id == "" {
		id = uuid.New().String()
	}
	logger := c.logger.WithTaskID(id)

	// The run outlives the caller's context; Stop or Run cancels it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	r := &run{
		id:      id,
		task:    task,
		logger:  logger,
		ctx:     runCtx,
		cancel:  cancel,
		started: time.Now(),
		pending: make(map[int64]entry),
		done:    make(chan struct{}),
		muxer:   mp4.NewMuxer(),
	}
	r.fetcher = c.newFetcher(fetcher.Options{
		Concurrency:       c.opts.Concurrency,
		Retry:             c.opts.Retry,
		Timeout:           c.opts.Timeout,
		UserAgent:         c.opts.UserAgent,
		RequestsPerSecond: c.opts.RequestsPerSecond,
		Client:            c.client,
		Allocator:         c.pool,
		Logger:            logger,
	})
	r.keys = newKeyCache(func(ctx context.Context, uri string) ([]byte, error) {
		return r.fetcher.Get(ctx, uri, task.Headers)
	})
	r.demuxer = ts.NewDemuxer(ts.HandlerFuncs{
		Track:  func(t ts.Track) { c.addTrack(r, t) },
		Sample: func(s ts.Sample) { c.pushSample(r, s) },
	})
	return r
}

func (c *Controller) prepare(ctx context.Context, r *run) error {
	span, ctx := tracing.StartTaskSpan(ctx, "pipeline.prepare", r.id)
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "task.url", r.task.URL)

	// Stop during preparation cancels the manifest request too
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(r.ctx, cancel)()

	c.center.Reset()

	base := r.task.BaseURL
	if base == "" {
		base = inferBase(r.task.URL)
	}

	manifest := r.task.Manifest
	if manifest == "" {
		data, err := r.fetcher.Get(ctx, r.task.URL, r.task.Headers)
		if err != nil {
			return &TaskError{Op: "fetch manifest", Err: err}
		}
		manifest = string(data)
	}

	pl, err := playlist.NewParser(base, c.opts.StrictURLs).Parse(manifest, "")
	if err != nil {
		tracing.LogError(span, err)
		return err
	}
	if len(pl.Segments) == 0 {
		return &TaskError{Op: "parse manifest", Err: ErrNoSegments}
	}
	r.playlist = pl
	r.next = pl.Sequence
	r.total.Store(int64(len(pl.Segments)))

	sp, err := spill.New(spill.Options{
		Dir:       filepath.Join(c.opts.TempDir, "hlsmux-"+r.id),
		Prefix:    "seg",
		Threshold: c.opts.MemoryThreshold,
	})
	if err != nil {
		return &TaskError{Op: "create spill directory", Err: err}
	}

	out, err := c.open(r.task.Output)
	if err != nil {
		sp.Cleanup()
		return &TaskError{Op: "open output", Err: err}
	}

	r.resMu.Lock()
	r.spill, r.output = sp, out
	r.resMu.Unlock()

	r.arrivals = make(chan arrival, len(pl.Segments)+c.opts.Concurrency)
	return nil
}

// deliver runs on fetcher workers and hands arrivals to the drain goroutine
func (c *Controller) deliver(r *run, a arrival) {
	select {
	case r.arrivals <- a:
	case <-r.ctx.Done():
		if a.result != nil && a.result.Data != nil {
			c.pool.Release(a.result.Data)
		}
	}
}

func (c *Controller) drain(r *run) {
	var tick <-chan time.Time
	if c.opts.MetricsInterval > 0 {
		ticker := time.NewTicker(c.opts.MetricsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.ctx.Done():
			c.discard(r)
			return

		case <-tick:
			snap := c.center.Snapshot()
			total, completed, failed := r.counts()
			r.logger.LogDownloadProgress(r.id, completed, failed, total, snap.Speed.Instant)
			c.emitFor(r, Event{Type: EventMetrics, State: StateDownloading, Snapshot: &snap})

		case a := <-r.arrivals:
			if a.retry != nil {
				c.emitFor(r, Event{
					Type:     EventRetry,
					Sequence: a.retry.Job.Sequence,
					Attempt:  a.retry.Attempt,
					Err:      a.retry.Err,
				})
				continue
			}

			c.store(r, *a.result)
			c.advance(r)
			if r.settled() {
				c.finalize(r)
				return
			}
		}
	}
}

// store parks an arrival in the pending map, spilling it when resident memory
// would pass the threshold
func (c *Controller) store(r *run, res fetcher.Result) {
	seq := res.Job.Sequence

	if res.Err != nil {
		c.center.PushError(res.Err)
		c.emitFor(r, Event{Type: EventSegmentFailed, Sequence: seq, Attempt: res.Attempts, Err: res.Err})
		r.pending[seq] = entry{err: res.Err}
		return
	}

	c.center.RecordDownload(int64(len(res.Data)))

	size := int64(len(res.Data))
	r.resMu.Lock()
	sp := r.spill
	r.resMu.Unlock()
	if sp == nil {
		c.pool.Release(res.Data)
		return
	}

	if r.resident+size > sp.Threshold() {
		desc, err := sp.Write(res.Data)
		c.pool.Release(res.Data)
		if err != nil {
			err = fmt.Errorf("spill segment %d: %w", seq, err)
			c.center.PushError(err)
			c.emitFor(r, Event{Type: EventSegmentFailed, Sequence: seq, Err: err})
			r.pending[seq] = entry{err: err}
			return
		}
		r.pending[seq] = entry{desc: &desc}
		metrics.UpdateSpillBytes(sp.Usage().Bytes)
	} else {
		r.resident += size
		r.pending[seq] = entry{data: res.Data}
	}
	c.recordBuffer(r, sp)
}

// advance consumes pending entries strictly in sequence order
func (c *Controller) advance(r *run) {
	for {
		e, ok := r.pending[r.next]
		if !ok {
			return
		}
		delete(r.pending, r.next)
		seq := r.next
		r.next++

		switch {
		case e.err != nil:
			r.failed.Add(1)
		default:
			if err := c.consume(r, seq, e); err != nil {
				r.failed.Add(1)
				c.center.PushError(err)
				metrics.RecordError("pipeline", errorType(err))
				r.logger.LogSegmentEvent(seq, "consume_failed", 0, err)
				c.emitFor(r, Event{Type: EventSegmentFailed, Sequence: seq, Err: err})
			} else {
				r.completed.Add(1)
			}
		}

		r.resMu.Lock()
		sp := r.spill
		r.resMu.Unlock()
		c.recordBuffer(r, sp)

		total, completed, failed := r.counts()
		c.emitFor(r, Event{
			Type:      EventProgress,
			State:     StateDownloading,
			Sequence:  seq,
			Total:     total,
			Completed: completed,
			Failed:    failed,
		})
	}
}

func (c *Controller) consume(r *run, seq int64, e entry) error {
	data := e.data
	if e.desc != nil {
		r.resMu.Lock()
		sp := r.spill
		r.resMu.Unlock()
		if sp == nil {
			return ErrStopped
		}

		var err error
		data, err = sp.ReadAll(*e.desc)
		sp.Remove(*e.desc)
		metrics.UpdateSpillBytes(sp.Usage().Bytes)
		if err != nil {
			return fmt.Errorf("read spilled segment %d: %w", seq, err)
		}
	} else {
		r.resident -= int64(len(data))
		defer c.pool.Release(data)
	}

	segment := r.playlist.Segments[seq-r.playlist.Sequence]
	payload := data
	if segment.Encrypted() {
		plain, err := c.decrypt(r, segment, data)
		if err != nil {
			return err
		}
		payload = plain
	}

	// a PES never spans segments, and continuity counters may restart in each one
	r.demuxer.Push(payload)
	r.demuxer.Flush()
	return nil
}

func (c *Controller) decrypt(r *run, segment models.Segment, data []byte) ([]byte, error) {
	key := segment.Key
	if key.Method != models.EncryptionMethodAES128 {
		return nil, &CryptoError{Sequence: segment.Sequence, URI: key.URI, Err: fmt.Errorf("%w: %s", ErrUnsupportedMethod, key.Method)}
	}

	k, err := r.keys.Get(r.ctx, key.URI)
	if err != nil {
		return nil, &CryptoError{Sequence: segment.Sequence, URI: key.URI, Err: err}
	}

	iv, err := key.IVFor(segment.Sequence)
	if err != nil {
		return nil, &CryptoError{Sequence: segment.Sequence, URI: key.URI, Err: fmt.Errorf("%w: %v", ErrInvalidIV, err)}
	}

	plain, err := DecryptAES128(data, k, iv)
	if err != nil {
		return nil, &CryptoError{Sequence: segment.Sequence, URI: key.URI, Err: err}
	}
	return plain, nil
}

func (c *Controller) addTrack(r *run, t ts.Track) {
	if _, err := r.muxer.AddTrack(t.PID, t.Codec); err != nil {
		r.logger.WithField("pid", t.PID).Warnf("skipping track: %v", err)
		return
	}
	r.logger.WithField("pid", t.PID).Debugf("registered %s track", t.Codec)
}

func (c *Controller) pushSample(r *run, s ts.Sample) {
	n, err := r.muxer.Push(s)
	if err != nil {
		c.center.PushError(err)
		metrics.RecordError("mp4", "sample")
		r.logger.WithField("pid", s.PID).Warnf("malformed sample: %v", err)
	}
	if n == 0 {
		return
	}

	media := monitoring.MediaVideo
	if s.Codec == ts.CodecAAC {
		media = monitoring.MediaAudio
	}
	c.center.RecordMux(media, int64(n))
	metrics.RecordMuxSamples(media, n)
}

func (c *Controller) finalize(r *run) {
	if !c.setState(r, StateFinalizing) {
		return
	}

	span, _ := tracing.StartSpan(r.ctx, "pipeline.finalize")
	defer tracing.FinishSpan(span)

	r.fetcher.Stop()
	r.demuxer.Flush()

	written, err := c.writeOutput(r)
	if err != nil {
		tracing.LogError(span, err)
		c.fail(r, err)
		return
	}
	if err := r.release(); err != nil {
		r.logger.WithError(err).Warn("failed to clean up after finalize")
	}

	result := r.snapshotResult()
	result.Bytes = written
	if !c.setState(r, StateCompleted) {
		return
	}

	metrics.RecordTaskFinished("completed", result.Duration.Seconds())
	r.logger.LogTaskEvent(r.id, "completed", string(StateCompleted), map[string]interface{}{
		"total":  result.Total,
		"failed": result.Failed,
		"bytes":  written,
	})
	c.emitFor(r, Event{
		Type:      EventCompleted,
		State:     StateCompleted,
		Total:     result.Total,
		Completed: result.Completed,
		Failed:    result.Failed,
		Result:    result,
	})
	r.cancel()
	r.finish(result, nil)
}

func (c *Controller) writeOutput(r *run) (int64, error) {
	r.resMu.Lock()
	defer r.resMu.Unlock()

	if r.output == nil {
		return 0, ErrStopped
	}
	out := r.output
	r.output = nil

	w := bufio.NewWriterSize(out, outputBufferSize)
	n, err := r.muxer.Flush(w)
	if err == nil {
		err = w.Flush()
	}
	closeErr := out.Close()

	if err != nil {
		var muxErr *mp4.MuxError
		if errors.As(err, &muxErr) {
			return n, err
		}
		return n, &TaskError{Op: "write output", Err: err}
	}
	if closeErr != nil {
		return n, &TaskError{Op: "close output", Err: closeErr}
	}
	return n, nil
}

// fail rejects the run with a fatal error and returns to idle
func (c *Controller) fail(r *run, err error) {
	r.cancel()
	r.fetcher.Stop()
	if relErr := r.release(); relErr != nil {
		r.logger.WithError(relErr).Warn("failed to release resources")
	}

	c.center.PushError(err)
	metrics.RecordError("pipeline", errorType(err))
	r.logger.WithError(err).Error("task failed")

	if c.setState(r, StateIdle) {
		metrics.RecordTaskFinished("failed", time.Since(r.started).Seconds())
		c.emit(Event{Type: EventError, State: StateIdle, Err: err})
	}
	r.finish(r.snapshotResult(), err)
}

// setState transitions the controller on behalf of r. It reports false when r
// has been stopped or superseded.
func (c *Controller) setState(r *run, to State) bool {
	c.mu.Lock()
	if c.run != r || r.stopped {
		c.mu.Unlock()
		return false
	}
	from := c.state
	c.state = to
	c.mu.Unlock()

	r.logger.LogPipelineState(string(from), string(to))
	c.emit(Event{Type: EventState, State: to})
	return true
}

func (c *Controller) emitFor(r *run, e Event) {
	c.mu.Lock()
	owned := c.run == r && !r.stopped
	c.mu.Unlock()
	if owned {
		c.emit(e)
	}
}

func (c *Controller) recordBuffer(r *run, sp *spill.Spill) {
	var onDisk int64
	if sp != nil {
		onDisk = sp.Usage().Bytes
	}
	c.center.RecordBuffer(r.resident, onDisk)
}

// discard releases pooled buffers still held by a stopped run
func (c *Controller) discard(r *run) {
	for seq, e := range r.pending {
		if e.data != nil {
			c.pool.Release(e.data)
		}
		delete(r.pending, seq)
	}
	for {
		select {
		case a := <-r.arrivals:
			if a.result != nil && a.result.Data != nil {
				c.pool.Release(a.result.Data)
			}
		default:
			return
		}
	}
}

// inferBase returns the directory of a manifest URL, with a trailing slash
func inferBase(target string) string {
	u, err := url.Parse(target)
	if err != nil || !u.IsAbs() {
		return ""
	}
	dir := path.Dir(u.Path)
	if dir == "." || dir == "" {
		dir = "/"
	}
	if dir[len(dir)-1] != '/' {
		dir += "/"
	}
	u.Path = dir
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func errorType(err error) string {
	var (
		taskErr   *TaskError
		cryptoErr *CryptoError
		muxErr    *mp4.MuxError
		formatErr *playlist.FormatError
		netErr    *fetcher.NetworkError
	)
	switch {
	case errors.As(err, &cryptoErr):
		return "crypto"
	case errors.As(err, &muxErr):
		return "mux"
	case errors.As(err, &formatErr):
		return "format"
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &taskErr):
		return "task"
	}
	return "unknown"
}
