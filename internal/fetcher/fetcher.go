// Package fetcher downloads playlist segments with bounded concurrency and retries.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/metrics"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/tracing"
)

const (
	DefaultConcurrency = 4
	DefaultRetry       = 2
	DefaultTimeout     = 10 * time.Second
	DefaultUserAgent   = "hlsmux/1.0"

	// RetryBackoff is multiplied by the attempt number between retries
	RetryBackoff = 300 * time.Millisecond
)

// ErrStopped is returned by Get after Stop
var ErrStopped = errors.New("fetcher stopped")

// Job is one segment request. Lower priorities are dispatched first.
type Job struct {
	Sequence int64
	Priority int64
	URL      string
	Headers  map[string]string
}

// Result is the terminal outcome of a job. Err is a *NetworkError when all
// attempts failed.
type Result struct {
	Job      Job
	Data     []byte
	Err      error
	Attempts int
}

// RetryNotice is emitted before a failed attempt is retried
type RetryNotice struct {
	Job     Job
	Attempt int
	Err     error
}

// Handler receives fetch outcomes. Calls may come from several workers at once.
type Handler interface {
	OnResult(Result)
	OnRetry(RetryNotice)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Result func(Result)
	Retry  func(RetryNotice)
}

func (h HandlerFuncs) OnResult(r Result) {
	if h.Result != nil {
		h.Result(r)
	}
}

func (h HandlerFuncs) OnRetry(n RetryNotice) {
	if h.Retry != nil {
		h.Retry(n)
	}
}

// Allocator supplies buffers for response bodies with a known length
type Allocator interface {
	Acquire(size int) []byte
	Release(buf []byte)
}

// Options configures a Fetcher
type Options struct {
	Concurrency       int
	Retry             int
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	Backoff           time.Duration
	Client            *http.Client
	Allocator         Allocator
	Logger            *logging.Logger
}

// Fetcher is a priority-ordered job queue drained by a bounded worker pool
type Fetcher struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger

	mu      sync.Mutex
	queue   jobQueue
	stopped bool
	started bool
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a fetcher. Zero option values fall back to the defaults.
func New(opts Options) *Fetcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Retry < 0 {
		opts.Retry = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Backoff <= 0 {
		opts.Backoff = RetryBackoff
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Fetcher{
		opts:    opts,
		client:  client,
		limiter: limiter,
		logger:  logger,
		wake:    make(chan struct{}, opts.Concurrency),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue adds a job. Jobs enqueued after Stop are dropped.
func (f *Fetcher) Enqueue(job Job) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.queue.push(job)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of jobs not yet dispatched
func (f *Fetcher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.Len()
}

// Start launches the workers. They run until ctx is cancelled or Stop is called.
func (f *Fetcher) Start(ctx context.Context, handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return ErrStopped
	}
	if f.started {
		return errors.New("fetcher already started")
	}
	f.started = true

	// Cancelling the caller's context stops the workers too
	go func() {
		select {
		case <-ctx.Done():
			f.Stop()
		case <-f.ctx.Done():
		}
	}()

	for i := 0; i < f.opts.Concurrency; i++ {
		f.wg.Add(1)
		go f.worker(handler)
	}

	return nil
}

// Stop prevents new dispatches and cancels in-flight requests. Their results
// are not delivered.
func (f *Fetcher) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	f.queue = nil
	f.mu.Unlock()

	f.cancel()
}

// Wait blocks until every worker has exited
func (f *Fetcher) Wait() {
	f.wg.Wait()
}

func (f *Fetcher) worker(handler Handler) {
	defer f.wg.Done()

	for {
		job, ok := f.next()
		if !ok {
			select {
			case <-f.ctx.Done():
				return
			case <-f.wake:
				continue
			}
		}

		f.process(job, handler)

		if f.ctx.Err() != nil {
			return
		}
	}
}

func (f *Fetcher) next() (Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return Job{}, false
	}
	return f.queue.pop()
}

func (f *Fetcher) process(job Job, handler Handler) {
	data, attempts, err := f.fetchWithRetry(job.URL, job.Headers, true, func(attempt int, err error) {
		metrics.RecordSegmentRetry()
		f.logger.LogSegmentEvent(job.Sequence, "retry", attempt, err)
		handler.OnRetry(RetryNotice{Job: job, Attempt: attempt, Err: err})
	})

	if f.ctx.Err() != nil {
		// Stopped mid-flight, the result is discarded
		f.release(data)
		return
	}

	if err != nil {
		metrics.RecordSegmentFetch("failed", 0)
		metrics.RecordError("fetcher", "network")
		f.logger.LogSegmentEvent(job.Sequence, "failed", attempts, err)
		handler.OnResult(Result{Job: job, Err: err, Attempts: attempts})
		return
	}

	metrics.RecordSegmentFetch("success", int64(len(data)))
	f.logger.LogSegmentEvent(job.Sequence, "fetched", attempts, nil)
	handler.OnResult(Result{Job: job, Data: data, Attempts: attempts})
}

// Get fetches a single resource such as a manifest or key, with the same
// timeout and retry policy as segments.
func (f *Fetcher) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	if f.ctx.Err() != nil {
		return nil, ErrStopped
	}

	// Either context cancels the request
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(f.ctx, cancel)
	defer stop()

	data, _, err := f.fetchContext(reqCtx, url, headers, false, func(attempt int, err error) {
		f.logger.WithField("url", url).Warnf("retrying request (attempt %d): %v", attempt, err)
	})
	return data, err
}

func (f *Fetcher) fetchWithRetry(url string, headers map[string]string, pooled bool, onRetry func(int, error)) ([]byte, int, error) {
	return f.fetchContext(f.ctx, url, headers, pooled, onRetry)
}

func (f *Fetcher) fetchContext(ctx context.Context, url string, headers map[string]string, pooled bool, onRetry func(int, error)) ([]byte, int, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		data, err := f.fetchOnce(ctx, url, headers, pooled)
		if err == nil {
			return data, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, attempt, lastErr
		}
		if attempt > f.opts.Retry {
			var netErr *NetworkError
			if errors.As(lastErr, &netErr) {
				netErr.Attempts = attempt
			}
			return nil, attempt, lastErr
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}

		select {
		case <-ctx.Done():
			return nil, attempt, lastErr
		case <-time.After(f.opts.Backoff * time.Duration(attempt)):
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string, headers map[string]string, pooled bool) ([]byte, error) {
	span, ctx := tracing.StartSpan(ctx, "fetch.segment")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "http.url", url)

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &NetworkError{URL: url, Err: err}
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		netErr := &NetworkError{URL: url, Err: err}
		tracing.LogError(span, netErr)
		return nil, netErr
	}
	defer resp.Body.Close()

	tracing.SetTag(span, "http.status_code", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		netErr := &NetworkError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
		tracing.LogError(span, netErr)
		return nil, netErr
	}

	data, err := f.readBody(resp, pooled)
	metrics.RecordSegmentRequest(time.Since(start).Seconds())
	if err != nil {
		netErr := &NetworkError{URL: url, Err: err}
		tracing.LogError(span, netErr)
		return nil, netErr
	}

	return data, nil
}

func (f *Fetcher) readBody(resp *http.Response, pooled bool) ([]byte, error) {
	if !pooled || f.opts.Allocator == nil || resp.ContentLength <= 0 {
		return io.ReadAll(resp.Body)
	}

	buf := f.opts.Allocator.Acquire(int(resp.ContentLength))
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		f.opts.Allocator.Release(buf)
		return nil, err
	}
	return buf, nil
}

func (f *Fetcher) release(buf []byte) {
	if buf != nil && f.opts.Allocator != nil {
		f.opts.Allocator.Release(buf)
	}
}
