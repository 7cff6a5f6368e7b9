// Package bufpool provides a size-keyed free list of byte buffers for segment payloads.
package bufpool

import "sync"

const (
	DefaultChunkSize = 1 << 20
	DefaultMaxSize   = 128 << 20
)

// Pool is a free list of reusable buffers. Entries are kept in release order so
// the oldest are evicted first when the pooled total exceeds the ceiling.
type Pool struct {
	chunkSize int
	maxSize   int

	mu      sync.Mutex
	buffers [][]byte
	size    int
}

// New creates a pool. Non-positive arguments fall back to the defaults.
func New(chunkSize, maxSize int) *Pool {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Pool{chunkSize: chunkSize, maxSize: maxSize}
}

// Acquire returns a buffer of exactly size bytes. A pooled buffer is reused when
// one with capacity of at least max(size, chunkSize) exists.
func (p *Pool) Acquire(size int) []byte {
	if size < 0 {
		size = 0
	}
	target := size
	if target < p.chunkSize {
		target = p.chunkSize
	}

	p.mu.Lock()
	for i, buf := range p.buffers {
		if cap(buf) >= target {
			p.buffers = append(p.buffers[:i], p.buffers[i+1:]...)
			p.size -= cap(buf)
			p.mu.Unlock()
			return buf[:size]
		}
	}
	p.mu.Unlock()

	return make([]byte, size, target)
}

// Release returns buf to the pool. Buffers larger than the ceiling are dropped.
func (p *Pool) Release(buf []byte) {
	if buf == nil || cap(buf) > p.maxSize {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.buffers = append(p.buffers, buf[:0])
	p.size += cap(buf)
	for p.size > p.maxSize && len(p.buffers) > 0 {
		p.size -= cap(p.buffers[0])
		p.buffers[0] = nil
		p.buffers = p.buffers[1:]
	}
}

// Size returns the total capacity currently pooled
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Len returns the number of pooled buffers
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// Clear drops every pooled buffer
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffers = nil
	p.size = 0
}
