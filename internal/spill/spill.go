// Package spill persists segment payloads to a task-scoped temp directory once
// resident memory passes a threshold.
package spill

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultThreshold is the resident byte count above which payloads are spilled
const DefaultThreshold = 256 << 20

// Options configures a Spill
type Options struct {
	Dir       string
	Prefix    string
	Threshold int64
}

// Descriptor identifies one spilled payload
type Descriptor struct {
	Path string
	Size int64
}

// Usage reports the number of tracked files and their aggregate size
type Usage struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Spill is an overflow store backed by temp files
type Spill struct {
	dir       string
	prefix    string
	threshold int64
	created   bool

	mu    sync.Mutex
	files map[string]int64
	size  int64
}

// New creates the spill directory. A directory that cannot be created is a
// fatal error for the owning task.
func New(opts Options) (*Spill, error) {
	dir := opts.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "hlsmux-spill")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "spill"
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	_, statErr := os.Stat(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}

	return &Spill{
		dir:       dir,
		prefix:    prefix,
		threshold: threshold,
		created:   errors.Is(statErr, fs.ErrNotExist),
		files:     make(map[string]int64),
	}, nil
}

// Dir returns the spill directory
func (s *Spill) Dir() string {
	return s.dir
}

// Threshold returns the configured spill threshold in bytes
func (s *Spill) Threshold() int64 {
	return s.threshold
}

// Write persists data to a new uniquely named file
func (s *Spill) Write(data []byte) (Descriptor, error) {
	name, err := s.newName()
	if err != nil {
		return Descriptor{}, err
	}
	path := filepath.Join(s.dir, name)

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Descriptor{}, fmt.Errorf("failed to write spill file: %w", err)
	}

	d := Descriptor{Path: path, Size: int64(len(data))}

	s.mu.Lock()
	s.files[path] = d.Size
	s.size += d.Size
	s.mu.Unlock()

	return d, nil
}

// Open returns a reader over a spilled payload
func (s *Spill) Open(d Descriptor) (io.ReadCloser, error) {
	if d.Path == "" {
		return nil, errors.New("invalid spill descriptor")
	}
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill file: %w", err)
	}
	return f, nil
}

// ReadAll reads a spilled payload into memory
func (s *Spill) ReadAll(d Descriptor) ([]byte, error) {
	r, err := s.Open(d)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read spill file: %w", err)
	}
	return data, nil
}

// Remove deletes a spilled payload. Missing files are not an error.
func (s *Spill) Remove(d Descriptor) error {
	if d.Path == "" {
		return nil
	}

	if err := os.Remove(d.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove spill file: %w", err)
	}

	s.mu.Lock()
	if size, ok := s.files[d.Path]; ok {
		s.size -= size
		if s.size < 0 {
			s.size = 0
		}
		delete(s.files, d.Path)
	}
	s.mu.Unlock()

	return nil
}

// Cleanup removes every tracked file, and the directory when New created it.
func (s *Spill) Cleanup() error {
	s.mu.Lock()
	paths := make([]string, 0, len(s.files))
	for path := range s.files {
		paths = append(paths, path)
	}
	s.mu.Unlock()

	var errs []error
	for _, path := range paths {
		if err := s.Remove(Descriptor{Path: path}); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	s.files = make(map[string]int64)
	s.size = 0
	s.mu.Unlock()

	if s.created {
		if err := os.Remove(s.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove spill directory: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Usage returns the current file count and byte total
func (s *Spill) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{Files: len(s.files), Bytes: s.size}
}

func (s *Spill) newName() (string, error) {
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate spill file name: %w", err)
	}
	return fmt.Sprintf("%s-%d-%s.bin", s.prefix, time.Now().UnixMilli(), hex.EncodeToString(suffix)), nil
}
