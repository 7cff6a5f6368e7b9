package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// OutputOpener opens the destination the muxed file is written to
type OutputOpener func(path string) (io.WriteCloser, error)

// FileOutput creates path and its parent directories
func FileOutput(path string) (io.WriteCloser, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return f, nil
}
