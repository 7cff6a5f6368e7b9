package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrBusy        = errors.New("pipeline is already running")
	ErrInvalidTask = errors.New("task requires url and output")
	ErrNoSegments  = errors.New("playlist contains no segments")
	ErrStopped     = errors.New("pipeline stopped")
	ErrNoRun       = errors.New("pipeline has not been started")

	ErrInvalidKeyLength  = errors.New("AES-128 key must be 16 bytes")
	ErrInvalidIV         = errors.New("AES-128 IV must be 16 bytes")
	ErrCiphertextLength  = errors.New("ciphertext is not a multiple of the block size")
	ErrBadPadding        = errors.New("invalid PKCS#7 padding")
	ErrUnsupportedMethod = errors.New("unsupported encryption method")
)

// TaskError is a fatal error that rejects the whole task
type TaskError struct {
	Op  string
	Err error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.Op, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// CryptoError is a per-segment decryption failure. The segment is counted as
// failed and the task continues.
type CryptoError struct {
	Sequence int64
	URI      string
	Err      error
}

func (e *CryptoError) Error() string {
	if e.URI != "" {
		return fmt.Sprintf("decrypt segment %d (key %s): %v", e.Sequence, e.URI, e.Err)
	}
	return fmt.Sprintf("decrypt segment %d: %v", e.Sequence, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }
