package mp4

import (
	"errors"
	"fmt"
)

var (
	ErrNoTracks             = errors.New("no tracks registered")
	ErrNoSamples            = errors.New("no samples to mux")
	ErrMissingParameterSets = errors.New("video track is missing SPS/PPS")
	ErrUnsupportedCodec     = errors.New("unsupported codec")
)

// MuxError reports a failure to build the output container
type MuxError struct {
	TrackID uint32
	Err     error
}

func (e *MuxError) Error() string {
	if e.TrackID != 0 {
		return fmt.Sprintf("mux track %d: %v", e.TrackID, e.Err)
	}
	return fmt.Sprintf("mux: %v", e.Err)
}

func (e *MuxError) Unwrap() error { return e.Err }
