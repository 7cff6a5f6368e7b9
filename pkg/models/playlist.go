package models

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Encryption methods recognised in EXT-X-KEY
const (
	EncryptionMethodNone      = "NONE"
	EncryptionMethodAES128    = "AES-128"
	EncryptionMethodSampleAES = "SAMPLE-AES"
)

// KeySize is the length of an AES-128 key and of its IV
const KeySize = 16

// Playlist represents a parsed HLS media playlist. It is never mutated after parse.
type Playlist struct {
	Sequence              int64     `json:"sequence"`
	TargetDuration        float64   `json:"target_duration"`
	Version               int       `json:"version"`
	DiscontinuitySequence int64     `json:"discontinuity_sequence"`
	IndependentSegments   bool      `json:"independent_segments"`
	Segments              []Segment `json:"segments"`
}

// Segment represents a single media segment of a playlist
type Segment struct {
	Sequence        int64          `json:"sequence"`
	Index           int            `json:"index"`
	URL             string         `json:"url"`
	Duration        float64        `json:"duration,omitempty"`
	Title           string         `json:"title,omitempty"`
	Key             *EncryptionKey `json:"key,omitempty"`
	Map             *InitSection   `json:"map,omitempty"`
	Discontinuity   bool           `json:"discontinuity,omitempty"`
	ProgramDateTime *time.Time     `json:"program_date_time,omitempty"`
	LineNumber      int            `json:"line_number"`
}

// Encrypted reports whether the segment must be decrypted before demuxing
func (s *Segment) Encrypted() bool {
	return s.Key != nil && s.Key.Method != EncryptionMethodNone
}

// EncryptionKey describes an EXT-X-KEY entry. A nil IV means the IV is derived
// from the media sequence number of the segment.
type EncryptionKey struct {
	Method string `json:"method"`
	URI    string `json:"uri"`
	IV     []byte `json:"iv,omitempty"`
}

// IVFor returns the IV to use for the segment with the given sequence number.
func (k *EncryptionKey) IVFor(sequence int64) ([]byte, error) {
	if k.IV != nil {
		if len(k.IV) != KeySize {
			return nil, fmt.Errorf("invalid IV length %d, want %d", len(k.IV), KeySize)
		}
		iv := make([]byte, KeySize)
		copy(iv, k.IV)
		return iv, nil
	}
	return DeriveIV(sequence), nil
}

// DeriveIV builds the default HLS IV: sixteen zero bytes with the sequence number
// written big-endian into the last four.
func DeriveIV(sequence int64) []byte {
	iv := make([]byte, KeySize)
	binary.BigEndian.PutUint32(iv[12:], uint32(sequence))
	return iv
}

// InitSection describes an EXT-X-MAP entry
type InitSection struct {
	URI       string `json:"uri"`
	ByteRange string `json:"byte_range,omitempty"`
}
