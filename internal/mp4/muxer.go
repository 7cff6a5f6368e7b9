// Package mp4 repackages H.264 and AAC elementary streams into a progressive MP4 file.
package mp4

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/ts"
)

const (
	// MovieTimescale is the mvhd timescale and the timescale of video tracks
	MovieTimescale = 90000

	defaultWidth  = 1280
	defaultHeight = 720

	// PTS/DTS are 33-bit counters
	timestampWrap = int64(1) << 33
)

// Sample is one access unit. PTS and DTS are in 90 kHz units.
type Sample struct {
	Data     []byte
	PTS      int64
	DTS      int64
	Keyframe bool

	// Set by Flush, in track timescale units
	Duration          uint32
	CompositionOffset int32
}

// Track accumulates the samples of one elementary stream
type Track struct {
	ID        uint32
	PID       uint16
	Codec     ts.Codec
	Timescale uint32

	Width  int
	Height int
	SPS    []byte
	PPS    []byte

	SampleRate  int
	Channels    uint8
	AudioConfig []byte

	samples  []Sample
	duration uint64
	wrap     int64
	lastDTS  int64
}

// IsAudio reports whether the track carries AAC
func (t *Track) IsAudio() bool {
	return t.Codec == ts.CodecAAC
}

// MediaType returns "audio" or "video"
func (t *Track) MediaType() string {
	if t.IsAudio() {
		return "audio"
	}
	return "video"
}

// SampleCount returns the number of samples pushed so far
func (t *Track) SampleCount() int {
	return len(t.samples)
}

// Samples returns a copy of the sample list
func (t *Track) Samples() []Sample {
	return append([]Sample(nil), t.samples...)
}

// Duration returns the track duration in its own timescale, valid after Flush
func (t *Track) Duration() uint64 {
	return t.duration
}

// unwrap extends a 33-bit timestamp across counter wraparound
func (t *Track) unwrap(ts int64) int64 {
	ts += t.wrap
	if len(t.samples) > 0 && t.lastDTS-ts > timestampWrap/2 {
		t.wrap += timestampWrap
		ts += timestampWrap
	}
	return ts
}

func (t *Track) append(s Sample) {
	t.samples = append(t.samples, s)
	t.lastDTS = s.DTS
}

// Muxer collects samples per track and writes the whole file on Flush.
// It is not safe for concurrent use.
type Muxer struct {
	tracks []*Track
	byPID  map[uint16]*Track
}

// NewMuxer creates an empty muxer
func NewMuxer() *Muxer {
	return &Muxer{byPID: make(map[uint16]*Track)}
}

// AddTrack registers an H.264 or AAC track. Adding a PID twice returns the
// existing track.
func (m *Muxer) AddTrack(pid uint16, codec ts.Codec) (*Track, error) {
	if t, ok := m.byPID[pid]; ok {
		return t, nil
	}

	t := &Track{
		ID:    uint32(len(m.tracks) + 1),
		PID:   pid,
		Codec: codec,
	}
	switch codec {
	case ts.CodecH264:
		t.Timescale = MovieTimescale
		t.Width, t.Height = defaultWidth, defaultHeight
	case ts.CodecAAC:
		t.Channels = 2
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec)
	}

	m.tracks = append(m.tracks, t)
	m.byPID[pid] = t
	return t, nil
}

// Tracks returns the registered tracks in registration order
func (m *Muxer) Tracks() []*Track {
	return append([]*Track(nil), m.tracks...)
}

// Push converts a demuxed PES sample and appends it to its track. It returns
// the number of samples added. Samples for unknown PIDs are ignored. The
// muxer retains s.Data.
func (m *Muxer) Push(s ts.Sample) (int, error) {
	t, ok := m.byPID[s.PID]
	if !ok {
		return 0, nil
	}

	switch t.Codec {
	case ts.CodecH264:
		return m.pushH264(t, s)
	case ts.CodecAAC:
		return m.pushAAC(t, s)
	}
	return 0, nil
}

func (m *Muxer) pushH264(t *Track, s ts.Sample) (int, error) {
	units := SplitAnnexB(s.Data)
	if len(units) == 0 {
		return 0, nil
	}

	kept := units[:0]
	keyframe := false
	var spsErr error
	for _, nal := range units {
		switch nal[0] & 0x1F {
		case NALTypeSPS:
			t.SPS = append([]byte(nil), nal...)
			if info, err := ParseSPS(nal); err == nil {
				t.Width, t.Height = info.Width, info.Height
			} else {
				spsErr = fmt.Errorf("parse SPS: %w", err)
			}
		case NALTypePPS:
			t.PPS = append([]byte(nil), nal...)
		case NALTypeIDR:
			keyframe = true
		case NALTypeAUD:
			continue
		}
		kept = append(kept, nal)
	}
	if len(kept) == 0 {
		return 0, spsErr
	}

	pts, dts := m.timestamps(t, s, MovieTimescale/30)
	t.append(Sample{
		Data:     ToLengthPrefixed(kept),
		PTS:      pts,
		DTS:      dts,
		Keyframe: keyframe,
	})
	return 1, spsErr
}

func (m *Muxer) pushAAC(t *Track, s ts.Sample) (int, error) {
	frames, err := ParseADTS(s.Data)
	if len(frames) == 0 {
		return 0, err
	}

	first := frames[0]
	if t.SampleRate == 0 {
		t.SampleRate = first.SampleRate
		t.Timescale = uint32(first.SampleRate)
		t.AudioConfig = first.AudioSpecificConfig()
		if first.Channels > 0 {
			t.Channels = first.Channels
		}
	}

	frameTicks := int64(SamplesPerFrame) * MovieTimescale / int64(t.SampleRate)
	pts, _ := m.timestamps(t, s, frameTicks)
	for k, f := range frames {
		framePTS := pts + int64(k)*int64(SamplesPerFrame)*MovieTimescale/int64(t.SampleRate)
		t.append(Sample{
			Data:     f.Payload,
			PTS:      framePTS,
			DTS:      framePTS,
			Keyframe: true,
		})
	}
	return len(frames), err
}

// timestamps resolves the 90 kHz PTS/DTS of a PES sample. A PES without a PTS
// is placed step ticks after the previous sample.
func (m *Muxer) timestamps(t *Track, s ts.Sample, step int64) (int64, int64) {
	if !s.HasPTS {
		if len(t.samples) == 0 {
			return 0, 0
		}
		last := t.samples[len(t.samples)-1].DTS
		return last + step, last + step
	}
	dts := t.unwrap(s.DTS)
	pts := dts + (s.PTS - s.DTS)
	return pts, dts
}

// Flush sorts samples, computes durations and writes ftyp, moov and mdat to w.
// It returns the number of bytes written.
func (m *Muxer) Flush(w io.Writer) (int64, error) {
	if len(m.tracks) == 0 {
		return 0, &MuxError{Err: ErrNoTracks}
	}

	var active []*Track
	var payload uint64
	for _, t := range m.tracks {
		if len(t.samples) == 0 {
			continue
		}
		if t.Codec == ts.CodecH264 && (len(t.SPS) < 4 || len(t.PPS) == 0) {
			return 0, &MuxError{TrackID: t.ID, Err: ErrMissingParameterSets}
		}
		t.prepare()
		for _, s := range t.samples {
			payload += uint64(len(s.Data))
		}
		active = append(active, t)
	}
	if len(active) == 0 {
		return 0, &MuxError{Err: ErrNoSamples}
	}

	var movieDuration uint64
	for _, t := range active {
		scaled := t.duration * MovieTimescale / uint64(t.Timescale)
		if scaled > movieDuration {
			movieDuration = scaled
		}
	}

	ftyp := ftypBox()
	header := mdatHeader(payload)
	offsets := make([]uint64, len(active))

	// The draft has the same size as the final moov since offsets are fixed width
	co64 := false
	draft := m.moov(active, movieDuration, offsets, co64)
	if uint64(len(ftyp)+len(draft)+len(header))+payload > math.MaxUint32 {
		co64 = true
		draft = m.moov(active, movieDuration, offsets, co64)
	}

	cursor := uint64(len(ftyp) + len(draft) + len(header))
	for i, t := range active {
		offsets[i] = cursor
		for _, s := range t.samples {
			cursor += uint64(len(s.Data))
		}
	}
	moov := m.moov(active, movieDuration, offsets, co64)

	var written int64
	for _, part := range [][]byte{ftyp, moov, header} {
		n, err := w.Write(part)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write mp4 header: %w", err)
		}
	}
	for _, t := range active {
		for _, s := range t.samples {
			n, err := w.Write(s.Data)
			written += int64(n)
			if err != nil {
				return written, fmt.Errorf("write mdat: %w", err)
			}
		}
	}

	return written, nil
}

func (m *Muxer) moov(tracks []*Track, duration uint64, offsets []uint64, co64 bool) []byte {
	nextID := uint32(0)
	parts := make([][]byte, 0, len(tracks)+1)
	parts = append(parts, nil)
	for i, t := range tracks {
		if t.ID > nextID {
			nextID = t.ID
		}
		tkhdDuration := t.duration * MovieTimescale / uint64(t.Timescale)
		parts = append(parts, box("trak",
			tkhdBox(t, tkhdDuration),
			box("mdia", mdhdBox(t), hdlrBox(t), minfBox(t, offsets[i], co64)),
		))
	}
	parts[0] = mvhdBox(MovieTimescale, duration, nextID+1)
	return box("moov", parts...)
}

// prepare sorts samples by DTS and fills in durations and composition offsets
func (t *Track) prepare() {
	sort.SliceStable(t.samples, func(i, j int) bool {
		return t.samples[i].DTS < t.samples[j].DTS
	})

	scale := func(v int64) int64 {
		return v * int64(t.Timescale) / MovieTimescale
	}

	n := len(t.samples)
	t.duration = 0
	for i := range t.samples {
		s := &t.samples[i]

		var d int64
		switch {
		case t.IsAudio():
			d = SamplesPerFrame
		case i+1 < n:
			d = scale(t.samples[i+1].DTS) - scale(s.DTS)
			if d < 1 {
				d = 1
			}
		case n > 1:
			d = int64(t.samples[i-1].Duration)
		default:
			d = int64(t.Timescale) / 30
		}
		s.Duration = uint32(d)

		if !t.IsAudio() {
			s.CompositionOffset = int32(scale(s.PTS) - scale(s.DTS))
		}
		t.duration += uint64(s.Duration)
	}
}
