// Package ts demultiplexes MPEG transport streams into elementary stream samples.
package ts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"

	"github.com/asticode/go-astits"
)

const (
	PacketSize = 188
	SyncByte   = 0x47

	patPID = 0x0000
)

// Stream types recognised in the PMT
const (
	StreamTypeAAC  = 0x0F
	StreamTypeH264 = 0x1B
	StreamTypeH265 = 0x24
)

// Codec names an elementary stream codec
type Codec string

const (
	CodecAAC  Codec = "aac"
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
)

var streamTypes = map[byte]Codec{
	StreamTypeAAC:  CodecAAC,
	StreamTypeH264: CodecH264,
	StreamTypeH265: CodecH265,
}

// Track is an elementary stream registered from the PMT
type Track struct {
	PID        uint16
	StreamType byte
	Codec      Codec
}

// Sample is one reassembled PES payload. Timestamps are in 90 kHz units.
type Sample struct {
	PID        uint16
	Codec      Codec
	StreamType byte
	PTS        int64
	DTS        int64
	HasPTS     bool
	Data       []byte
}

// Handler receives tracks as they are registered and samples as PES packets complete
type Handler interface {
	OnTrack(Track)
	OnSample(Sample)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Track  func(Track)
	Sample func(Sample)
}

func (h HandlerFuncs) OnTrack(t Track) {
	if h.Track != nil {
		h.Track(t)
	}
}

func (h HandlerFuncs) OnSample(s Sample) {
	if h.Sample != nil {
		h.Sample(s)
	}
}

// errNeedMore stops astits when the aligned packets run out mid stream, so
// open PES packets stay in its pool until the next Push
var errNeedMore = errors.New("ts: need more packets")

// packetSource hands whole packets to astits. It reports io.EOF only once
// Flush has been called.
type packetSource struct {
	buf bytes.Buffer
	eof bool
}

func (s *packetSource) Read(p []byte) (int, error) {
	if s.buf.Len() == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, errNeedMore
	}
	return s.buf.Read(p)
}

// Demuxer is an incremental MPEG-TS parser built on astits. Push aligns raw
// bytes on sync bytes and astits reassembles PSI sections and PES packets. It
// is not safe for concurrent use.
type Demuxer struct {
	handler Handler

	tail    []byte
	src     *packetSource
	dmx     *astits.Demuxer
	tracks  map[uint16]Track
	pmtPIDs map[uint16]bool
}

// NewDemuxer creates a demuxer reporting to handler
func NewDemuxer(handler Handler) *Demuxer {
	if handler == nil {
		handler = HandlerFuncs{}
	}
	d := &Demuxer{handler: handler}
	d.Reset()
	return d
}

// Reset drops all buffered bytes, tracks and partial PES packets
func (d *Demuxer) Reset() {
	d.tail = nil
	d.tracks = make(map[uint16]Track)
	d.pmtPIDs = make(map[uint16]bool)
	d.restart()
}

func (d *Demuxer) restart() {
	d.src = &packetSource{}
	d.dmx = astits.NewDemuxer(context.Background(), d.src,
		astits.DemuxerOptPacketSize(PacketSize),
		astits.DemuxerOptPacketSkipper(d.skip),
	)
}

// skip drops packets on PIDs that are neither PSI nor a registered track, so
// PES data seen before its PMT never reaches the handler
func (d *Demuxer) skip(p *astits.Packet) bool {
	pid := p.Header.PID
	if pid == patPID || d.pmtPIDs[pid] {
		return false
	}
	_, ok := d.tracks[pid]
	return !ok
}

// Tracks returns the registered tracks ordered by PID
func (d *Demuxer) Tracks() []Track {
	tracks := make([]Track, 0, len(d.tracks))
	for _, t := range d.tracks {
		tracks = append(tracks, t)
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].PID < tracks[j].PID })
	return tracks
}

// Push feeds transport stream bytes. Incomplete trailing packets are kept for
// the next call and PES packets complete when the next unit starts on their PID.
func (d *Demuxer) Push(data []byte) {
	buf := data
	if len(d.tail) > 0 {
		buf = append(d.tail, data...)
	}

	offset := 0
	for len(buf)-offset >= PacketSize {
		if buf[offset] != SyncByte {
			offset++
			continue
		}
		d.src.buf.Write(buf[offset : offset+PacketSize])
		offset += PacketSize
	}

	rest := buf[offset:]
	if len(rest) == 0 {
		d.tail = nil
	} else {
		d.tail = append(make([]byte, 0, len(rest)), rest...)
	}

	d.drain()
}

// Flush emits every partially assembled PES packet and drops trailing bytes.
// Registered tracks survive.
func (d *Demuxer) Flush() {
	d.src.eof = true
	d.drain()
	d.tail = nil
	d.restart()
}

func (d *Demuxer) drain() {
	idle := 0
	for {
		data, err := d.dmx.NextData()
		if err != nil {
			if errors.Is(err, errNeedMore) || errors.Is(err, astits.ErrNoMorePackets) {
				return
			}
			// a malformed section or PES only costs the packets it spanned
			if d.src.buf.Len() == 0 {
				if !d.src.eof || idle > 2 {
					return
				}
				idle++
			}
			continue
		}
		idle = 0
		if data == nil {
			continue
		}

		switch {
		case data.PAT != nil:
			for _, p := range data.PAT.Programs {
				if p.ProgramNumber != 0 {
					d.pmtPIDs[p.ProgramMapID] = true
				}
			}
		case data.PMT != nil:
			d.registerStreams(data.PMT)
		case data.PES != nil:
			d.emit(data.PID, data.PES)
		}
	}
}

func (d *Demuxer) registerStreams(pmt *astits.PMTData) {
	for _, es := range pmt.ElementaryStreams {
		streamType := byte(es.StreamType)
		codec, ok := streamTypes[streamType]
		if !ok {
			continue
		}
		if _, exists := d.tracks[es.ElementaryPID]; exists {
			continue
		}
		track := Track{PID: es.ElementaryPID, StreamType: streamType, Codec: codec}
		d.tracks[track.PID] = track
		d.handler.OnTrack(track)
	}
}

func (d *Demuxer) emit(pid uint16, pes *astits.PESData) {
	track, ok := d.tracks[pid]
	if !ok || len(pes.Data) == 0 {
		return
	}

	s := Sample{
		PID:        pid,
		Codec:      track.Codec,
		StreamType: track.StreamType,
		Data:       pes.Data,
	}
	if pes.Header != nil {
		s.PTS, s.DTS, s.HasPTS = timestamps(pes.Header.OptionalHeader)
	}
	d.handler.OnSample(s)
}

// timestamps returns PTS and DTS, with DTS defaulting to PTS. A timestamp
// only counts when it fits inside the declared header data length.
func timestamps(h *astits.PESOptionalHeader) (pts, dts int64, ok bool) {
	if h == nil || h.PTS == nil || h.HeaderLength < 5 {
		return 0, 0, false
	}
	pts = h.PTS.Base
	dts = pts
	if h.DTS != nil && h.HeaderLength >= 10 {
		dts = h.DTS.Base
	}
	return pts, dts, true
}
