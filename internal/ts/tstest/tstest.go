// Package tstest builds synthetic MPEG transport streams for tests.
package tstest

import (
	"bytes"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/ts"
)

// Default PIDs used by Segment
const (
	PMTPID   = 0x1000
	VideoPID = 0x0100
	AudioPID = 0x0101
)

// Stream type and PID of one PMT entry
type Elementary struct {
	StreamType byte
	PID        uint16
}

// Writer accumulates transport stream packets
type Writer struct {
	buf        bytes.Buffer
	continuity map[uint16]byte
}

// NewWriter creates an empty writer
func NewWriter() *Writer {
	return &Writer{continuity: make(map[uint16]byte)}
}

// Bytes returns every packet written so far
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// PAT writes a program association table pointing program 1 at pmtPID
func (w *Writer) PAT(pmtPID uint16) {
	section := []byte{
		0x00,       // table_id
		0xB0, 0x0D, // section_length 13
		0x00, 0x01, // transport_stream_id
		0xC1, 0x00, 0x00,
		0x00, 0x01, // program_number
		0xE0 | byte(pmtPID>>8), byte(pmtPID),
	}
	w.psi(0, section)
}

// PMT writes a program map table listing streams
func (w *Writer) PMT(pmtPID uint16, streams ...Elementary) {
	pcr := uint16(0x1FFF)
	if len(streams) > 0 {
		pcr = streams[0].PID
	}

	length := 9 + 5*len(streams) + 4
	section := []byte{
		0x02,
		0xB0 | byte(length>>8), byte(length),
		0x00, 0x01, // program_number
		0xC1, 0x00, 0x00,
		0xE0 | byte(pcr>>8), byte(pcr),
		0xF0, 0x00, // program_info_length
	}
	for _, s := range streams {
		section = append(section, s.StreamType, 0xE0|byte(s.PID>>8), byte(s.PID), 0xF0, 0x00)
	}
	w.psi(pmtPID, section)
}

// PES writes one PES packet. A negative dts omits the DTS field. When bounded
// is false the packet length field is zero.
func (w *Writer) PES(pid uint16, streamID byte, pts, dts int64, payload []byte, bounded bool) {
	var header []byte
	if dts >= 0 {
		header = append(header, encodeTimestamp(0x3, pts)...)
		header = append(header, encodeTimestamp(0x1, dts)...)
	} else {
		header = append(header, encodeTimestamp(0x2, pts)...)
	}

	flags := byte(0x80)
	if dts >= 0 {
		flags = 0xC0
	}

	length := 0
	if bounded {
		length = 3 + len(header) + len(payload)
		if length > 0xFFFF {
			length = 0
		}
	}

	w.RawPES(pid, streamID, flags, header, payload, length)
}

// RawPES writes a PES packet with caller supplied PTS_DTS flags and header
// data, so tests can build headers that disagree with their flags
func (w *Writer) RawPES(pid uint16, streamID, flags byte, header, payload []byte, length int) {
	pes := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length), 0x80, flags, byte(len(header))}
	pes = append(pes, header...)
	pes = append(pes, payload...)
	w.payload(pid, pes)
}

// Timestamp encodes a PTS or DTS field with the given 4-bit prefix
func Timestamp(prefix byte, v int64) []byte {
	return encodeTimestamp(prefix, v)
}

func (w *Writer) psi(pid uint16, section []byte) {
	crc := crc32MPEG(section)
	data := append([]byte{0x00}, section...)
	data = append(data, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))

	packet := w.header(pid, true, 1)
	packet = append(packet, data...)
	for len(packet) < ts.PacketSize {
		packet = append(packet, 0xFF)
	}
	w.buf.Write(packet)
}

// payload splits data across packets, stuffing the last one through the adaptation field
func (w *Writer) payload(pid uint16, data []byte) {
	first := true
	for len(data) > 0 {
		n := len(data)
		if n >= ts.PacketSize-4 {
			packet := w.header(pid, first, 1)
			packet = append(packet, data[:ts.PacketSize-4]...)
			w.buf.Write(packet)
			data = data[ts.PacketSize-4:]
			first = false
			continue
		}

		packet := w.header(pid, first, 3)
		stuffing := ts.PacketSize - 4 - 1 - n
		packet = append(packet, byte(stuffing))
		if stuffing > 0 {
			packet = append(packet, 0x00)
			for i := 1; i < stuffing; i++ {
				packet = append(packet, 0xFF)
			}
		}
		packet = append(packet, data...)
		w.buf.Write(packet)
		return
	}
}

func (w *Writer) header(pid uint16, unitStart bool, adaptation byte) []byte {
	cc := w.continuity[pid]
	w.continuity[pid] = (cc + 1) & 0x0F

	b1 := byte(pid>>8) & 0x1F
	if unitStart {
		b1 |= 0x40
	}
	return []byte{ts.SyncByte, b1, byte(pid), adaptation<<4 | cc}
}

func encodeTimestamp(prefix byte, v int64) []byte {
	return []byte{
		prefix<<4 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1)&0xFE | 0x01,
	}
}

func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// AnnexB joins NAL units with 4-byte start codes
func AnnexB(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

// ADTS wraps payload in a 7-byte AAC-LC ADTS header
func ADTS(samplingIndex, channels byte, payload []byte) []byte {
	length := 7 + len(payload)
	header := []byte{
		0xFF,
		0xF1,
		1<<6 | samplingIndex<<2 | (channels>>2)&0x01,
		(channels&0x03)<<6 | byte(length>>11)&0x03,
		byte(length >> 3),
		byte(length&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(header, payload...)
}

// PPS is a minimal picture parameter set NAL unit
var PPS = []byte{0x68, 0xCE, 0x3C, 0x80}

// Slice returns a coded slice NAL unit with a filler body
func Slice(idr bool, size int) []byte {
	nal := []byte{0x41}
	if idr {
		nal[0] = 0x65
	}
	for i := 0; i < size; i++ {
		nal = append(nal, 0xA0|byte(i&0x0F))
	}
	return nal
}

// SegmentOptions describes a synthetic segment
type SegmentOptions struct {
	Frames   int
	StartPTS int64
	Width    int
	Height   int
	NoAudio  bool
}

// Segment builds a complete transport stream with PAT, PMT, H.264 access units
// at 30 fps and one AAC frame per video frame at 48 kHz stereo. Every video PES
// carries a DTS one frame behind its PTS.
func Segment(o SegmentOptions) []byte {
	if o.Frames <= 0 {
		o.Frames = 1
	}
	if o.Width == 0 {
		o.Width, o.Height = 1920, 1080
	}

	w := NewWriter()
	w.PAT(PMTPID)
	streams := []Elementary{{StreamType: ts.StreamTypeH264, PID: VideoPID}}
	if !o.NoAudio {
		streams = append(streams, Elementary{StreamType: ts.StreamTypeAAC, PID: AudioPID})
	}
	w.PMT(PMTPID, streams...)

	sps := SPS(o.Width, o.Height)
	aud := []byte{0x09, 0xF0}
	audioTicks := int64(1024 * 90000 / 48000)

	for k := 0; k < o.Frames; k++ {
		dts := o.StartPTS + int64(k)*3000
		var au []byte
		if k == 0 {
			au = AnnexB(aud, sps, PPS, Slice(true, 300))
		} else {
			au = AnnexB(aud, Slice(false, 120))
		}
		w.PES(VideoPID, 0xE0, dts+3000, dts, au, true)

		if !o.NoAudio {
			frame := ADTS(3, 2, bytes.Repeat([]byte{byte(0x20 + k%16)}, 64))
			w.PES(AudioPID, 0xC0, o.StartPTS+int64(k)*audioTicks, -1, frame, true)
		}
	}
	return w.Bytes()
}

// BitWriter builds big-endian bit strings
type BitWriter struct {
	out   []byte
	cur   byte
	nbits int
}

// WriteBits appends the low n bits of v
func (b *BitWriter) WriteBits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		b.cur = b.cur<<1 | byte(v>>uint(i)&1)
		b.nbits++
		if b.nbits == 8 {
			b.out = append(b.out, b.cur)
			b.cur, b.nbits = 0, 0
		}
	}
}

// WriteUE appends an unsigned Exp-Golomb code
func (b *BitWriter) WriteUE(v uint32) {
	code := v + 1
	length := 0
	for x := code; x > 0; x >>= 1 {
		length++
	}
	b.WriteBits(0, length-1)
	b.WriteBits(code, length)
}

// WriteSE appends a signed Exp-Golomb code
func (b *BitWriter) WriteSE(v int32) {
	if v > 0 {
		b.WriteUE(uint32(2*v - 1))
		return
	}
	b.WriteUE(uint32(-2 * v))
}

// Finish appends the RBSP stop bit and returns the byte-aligned result
func (b *BitWriter) Finish() []byte {
	b.WriteBits(1, 1)
	for b.nbits != 0 {
		b.WriteBits(0, 1)
	}
	return b.out
}

// SPS returns a baseline-profile SPS NAL unit for the given picture size
func SPS(width, height int) []byte {
	return buildSPS(66, width, height)
}

// HighProfileSPS returns a high-profile SPS NAL unit carrying a scaling matrix
func HighProfileSPS(width, height int) []byte {
	return buildSPS(100, width, height)
}

func buildSPS(profile uint32, width, height int) []byte {
	mbWidth := (width + 15) / 16
	mbHeight := (height + 15) / 16

	var b BitWriter
	b.WriteBits(profile, 8)
	b.WriteBits(0, 8)  // constraint flags
	b.WriteBits(40, 8) // level 4.0
	b.WriteUE(0)       // seq_parameter_set_id

	if profile == 100 {
		b.WriteUE(1)      // chroma_format_idc 4:2:0
		b.WriteUE(0)      // bit_depth_luma_minus8
		b.WriteUE(0)      // bit_depth_chroma_minus8
		b.WriteBits(0, 1) // qpprime_y_zero_transform_bypass_flag
		b.WriteBits(1, 1) // seq_scaling_matrix_present_flag
		b.WriteBits(1, 1) // list 0 present
		b.WriteSE(-8)     // next scale 0 ends the list
		b.WriteBits(0, 7) // lists 1..7 absent
	}

	b.WriteUE(0) // log2_max_frame_num_minus4
	b.WriteUE(2) // pic_order_cnt_type
	b.WriteUE(1) // max_num_ref_frames
	b.WriteBits(0, 1)
	b.WriteUE(uint32(mbWidth - 1))
	b.WriteUE(uint32(mbHeight - 1))
	b.WriteBits(1, 1) // frame_mbs_only_flag
	b.WriteBits(1, 1) // direct_8x8_inference_flag

	cropRight := (mbWidth*16 - width) / 2
	cropBottom := (mbHeight*16 - height) / 2
	if cropRight > 0 || cropBottom > 0 {
		b.WriteBits(1, 1)
		b.WriteUE(0)
		b.WriteUE(uint32(cropRight))
		b.WriteUE(0)
		b.WriteUE(uint32(cropBottom))
	} else {
		b.WriteBits(0, 1)
	}
	b.WriteBits(0, 1) // vui_parameters_present_flag

	return append([]byte{0x67}, InsertEmulationPrevention(b.Finish())...)
}

// InsertEmulationPrevention escapes start-code-like sequences in an RBSP
func InsertEmulationPrevention(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+4)
	zeros := 0
	for _, v := range rbsp {
		if zeros >= 2 && v <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, v)
		if v == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
