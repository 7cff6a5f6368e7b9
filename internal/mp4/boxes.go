package mp4

import (
	"encoding/binary"
	"math"
)

var unityMatrix = []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

func box(typ string, payloads ...[]byte) []byte {
	size := 8
	for _, p := range payloads {
		size += len(p)
	}
	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint32(out, uint32(size))
	out = append(out, typ[:4]...)
	for _, p := range payloads {
		out = append(out, p...)
	}
	return out
}

func fullBox(typ string, version byte, flags uint32, payloads ...[]byte) []byte {
	header := []byte{version, byte(flags >> 16), byte(flags >> 8), byte(flags)}
	return box(typ, append([][]byte{header}, payloads...)...)
}

func u16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
func zeros(n int) []byte  { return make([]byte, n) }

func matrix() []byte {
	out := make([]byte, 0, 36)
	for _, v := range unityMatrix {
		out = binary.BigEndian.AppendUint32(out, v)
	}
	return out
}

// timeFields encodes creation/modification/timescale/duration for mvhd and
// mdhd, switching to version 1 when the duration needs 64 bits.
func timeFields(timescale uint32, duration uint64) (byte, []byte) {
	if duration > math.MaxUint32 {
		out := make([]byte, 0, 28)
		out = binary.BigEndian.AppendUint64(out, 0)
		out = binary.BigEndian.AppendUint64(out, 0)
		out = binary.BigEndian.AppendUint32(out, timescale)
		out = binary.BigEndian.AppendUint64(out, duration)
		return 1, out
	}
	out := make([]byte, 0, 16)
	out = binary.BigEndian.AppendUint32(out, 0)
	out = binary.BigEndian.AppendUint32(out, 0)
	out = binary.BigEndian.AppendUint32(out, timescale)
	out = binary.BigEndian.AppendUint32(out, uint32(duration))
	return 0, out
}

func ftypBox() []byte {
	return box("ftyp", []byte("isom"), u32(512), []byte("isomiso2avc1mp41"))
}

func mvhdBox(timescale uint32, duration uint64, nextTrackID uint32) []byte {
	version, times := timeFields(timescale, duration)
	return fullBox("mvhd", version, 0,
		times,
		u32(0x00010000), // rate 1.0
		u16(0x0100),     // volume 1.0
		zeros(10),
		matrix(),
		zeros(24),
		u32(nextTrackID),
	)
}

func tkhdBox(t *Track, duration uint64) []byte {
	flags := uint32(0x000007)
	volume := uint16(0)
	width, height := uint32(0), uint32(0)
	if t.IsAudio() {
		flags = 0x000005
		volume = 0x0100
	} else {
		width = uint32(t.Width) << 16
		height = uint32(t.Height) << 16
	}

	var version byte
	var times []byte
	if duration > math.MaxUint32 {
		version = 1
		times = binary.BigEndian.AppendUint64(nil, 0)
		times = binary.BigEndian.AppendUint64(times, 0)
		times = binary.BigEndian.AppendUint32(times, t.ID)
		times = binary.BigEndian.AppendUint32(times, 0)
		times = binary.BigEndian.AppendUint64(times, duration)
	} else {
		times = binary.BigEndian.AppendUint32(nil, 0)
		times = binary.BigEndian.AppendUint32(times, 0)
		times = binary.BigEndian.AppendUint32(times, t.ID)
		times = binary.BigEndian.AppendUint32(times, 0)
		times = binary.BigEndian.AppendUint32(times, uint32(duration))
	}

	return fullBox("tkhd", version, flags,
		times,
		zeros(8),
		u16(0), // layer
		u16(0), // alternate group
		u16(volume),
		zeros(2),
		matrix(),
		u32(width),
		u32(height),
	)
}

func mdhdBox(t *Track) []byte {
	version, times := timeFields(t.Timescale, t.duration)
	return fullBox("mdhd", version, 0, times, u16(0x55C4), zeros(2)) // language "und"
}

func hdlrBox(t *Track) []byte {
	handler, name := "vide", "VideoHandler"
	if t.IsAudio() {
		handler, name = "soun", "SoundHandler"
	}
	return fullBox("hdlr", 0, 0, zeros(4), []byte(handler), zeros(12), append([]byte(name), 0))
}

func dinfBox() []byte {
	url := fullBox("url ", 0, 0x000001)
	return box("dinf", fullBox("dref", 0, 0, u32(1), url))
}

func minfBox(t *Track, offset uint64, co64 bool) []byte {
	var header []byte
	if t.IsAudio() {
		header = fullBox("smhd", 0, 0, zeros(4))
	} else {
		header = fullBox("vmhd", 0, 0x000001, zeros(8))
	}
	return box("minf", header, dinfBox(), stblBox(t, offset, co64))
}

func stblBox(t *Track, offset uint64, co64 bool) []byte {
	parts := [][]byte{stsdBox(t), sttsBox(t)}
	if !t.IsAudio() {
		if stss := stssBox(t); stss != nil {
			parts = append(parts, stss)
		}
	}
	if ctts := cttsBox(t); ctts != nil {
		parts = append(parts, ctts)
	}
	parts = append(parts, stscBox(t), stszBox(t), chunkOffsetBox(offset, co64))
	return box("stbl", parts...)
}

func stsdBox(t *Track) []byte {
	if t.IsAudio() {
		return fullBox("stsd", 0, 0, u32(1), mp4aBox(t))
	}
	return fullBox("stsd", 0, 0, u32(1), avc1Box(t))
}

func avc1Box(t *Track) []byte {
	return box("avc1",
		zeros(6),
		u16(1), // data reference index
		zeros(16),
		u16(uint16(t.Width)),
		u16(uint16(t.Height)),
		u32(0x00480000), // 72 dpi
		u32(0x00480000),
		zeros(4),
		u16(1), // frame count
		zeros(32),
		u16(0x0018), // depth
		u16(0xFFFF),
		box("avcC", avccPayload(t.SPS, t.PPS)),
		box("pasp", u32(1), u32(1)),
	)
}

func avccPayload(sps, pps []byte) []byte {
	out := []byte{1, sps[1], sps[2], sps[3], 0xFF, 0xE1}
	out = binary.BigEndian.AppendUint16(out, uint16(len(sps)))
	out = append(out, sps...)
	out = append(out, 1)
	out = binary.BigEndian.AppendUint16(out, uint16(len(pps)))
	return append(out, pps...)
}

func mp4aBox(t *Track) []byte {
	return box("mp4a",
		zeros(6),
		u16(1), // data reference index
		zeros(8),
		u16(uint16(t.Channels)),
		u16(16), // sample size
		zeros(4),
		u32(uint32(t.SampleRate)<<16),
		esdsBox(t.AudioConfig),
	)
}

func esdsBox(asc []byte) []byte {
	decoderSpecific := append([]byte{0x05, byte(len(asc))}, asc...)

	// MPEG-4 audio object type and audio stream type, then a zero buffer size
	// and zero max and average bitrates
	decoderConfig := append([]byte{0x40, 0x15}, make([]byte, 3+4+4)...)
	decoderConfig = append(decoderConfig, decoderSpecific...)
	decoderConfig = append([]byte{0x04, byte(len(decoderConfig))}, decoderConfig...)

	es := []byte{0x00, 0x01, 0x00} // ES_ID 1, no flags
	es = append(es, decoderConfig...)
	es = append(es, 0x06, 0x01, 0x02) // SL config
	es = append([]byte{0x03, byte(len(es))}, es...)

	return fullBox("esds", 0, 0, es)
}

func sttsBox(t *Track) []byte {
	var entries []byte
	count := uint32(0)
	for i := 0; i < len(t.samples); {
		d := t.samples[i].Duration
		run := 1
		for i+run < len(t.samples) && t.samples[i+run].Duration == d {
			run++
		}
		entries = binary.BigEndian.AppendUint32(entries, uint32(run))
		entries = binary.BigEndian.AppendUint32(entries, d)
		count++
		i += run
	}
	return fullBox("stts", 0, 0, u32(count), entries)
}

func stssBox(t *Track) []byte {
	var entries []byte
	count := uint32(0)
	for i, s := range t.samples {
		if s.Keyframe {
			entries = binary.BigEndian.AppendUint32(entries, uint32(i+1))
			count++
		}
	}
	if count == 0 {
		return nil
	}
	return fullBox("stss", 0, 0, u32(count), entries)
}

// cttsBox returns nil when every composition offset is zero. Version 1 is used
// when any offset is negative.
func cttsBox(t *Track) []byte {
	nonZero, negative := false, false
	for _, s := range t.samples {
		if s.CompositionOffset != 0 {
			nonZero = true
		}
		if s.CompositionOffset < 0 {
			negative = true
		}
	}
	if !nonZero {
		return nil
	}

	var entries []byte
	count := uint32(0)
	for i := 0; i < len(t.samples); {
		off := t.samples[i].CompositionOffset
		run := 1
		for i+run < len(t.samples) && t.samples[i+run].CompositionOffset == off {
			run++
		}
		entries = binary.BigEndian.AppendUint32(entries, uint32(run))
		entries = binary.BigEndian.AppendUint32(entries, uint32(off))
		count++
		i += run
	}

	var version byte
	if negative {
		version = 1
	}
	return fullBox("ctts", version, 0, u32(count), entries)
}

// stscBox maps every sample to a single chunk
func stscBox(t *Track) []byte {
	return fullBox("stsc", 0, 0, u32(1), u32(1), u32(uint32(len(t.samples))), u32(1))
}

func stszBox(t *Track) []byte {
	entries := make([]byte, 0, 4*len(t.samples))
	for _, s := range t.samples {
		entries = binary.BigEndian.AppendUint32(entries, uint32(len(s.Data)))
	}
	return fullBox("stsz", 0, 0, u32(0), u32(uint32(len(t.samples))), entries)
}

func chunkOffsetBox(offset uint64, co64 bool) []byte {
	if co64 {
		return fullBox("co64", 0, 0, u32(1), binary.BigEndian.AppendUint64(nil, offset))
	}
	return fullBox("stco", 0, 0, u32(1), u32(uint32(offset)))
}

// mdatHeader returns the mdat box header for a payload of the given size
func mdatHeader(payload uint64) []byte {
	if payload+8 > math.MaxUint32 {
		out := u32(1)
		out = append(out, "mdat"...)
		return binary.BigEndian.AppendUint64(out, payload+16)
	}
	out := u32(uint32(payload + 8))
	return append(out, "mdat"...)
}
