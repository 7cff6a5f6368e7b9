package mp4

import "encoding/binary"

// H.264 NAL unit types
const (
	NALTypeIDR = 5
	NALTypeSPS = 7
	NALTypePPS = 8
	NALTypeAUD = 9
)

// SPSInfo holds the fields of a sequence parameter set needed for the sample entry
type SPSInfo struct {
	ProfileIDC uint8
	LevelIDC   uint8
	Width      int
	Height     int
}

// SplitAnnexB splits an Annex-B byte stream on 3 or 4 byte start codes.
// Returned NAL units alias data.
func SplitAnnexB(data []byte) [][]byte {
	var units [][]byte
	start := -1

	for i := 0; i+2 < len(data); {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				units = appendNAL(units, data[start:i])
			}
			i += 3
			start = i
			continue
		}
		i++
	}

	if start >= 0 && start < len(data) {
		units = appendNAL(units, data[start:])
	}
	return units
}

// appendNAL trims the trailing zero bytes that belong to the next start code
func appendNAL(units [][]byte, nal []byte) [][]byte {
	end := len(nal)
	for end > 0 && nal[end-1] == 0 {
		end--
	}
	if end == 0 {
		return units
	}
	return append(units, nal[:end])
}

// RemoveEmulationPrevention strips 0x03 bytes that follow two zero bytes
func RemoveEmulationPrevention(nal []byte) []byte {
	out := make([]byte, 0, len(nal))
	zeros := 0
	for _, b := range nal {
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// ToLengthPrefixed converts NAL units to 4-byte length-prefixed form
func ToLengthPrefixed(units [][]byte) []byte {
	size := 0
	for _, u := range units {
		size += 4 + len(u)
	}
	out := make([]byte, 0, size)
	for _, u := range units {
		out = binary.BigEndian.AppendUint32(out, uint32(len(u)))
		out = append(out, u...)
	}
	return out
}

var highProfiles = map[uint32]bool{
	100: true, 110: true, 122: true, 244: true, 44: true,
	83: true, 86: true, 118: true, 128: true, 138: true,
	139: true, 134: true, 135: true,
}

// ParseSPS decodes picture dimensions from an SPS NAL unit, header byte included
func ParseSPS(nal []byte) (SPSInfo, error) {
	var info SPSInfo
	if len(nal) < 4 {
		return info, ErrBitstreamOverrun
	}

	r := NewBitReader(RemoveEmulationPrevention(nal[1:]))
	profile := r.ReadBits(8)
	r.Skip(8) // constraint flags
	level := r.ReadBits(8)
	r.ReadUE() // seq_parameter_set_id

	chromaFormat := uint32(1)
	separatePlanes := false
	if highProfiles[profile] {
		chromaFormat = r.ReadUE()
		if chromaFormat == 3 {
			separatePlanes = r.ReadFlag()
		}
		r.ReadUE() // bit_depth_luma_minus8
		r.ReadUE() // bit_depth_chroma_minus8
		r.Skip(1)  // qpprime_y_zero_transform_bypass_flag
		if r.ReadFlag() {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if !r.ReadFlag() {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				skipScalingList(r, size)
			}
		}
	}

	r.ReadUE() // log2_max_frame_num_minus4
	switch r.ReadUE() {
	case 0:
		r.ReadUE() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.Skip(1)
		r.ReadSE()
		r.ReadSE()
		cycle := r.ReadUE()
		for i := uint32(0); i < cycle && r.Err() == nil; i++ {
			r.ReadSE()
		}
	}

	r.ReadUE() // max_num_ref_frames
	r.Skip(1)  // gaps_in_frame_num_value_allowed_flag
	widthMbs := r.ReadUE() + 1
	heightUnits := r.ReadUE() + 1
	frameMbsOnly := r.ReadBits(1)
	if frameMbsOnly == 0 {
		r.Skip(1) // mb_adaptive_frame_field_flag
	}
	r.Skip(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint32
	if r.ReadFlag() {
		cropLeft = r.ReadUE()
		cropRight = r.ReadUE()
		cropTop = r.ReadUE()
		cropBottom = r.ReadUE()
	}

	if err := r.Err(); err != nil {
		return info, err
	}

	cropUnitX, cropUnitY := uint32(1), 2-frameMbsOnly
	if chromaFormat != 0 && !separatePlanes {
		subWidth, subHeight := uint32(2), uint32(2)
		switch chromaFormat {
		case 2:
			subHeight = 1
		case 3:
			subWidth, subHeight = 1, 1
		}
		cropUnitX = subWidth
		cropUnitY = subHeight * (2 - frameMbsOnly)
	}

	width := int(widthMbs*16) - int(cropUnitX*(cropLeft+cropRight))
	height := int((2-frameMbsOnly)*heightUnits*16) - int(cropUnitY*(cropTop+cropBottom))
	if width <= 0 || height <= 0 {
		return info, ErrBitstreamOverrun
	}

	info.ProfileIDC = uint8(profile)
	info.LevelIDC = uint8(level)
	info.Width = width
	info.Height = height
	return info, nil
}

func skipScalingList(r *BitReader, size int) {
	last, next := int32(8), int32(8)
	for j := 0; j < size && r.Err() == nil; j++ {
		if next != 0 {
			delta := r.ReadSE()
			next = (last + delta + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}
