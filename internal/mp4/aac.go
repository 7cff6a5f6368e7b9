package mp4

import (
	"errors"
	"fmt"
)

// SamplesPerFrame is the number of PCM samples in one AAC frame
const SamplesPerFrame = 1024

var sampleRates = []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}

var errNoADTS = errors.New("no ADTS frame found")

// ADTSFrame is one parsed ADTS frame with its header removed
type ADTSFrame struct {
	ObjectType    uint8
	SamplingIndex uint8
	SampleRate    int
	Channels      uint8
	Payload       []byte
}

// AudioSpecificConfig returns the 2-byte decoder config for the frame
func (f ADTSFrame) AudioSpecificConfig() []byte {
	return []byte{
		f.ObjectType<<3 | f.SamplingIndex>>1,
		(f.SamplingIndex&1)<<7 | f.Channels<<3,
	}
}

// ParseADTS splits data into consecutive ADTS frames. Payloads alias data.
func ParseADTS(data []byte) ([]ADTSFrame, error) {
	var frames []ADTSFrame

	for off := 0; len(data)-off >= 7; {
		h := data[off:]
		if h[0] != 0xFF || h[1]&0xF0 != 0xF0 {
			if len(frames) == 0 {
				return nil, errNoADTS
			}
			break
		}

		protectionAbsent := h[1]&0x01 == 1
		objectType := (h[2]>>6)&0x03 + 1
		samplingIndex := (h[2] >> 2) & 0x0F
		channels := (h[2]&0x01)<<2 | h[3]>>6
		frameLength := int(h[3]&0x03)<<11 | int(h[4])<<3 | int(h[5]>>5)

		headerLength := 7
		if !protectionAbsent {
			headerLength = 9
		}
		if int(samplingIndex) >= len(sampleRates) {
			return frames, fmt.Errorf("invalid ADTS sampling index %d", samplingIndex)
		}
		if frameLength < headerLength || frameLength > len(h) {
			if len(frames) == 0 {
				return nil, fmt.Errorf("truncated ADTS frame: length %d, have %d", frameLength, len(h))
			}
			break
		}

		frames = append(frames, ADTSFrame{
			ObjectType:    objectType,
			SamplingIndex: samplingIndex,
			SampleRate:    sampleRates[samplingIndex],
			Channels:      channels,
			Payload:       h[headerLength:frameLength],
		})
		off += frameLength
	}

	if len(frames) == 0 {
		return nil, errNoADTS
	}
	return frames, nil
}
