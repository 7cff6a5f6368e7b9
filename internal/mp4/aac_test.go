package mp4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/ts/tstest"
)

func TestParseADTS(t *testing.T) {
	data := append(tstest.ADTS(3, 2, []byte{1, 2, 3, 4}), tstest.ADTS(3, 2, []byte{5, 6})...)

	frames, err := ParseADTS(data)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, uint8(2), frames[0].ObjectType)
	assert.Equal(t, 48000, frames[0].SampleRate)
	assert.Equal(t, uint8(2), frames[0].Channels)
	assert.Equal(t, []byte{1, 2, 3, 4}, frames[0].Payload)
	assert.Equal(t, []byte{5, 6}, frames[1].Payload)
}

func TestAudioSpecificConfig(t *testing.T) {
	tests := []struct {
		index    byte
		channels byte
		want     []byte
	}{
		{3, 2, []byte{0x11, 0x90}}, // 48 kHz stereo
		{4, 2, []byte{0x12, 0x10}}, // 44.1 kHz stereo
		{4, 1, []byte{0x12, 0x08}}, // 44.1 kHz mono
	}

	for _, tt := range tests {
		frames, err := ParseADTS(tstest.ADTS(tt.index, tt.channels, []byte{0}))
		require.NoError(t, err)
		assert.Equal(t, tt.want, frames[0].AudioSpecificConfig())
	}
}

func TestParseADTSErrors(t *testing.T) {
	_, err := ParseADTS([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07})
	assert.Error(t, err)

	frame := tstest.ADTS(3, 2, make([]byte, 32))
	_, err = ParseADTS(frame[:20])
	assert.Error(t, err, "declared length exceeds the data")

	bad := tstest.ADTS(14, 2, []byte{1})
	_, err = ParseADTS(bad)
	assert.Error(t, err, "sampling index out of range")
}

func TestParseADTSTrailingGarbage(t *testing.T) {
	data := append(tstest.ADTS(4, 2, []byte{9, 9}), 0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77)

	frames, err := ParseADTS(data)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, 44100, frames[0].SampleRate)
}
