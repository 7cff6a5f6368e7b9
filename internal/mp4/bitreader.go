package mp4

import "errors"

// ErrBitstreamOverrun is reported when a read runs past the end of the data
var ErrBitstreamOverrun = errors.New("mp4: bitstream overrun")

// BitReader reads big-endian bit fields. The first failed read sets a sticky
// error, after which every read returns zero.
type BitReader struct {
	data []byte
	pos  int
	err  error
}

// NewBitReader creates a reader over data
func NewBitReader(data []byte) *BitReader {
	return &BitReader{data: data}
}

// Err returns the first error encountered
func (r *BitReader) Err() error {
	return r.err
}

// Remaining returns the number of unread bits
func (r *BitReader) Remaining() int {
	return len(r.data)*8 - r.pos
}

// ReadBits reads n bits, n at most 32
func (r *BitReader) ReadBits(n int) uint32 {
	if r.err != nil {
		return 0
	}
	if n < 0 || n > 32 {
		r.err = errors.New("mp4: invalid bit count")
		return 0
	}
	if n > r.Remaining() {
		r.err = ErrBitstreamOverrun
		r.pos = len(r.data) * 8
		return 0
	}

	var v uint32
	for i := 0; i < n; i++ {
		b := r.data[r.pos>>3]
		v = v<<1 | uint32(b>>(7-uint(r.pos&7))&1)
		r.pos++
	}
	return v
}

// ReadFlag reads a single bit as a bool
func (r *BitReader) ReadFlag() bool {
	return r.ReadBits(1) == 1
}

// Skip advances n bits
func (r *BitReader) Skip(n int) {
	for n > 32 {
		r.ReadBits(32)
		n -= 32
	}
	r.ReadBits(n)
}

// ReadUE reads an unsigned exponential-Golomb code
func (r *BitReader) ReadUE() uint32 {
	zeros := 0
	for r.err == nil && r.ReadBits(1) == 0 {
		zeros++
		if zeros > 31 {
			r.err = errors.New("mp4: exp-golomb code too long")
			return 0
		}
	}
	if r.err != nil {
		return 0
	}
	if zeros == 0 {
		return 0
	}
	return (1<<uint(zeros) - 1) + r.ReadBits(zeros)
}

// ReadSE reads a signed exponential-Golomb code
func (r *BitReader) ReadSE() int32 {
	v := r.ReadUE()
	if v&1 == 1 {
		return int32((v + 1) >> 1)
	}
	return -int32(v >> 1)
}
