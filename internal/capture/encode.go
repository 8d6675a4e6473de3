package capture

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodePCM16 converts float samples to 16-bit little-endian PCM. Samples are
// clamped to [-1, 1]; negative values scale by 0x8000 and positive values by
// 0x7FFF.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s))) //nolint:gosec
	}
	return out
}

func toInt16(s float32) int16 {
	s = max(-1, min(1, s))
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// Framer packs a stream of samples into fixed-size blocks.
type Framer struct {
	size int
	buf  []float32
}

// NewFramer creates a framer emitting blocks of size samples.
func NewFramer(size int) *Framer {
	if size <= 0 {
		size = DefaultFrameSize
	}
	return &Framer{size: size, buf: make([]float32, 0, size)}
}

// Push appends samples and returns every block completed by them.
func (f *Framer) Push(samples []float32) [][]float32 {
	var blocks [][]float32
	for len(samples) > 0 {
		n := min(f.size-len(f.buf), len(samples))
		f.buf = append(f.buf, samples[:n]...)
		samples = samples[n:]
		if len(f.buf) == f.size {
			blocks = append(blocks, f.buf)
			f.buf = make([]float32, 0, f.size)
		}
	}
	return blocks
}

// Flush returns the partial block, if any.
func (f *Framer) Flush() []float32 {
	if len(f.buf) == 0 {
		return nil
	}
	block := f.buf
	f.buf = make([]float32, 0, f.size)
	return block
}

// Buffered returns the number of samples waiting for a full block.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// WriteWAV writes mono 16-bit samples to path.
func WriteWAV(path string, samples []int16, rate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create %s: %w", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: 1,
			SampleRate:  rate,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}
	if err := enc.Write(buf); err != nil {
		_ = enc.Close()
		return fmt.Errorf("unable to write wav: %w", err)
	}
	return enc.Close()
}
