package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-audio/wav"
)

// ErrUnsupportedFormat is returned for compressed payloads (mp3, ogg) that
// cannot be decoded locally.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// clip is decoded mono audio.
type clip struct {
	samples    []float32 // [-1, 1]
	sampleRate int
}

func (c clip) duration() float64 {
	if c.sampleRate == 0 {
		return 0
	}
	return float64(len(c.samples)) / float64(c.sampleRate)
}

// decode turns a payload into mono float samples. RIFF/WAVE data is parsed;
// anything without a recognizable container is treated as raw 16-bit
// little-endian mono PCM at rawRate.
func decode(data []byte, rawRate int) (clip, error) {
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")):
		return decodeWAV(data)
	case bytes.HasPrefix(data, []byte("ID3")),
		len(data) > 1 && data[0] == 0xFF && data[1]&0xE0 == 0xE0,
		bytes.HasPrefix(data, []byte("OggS")):
		return clip{}, ErrUnsupportedFormat
	default:
		return decodePCM16(data, rawRate), nil
	}
}

func decodeWAV(data []byte) (clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return clip{}, fmt.Errorf("%w: invalid wav file", ErrUnsupportedFormat)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return clip{}, fmt.Errorf("failed to decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 || buf.Format.SampleRate <= 0 {
		return clip{}, fmt.Errorf("%w: missing wav format", ErrUnsupportedFormat)
	}

	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	if depth < 8 || depth > 32 {
		return clip{}, fmt.Errorf("%w: %d-bit wav", ErrUnsupportedFormat, depth)
	}

	// 8-bit wav is unsigned, everything else is signed
	var offset float32
	scale := float32(int64(1) << (depth - 1))
	if depth == 8 {
		offset = 128
	}

	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += (float32(buf.Data[i*channels+ch]) - offset) / scale
		}
		samples[i] = sum / float32(channels)
	}

	return clip{samples: samples, sampleRate: buf.Format.SampleRate}, nil
}

func decodePCM16(data []byte, rate int) clip {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*2:])) //nolint:gosec
		samples[i] = float32(v) / 32768
	}
	return clip{samples: samples, sampleRate: rate}
}

// resample converts c to rate with linear interpolation.
func resample(c clip, rate int) clip {
	if c.sampleRate == rate || len(c.samples) == 0 || rate <= 0 {
		return c
	}

	ratio := float64(c.sampleRate) / float64(rate)
	n := int(float64(len(c.samples)) / ratio)
	out := make([]float32, n)
	last := len(c.samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= last {
			out[i] = c.samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = c.samples[j]*(1-frac) + c.samples[j+1]*frac
	}
	return clip{samples: out, sampleRate: rate}
}
