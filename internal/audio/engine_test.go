package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/carolrp/voicepipe/internal/ttypes"
)

const testRate = 1000

func testConfig() Config {
	return Config{
		FadeIn:        80 * time.Millisecond,
		FadeOut:       50 * time.Millisecond,
		RawSampleRate: testRate,
		PollInterval:  time.Millisecond,
		Volume:        1,
	}
}

func newTestEngine(t *testing.T, config Config) (*Engine, *MockOutput) {
	t.Helper()
	out := NewMockOutput(testRate)
	e, err := NewEngine(out, ttypes.NewRuntimeState(), config)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e, out
}

// pcm returns n samples of constant amplitude as raw 16-bit PCM.
func pcm(n int, amplitude float64) []byte {
	buf := make([]byte, n*2)
	v := int16(amplitude * 32767)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v)) //nolint:gosec
	}
	return buf
}

// wavFile wraps 16-bit samples in a minimal RIFF header.
func wavFile(samples []int16, rate, channels int) []byte {
	var b bytes.Buffer
	dataLen := len(samples) * 2
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+dataLen)) //nolint:gosec
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels))             //nolint:gosec
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate))                 //nolint:gosec
	_ = binary.Write(&b, binary.LittleEndian, uint32(rate*channels*2))      //nolint:gosec
	_ = binary.Write(&b, binary.LittleEndian, uint16(channels*2))           //nolint:gosec
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(dataLen)) //nolint:gosec
	_ = binary.Write(&b, binary.LittleEndian, samples)
	return b.Bytes()
}

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine(nil, ttypes.NewRuntimeState(), DefaultConfig()); err == nil {
		t.Error("Expected error for nil output")
	}
	if _, err := NewEngine(NewMockOutput(testRate), nil, DefaultConfig()); err == nil {
		t.Error("Expected error for nil runtime state")
	}
}

func TestEngine_PlayAppliesEnvelope(t *testing.T) {
	e, out := newTestEngine(t, testConfig())

	err := e.Play(context.Background(), ttypes.AudioPayload{Data: pcm(1000, 0.5)})
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	voices := out.Voices()
	if len(voices) != 1 {
		t.Fatalf("Expected 1 voice, got %d", len(voices))
	}
	got := voices[0].Samples()
	if len(got) != 1000 {
		t.Fatalf("Expected 1000 samples, got %d", len(got))
	}

	full := 0.5 * 32767
	tests := []struct {
		name  string
		index int
		want  float64
	}{
		{"silent start", 0, 0},
		{"half way through fade-in", 40, full * 0.5},
		{"steady state", 500, full},
		{"half way through fade-out", 975, full * 0.5},
		{"last sample", 999, full / 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := math.Abs(float64(got[tt.index]) - tt.want); diff > 2 {
				t.Errorf("sample %d = %d, want about %.0f", tt.index, got[tt.index], tt.want)
			}
		})
	}

	if e.IsPlaying() {
		t.Error("Expected engine to be idle after playback")
	}
	if !voices[0].Closed() {
		t.Error("Expected voice to be closed after playback")
	}
}

func TestEngine_ShortClipUsesLowerGain(t *testing.T) {
	// 60 samples: fade-in and fade-out overlap for the whole clip
	e, out := newTestEngine(t, testConfig())
	if err := e.Play(context.Background(), ttypes.AudioPayload{Data: pcm(60, 1)}); err != nil {
		t.Fatal(err)
	}

	got := out.Voices()[0].Samples()
	for i, s := range got {
		in := float64(i) / 80
		fade := float64(60-i) / 50
		want := math.Min(in, math.Min(fade, 1)) * 32767
		if math.Abs(float64(s)-want) > 2 {
			t.Fatalf("sample %d = %d, want about %.0f", i, s, want)
		}
	}
}

func TestEngine_StreamChunkSkipsEnvelope(t *testing.T) {
	e, out := newTestEngine(t, testConfig())
	if err := e.Play(context.Background(), ttypes.AudioPayload{Data: pcm(200, 0.5), Chunk: true}); err != nil {
		t.Fatal(err)
	}

	got := out.Voices()[0].Samples()
	if len(got) != 200 {
		t.Fatalf("Expected 200 samples, got %d", len(got))
	}
	want := 0.5 * 32767
	for _, i := range []int{0, 100, 199} {
		if math.Abs(float64(got[i])-want) > 2 {
			t.Errorf("sample %d = %d, want about %.0f", i, got[i], want)
		}
	}
}

func TestEngine_Volume(t *testing.T) {
	e, out := newTestEngine(t, testConfig())

	tests := []struct {
		in, want float64
	}{
		{0.5, 0.5},
		{-1, 0},
		{2, 1},
		{math.NaN(), 0},
		{1, 1},
	}
	for _, tt := range tests {
		e.SetVolume(tt.in)
		if got := e.Volume(); got != tt.want {
			t.Errorf("SetVolume(%v) -> %v, want %v", tt.in, got, tt.want)
		}
	}

	e.SetVolume(0.25)
	if err := e.Play(context.Background(), ttypes.AudioPayload{Data: pcm(1000, 1)}); err != nil {
		t.Fatal(err)
	}
	got := out.Voices()[0].Samples()[500]
	if math.Abs(float64(got)-0.25*32767) > 2 {
		t.Errorf("Expected volume to scale output, got %d", got)
	}
}

func TestEngine_FirstPlayDelayOnce(t *testing.T) {
	config := testConfig()
	config.FirstPlayDelay = 2 * time.Second
	e, _ := newTestEngine(t, config)

	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	for i := 0; i < 3; i++ {
		if err := e.Play(context.Background(), ttypes.AudioPayload{Data: pcm(100, 0.1)}); err != nil {
			t.Fatal(err)
		}
	}

	if len(slept) != 1 || slept[0] != 2*time.Second {
		t.Errorf("Expected a single 2s warm-up delay, got %v", slept)
	}
	if !e.runtime.FirstPlayDone() {
		t.Error("Expected first play to be recorded")
	}
}

func waitPlaying(t *testing.T, e *Engine, out *MockOutput, voices int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.IsPlaying() && len(out.Voices()) == voices {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("playback of voice %d did not start", voices)
}

func TestEngine_NewPlayStopsPrevious(t *testing.T) {
	e, out := newTestEngine(t, testConfig())
	out.Hold(true)

	first := make(chan error, 1)
	go func() {
		first <- e.Play(context.Background(), ttypes.AudioPayload{Data: pcm(5000, 0.5)})
	}()
	waitPlaying(t, e, out, 1)

	second := make(chan error, 1)
	go func() {
		second <- e.Play(context.Background(), ttypes.AudioPayload{Data: pcm(5000, 0.5)})
	}()

	select {
	case err := <-first:
		if err != nil {
			t.Errorf("Expected interrupted play to return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first Play did not return")
	}

	waitPlaying(t, e, out, 2)
	if !out.Voices()[0].Closed() {
		t.Error("Expected first voice to be closed")
	}
	if out.Voices()[1].Closed() {
		t.Error("Expected second voice to stay open")
	}

	e.Stop()
	if err := <-second; err != nil {
		t.Errorf("Expected stopped play to return nil, got %v", err)
	}
	if e.IsPlaying() {
		t.Error("Expected engine to be idle after Stop")
	}
}

func TestEngine_CancelledPlayLeavesCurrent(t *testing.T) {
	e, out := newTestEngine(t, testConfig())
	out.Hold(true)

	first := make(chan error, 1)
	go func() {
		first <- e.Play(context.Background(), ttypes.AudioPayload{Data: pcm(5000, 0.5)})
	}()
	waitPlaying(t, e, out, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Play(ctx, ttypes.AudioPayload{Data: pcm(5000, 0.5)}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	if len(out.Voices()) != 1 {
		t.Errorf("Expected no new voice, got %d voices", len(out.Voices()))
	}
	if out.Voices()[0].Closed() {
		t.Error("Expected current voice to keep playing")
	}
	if !e.IsPlaying() {
		t.Error("Expected engine to still be playing")
	}

	e.Stop()
	if err := <-first; err != nil {
		t.Errorf("Expected stopped play to return nil, got %v", err)
	}
}

func TestEngine_ContextCancel(t *testing.T) {
	e, out := newTestEngine(t, testConfig())
	out.Hold(true)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		err = e.Play(ctx, ttypes.AudioPayload{Data: pcm(5000, 0.5)})
	}()
	waitPlaying(t, e, out, 1)

	cancel()
	wg.Wait()

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if e.IsPlaying() {
		t.Error("Expected engine to be idle after cancel")
	}
}

func TestEngine_RejectsBadPayloads(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	if err := e.Play(context.Background(), ttypes.AudioPayload{}); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("Expected ErrEmptyPayload, got %v", err)
	}

	mp3 := append([]byte("ID3"), make([]byte, 32)...)
	if err := e.Play(context.Background(), ttypes.AudioPayload{Data: mp3}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}

	_ = e.Close()
	if err := e.Play(context.Background(), ttypes.AudioPayload{Data: pcm(10, 0.1)}); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Expected ErrEngineClosed, got %v", err)
	}
}

func TestDecode_WAV(t *testing.T) {
	// stereo frames (16384, -16384) average to 0
	samples := []int16{16384, -16384, 16384, 16384, -32768, -32768}
	c, err := decode(wavFile(samples, 8000, 2), testRate)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if c.sampleRate != 8000 {
		t.Errorf("Expected 8000 Hz, got %d", c.sampleRate)
	}
	want := []float32{0, 0.5, -1}
	if len(c.samples) != len(want) {
		t.Fatalf("Expected %d frames, got %d", len(want), len(c.samples))
	}
	for i := range want {
		if math.Abs(float64(c.samples[i]-want[i])) > 1e-3 {
			t.Errorf("frame %d = %v, want %v", i, c.samples[i], want[i])
		}
	}
}

func TestDecode_RawPCM(t *testing.T) {
	c, err := decode(pcm(24, 0.5), 24000)
	if err != nil {
		t.Fatal(err)
	}
	if c.sampleRate != 24000 || len(c.samples) != 24 {
		t.Errorf("Unexpected clip: rate %d, %d samples", c.sampleRate, len(c.samples))
	}
	if c.duration() != 0.001 {
		t.Errorf("Expected 1ms, got %v", c.duration())
	}
}

func TestResample(t *testing.T) {
	in := clip{samples: []float32{0, 1, 0, -1}, sampleRate: 1000}

	up := resample(in, 2000)
	if len(up.samples) != 8 || up.sampleRate != 2000 {
		t.Fatalf("Expected 8 samples at 2000 Hz, got %d at %d", len(up.samples), up.sampleRate)
	}
	if up.samples[1] != 0.5 {
		t.Errorf("Expected interpolated 0.5, got %v", up.samples[1])
	}

	down := resample(in, 500)
	if len(down.samples) != 2 || down.samples[1] != 0 {
		t.Errorf("Unexpected downsample %v", down.samples)
	}

	same := resample(in, 1000)
	if len(same.samples) != 4 {
		t.Error("Expected same-rate resample to be a no-op")
	}
}
