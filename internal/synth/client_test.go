package synth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carolrp/voicepipe/internal/retry"
	"github.com/carolrp/voicepipe/internal/transport"
	"github.com/carolrp/voicepipe/internal/ttypes"
)

type unlimited struct{ calls atomic.Int32 }

func (u *unlimited) Acquire(context.Context) error {
	u.calls.Add(1)
	return nil
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]ttypes.AudioPayload
}

func (m *mapCache) Get(key string) (ttypes.AudioPayload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data[key]
	return p, ok
}

func (m *mapCache) Put(key string, p ttypes.AudioPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = p
	return nil
}

// fakeBackend serves the synthesis endpoint and the audio files it points to.
type fakeBackend struct {
	srv        *httptest.Server
	synthCalls atomic.Int32
	respond    func(call int, w http.ResponseWriter, r *http.Request)

	mu       sync.Mutex
	lastForm map[string]string
	lastAuth string
}

func newFakeBackend(t *testing.T, respond func(call int, w http.ResponseWriter, r *http.Request)) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{respond: respond}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tts/synthesize/character/", func(w http.ResponseWriter, r *http.Request) {
		call := int(fb.synthCalls.Add(1))
		_ = r.ParseForm()
		fb.mu.Lock()
		fb.lastForm = map[string]string{
			"text":         r.PostForm.Get("text"),
			"languageType": r.PostForm.Get("languageType"),
			"path":         r.URL.Path,
			"contentType":  r.Header.Get("Content-Type"),
		}
		fb.lastAuth = r.Header.Get("Authorization")
		fb.mu.Unlock()
		fb.respond(call, w, r)
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFF" + r.URL.Path))
	})
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func okEnvelope(w http.ResponseWriter, audioURL string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"code":200,"message":"success","data":{"audioUrl":%q}}`, audioURL)
}

func newTestClient(t *testing.T, fb *fakeBackend) (*Client, *ttypes.RuntimeState) {
	t.Helper()
	tc, err := transport.New(transport.Config{BaseURL: fb.srv.URL, Token: "tok"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	exec, err := retry.NewExecutor(retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
	})
	if err != nil {
		t.Fatal(err)
	}
	rt := ttypes.NewRuntimeState()
	cfg := DefaultConfig()
	cfg.ThrottleDelays = []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}

	c, err := NewClient(tc, &unlimited{}, exec, rt, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c, rt
}

func TestSynthesize_Success(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		okEnvelope(w, "/files/a.wav")
	})
	c, _ := newTestClient(t, fb)

	payload, ok, err := c.Synthesize(context.Background(), "**你好**，旅行者", 42)
	if err != nil || !ok {
		t.Fatalf("Expected audio, got ok=%v err=%v", ok, err)
	}
	if string(payload.Data) != "RIFF/files/a.wav" {
		t.Errorf("Unexpected audio %q", payload.Data)
	}
	if payload.ContentType != "audio/wav" {
		t.Errorf("Expected audio/wav content type, got %q", payload.ContentType)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.lastForm["text"] != "你好，旅行者" {
		t.Errorf("Expected filtered text to be sent, got %q", fb.lastForm["text"])
	}
	if fb.lastForm["languageType"] != "Chinese" {
		t.Errorf("Expected languageType Chinese, got %q", fb.lastForm["languageType"])
	}
	if fb.lastForm["path"] != "/api/tts/synthesize/character/42" {
		t.Errorf("Unexpected path %q", fb.lastForm["path"])
	}
	if fb.lastForm["contentType"] != "application/x-www-form-urlencoded" {
		t.Errorf("Unexpected content type %q", fb.lastForm["contentType"])
	}
	if fb.lastAuth != "Bearer tok" {
		t.Errorf("Expected bearer token, got %q", fb.lastAuth)
	}
}

func TestSynthesize_UnspeakableSkipsNetwork(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		okEnvelope(w, "/files/a.wav")
	})
	c, _ := newTestClient(t, fb)
	lim := c.limiter.(*unlimited)

	for _, text := range []string{"2.", "###", "✨", "「」【】()～"} {
		_, ok, err := c.Synthesize(context.Background(), text, 1)
		if ok || err != nil {
			t.Errorf("Expected no audio for %q, got ok=%v err=%v", text, ok, err)
		}
	}
	if n := fb.synthCalls.Load(); n != 0 {
		t.Errorf("Expected no requests, got %d", n)
	}
	if n := lim.calls.Load(); n != 0 {
		t.Errorf("Expected no limiter tokens spent, got %d", n)
	}
}

func TestSynthesize_BadRequestIsNoAudio(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "该文本不适合语音合成", http.StatusBadRequest)
	})
	c, _ := newTestClient(t, fb)

	_, ok, err := c.Synthesize(context.Background(), "正常的句子", 1)
	if ok || err != nil {
		t.Errorf("Expected no audio without error, got ok=%v err=%v", ok, err)
	}
	if n := fb.synthCalls.Load(); n != 1 {
		t.Errorf("Expected exactly 1 request, got %d", n)
	}
}

func TestSynthesize_ThrottleThenSuccess(t *testing.T) {
	fb := newFakeBackend(t, func(call int, w http.ResponseWriter, _ *http.Request) {
		if call <= 2 {
			http.Error(w, "Throttling.RateQuota", http.StatusTooManyRequests)
			return
		}
		okEnvelope(w, "/files/b.wav")
	})
	c, rt := newTestClient(t, fb)

	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, ok, err := c.Synthesize(context.Background(), "限流后重试的句子", 1)
	if !ok || err != nil {
		t.Fatalf("Expected audio, got ok=%v err=%v", ok, err)
	}
	if len(slept) != 2 || slept[0] != time.Millisecond || slept[1] != 2*time.Millisecond {
		t.Errorf("Expected fixed throttle delays, got %v", slept)
	}
	if n := rt.ThrottleAttempts(); n != 0 {
		t.Errorf("Expected throttle counter reset on success, got %d", n)
	}
}

func TestSynthesize_ThrottleGivesUp(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	})
	c, rt := newTestClient(t, fb)
	c.sleep = func(context.Context, time.Duration) error { return nil }

	_, ok, err := c.Synthesize(context.Background(), "一直被限流的句子", 1)
	if ok || err != nil {
		t.Errorf("Expected no audio without error, got ok=%v err=%v", ok, err)
	}
	// first request plus one per throttle delay
	if n := fb.synthCalls.Load(); n != 4 {
		t.Errorf("Expected 4 requests, got %d", n)
	}
	if n := rt.ThrottleAttempts(); n != 0 {
		t.Errorf("Expected throttle counter reset after giving up, got %d", n)
	}
}

func TestSynthesize_EnvelopeErrorRetriedThenNoAudio(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"code":500,"message":"engine busy"}`)
	})
	c, _ := newTestClient(t, fb)

	_, ok, err := c.Synthesize(context.Background(), "服务器内部错误", 1)
	if ok || err != nil {
		t.Errorf("Expected no audio without error, got ok=%v err=%v", ok, err)
	}
	if n := fb.synthCalls.Load(); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
}

func TestSynthesize_ServerErrorRecovers(t *testing.T) {
	fb := newFakeBackend(t, func(call int, w http.ResponseWriter, _ *http.Request) {
		if call == 1 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		okEnvelope(w, "/files/c.wav")
	})
	c, _ := newTestClient(t, fb)

	_, ok, err := c.Synthesize(context.Background(), "第二次成功", 1)
	if !ok || err != nil {
		t.Errorf("Expected audio after retry, got ok=%v err=%v", ok, err)
	}
	if n := fb.synthCalls.Load(); n != 2 {
		t.Errorf("Expected 2 requests, got %d", n)
	}
}

func TestSynthesize_UnauthorizedNotRetried(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	})
	c, _ := newTestClient(t, fb)

	_, ok, err := c.Synthesize(context.Background(), "没有权限", 1)
	if ok || err != nil {
		t.Errorf("Expected no audio without error, got ok=%v err=%v", ok, err)
	}
	if n := fb.synthCalls.Load(); n != 1 {
		t.Errorf("Expected 1 request, got %d", n)
	}
}

func TestSynthesize_CacheHit(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		okEnvelope(w, "/files/d.wav")
	})
	c, _ := newTestClient(t, fb)
	c.SetCache(&mapCache{data: map[string]ttypes.AudioPayload{}})

	for i := 0; i < 3; i++ {
		if _, ok, _ := c.Synthesize(context.Background(), "重复的问候", 9); !ok {
			t.Fatalf("Call %d: expected audio", i)
		}
	}
	if n := fb.synthCalls.Load(); n != 1 {
		t.Errorf("Expected 1 request with cache, got %d", n)
	}
}

func TestSynthesize_ContextCancelled(t *testing.T) {
	fb := newFakeBackend(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		okEnvelope(w, "/files/e.wav")
	})
	c, _ := newTestClient(t, fb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := c.Synthesize(ctx, "取消的请求", 1)
	if ok || err == nil {
		t.Errorf("Expected cancellation error, got ok=%v err=%v", ok, err)
	}
}

func TestNewClient_RequiresDependencies(t *testing.T) {
	tc, _ := transport.New(transport.Config{}, nil)
	exec, _ := retry.NewExecutor(retry.DefaultPolicy)
	rt := ttypes.NewRuntimeState()

	if _, err := NewClient(nil, &unlimited{}, exec, rt, DefaultConfig()); err == nil {
		t.Error("Expected error for nil transport")
	}
	if _, err := NewClient(tc, nil, exec, rt, DefaultConfig()); err == nil {
		t.Error("Expected error for nil limiter")
	}
	if _, err := NewClient(tc, &unlimited{}, nil, rt, DefaultConfig()); err == nil {
		t.Error("Expected error for nil executor")
	}
	if _, err := NewClient(tc, &unlimited{}, exec, nil, DefaultConfig()); err == nil {
		t.Error("Expected error for nil runtime")
	}
}
