package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/carolrp/voicepipe/internal/transport"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tc, err := transport.New(transport.Config{BaseURL: server.URL, Token: "tok"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewClient(tc)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func streamHandler(t *testing.T, lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/stream" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Expected event-stream accept header, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Expected bearer token, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"characterId":7,"message":"你好"}` {
			t.Errorf("Unexpected request body %s", body)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprint(w, line)
			w.(http.Flusher).Flush()
		}
	}
}

func TestClient_Stream(t *testing.T) {
	c := newTestClient(t, streamHandler(t,
		"event: message\n",
		`data:data:{"content":"你好，"}`+"\n",
		"data: 我是向导",
		"。\n",
		`data: {"type":"tts","audioUrl":"/files/a.wav","voice":"guide","duration":1.5,"success":true}`+"\n",
		`data: {"error":"model overloaded"}`+"\n",
		"data: error:rate limited\n",
		"data: [DONE]\n",
		`data: {"content":"never seen"}`+"\n",
	))

	var chunks, errs []string
	var tts []TTSEvent
	reply, err := c.Stream(context.Background(), 7, "  你好 ", Handler{
		OnContent: func(text string) { chunks = append(chunks, text) },
		OnTTS:     func(ev TTSEvent) { tts = append(tts, ev) },
		OnError:   func(msg string) { errs = append(errs, msg) },
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	if reply != "你好，我是向导。" {
		t.Errorf("Unexpected reply %q", reply)
	}
	if strings.Join(chunks, "|") != "你好，|我是向导。" {
		t.Errorf("Unexpected chunks %q", chunks)
	}
	if len(tts) != 1 || tts[0].AudioURL != "/files/a.wav" || tts[0].Duration != 1.5 || !tts[0].Success {
		t.Errorf("Unexpected tts events %+v", tts)
	}
	if strings.Join(errs, "|") != "model overloaded|rate limited" {
		t.Errorf("Unexpected errors %q", errs)
	}
}

func TestClient_StreamEndsOnCloseEvent(t *testing.T) {
	c := newTestClient(t, streamHandler(t,
		"data: 一\n",
		"event: close\n",
		"data: 二\n",
	))

	reply, err := c.Stream(context.Background(), 7, "你好", Handler{})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "一" {
		t.Errorf("Expected stream to stop at close event, got %q", reply)
	}
}

func TestClient_StreamHTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "character not found", http.StatusNotFound)
	})

	_, err := c.Stream(context.Background(), 7, "你好", Handler{})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("Expected 404 error, got %v", err)
	}
}

func TestClient_StreamRejectsEmptyMessage(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	})
	if _, err := c.Stream(context.Background(), 7, "   ", Handler{}); err == nil {
		t.Error("Expected error for empty message")
	}
}

func TestClient_StreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: 部分\n")
		w.(http.Flusher).Flush()
		cancel()
		<-r.Context().Done()
	})

	reply, err := c.Stream(ctx, 7, "你好", Handler{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	_ = reply
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(nil); err == nil {
		t.Error("Expected error for nil transport")
	}
}
