package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/carolrp/voicepipe/internal/ttypes"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{"default", "", false},
		{"http", "http://example.com/", false},
		{"https", "https://example.com", false},
		{"ftp", "ftp://example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{BaseURL: tt.baseURL}, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClient_URL(t *testing.T) {
	c, err := New(Config{BaseURL: "http://host:1234/"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.URL("/api/x"); got != "http://host:1234/api/x" {
		t.Errorf("Unexpected URL %q", got)
	}
}

func TestClient_NewRequestHeaders(t *testing.T) {
	c, _ := New(Config{BaseURL: "http://host", Token: "secret"}, nil)

	req, err := c.NewRequest(context.Background(), http.MethodPost, "/api/a", strings.NewReader("x"), "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Expected bearer token, got %q", got)
	}
	if req.Header.Get("X-Request-ID") == "" {
		t.Error("Expected request id header")
	}
	if got := req.Header.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Expected content type, got %q", got)
	}

	// Absolute URLs are left alone.
	req, _ = c.NewRequest(context.Background(), http.MethodGet, "https://cdn.example/a.wav", nil, "")
	if req.URL.String() != "https://cdn.example/a.wav" {
		t.Errorf("Expected absolute URL to be kept, got %s", req.URL)
	}
}

func TestClient_NoTokenNoHeader(t *testing.T) {
	c, _ := New(Config{BaseURL: "http://host"}, nil)
	req, _ := c.NewRequest(context.Background(), http.MethodGet, "/x", nil, "")
	if req.Header.Get("Authorization") != "" {
		t.Error("Expected no authorization header without a token")
	}
}

func TestClient_DoWrapsNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	c, _ := New(Config{BaseURL: base}, nil)
	req, _ := c.NewRequest(context.Background(), http.MethodGet, "/x", nil, "")
	_, err := c.Do(req)

	se, ok := ttypes.AsSynthesisError(err)
	if !ok {
		t.Fatalf("Expected typed error, got %v", err)
	}
	if se.Kind != ttypes.ErrorKindNetwork {
		t.Errorf("Expected network kind, got %s", se.Kind)
	}
}

func TestReadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "too many", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL) //nolint:noctx
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	err = ReadError(resp)
	var se *ttypes.SynthesisError
	if !errors.As(err, &se) {
		t.Fatalf("Expected SynthesisError, got %T", err)
	}
	if se.Status != http.StatusTooManyRequests || se.Body != "too many" {
		t.Errorf("Unexpected error %+v", se)
	}
}
