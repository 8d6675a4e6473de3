// Package chat streams character replies from the roleplay backend.
package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/carolrp/voicepipe/internal/sse"
	"github.com/carolrp/voicepipe/internal/transport"
	"github.com/charmbracelet/log"
)

const streamPath = "/api/chat/stream"

// TTSEvent is server-side synthesized audio announced inside the stream.
type TTSEvent struct {
	AudioURL string  `json:"audioUrl"`
	Voice    string  `json:"voice"`
	Duration float64 `json:"duration"`
	Success  bool    `json:"success"`
	Error    string  `json:"error"`
}

// Handler receives stream events. Nil callbacks are skipped.
type Handler struct {
	OnContent func(text string)
	OnTTS     func(ev TTSEvent)
	OnError   func(msg string)
}

type request struct {
	CharacterID int64  `json:"characterId"`
	Message     string `json:"message"`
}

type payload struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
	TTSEvent
}

// Client sends chat messages.
type Client struct {
	transport *transport.Client
}

// NewClient creates a chat client.
func NewClient(tc *transport.Client) (*Client, error) {
	if tc == nil {
		return nil, errors.New("transport cannot be nil")
	}
	return &Client{transport: tc}, nil
}

// Stream sends message to the character and delivers the reply as it
// arrives. It returns the full reply text once the stream completes.
func (c *Client) Stream(ctx context.Context, characterID int64, message string, h Handler) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", errors.New("message cannot be empty")
	}

	body, err := sonic.Marshal(request{CharacterID: characterID, Message: message})
	if err != nil {
		return "", fmt.Errorf("unable to encode chat request: %w", err)
	}

	req, err := c.transport.NewRequest(ctx, http.MethodPost, streamPath, bytes.NewReader(body), "application/json")
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.transport.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", transport.ReadError(resp)
	}

	log.Debug("Chat: streaming reply", "character", characterID)

	var reply strings.Builder
	content := func(text string) {
		reply.WriteString(text)
		if h.OnContent != nil {
			h.OnContent(text)
		}
	}
	fail := func(msg string) {
		log.Warn("Chat: stream error", "error", msg)
		if h.OnError != nil {
			h.OnError(msg)
		}
	}

	err = sse.Scan(ctx, resp.Body, func(ev sse.Event) bool {
		switch ev.Kind {
		case sse.KindError:
			fail(ev.Data)
		case sse.KindData:
			var p payload
			if sonic.UnmarshalString(ev.Data, &p) != nil {
				content(ev.Data)
				return true
			}
			switch {
			case p.Type == "tts":
				// the top-level error field shadows the embedded one
				tts := p.TTSEvent
				tts.Error = p.Error
				if h.OnTTS != nil {
					h.OnTTS(tts)
				}
			case p.Content != "":
				content(p.Content)
			case p.Error != "":
				fail(p.Error)
			}
		}
		return true
	})
	if err != nil {
		return reply.String(), fmt.Errorf("chat stream failed: %w", err)
	}

	log.Debug("Chat: reply complete", "runes", len([]rune(reply.String())))
	return reply.String(), nil
}
