package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/carolrp/voicepipe/internal/metrics"
	"github.com/carolrp/voicepipe/internal/retry"
	"github.com/carolrp/voicepipe/internal/sse"
	"github.com/carolrp/voicepipe/internal/textfilter"
	"github.com/carolrp/voicepipe/internal/transport"
	"github.com/carolrp/voicepipe/internal/ttypes"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/muesli/reflow/truncate"
)

const streamPath = "/api/tts/synthesize/stream"

type streamRequest struct {
	Text        string `json:"text"`
	CharacterID int64  `json:"characterId"`
	Language    string `json:"languageType"`
}

// StreamChunk is one event of a streaming synthesis response.
type StreamChunk struct {
	Type             string  `json:"type"` // chunk, final or error
	AudioData        []byte  `json:"audioData"`
	IsFinished       bool    `json:"isFinished"`
	SequenceNumber   int     `json:"sequenceNumber"`
	ChunkDuration    float64 `json:"chunkDuration"`
	CompleteAudioURL string  `json:"completeAudioUrl"`
	ErrorMessage     string  `json:"errorMessage"`
}

// SetStreamTransport sets the transport used by SynthesizeStream. Without
// it the transport given to NewClient is used and its timeout bounds the
// whole stream.
func (c *Client) SetStreamTransport(tc *transport.Client) {
	if tc != nil {
		c.stream = tc
	}
}

// SynthesizeStream sends text to the streaming endpoint and hands each audio
// chunk to fn, in order, as soon as it arrives. It returns the number of
// chunks delivered.
//
// Unspeakable text and rejected requests deliver nothing and return no
// error. The stream is never retried since delivered chunks may already be
// playing. An error from fn ends the stream and is returned.
func (c *Client) SynthesizeStream(ctx context.Context, text string, speakerID int64, fn func(ttypes.AudioPayload) error) (int, error) {
	preview := truncate.StringWithTail(strings.TrimSpace(text), 40, "…")

	final, ok := textfilter.Speakable(text)
	if !ok {
		log.Debug("TTS: skipping unspeakable text", "text", preview)
		c.metrics.RecordSynthesis(metrics.OutcomeFiltered, 0, 0)
		return 0, nil
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return 0, err
	}

	start := time.Now()
	body, err := sonic.Marshal(streamRequest{Text: final, CharacterID: speakerID, Language: c.config.Language})
	if err != nil {
		return 0, fmt.Errorf("unable to encode synthesis request: %w", err)
	}
	req, err := c.stream.NewRequest(ctx, http.MethodPost, streamPath, bytes.NewReader(body), "application/json")
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := transport.ReadError(resp)
		switch retry.Classify(statusErr) {
		case retry.ClassThrottled, retry.ClassContentRejected, retry.ClassClientError:
			log.Info("TTS: stream request rejected", "text", preview, "err", statusErr)
			c.metrics.RecordSynthesis(metrics.OutcomeDropped, 0, 0)
			return 0, nil
		default:
			c.metrics.RecordSynthesis(metrics.OutcomeFailed, 0, 0)
			return 0, statusErr
		}
	}

	var (
		delivered int
		size      int
		streamErr error
	)
	err = sse.Scan(ctx, resp.Body, func(ev sse.Event) bool {
		switch ev.Kind {
		case sse.KindError:
			streamErr = fmt.Errorf("streaming synthesis failed: %s", ev.Data)
			return false
		case sse.KindData:
			var chunk StreamChunk
			if err := sonic.UnmarshalString(ev.Data, &chunk); err != nil {
				log.Warn("TTS: unreadable stream chunk", "err", err)
				return true
			}
			if chunk.Type == "error" {
				msg := chunk.ErrorMessage
				if msg == "" {
					msg = "unknown error"
				}
				streamErr = fmt.Errorf("streaming synthesis failed: %s", msg)
				return false
			}
			if len(chunk.AudioData) > 0 {
				if err := fn(ttypes.AudioPayload{Data: chunk.AudioData, Chunk: true}); err != nil {
					streamErr = err
					return false
				}
				delivered++
				size += len(chunk.AudioData)
			}
			return !chunk.IsFinished
		}
		return true
	})
	if err == nil {
		err = streamErr
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = ctxErr
		}
		c.metrics.RecordSynthesis(metrics.OutcomeFailed, 0, size)
		return delivered, err
	}

	took := time.Since(start)
	log.Debug("TTS: stream complete", "text", preview, "chunks", delivered, "size", humanize.IBytes(uint64(size)), "took", took) //nolint:gosec
	c.metrics.RecordSynthesis(metrics.OutcomeOK, took, size)
	return delivered, nil
}
