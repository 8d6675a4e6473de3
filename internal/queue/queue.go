package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/carolrp/voicepipe/internal/metrics"
	"github.com/carolrp/voicepipe/internal/ttypes"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/muesli/reflow/truncate"
)

// ErrQueueClosed is returned when operations are attempted on a closed queue
var ErrQueueClosed = errors.New("queue is closed")

// Playback outcomes recorded per item.
const (
	outcomePlayed  = "played"
	outcomeSkipped = "skipped"
	outcomeError   = "error"
)

// Orchestrator owns the utterance queue. Synthesis runs in the background
// for every item; playback is strictly FIFO with one item at a time.
type Orchestrator struct {
	synth  ttypes.Synthesizer
	player ttypes.Player

	// ctx bounds background synthesis. Clear does not cancel it.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	items      []*entry
	current    *entry
	generation uint64
	loopCancel context.CancelFunc // cancels the running loop's playback
	running    bool
	closed     bool
	onEmpty    func()
	stats      Stats

	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// entry is a queued utterance plus its synthesis result.
type entry struct {
	item    ttypes.QueueItem
	payload ttypes.AudioPayload
	done    chan struct{} // closed once item.State settles
}

// Stats tracks queue activity.
type Stats struct {
	TotalEnqueued   int64
	TotalDuplicates int64
	TotalPlayed     int64
	TotalSkipped    int64
	CurrentSize     int
	PeakSize        int
	LastEnqueue     time.Time
	LastPlayed      time.Time
}

// New creates an orchestrator that synthesizes with synth and plays with
// player.
func New(synth ttypes.Synthesizer, player ttypes.Player) (*Orchestrator, error) {
	if synth == nil {
		return nil, errors.New("synthesizer cannot be nil")
	}
	if player == nil {
		return nil, errors.New("player cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		synth:  synth,
		player: player,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// SetMetrics attaches pipeline metrics.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// OnQueueEmpty registers fn to run each time the playback loop drains the
// queue. It runs on the loop goroutine.
func (o *Orchestrator) OnQueueEmpty(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onEmpty = fn
}

// Enqueue adds text to the queue and starts synthesizing it. It returns
// false when the text is blank, already waiting in the queue, or the queue is
// closed.
func (o *Orchestrator) Enqueue(text string, speakerID int64, isFirst bool) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		log.Debug("Queue: skipping empty text")
		return false
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	for _, e := range o.items {
		if e.item.Text == text {
			o.stats.TotalDuplicates++
			o.mu.Unlock()
			log.Debug("Queue: skipping duplicate text", "text", preview(text))
			return false
		}
	}

	e := &entry{
		item: ttypes.QueueItem{
			ID:        uuid.NewString(),
			Text:      text,
			SpeakerID: speakerID,
			IsFirst:   isFirst,
			State:     ttypes.SynthesisNotStarted,
			Enqueued:  time.Now(),
		},
		done: make(chan struct{}),
	}
	o.items = append(o.items, e)
	o.stats.TotalEnqueued++
	o.stats.LastEnqueue = e.item.Enqueued
	o.stats.CurrentSize = len(o.items)
	o.stats.PeakSize = max(o.stats.PeakSize, len(o.items))
	size := len(o.items)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.synthesize(e)
	}()

	if !o.running {
		o.startLoop()
	}
	o.mu.Unlock()

	o.metrics.SetQueueDepth(size)
	log.Debug("Queue: enqueued", "id", e.item.ID, "size", size, "first", isFirst)
	return true
}

// startLoop launches a playback loop for the current generation. Callers
// hold o.mu.
func (o *Orchestrator) startLoop() {
	ctx, cancel := context.WithCancel(o.ctx)
	o.loopCancel = cancel
	o.running = true

	gen := o.generation
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.loop(ctx, gen)
	}()
}

// synthesize runs synthesis for e once. A second caller finds the item
// already claimed and returns immediately.
func (o *Orchestrator) synthesize(e *entry) {
	o.mu.Lock()
	if e.item.State != ttypes.SynthesisNotStarted {
		o.mu.Unlock()
		return
	}
	e.item.State = ttypes.SynthesisInProgress
	o.mu.Unlock()

	payload, ok, err := o.synth.Synthesize(o.ctx, e.item.Text, e.item.SpeakerID)
	if err != nil {
		log.Debug("Queue: synthesis failed", "id", e.item.ID, "error", err)
	}

	o.mu.Lock()
	if ok && err == nil && !payload.Empty() {
		e.payload = payload
		e.item.State = ttypes.SynthesisDone
	} else {
		e.item.State = ttypes.SynthesisFailed
	}
	o.mu.Unlock()
	close(e.done)
}

// loop plays items until the queue drains or its generation is superseded.
func (o *Orchestrator) loop(ctx context.Context, gen uint64) {
	for {
		o.mu.Lock()
		if gen != o.generation || o.closed {
			o.mu.Unlock()
			return
		}
		if len(o.items) == 0 {
			o.running = false
			o.current = nil
			o.stats.CurrentSize = 0
			onEmpty := o.onEmpty
			o.mu.Unlock()

			o.metrics.SetQueueDepth(0)
			log.Debug("Queue: drained")
			if onEmpty != nil {
				onEmpty()
			}
			return
		}

		e := o.items[0]
		o.items[0] = nil
		o.items = o.items[1:]
		o.current = e
		o.stats.CurrentSize = len(o.items)
		state := e.item.State
		size := len(o.items)
		o.mu.Unlock()

		o.metrics.SetQueueDepth(size)

		if state == ttypes.SynthesisNotStarted {
			o.synthesize(e)
		}

		select {
		case <-e.done:
		case <-ctx.Done():
			return
		}

		o.play(ctx, gen, e)
	}
}

// play renders a settled item. Failed items and playback errors are skipped.
func (o *Orchestrator) play(ctx context.Context, gen uint64, e *entry) {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	failed := e.item.State != ttypes.SynthesisDone
	payload := e.payload
	if failed {
		o.stats.TotalSkipped++
	}
	o.mu.Unlock()

	if failed {
		log.Debug("Queue: no audio, skipping", "id", e.item.ID)
		o.metrics.RecordPlayback(outcomeSkipped)
		o.finish(e)
		return
	}

	err := o.player.Play(ctx, payload)
	switch {
	case err == nil:
		o.mu.Lock()
		o.stats.TotalPlayed++
		o.stats.LastPlayed = time.Now()
		o.mu.Unlock()
		o.metrics.RecordPlayback(outcomePlayed)
	case ctx.Err() != nil:
		// cleared or closed
	default:
		log.Warn("Queue: playback failed, skipping", "id", e.item.ID, "error", err)
		o.mu.Lock()
		o.stats.TotalSkipped++
		o.mu.Unlock()
		o.metrics.RecordPlayback(outcomeError)
	}
	o.finish(e)
}

func (o *Orchestrator) finish(e *entry) {
	o.mu.Lock()
	if o.current == e {
		o.current = nil
	}
	// release audio held by a played item
	e.payload = ttypes.AudioPayload{}
	o.mu.Unlock()
}

// Clear stops playback and drops every queued item. Synthesis requests
// already in flight are left to finish and their results discarded.
func (o *Orchestrator) Clear() {
	o.mu.Lock()
	dropped := len(o.items)
	o.items = nil
	o.current = nil
	o.generation++
	o.running = false
	o.stats.CurrentSize = 0
	if o.loopCancel != nil {
		o.loopCancel()
		o.loopCancel = nil
	}
	o.mu.Unlock()

	o.player.Stop()
	o.metrics.SetQueueDepth(0)
	log.Debug("Queue: cleared", "dropped", dropped)
}

// Len returns the number of items waiting behind the one playing.
func (o *Orchestrator) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// IsPlaying reports whether audio is currently being rendered.
func (o *Orchestrator) IsPlaying() bool {
	return o.player.IsPlaying()
}

// Current returns a snapshot of the item being played or awaited, if any.
func (o *Orchestrator) Current() *ttypes.QueueItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil
	}
	item := o.current.item
	return &item
}

// Items returns snapshots of the waiting items in playback order.
func (o *Orchestrator) Items() []ttypes.QueueItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := make([]ttypes.QueueItem, len(o.items))
	for i, e := range o.items {
		items[i] = e.item
	}
	return items
}

// Stats returns current queue statistics.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	stats := o.stats
	stats.CurrentSize = len(o.items)
	return stats
}

// Close clears the queue, cancels in-flight synthesis and waits for
// background work to exit.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.Clear()
	o.cancel()
	o.wg.Wait()
	return nil
}

func preview(text string) string {
	return truncate.StringWithTail(text, 40, "…")
}
