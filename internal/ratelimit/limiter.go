package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// Limiter blocks until the caller may issue one request.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Mode selects the limiter implementation.
type Mode string

const (
	// ModePoll refills in whole tokens and polls while empty
	ModePoll Mode = "poll"

	// ModeSmooth uses a continuously refilling limiter
	ModeSmooth Mode = "smooth"
)

// Config contains limiter settings.
type Config struct {
	Mode            Mode
	Capacity        int
	RefillPerSecond float64
	PollInterval    time.Duration
}

// DefaultConfig returns one request every two seconds with no burst.
func DefaultConfig() Config {
	return Config{
		Mode:            ModePoll,
		Capacity:        1,
		RefillPerSecond: 0.5,
		PollInterval:    2 * time.Second,
	}
}

// New builds the limiter described by config.
func New(config Config) (Limiter, error) {
	if config.Capacity < 1 {
		return nil, fmt.Errorf("capacity must be at least 1, got %d", config.Capacity)
	}
	if config.RefillPerSecond <= 0 {
		return nil, fmt.Errorf("refill rate must be positive, got %f", config.RefillPerSecond)
	}

	switch config.Mode {
	case ModePoll, "":
		if config.PollInterval <= 0 {
			return nil, fmt.Errorf("poll interval must be positive, got %s", config.PollInterval)
		}
		return NewBucket(config.Capacity, config.RefillPerSecond, config.PollInterval), nil
	case ModeSmooth:
		return NewSmooth(config.Capacity, config.RefillPerSecond), nil
	default:
		return nil, fmt.Errorf("unknown rate limit mode %q", config.Mode)
	}
}

// Bucket is a token bucket with lazy whole-token refill.
// available always stays within [0, capacity].
type Bucket struct {
	mu         sync.Mutex
	available  int
	lastRefill time.Time

	capacity     int
	refillRate   float64 // tokens per second
	pollInterval time.Duration

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// NewBucket creates a full bucket.
func NewBucket(capacity int, refillPerSecond float64, poll time.Duration) *Bucket {
	return newBucketWithClock(capacity, refillPerSecond, poll, time.Now, time.After)
}

func newBucketWithClock(capacity int, refillPerSecond float64, poll time.Duration,
	now func() time.Time, after func(time.Duration) <-chan time.Time,
) *Bucket {
	return &Bucket{
		available:    capacity,
		lastRefill:   now(),
		capacity:     capacity,
		refillRate:   refillPerSecond,
		pollInterval: poll,
		now:          now,
		after:        after,
	}
}

// Acquire takes one token, waiting in poll-interval steps while the bucket
// is empty. It only fails when ctx is done.
func (b *Bucket) Acquire(ctx context.Context) error {
	for waits := 0; ; waits++ {
		if b.tryTake() {
			if waits > 0 {
				log.Debug("Rate limiter: token acquired", "waits", waits)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.after(b.pollInterval):
		}
	}
}

// Available returns the current token count after refilling.
func (b *Bucket) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.available
}

func (b *Bucket) tryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.available > 0 {
		b.available--
		return true
	}
	return false
}

// refill must be called with mu held.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	add := int(math.Floor(elapsed * b.refillRate))
	if add <= 0 {
		return
	}
	b.available = min(b.capacity, b.available+add)
	b.lastRefill = now
}

// Smooth adapts rate.Limiter to the Limiter interface.
type Smooth struct {
	limiter *rate.Limiter
}

// NewSmooth creates a limiter with the given burst and refill rate.
func NewSmooth(capacity int, refillPerSecond float64) *Smooth {
	return &Smooth{limiter: rate.NewLimiter(rate.Limit(refillPerSecond), capacity)}
}

// Acquire waits for a token.
func (s *Smooth) Acquire(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait cancelled: %w", err)
	}
	return nil
}

var (
	_ Limiter = (*Bucket)(nil)
	_ Limiter = (*Smooth)(nil)
)
