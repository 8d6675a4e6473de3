package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock advances only when the bucket waits on it.
type fakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func TestBucket_StartsFull(t *testing.T) {
	clock := newFakeClock()
	b := newBucketWithClock(3, 0.5, 2*time.Second, clock.Now, clock.After)

	if got := b.Available(); got != 3 {
		t.Errorf("Expected 3 tokens, got %d", got)
	}

	for i := 0; i < 3; i++ {
		if err := b.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
	}

	if got := b.Available(); got != 0 {
		t.Errorf("Expected empty bucket, got %d", got)
	}
	if !clock.Now().Equal(newFakeClock().Now()) {
		t.Errorf("Expected no waiting while tokens were available")
	}
}

func TestBucket_SpacingAtReferenceRate(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	b := newBucketWithClock(1, 0.5, 2*time.Second, clock.Now, clock.After)

	const n = 5
	completions := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		if err := b.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		completions = append(completions, clock.Now().Sub(start))
	}

	for i, at := range completions {
		want := time.Duration(i) * 2 * time.Second
		if at < want {
			t.Errorf("Acquire %d completed at %s, expected no earlier than %s", i+1, at, want)
		}
	}
}

func TestBucket_RefillCapsAtCapacity(t *testing.T) {
	clock := newFakeClock()
	b := newBucketWithClock(2, 1, time.Second, clock.Now, clock.After)

	_ = b.Acquire(context.Background())
	_ = b.Acquire(context.Background())

	// A long idle period must not overfill the bucket.
	clock.After(time.Hour)

	if got := b.Available(); got != 2 {
		t.Errorf("Expected refill capped at 2, got %d", got)
	}
}

func TestBucket_FractionalRefillIsFloored(t *testing.T) {
	clock := newFakeClock()
	b := newBucketWithClock(1, 0.5, 2*time.Second, clock.Now, clock.After)
	_ = b.Acquire(context.Background())

	clock.After(1500 * time.Millisecond)
	if got := b.Available(); got != 0 {
		t.Errorf("Expected 0 tokens after 1.5s at 0.5/s, got %d", got)
	}

	clock.After(500 * time.Millisecond)
	if got := b.Available(); got != 1 {
		t.Errorf("Expected 1 token after 2s at 0.5/s, got %d", got)
	}
}

func TestBucket_ContextCancelled(t *testing.T) {
	b := NewBucket(1, 0.001, 10*time.Millisecond)
	_ = b.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := b.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"smooth", Config{Mode: ModeSmooth, Capacity: 2, RefillPerSecond: 1}, false},
		{"zero capacity", Config{Mode: ModePoll, Capacity: 0, RefillPerSecond: 1, PollInterval: time.Second}, true},
		{"zero rate", Config{Mode: ModePoll, Capacity: 1, RefillPerSecond: 0, PollInterval: time.Second}, true},
		{"zero poll", Config{Mode: ModePoll, Capacity: 1, RefillPerSecond: 1}, true},
		{"unknown mode", Config{Mode: "burst", Capacity: 1, RefillPerSecond: 1, PollInterval: time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSmooth_Acquire(t *testing.T) {
	s := NewSmooth(2, 1000)
	for i := 0; i < 4; i++ {
		if err := s.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
	}
}
