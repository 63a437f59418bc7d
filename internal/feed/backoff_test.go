package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 30*time.Second, b.Delay(200), "large attempts must not overflow")
	assert.Equal(t, time.Second, b.Delay(0))
}

func TestBackoffUncapped(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond}
	assert.Equal(t, 80*time.Millisecond, b.Delay(4))
}

func TestBackoffUncappedNeverOverflows(t *testing.T) {
	b := Backoff{Base: time.Second}
	prev := b.Delay(1)
	for attempt := 2; attempt <= 200; attempt++ {
		d := b.Delay(attempt)
		assert.Positive(t, d, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
