package main

import (
	"testing"
	"time"

	"github.com/adlens/adlens/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowLimiter(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	l := NewSlidingWindowLimiter(clock, 2, time.Minute)

	assert.True(t, l.Allow("ws1", models.ProviderMeta))
	assert.True(t, l.Allow("ws1", models.ProviderMeta))
	assert.False(t, l.Allow("ws1", models.ProviderMeta))

	// Other keys have their own budget.
	assert.True(t, l.Allow("ws1", models.ProviderGoogle))
	assert.True(t, l.Allow("ws2", models.ProviderMeta))

	// Once the window slides past the first attempts the key recovers.
	clock.Advance(61 * time.Second)
	assert.True(t, l.Allow("ws1", models.ProviderMeta))
}

func TestSlidingWindowLimiterStop(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	l := NewSlidingWindowLimiter(clock, 1, time.Minute)

	assert.True(t, l.Allow("ws1", models.ProviderMeta))
	l.Stop()

	// Counting still works after the background eviction loop halts.
	assert.False(t, l.Allow("ws1", models.ProviderMeta))
}

func TestSlidingWindowLimiterPartialSlide(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	l := NewSlidingWindowLimiter(clock, 2, time.Minute)

	assert.True(t, l.Allow("ws1", models.ProviderMeta))
	clock.Advance(40 * time.Second)
	assert.True(t, l.Allow("ws1", models.ProviderMeta))
	assert.False(t, l.Allow("ws1", models.ProviderMeta))

	// The first stamp has aged out, the second has not.
	clock.Advance(30 * time.Second)
	assert.True(t, l.Allow("ws1", models.ProviderMeta))
	assert.False(t, l.Allow("ws1", models.ProviderMeta))
}
