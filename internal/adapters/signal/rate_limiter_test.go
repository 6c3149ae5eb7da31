package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_PerKeyBurst(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))
}

func TestRateLimiter_Sweep(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	now = now.Add(30 * time.Second)
	rl.Allow("b")
	now = now.Add(40 * time.Second)

	assert.Equal(t, 1, rl.Sweep(time.Minute))
	assert.Len(t, rl.buckets, 1)
	assert.Contains(t, rl.buckets, "b")
}
