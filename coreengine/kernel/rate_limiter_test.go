package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// Sliding Window Tests
// =============================================================================

func TestSlidingWindow_CountsWithinWindow(t *testing.T) {
	w := NewSlidingWindow(time.Minute)

	assert.Equal(t, 1, w.Record(epoch))
	assert.Equal(t, 2, w.Record(epoch.Add(10*time.Second)))
	assert.Equal(t, 2, w.Count(epoch.Add(30*time.Second)))
}

func TestSlidingWindow_Expires(t *testing.T) {
	w := NewSlidingWindow(time.Minute)
	w.Record(epoch)

	assert.Equal(t, 0, w.Count(epoch.Add(2*time.Minute)))
	assert.True(t, w.Empty(epoch.Add(2*time.Minute)))
}

func TestSlidingWindow_TimeUntilSlotAvailable(t *testing.T) {
	w := NewSlidingWindow(time.Minute)
	w.Record(epoch)
	w.Record(epoch)

	assert.Zero(t, w.TimeUntilSlotAvailable(epoch, 3))

	wait := w.TimeUntilSlotAvailable(epoch, 2)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute)
	assert.Equal(t, 0, w.Count(epoch.Add(wait)))
}

// =============================================================================
// Rate Limiter Tests
// =============================================================================

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)

	assert.False(t, rl.Enabled())
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("user-1", epoch).Allowed)
	}
}

func TestRateLimiter_MinuteLimit(t *testing.T) {
	rl := NewRateLimiter(3, 0)

	for i := 0; i < 3; i++ {
		result := rl.Allow("user-1", epoch)
		require.True(t, result.Allowed)
		assert.Equal(t, 2-i, result.Remaining)
	}

	result := rl.Allow("user-1", epoch)
	assert.False(t, result.Allowed)
	assert.Equal(t, "minute", result.LimitType)
	assert.Equal(t, 3, result.Current)
	assert.Equal(t, 3, result.Limit)
	assert.Greater(t, result.RetryAfter, 0.0)

	// Rejected requests are not recorded.
	assert.Equal(t, 3, rl.Usage("user-1", epoch)["minute"])

	assert.True(t, rl.Allow("user-1", epoch.Add(2*time.Minute)).Allowed)
}

func TestRateLimiter_HourLimit(t *testing.T) {
	rl := NewRateLimiter(10, 2)

	assert.True(t, rl.Allow("user-1", epoch).Allowed)
	assert.True(t, rl.Allow("user-1", epoch.Add(5*time.Minute)).Allowed)

	result := rl.Allow("user-1", epoch.Add(10*time.Minute))
	assert.False(t, result.Allowed)
	assert.Equal(t, "hour", result.LimitType)
}

func TestRateLimiter_UsersAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 0)

	assert.True(t, rl.Allow("user-1", epoch).Allowed)
	assert.False(t, rl.Allow("user-1", epoch).Allowed)
	assert.True(t, rl.Allow("user-2", epoch).Allowed)
}

func TestRateLimiter_AnonymousUser(t *testing.T) {
	rl := NewRateLimiter(1, 0)

	assert.True(t, rl.Allow("", epoch).Allowed)
	assert.False(t, rl.Allow("", epoch).Allowed)
	assert.Equal(t, 1, rl.Usage(AnonymousUser, epoch)["minute"])
}

func TestRateLimiter_ResetUser(t *testing.T) {
	rl := NewRateLimiter(1, 0)
	rl.Allow("user-1", epoch)

	rl.ResetUser("user-1")

	assert.True(t, rl.Allow("user-1", epoch).Allowed)
}

func TestRateLimiter_CleanupExpired(t *testing.T) {
	rl := NewRateLimiter(5, 0)
	rl.Allow("user-1", epoch)
	rl.Allow("user-2", epoch.Add(90*time.Minute))

	removed := rl.CleanupExpired(epoch.Add(91 * time.Minute))

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, rl.Usage("user-2", epoch.Add(91*time.Minute))["hour"])
}
