package kernel

import (
	"slices"
	"sync"
	"time"
)

// AnonymousUser keys requests that carry no user id.
const AnonymousUser = "anonymous"

// =============================================================================
// Rate Limit Result
// =============================================================================

// RateLimitResult represents the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool    `json:"allowed"`
	LimitType  string  `json:"limit_type,omitempty"`  // "minute" or "hour"
	Current    int     `json:"current"`               // Current request count
	Limit      int     `json:"limit"`                 // Configured limit
	Remaining  int     `json:"remaining"`             // Remaining requests in the tightest window
	RetryAfter float64 `json:"retry_after,omitempty"` // Seconds until retry allowed
}

// ExceededLimit creates a rate limit exceeded result.
func ExceededLimit(limitType string, current, limit int, retryAfter float64) *RateLimitResult {
	return &RateLimitResult{
		Allowed:    false,
		LimitType:  limitType,
		Current:    current,
		Limit:      limit,
		Remaining:  0,
		RetryAfter: retryAfter,
	}
}

// AllowedResult creates an allowed result.
func AllowedResult(remaining int) *RateLimitResult {
	return &RateLimitResult{Allowed: true, Remaining: remaining}
}

// =============================================================================
// Sliding Window
// =============================================================================

// SlidingWindow implements a sliding window counter for rate limiting.
// Uses sub-buckets for accurate sliding window calculation. It is not
// synchronized; the RateLimiter guards it.
type SlidingWindow struct {
	window      time.Duration
	bucketCount int
	buckets     map[int64]int
}

// NewSlidingWindow creates a new sliding window.
func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		window:      window,
		bucketCount: 10,
		buckets:     make(map[int64]int),
	}
}

func (w *SlidingWindow) bucketSize() int64 {
	size := int64(w.window) / int64(w.bucketCount)
	if size <= 0 {
		return 1
	}
	return size
}

func (w *SlidingWindow) bucketOf(now time.Time) int64 {
	return now.UnixNano() / w.bucketSize()
}

// Record records a request and returns the current count.
func (w *SlidingWindow) Record(now time.Time) int {
	w.prune(now)
	w.buckets[w.bucketOf(now)]++
	return w.Count(now)
}

// Count returns the current count in the sliding window.
func (w *SlidingWindow) Count(now time.Time) int {
	minBucket := w.bucketOf(now) - int64(w.bucketCount) + 1
	count := 0
	for bucket, n := range w.buckets {
		if bucket >= minBucket {
			count += n
		}
	}
	return count
}

func (w *SlidingWindow) prune(now time.Time) {
	minBucket := w.bucketOf(now) - int64(w.bucketCount) + 1
	for b := range w.buckets {
		if b < minBucket {
			delete(w.buckets, b)
		}
	}
}

// Empty reports whether the window holds no live requests.
func (w *SlidingWindow) Empty(now time.Time) bool {
	w.prune(now)
	return len(w.buckets) == 0
}

// TimeUntilSlotAvailable calculates how long until a slot frees under limit.
func (w *SlidingWindow) TimeUntilSlotAvailable(now time.Time, limit int) time.Duration {
	current := w.Count(now)
	if current < limit {
		return 0
	}

	minBucket := w.bucketOf(now) - int64(w.bucketCount) + 1
	var live []int64
	for b := range w.buckets {
		if b >= minBucket {
			live = append(live, b)
		}
	}
	slices.Sort(live)

	// Oldest buckets expire first.
	excess := current - limit + 1
	expired := 0
	for _, b := range live {
		expired += w.buckets[b]
		if expired >= excess {
			leaves := time.Unix(0, (b+int64(w.bucketCount))*w.bucketSize())
			if wait := leaves.Sub(now); wait > 0 {
				return wait
			}
			return 0
		}
	}
	return w.window
}

// =============================================================================
// Rate Limiter
// =============================================================================

type userWindows struct {
	minute *SlidingWindow
	hour   *SlidingWindow
}

// RateLimiter enforces per-user admission windows. A limit of 0 disables
// its window.
//
// Usage:
//
//	limiter := NewRateLimiter(60, 1000)
//	if result := limiter.Allow(userID, time.Now()); !result.Allowed {
//	    // reject, retry after result.RetryAfter seconds
//	}
type RateLimiter struct {
	perMinute int
	perHour   int
	users     map[string]*userWindows
	mu        sync.Mutex
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(perMinute, perHour int) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		perHour:   perHour,
		users:     make(map[string]*userWindows),
	}
}

// Enabled reports whether any window is configured.
func (rl *RateLimiter) Enabled() bool {
	return rl.perMinute > 0 || rl.perHour > 0
}

// Allow checks both windows and records the request when it is admitted.
// Rejected requests are not recorded.
func (rl *RateLimiter) Allow(userID string, now time.Time) *RateLimitResult {
	if !rl.Enabled() {
		return AllowedResult(-1)
	}
	if userID == "" {
		userID = AnonymousUser
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	uw, ok := rl.users[userID]
	if !ok {
		uw = &userWindows{
			minute: NewSlidingWindow(time.Minute),
			hour:   NewSlidingWindow(time.Hour),
		}
		rl.users[userID] = uw
	}

	checks := []struct {
		name   string
		window *SlidingWindow
		limit  int
	}{
		{"minute", uw.minute, rl.perMinute},
		{"hour", uw.hour, rl.perHour},
	}

	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		if current := c.window.Count(now); current >= c.limit {
			retry := c.window.TimeUntilSlotAvailable(now, c.limit)
			return ExceededLimit(c.name, current, c.limit, retry.Seconds())
		}
	}

	remaining := -1
	for _, c := range checks {
		count := c.window.Record(now)
		if c.limit <= 0 {
			continue
		}
		if left := c.limit - count; remaining < 0 || left < remaining {
			remaining = left
		}
	}
	return AllowedResult(remaining)
}

// Usage returns the user's live counts per window.
func (rl *RateLimiter) Usage(userID string, now time.Time) map[string]int {
	if userID == "" {
		userID = AnonymousUser
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	usage := map[string]int{"minute": 0, "hour": 0}
	if uw, ok := rl.users[userID]; ok {
		usage["minute"] = uw.minute.Count(now)
		usage["hour"] = uw.hour.Count(now)
	}
	return usage
}

// ResetUser forgets a user's history.
func (rl *RateLimiter) ResetUser(userID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.users, userID)
}

// CleanupExpired drops users with no live requests and returns how many
// were removed.
func (rl *RateLimiter) CleanupExpired(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for id, uw := range rl.users {
		if uw.minute.Empty(now) && uw.hour.Empty(now) {
			delete(rl.users, id)
			removed++
		}
	}
	return removed
}
