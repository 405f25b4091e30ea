package handlers

import (
	"math"
	"strings"
	"sync"
	"time"
)

// quotaLimiter hands out a fixed number of calls per key per window.
type quotaLimiter interface {
	Take(key string) quotaDecision
}

type quotaDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// retryAfterSeconds rounds up so clients never retry before the window resets.
func (d quotaDecision) retryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

type windowQuota struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu        sync.Mutex
	windows   map[string]quotaWindow
	lastSweep time.Time
}

type quotaWindow struct {
	used    int
	resetAt time.Time
}

func newWindowQuota(limit int, window time.Duration, clock func() time.Time) quotaLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowQuota{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]quotaWindow),
	}
}

func (q *windowQuota) Take(key string) quotaDecision {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := q.clock()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.sweepLocked(now)

	current, ok := q.windows[key]
	if !ok || !now.Before(current.resetAt) {
		current = quotaWindow{resetAt: now.Add(q.window)}
	}
	if current.used >= q.limit {
		return quotaDecision{RetryAfter: current.resetAt.Sub(now)}
	}
	current.used++
	q.windows[key] = current
	return quotaDecision{Allowed: true, Remaining: q.limit - current.used}
}

// sweepLocked drops finished windows at most once per window length.
func (q *windowQuota) sweepLocked(now time.Time) {
	if now.Sub(q.lastSweep) < q.window {
		return
	}
	q.lastSweep = now
	for key, w := range q.windows {
		if !now.Before(w.resetAt) {
			delete(q.windows, key)
		}
	}
}
