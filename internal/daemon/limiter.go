package daemon

import (
	"time"

	"peerstreamer/internal/node"
)

const defaultRateWindow = time.Second

// rateLimiter admits at most limit messages per sender in each fixed window.
// It belongs to the control loop and is not locked.
type rateLimiter struct {
	limit   int
	window  time.Duration
	buckets map[node.ID]*rateBucket
	sweep   time.Time
}

type rateBucket struct {
	count int
	reset time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if window <= 0 {
		window = defaultRateWindow
	}
	return &rateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[node.ID]*rateBucket),
	}
}

func (r *rateLimiter) Allow(from node.ID, now time.Time) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	if now.Sub(r.sweep) > 4*r.window {
		for id, b := range r.buckets {
			if now.After(b.reset) {
				delete(r.buckets, id)
			}
		}
		r.sweep = now
	}
	b, ok := r.buckets[from]
	if !ok || now.After(b.reset) {
		r.buckets[from] = &rateBucket{count: 1, reset: now.Add(r.window)}
		return true
	}
	if b.count >= r.limit {
		return false
	}
	b.count++
	return true
}
