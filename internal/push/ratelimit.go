package push

import (
	"sync/atomic"
	"time"
)

// logLimiter lets one warning through per interval.
type logLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *logLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
