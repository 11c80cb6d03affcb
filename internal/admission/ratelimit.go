package admission

import (
	"math"
	"sync"
	"time"
)

// window is the fixed sliding-window size for every subject, per spec.
const window = 60 * time.Second

// Result is what Check returns: whether the call is allowed, the current
// usage within the window, the effective cap, and — when denied — how
// long the caller should wait before retrying.
type Result struct {
	Allowed        bool
	Used           int
	Limit          int
	RetryAfterSecs int
}

// Limiter is a sliding-window rate limiter keyed by subject id. Effective
// cap is the subject's override if set, else the configured global rpm,
// plus a global burst allowance. State is process-local and in-memory.
type Limiter struct {
	mu          sync.Mutex
	globalRPM   int
	burst       int
	timestamps  map[string][]time.Time
}

// NewLimiter creates a limiter with the given global requests-per-minute
// cap and burst allowance. globalRPM <= 0 disables limiting for subjects
// without an override; a positive per-subject override still applies.
func NewLimiter(globalRPM, burst int) *Limiter {
	return &Limiter{
		globalRPM:  globalRPM,
		burst:      burst,
		timestamps: make(map[string][]time.Time),
	}
}

// Check evaluates and, on allow, records one request for subject at now.
// overrideRPM, if non-nil, replaces the global cap for this subject.
func (l *Limiter) Check(subject string, overrideRPM *int, now time.Time) Result {
	limit := l.effectiveLimit(overrideRPM)
	if limit <= 0 {
		return Result{Allowed: true, Used: 0, Limit: 0}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-window)
	timestamps := l.timestamps[subject]
	pruned := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= limit {
		l.timestamps[subject] = pruned
		oldest := pruned[0]
		retryAfter := int(math.Ceil(oldest.Add(window).Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Result{Allowed: false, Used: len(pruned), Limit: limit, RetryAfterSecs: retryAfter}
	}

	pruned = append(pruned, now)
	l.timestamps[subject] = pruned
	return Result{Allowed: true, Used: len(pruned), Limit: limit}
}

func (l *Limiter) effectiveLimit(overrideRPM *int) int {
	base := l.globalRPM
	if overrideRPM != nil {
		base = *overrideRPM
	}
	if base <= 0 {
		return base
	}
	return base + l.burst
}
