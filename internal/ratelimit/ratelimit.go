// Package ratelimit implements per-operation-class fixed-window counters.
// Keys are the authenticated user ID, falling back to client IP, so one noisy
// user cannot exhaust another's budget.
package ratelimit

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Class names an operation class with its own window and budget.
type Class string

const (
	ClassFileOperation    Class = "fileOperation"
	ClassUpload           Class = "upload"
	ClassAnalysisRun      Class = "analysisRun"
	ClassDeletion         Class = "deletion"
	ClassVersionOperation Class = "versionOperation"
	ClassAuth             Class = "auth"
)

// Limit is a (window, max) pair for one class.
type Limit struct {
	Window time.Duration
	Max    int
}

// DefaultLimits returns the stock per-class budgets. Test builds may override
// any class with TEST_RATE_LIMIT_<CLASS>=<max>[:<window-ms>].
func DefaultLimits() map[Class]Limit {
	limits := map[Class]Limit{
		ClassFileOperation:    {Window: 15 * time.Minute, Max: 50},
		ClassUpload:           {Window: 15 * time.Minute, Max: 10},
		ClassAnalysisRun:      {Window: 5 * time.Minute, Max: 30},
		ClassDeletion:         {Window: 15 * time.Minute, Max: 20},
		ClassVersionOperation: {Window: 15 * time.Minute, Max: 100},
		ClassAuth:             {Window: 15 * time.Minute, Max: 20},
	}
	for class, limit := range limits {
		if override, ok := envOverride(class); ok {
			if override.Window == 0 {
				override.Window = limit.Window
			}
			limits[class] = override
		}
	}
	return limits
}

func envOverride(class Class) (Limit, bool) {
	key := "TEST_RATE_LIMIT_" + strings.ToUpper(string(class))
	v := os.Getenv(key)
	if v == "" {
		return Limit{}, false
	}
	parts := strings.SplitN(v, ":", 2)
	max, err := strconv.Atoi(parts[0])
	if err != nil || max <= 0 {
		return Limit{}, false
	}
	l := Limit{Max: max}
	if len(parts) == 2 {
		if ms, err := strconv.Atoi(parts[1]); err == nil && ms > 0 {
			l.Window = time.Duration(ms) * time.Millisecond
		}
	}
	return l, true
}

type bucket struct {
	count       int
	windowStart time.Time
}

// Limiter tracks fixed-window buckets keyed by (key, class).
type Limiter struct {
	mu      sync.Mutex
	limits  map[Class]Limit
	buckets map[string]*bucket
	now     func() time.Time
}

// New creates a Limiter with the given per-class limits.
func New(limits map[Class]Limit) *Limiter {
	return &Limiter{
		limits:  limits,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Result reports an Allow decision.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// Allow consumes one unit of key's budget for class. When the window has
// elapsed the bucket resets. Unknown classes are always allowed.
func (l *Limiter) Allow(key string, class Class) Result {
	limit, ok := l.limits[class]
	if !ok {
		return Result{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bkey := string(class) + "\x00" + key
	b, ok := l.buckets[bkey]
	if !ok || now.Sub(b.windowStart) >= limit.Window {
		b = &bucket{windowStart: now}
		l.buckets[bkey] = b
	}

	if b.count >= limit.Max {
		retry := limit.Window - now.Sub(b.windowStart)
		if retry < 0 {
			retry = 0
		}
		return Result{Allowed: false, RetryAfter: retry}
	}

	b.count++
	return Result{Allowed: true, Remaining: limit.Max - b.count}
}

// Prune drops buckets whose window has fully elapsed. Called periodically so
// the table does not grow with one-off clients.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		class := Class(key[:strings.IndexByte(key, 0)])
		limit, ok := l.limits[class]
		if !ok || now.Sub(b.windowStart) >= limit.Window {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// String describes the configured limits, for startup logging.
func (l *Limiter) String() string {
	var b strings.Builder
	first := true
	for class, limit := range l.limits {
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s=%d/%s", class, limit.Max, limit.Window)
	}
	return b.String()
}
