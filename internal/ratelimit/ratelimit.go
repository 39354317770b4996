// Package ratelimit enforces per-user sliding-window request limits.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradegate/internal/metrics"
)

// Category buckets requests so order placement, smart orders, general API
// calls, logins, and password resets are limited independently.
type Category string

const (
	Order Category = "order"
	Smart Category = "smart"
	API   Category = "api"
	Login Category = "login"
	Reset Category = "reset"
)

// Limit is one sliding window: at most N events per Window.
type Limit struct {
	N      int
	Window time.Duration
}

func (l Limit) String() string {
	return fmt.Sprintf("%d per %s", l.N, unitName(l.Window))
}

func unitName(d time.Duration) string {
	switch d {
	case time.Second:
		return "second"
	case time.Minute:
		return "minute"
	case time.Hour:
		return "hour"
	case 24 * time.Hour:
		return "day"
	}
	return d.String()
}

// ParseLimit parses the "N per <unit>" form used in configuration,
// e.g. "10 per second" or "25 per hour".
func ParseLimit(s string) (Limit, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	if len(fields) != 3 || fields[1] != "per" {
		return Limit{}, fmt.Errorf("rate limit %q: expected \"N per <unit>\"", s)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return Limit{}, fmt.Errorf("rate limit %q: count must be a positive integer", s)
	}
	var window time.Duration
	switch strings.TrimSuffix(fields[2], "s") {
	case "second":
		window = time.Second
	case "minute":
		window = time.Minute
	case "hour":
		window = time.Hour
	case "day":
		window = 24 * time.Hour
	default:
		return Limit{}, fmt.Errorf("rate limit %q: unknown unit %q", s, fields[2])
	}
	return Limit{N: n, Window: window}, nil
}

// ErrLimited reports a rejected request and when a retry could succeed.
type ErrLimited struct {
	Category   Category
	Limit      Limit
	RetryAfter time.Duration
}

func (e *ErrLimited) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s allows %s", e.Category, e.Limit)
}

// Limiter tracks request timestamps per (category, key) pair. A category can
// carry several windows at once; every window must admit the request.
type Limiter struct {
	mu     sync.Mutex
	limits map[Category][]Limit
	hits   map[bucketKey][]time.Time
	now    func() time.Time
}

type bucketKey struct {
	category Category
	key      string
}

// New builds a limiter. Categories absent from limits are unrestricted.
func New(limits map[Category][]Limit) *Limiter {
	cp := make(map[Category][]Limit, len(limits))
	for c, ls := range limits {
		cp[c] = append([]Limit(nil), ls...)
	}
	return &Limiter{
		limits: cp,
		hits:   make(map[bucketKey][]time.Time),
		now:    time.Now,
	}
}

// Allow admits or rejects one request for key under category. Admission
// records the request; rejection does not, so a throttled caller is not
// punished further for retrying.
func (l *Limiter) Allow(category Category, key string) error {
	limits := l.limits[category]
	if len(limits) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bk := bucketKey{category: category, key: key}
	history := l.prune(bk, now, limits)

	for _, lim := range limits {
		cutoff := now.Add(-lim.Window)
		count := 0
		oldest := time.Time{}
		for _, ts := range history {
			if ts.After(cutoff) {
				if count == 0 {
					oldest = ts
				}
				count++
			}
		}
		if count >= lim.N {
			metrics.RateLimitRejections.WithLabelValues(string(category)).Inc()
			return &ErrLimited{
				Category:   category,
				Limit:      lim,
				RetryAfter: oldest.Add(lim.Window).Sub(now),
			}
		}
	}

	l.hits[bk] = append(history, now)
	return nil
}

// prune drops timestamps older than the category's widest window. Caller
// holds the lock.
func (l *Limiter) prune(bk bucketKey, now time.Time, limits []Limit) []time.Time {
	var widest time.Duration
	for _, lim := range limits {
		if lim.Window > widest {
			widest = lim.Window
		}
	}
	cutoff := now.Add(-widest)

	history := l.hits[bk]
	kept := history[:0]
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(l.hits, bk)
		return nil
	}
	l.hits[bk] = kept
	return kept
}

// GC drops buckets whose newest entry is older than every window. Run it
// periodically so abandoned keys do not accumulate.
func (l *Limiter) GC() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for bk, history := range l.hits {
		limits := l.limits[bk.category]
		var widest time.Duration
		for _, lim := range limits {
			if lim.Window > widest {
				widest = lim.Window
			}
		}
		if len(history) == 0 || !history[len(history)-1].After(now.Add(-widest)) {
			delete(l.hits, bk)
		}
	}
}
