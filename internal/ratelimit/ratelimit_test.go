package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in    string
		want  Limit
		valid bool
	}{
		{"10 per second", Limit{N: 10, Window: time.Second}, true},
		{"5 per minute", Limit{N: 5, Window: time.Minute}, true},
		{"25 per hour", Limit{N: 25, Window: time.Hour}, true},
		{"100 per day", Limit{N: 100, Window: 24 * time.Hour}, true},
		{"  2 PER Second ", Limit{N: 2, Window: time.Second}, true},
		{"10 per seconds", Limit{N: 10, Window: time.Second}, true},
		{"ten per second", Limit{}, false},
		{"0 per second", Limit{}, false},
		{"-3 per second", Limit{}, false},
		{"10 per fortnight", Limit{}, false},
		{"10 second", Limit{}, false},
		{"", Limit{}, false},
	}
	for _, tt := range tests {
		got, err := ParseLimit(tt.in)
		if !tt.valid {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func newTestLimiter(limits map[Category][]Limit) (*Limiter, *time.Time) {
	l := New(limits)
	now := time.Date(2025, 6, 10, 9, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(map[Category][]Limit{
		Order: {{N: 10, Window: time.Second}},
	})

	for i := 0; i < 10; i++ {
		assert.NoError(t, l.Allow(Order, "user-1"))
	}
	err := l.Allow(Order, "user-1")
	require.Error(t, err)

	var limited *ErrLimited
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, Order, limited.Category)
	assert.Equal(t, time.Second, limited.RetryAfter)
}

func TestWindowSlides(t *testing.T) {
	l, now := newTestLimiter(map[Category][]Limit{
		Order: {{N: 2, Window: time.Second}},
	})

	require.NoError(t, l.Allow(Order, "u"))
	*now = now.Add(600 * time.Millisecond)
	require.NoError(t, l.Allow(Order, "u"))
	assert.Error(t, l.Allow(Order, "u"))

	// First hit ages out; one slot opens.
	*now = now.Add(500 * time.Millisecond)
	assert.NoError(t, l.Allow(Order, "u"))
	assert.Error(t, l.Allow(Order, "u"))
}

func TestRejectionDoesNotCount(t *testing.T) {
	l, now := newTestLimiter(map[Category][]Limit{
		Order: {{N: 1, Window: time.Second}},
	})

	require.NoError(t, l.Allow(Order, "u"))
	for i := 0; i < 20; i++ {
		assert.Error(t, l.Allow(Order, "u"))
	}
	// Despite 20 rejected retries the original window still expires on time.
	*now = now.Add(time.Second + time.Millisecond)
	assert.NoError(t, l.Allow(Order, "u"))
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[Category][]Limit{
		Order: {{N: 1, Window: time.Second}},
	})

	require.NoError(t, l.Allow(Order, "user-1"))
	assert.Error(t, l.Allow(Order, "user-1"))
	assert.NoError(t, l.Allow(Order, "user-2"))
}

func TestCategoriesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[Category][]Limit{
		Order: {{N: 1, Window: time.Second}},
		API:   {{N: 1, Window: time.Second}},
	})

	require.NoError(t, l.Allow(Order, "u"))
	assert.Error(t, l.Allow(Order, "u"))
	assert.NoError(t, l.Allow(API, "u"))
}

func TestDualWindowLogin(t *testing.T) {
	l, now := newTestLimiter(map[Category][]Limit{
		Login: {
			{N: 5, Window: time.Minute},
			{N: 25, Window: time.Hour},
		},
	})

	// Burst to the per-minute cap.
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Allow(Login, "u"))
	}
	err := l.Allow(Login, "u")
	var limited *ErrLimited
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, time.Minute, limited.Limit.Window)

	// Spread 20 more over later minutes to reach the hourly cap.
	for i := 0; i < 4; i++ {
		*now = now.Add(time.Minute + time.Second)
		for j := 0; j < 5; j++ {
			require.NoError(t, l.Allow(Login, "u"), "minute %d attempt %d", i, j)
		}
	}

	*now = now.Add(time.Minute + time.Second)
	err = l.Allow(Login, "u")
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, time.Hour, limited.Limit.Window, "hourly cap binds once the minute window is clear")
}

func TestUnconfiguredCategoryUnrestricted(t *testing.T) {
	l, _ := newTestLimiter(map[Category][]Limit{})
	for i := 0; i < 1000; i++ {
		assert.NoError(t, l.Allow(API, "u"))
	}
}

func TestGCDropsIdleBuckets(t *testing.T) {
	l, now := newTestLimiter(map[Category][]Limit{
		Order: {{N: 10, Window: time.Second}},
	})

	require.NoError(t, l.Allow(Order, "user-1"))
	require.NoError(t, l.Allow(Order, "user-2"))
	assert.Len(t, l.hits, 2)

	*now = now.Add(2 * time.Second)
	l.GC()
	assert.Empty(t, l.hits)
}
