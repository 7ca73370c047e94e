package paywall

import (
	"fmt"
	"time"
)

const (
	msPerSecond = int64(1000)
	msPerMinute = 60 * msPerSecond
	msPerHour   = 60 * msPerMinute
	msPerDay    = 24 * msPerHour
)

// TimeRemaining splits a millisecond delta into day, hour, minute and second
// components. Negative deltas are clamped to zero.
type TimeRemaining struct {
	ms int64
}

// NewTimeRemaining creates a TimeRemaining from a delta in milliseconds
func NewTimeRemaining(ms int64) TimeRemaining {
	if ms < 0 {
		ms = 0
	}
	return TimeRemaining{ms: ms}
}

// AsMS returns the total remaining milliseconds
func (t TimeRemaining) AsMS() int64 {
	return t.ms
}

// Duration returns the remaining time as a time.Duration
func (t TimeRemaining) Duration() time.Duration {
	return time.Duration(t.ms) * time.Millisecond
}

// Seconds returns the seconds part beyond whole minutes, zero padded to two characters
func (t TimeRemaining) Seconds() string {
	return pad((t.ms % msPerMinute) / msPerSecond)
}

// Minutes returns the minutes part beyond whole hours, zero padded to two characters
func (t TimeRemaining) Minutes() string {
	return pad((t.ms % msPerHour) / msPerMinute)
}

// Hours returns the hours part beyond whole days, zero padded to two characters
func (t TimeRemaining) Hours() string {
	return pad((t.ms % msPerDay) / msPerHour)
}

// Days returns the number of whole days, unpadded
func (t TimeRemaining) Days() string {
	return fmt.Sprintf("%d", t.ms/msPerDay)
}

// String formats the remaining time as "D HH:MM:SS"
func (t TimeRemaining) String() string {
	return fmt.Sprintf("%s %s:%s:%s", t.Days(), t.Hours(), t.Minutes(), t.Seconds())
}

func pad(v int64) string {
	return fmt.Sprintf("%02d", v)
}

// ExpiryClock wraps a single timestamp and measures the time left until it
type ExpiryClock struct {
	timestamp time.Time
	now       func() time.Time
}

// NewExpiryClock creates an ExpiryClock. A nil now defaults to time.Now.
func NewExpiryClock(timestamp time.Time, now func() time.Time) ExpiryClock {
	if now == nil {
		now = time.Now
	}
	return ExpiryClock{timestamp: timestamp, now: now}
}

// TimeStamp returns the wrapped timestamp
func (c ExpiryClock) TimeStamp() time.Time {
	return c.timestamp
}

// Remaining returns the time left until the timestamp, zero if it has passed
func (c ExpiryClock) Remaining() TimeRemaining {
	now := c.now
	if now == nil {
		now = time.Now
	}
	return NewTimeRemaining(c.timestamp.Sub(now()).Milliseconds())
}
