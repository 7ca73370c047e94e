package paywall

import (
	"testing"
	"time"
)

func TestTimeRemaining(t *testing.T) {
	tests := []struct {
		name                         string
		ms                           int64
		days, hours, minutes, second string
		str                          string
	}{
		{"negative clamps to zero", -5000, "0", "00", "00", "00", "0 00:00:00"},
		{"thirteen minutes", 780000, "0", "00", "13", "00", "0 00:13:00"},
		{"mixed", 2*msPerDay + 3*msPerHour + 4*msPerMinute + 5*msPerSecond + 999, "2", "03", "04", "05", "2 03:04:05"},
		{"many days stay unpadded", 123 * msPerDay, "123", "00", "00", "00", "123 00:00:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewTimeRemaining(tt.ms)
			if r.Days() != tt.days || r.Hours() != tt.hours || r.Minutes() != tt.minutes || r.Seconds() != tt.second {
				t.Errorf("components = %s/%s/%s/%s, want %s/%s/%s/%s",
					r.Days(), r.Hours(), r.Minutes(), r.Seconds(), tt.days, tt.hours, tt.minutes, tt.second)
			}
			if r.String() != tt.str {
				t.Errorf("String() = %q, want %q", r.String(), tt.str)
			}
		})
	}

	if got := NewTimeRemaining(-1).AsMS(); got != 0 {
		t.Errorf("AsMS() = %d, want 0", got)
	}
}

func TestExpiryClock(t *testing.T) {
	clock := newFakeClock()
	ts := clock.Now().Add(90 * time.Second)
	c := NewExpiryClock(ts, clock.Now)

	if !c.TimeStamp().Equal(ts) {
		t.Errorf("TimeStamp() = %v, want %v", c.TimeStamp(), ts)
	}
	if got := c.Remaining().AsMS(); got != 90000 {
		t.Errorf("Remaining() = %d ms, want 90000", got)
	}

	clock.Advance(2 * time.Minute)
	if got := c.Remaining().AsMS(); got != 0 {
		t.Errorf("Remaining() after expiry = %d ms, want 0", got)
	}
}

func TestExpiryClock_ZeroValue(t *testing.T) {
	var c ExpiryClock
	if got := c.Remaining().AsMS(); got != 0 {
		t.Errorf("Remaining() of zero clock = %d ms, want 0", got)
	}

	c = NewExpiryClock(time.Now().Add(time.Hour), nil)
	if got := c.Remaining().AsMS(); got <= 0 {
		t.Errorf("Remaining() with default clock = %d ms, want > 0", got)
	}
}
