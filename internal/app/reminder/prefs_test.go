package reminder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func at(hh, mm int) time.Time {
	return time.Date(2026, 8, 20, hh, mm, 0, 0, time.UTC)
}

func TestInQuietHours(t *testing.T) {
	cases := []struct {
		name       string
		start, end string
		now        time.Time
		want       bool
	}{
		{"same-day window inside", "13:00", "15:00", at(14, 0), true},
		{"same-day window outside", "13:00", "15:00", at(16, 0), false},
		{"overnight window late evening", "22:00", "08:00", at(23, 30), true},
		{"overnight window early morning", "22:00", "08:00", at(6, 0), true},
		{"overnight window midday", "22:00", "08:00", at(12, 0), false},
		{"boundary start", "22:00", "08:00", at(22, 0), true},
		{"boundary end", "22:00", "08:00", at(8, 0), false},
		{"final minute of window", "22:00", "08:00", at(7, 59), true},
		{"no window configured", "", "", at(23, 0), false},
		{"malformed window ignored", "25:99", "08:00", at(23, 0), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NotificationPreference{QuietHoursStart: tc.start, QuietHoursEnd: tc.end}
			assert.Equal(t, tc.want, p.InQuietHours(tc.now))
		})
	}
}

func TestQuietHoursUntil(t *testing.T) {
	p := NotificationPreference{QuietHoursStart: "22:00", QuietHoursEnd: "08:00"}

	t.Run("late evening defers to tomorrow morning", func(t *testing.T) {
		got := p.QuietHoursUntil(at(23, 0))
		assert.Equal(t, time.Date(2026, 8, 21, 8, 0, 0, 0, time.UTC), got)
	})

	t.Run("early morning defers to same morning", func(t *testing.T) {
		got := p.QuietHoursUntil(at(6, 0))
		assert.Equal(t, time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC), got)
	})

	t.Run("outside the window returns now", func(t *testing.T) {
		now := at(12, 0)
		assert.Equal(t, now, p.QuietHoursUntil(now))
	})

	t.Run("end minute is already outside the window", func(t *testing.T) {
		now := at(8, 0).Add(30 * time.Second)
		assert.Equal(t, now, p.QuietHoursUntil(now))
	})
}

func TestChannelEnabled(t *testing.T) {
	p := NotificationPreference{EmailEnabled: true, PushEnabled: false}
	assert.True(t, p.ChannelEnabled("email"))
	assert.False(t, p.ChannelEnabled("push"))
	assert.False(t, p.ChannelEnabled("sms"))
}

func TestDefaultPreferences(t *testing.T) {
	p := DefaultPreferences("user-1")
	assert.Equal(t, "user-1", p.UserID)
	assert.True(t, p.EmailEnabled)
	assert.True(t, p.PushEnabled)
	assert.Equal(t, DefaultQuietStart, p.QuietHoursStart)
	assert.Equal(t, DefaultQuietEnd, p.QuietHoursEnd)
}
