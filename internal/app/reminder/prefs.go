// Package reminder schedules and delivers due-date reminders. Schedules are
// created from task events and fired by a wall-clock sweep loop.
package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Default quiet hours, 10 PM to 8 AM.
const (
	DefaultQuietStart = "22:00"
	DefaultQuietEnd   = "08:00"
)

// NotificationPreference is the per-user delivery configuration owned by an
// external collaborator. The scheduler only ever reads it.
type NotificationPreference struct {
	UserID          string `json:"user_id"`
	EmailEnabled    bool   `json:"email_enabled"`
	PushEnabled     bool   `json:"push_enabled"`
	QuietHoursStart string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty"`
}

func DefaultPreferences(userID string) NotificationPreference {
	return NotificationPreference{
		UserID:          userID,
		EmailEnabled:    true,
		PushEnabled:     true,
		QuietHoursStart: DefaultQuietStart,
		QuietHoursEnd:   DefaultQuietEnd,
	}
}

// ChannelEnabled reports whether the user accepts delivery on the channel.
func (p NotificationPreference) ChannelEnabled(channel string) bool {
	switch channel {
	case "email":
		return p.EmailEnabled
	case "push":
		return p.PushEnabled
	default:
		return false
	}
}

// AnyChannelEnabled reports whether the user accepts delivery at all.
func (p NotificationPreference) AnyChannelEnabled() bool {
	return p.EmailEnabled || p.PushEnabled
}

// InQuietHours reports whether now falls inside the user's quiet window.
// The window includes the start minute and ends the moment the end minute
// begins. A start later than the end means the window wraps midnight.
func (p NotificationPreference) InQuietHours(now time.Time) bool {
	start, okStart := parseClock(p.QuietHoursStart)
	end, okEnd := parseClock(p.QuietHoursEnd)
	if !okStart || !okEnd {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// QuietHoursUntil returns the next moment the quiet window ends. Callers
// check InQuietHours first; outside the window it returns now unchanged.
func (p NotificationPreference) QuietHoursUntil(now time.Time) time.Time {
	if !p.InQuietHours(now) {
		return now
	}
	end, _ := parseClock(p.QuietHoursEnd)
	candidate := time.Date(now.Year(), now.Month(), now.Day(), end/60, end%60, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func parseClock(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hh, err1 := strconv.Atoi(parts[0])
	mm, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}

// PreferenceReader fetches a user's notification preferences.
type PreferenceReader interface {
	Preferences(ctx context.Context, userID string) (NotificationPreference, error)
}

// StaticPreferences serves fixed preferences, defaulting for unknown users.
// Used in tests and as the fallback when no preference API is configured.
type StaticPreferences map[string]NotificationPreference

func (s StaticPreferences) Preferences(_ context.Context, userID string) (NotificationPreference, error) {
	if p, ok := s[userID]; ok {
		return p, nil
	}
	return DefaultPreferences(userID), nil
}

// HTTPPreferences reads preferences from the collaborator's API, falling back
// to defaults when the API is unreachable or has no record.
type HTTPPreferences struct {
	BaseURL string
	Client  *http.Client
	Log     zerolog.Logger
}

func NewHTTPPreferences(baseURL string, log zerolog.Logger) *HTTPPreferences {
	return &HTTPPreferences{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
		Log:     log,
	}
}

func (h *HTTPPreferences) Preferences(ctx context.Context, userID string) (NotificationPreference, error) {
	url := fmt.Sprintf("%s/api/notifications/preferences", h.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return DefaultPreferences(userID), nil
	}
	req.Header.Set("X-User-Id", userID)

	resp, err := h.Client.Do(req)
	if err != nil {
		h.Log.Warn().Err(err).Str("user_id", userID).Msg("preference lookup failed, using defaults")
		return DefaultPreferences(userID), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DefaultPreferences(userID), nil
	}

	var prefs NotificationPreference
	if err := json.NewDecoder(resp.Body).Decode(&prefs); err != nil {
		h.Log.Warn().Err(err).Str("user_id", userID).Msg("preference decode failed, using defaults")
		return DefaultPreferences(userID), nil
	}
	if prefs.UserID == "" {
		prefs.UserID = userID
	}
	return prefs, nil
}
