// Package markethours models the 24x5 FX trading week and its sessions.
// All boundaries are in UTC: the week opens with Sydney on Sunday 22:00
// and closes with New York on Friday 22:00.
package markethours

import (
	"fmt"
	"time"

	"smc-systemv1/internal/model"
)

const (
	weekOpenHour  = 22 // Sunday 22:00 UTC
	weekCloseHour = 22 // Friday 22:00 UTC
)

// session describes one named session window in UTC hours. Windows may wrap
// midnight (Sydney).
type session struct {
	name  string
	open  int
	close int
}

// Listed in precedence order: when sessions overlap the later-opening major
// session wins the tag.
var sessions = []session{
	{"NewYork", 13, 22},
	{"London", 8, 17},
	{"Tokyo", 0, 9},
	{"Sydney", 22, 7},
}

// IsMarketOpen returns true if t falls inside the FX trading week.
func IsMarketOpen(t time.Time) bool {
	u := t.UTC()
	switch u.Weekday() {
	case time.Saturday:
		return false
	case time.Sunday:
		return u.Hour() >= weekOpenHour
	case time.Friday:
		return u.Hour() < weekCloseHour
	default:
		return true
	}
}

// CurrentSession returns the active session tag and its remaining windows.
// Outside the trading week the session is "Closed" with the time to the
// next Sydney open.
func CurrentSession(t time.Time) model.SessionInfo {
	u := t.UTC()
	if !IsMarketOpen(u) {
		return model.SessionInfo{
			Name:              "Closed",
			State:             "closed",
			SecondsToNextOpen: int64(NextOpen(u).Sub(u).Seconds()),
		}
	}
	for _, s := range sessions {
		if inWindow(u.Hour(), s.open, s.close) {
			return model.SessionInfo{
				Name:              s.name,
				State:             "open",
				SecondsToClose:    secondsToHour(u, s.close),
				SecondsToNextOpen: 0,
			}
		}
	}
	// Between session windows (thin liquidity hours) the week is still open.
	return model.SessionInfo{Name: "Interbank", State: "open"}
}

// NextOpen returns the next week-open instant (Sunday 22:00 UTC). If t is
// inside the trading week it returns the current instant's week open, i.e.
// a time not after t, so callers should check IsMarketOpen first.
func NextOpen(t time.Time) time.Time {
	u := t.UTC()
	d := time.Date(u.Year(), u.Month(), u.Day(), weekOpenHour, 0, 0, 0, time.UTC)
	for d.Weekday() != time.Sunday || !d.After(u) {
		d = d.Add(24 * time.Hour)
		d = time.Date(d.Year(), d.Month(), d.Day(), weekOpenHour, 0, 0, 0, time.UTC)
	}
	return d
}

// WeekClose returns the upcoming Friday 22:00 UTC close for t's week.
func WeekClose(t time.Time) time.Time {
	u := t.UTC()
	d := time.Date(u.Year(), u.Month(), u.Day(), weekCloseHour, 0, 0, 0, time.UTC)
	for d.Weekday() != time.Friday || d.Before(u) {
		d = d.Add(24 * time.Hour)
		d = time.Date(d.Year(), d.Month(), d.Day(), weekCloseHour, 0, 0, 0, time.UTC)
	}
	return d
}

// StatusString returns a human-readable market status line.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		s := CurrentSession(t)
		return fmt.Sprintf("Market Open | %s session, closes in %s",
			s.Name, fmtDur(WeekClose(t).Sub(t.UTC())))
	}
	next := NextOpen(t)
	return fmt.Sprintf("Market Closed | opens %s %s UTC (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t.UTC())))
}

func inWindow(hour, open, close int) bool {
	if open < close {
		return hour >= open && hour < close
	}
	// wraps midnight
	return hour >= open || hour < close
}

func secondsToHour(t time.Time, closeHour int) int64 {
	u := t.UTC()
	c := time.Date(u.Year(), u.Month(), u.Day(), closeHour, 0, 0, 0, time.UTC)
	if !c.After(u) {
		c = c.Add(24 * time.Hour)
	}
	return int64(c.Sub(u).Seconds())
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
