package markethours

import (
	"testing"
	"time"
)

func at(wd time.Weekday, hour int) time.Time {
	// Week of Mon 2026-08-17.
	base := time.Date(2026, 8, 16, 0, 0, 0, 0, time.UTC) // Sunday
	return base.AddDate(0, 0, int(wd)).Add(time.Duration(hour) * time.Hour)
}

func TestIsMarketOpen_Week(t *testing.T) {
	cases := []struct {
		when time.Time
		want bool
	}{
		{at(time.Saturday, 12), false},
		{at(time.Sunday, 21), false},
		{at(time.Sunday, 22), true},
		{at(time.Wednesday, 3), true},
		{at(time.Friday, 21), true},
		{at(time.Friday, 22), false},
	}
	for _, c := range cases {
		if got := IsMarketOpen(c.when); got != c.want {
			t.Errorf("IsMarketOpen(%s %02d:00) = %v, want %v",
				c.when.Weekday(), c.when.Hour(), got, c.want)
		}
	}
}

func TestCurrentSession_Tags(t *testing.T) {
	cases := []struct {
		hour int
		want string
	}{
		{2, "Tokyo"},
		{9, "London"},
		{14, "NewYork"}, // London/NY overlap resolves to the later major
		{23, "Sydney"},
	}
	for _, c := range cases {
		s := CurrentSession(at(time.Wednesday, c.hour))
		if s.Name != c.want {
			t.Errorf("hour %02d: session %q, want %q", c.hour, s.Name, c.want)
		}
		if s.State != "open" {
			t.Errorf("hour %02d: state %q, want open", c.hour, s.State)
		}
	}
}

func TestCurrentSession_Closed(t *testing.T) {
	s := CurrentSession(at(time.Saturday, 12))
	if s.Name != "Closed" || s.State != "closed" {
		t.Fatalf("weekend session = %+v", s)
	}
	if s.SecondsToNextOpen <= 0 {
		t.Fatalf("expected a positive countdown to Sunday open, got %d", s.SecondsToNextOpen)
	}
}

func TestNextOpen_IsSundayEvening(t *testing.T) {
	next := NextOpen(at(time.Saturday, 12))
	if next.Weekday() != time.Sunday || next.Hour() != 22 {
		t.Fatalf("NextOpen = %s", next)
	}
	if !next.After(at(time.Saturday, 12)) {
		t.Fatal("NextOpen must be in the future")
	}
}
