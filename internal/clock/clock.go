// Package clock is the single source of "now" and the single place where
// wall-clock values are converted between a user's zone and UTC.
//
// Civil dates (due dates, rule bounds) are represented as time.Time values at
// midnight UTC. Instants (scheduled_at, fire times) are stored in UTC.
package clock

import (
	"fmt"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

// Real reads the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Manual is a settable clock for tests and replays.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(now time.Time) *Manual {
	return &Manual{now: now.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Date builds a civil date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ToDate drops the clock part of a value, keeping its own calendar day.
func ToDate(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}

// LocalDate returns the civil date an instant falls on in loc.
func LocalDate(instant time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return ToDate(instant.In(loc))
}

// At converts a civil date plus an "HH:MM" wall-clock time in loc into a UTC instant.
func At(date time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	hour, minute, err := ParseHHMM(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, loc).UTC(), nil
}

// ParseHHMM parses "HH:MM".
func ParseHHMM(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// LoadZone resolves an IANA zone name, falling back to def when the name is
// empty or unknown.
func LoadZone(name string, def *time.Location) *time.Location {
	if def == nil {
		def = time.UTC
	}
	if name == "" {
		return def
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return def
	}
	return loc
}
