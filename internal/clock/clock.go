// Package clock provides the time source and the UTC normalisation rules
// used by every stored timestamp.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// MSK is the fallback deployment zone when no IANA database is available.
var MSK = time.FixedZone("MSK", 3*60*60)

type Clock interface {
	Now() time.Time
}

// Real reads the wall clock, always in UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Manual is a settable clock for tests and replays.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

func NewManual(t time.Time) *Manual {
	return &Manual{t: t.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.t = t.UTC()
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

// ToUTC normalises t before it is stored or compared. Strings without an
// offset must go through ParseLocal instead.
func ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// naive layouts carry no offset and are interpreted in the deployment zone.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// ParseLocal parses an ISO-8601 timestamp. Values with an explicit offset keep
// it; values without one are read in loc. The result is always UTC.
func ParseLocal(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = MSK
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// InZone converts a stored UTC time for display.
func InZone(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = MSK
	}
	return t.In(loc)
}
