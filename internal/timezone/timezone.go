package timezone

import (
	"fmt"
	"time"
)

// DefaultZone is the app timezone every "today" decision is judged in.
// Bangladesh has no DST, but the zone database still owns the offset.
const DefaultZone = "Asia/Dhaka"

// Resolver maps instants to logical calendar days in a fixed named timezone.
type Resolver struct {
	loc *time.Location
}

// New loads the named IANA zone. An empty name falls back to DefaultZone.
func New(name string) (*Resolver, error) {
	if name == "" {
		name = DefaultZone
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", name, err)
	}

	return &Resolver{loc: loc}, nil
}

func (r *Resolver) Location() *time.Location {
	return r.loc
}

// LogicalDate returns midnight of t's calendar date in the app timezone.
// All date comparisons in the system go through here; raw UTC dates are
// off by the zone offset around midnight.
func (r *Resolver) LogicalDate(t time.Time) time.Time {
	local := t.In(r.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.loc)
}

// Today is the logical date of the current instant.
func (r *Resolver) Today() time.Time {
	return r.LogicalDate(time.Now())
}

// SameLogicalDay reports whether two instants fall on the same app-local date.
func (r *Resolver) SameLogicalDay(a, b time.Time) bool {
	return r.LogicalDate(a).Equal(r.LogicalDate(b))
}

// AddDays shifts a logical date by n calendar days.
func (r *Resolver) AddDays(day time.Time, n int) time.Time {
	d := r.LogicalDate(day)
	return time.Date(d.Year(), d.Month(), d.Day()+n, 0, 0, 0, 0, r.loc)
}

// DaysBetween counts whole calendar days from a to b (negative when b is
// before a).
func (r *Resolver) DaysBetween(a, b time.Time) int {
	from := r.LogicalDate(a)
	to := r.LogicalDate(b)

	days := 0
	for from.Before(to) {
		from = r.AddDays(from, 1)
		days++
	}
	for from.After(to) {
		from = r.AddDays(from, -1)
		days--
	}
	return days
}
