package timezone

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToDhaka(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "Asia/Dhaka", r.Location().String())
}

func TestNewRejectsUnknownZone(t *testing.T) {
	_, err := New("Not/AZone")
	assert.Error(t, err)
}

func TestLogicalDateCrossesUTCMidnight(t *testing.T) {
	r, err := New(DefaultZone)
	require.NoError(t, err)

	// 20:00 UTC is already 02:00 the next day in Dhaka (+06).
	instant := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)
	day := r.LogicalDate(instant)

	assert.Equal(t, 2025, day.Year())
	assert.Equal(t, time.March, day.Month())
	assert.Equal(t, 11, day.Day())
	assert.Equal(t, 0, day.Hour())
}

func TestSameLogicalDayAroundLocalMidnight(t *testing.T) {
	r, err := New(DefaultZone)
	require.NoError(t, err)

	dhaka := r.Location()
	beforeMidnight := time.Date(2025, 6, 1, 23, 59, 59, 0, dhaka)
	afterMidnight := time.Date(2025, 6, 2, 0, 0, 1, 0, dhaka)

	// Two minutes apart, but different logical days. In UTC both are June 1.
	assert.False(t, r.SameLogicalDay(beforeMidnight, afterMidnight))
	assert.Equal(t, beforeMidnight.UTC().Day(), afterMidnight.UTC().Day())

	sameEvening := time.Date(2025, 6, 1, 21, 30, 0, 0, dhaka)
	assert.True(t, r.SameLogicalDay(beforeMidnight, sameEvening))
}

func TestSameLogicalDayAcrossZonesOfSameInstant(t *testing.T) {
	r, err := New(DefaultZone)
	require.NoError(t, err)

	instant := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, r.SameLogicalDay(instant, instant.In(r.Location())))
}

func TestAddDaysAndDaysBetween(t *testing.T) {
	r, err := New(DefaultZone)
	require.NoError(t, err)

	start := time.Date(2025, 1, 30, 10, 0, 0, 0, r.Location())
	shifted := r.AddDays(start, 3)
	assert.Equal(t, time.Date(2025, 2, 2, 0, 0, 0, 0, r.Location()), shifted)

	assert.Equal(t, 3, r.DaysBetween(start, shifted))
	assert.Equal(t, -3, r.DaysBetween(shifted, start))
	assert.Equal(t, 0, r.DaysBetween(start, start))
}

func TestDaysBetweenIgnoresTimeOfDay(t *testing.T) {
	r, err := New(DefaultZone)
	require.NoError(t, err)

	a := time.Date(2025, 4, 1, 23, 50, 0, 0, r.Location())
	b := time.Date(2025, 4, 2, 0, 10, 0, 0, r.Location())
	assert.Equal(t, 1, r.DaysBetween(a, b))
}
