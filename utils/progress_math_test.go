package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextStreakOnCompletion(t *testing.T) {
	current, longest := NextStreak(4, 4, true)
	assert.Equal(t, 5, current)
	assert.Equal(t, 5, longest, "longest should follow a new best")

	current, longest = NextStreak(2, 9, true)
	assert.Equal(t, 3, current)
	assert.Equal(t, 9, longest, "longest stays when the best is older")
}

func TestNextStreakOnMiss(t *testing.T) {
	current, longest := NextStreak(7, 7, false)
	assert.Equal(t, 0, current)
	assert.Equal(t, 7, longest, "a miss never touches the longest streak")
}

func TestNextStreakNeverExceedsLongest(t *testing.T) {
	current, longest := 0, 0
	for day := 0; day < 50; day++ {
		completed := day%3 != 0
		current, longest = NextStreak(current, longest, completed)
		assert.LessOrEqual(t, current, longest)
	}
}

func TestCompletionRate(t *testing.T) {
	assert.Equal(t, 0.0, CompletionRate(0, 0))
	assert.Equal(t, 100.0, CompletionRate(5, 0))
	assert.Equal(t, 50.0, CompletionRate(3, 3))
	assert.InDelta(t, 66.66, CompletionRate(2, 1), 0.01)
}

func TestIsFinalDay(t *testing.T) {
	assert.False(t, IsFinalDay(20, 21))
	assert.True(t, IsFinalDay(21, 21))
	assert.True(t, IsFinalDay(22, 21))
}
