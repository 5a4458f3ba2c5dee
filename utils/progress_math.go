package utils

// NextStreak returns the streak counters after resolving a day.
// A completed day extends the current streak and may push the longest;
// a missed day resets the current streak and leaves the longest alone,
// so current never exceeds longest and longest never decreases.
func NextStreak(current, longest int, completed bool) (int, int) {
	if !completed {
		return 0, longest
	}

	current++
	if current > longest {
		longest = current
	}
	return current, longest
}

// CompletionRate is the share of elapsed days that were completed.
func CompletionRate(completedDays, missedDays int) float64 {
	elapsed := completedDays + missedDays
	if elapsed == 0 {
		return 0
	}
	return float64(completedDays) / float64(elapsed) * 100
}

// IsFinalDay reports whether resolving dayNumber finishes the challenge.
func IsFinalDay(dayNumber, totalDays int) bool {
	return dayNumber >= totalDays
}
