package stats

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MostMissed identifies the challenge a user skips most often.
type MostMissed struct {
	ChallengeID uuid.UUID `json:"challenge_id" db:"challenge_id"`
	Name        string    `json:"name" db:"name"`
	MissedDays  int       `json:"missed_days" db:"missed_days"`
}

type MissedSummary struct {
	TotalMissed      int         `json:"total_missed"`
	MissedLast7Days  int         `json:"missed_last_7_days"`
	MissedLast30Days int         `json:"missed_last_30_days"`
	MostMissed       *MostMissed `json:"most_missed_challenge,omitempty"`
}

type ChallengeStreak struct {
	ProgressID    uuid.UUID `json:"progress_id" db:"progress_id"`
	ChallengeID   uuid.UUID `json:"challenge_id" db:"challenge_id"`
	Name          string    `json:"name" db:"name"`
	Status        string    `json:"status" db:"status"`
	CurrentDay    int       `json:"current_day" db:"current_day"`
	TotalDays     int       `json:"total_days" db:"total_days"`
	CurrentStreak int       `json:"current_streak" db:"current_streak"`
	LongestStreak int       `json:"longest_streak" db:"longest_streak"`
}

type StreakOverview struct {
	ActiveChallenges   int               `json:"active_challenges"`
	BestCurrentStreak  int               `json:"best_current_streak"`
	BestLongestStreak  int               `json:"best_longest_streak"`
	TotalCompletedDays int               `json:"total_completed_days"`
	TotalMissedDays    int               `json:"total_missed_days"`
	Challenges         []ChallengeStreak `json:"challenges"`
}

// RecordError is one progress record failing during batch reconciliation.
// It is collected into the run report instead of aborting the batch.
type RecordError struct {
	ProgressID uuid.UUID
	DayNumber  int
	Cause      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("reconcile progress %s day %d: %v", e.ProgressID, e.DayNumber, e.Cause)
}

func (e *RecordError) Unwrap() error {
	return e.Cause
}

// ReconcileReport summarizes one reconciler batch run.
type ReconcileReport struct {
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Scanned      int            `json:"scanned"`
	MissedMarked int            `json:"missed_marked"`
	Completed    int            `json:"completed"`
	Errors       []*RecordError `json:"-"`
}

func (r *ReconcileReport) ErrorCount() int {
	return len(r.Errors)
}
