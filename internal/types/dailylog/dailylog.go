package dailylog

import (
	"time"

	"github.com/google/uuid"
)

// DailyLog is the audit trail: one row per (progress, cycle, day), written
// once by either the user completing the day or the reconciler marking it
// missed, never deleted. TargetCount is frozen from the template at insert
// time.
type DailyLog struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	UserProgressID uuid.UUID  `json:"user_progress_id" db:"user_progress_id"`
	Cycle          int        `json:"cycle" db:"cycle"`
	DayNumber      int        `json:"day_number" db:"day_number"`
	CompletionDate time.Time  `json:"completion_date" db:"completion_date"`
	CountCompleted int        `json:"count_completed" db:"count_completed"`
	TargetCount    int        `json:"target_count" db:"target_count"`
	IsCompleted    bool       `json:"is_completed" db:"is_completed"`
	Notes          *string    `json:"notes,omitempty" db:"notes"`
	Mood           *string    `json:"mood,omitempty" db:"mood"`
	CompletedAt    *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

type CompleteDayRequest struct {
	DayNumber      int     `json:"day_number"`
	CountCompleted int     `json:"count_completed"`
	Notes          *string `json:"notes,omitempty"`
	Mood           *string `json:"mood,omitempty"`
}
