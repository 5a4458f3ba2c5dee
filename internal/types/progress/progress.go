package progress

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
)

// Progress is the per-(user, challenge) state record. CurrentDay points at
// the next day awaiting an outcome; every day strictly before it has exactly
// one resolved outcome, so CurrentDay-1 == TotalCompletedDays + MissedDays
// at all times. Version backs the optimistic lock on every mutation.
type Progress struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	UserID             uuid.UUID  `json:"user_id" db:"user_id"`
	ChallengeID        uuid.UUID  `json:"challenge_id" db:"challenge_id"`
	Status             Status     `json:"status" db:"status"`
	Cycle              int        `json:"cycle" db:"cycle"`
	CurrentDay         int        `json:"current_day" db:"current_day"`
	CurrentStreak      int        `json:"current_streak" db:"current_streak"`
	LongestStreak      int        `json:"longest_streak" db:"longest_streak"`
	TotalCompletedDays int        `json:"total_completed_days" db:"total_completed_days"`
	MissedDays         int        `json:"missed_days" db:"missed_days"`
	Version            int        `json:"-" db:"version"`
	StartedAt          *time.Time `json:"started_at" db:"started_at"`
	LastCompletedAt    *time.Time `json:"last_completed_at" db:"last_completed_at"`
	CompletedAt        *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

func (p *Progress) IsResumable() bool {
	return p.Status == StatusActive || p.Status == StatusPaused
}
