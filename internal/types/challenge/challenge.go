package challenge

import (
	"time"

	"github.com/google/uuid"
)

// Challenge is a catalog template. DailyTargetCount and TotalDays are copied
// onto progress records at start time, so editing a template never rewrites
// an in-flight run.
type Challenge struct {
	ID                uuid.UUID `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	ArabicName        *string   `json:"arabic_name,omitempty" db:"arabic_name"`
	Description       string    `json:"description" db:"description"`
	DailyTargetCount  int       `json:"daily_target_count" db:"daily_target_count"`
	TotalDays         int       `json:"total_days" db:"total_days"`
	IsActive          bool      `json:"is_active" db:"is_active"`
	TotalParticipants int       `json:"total_participants" db:"total_participants"`
	TotalCompletions  int       `json:"total_completions" db:"total_completions"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

type EventKind string

const (
	// EventStarted fires once per (user, challenge), on the first completed
	// day-1 log of the first cycle. Feeds total_participants.
	EventStarted EventKind = "challenge_started"
	// EventFinished fires when a final day is completed, once per cycle.
	// Feeds total_completions.
	EventFinished EventKind = "challenge_finished"
)

// CounterEvent is one ledger row behind the denormalized catalog counters.
// Written in the same transaction as the completion that caused it; the
// updater applies each row exactly once.
type CounterEvent struct {
	ChallengeID uuid.UUID `json:"challenge_id"`
	ProgressID  uuid.UUID `json:"progress_id"`
	Cycle       int       `json:"cycle"`
	Kind        EventKind `json:"kind"`
}
