package progress

import "errors"

// Sentinel errors surfaced by the progress engine and reconciler. Handlers
// match them with errors.Is to pick status codes and user-facing messages;
// callers must be able to tell these apart, they are never generic failures.
var (
	// ErrNotFound: referenced progress or challenge does not exist.
	ErrNotFound = errors.New("progress not found")
	// ErrForbidden: the caller does not own the progress record.
	ErrForbidden = errors.New("progress belongs to another user")
	// ErrChallengeInactive: start was attempted on a retired template.
	ErrChallengeInactive = errors.New("challenge is not active")
	// ErrAlreadyActive: start hit an existing active/paused record. Non-fatal;
	// the engine returns the existing record alongside it.
	ErrAlreadyActive = errors.New("challenge already started")
	// ErrChallengeCompleted: the run is finished; restart to go again.
	ErrChallengeCompleted = errors.New("challenge already completed")
	// ErrStaleDay: submitted day number does not match the current pointer.
	// The client is out of sync and must refetch.
	ErrStaleDay = errors.New("day number does not match current progress")
	// ErrAlreadyCompleted: duplicate completion for an already-resolved day.
	// Non-fatal; the engine returns the current state alongside it.
	ErrAlreadyCompleted = errors.New("day already completed")
	// ErrTargetNotMet: below-target submission while target enforcement is on.
	ErrTargetNotMet = errors.New("daily target not met")
	// ErrNotActive: completion attempted on a paused or not-started record.
	ErrNotActive = errors.New("challenge is not in an active state")
	// ErrConflict: optimistic-lock conflict that survived the retry budget.
	// The caller should retry the whole operation.
	ErrConflict = errors.New("progress was modified concurrently, please retry")
)
