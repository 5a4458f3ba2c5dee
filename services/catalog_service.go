package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"deenChallengeAPI/internal/types/challenge"
	progressmodel "deenChallengeAPI/internal/types/progress"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CatalogService serves read-only challenge templates and owns the
// denormalized total_participants/total_completions counters. The engine
// never touches those columns directly; it writes a ledger row in its own
// transaction and a single worker here folds each row in exactly once.
type CatalogService struct {
	db       *pgxpool.Pool
	wake     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewCatalogService(db *pgxpool.Pool) *CatalogService {
	s := &CatalogService{
		db:       db,
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.counterWorker()

	return s
}

func (s *CatalogService) GetChallenge(ctx context.Context, challengeID uuid.UUID) (*challenge.Challenge, error) {
	query := `
	SELECT id, name, arabic_name, description, daily_target_count, total_days,
	       is_active, total_participants, total_completions, created_at, updated_at
	FROM challenges
	WHERE id = $1
	`

	c := &challenge.Challenge{}
	err := s.db.QueryRow(ctx, query, challengeID).Scan(
		&c.ID,
		&c.Name,
		&c.ArabicName,
		&c.Description,
		&c.DailyTargetCount,
		&c.TotalDays,
		&c.IsActive,
		&c.TotalParticipants,
		&c.TotalCompletions,
		&c.CreatedAt,
		&c.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, progressmodel.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	return c, nil
}

type ChallengeWithProgress struct {
	challenge.Challenge
	Progress *progressmodel.Progress `json:"progress,omitempty"`
}

// ListActiveChallenges returns the active catalog joined with the caller's
// own progress, so the client can render "start" vs "continue" per entry.
func (s *CatalogService) ListActiveChallenges(ctx context.Context, clerkID string) ([]*ChallengeWithProgress, error) {
	var userID uuid.UUID
	err := s.db.QueryRow(ctx, `SELECT id FROM users WHERE clerk_id = $1`, clerkID).Scan(&userID)
	if err != nil {
		return nil, fmt.Errorf("user not found: %w", err)
	}

	query := `
	SELECT c.id, c.name, c.arabic_name, c.description, c.daily_target_count, c.total_days,
	       c.is_active, c.total_participants, c.total_completions, c.created_at, c.updated_at,
	       p.id, p.status, p.cycle, p.current_day, p.current_streak, p.longest_streak,
	       p.total_completed_days, p.missed_days, p.started_at, p.last_completed_at, p.completed_at
	FROM challenges c
	LEFT JOIN user_challenge_progress p
	       ON p.challenge_id = c.id AND p.user_id = $1
	WHERE c.is_active = true
	ORDER BY c.created_at ASC
	`

	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer rows.Close()

	var result []*ChallengeWithProgress
	for rows.Next() {
		entry := &ChallengeWithProgress{}
		var (
			progressID      *uuid.UUID
			status          *string
			cycle           *int
			currentDay      *int
			currentStreak   *int
			longestStreak   *int
			totalCompleted  *int
			missedDays      *int
			startedAt       *time.Time
			lastCompletedAt *time.Time
			completedAt     *time.Time
		)

		err := rows.Scan(
			&entry.ID,
			&entry.Name,
			&entry.ArabicName,
			&entry.Description,
			&entry.DailyTargetCount,
			&entry.TotalDays,
			&entry.IsActive,
			&entry.TotalParticipants,
			&entry.TotalCompletions,
			&entry.CreatedAt,
			&entry.UpdatedAt,
			&progressID,
			&status,
			&cycle,
			&currentDay,
			&currentStreak,
			&longestStreak,
			&totalCompleted,
			&missedDays,
			&startedAt,
			&lastCompletedAt,
			&completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan challenge row: %w", err)
		}

		if progressID != nil {
			entry.Progress = &progressmodel.Progress{
				ID:                 *progressID,
				UserID:             userID,
				ChallengeID:        entry.ID,
				Status:             progressmodel.Status(*status),
				Cycle:              *cycle,
				CurrentDay:         *currentDay,
				CurrentStreak:      *currentStreak,
				LongestStreak:      *longestStreak,
				TotalCompletedDays: *totalCompleted,
				MissedDays:         *missedDays,
				StartedAt:          startedAt,
				LastCompletedAt:    lastCompletedAt,
				CompletedAt:        completedAt,
			}
		}

		result = append(result, entry)
	}

	return result, nil
}

// NotifyCounterEvents tells the worker new ledger rows are waiting. The send
// never blocks; a missed nudge just means the next sweep picks the rows up.
func (s *CatalogService) NotifyCounterEvents() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *CatalogService) counterWorker() {
	defer s.wg.Done()

	// The sweep also runs on a timer, so rows written right before a crash
	// or a lost nudge still get applied.
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.wake:
		case <-ticker.C:
		case <-s.stopChan:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := s.ApplyPendingEvents(ctx); err != nil {
			log.Printf("Failed to apply counter events: %v", err)
		}
		cancel()
	}
}

// ApplyPendingEvents folds every unapplied ledger row into its catalog
// counter and returns how many were applied. The applied_at flip and the
// increment commit together, so a crash mid-sweep or two sweeps racing
// cannot double-count.
func (s *CatalogService) ApplyPendingEvents(ctx context.Context) (int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT challenge_id, progress_id, cycle, kind
		FROM challenge_counter_events
		WHERE applied_at IS NULL
		ORDER BY created_at ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to scan pending counter events: %w", err)
	}

	var pending []*challenge.CounterEvent
	for rows.Next() {
		ev := &challenge.CounterEvent{}
		if err := rows.Scan(&ev.ChallengeID, &ev.ProgressID, &ev.Cycle, &ev.Kind); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan counter event: %w", err)
		}
		pending = append(pending, ev)
	}
	rows.Close()

	applied := 0
	for _, ev := range pending {
		if err := s.applyCounterEvent(ctx, ev); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func (s *CatalogService) applyCounterEvent(ctx context.Context, ev *challenge.CounterEvent) error {
	var column string
	switch ev.Kind {
	case challenge.EventStarted:
		column = "total_participants"
	case challenge.EventFinished:
		column = "total_completions"
	default:
		return fmt.Errorf("unknown counter event kind: %s", ev.Kind)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE challenge_counter_events
		SET applied_at = NOW()
		WHERE progress_id = $1 AND cycle = $2 AND kind = $3 AND applied_at IS NULL
	`, ev.ProgressID, ev.Cycle, ev.Kind)
	if err != nil {
		return fmt.Errorf("failed to claim counter event: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// A concurrent sweep got here first.
		return nil
	}

	query := fmt.Sprintf(`UPDATE challenges SET %s = %s + 1, updated_at = NOW() WHERE id = $1`, column, column)
	if _, err := tx.Exec(ctx, query, ev.ChallengeID); err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit counter event: %w", err)
	}

	return nil
}

// Stop drains the worker on shutdown.
func (s *CatalogService) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}
