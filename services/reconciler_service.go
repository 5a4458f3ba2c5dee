package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"deenChallengeAPI/internal/stats"
	"deenChallengeAPI/internal/timezone"
	"deenChallengeAPI/internal/types/progress"
	"deenChallengeAPI/utils"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReconcilerService converts silence into explicit misses: any active run
// whose current day's logical date has passed without a log gets a missed row
// and a broken streak. It is the only actor allowed to mutate records it does
// not own, and only for days strictly in the past. It never fabricates
// completions.
type ReconcilerService struct {
	db *pgxpool.Pool
	tz *timezone.Resolver
}

func NewReconcilerService(db *pgxpool.Pool, tz *timezone.Resolver) *ReconcilerService {
	return &ReconcilerService{db: db, tz: tz}
}

// ReconcileAll walks every active progress record once. Safe to run any
// number of times per day and concurrently with user completions: each
// record is adjudicated in its own transaction, the daily-log unique index
// decides races, and a failing record is reported without stopping the rest.
func (s *ReconcilerService) ReconcileAll(ctx context.Context) (*stats.ReconcileReport, error) {
	report := &stats.ReconcileReport{StartedAt: time.Now()}

	rows, err := s.db.Query(ctx, `
		SELECT id FROM user_challenge_progress
		WHERE status = 'active' AND started_at IS NOT NULL
		ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan active progress: %w", err)
	}

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan progress id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		report.Scanned++
		if err := s.reconcileRecord(ctx, id, report); err != nil {
			var recErr *stats.RecordError
			if !errors.As(err, &recErr) {
				recErr = &stats.RecordError{ProgressID: id, Cause: err}
			}
			report.Errors = append(report.Errors, recErr)
			log.Printf("Reconciler: %v", recErr)
		}
	}

	report.FinishedAt = time.Now()

	if err := s.recordRun(ctx, report); err != nil {
		log.Printf("Reconciler: failed to record run: %v", err)
	}

	log.Printf("Reconciler run: scanned=%d missed=%d completed=%d errors=%d in %s",
		report.Scanned, report.MissedMarked, report.Completed, len(report.Errors),
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))

	return report, nil
}

// reconcileRecord catches one record up to today, one past day per step. A
// record several days behind gets one missed log per day.
func (s *ReconcilerService) reconcileRecord(ctx context.Context, progressID uuid.UUID, report *stats.ReconcileReport) error {
	for {
		advanced, finished, err := s.reconcileStep(ctx, progressID)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}

		report.MissedMarked++
		if finished {
			report.Completed++
			return nil
		}
	}
}

// reconcileStep adjudicates the oldest unresolved past day in one
// transaction. The existing-log re-check, the miss insert and the pointer
// update all see the same snapshot; a user completion racing on the same day
// makes our version guard fail and the whole step retries against fresh
// state.
func (s *ReconcilerService) reconcileStep(ctx context.Context, progressID uuid.UUID) (advanced bool, finished bool, err error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		advanced, finished, err = s.reconcileStepOnce(ctx, progressID)
		if err != nil && errors.Is(err, progress.ErrConflict) {
			continue
		}
		return advanced, finished, err
	}

	// Conflicts here mean the user kept resolving days ahead of us. That is
	// the record being caught up, not a failure; anything left over waits
	// for the next run.
	return false, false, nil
}

func (s *ReconcilerService) reconcileStepOnce(ctx context.Context, progressID uuid.UUID) (bool, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := loadProgress(ctx, tx, progressID)
	if err != nil {
		return false, false, err
	}
	if p.Status != progress.StatusActive || p.StartedAt == nil {
		return false, false, nil
	}

	today := s.tz.Today()
	scheduled := s.tz.AddDays(s.tz.LogicalDate(*p.StartedAt), p.CurrentDay-1)
	if !scheduled.Before(today) {
		// Caught up; today is still the user's to win.
		return false, false, nil
	}

	var targetCount, totalDays int
	err = tx.QueryRow(ctx,
		`SELECT daily_target_count, total_days FROM challenges WHERE id = $1`,
		p.ChallengeID,
	).Scan(&targetCount, &totalDays)
	if err != nil {
		return false, false, &stats.RecordError{
			ProgressID: p.ID,
			DayNumber:  p.CurrentDay,
			Cause:      fmt.Errorf("failed to load challenge template: %w", err),
		}
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO user_challenge_daily_logs
			(user_progress_id, cycle, day_number, completion_date, count_completed,
			 target_count, is_completed)
		VALUES ($1, $2, $3, $4, 0, $5, false)
		ON CONFLICT (user_progress_id, cycle, day_number) DO NOTHING
	`, p.ID, p.Cycle, p.CurrentDay, scheduled, targetCount)
	if err != nil {
		return false, false, &stats.RecordError{
			ProgressID: p.ID,
			DayNumber:  p.CurrentDay,
			Cause:      fmt.Errorf("failed to insert missed log: %w", err),
		}
	}
	if tag.RowsAffected() == 0 {
		// A log landed for this day after we read the record; start over
		// from fresh state.
		return false, false, progress.ErrConflict
	}

	finished := utils.IsFinalDay(p.CurrentDay, totalDays)
	newStatus := p.Status
	if finished {
		newStatus = progress.StatusCompleted
	}

	tag, err = tx.Exec(ctx, `
		UPDATE user_challenge_progress
		SET current_day = $1,
		    current_streak = 0,
		    missed_days = missed_days + 1,
		    status = $2,
		    completed_at = CASE WHEN $3 THEN NOW() ELSE completed_at END,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $4 AND version = $5
	`, p.CurrentDay+1, newStatus, finished, p.ID, p.Version)
	if err != nil {
		return false, false, &stats.RecordError{
			ProgressID: p.ID,
			DayNumber:  p.CurrentDay,
			Cause:      fmt.Errorf("failed to advance progress: %w", err),
		}
	}
	if tag.RowsAffected() == 0 {
		return false, false, progress.ErrConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return false, false, &stats.RecordError{
			ProgressID: p.ID,
			DayNumber:  p.CurrentDay,
			Cause:      fmt.Errorf("failed to commit miss: %w", err),
		}
	}

	return true, finished, nil
}

// MissedSummary aggregates a user's missed days for the profile screen.
// Read-only; windows are measured in app-local logical days.
func (s *ReconcilerService) MissedSummary(ctx context.Context, clerkID string) (*stats.MissedSummary, error) {
	var userID uuid.UUID
	err := s.db.QueryRow(ctx, `SELECT id FROM users WHERE clerk_id = $1`, clerkID).Scan(&userID)
	if err != nil {
		return nil, fmt.Errorf("user not found: %w", err)
	}

	today := s.tz.Today()

	query := `
	SELECT
		COALESCE(COUNT(*) FILTER (WHERE NOT l.is_completed), 0) AS total_missed,
		COALESCE(COUNT(*) FILTER (WHERE NOT l.is_completed AND l.completion_date > $2::date - 7), 0) AS missed_7d,
		COALESCE(COUNT(*) FILTER (WHERE NOT l.is_completed AND l.completion_date > $2::date - 30), 0) AS missed_30d
	FROM user_challenge_daily_logs l
	JOIN user_challenge_progress p ON p.id = l.user_progress_id
	WHERE p.user_id = $1
	`

	summary := &stats.MissedSummary{}
	err = s.db.QueryRow(ctx, query, userID, today).Scan(
		&summary.TotalMissed,
		&summary.MissedLast7Days,
		&summary.MissedLast30Days,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get missed summary: %w", err)
	}

	mostMissedQuery := `
	SELECT c.id, c.name, COUNT(*) AS missed
	FROM user_challenge_daily_logs l
	JOIN user_challenge_progress p ON p.id = l.user_progress_id
	JOIN challenges c ON c.id = p.challenge_id
	WHERE p.user_id = $1 AND NOT l.is_completed
	GROUP BY c.id, c.name
	ORDER BY missed DESC, c.name ASC
	LIMIT 1
	`

	mm := &stats.MostMissed{}
	err = s.db.QueryRow(ctx, mostMissedQuery, userID).Scan(&mm.ChallengeID, &mm.Name, &mm.MissedDays)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to get most missed challenge: %w", err)
		}
	} else {
		summary.MostMissed = mm
	}

	return summary, nil
}

// LastSyncTime reports when a reconciler batch last finished, nil before the
// first run.
func (s *ReconcilerService) LastSyncTime(ctx context.Context) (*time.Time, error) {
	var finishedAt time.Time
	err := s.db.QueryRow(ctx,
		`SELECT finished_at FROM reconciler_runs ORDER BY finished_at DESC LIMIT 1`,
	).Scan(&finishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last sync time: %w", err)
	}
	return &finishedAt, nil
}

func (s *ReconcilerService) recordRun(ctx context.Context, report *stats.ReconcileReport) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO reconciler_runs (started_at, finished_at, scanned, missed_marked, completed, errors)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, report.StartedAt, report.FinishedAt, report.Scanned,
		report.MissedMarked, report.Completed, len(report.Errors))
	if err != nil {
		return fmt.Errorf("failed to insert reconciler run: %w", err)
	}
	return nil
}
