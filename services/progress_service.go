package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"deenChallengeAPI/internal/stats"
	"deenChallengeAPI/internal/timezone"
	"deenChallengeAPI/internal/types/challenge"
	"deenChallengeAPI/internal/types/dailylog"
	"deenChallengeAPI/internal/types/progress"
	"deenChallengeAPI/utils"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxConflictRetries bounds internal retries on optimistic-lock conflicts
// before ErrConflict surfaces to the caller.
const maxConflictRetries = 3

const progressColumns = `id, user_id, challenge_id, status, cycle, current_day,
	current_streak, longest_streak, total_completed_days, missed_days, version,
	started_at, last_completed_at, completed_at, created_at, updated_at`

// ProgressService is the engine behind start/complete/restart. Every mutation
// runs in one transaction guarded by the progress row's version column, so a
// user completing a day and the reconciler adjudicating the same record can
// never both win.
type ProgressService struct {
	db            *pgxpool.Pool
	tz            *timezone.Resolver
	catalog       *CatalogService
	enforceTarget bool
}

func NewProgressService(db *pgxpool.Pool, tz *timezone.Resolver, catalog *CatalogService, enforceTarget bool) *ProgressService {
	return &ProgressService{
		db:            db,
		tz:            tz,
		catalog:       catalog,
		enforceTarget: enforceTarget,
	}
}

func (s *ProgressService) resolveUserID(ctx context.Context, clerkID string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := s.db.QueryRow(ctx, `SELECT id FROM users WHERE clerk_id = $1`, clerkID).Scan(&userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("user not found: %w", err)
	}
	return userID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgress(row rowScanner) (*progress.Progress, error) {
	p := &progress.Progress{}
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.ChallengeID,
		&p.Status,
		&p.Cycle,
		&p.CurrentDay,
		&p.CurrentStreak,
		&p.LongestStreak,
		&p.TotalCompletedDays,
		&p.MissedDays,
		&p.Version,
		&p.StartedAt,
		&p.LastCompletedAt,
		&p.CompletedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, progress.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan progress: %w", err)
	}
	return p, nil
}

func loadProgress(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, progressID uuid.UUID) (*progress.Progress, error) {
	query := `SELECT ` + progressColumns + ` FROM user_challenge_progress WHERE id = $1`
	return scanProgress(q.QueryRow(ctx, query, progressID))
}

// Start activates a challenge for the user, or hands back the existing record
// when one is already in flight. The second outcome carries ErrAlreadyActive
// so callers can tell resume from first start, but it is not a failure.
func (s *ProgressService) Start(ctx context.Context, clerkID string, challengeID uuid.UUID) (*progress.Progress, error) {
	userID, err := s.resolveUserID(ctx, clerkID)
	if err != nil {
		return nil, err
	}

	tmpl, err := s.catalog.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !tmpl.IsActive {
		return nil, progress.ErrChallengeInactive
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insertQuery := `
	INSERT INTO user_challenge_progress (user_id, challenge_id, status, cycle, current_day, started_at)
	VALUES ($1, $2, 'active', 1, 1, NOW())
	ON CONFLICT (user_id, challenge_id) DO NOTHING
	RETURNING ` + progressColumns

	p, err := scanProgress(tx.QueryRow(ctx, insertQuery, userID, challengeID))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit start: %w", err)
		}
		log.Printf("Progress %s started for user %s, challenge %s", p.ID, userID, challengeID)
		return p, nil
	}
	if !errors.Is(err, progress.ErrNotFound) {
		return nil, err
	}

	// A record already exists for this pair.
	existingQuery := `SELECT ` + progressColumns + `
		FROM user_challenge_progress WHERE user_id = $1 AND challenge_id = $2`
	existing, err := scanProgress(tx.QueryRow(ctx, existingQuery, userID, challengeID))
	if err != nil {
		return nil, err
	}

	if existing.IsResumable() {
		return existing, progress.ErrAlreadyActive
	}
	if existing.Status == progress.StatusCompleted {
		return existing, progress.ErrChallengeCompleted
	}

	// not_started placeholder: flip it live.
	activateQuery := `
	UPDATE user_challenge_progress
	SET status = 'active', started_at = NOW(), version = version + 1, updated_at = NOW()
	WHERE id = $1 AND version = $2
	RETURNING ` + progressColumns

	p, err = scanProgress(tx.QueryRow(ctx, activateQuery, existing.ID, existing.Version))
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			return nil, progress.ErrConflict
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit start: %w", err)
	}

	return p, nil
}

// RecordCompletion resolves the current day as done. Conflict aware: the
// whole read-check-write runs against the version the record was read at and
// is retried from scratch on interference.
func (s *ProgressService) RecordCompletion(ctx context.Context, clerkID string, progressID uuid.UUID, req *dailylog.CompleteDayRequest) (*progress.Progress, error) {
	userID, err := s.resolveUserID(ctx, clerkID)
	if err != nil {
		return nil, err
	}

	if req.CountCompleted < 0 {
		return nil, fmt.Errorf("count_completed must not be negative")
	}

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		p, err := s.recordCompletionOnce(ctx, userID, progressID, req)
		if err != nil && errors.Is(err, progress.ErrConflict) {
			lastErr = err
			log.Printf("Completion conflict on progress %s (attempt %d), retrying", progressID, attempt+1)
			time.Sleep(time.Duration(attempt+1) * 25 * time.Millisecond)
			continue
		}
		return p, err
	}

	return nil, lastErr
}

func (s *ProgressService) recordCompletionOnce(ctx context.Context, userID, progressID uuid.UUID, req *dailylog.CompleteDayRequest) (*progress.Progress, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := loadProgress(ctx, tx, progressID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, progress.ErrForbidden
	}

	switch p.Status {
	case progress.StatusCompleted:
		return p, progress.ErrChallengeCompleted
	case progress.StatusPaused, progress.StatusNotStarted:
		return nil, progress.ErrNotActive
	}

	var targetCount, totalDays int
	err = tx.QueryRow(ctx,
		`SELECT daily_target_count, total_days FROM challenges WHERE id = $1`,
		p.ChallengeID,
	).Scan(&targetCount, &totalDays)
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge template: %w", err)
	}

	if req.DayNumber != p.CurrentDay {
		// A duplicate submit for a day that is already resolved is the
		// idempotent path; anything else means the client is out of sync.
		var resolved bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM user_challenge_daily_logs
				WHERE user_progress_id = $1 AND cycle = $2 AND day_number = $3
			)`, p.ID, p.Cycle, req.DayNumber).Scan(&resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to check daily log: %w", err)
		}
		if resolved {
			return p, progress.ErrAlreadyCompleted
		}
		return nil, progress.ErrStaleDay
	}

	today := s.tz.Today()
	scheduled := s.tz.AddDays(s.tz.LogicalDate(*p.StartedAt), p.CurrentDay-1)
	if scheduled.After(today) {
		// The pointer only runs ahead of the calendar when today's day is
		// already resolved.
		return p, fmt.Errorf("day %d opens later: %w", p.CurrentDay, progress.ErrAlreadyCompleted)
	}

	completed := req.CountCompleted >= targetCount
	if !completed && s.enforceTarget {
		return nil, fmt.Errorf("%d of %d: %w", req.CountCompleted, targetCount, progress.ErrTargetNotMet)
	}

	// completed_at stays NULL on an unmet log so the audit trail can tell a
	// partial submit from a finished day.
	var completedAt *time.Time
	if completed {
		now := time.Now()
		completedAt = &now
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO user_challenge_daily_logs
			(user_progress_id, cycle, day_number, completion_date, count_completed,
			 target_count, is_completed, notes, mood, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_progress_id, cycle, day_number) DO NOTHING
	`, p.ID, p.Cycle, p.CurrentDay, today, req.CountCompleted,
		targetCount, completed, req.Notes, req.Mood, completedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert daily log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Someone resolved this day between our read and write.
		return p, progress.ErrAlreadyCompleted
	}

	newStreak, newLongest := utils.NextStreak(p.CurrentStreak, p.LongestStreak, completed)
	newCompleted := p.TotalCompletedDays
	newMissed := p.MissedDays
	if completed {
		newCompleted++
	} else {
		// Below target with enforcement off: the day is resolved, but as an
		// unmet outcome. The partial count stays on the log.
		newMissed++
	}

	newDay := p.CurrentDay + 1
	newStatus := p.Status
	finished := utils.IsFinalDay(p.CurrentDay, totalDays)
	if finished {
		newStatus = progress.StatusCompleted
	}

	updateQuery := `
	UPDATE user_challenge_progress
	SET current_day = $1,
	    current_streak = $2,
	    longest_streak = $3,
	    total_completed_days = $4,
	    missed_days = $5,
	    status = $6,
	    last_completed_at = CASE WHEN $7 THEN NOW() ELSE last_completed_at END,
	    completed_at = CASE WHEN $8 THEN NOW() ELSE completed_at END,
	    version = version + 1,
	    updated_at = NOW()
	WHERE id = $9 AND version = $10
	RETURNING ` + progressColumns

	updated, err := scanProgress(tx.QueryRow(ctx, updateQuery,
		newDay, newStreak, newLongest, newCompleted, newMissed,
		newStatus, completed, finished, p.ID, p.Version))
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			return nil, progress.ErrConflict
		}
		return nil, err
	}

	// Counter ledger rows commit with the completion itself, so a crash or a
	// busy updater can never lose a transition. The updater applies them
	// asynchronously, each at most once.
	emitted := false
	if completed && p.CurrentDay == 1 && p.Cycle == 1 {
		if err := insertCounterEvent(ctx, tx, p, challenge.EventStarted); err != nil {
			return nil, err
		}
		emitted = true
	}
	if completed && finished {
		if err := insertCounterEvent(ctx, tx, p, challenge.EventFinished); err != nil {
			return nil, err
		}
		emitted = true
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit completion: %w", err)
	}

	if emitted {
		s.catalog.NotifyCounterEvents()
	}
	if completed && finished {
		log.Printf("Progress %s finished challenge %s (cycle %d)", p.ID, p.ChallengeID, p.Cycle)
	}

	return updated, nil
}

func insertCounterEvent(ctx context.Context, tx pgx.Tx, p *progress.Progress, kind challenge.EventKind) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO challenge_counter_events (challenge_id, progress_id, cycle, kind)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (progress_id, cycle, kind) DO NOTHING
	`, p.ChallengeID, p.ID, p.Cycle, kind)
	if err != nil {
		return fmt.Errorf("failed to record counter event: %w", err)
	}
	return nil
}

// Restart begins a fresh cycle. Counters reset, longest streak survives as
// the historical best, and prior logs stay attributed to their old cycle.
func (s *ProgressService) Restart(ctx context.Context, clerkID string, progressID uuid.UUID) (*progress.Progress, error) {
	userID, err := s.resolveUserID(ctx, clerkID)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		p, err := s.restartOnce(ctx, userID, progressID)
		if err != nil && errors.Is(err, progress.ErrConflict) {
			lastErr = err
			continue
		}
		return p, err
	}
	return nil, lastErr
}

func (s *ProgressService) restartOnce(ctx context.Context, userID, progressID uuid.UUID) (*progress.Progress, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := loadProgress(ctx, tx, progressID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, progress.ErrForbidden
	}

	query := `
	UPDATE user_challenge_progress
	SET cycle = cycle + 1,
	    status = 'active',
	    current_day = 1,
	    current_streak = 0,
	    total_completed_days = 0,
	    missed_days = 0,
	    started_at = NOW(),
	    last_completed_at = NULL,
	    completed_at = NULL,
	    version = version + 1,
	    updated_at = NOW()
	WHERE id = $1 AND version = $2
	RETURNING ` + progressColumns

	updated, err := scanProgress(tx.QueryRow(ctx, query, p.ID, p.Version))
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			return nil, progress.ErrConflict
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit restart: %w", err)
	}

	log.Printf("Progress %s restarted at cycle %d", updated.ID, updated.Cycle)
	return updated, nil
}

// Pause freezes an active run. Paused records are invisible to the
// reconciler, so paused time never accrues misses.
func (s *ProgressService) Pause(ctx context.Context, clerkID string, progressID uuid.UUID) (*progress.Progress, error) {
	return s.setPauseState(ctx, clerkID, progressID, true)
}

// Resume re-anchors the schedule so the current day maps to today, then
// reactivates the run.
func (s *ProgressService) Resume(ctx context.Context, clerkID string, progressID uuid.UUID) (*progress.Progress, error) {
	return s.setPauseState(ctx, clerkID, progressID, false)
}

func (s *ProgressService) setPauseState(ctx context.Context, clerkID string, progressID uuid.UUID, pause bool) (*progress.Progress, error) {
	userID, err := s.resolveUserID(ctx, clerkID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := loadProgress(ctx, tx, progressID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, progress.ErrForbidden
	}

	if pause {
		if p.Status != progress.StatusActive {
			return nil, progress.ErrNotActive
		}

		query := `
		UPDATE user_challenge_progress
		SET status = 'paused', version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING ` + progressColumns

		updated, err := scanProgress(tx.QueryRow(ctx, query, p.ID, p.Version))
		if err != nil {
			if errors.Is(err, progress.ErrNotFound) {
				return nil, progress.ErrConflict
			}
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit pause: %w", err)
		}
		return updated, nil
	}

	if p.Status != progress.StatusPaused {
		return nil, progress.ErrNotActive
	}

	// Shift the anchor so current_day's scheduled date is today.
	anchor := s.tz.AddDays(s.tz.Today(), -(p.CurrentDay - 1))

	query := `
	UPDATE user_challenge_progress
	SET status = 'active', started_at = $1, version = version + 1, updated_at = NOW()
	WHERE id = $2 AND version = $3
	RETURNING ` + progressColumns

	updated, err := scanProgress(tx.QueryRow(ctx, query, anchor, p.ID, p.Version))
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			return nil, progress.ErrConflict
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit resume: %w", err)
	}

	return updated, nil
}

type ProgressDetail struct {
	progress.Progress
	ChallengeName    string              `json:"challenge_name"`
	DailyTargetCount int                 `json:"daily_target_count"`
	TotalDays        int                 `json:"total_days"`
	CompletionRate   float64             `json:"completion_rate"`
	Logs             []*dailylog.DailyLog `json:"logs"`
}

// GetProgress returns one record with its current-cycle audit trail.
func (s *ProgressService) GetProgress(ctx context.Context, clerkID string, progressID uuid.UUID) (*ProgressDetail, error) {
	userID, err := s.resolveUserID(ctx, clerkID)
	if err != nil {
		return nil, err
	}

	p, err := loadProgress(ctx, s.db, progressID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, progress.ErrForbidden
	}

	detail := &ProgressDetail{
		Progress:       *p,
		CompletionRate: utils.CompletionRate(p.TotalCompletedDays, p.MissedDays),
	}

	err = s.db.QueryRow(ctx,
		`SELECT name, daily_target_count, total_days FROM challenges WHERE id = $1`,
		p.ChallengeID,
	).Scan(&detail.ChallengeName, &detail.DailyTargetCount, &detail.TotalDays)
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge template: %w", err)
	}

	logsQuery := `
	SELECT id, user_progress_id, cycle, day_number, completion_date, count_completed,
	       target_count, is_completed, notes, mood, completed_at, created_at
	FROM user_challenge_daily_logs
	WHERE user_progress_id = $1 AND cycle = $2
	ORDER BY day_number ASC
	`

	rows, err := s.db.Query(ctx, logsQuery, p.ID, p.Cycle)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		l := &dailylog.DailyLog{}
		err := rows.Scan(
			&l.ID,
			&l.UserProgressID,
			&l.Cycle,
			&l.DayNumber,
			&l.CompletionDate,
			&l.CountCompleted,
			&l.TargetCount,
			&l.IsCompleted,
			&l.Notes,
			&l.Mood,
			&l.CompletedAt,
			&l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily log: %w", err)
		}
		detail.Logs = append(detail.Logs, l)
	}

	return detail, nil
}

// GetStreakOverview aggregates streak state across all of a user's runs.
func (s *ProgressService) GetStreakOverview(ctx context.Context, clerkID string) (*stats.StreakOverview, error) {
	userID, err := s.resolveUserID(ctx, clerkID)
	if err != nil {
		return nil, err
	}

	query := `
	SELECT p.id, p.challenge_id, c.name, p.status, p.current_day, c.total_days,
	       p.current_streak, p.longest_streak, p.total_completed_days, p.missed_days
	FROM user_challenge_progress p
	JOIN challenges c ON c.id = p.challenge_id
	WHERE p.user_id = $1
	ORDER BY p.longest_streak DESC, c.name ASC
	`

	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get streak overview: %w", err)
	}
	defer rows.Close()

	overview := &stats.StreakOverview{Challenges: []stats.ChallengeStreak{}}
	for rows.Next() {
		var cs stats.ChallengeStreak
		var completedDays, missedDays int

		err := rows.Scan(
			&cs.ProgressID,
			&cs.ChallengeID,
			&cs.Name,
			&cs.Status,
			&cs.CurrentDay,
			&cs.TotalDays,
			&cs.CurrentStreak,
			&cs.LongestStreak,
			&completedDays,
			&missedDays,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan streak row: %w", err)
		}

		if cs.Status == string(progress.StatusActive) {
			overview.ActiveChallenges++
		}
		if cs.CurrentStreak > overview.BestCurrentStreak {
			overview.BestCurrentStreak = cs.CurrentStreak
		}
		if cs.LongestStreak > overview.BestLongestStreak {
			overview.BestLongestStreak = cs.LongestStreak
		}
		overview.TotalCompletedDays += completedDays
		overview.TotalMissedDays += missedDays
		overview.Challenges = append(overview.Challenges, cs)
	}

	return overview, nil
}
