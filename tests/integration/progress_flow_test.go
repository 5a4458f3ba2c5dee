package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deenChallengeAPI/handlers"
	"deenChallengeAPI/internal/stats"
	"deenChallengeAPI/internal/timezone"
	"deenChallengeAPI/internal/types/dailylog"
	"deenChallengeAPI/internal/types/progress"
	"deenChallengeAPI/middleware"
	"deenChallengeAPI/services"
	"deenChallengeAPI/tests/helpers"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
)

func setupServices(t *testing.T, pool *pgxpool.Pool, enforceTarget bool) (*services.CatalogService, *services.ProgressService, *services.ReconcilerService) {
	t.Helper()

	tz, err := timezone.New(timezone.DefaultZone)
	require.NoError(t, err)

	catalog := services.NewCatalogService(pool)
	t.Cleanup(catalog.Stop)

	return catalog,
		services.NewProgressService(pool, tz, catalog, enforceTarget),
		services.NewReconcilerService(pool, tz)
}

func assertDayLedger(t *testing.T, p *progress.Progress) {
	t.Helper()
	assert.Equal(t, p.CurrentDay-1, p.TotalCompletedDays+p.MissedDays,
		"every day before the pointer must have exactly one outcome")
	assert.LessOrEqual(t, p.CurrentStreak, p.LongestStreak)
}

// TestChallengeLifecycleWithMissedDay walks the canonical scenario: complete
// day 1, sleep through day 2, let the reconciler adjudicate it, then complete
// day 3 with a fresh streak.
func TestChallengeLifecycleWithMissedDay(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	_, progressSvc, reconciler := setupServices(t, pool, true)

	clerkID := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, clerkID)
	challengeID := helpers.CreateTestChallenge(t, pool, "Morning Dhikr", 33, 21)

	ctx := context.Background()

	p, err := progressSvc.Start(ctx, clerkID, challengeID)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusActive, p.Status)
	assert.Equal(t, 1, p.CurrentDay)
	assert.Equal(t, 1, p.Cycle)
	assertDayLedger(t, p)

	// Day 1 completed in full.
	p, err = progressSvc.RecordCompletion(ctx, clerkID, p.ID, completeReq(1, 33))
	require.NoError(t, err)
	assert.Equal(t, 2, p.CurrentDay)
	assert.Equal(t, 1, p.CurrentStreak)
	assert.Equal(t, 1, p.TotalCompletedDays)
	assert.NotNil(t, p.LastCompletedAt)
	assertDayLedger(t, p)

	// Two days pass; day 2 got no log.
	helpers.RewindProgress(t, pool, p.ID, 2)

	report, err := reconciler.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.ErrorCount())
	assert.GreaterOrEqual(t, report.MissedMarked, 1)

	detail, err := progressSvc.GetProgress(ctx, clerkID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, detail.CurrentDay)
	assert.Equal(t, 0, detail.CurrentStreak, "a miss breaks the streak")
	assert.Equal(t, 1, detail.LongestStreak, "the best streak survives the miss")
	assert.Equal(t, 1, detail.MissedDays)
	assert.Equal(t, 1, detail.TotalCompletedDays)
	assertDayLedger(t, &detail.Progress)

	// Day 3: back on track, streak restarts from the miss.
	p, err = progressSvc.RecordCompletion(ctx, clerkID, p.ID, completeReq(3, 33))
	require.NoError(t, err)
	assert.Equal(t, 4, p.CurrentDay)
	assert.Equal(t, 1, p.CurrentStreak)
	assert.Equal(t, 2, p.TotalCompletedDays)
	assert.Equal(t, 1, p.MissedDays)
	assertDayLedger(t, p)
}

func TestStartIsIdempotent(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	_, progressSvc, _ := setupServices(t, pool, true)

	clerkID := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, clerkID)
	challengeID := helpers.CreateTestChallenge(t, pool, "Istighfar", 100, 7)

	ctx := context.Background()

	first, err := progressSvc.Start(ctx, clerkID, challengeID)
	require.NoError(t, err)

	second, err := progressSvc.Start(ctx, clerkID, challengeID)
	assert.ErrorIs(t, err, progress.ErrAlreadyActive)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID, "no duplicate record for the same pair")
	assert.Equal(t, progress.StatusActive, second.Status)
}

func TestRecordCompletionIsIdempotent(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	_, progressSvc, _ := setupServices(t, pool, true)

	clerkID := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, clerkID)
	challengeID := helpers.CreateTestChallenge(t, pool, "Salawat", 10, 7)

	ctx := context.Background()

	p, err := progressSvc.Start(ctx, clerkID, challengeID)
	require.NoError(t, err)

	p, err = progressSvc.RecordCompletion(ctx, clerkID, p.ID, completeReq(1, 10))
	require.NoError(t, err)

	again, err := progressSvc.RecordCompletion(ctx, clerkID, p.ID, completeReq(1, 10))
	assert.ErrorIs(t, err, progress.ErrAlreadyCompleted)
	require.NotNil(t, again)
	assert.Equal(t, p.TotalCompletedDays, again.TotalCompletedDays, "no double counting")
	assert.Equal(t, p.CurrentDay, again.CurrentDay)
	assert.Equal(t, 1, helpers.CountDailyLogs(t, pool, p.ID, 1, 1))
}

func TestStartInactiveChallengeRejected(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	_, progressSvc, _ := setupServices(t, pool, true)

	clerkID := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, clerkID)
	challengeID := helpers.CreateTestChallenge(t, pool, "Retired Dhikr", 33, 7)

	ctx := context.Background()

	_, err := pool.Exec(ctx, `UPDATE challenges SET is_active = false WHERE id = $1`, challengeID)
	require.NoError(t, err)

	_, err = progressSvc.Start(ctx, clerkID, challengeID)
	assert.ErrorIs(t, err, progress.ErrChallengeInactive)
}

func TestCompletionWhilePausedRejected(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	_, progressSvc, _ := setupServices(t, pool, true)

	clerkID := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, clerkID)
	challengeID := helpers.CreateTestChallenge(t, pool, "Frozen Dhikr", 33, 7)

	ctx := context.Background()

	p, err := progressSvc.Start(ctx, clerkID, challengeID)
	require.NoError(t, err)

	p, err = progressSvc.Pause(ctx, clerkID, p.ID)
	require.NoError(t, err)

	_, err = progressSvc.RecordCompletion(ctx, clerkID, p.ID, completeReq(1, 33))
	assert.ErrorIs(t, err, progress.ErrNotActive)
	assert.Equal(t, 0, helpers.CountDailyLogs(t, pool, p.ID, 1, 1))
}

func TestStaleDayRejected(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	_, progressSvc, _ := setupServices(t, pool, true)

	clerkID := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, clerkID)
	challengeID := helpers.CreateTestChallenge(t, pool, "Tasbih", 33, 7)

	ctx := context.Background()

	p, err := progressSvc.Start(ctx, clerkID, challengeID)
	require.NoError(t, err)

	_, err = progressSvc.RecordCompletion(ctx, clerkID, p.ID, completeReq(5, 33))
	assert.ErrorIs(t, err, progress.ErrStaleDay)
}

func TestOwnershipEnforced(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	_, progressSvc, _ := setupServices(t, pool, true)

	owner := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, owner)
	intruder := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, intruder)
	challengeID := helpers.CreateTestChallenge(t, pool, "Morning Adhkar", 7, 7)

	ctx := context.Background()

	p, err := progressSvc.Start(ctx, owner, challengeID)
	require.NoError(t, err)

	_, err = progressSvc.RecordCompletion(ctx, intruder, p.ID, completeReq(1, 7))
	assert.ErrorIs(t, err, progress.ErrForbidden)
}

func TestReconcilerIsIdempotent(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	_, progressSvc, reconciler := setupServices(t, pool, true)

	clerkID := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, clerkID)
	challengeID := helpers.CreateTestChallenge(t, pool, "Evening Dhikr", 33, 21)

	ctx := context.Background()

	p, err := progressSvc.Start(ctx, clerkID, challengeID)
	require.NoError(t, err)

	helpers.RewindProgress(t, pool, p.ID, 3)

	_, err = reconciler.ReconcileAll(ctx)
	require.NoError(t, err)

	detail, err := progressSvc.GetProgress(ctx, clerkID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, detail.MissedDays)
	assert.Equal(t, 4, detail.CurrentDay)

	// A second run over the same day must change nothing.
	_, err = reconciler.ReconcileAll(ctx)
	require.NoError(t, err)

	after, err := progressSvc.GetProgress(ctx, clerkID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, detail.MissedDays, after.MissedDays)
	assert.Equal(t, detail.CurrentDay, after.CurrentDay)
	assert.Equal(t, detail.Version, after.Version)
	assertDayLedger(t, &after.Progress)
}

// TestCompletionReconcilerRace pits a user completion against the reconciler
// for the same open day. Exactly one of them may resolve it.
func TestCompletionReconcilerRace(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	_, progressSvc, reconciler := setupServices(t, pool, true)

	clerkID := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, clerkID)
	challengeID := helpers.CreateTestChallenge(t, pool, "Night Dua", 3, 21)

	ctx := context.Background()

	p, err := progressSvc.Start(ctx, clerkID, challengeID)
	require.NoError(t, err)

	// Day 1 is a day overdue; both actors want it.
	helpers.RewindProgress(t, pool, p.ID, 1)

	var wg sync.WaitGroup
	var report *stats.ReconcileReport
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = progressSvc.RecordCompletion(ctx, clerkID, p.ID, completeReq(1, 3))
	}()
	go func() {
		defer wg.Done()
		report, _ = reconciler.ReconcileAll(ctx)
	}()
	wg.Wait()

	require.NotNil(t, report)
	assert.Zero(t, report.ErrorCount(), "losing a benign race is not a batch failure")

	assert.Equal(t, 1, helpers.CountDailyLogs(t, pool, p.ID, 1, 1),
		"day 1 must be resolved exactly once")

	detail, err := progressSvc.GetProgress(ctx, clerkID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.CurrentDay)
	assert.Equal(t, 1, detail.TotalCompletedDays+detail.MissedDays,
		"completed XOR missed, never both, never neither")
	assertDayLedger(t, &detail.Progress)
}

func TestFullCompletionAndRestart(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	catalog, progressSvc, _ := setupServices(t, pool, true)

	clerkID := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, clerkID)
	challengeID := helpers.CreateTestChallenge(t, pool, "Three Day Dhikr", 11, 3)

	ctx := context.Background()

	p, err := progressSvc.Start(ctx, clerkID, challengeID)
	require.NoError(t, err)

	for day := 1; day <= 3; day++ {
		p, err = progressSvc.RecordCompletion(ctx, clerkID, p.ID, completeReq(day, 11))
		require.NoError(t, err)
		if day < 3 {
			// Open the next day.
			helpers.RewindProgress(t, pool, p.ID, day)
		}
	}

	assert.Equal(t, progress.StatusCompleted, p.Status)
	assert.NotNil(t, p.CompletedAt)
	assert.Equal(t, 3, p.CurrentStreak)
	assert.Equal(t, 3, p.LongestStreak)
	assert.Equal(t, 4, p.CurrentDay)
	assertDayLedger(t, p)

	// Past the end there is nothing left to complete.
	_, err = progressSvc.RecordCompletion(ctx, clerkID, p.ID, completeReq(4, 11))
	assert.ErrorIs(t, err, progress.ErrChallengeCompleted)

	// The guarded counters land exactly once each.
	assert.Eventually(t, func() bool {
		c, err := catalog.GetChallenge(ctx, challengeID)
		return err == nil && c.TotalParticipants == 1 && c.TotalCompletions == 1
	}, 5*time.Second, 100*time.Millisecond)

	restarted, err := progressSvc.Restart(ctx, clerkID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, restarted.Cycle)
	assert.Equal(t, 1, restarted.CurrentDay)
	assert.Equal(t, 0, restarted.CurrentStreak)
	assert.Equal(t, 0, restarted.TotalCompletedDays)
	assert.Equal(t, 3, restarted.LongestStreak, "historical best survives a restart")
	assert.Nil(t, restarted.CompletedAt)

	// Prior cycle's audit trail stays put.
	assert.Equal(t, 1, helpers.CountDailyLogs(t, pool, p.ID, 1, 1))
	assert.Equal(t, 0, helpers.CountDailyLogs(t, pool, p.ID, 2, 1))
}

func TestTargetEnforcementFlag(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	_, strictSvc, _ := setupServices(t, pool, true)
	_, lenientSvc, _ := setupServices(t, pool, false)

	ctx := context.Background()

	strictClerk := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, strictClerk)
	strictChallenge := helpers.CreateTestChallenge(t, pool, "Strict Dhikr", 33, 7)

	p, err := strictSvc.Start(ctx, strictClerk, strictChallenge)
	require.NoError(t, err)

	_, err = strictSvc.RecordCompletion(ctx, strictClerk, p.ID, completeReq(1, 20))
	assert.ErrorIs(t, err, progress.ErrTargetNotMet)

	lenientClerk := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, lenientClerk)
	lenientChallenge := helpers.CreateTestChallenge(t, pool, "Lenient Dhikr", 33, 7)

	p, err = lenientSvc.Start(ctx, lenientClerk, lenientChallenge)
	require.NoError(t, err)

	// Below target goes through, but the day resolves as unmet: the partial
	// count is kept on the log and the streak does not grow.
	p, err = lenientSvc.RecordCompletion(ctx, lenientClerk, p.ID, completeReq(1, 20))
	require.NoError(t, err)
	assert.Equal(t, 2, p.CurrentDay)
	assert.Equal(t, 0, p.CurrentStreak)
	assert.Equal(t, 0, p.TotalCompletedDays)
	assert.Equal(t, 1, p.MissedDays)
	assertDayLedger(t, p)

	// The unmet log keeps the partial count but no completion timestamp.
	detail, err := lenientSvc.GetProgress(ctx, lenientClerk, p.ID)
	require.NoError(t, err)
	require.Len(t, detail.Logs, 1)
	assert.Equal(t, 20, detail.Logs[0].CountCompleted)
	assert.False(t, detail.Logs[0].IsCompleted)
	assert.Nil(t, detail.Logs[0].CompletedAt)
}

// TestPendingCounterEventsApplyOnce exercises the ledger the way the updater
// sees it: a committed row with no nudge still lands, and only lands once.
func TestPendingCounterEventsApplyOnce(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	catalog, progressSvc, _ := setupServices(t, pool, true)

	clerkID := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, clerkID)
	challengeID := helpers.CreateTestChallenge(t, pool, "Ledger Dhikr", 33, 21)

	ctx := context.Background()

	p, err := progressSvc.Start(ctx, clerkID, challengeID)
	require.NoError(t, err)

	// A ledger row written with no worker awake, as after a crash.
	_, err = pool.Exec(ctx, `
		INSERT INTO challenge_counter_events (challenge_id, progress_id, cycle, kind)
		VALUES ($1, $2, $3, 'challenge_started')
	`, challengeID, p.ID, p.Cycle)
	require.NoError(t, err)

	applied, err := catalog.ApplyPendingEvents(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, applied, 1)

	c, err := catalog.GetChallenge(ctx, challengeID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.TotalParticipants)

	// A second sweep finds nothing left to do.
	applied, err = catalog.ApplyPendingEvents(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)

	c, err = catalog.GetChallenge(ctx, challengeID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.TotalParticipants)
}

func TestPausedRecordsAccrueNoMisses(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	_, progressSvc, reconciler := setupServices(t, pool, true)

	clerkID := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, clerkID)
	challengeID := helpers.CreateTestChallenge(t, pool, "Paused Dhikr", 33, 21)

	ctx := context.Background()

	p, err := progressSvc.Start(ctx, clerkID, challengeID)
	require.NoError(t, err)

	p, err = progressSvc.Pause(ctx, clerkID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusPaused, p.Status)

	helpers.RewindProgress(t, pool, p.ID, 5)

	_, err = reconciler.ReconcileAll(ctx)
	require.NoError(t, err)

	detail, err := progressSvc.GetProgress(ctx, clerkID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, detail.MissedDays, "paused time is not missed time")
	assert.Equal(t, progress.StatusPaused, detail.Status)

	// Resume re-anchors so the current day is today's.
	resumed, err := progressSvc.Resume(ctx, clerkID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusActive, resumed.Status)

	resumed, err = progressSvc.RecordCompletion(ctx, clerkID, resumed.ID, completeReq(1, 33))
	require.NoError(t, err)
	assert.Equal(t, 1, resumed.TotalCompletedDays)
}

func TestMissedSummaryAndLastSync(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	_, progressSvc, reconciler := setupServices(t, pool, true)

	clerkID := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, clerkID)
	challengeID := helpers.CreateTestChallenge(t, pool, "Summary Dhikr", 33, 21)

	ctx := context.Background()

	p, err := progressSvc.Start(ctx, clerkID, challengeID)
	require.NoError(t, err)
	helpers.RewindProgress(t, pool, p.ID, 2)

	_, err = reconciler.ReconcileAll(ctx)
	require.NoError(t, err)

	summary, err := reconciler.MissedSummary(ctx, clerkID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalMissed)
	assert.Equal(t, 2, summary.MissedLast7Days)
	assert.Equal(t, 2, summary.MissedLast30Days)
	require.NotNil(t, summary.MostMissed)
	assert.Equal(t, challengeID, summary.MostMissed.ChallengeID)

	last, err := reconciler.LastSyncTime(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, time.Now(), *last, time.Minute)
}

// TestCompleteDayHandler drives the HTTP surface the way the mobile client
// does, with the auth middleware's context contract.
func TestCompleteDayHandler(t *testing.T) {
	pool := helpers.SetupTestDB(t)
	defer helpers.CleanupTestDB(t, pool)

	catalog, progressSvc, _ := setupServices(t, pool, true)
	handler := handlers.NewChallengeHandler(catalog, progressSvc)

	clerkID := helpers.NewTestClerkID()
	helpers.CreateTestUser(t, pool, clerkID)
	challengeID := helpers.CreateTestChallenge(t, pool, "Handler Dhikr", 33, 21)

	// Start over HTTP.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/challenges/"+challengeID.String()+"/start", nil)
	req = req.WithContext(context.WithValue(req.Context(), middleware.ClerkIDKey, clerkID))
	req = mux.SetURLVars(req, map[string]string{"id": challengeID.String()})
	rr := httptest.NewRecorder()

	handler.StartChallenge(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var started progress.Progress
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))

	// Complete day 1 over HTTP.
	body := `{"day_number": 1, "count_completed": 33}`
	req = httptest.NewRequest(http.MethodPost, "/api/v1/progress/"+started.ID.String()+"/complete", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(context.WithValue(req.Context(), middleware.ClerkIDKey, clerkID))
	req = mux.SetURLVars(req, map[string]string{"id": started.ID.String()})
	rr = httptest.NewRecorder()

	handler.CompleteDay(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var completed progress.Progress
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &completed))
	assert.Equal(t, 2, completed.CurrentDay)
	assert.Equal(t, 1, completed.CurrentStreak)

	// Duplicate submit stays a 200 and changes nothing.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/progress/"+started.ID.String()+"/complete", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(context.WithValue(req.Context(), middleware.ClerkIDKey, clerkID))
	req = mux.SetURLVars(req, map[string]string{"id": started.ID.String()})
	rr = httptest.NewRecorder()

	handler.CompleteDay(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var dup progress.Progress
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dup))
	assert.Equal(t, completed.TotalCompletedDays, dup.TotalCompletedDays)
}

func completeReq(day, count int) *dailylog.CompleteDayRequest {
	return &dailylog.CompleteDayRequest{DayNumber: day, CountCompleted: count}
}
