package helpers

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SetupTestDB connects to the test database and makes sure the schema is in
// place. Tests are skipped entirely when no database is configured, so the
// pure-logic suites still run anywhere.
func SetupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL or DATABASE_URL not set, skipping database tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("Failed to ping test database: %v", err)
	}

	schema, err := os.ReadFile("../../scripts/schema.sql")
	if err != nil {
		t.Fatalf("Failed to read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}

	return pool
}

// CleanupTestDB removes rows created by the test helpers. Progress, logs and
// counter events go with their user via cascade.
func CleanupTestDB(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	ctx := context.Background()
	if _, err := pool.Exec(ctx, "DELETE FROM users WHERE clerk_id LIKE 'user_test_%'"); err != nil {
		t.Logf("Warning: failed to cleanup test users: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM challenges WHERE name LIKE 'Test %'"); err != nil {
		t.Logf("Warning: failed to cleanup test challenges: %v", err)
	}
	pool.Close()
}

// NewTestClerkID returns a unique id the cleanup helper recognizes.
func NewTestClerkID() string {
	return fmt.Sprintf("user_test_%d", time.Now().UnixNano())
}

// CreateTestUser inserts a user and returns its internal id.
func CreateTestUser(t *testing.T, pool *pgxpool.Pool, clerkID string) uuid.UUID {
	t.Helper()

	var id uuid.UUID
	err := pool.QueryRow(context.Background(), `
		INSERT INTO users (clerk_id, email, username)
		VALUES ($1, $2, $3)
		RETURNING id
	`, clerkID, clerkID+"@example.com", clerkID).Scan(&id)
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return id
}

// CreateTestChallenge inserts an active template.
func CreateTestChallenge(t *testing.T, pool *pgxpool.Pool, name string, dailyTarget, totalDays int) uuid.UUID {
	t.Helper()

	var id uuid.UUID
	err := pool.QueryRow(context.Background(), `
		INSERT INTO challenges (name, description, daily_target_count, total_days, is_active)
		VALUES ($1, '', $2, $3, true)
		RETURNING id
	`, "Test "+name, dailyTarget, totalDays).Scan(&id)
	if err != nil {
		t.Fatalf("Failed to create test challenge: %v", err)
	}
	return id
}

// RewindProgress shifts a record's anchor into the past, simulating days
// going by without touching the clock.
func RewindProgress(t *testing.T, pool *pgxpool.Pool, progressID uuid.UUID, days int) {
	t.Helper()

	_, err := pool.Exec(context.Background(), `
		UPDATE user_challenge_progress
		SET started_at = started_at - make_interval(days => $1)
		WHERE id = $2
	`, days, progressID)
	if err != nil {
		t.Fatalf("Failed to rewind progress: %v", err)
	}
}

// CountDailyLogs returns how many log rows exist for one day of one run.
func CountDailyLogs(t *testing.T, pool *pgxpool.Pool, progressID uuid.UUID, cycle, dayNumber int) int {
	t.Helper()

	var n int
	err := pool.QueryRow(context.Background(), `
		SELECT COUNT(*) FROM user_challenge_daily_logs
		WHERE user_progress_id = $1 AND cycle = $2 AND day_number = $3
	`, progressID, cycle, dayNumber).Scan(&n)
	if err != nil {
		t.Fatalf("Failed to count daily logs: %v", err)
	}
	return n
}

// GenerateMockClerkJWT builds a token for handler tests that bypass real
// verification.
func GenerateMockClerkJWT(clerkID string) (string, error) {
	secretKey := []byte("test-secret-key-for-testing-only")

	claims := jwt.MapClaims{
		"sub": clerkID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secretKey)
}
