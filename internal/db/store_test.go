package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"

	"github.com/soaringjerry/intake/internal/config"
	"github.com/soaringjerry/intake/internal/models"
	"github.com/soaringjerry/intake/internal/services"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.DialectSQLite, filepath.Join(t.TempDir(), "intake.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(""))
	return s
}

func newRecord(email, phone string, at time.Time) *models.Submission {
	return &models.Submission{
		Email:        models.StringPtr(email),
		Mobile:       models.StringPtr(phone),
		Phone:        phone,
		Status:       models.StatusStarted,
		LastActive:   at,
		CreatedAtUTC: at,
		Answers:      datatypes.NewJSONType(map[string]string{}),
		ImageObjects: datatypes.NewJSONType([]models.ImageObject{}),
	}
}

func TestMigrateIsRerunnable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(""))
	require.NoError(t, s.Ping(context.Background()))
	subs, hist, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, subs)
	assert.Zero(t, hist)
}

func TestMigrateFromDirectory(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, config.DialectSQLite), 0o755))
	sql := "CREATE TABLE IF NOT EXISTS extra_notes (id INTEGER PRIMARY KEY, body TEXT);"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DialectSQLite, "900_extra.sql"), []byte(sql), 0o644))

	require.NoError(t, s.Migrate(dir))
	_, err := s.sqlDB.Exec("INSERT INTO extra_notes (body) VALUES ('hi')")
	assert.NoError(t, err)
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	_, err := Open("oracle", "", nil)
	assert.Error(t, err)
}

func TestCreateAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := newRecord("ada@example.com", "+15550001111", now)
	require.NoError(t, s.CreateSubmission(ctx, rec))
	require.NotZero(t, rec.ID)

	byPhone, err := s.FindByPhone(ctx, "+15550001111")
	require.NoError(t, err)
	require.Len(t, byPhone, 1)
	assert.Equal(t, rec.ID, byPhone[0].ID)

	started, err := s.FindStartedByPhone(ctx, "+15550001111")
	require.NoError(t, err)
	require.NotNil(t, started)
	assert.True(t, started.LastActive.Equal(now))

	missing, err := s.GetByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)

	dup := newRecord("ada@example.com", "+15550002222", now)
	err = s.CreateSubmission(ctx, dup)
	assert.True(t, errors.Is(err, services.ErrDuplicate))
}

func TestUpdateWritesOnlyNamedColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := newRecord("ada@example.com", "+15550001111", now)
	rec.FirstName = "Ada"
	require.NoError(t, s.CreateSubmission(ctx, rec))

	rec.FirstName = "Not written"
	rec.CurrentStep = 2
	rec.Answers = datatypes.NewJSONType(map[string]string{"q0_answer": "yes"})
	require.NoError(t, s.UpdateSubmission(ctx, rec, models.ColCurrentStep, models.ColAnswers))

	got, err := s.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.FirstName)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, map[string]string{"q0_answer": "yes"}, got.AnswerMap())
}

func TestTransactionRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	boom := errors.New("boom")

	err := s.Transaction(ctx, func(tx services.SubmissionTx) error {
		rec := newRecord("ada@example.com", "+15550001111", now)
		if err := tx.CreateSubmission(ctx, rec); err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, &models.HistoryEntry{SubmissionID: rec.ID, ChangeType: "web-register-create", CreatedAt: now}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	subs, hist, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, subs)
	assert.Zero(t, hist)
}

func TestSwapCounterIsCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := newRecord("ada@example.com", "+15550001111", time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	rec.StepBNudgeCount = 1
	require.NoError(t, s.CreateSubmission(ctx, rec))

	ok, err := s.SwapCounter(ctx, rec.ID, models.ColStepBNudgeCount, 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SwapCounter(ctx, rec.ID, models.ColStepBNudgeCount, 1, 2)
	require.NoError(t, err)
	assert.False(t, ok, "stale value loses")

	got, err := s.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.StepBNudgeCount)

	_, err = s.SwapCounter(ctx, rec.ID, models.ColEmail, 0, 1)
	assert.Error(t, err)
}

func TestHistoryAndIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := newRecord("ada@example.com", "+15550001111", now)
	require.NoError(t, s.CreateSubmission(ctx, rec))

	key := "req-1"
	require.NoError(t, s.AppendHistory(ctx, &models.HistoryEntry{SubmissionID: rec.ID, ChangeType: "web-register-create", Data: datatypes.JSON(`{"a":1}`), CreatedAt: now}))
	require.NoError(t, s.AppendHistory(ctx, &models.HistoryEntry{SubmissionID: rec.ID, ChangeType: "idempotency", IdempotencyKey: &key, CreatedAt: now}))

	err := s.AppendHistory(ctx, &models.HistoryEntry{SubmissionID: rec.ID, ChangeType: "idempotency", IdempotencyKey: &key, CreatedAt: now})
	assert.True(t, errors.Is(err, services.ErrDuplicate))

	found, err := s.FindIdempotent(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "idempotency", found.ChangeType)

	none, err := s.FindIdempotent(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)

	hist, err := s.ListHistory(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.JSONEq(t, `{"a":1}`, string(hist[0].Data))
	assert.JSONEq(t, `{}`, string(hist[1].Data))
}

func TestScans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	stale := newRecord("a@example.com", "+15550000001", now.Add(-48*time.Hour))
	fresh := newRecord("b@example.com", "+15550000002", now.Add(-time.Hour))
	done := newRecord("c@example.com", "+15550000003", now.Add(-48*time.Hour))
	done.Status = models.StatusCompleted
	done.StepBCompleted = true
	for _, r := range []*models.Submission{stale, fresh, done} {
		require.NoError(t, s.CreateSubmission(ctx, r))
	}

	stalled, err := s.ListStalledSurveys(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, stale.ID, stalled[0].ID)

	pending, err := s.ListPendingStepB(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
