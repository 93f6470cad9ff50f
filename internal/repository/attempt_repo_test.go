package repository

import (
	"context"
	"testing"

	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAttempt(runID string) *domain.ExplorationAttempt {
	return &domain.ExplorationAttempt{
		RunID:    runID,
		File:     "com/example/app/SettingsActivity.java",
		Class:    "com.example.app.SettingsActivity",
		Method:   "reset",
		RuleID:   "nullable_result_deref",
		Category: domain.CategoryNullPointer,
	}
}

// TestAttemptRepository_CreateAndList 测试创建与按运行查询
func TestAttemptRepository_CreateAndList(t *testing.T) {
	db := setupTestDB(t)
	runRepo := NewRunRepository(db, testLogger())
	repo := NewAttemptRepository(db, testLogger())
	ctx := context.Background()

	run := newTestRun()
	require.NoError(t, runRepo.Create(ctx, run))

	first := newTestAttempt(run.ID)
	second := newTestAttempt(run.ID)
	second.Method = "submit"
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))
	assert.False(t, first.StartedAt.IsZero())

	attempts, err := repo.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "reset", attempts[0].Method)
	assert.Equal(t, "submit", attempts[1].Method)
}

// TestAttemptRepository_Finalize 测试定论写入
func TestAttemptRepository_Finalize(t *testing.T) {
	db := setupTestDB(t)
	runRepo := NewRunRepository(db, testLogger())
	repo := NewAttemptRepository(db, testLogger())
	ctx := context.Background()

	run := newTestRun()
	require.NoError(t, runRepo.Create(ctx, run))

	attempt := newTestAttempt(run.ID)
	require.NoError(t, repo.Create(ctx, attempt))

	attempt.Outcome = domain.OutcomeCrashConfirmed
	attempt.StepsPlanned = 3
	attempt.StepsExecuted = 3
	attempt.CrashJSON = `{"exception":"java.lang.NullPointerException"}`
	require.NoError(t, repo.Finalize(ctx, attempt))
	assert.True(t, attempt.Finalized())

	attempts, err := repo.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.OutcomeCrashConfirmed, attempts[0].Outcome)
	assert.Equal(t, 3, attempts[0].StepsExecuted)
	assert.NotNil(t, attempts[0].FinalizedAt)
}

// TestAttemptRepository_FinalizeTwiceRejected 测试重复定论被拒绝
func TestAttemptRepository_FinalizeTwiceRejected(t *testing.T) {
	db := setupTestDB(t)
	runRepo := NewRunRepository(db, testLogger())
	repo := NewAttemptRepository(db, testLogger())
	ctx := context.Background()

	run := newTestRun()
	require.NoError(t, runRepo.Create(ctx, run))

	attempt := newTestAttempt(run.ID)
	require.NoError(t, repo.Create(ctx, attempt))

	attempt.Outcome = domain.OutcomePathExhausted
	require.NoError(t, repo.Finalize(ctx, attempt))

	attempt.Outcome = domain.OutcomeCrashConfirmed
	err := repo.Finalize(ctx, attempt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already finalized")

	attempts, err := repo.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePathExhausted, attempts[0].Outcome)
}

// TestAttemptRepository_FinalizeNonTerminalRejected 测试非终态结局不能定论
func TestAttemptRepository_FinalizeNonTerminalRejected(t *testing.T) {
	db := setupTestDB(t)
	runRepo := NewRunRepository(db, testLogger())
	repo := NewAttemptRepository(db, testLogger())
	ctx := context.Background()

	run := newTestRun()
	require.NoError(t, runRepo.Create(ctx, run))

	attempt := newTestAttempt(run.ID)
	require.NoError(t, repo.Create(ctx, attempt))

	err := repo.Finalize(ctx, attempt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-terminal")
}

// TestAttemptRepository_CountByOutcome 测试按结局聚合
func TestAttemptRepository_CountByOutcome(t *testing.T) {
	db := setupTestDB(t)
	runRepo := NewRunRepository(db, testLogger())
	repo := NewAttemptRepository(db, testLogger())
	ctx := context.Background()

	run := newTestRun()
	require.NoError(t, runRepo.Create(ctx, run))

	outcomes := []domain.Outcome{
		domain.OutcomeCrashConfirmed,
		domain.OutcomeCrashConfirmed,
		domain.OutcomePathExhausted,
		domain.OutcomeInconclusive,
	}
	for _, outcome := range outcomes {
		attempt := newTestAttempt(run.ID)
		require.NoError(t, repo.Create(ctx, attempt))
		attempt.Outcome = outcome
		require.NoError(t, repo.Finalize(ctx, attempt))
	}

	counts, err := repo.CountByOutcome(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[string(domain.OutcomeCrashConfirmed)])
	assert.Equal(t, int64(1), counts[string(domain.OutcomePathExhausted)])
	assert.Equal(t, int64(1), counts[string(domain.OutcomeInconclusive)])

	confirmed, err := repo.ListByOutcome(ctx, run.ID, domain.OutcomeCrashConfirmed)
	require.NoError(t, err)
	assert.Len(t, confirmed, 2)
}
