package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AttemptRepository 探索记录仓库
type AttemptRepository interface {
	Create(ctx context.Context, attempt *domain.ExplorationAttempt) error
	Finalize(ctx context.Context, attempt *domain.ExplorationAttempt) error
	ListByRun(ctx context.Context, runID string) ([]*domain.ExplorationAttempt, error)
	ListByOutcome(ctx context.Context, runID string, outcome domain.Outcome) ([]*domain.ExplorationAttempt, error)
	CountByOutcome(ctx context.Context, runID string) (map[string]int64, error)
}

type attemptRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewAttemptRepository 创建探索记录仓库
func NewAttemptRepository(db *gorm.DB, logger *logrus.Logger) AttemptRepository {
	return &attemptRepo{db: db, logger: logger}
}

func (r *attemptRepo) Create(ctx context.Context, attempt *domain.ExplorationAttempt) error {
	attempt.CreatedAt = time.Now().UTC()
	if attempt.StartedAt.IsZero() {
		attempt.StartedAt = attempt.CreatedAt
	}
	return r.db.WithContext(ctx).Create(attempt).Error
}

// Finalize 写入终局；Outcome 只定论一次，已定论的记录拒绝改写
func (r *attemptRepo) Finalize(ctx context.Context, attempt *domain.ExplorationAttempt) error {
	if !attempt.Outcome.Terminal() {
		return fmt.Errorf("cannot finalize attempt %d with non-terminal outcome %q", attempt.ID, attempt.Outcome)
	}

	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.ExplorationAttempt{}).
		Where("id = ? AND finalized_at IS NULL", attempt.ID).
		Updates(map[string]interface{}{
			"outcome":         attempt.Outcome,
			"steps_planned":   attempt.StepsPlanned,
			"steps_executed":  attempt.StepsExecuted,
			"used_completion": attempt.UsedCompletion,
			"context_json":    attempt.ContextJSON,
			"actions_json":    attempt.ActionsJSON,
			"crash_json":      attempt.CrashJSON,
			"error_message":   attempt.ErrorMessage,
			"finalized_at":    &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("attempt %d already finalized", attempt.ID)
	}
	attempt.FinalizedAt = &now
	return nil
}

func (r *attemptRepo) ListByRun(ctx context.Context, runID string) ([]*domain.ExplorationAttempt, error) {
	var attempts []*domain.ExplorationAttempt
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&attempts).Error
	return attempts, err
}

func (r *attemptRepo) ListByOutcome(ctx context.Context, runID string, outcome domain.Outcome) ([]*domain.ExplorationAttempt, error) {
	var attempts []*domain.ExplorationAttempt
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND outcome = ?", runID, outcome).
		Order("id ASC").
		Find(&attempts).Error
	return attempts, err
}

// CountByOutcome 按结局聚合计数
func (r *attemptRepo) CountByOutcome(ctx context.Context, runID string) (map[string]int64, error) {
	type row struct {
		Outcome string
		Count   int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&domain.ExplorationAttempt{}).
		Where("run_id = ?", runID).
		Select("outcome, count(*) as count").
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, rw := range rows {
		counts[rw.Outcome] = rw.Count
	}
	return counts, nil
}
