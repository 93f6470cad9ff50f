package repository

import (
	"context"
	"time"

	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RunRepository 运行记录仓库
type RunRepository interface {
	Create(ctx context.Context, run *domain.Run) error
	FindByID(ctx context.Context, id string) (*domain.Run, error)
	ListWithPagination(ctx context.Context, page, pageSize int) ([]*domain.Run, int64, error)
	UpdateStatus(ctx context.Context, id string, status domain.RunStatus) error
	UpdateProgress(ctx context.Context, id string, step string, processed int) error
	SetPackageInfo(ctx context.Context, id, packageName, appName string) error
	SetLocationCount(ctx context.Context, id string, count int) error
	IncrementOutcome(ctx context.Context, id string, outcome domain.Outcome) error
	MarkStarted(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, status domain.RunStatus, errorMessage string) error
	StatusCounts(ctx context.Context) (map[string]int64, int64, error)
}

type runRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewRunRepository 创建运行仓库
func NewRunRepository(db *gorm.DB, logger *logrus.Logger) RunRepository {
	return &runRepo{db: db, logger: logger}
}

func (r *runRepo) Create(ctx context.Context, run *domain.Run) error {
	run.CreatedAt = time.Now().UTC()
	if run.Status == "" {
		run.Status = domain.RunStatusQueued
	}
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *runRepo) FindByID(ctx context.Context, id string) (*domain.Run, error) {
	var run domain.Run
	err := r.db.WithContext(ctx).
		Preload("Attempts").
		First(&run, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepo) ListWithPagination(ctx context.Context, page, pageSize int) ([]*domain.Run, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.Run{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var runs []*domain.Run
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&runs).Error
	return runs, total, err
}

func (r *runRepo) UpdateStatus(ctx context.Context, id string, status domain.RunStatus) error {
	return r.db.WithContext(ctx).
		Model(&domain.Run{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (r *runRepo) UpdateProgress(ctx context.Context, id string, step string, processed int) error {
	return r.db.WithContext(ctx).
		Model(&domain.Run{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_step":    step,
			"processed_count": processed,
		}).Error
}

func (r *runRepo) SetPackageInfo(ctx context.Context, id, packageName, appName string) error {
	return r.db.WithContext(ctx).
		Model(&domain.Run{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"package_name": packageName,
			"app_name":     appName,
		}).Error
}

func (r *runRepo) SetLocationCount(ctx context.Context, id string, count int) error {
	return r.db.WithContext(ctx).
		Model(&domain.Run{}).
		Where("id = ?", id).
		Update("location_count", count).Error
}

// IncrementOutcome 按结局原子累加对应计数，避免并发 worker 相互覆盖
func (r *runRepo) IncrementOutcome(ctx context.Context, id string, outcome domain.Outcome) error {
	var column string
	switch outcome {
	case domain.OutcomeCrashConfirmed:
		column = "confirmed_count"
	case domain.OutcomeTargetUnreachable:
		column = "unreachable_count"
	case domain.OutcomePathExhausted:
		column = "exhausted_count"
	default:
		// Inconclusive 只计入 processed_count
		column = ""
	}

	tx := r.db.WithContext(ctx).Model(&domain.Run{}).Where("id = ?", id)
	updates := map[string]interface{}{
		"processed_count": gorm.Expr("processed_count + 1"),
	}
	if column != "" {
		updates[column] = gorm.Expr(column + " + 1")
	}
	return tx.Updates(updates).Error
}

func (r *runRepo) MarkStarted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.Run{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.RunStatusAnalyzing,
			"started_at": &now,
		}).Error
}

func (r *runRepo) MarkCompleted(ctx context.Context, id string, status domain.RunStatus, errorMessage string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.Run{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errorMessage,
			"completed_at":  &now,
		}).Error
}

// StatusCounts 各状态运行数量（数据库聚合）
func (r *runRepo) StatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&domain.Run{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	counts := make(map[string]int64, len(rows))
	var total int64
	for _, rw := range rows {
		counts[rw.Status] = rw.Count
		total += rw.Count
	}
	return counts, total, nil
}
