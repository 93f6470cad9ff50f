package handlers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/TheMystery123/TraceDroid/internal/repository"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RunSubmitter 把已入库的运行交给执行后端（队列或本地 worker 池）
type RunSubmitter interface {
	SubmitRun(ctx context.Context, runID, apkPath, sourceDir string) error
}

// RunHandler 运行管理处理器
type RunHandler struct {
	runRepo     repository.RunRepository
	attemptRepo repository.AttemptRepository
	submitter   RunSubmitter
	logger      *logrus.Logger
}

// NewRunHandler 创建运行处理器实例
func NewRunHandler(runRepo repository.RunRepository, attemptRepo repository.AttemptRepository, submitter RunSubmitter, logger *logrus.Logger) *RunHandler {
	return &RunHandler{
		runRepo:     runRepo,
		attemptRepo: attemptRepo,
		submitter:   submitter,
		logger:      logger,
	}
}

// CreateRunRequest 创建运行的请求体
type CreateRunRequest struct {
	APKPath   string `json:"apk_path" binding:"required"`
	SourceDir string `json:"source_dir" binding:"required"`
}

// CreateRun 创建一次分析运行
// POST /api/runs
// APK 与反编译源码目录必须都已存在于服务器文件系统
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}

	if _, err := os.Stat(req.APKPath); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("apk not found: %s", req.APKPath),
		})
		return
	}
	if fi, err := os.Stat(req.SourceDir); err != nil || !fi.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("source dir not found: %s", req.SourceDir),
		})
		return
	}

	run := &domain.Run{
		ID:        uuid.New().String(),
		APKPath:   req.APKPath,
		SourceDir: req.SourceDir,
		Status:    domain.RunStatusQueued,
		CreatedAt: time.Now(),
	}

	if err := h.runRepo.Create(c.Request.Context(), run); err != nil {
		h.logger.WithError(err).Error("Failed to create run")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to create run",
		})
		return
	}

	if err := h.submitter.SubmitRun(c.Request.Context(), run.ID, run.APKPath, run.SourceDir); err != nil {
		h.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to submit run")
		// 记录保留在 queued 状态，可由重试工具再次提交
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "run created but submission failed",
			"run_id": run.ID,
		})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"run_id": run.ID,
		"apk":    run.APKPath,
	}).Info("Run created and submitted")

	c.JSON(http.StatusCreated, run)
}

// ListRuns 分页获取运行列表
// GET /api/runs?page=1&page_size=20
func (h *RunHandler) ListRuns(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	runs, total, err := h.runRepo.ListWithPagination(c.Request.Context(), page, pageSize)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list runs",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":      runs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetRun 获取单个运行
// GET /api/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	id := c.Param("id")

	run, err := h.runRepo.FindByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "run not found",
		})
		return
	}

	c.JSON(http.StatusOK, run)
}

// ListAttempts 获取运行的全部探索记录
// GET /api/runs/:id/attempts?outcome=crash_confirmed
func (h *RunHandler) ListAttempts(c *gin.Context) {
	id := c.Param("id")

	if _, err := h.runRepo.FindByID(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "run not found",
		})
		return
	}

	var attempts []*domain.ExplorationAttempt
	var err error

	if outcome := c.Query("outcome"); outcome != "" {
		attempts, err = h.attemptRepo.ListByOutcome(c.Request.Context(), id, domain.Outcome(outcome))
	} else {
		attempts, err = h.attemptRepo.ListByRun(c.Request.Context(), id)
	}
	if err != nil {
		h.logger.WithError(err).WithField("run_id", id).Error("Failed to list attempts")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list attempts",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":   id,
		"attempts": attempts,
		"total":    len(attempts),
	})
}

// GetRunSummary 获取运行的结局统计
// GET /api/runs/:id/summary
func (h *RunHandler) GetRunSummary(c *gin.Context) {
	id := c.Param("id")

	run, err := h.runRepo.FindByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "run not found",
		})
		return
	}

	counts, err := h.attemptRepo.CountByOutcome(c.Request.Context(), id)
	if err != nil {
		h.logger.WithError(err).WithField("run_id", id).Error("Failed to count outcomes")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to count outcomes",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":         id,
		"status":         run.Status,
		"location_count": run.LocationCount,
		"outcomes":       counts,
	})
}

// GetSystemStats 系统统计
// GET /api/stats
func (h *RunHandler) GetSystemStats(c *gin.Context) {
	counts, total, err := h.runRepo.StatusCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get system stats")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to get system stats",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"by_status": counts,
	})
}
