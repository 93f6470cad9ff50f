package handlers

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheMystery123/TraceDroid/internal/watcher"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// FileHandler APK 入站文件处理器
// 上传的 APK 落入 inbound 目录，由 BundleWatcher 在配套源码目录
// 就位后自动创建运行
type FileHandler struct {
	logger     *logrus.Logger
	inboundDir string
}

// NewFileHandler 创建文件处理器实例
func NewFileHandler(inboundDir string, logger *logrus.Logger) *FileHandler {
	return &FileHandler{
		logger:     logger,
		inboundDir: inboundDir,
	}
}

// UploadAPK 上传单个 APK 到入站目录
// POST /api/upload
func (h *FileHandler) UploadAPK(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		h.logger.WithError(err).Error("Failed to get uploaded file")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "failed to read uploaded file",
		})
		return
	}

	filename := filepath.Base(file.Filename)
	if !strings.HasSuffix(strings.ToLower(filename), ".apk") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "only .apk files are accepted",
		})
		return
	}

	// 最大 500MB
	maxSize := int64(500 * 1024 * 1024)
	if file.Size > maxSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("file exceeds size limit (%dMB)", maxSize/(1024*1024)),
		})
		return
	}

	if err := os.MkdirAll(h.inboundDir, 0o755); err != nil {
		h.logger.WithError(err).Error("Failed to create inbound directory")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to create inbound directory",
		})
		return
	}

	destPath := filepath.Join(h.inboundDir, filename)
	if _, err := os.Stat(destPath); err == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":    "file already exists",
			"filename": filename,
		})
		return
	}

	src, err := file.Open()
	if err != nil {
		h.logger.WithError(err).Error("Failed to open uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to open uploaded file",
		})
		return
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		h.logger.WithError(err).Error("Failed to create destination file")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to store uploaded file",
		})
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		h.logger.WithError(err).Error("Failed to write uploaded file")
		os.Remove(destPath)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to store uploaded file",
		})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"filename": filename,
		"size":     file.Size,
	}).Info("APK uploaded to inbound directory")

	c.JSON(http.StatusCreated, gin.H{
		"filename":            filename,
		"path":                destPath,
		"expected_source_dir": watcher.SourceDirFor(destPath),
	})
}
