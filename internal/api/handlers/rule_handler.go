package handlers

import (
	"net/http"

	"github.com/TheMystery123/TraceDroid/internal/rules"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RuleHandler 规则目录处理器
type RuleHandler struct {
	engine *rules.Engine
	logger *logrus.Logger
}

// NewRuleHandler 创建规则处理器实例
func NewRuleHandler(engine *rules.Engine, logger *logrus.Logger) *RuleHandler {
	return &RuleHandler{
		engine: engine,
		logger: logger,
	}
}

// ruleView 对外暴露的规则信息，不含匹配函数
type ruleView struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// ListRules 获取当前加载的规则目录
// GET /api/rules
func (h *RuleHandler) ListRules(c *gin.Context) {
	catalog := h.engine.Rules()

	views := make([]ruleView, 0, len(catalog))
	for _, r := range catalog {
		views = append(views, ruleView{
			ID:          r.ID,
			Category:    string(r.Category),
			Description: r.Description,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"rules": views,
		"total": len(views),
	})
}
