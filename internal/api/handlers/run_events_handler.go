package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/TheMystery123/TraceDroid/internal/explore"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// RunEventMessage 推送给 WebSocket 客户端的运行事件
type RunEventMessage struct {
	RunID     string `json:"run_id"`
	Type      string `json:"type"` // event / progress / status
	Location  string `json:"location,omitempty"`
	State     string `json:"state,omitempty"`
	StepIndex int    `json:"step_index,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Processed int    `json:"processed,omitempty"`
	Total     int    `json:"total,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// RunEventsHandler 运行事件 WebSocket 处理器
// 实现 worker.RunBroadcaster，把探索过程中的状态机事件实时推给
// 订阅了对应 run_id（或 "all"）的客户端
type RunEventsHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]string // conn -> 订阅的 run_id
	clientMutex sync.RWMutex
	broadcast   chan RunEventMessage
}

// NewRunEventsHandler 创建运行事件处理器
func NewRunEventsHandler(logger *logrus.Logger) *RunEventsHandler {
	return &RunEventsHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源（生产环境需要限制）
			},
		},
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan RunEventMessage, 256),
	}
}

// Start 启动广播服务
func (h *RunEventsHandler) Start() {
	go h.runBroadcaster()
}

// runBroadcaster 运行广播器
func (h *RunEventsHandler) runBroadcaster() {
	for msg := range h.broadcast {
		var stale []*websocket.Conn

		h.clientMutex.RLock()
		for conn, runID := range h.clients {
			if runID != msg.RunID && runID != "all" {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.WithError(err).Warn("Failed to write to WebSocket client")
				stale = append(stale, conn)
			}
		}
		h.clientMutex.RUnlock()

		if len(stale) > 0 {
			h.clientMutex.Lock()
			for _, conn := range stale {
				conn.Close()
				delete(h.clients, conn)
			}
			h.clientMutex.Unlock()
		}
	}
}

// HandleWebSocket 处理 WebSocket 连接
// GET /ws/runs/:run_id，run_id 为 "all" 时订阅全部运行
func (h *RunEventsHandler) HandleWebSocket(c *gin.Context) {
	runID := c.Param("run_id")
	if runID == "" {
		runID = "all"
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	h.clientMutex.Lock()
	h.clients[conn] = runID
	h.clientMutex.Unlock()

	h.logger.WithField("run_id", runID).Info("WebSocket client connected")

	// 保持连接，客户端消息只用于探测断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.clientMutex.Lock()
	delete(h.clients, conn)
	h.clientMutex.Unlock()

	h.logger.WithField("run_id", runID).Info("WebSocket client disconnected")
}

// ClientCount 当前连接数
func (h *RunEventsHandler) ClientCount() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients)
}

// BroadcastEvent 广播一条探索状态机事件
func (h *RunEventsHandler) BroadcastEvent(runID string, event explore.Event) {
	h.send(RunEventMessage{
		RunID:     runID,
		Type:      "event",
		Location:  event.Location,
		State:     string(event.State),
		StepIndex: event.StepIndex,
		Outcome:   string(event.Outcome),
		Detail:    event.Detail,
		Timestamp: time.Now().Unix(),
	})
}

// BroadcastProgress 广播进度更新
func (h *RunEventsHandler) BroadcastProgress(runID string, processed, total int) {
	h.send(RunEventMessage{
		RunID:     runID,
		Type:      "progress",
		Processed: processed,
		Total:     total,
		Timestamp: time.Now().Unix(),
	})
}

// BroadcastStatus 广播运行状态变化
func (h *RunEventsHandler) BroadcastStatus(runID string, status string) {
	h.send(RunEventMessage{
		RunID:     runID,
		Type:      "status",
		Status:    status,
		Timestamp: time.Now().Unix(),
	})
}

func (h *RunEventsHandler) send(msg RunEventMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast channel is full, dropping message")
	}
}
