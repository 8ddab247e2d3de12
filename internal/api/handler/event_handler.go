package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"baton-attendance/backend/internal/event"
	"baton-attendance/backend/internal/model"
	"baton-attendance/backend/internal/service"
	pkgerrors "baton-attendance/backend/pkg/errors"
)

// EventHandler 教师看板的实时事件推送
type EventHandler struct {
	sessionSvc service.SessionService
	hub        *event.Hub
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewEventHandler 创建 EventHandler；allowOrigins 与 CORS 白名单一致
func NewEventHandler(sessionSvc service.SessionService, hub *event.Hub, allowOrigins []string, logger *zap.Logger) *EventHandler {
	origins := make(map[string]bool, len(allowOrigins))
	for _, o := range allowOrigins {
		origins[strings.TrimRight(o, "/")] = true
	}
	return &EventHandler{
		sessionSvc: sessionSvc,
		hub:        hub,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// 非浏览器客户端不带 Origin
				return origin == "" || origins[origin]
			},
		},
	}
}

// Subscribe 升级为 WebSocket 并持续推送该会话的事件
// GET /api/v1/sessions/:id/events
func (h *EventHandler) Subscribe(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	sessionID := c.Param("id")
	sess, err := h.sessionSvc.Get(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.TeacherID != callerID {
		respondError(c, pkgerrors.ErrUnauthorized)
		return
	}
	// 已结束的会话不会再有事件
	if sess.Status == string(model.SessionEnded) {
		respondError(c, pkgerrors.ErrInvalidState.WithMessage("会话已结束"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 失败时已写入 HTTP 错误响应
		h.logger.Warn("WebSocket 升级失败", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	sub := h.hub.Subscribe(sessionID)
	// 订阅与结束会话并发时，结束事件可能已在订阅前发出
	if again, err := h.sessionSvc.Get(c.Request.Context(), sessionID); err != nil || again.Status == string(model.SessionEnded) {
		sub.Close()
	}
	h.logger.Info("看板已订阅", zap.String("session_id", sessionID), zap.String("teacher_id", callerID))
	if err := event.Stream(c.Request.Context(), conn, sub, h.logger); err != nil {
		h.logger.Warn("事件推送中断", zap.String("session_id", sessionID), zap.Error(err))
	}
}
