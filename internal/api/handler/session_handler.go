package handler

import (
	"github.com/gin-gonic/gin"

	"baton-attendance/backend/internal/dto"
	"baton-attendance/backend/internal/model"
	"baton-attendance/backend/internal/service"
	"baton-attendance/backend/pkg/response"
)

// SessionHandler 会话模块 HTTP 处理器
type SessionHandler struct {
	sessionSvc  service.SessionService
	rotatingSvc service.RotatingService
}

// NewSessionHandler 创建 SessionHandler
func NewSessionHandler(sessionSvc service.SessionService, rotatingSvc service.RotatingService) *SessionHandler {
	return &SessionHandler{sessionSvc: sessionSvc, rotatingSvc: rotatingSvc}
}

// Create 创建签到会话
// POST /api/v1/sessions
func (h *SessionHandler) Create(c *gin.Context) {
	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "参数校验失败")
		return
	}
	teacherID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	sess, err := h.sessionSvc.Create(c.Request.Context(), &req, teacherID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, sess)
}

// Get 会话详情
// GET /api/v1/sessions/:id
func (h *SessionHandler) Get(c *gin.Context) {
	sess, err := h.sessionSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, sess)
}

// End 结束会话并返回最终考勤
// POST /api/v1/sessions/:id/end
func (h *SessionHandler) End(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	result, err := h.sessionSvc.End(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, result)
}

// StartEarlyLeave 开启早退窗口
// POST /api/v1/sessions/:id/start-early-leave
func (h *SessionHandler) StartEarlyLeave(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	sess, err := h.sessionSvc.StartEarlyLeave(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, sess)
}

// StopEarlyLeave 关闭早退窗口
// POST /api/v1/sessions/:id/stop-early-leave
func (h *SessionHandler) StopEarlyLeave(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	sess, err := h.sessionSvc.StopEarlyLeave(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, sess)
}

// Attendance 会话考勤列表
// GET /api/v1/sessions/:id/attendance
func (h *SessionHandler) Attendance(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	records, err := h.sessionSvc.ListAttendance(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, gin.H{"list": records})
}

// LateQR 当前迟到二维码
// GET /api/v1/sessions/:id/late-qr
func (h *SessionHandler) LateQR(c *gin.Context) {
	h.currentQR(c, model.RotatingLateEntry)
}

// EarlyQR 当前早退二维码
// GET /api/v1/sessions/:id/early-qr
func (h *SessionHandler) EarlyQR(c *gin.Context) {
	h.currentQR(c, model.RotatingEarlyLeave)
}

func (h *SessionHandler) currentQR(c *gin.Context, kind model.RotatingKind) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	qr, err := h.rotatingSvc.CurrentQR(c.Request.Context(), c.Param("id"), kind, callerID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, qr)
}
