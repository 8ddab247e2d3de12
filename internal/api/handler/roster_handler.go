package handler

import (
	"github.com/gin-gonic/gin"

	"baton-attendance/backend/internal/dto"
	"baton-attendance/backend/internal/service"
	"baton-attendance/backend/pkg/response"
)

// RosterHandler 班级名册 HTTP 处理器
type RosterHandler struct {
	rosterSvc service.RosterService
}

// NewRosterHandler 创建 RosterHandler
func NewRosterHandler(rosterSvc service.RosterService) *RosterHandler {
	return &RosterHandler{rosterSvc: rosterSvc}
}

// Replace 整体替换名册
// PUT /api/v1/classes/:classId/roster
func (h *RosterHandler) Replace(c *gin.Context) {
	var req dto.ReplaceRosterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "参数校验失败")
		return
	}
	roster, err := h.rosterSvc.Replace(c.Request.Context(), c.Param("classId"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, roster)
}

// Get 查询名册
// GET /api/v1/classes/:classId/roster
func (h *RosterHandler) Get(c *gin.Context) {
	roster, err := h.rosterSvc.Get(c.Request.Context(), c.Param("classId"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, roster)
}
