package handler

import (
	"github.com/gin-gonic/gin"

	"baton-attendance/backend/internal/dto"
	"baton-attendance/backend/internal/model"
	"baton-attendance/backend/internal/service"
	"baton-attendance/backend/pkg/response"
)

// ChainHandler 接力链模块 HTTP 处理器（教师端命令 + 持有人取码）
type ChainHandler struct {
	chainSvc service.ChainService
}

// NewChainHandler 创建 ChainHandler
func NewChainHandler(chainSvc service.ChainService) *ChainHandler {
	return &ChainHandler{chainSvc: chainSvc}
}

// SeedEntry 播种入场链
// POST /api/v1/sessions/:id/seed-entry?count=N
func (h *ChainHandler) SeedEntry(c *gin.Context) {
	h.seed(c, model.PhaseEntry, false)
}

// StartExitChain 播种离场链
// POST /api/v1/sessions/:id/start-exit-chain?count=N
func (h *ChainHandler) StartExitChain(c *gin.Context) {
	h.seed(c, model.PhaseExit, false)
}

// ReseedEntry 重新播种卡住的入场链
// POST /api/v1/sessions/:id/reseed-entry?count=N
func (h *ChainHandler) ReseedEntry(c *gin.Context) {
	h.seed(c, model.PhaseEntry, true)
}

// ReseedExit 重新播种卡住的离场链
// POST /api/v1/sessions/:id/reseed-exit?count=N
func (h *ChainHandler) ReseedExit(c *gin.Context) {
	h.seed(c, model.PhaseExit, true)
}

func (h *ChainHandler) seed(c *gin.Context, phase model.Phase, reseed bool) {
	var q dto.ChainCountQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, "count 必须为 1-100 的整数")
		return
	}
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	var (
		result *dto.SeedResponse
		err    error
	)
	if reseed {
		result, err = h.chainSvc.Reseed(c.Request.Context(), c.Param("id"), phase, q.Count, callerID)
	} else {
		result, err = h.chainSvc.Seed(c.Request.Context(), c.Param("id"), phase, q.Count, callerID)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, result)
}

// Close 收链，确认最后一位持有人
// POST /api/v1/sessions/:id/chains/:chainId/close
func (h *ChainHandler) Close(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	result, err := h.chainSvc.Close(c.Request.Context(), c.Param("id"), c.Param("chainId"), callerID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, result)
}

// SetHolder 人工指定持有人
// POST /api/v1/sessions/:id/chains/:chainId/set-holder
func (h *ChainHandler) SetHolder(c *gin.Context) {
	var req dto.SetHolderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "参数校验失败")
		return
	}
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	result, err := h.chainSvc.SetHolder(c.Request.Context(), c.Param("id"), c.Param("chainId"), req.StudentID, callerID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, result)
}

// List 会话的接力链快照
// GET /api/v1/sessions/:id/chains?phase=ENTRY|EXIT
func (h *ChainHandler) List(c *gin.Context) {
	var q dto.ChainListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, "phase 只能为 ENTRY 或 EXIT")
		return
	}
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	chains, err := h.chainSvc.List(c.Request.Context(), c.Param("id"), model.Phase(q.Phase), callerID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, gin.H{"list": chains})
}

// History 交接历史
// GET /api/v1/sessions/:id/chains/:chainId/history
func (h *ChainHandler) History(c *gin.Context) {
	callerID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	hops, err := h.chainSvc.History(c.Request.Context(), c.Param("id"), c.Param("chainId"), callerID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, gin.H{"list": hops})
}

// HolderToken 当前持有人获取要展示的二维码
// GET /api/v1/sessions/:id/chains/:chainId/token
func (h *ChainHandler) HolderToken(c *gin.Context) {
	studentID, ok := MustGetUserID(c)
	if !ok {
		return
	}
	qr, err := h.chainSvc.HolderToken(c.Request.Context(), c.Param("id"), c.Param("chainId"), studentID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, qr)
}
