package handler

import (
	"github.com/gin-gonic/gin"

	"baton-attendance/backend/internal/dto"
	"baton-attendance/backend/internal/model"
	"baton-attendance/backend/internal/service"
	"baton-attendance/backend/pkg/response"
)

// ScanHandler 学生扫码 HTTP 处理器
// 扫码人始终取自 JWT，请求体中的任何身份字段都不被采信
type ScanHandler struct {
	chainSvc    service.ChainService
	rotatingSvc service.RotatingService
}

// NewScanHandler 创建 ScanHandler
func NewScanHandler(chainSvc service.ChainService, rotatingSvc service.RotatingService) *ScanHandler {
	return &ScanHandler{chainSvc: chainSvc, rotatingSvc: rotatingSvc}
}

// Chain 扫描入场接力链
// POST /api/v1/scan/chain
func (h *ScanHandler) Chain(c *gin.Context) {
	h.chainScan(c, model.PhaseEntry)
}

// ExitChain 扫描离场接力链
// POST /api/v1/scan/exit-chain
func (h *ScanHandler) ExitChain(c *gin.Context) {
	h.chainScan(c, model.PhaseExit)
}

// LateEntry 扫描迟到二维码
// POST /api/v1/scan/late-entry
func (h *ScanHandler) LateEntry(c *gin.Context) {
	h.rotatingScan(c, model.RotatingLateEntry)
}

// EarlyLeave 扫描早退二维码
// POST /api/v1/scan/early-leave
func (h *ScanHandler) EarlyLeave(c *gin.Context) {
	h.rotatingScan(c, model.RotatingEarlyLeave)
}

func (h *ScanHandler) chainScan(c *gin.Context, phase model.Phase) {
	req, scannerID, ok := bindScan(c)
	if !ok {
		return
	}
	result, err := h.chainSvc.Scan(c.Request.Context(), phase, req, scannerID, c.ClientIP())
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, result)
}

func (h *ScanHandler) rotatingScan(c *gin.Context, kind model.RotatingKind) {
	req, scannerID, ok := bindScan(c)
	if !ok {
		return
	}
	result, err := h.rotatingSvc.Scan(c.Request.Context(), kind, req, scannerID, c.ClientIP())
	if err != nil {
		respondError(c, err)
		return
	}
	response.OK(c, result)
}

func bindScan(c *gin.Context) (*dto.ScanRequest, string, bool) {
	var req dto.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "参数校验失败")
		return nil, "", false
	}
	scannerID, ok := MustGetUserID(c)
	if !ok {
		return nil, "", false
	}
	return &req, scannerID, true
}
