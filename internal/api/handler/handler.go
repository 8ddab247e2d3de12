package handler

import (
	"go.uber.org/zap"

	"baton-attendance/backend/config"
	"baton-attendance/backend/internal/event"
	"baton-attendance/backend/internal/service"
)

// Handler 所有 Handler 的聚合入口
type Handler struct {
	Session *SessionHandler
	Roster  *RosterHandler
	Chain   *ChainHandler
	Scan    *ScanHandler
	Event   *EventHandler
}

// NewHandler 创建 Handler 聚合
func NewHandler(cfg *config.Config, svc *service.Service, hub *event.Hub, logger *zap.Logger) *Handler {
	return &Handler{
		Session: NewSessionHandler(svc.Session, svc.Rotating),
		Roster:  NewRosterHandler(svc.Roster),
		Chain:   NewChainHandler(svc.Chain),
		Scan:    NewScanHandler(svc.Chain, svc.Rotating),
		Event:   NewEventHandler(svc.Session, hub, cfg.Server.CORS.AllowOrigins, logger),
	}
}
